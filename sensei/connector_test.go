package sensei

import (
	"bytes"
	"context"
	"encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestConnector(t testing.TB, engineURL string) *Connector {
	t.Helper()
	config := DefaultConfig()
	config.Connector.Listen = "127.0.0.1:0"
	config.Connector.EngineURL = engineURL
	connector, err := NewConnector(config)
	require.NoError(t, err)
	return connector
}

func newStubEngine(t testing.TB, status int, body string) (*httptest.Server, <-chan *http.Request) {
	t.Helper()
	requests := make(chan *http.Request, 1)
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				b, _ := io.ReadAll(r.Body)
				r.Body = io.NopCloser(bytes.NewReader(b))
				requests <- r
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				_, _ = io.WriteString(w, body)
			},
		),
	)
	t.Cleanup(srv.Close)
	return srv, requests
}

func TestConnector_Forward(t *testing.T) {
	engine, requests := newStubEngine(
		t,
		http.StatusOK,
		`{"termName":"Net Present Value","termDefinition":"Today's value of future cash flows."}`,
	)
	connector := newTestConnector(t, engine.URL+pathGenerateTerm)

	body := `{"category":"finance","userId":"u1","guildId":"g1","platform":"discord"}`
	req := httptest.NewRequest(http.MethodPost, pathGenerateTerm, bytes.NewReader([]byte(body)))
	req.Header.Set(xRequestIDHeader, "req-1")
	w := httptest.NewRecorder()
	connector.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(
		t,
		`{"termName":"Net Present Value","termDefinition":"Today's value of future cash flows."}`,
		w.Body.String(),
	)

	forwarded := <-requests
	assert.Equal(t, http.MethodPost, forwarded.Method)
	assert.Equal(t, pathGenerateTerm, forwarded.URL.Path)
	assert.Equal(t, "req-1", forwarded.Header.Get(xRequestIDHeader))
	assert.Equal(t, "application/json", forwarded.Header.Get("Content-Type"))
	forwardedBody, err := io.ReadAll(forwarded.Body)
	require.NoError(t, err)
	assert.JSONEq(t, body, string(forwardedBody))
}

func TestConnector_Forward_Errors(t *testing.T) {
	testCases := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		wantDetail string
	}{
		{
			name:       "detail relayed",
			status:     http.StatusServiceUnavailable,
			body:       `{"detail":"engine down"}`,
			wantStatus: http.StatusServiceUnavailable,
			wantDetail: `"engine down"`,
		},
		{
			name:       "structured detail relayed",
			status:     http.StatusUnprocessableEntity,
			body:       `{"detail":[{"loc":["body","userId"],"msg":"field required","type":"required"}]}`,
			wantStatus: http.StatusUnprocessableEntity,
			wantDetail: `[{"loc":["body","userId"],"msg":"field required","type":"required"}]`,
		},
		{
			name:       "no detail",
			status:     http.StatusBadGateway,
			body:       `<html>bad gateway</html>`,
			wantStatus: http.StatusBadGateway,
			wantDetail: `"Failed to connect to the engine."`,
		},
		{
			name:       "empty detail",
			status:     http.StatusInternalServerError,
			body:       `{"detail":""}`,
			wantStatus: http.StatusInternalServerError,
			wantDetail: `"Failed to connect to the engine."`,
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				engine, _ := newStubEngine(t, tc.status, tc.body)
				connector := newTestConnector(t, engine.URL+pathGenerateTerm)

				w := doJSON(
					t,
					connector.Handler(),
					http.MethodPost,
					pathGenerateTerm,
					`{"category":"ai","userId":"u1"}`,
				)
				assert.Equal(t, tc.wantStatus, w.Code)

				var body struct {
					Detail json.RawMessage `json:"detail"`
				}
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				assert.JSONEq(t, tc.wantDetail, string(body.Detail))
			},
		)
	}
}

func TestConnector_Forward_EngineDown(t *testing.T) {
	engine, requests := newStubEngine(t, http.StatusServiceUnavailable, `{"detail":"engine down"}`)
	connector := newTestConnector(t, engine.URL+pathGenerateTerm)

	body := `{"category":"ai","userId":"u1","guildId":"g1","platform":"discord"}`
	w := doJSON(t, connector.Handler(), http.MethodPost, pathGenerateTerm, body)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"detail":"engine down"}`, w.Body.String())

	forwarded := <-requests
	forwardedBody, err := io.ReadAll(forwarded.Body)
	require.NoError(t, err)
	assert.Equal(t, body, string(forwardedBody))
}

func TestConnector_Forward_Unreachable(t *testing.T) {
	engine := httptest.NewServer(http.NotFoundHandler())
	url := engine.URL + pathGenerateTerm
	engine.Close()

	connector := newTestConnector(t, url)
	w := doJSON(t, connector.Handler(), http.MethodPost, pathGenerateTerm, `{"category":"ai","userId":"u1"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, detailEngineUnreachable, decodeDetail(t, w))
}

func TestRelayedDetail(t *testing.T) {
	testCases := map[string]string{
		`{"detail":"x"}`:     `"x"`,
		`{"detail":{"a":1}}`: `{"a":1}`,
		`{"detail":null}`:    "",
		`{"detail":false}`:   "",
		`{"detail":0}`:       "",
		`{}`:                 "",
		`not json`:           "",
	}
	for body, expected := range testCases {
		assert.Equal(t, expected, string(relayedDetail([]byte(body))), body)
	}
}

// TestConnector_EngineEndToEnd runs a real engine behind the connector
func TestConnector_EngineEndToEnd(t *testing.T) {
	te := newTestEngine(t)
	te.generator.On("Generate", mock.Anything, mock.Anything).Return("Go-To-Market: A plan to launch a product.", nil)
	engineServer := httptest.NewServer(te.engine.Handler())
	t.Cleanup(engineServer.Close)

	connector := newTestConnector(t, engineServer.URL+pathGenerateTerm)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	runErr := make(chan error, 1)
	go func() {
		runErr <- connector.Run(ctx, ready)
	}()
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connector")
	}

	client, err := NewEngineClient(
		&TermsConfig{ConnectorURL: "http://" + connector.server.Addr() + pathGenerateTerm},
		nil,
		testLogger(t),
	)
	require.NoError(t, err)

	result, err := client.AcquireTerm(ctx, TermRequest{Category: "marketing", RequesterID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, TermResult{TermName: "Go-To-Market", TermDefinition: "A plan to launch a product."}, result)

	_, err = client.AcquireTerm(ctx, TermRequest{Category: "marketing"})
	var downstream *DownstreamError
	require.ErrorAs(t, err, &downstream)
	assert.Equal(t, http.StatusUnprocessableEntity, downstream.StatusCode)
	assert.Contains(t, downstream.Detail, "userId")

	cancel()
	assert.NoError(t, <-runErr)
}

func TestRunConnector_InvalidConfig(t *testing.T) {
	config := DefaultConfig()
	config.Connector.EngineURL = "not a url"
	err := RunConnector(context.Background(), config, nil)
	assert.ErrorContains(t, err, "invalid config")
}
