package sensei

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	connectorName = "connector"

	detailEngineUnreachable = "Failed to connect to the engine."
)

// Connector relays term requests from the bot to the engine, unmodified.
// It holds no state between requests.
type Connector struct {
	config          *ConnectorConfig
	server          *httpServer
	client          *http.Client
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

// NewConnector returns a Connector with the settings in config.Connector.
// Requests to the engine use config.HTTPClient, or http.DefaultClient.
func NewConnector(config *Config) (*Connector, error) {
	if config.Connector == nil {
		return nil, fmt.Errorf("%s: config section missing", connectorName)
	}
	server, err := newHTTPServer(
		connectorName,
		&config.Connector.HTTPServerConfig,
		config.Development,
	)
	if err != nil {
		return nil, err
	}
	client := config.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	c := &Connector{
		config:          config.Connector,
		server:          server,
		client:          client,
		logger:          server.logger,
		shutdownTimeout: config.ShutdownTimeout,
	}
	server.router.POST(pathGenerateTerm, c.forward)
	return c, nil
}

// Handler returns the connector's HTTP handler
func (c *Connector) Handler() http.Handler {
	return c.server.router
}

// Run serves until ctx is done. ready, if non-nil, is closed once the
// connector is listening.
func (c *Connector) Run(ctx context.Context, ready chan<- struct{}) error {
	return c.server.Serve(ctx, c.shutdownTimeout, ready)
}

// RunConnector validates config and runs a [Connector] until ctx is done
func RunConnector(ctx context.Context, config *Config, ready chan<- struct{}) error {
	if err := config.ValidateConnector(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	connector, err := NewConnector(config)
	if err != nil {
		return err
	}
	connector.logger.InfoContext(
		ctx,
		"starting connector",
		"engine_url", config.Connector.EngineURL,
	)
	return connector.Run(ctx, ready)
}

// forward posts the request body to the engine. A 2xx response body is
// relayed as-is with a 200. Otherwise, the engine's status and `detail`
// are relayed, falling back to a generic detail (and a 500, if the
// engine couldn't be reached at all).
func (c *Connector) forward(gc *gin.Context) {
	logger := ginContextLogger(gc, c.logger)

	body, err := io.ReadAll(gc.Request.Body)
	if err != nil {
		logger.Warn("error reading request body", tint.Err(err))
		gc.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Detail: detailEngineUnreachable},
		)
		return
	}
	logger.Info("connector received a term request", "body", truncate(string(body), 500))

	req, err := http.NewRequestWithContext(
		gc.Request.Context(),
		http.MethodPost,
		c.config.EngineURL,
		bytes.NewReader(body),
	)
	if err != nil {
		_ = gc.Error(err)
		gc.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Detail: detailEngineUnreachable},
		)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if requestID := gc.GetString(xRequestIDHeader); requestID != "" {
		req.Header.Set(xRequestIDHeader, requestID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		logger.Error("error connecting to the engine", tint.Err(err))
		gc.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Detail: detailEngineUnreachable},
		)
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxDownstreamBodySize))
	if err != nil {
		logger.Error("error reading engine response", tint.Err(err))
		gc.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Detail: detailEngineUnreachable},
		)
		return
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		gc.Data(http.StatusOK, "application/json; charset=utf-8", respBody)
		return
	}

	logger.Warn(
		"engine returned an error",
		"status_code", resp.StatusCode,
		"body", truncate(string(respBody), 500),
	)
	var detail any = detailEngineUnreachable
	if raw := relayedDetail(respBody); raw != nil {
		detail = raw
	}
	gc.AbortWithStatusJSON(resp.StatusCode, httpError{Detail: detail})
}

// relayedDetail returns the raw `detail` value of an engine error
// response, or nil if it's absent or empty (null, false, 0 or "").
func relayedDetail(body []byte) json.RawMessage {
	var errResp engineErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil {
		return nil
	}
	switch string(bytes.TrimSpace(errResp.Detail)) {
	case "", "null", "false", "0", `""`:
		return nil
	}
	return errResp.Detail
}
