package sensei

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxDownstreamBodySize caps how much of a connector response is read
const maxDownstreamBodySize = 1 << 20

// EngineClient is a [TermSource] that requests terms from a connector
// (or directly from an engine) over HTTP.
type EngineClient struct {
	url      string
	platform string
	timeout  time.Duration
	client   *http.Client
	logger   *slog.Logger
}

// NewEngineClient returns an EngineClient posting to the connector URL in
// config. If httpClient is nil, http.DefaultClient is used.
func NewEngineClient(
	config *TermsConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) (*EngineClient, error) {
	if config == nil || config.ConnectorURL == "" {
		return nil, errors.New("connector URL required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	platform := config.Platform
	if platform == "" {
		platform = DefaultTermPlatform
	}
	return &EngineClient{
		url:      config.ConnectorURL,
		platform: platform,
		timeout:  config.RequestTimeout,
		client:   httpClient,
		logger:   logger.With(loggerNameKey, "engine_client"),
	}, nil
}

type engineErrorResponse struct {
	Detail json.RawMessage `json:"detail"`
}

// AcquireTerm posts req to the connector. Transport failures and non-2xx
// responses return a [*DownstreamError]. A 2xx response without both
// fields set returns [ErrMalformedGeneratorOutput].
func (e *EngineClient) AcquireTerm(ctx context.Context, req TermRequest) (TermResult, error) {
	logger := contextLoggerOr(ctx, e.logger).With("term_request", req)

	if req.Platform == "" {
		req.Platform = e.platform
	}
	body, err := json.Marshal(req)
	if err != nil {
		return TermResult{}, err
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return TermResult{}, &DownstreamError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return TermResult{}, &DownstreamError{Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxDownstreamBodySize))
	if err != nil {
		return TermResult{}, &DownstreamError{StatusCode: resp.StatusCode, Err: err}
	}
	logger.DebugContext(
		ctx,
		"engine responded",
		"status_code", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return TermResult{}, &DownstreamError{
			StatusCode: resp.StatusCode,
			Detail:     downstreamDetail(respBody),
		}
	}

	var result TermResult
	if err = json.Unmarshal(respBody, &result); err != nil {
		return TermResult{}, fmt.Errorf("%w: %w", ErrMalformedGeneratorOutput, err)
	}
	if result.TermName == "" || result.TermDefinition == "" {
		return TermResult{}, fmt.Errorf(
			"%w: response missing termName or termDefinition",
			ErrMalformedGeneratorOutput,
		)
	}
	return result, nil
}

// downstreamDetail returns the `detail` field of an error response. If
// detail isn't a string (ex: a validation error list), its raw JSON
// is returned.
func downstreamDetail(body []byte) string {
	var errResp engineErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || len(errResp.Detail) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(errResp.Detail, &s); err == nil {
		return s
	}
	return string(errResp.Detail)
}
