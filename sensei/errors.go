package sensei

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingCategory is returned when a term is requested without
	// a category
	ErrMissingCategory = errors.New("missing category")

	// ErrInvalidCategory is returned when the requested category isn't
	// one of [Categories]
	ErrInvalidCategory = errors.New("invalid category")

	// ErrGeneratorUnavailable wraps any failure to get a response from
	// the term generator, whether called directly or through the connector
	ErrGeneratorUnavailable = errors.New("term generator unavailable")

	// ErrMalformedGeneratorOutput is returned when the generator's response
	// can't be parsed into a term and definition
	ErrMalformedGeneratorOutput = errors.New("malformed generator output")

	// ErrPersistence is returned when the term log can't be read or written
	ErrPersistence = errors.New("term log persistence failure")
)

// DownstreamError is returned by [EngineClient] when the connector or
// engine responds with a non-2xx status, or can't be reached at all
// (StatusCode is 0). It unwraps to [ErrGeneratorUnavailable].
type DownstreamError struct {
	StatusCode int
	Detail     string
	Err        error
}

func (e *DownstreamError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("downstream request failed: %s", e.Err.Error())
	case e.Detail != "":
		return fmt.Sprintf("downstream returned %d: %s", e.StatusCode, e.Detail)
	default:
		return fmt.Sprintf("downstream returned %d", e.StatusCode)
	}
}

func (e *DownstreamError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrGeneratorUnavailable, e.Err}
	}
	return []error{ErrGeneratorUnavailable}
}

// errorKind returns a short label for err, used to distinguish failures
// in logs when they're all shown to users the same way.
func errorKind(err error) string {
	var downstream *DownstreamError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &downstream):
		return "downstream_failure"
	case errors.Is(err, ErrMalformedGeneratorOutput):
		return "malformed_generator_output"
	case errors.Is(err, ErrGeneratorUnavailable):
		return "generator_unavailable"
	case errors.Is(err, ErrPersistence):
		return "persistence_failure"
	case errors.Is(err, ErrInvalidCategory):
		return "invalid_category"
	case errors.Is(err, ErrMissingCategory):
		return "missing_category"
	default:
		return "unknown"
	}
}
