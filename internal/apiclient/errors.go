package apiclient

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	genericFailureMessage   = "The monitoring service rejected the request."
	genericTransportMessage = "Could not reach the monitoring service. Check that it is running and try again."
)

// APIError is a non-2xx response. Detail carries the server's human-readable
// reason when one was sent.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api returned status %d: %s", e.StatusCode, e.Message())
}

// Message is the operator-facing text: the server detail verbatim, or a generic line.
func (e *APIError) Message() string {
	if e.Detail != "" {
		return e.Detail
	}
	return genericFailureMessage
}

// TransportError covers failures before a usable response was read:
// refused connections, timeouts and undecodable bodies.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// UserMessage renders err for an operator.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message()
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return genericTransportMessage
	}
	return err.Error()
}

// IsTransport reports whether err is a network-level failure.
func IsTransport(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// parseDetail extracts `detail` from an error body. FastAPI-style validation
// errors send a list of {msg} objects instead of a string.
func parseDetail(body []byte) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Detail) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(envelope.Detail, &text); err == nil {
		return text
	}

	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(envelope.Detail, &items); err == nil && len(items) > 0 {
		return items[0].Msg
	}
	return ""
}
