package httpstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/HerbHall/chatwire/pkg/chat"
)

// statusError represents a non-2xx response from the chat endpoint.
type statusError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("chat endpoint: %d %s: %s", e.StatusCode, e.Type, e.Message)
}

// mapError translates HTTP and network errors into typed chat errors.
// content reports whether any delta had been delivered before err.
func mapError(err error, content bool) error {
	if err == nil {
		return nil
	}

	var ce *chat.Error
	if errors.As(err, &ce) {
		return err
	}

	if errors.Is(err, context.Canceled) {
		return chat.AbortedError(err)
	}

	var se *statusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return chat.AuthenticationError(se.Message, err)
		case http.StatusPaymentRequired:
			return &chat.Error{Kind: chat.KindBilling, Message: se.Message, StatusCode: se.StatusCode, Err: err}
		default:
			return &chat.Error{Kind: chat.KindRequest, Message: se.Message, StatusCode: se.StatusCode, Err: err}
		}
	}

	if content {
		return chat.StreamProtocolError("stream interrupted", err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return chat.ConnectionError("request timed out", err)
	}

	msg := err.Error()
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "dial tcp") {
		return chat.ConnectionError("chat backend unreachable", err)
	}

	return chat.ConnectionError("chat request failed", err)
}

// parseStatusError reads an error response body. The backend may answer with
// {"error":{"message","type"}}, {"error":"..."} or {"message":"..."}.
func parseStatusError(resp *http.Response) *statusError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	var errResp struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &errResp); err != nil {
		msg := strings.TrimSpace(string(raw))
		if msg == "" || len(msg) > 512 {
			msg = resp.Status
		}
		return &statusError{StatusCode: resp.StatusCode, Message: msg}
	}

	se := &statusError{StatusCode: resp.StatusCode, Message: errResp.Message}
	if len(errResp.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		}
		var flat string
		switch {
		case json.Unmarshal(errResp.Error, &nested) == nil && nested.Message != "":
			se.Message = nested.Message
			se.Type = nested.Type
		case json.Unmarshal(errResp.Error, &flat) == nil && flat != "":
			se.Message = flat
		}
	}
	if se.Message == "" {
		se.Message = resp.Status
	}
	return se
}
