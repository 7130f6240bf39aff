package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		auth      bool
		request   bool
		protocol  bool
		conn      bool
		aborted   bool
		retryable bool
	}{
		{name: "authentication", err: AuthenticationError("token expired", nil), auth: true},
		{name: "request", err: RequestError(500, "boom"), request: true, retryable: true},
		{name: "stream protocol", err: StreamProtocolError("error frame", nil), protocol: true, retryable: true},
		{name: "connection", err: ConnectionError("dial failed", errors.New("refused")), conn: true, retryable: true},
		{name: "aborted", err: AbortedError(context.Canceled), aborted: true},
		{name: "bare cancel", err: context.Canceled, aborted: true},
		{name: "wrapped auth", err: fmt.Errorf("send: %w", AuthenticationError("missing", nil)), auth: true},
		{name: "plain", err: errors.New("plain"), retryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAuthenticationError(tt.err); got != tt.auth {
				t.Errorf("IsAuthenticationError() = %v, want %v", got, tt.auth)
			}
			if got := IsRequestError(tt.err); got != tt.request {
				t.Errorf("IsRequestError() = %v, want %v", got, tt.request)
			}
			if got := IsStreamProtocolError(tt.err); got != tt.protocol {
				t.Errorf("IsStreamProtocolError() = %v, want %v", got, tt.protocol)
			}
			if got := IsConnectionError(tt.err); got != tt.conn {
				t.Errorf("IsConnectionError() = %v, want %v", got, tt.conn)
			}
			if got := IsAbortedError(tt.err); got != tt.aborted {
				t.Errorf("IsAbortedError() = %v, want %v", got, tt.aborted)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := ConnectionError("dial failed", errors.New("connection refused"))
	want := "connection: dial failed: connection refused"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	req := RequestError(429, "slow down")
	if req.StatusCode != 429 {
		t.Errorf("StatusCode = %d, want 429", req.StatusCode)
	}
	if req.Error() != "request: slow down" {
		t.Errorf("Error() = %q", req.Error())
	}
}

func TestRequestTurns(t *testing.T) {
	req := Request{
		Text: "Hello",
		History: []Turn{
			{Role: RoleSystem, Content: "be brief"},
			{Role: RoleAssistant, Content: "ok"},
		},
	}
	turns := req.Turns()
	if len(turns) != 3 {
		t.Fatalf("len(Turns()) = %d, want 3", len(turns))
	}
	if turns[2].Role != RoleUser || turns[2].Content != "Hello" {
		t.Errorf("last turn = %+v, want user Hello", turns[2])
	}
	if len(req.History) != 2 {
		t.Error("Turns() must not modify History")
	}
}

func TestHistoryFrom(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: "hi", Status: StatusCompleted},
		{Role: RoleAssistant, Content: "partial", Status: StatusError},
		{Role: RoleAssistant, Content: "", Status: StatusCompleted},
		{Role: RoleAssistant, Content: "hello", Status: StatusCompleted},
	}
	turns := HistoryFrom(msgs)
	if len(turns) != 2 {
		t.Fatalf("len(HistoryFrom()) = %d, want 2", len(turns))
	}
	if turns[1].Content != "hello" {
		t.Errorf("turns[1].Content = %q, want hello", turns[1].Content)
	}
}
