// Package chattest provides shared contract tests that verify any
// chat.Strategy implementation behaves correctly, plus a scripted Strategy
// for testing code that consumes one.
package chattest

import (
	"context"
	"strings"
	"testing"

	"github.com/HerbHall/chatwire/pkg/chat"
)

// TestStrategyContract runs behavioral contract tests against a strategy.
// The factory must return a strategy wired to a backend that answers every
// message with non-empty content. Call it from each strategy's _test.go:
//
//	func TestContract(t *testing.T) {
//	    chattest.TestStrategyContract(t, func(t *testing.T) chat.Strategy { return newStrategy(t, srv.URL) })
//	}
func TestStrategyContract(t *testing.T, factory func(t *testing.T) chat.Strategy) {
	t.Helper()

	t.Run("Name_is_set", func(t *testing.T) {
		s := factory(t)
		if s.Name() == "" {
			t.Error("Name() must not be empty")
		}
	})

	t.Run("Send_deltas_concatenate_to_content", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		if err := s.Connect(ctx); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		defer s.Disconnect(ctx) //nolint:errcheck

		var deltas []string
		res, err := s.Send(ctx, chat.Request{MessageID: "m-1", Text: "Hello"}, func(d string) {
			deltas = append(deltas, d)
		})
		if err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		if res == nil || res.Content == "" {
			t.Fatal("Send() returned empty content")
		}
		if len(deltas) == 0 {
			t.Error("Send() delivered no deltas")
		}
		if got := strings.Join(deltas, ""); got != res.Content {
			t.Errorf("joined deltas = %q, content = %q", got, res.Content)
		}
	})

	t.Run("Send_cancelled_context_is_aborted", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		if err := s.Connect(ctx); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		defer s.Disconnect(ctx) //nolint:errcheck

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := s.Send(cancelled, chat.Request{Text: "Hello"}, nil)
		if !chat.IsAbortedError(err) {
			t.Errorf("Send() with cancelled context error = %v, want aborted", err)
		}
	})

	t.Run("Disconnect_is_idempotent", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		if err := s.Connect(ctx); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		if err := s.Disconnect(ctx); err != nil {
			t.Errorf("Disconnect() error = %v", err)
		}
		if err := s.Disconnect(ctx); err != nil {
			t.Errorf("second Disconnect() error = %v", err)
		}
	})

	t.Run("Probe_after_connect", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		if err := s.Connect(ctx); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		defer s.Disconnect(ctx) //nolint:errcheck
		if err := s.Probe(ctx); err != nil {
			t.Errorf("Probe() error = %v", err)
		}
	})
}
