package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/HerbHall/chatwire/internal/event"
	"github.com/HerbHall/chatwire/internal/transport"
)

const helpText = `Commands:
  /status      show connection state and credits
  /reconnect   reconnect with a fresh retry budget
  /help        show this help
  /quit        exit
Anything else is sent as a message.
`

// balanceReader is the part of the credit ledger the REPL shows.
type balanceReader interface {
	Balance(ctx context.Context) (float64, error)
}

// repl reads lines, sends them, and renders notifications as they arrive.
type repl struct {
	client  *transport.Client
	credits balanceReader // Optional.

	mu  sync.Mutex
	out io.Writer

	terminal chan struct{} // signalled on complete or error
}

func newREPL(client *transport.Client, credits balanceReader, out io.Writer) *repl {
	r := &repl{
		client:   client,
		credits:  credits,
		out:      out,
		terminal: make(chan struct{}, 1),
	}
	client.SubscribeAll(r.render)
	return r
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// render runs on the client's dispatch goroutine.
func (r *repl) render(_ context.Context, ev event.Event) {
	switch e := ev.(type) {
	case event.Delta:
		r.printf("%s", e.Text)
	case event.Complete:
		r.printf("\n")
		if md := e.Message.Metadata; md != nil && md.ModelName != "" {
			r.printf("  [%s, %d tokens, %s]\n", md.ModelName, md.TokenCount, md.ProcessingTime.Round(time.Millisecond))
		}
		r.signal()
	case event.Error:
		r.printf("\n! %s\n", e.Notice.Content)
		r.signal()
	case event.BillingFailed:
		r.printf("\n! credits not charged: %v\n", e.Err)
	case event.Connected:
		r.printf("* connected via %s\n", r.client.Strategy().Name())
	case event.Disconnected:
		if !e.Requested {
			r.printf("* disconnected: %s\n", e.Reason)
		}
	case event.Reconnecting:
		r.printf("* reconnecting (attempt %d) in %s\n", e.Attempt, e.Delay)
	case event.ConnectionFailed:
		r.printf("* connection failed after %d attempts: %v\n", e.Attempts, e.Err)
	case event.HealthDegraded:
		r.printf("* health check failed: %v\n", e.Err)
	case event.Typing:
		if e.Active {
			r.printf("* typing...\n")
		}
	case event.CreditUpdate:
		r.printf("* credits remaining: %.2f\n", e.Remaining)
	case event.BillingError:
		r.printf("! billing: %s\n", e.Message)
	case event.ServerNotice:
		r.printf("* %s: %s\n", e.Kind, e.Payload)
	}
}

func (r *repl) signal() {
	select {
	case r.terminal <- struct{}{}:
	default:
	}
}

// run processes lines until /quit, end of input, or ctx is done.
func (r *repl) run(ctx context.Context, lines <-chan string) error {
	r.printf("chatwire: type a message, or /help\n")
	for {
		r.printf("> ")
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := r.command(ctx, line); quit {
				return nil
			}
			continue
		}

		// Drop a stale signal from an earlier send.
		select {
		case <-r.terminal:
		default:
		}
		if _, err := r.client.SendMessage(ctx, line, nil); err != nil {
			r.printf("! %v\n", err)
			continue
		}
		select {
		case <-r.terminal:
		case <-ctx.Done():
			return nil
		}
	}
}

// command handles a slash command and reports whether to quit.
func (r *repl) command(ctx context.Context, line string) bool {
	switch strings.Fields(line)[0] {
	case "/quit", "/exit":
		return true
	case "/reconnect":
		if err := r.client.Reconnect(ctx); err != nil {
			r.printf("! reconnect failed: %v\n", err)
		}
	case "/status":
		r.printf("strategy: %s\nstate: %s\n", r.client.Strategy().Name(), r.client.State())
		if r.client.Failed() {
			r.printf("retries exhausted; use /reconnect\n")
		}
		if r.credits != nil {
			if bal, err := r.credits.Balance(ctx); err == nil {
				r.printf("credits: %.2f\n", bal)
			}
		}
	case "/help":
		r.printf("%s", helpText)
	default:
		r.printf("unknown command %s\n%s", line, helpText)
	}
	return false
}

// scanLines feeds lines from in until EOF. The reader goroutine is left
// blocked on in when the caller stops listening.
func scanLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return lines
}
