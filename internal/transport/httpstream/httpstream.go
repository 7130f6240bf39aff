// Package httpstream implements the request-per-message delivery strategy.
// The backend answers each POST either with a text/event-stream body or with
// a single JSON document; both produce the same sequence of deltas followed by
// one terminal outcome.
package httpstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/HerbHall/chatwire/internal/auth"
	"github.com/HerbHall/chatwire/internal/health"
	"github.com/HerbHall/chatwire/internal/sse"
	"github.com/HerbHall/chatwire/pkg/chat"
	"go.uber.org/zap"
)

const (
	// doneSentinel marks logical end of stream independent of body closure.
	doneSentinel = "[DONE]"

	readChunkSize = 4096
)

// Compile-time interface guards.
var (
	_ chat.Strategy     = (*Strategy)(nil)
	_ chat.RetryAdvisor = (*Strategy)(nil)
)

// Strategy sends each message as one HTTP request.
type Strategy struct {
	cfg        Config
	tokens     chat.TokenSource
	httpClient *http.Client
	checker    *health.Checker
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc // aborts the in-flight request
	flight  uint64
	onRetry func(time.Duration)
}

// New creates an HTTP-stream strategy. The request timeout is applied per
// send through the request context so long streams are not cut by the client.
func New(cfg Config, tokens chat.TokenSource, logger *zap.Logger) (*Strategy, error) {
	if tokens == nil {
		return nil, fmt.Errorf("httpstream: token source is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("httpstream: base url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChatPath == "" {
		cfg.ChatPath = DefaultConfig().ChatPath
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = DefaultConfig().HealthPath
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Strategy{
		cfg:        cfg,
		tokens:     tokens,
		httpClient: &http.Client{},
		checker:    health.NewChecker(cfg.BaseURL+cfg.HealthPath, 0),
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Name returns "http".
func (s *Strategy) Name() string { return "http" }

// Connect checks that the backend answers its health endpoint. There is no
// long-lived channel to open.
func (s *Strategy) Connect(ctx context.Context) error {
	_, err := s.checker.Check(ctx)
	return err
}

// Disconnect aborts the in-flight request, if any.
func (s *Strategy) Disconnect(_ context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	return nil
}

// Probe runs the health check.
func (s *Strategy) Probe(ctx context.Context) error {
	_, err := s.checker.Check(ctx)
	return err
}

// OnRetryHint registers the handler for retry: fields seen on the stream.
func (s *Strategy) OnRetryHint(handler func(delay time.Duration)) {
	s.mu.Lock()
	s.onRetry = handler
	s.mu.Unlock()
}

// Send delivers req and blocks until the reply completes or fails. A call
// made while another is in flight aborts the earlier one.
func (s *Strategy) Send(ctx context.Context, req chat.Request, onDelta func(text string)) (*chat.Result, error) {
	if onDelta == nil {
		onDelta = func(string) {}
	}

	token, err := s.token(ctx)
	if err != nil {
		return nil, err
	}

	ctx, done := s.begin(ctx)
	defer done()

	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	body, err := s.encodeRequest(req)
	if err != nil {
		return nil, err
	}

	resp, err := s.doPost(ctx, token, body)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && (se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden) {
			s.invalidate(ctx)
		}
		return nil, mapError(err, false)
	}
	defer resp.Body.Close()

	var res *chat.Result
	if isEventStream(resp.Header.Get("Content-Type")) {
		res, err = s.readStream(ctx, resp.Body, onDelta)
	} else {
		res, err = s.readBuffered(ctx, resp.Body, onDelta)
	}
	if err != nil {
		return res, err
	}

	res.Metadata.ProcessingTime = time.Since(start)
	if res.Metadata.ModelName == "" {
		res.Metadata.ModelName = s.cfg.Model
	}
	return res, nil
}

// token resolves and checks the bearer credential. An unusable non-empty
// token is invalidated so the login flow replaces it.
func (s *Strategy) token(ctx context.Context) (string, error) {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return "", chat.AuthenticationError("read token", err)
	}
	if _, err := auth.Check(token, s.now(), s.cfg.ExpiryMargin); err != nil {
		if token != "" {
			s.invalidate(ctx)
		}
		return "", err
	}
	return token, nil
}

func (s *Strategy) invalidate(ctx context.Context) {
	if err := s.tokens.Invalidate(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("token invalidation failed", zap.Error(err))
	}
}

// begin aborts the previous in-flight request and registers a new one.
// The returned func releases the registration if it is still current.
func (s *Strategy) begin(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.flight++
	id := s.flight
	s.cancel = cancel
	s.mu.Unlock()

	return ctx, func() {
		s.mu.Lock()
		if s.flight == id {
			s.cancel = nil
		}
		s.mu.Unlock()
		cancel()
	}
}

func (s *Strategy) encodeRequest(req chat.Request) ([]byte, error) {
	turns := req.Turns()
	msgs := make([]chatMessage, len(turns))
	for i, t := range turns {
		msgs[i] = chatMessage{Role: string(t.Role), Content: t.Content}
	}

	body, err := json.Marshal(chatRequest{
		Messages:    msgs,
		Model:       s.cfg.Model,
		Stream:      true,
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	return body, nil
}

// doPost sends an authenticated POST and returns the response for any 2xx
// status. Error statuses are returned as *statusError.
func (s *Strategy) doPost(ctx context.Context, token string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+s.cfg.ChatPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream, application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, parseStatusError(resp)
	}
	return resp, nil
}

// readStream consumes an event-stream body. On failure after content has
// started, the returned Result carries the content accumulated so far.
func (s *Strategy) readStream(ctx context.Context, body io.Reader, onDelta func(string)) (*chat.Result, error) {
	var (
		dec     sse.Decoder
		content strings.Builder
		meta    chat.Metadata
		buf     = make([]byte, readChunkSize)
	)

	partial := func() *chat.Result {
		return &chat.Result{Content: content.String(), Metadata: meta}
	}

	// handle processes frames and reports whether the end sentinel was seen.
	handle := func(frames []sse.Frame) (bool, error) {
		for _, f := range frames {
			if f.Retry > 0 {
				s.adviseRetry(f.Retry)
			}
			switch f.Event {
			case "", "message", "data":
			case "error":
				return false, chat.StreamProtocolError(errorText(f.Data), nil)
			default:
				s.logger.Debug("ignoring stream event", zap.String("event", f.Event))
				continue
			}
			if strings.TrimSpace(f.Data) == doneSentinel {
				return true, nil
			}

			text := extractDelta(f.Data, &meta)
			if text == "" {
				continue
			}
			content.WriteString(text)
			onDelta(text)
		}
		return false, nil
	}

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			done, err := handle(dec.Feed(buf[:n]))
			if err != nil {
				return partial(), err
			}
			if done {
				return partial(), nil
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return partial(), chat.AbortedError(ctx.Err())
			}
			return partial(), mapError(readErr, content.Len() > 0)
		}
	}

	if _, err := handle(dec.Flush()); err != nil {
		return partial(), err
	}
	return partial(), nil
}

// readBuffered parses a single JSON reply and replays it as word-sized
// deltas so callers see the same shape as a streamed reply.
func (s *Strategy) readBuffered(ctx context.Context, body io.Reader, onDelta func(string)) (*chat.Result, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, mapError(err, false)
	}

	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, chat.StreamProtocolError("decode chat response", err)
	}

	res := &chat.Result{Content: resp.content(), Metadata: resp.metadata()}
	for i, chunk := range wordChunks(res.Content) {
		if i > 0 && s.cfg.SimulatedDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, chat.AbortedError(ctx.Err())
			case <-time.After(s.cfg.SimulatedDelay):
			}
		}
		onDelta(chunk)
	}
	if ctx.Err() != nil {
		return nil, chat.AbortedError(ctx.Err())
	}
	return res, nil
}

func (s *Strategy) adviseRetry(d time.Duration) {
	s.mu.Lock()
	h := s.onRetry
	s.mu.Unlock()
	if h != nil {
		h(d)
	}
}

func isEventStream(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "text/event-stream"
}

// wordChunks splits text into pieces of leading whitespace plus one word.
// Trailing whitespace joins the last piece. Concatenating the pieces yields
// text unchanged.
func wordChunks(text string) []string {
	var (
		chunks []string
		start  int
		inWord bool
	)
	for i, r := range text {
		space := r == ' ' || r == '\n' || r == '\t' || r == '\r'
		if space && inWord {
			chunks = append(chunks, text[start:i])
			start = i
		}
		inWord = !space
	}
	if start < len(text) {
		if !inWord && len(chunks) > 0 {
			chunks[len(chunks)-1] += text[start:]
		} else {
			chunks = append(chunks, text[start:])
		}
	}
	return chunks
}
