package deltafeed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// LiveSourceOptions configures a LiveSource.
type LiveSourceOptions struct {
	URL       string
	Token     string
	Logger    Logger
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// LiveSource consumes DeltaPage frames from a websocket feed. Each frame is
// a self-contained batch and is applied through the Runner as soon as it
// arrives. Connection loss triggers a reconnect with a doubling delay; a
// successful read resets the backoff.
type LiveSource struct {
	url       string
	token     string
	runner    *Runner
	logger    Logger
	baseDelay time.Duration
	maxDelay  time.Duration
}

func NewLiveSource(runner *Runner, opts LiveSourceOptions) (*LiveSource, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	rawURL := strings.TrimSpace(opts.URL)
	if rawURL == "" {
		return nil, fmt.Errorf("websocket url is required")
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &LiveSource{
		url:       rawURL,
		token:     strings.TrimSpace(opts.Token),
		runner:    runner,
		logger:    opts.Logger,
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
	}, nil
}

// Run connects and consumes frames until the context ends.
func (s *LiveSource) Run(ctx context.Context) error {
	delay := s.baseDelay
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		sawFrame, err := s.consume(ctx)
		if err != nil && errors.Is(err, context.Canceled) {
			return err
		}
		if sawFrame {
			delay = s.baseDelay
		}
		if err != nil {
			s.logf("live feed disconnected: %v; reconnecting in %s", err, delay)
		}
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return waitErr
		}
		delay *= 2
		if delay > s.maxDelay {
			delay = s.maxDelay
		}
	}
}

func (s *LiveSource) consume(ctx context.Context) (bool, error) {
	headers := http.Header{}
	if s.token != "" {
		headers.Set("Authorization", "Bearer "+s.token)
	}
	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	s.logf("live feed connected to %s", s.url)

	sawFrame := false
	for {
		var page DeltaPage
		if err := wsjson.Read(ctx, conn, &page); err != nil {
			return sawFrame, err
		}
		sawFrame = true
		if err := s.runner.ApplyBatch(page); err != nil {
			s.logf("apply live frame: %v", err)
		}
	}
}

func (s *LiveSource) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
