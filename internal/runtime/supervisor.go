package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/tilawa/internal/config"
	"github.com/loqalabs/tilawa/internal/reconcile"
	"github.com/loqalabs/tilawa/internal/tracking"
)

type starter interface {
	Start(ctx context.Context) error
}

// supervisor restarts the session after the transport drops mid-recitation.
// It listens as a reconciler sink so it sees state changes in stream order.
// A user start or stop calls Cancel, which ends any retry loop in progress.
type supervisor struct {
	cfg     config.ReconnectConfig
	session starter
	log     *slog.Logger

	trigger  chan uint64
	retrying atomic.Bool

	mu          sync.Mutex
	generation  uint64
	cancelRetry context.CancelFunc
}

var _ reconcile.Sink = (*supervisor)(nil)

func newSupervisor(cfg config.ReconnectConfig, session starter, log *slog.Logger) *supervisor {
	return &supervisor{
		cfg:     cfg,
		session: session,
		log:     log.With(slog.String("component", "supervisor")),
		trigger: make(chan uint64, 1),
	}
}

func (s *supervisor) PublishView(context.Context, reconcile.ReaderView) {}

func (s *supervisor) PublishNotice(context.Context, string) {}

func (s *supervisor) PublishState(_ context.Context, st tracking.State, cause error) {
	if !s.cfg.Enabled || st != tracking.Error || !errors.Is(cause, tracking.ErrTransportDropped) {
		return
	}
	if s.retrying.Load() {
		return
	}
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	select {
	case s.trigger <- gen:
	default:
	}
}

func (s *supervisor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case gen := <-s.trigger:
			s.reconnect(ctx, gen)
		}
	}
}

// Cancel abandons the current retry loop and any queued trigger.
func (s *supervisor) Cancel() {
	s.mu.Lock()
	s.generation++
	cancel := s.cancelRetry
	s.cancelRetry = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.log.Info("reconnect cancelled")
	}
	select {
	case <-s.trigger:
	default:
	}
}

// reconnect retries Start until it succeeds, fails permanently or gen is cancelled.
func (s *supervisor) reconnect(parent context.Context, gen uint64) {
	s.retrying.Store(true)
	defer s.retrying.Store(false)

	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancelRetry = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.generation == gen {
			s.cancelRetry = nil
		}
		s.mu.Unlock()
		cancel()
	}()

	b := backoff.NewExponentialBackOff()
	if s.cfg.InitialIntervalMS > 0 {
		b.InitialInterval = time.Duration(s.cfg.InitialIntervalMS) * time.Millisecond
	}
	if s.cfg.MaxIntervalMS > 0 {
		b.MaxInterval = time.Duration(s.cfg.MaxIntervalMS) * time.Millisecond
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Warn("reconnect attempt failed", slog.String("error", err.Error()), slog.Duration("retry_in", next))
		}),
	}
	if s.cfg.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(s.cfg.MaxTries)))
	}

	s.log.Info("transport dropped, reconnecting")
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := ctx.Err(); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		err := s.session.Start(ctx)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, tracking.ErrSessionActive):
			// someone else already brought the session back
			return struct{}{}, nil
		case ctx.Err() != nil:
			return struct{}{}, backoff.Permanent(ctx.Err())
		case permanent(err):
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, opts...)
	if errors.Is(err, context.Canceled) {
		return
	}
	if err != nil {
		s.log.Error("reconnect abandoned", slog.String("error", err.Error()))
		return
	}
	s.log.Info("reconnected")
}

// permanent errors need a person to act before a retry can succeed.
func permanent(err error) bool {
	return errors.Is(err, tracking.ErrPermissionDenied) ||
		errors.Is(err, tracking.ErrDeviceUnavailable) ||
		errors.Is(err, tracking.ErrSessionClosed) ||
		errors.Is(err, tracking.ErrStopped)
}
