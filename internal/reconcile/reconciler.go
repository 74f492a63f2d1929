package reconcile

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/loqalabs/tilawa/internal/tracking"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Sink receives everything the reconciler derives. Implementations must not block for long.
type Sink interface {
	PublishView(ctx context.Context, view ReaderView)
	PublishState(ctx context.Context, state tracking.State, cause error)
	PublishNotice(ctx context.Context, notice string)
}

// Sinks fans out to several sinks in order.
type Sinks []Sink

func (s Sinks) PublishView(ctx context.Context, view ReaderView) {
	for _, sink := range s {
		sink.PublishView(ctx, view)
	}
}

func (s Sinks) PublishState(ctx context.Context, state tracking.State, cause error) {
	for _, sink := range s {
		sink.PublishState(ctx, state, cause)
	}
}

func (s Sinks) PublishNotice(ctx context.Context, notice string) {
	for _, sink := range s {
		sink.PublishNotice(ctx, notice)
	}
}

// Reconciler is the single owner of the ReaderView. Run is its only writer.
type Reconciler struct {
	log  *slog.Logger
	sink Sink

	mu    sync.RWMutex
	view  ReaderView
	state tracking.State

	suppressed   metric.Int64Counter
	surahChanges metric.Int64Counter
}

func New(sink Sink, log *slog.Logger) *Reconciler {
	r := &Reconciler{
		log:  log.With(slog.String("component", "reconciler")),
		sink: sink,
	}
	meter := otel.Meter("github.com/loqalabs/tilawa/reconcile")
	var err error
	if r.suppressed, err = meter.Int64Counter("tilawa.reconcile.suppressed_regressions"); err != nil {
		r.log.Warn("failed to create counter", slog.String("error", err.Error()))
	}
	if r.surahChanges, err = meter.Int64Counter("tilawa.reconcile.surah_changes"); err != nil {
		r.log.Warn("failed to create counter", slog.String("error", err.Error()))
	}
	return r
}

// Run consumes session events until ctx ends or the stream is closed.
func (r *Reconciler) Run(ctx context.Context, events <-chan tracking.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *Reconciler) handle(ctx context.Context, ev tracking.Event) {
	switch ev.Kind {
	case tracking.EventState:
		r.mu.Lock()
		r.state = ev.State
		r.mu.Unlock()
		if r.sink != nil {
			r.sink.PublishState(ctx, ev.State, ev.Err)
		}
		if ev.Err != nil && r.sink != nil {
			r.sink.PublishNotice(ctx, ev.Err.Error())
		}
	case tracking.EventUpdate, tracking.EventNotice:
		r.mu.Lock()
		prev := r.view
		next, out := Apply(prev, ev.Message)
		r.view = next
		r.mu.Unlock()

		if out.Suppressed {
			r.log.Debug("suppressed ayah regression", slog.Int("surah", prev.ActiveSurah), slog.Int("ayah", prev.ActiveAyah))
			if r.suppressed != nil {
				r.suppressed.Add(ctx, 1)
			}
		}
		if out.SurahChanged {
			r.log.Info("surah changed", slog.Int("from", prev.ActiveSurah), slog.Int("to", next.ActiveSurah))
			if r.surahChanges != nil {
				r.surahChanges.Add(ctx, 1)
			}
		}
		if r.sink == nil {
			return
		}
		if out.Notice != "" {
			r.sink.PublishNotice(ctx, out.Notice)
			return
		}
		if ev.Kind == tracking.EventUpdate {
			r.sink.PublishView(ctx, next)
		}
	}
}

// View returns a snapshot of the current reader state.
func (r *Reconciler) View() ReaderView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v := r.view
	v.Timeline = slices.Clone(v.Timeline)
	return v
}

// SessionState is the last state reported by the session.
func (r *Reconciler) SessionState() tracking.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}
