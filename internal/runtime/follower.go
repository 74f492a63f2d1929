package runtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loqalabs/tilawa/internal/protocol"
	"github.com/loqalabs/tilawa/internal/reconcile"
	"github.com/loqalabs/tilawa/internal/tracking"
)

type surahLookup interface {
	Surah(ctx context.Context, n int) (protocol.Surah, error)
}

// surahFollower loads verse text whenever the active surah changes and hands it to publish.
type surahFollower struct {
	lookup  surahLookup
	publish func(protocol.Surah)
	log     *slog.Logger

	mu   sync.Mutex
	last int
	wg   sync.WaitGroup
}

var _ reconcile.Sink = (*surahFollower)(nil)

func newSurahFollower(lookup surahLookup, publish func(protocol.Surah), log *slog.Logger) *surahFollower {
	return &surahFollower{
		lookup:  lookup,
		publish: publish,
		log:     log.With(slog.String("component", "surah-follower")),
	}
}

func (f *surahFollower) PublishView(ctx context.Context, v reconcile.ReaderView) {
	if v.ActiveSurah <= 0 {
		return
	}
	f.mu.Lock()
	if v.ActiveSurah == f.last {
		f.mu.Unlock()
		return
	}
	f.last = v.ActiveSurah
	f.mu.Unlock()

	n := v.ActiveSurah
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		s, err := f.lookup.Surah(context.WithoutCancel(ctx), n)
		if err != nil {
			f.log.Warn("surah lookup failed", slog.Int("surah", n), slog.String("error", err.Error()))
			return
		}
		if f.publish != nil {
			f.publish(s)
		}
	}()
}

func (f *surahFollower) PublishState(context.Context, tracking.State, error) {}

func (f *surahFollower) PublishNotice(context.Context, string) {}

// Wait blocks until in-flight lookups finish.
func (f *surahFollower) Wait() {
	f.wg.Wait()
}
