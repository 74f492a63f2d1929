package quran

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/loqalabs/tilawa/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Cache stores raw lookup payloads. versestore.Store satisfies it.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, payload []byte) error
}

// Fetcher is the remote half of the library.
type Fetcher interface {
	Meta(ctx context.Context) ([]protocol.SurahMeta, error)
	Surah(ctx context.Context, n int) (protocol.Surah, error)
}

// Library serves verse text from the cache and falls back to the service.
// A broken cache degrades to remote lookups.
type Library struct {
	remote Fetcher
	cache  Cache
	log    *slog.Logger

	lookups metric.Int64Counter
}

func NewLibrary(remote Fetcher, cache Cache, log *slog.Logger) *Library {
	l := &Library{
		remote: remote,
		cache:  cache,
		log:    log.With(slog.String("component", "library")),
	}
	meter := otel.Meter("github.com/loqalabs/tilawa/quran")
	var err error
	if l.lookups, err = meter.Int64Counter("tilawa.library.lookups"); err != nil {
		l.log.Warn("failed to create counter", slog.String("error", err.Error()))
	}
	return l
}

func (l *Library) Meta(ctx context.Context) ([]protocol.SurahMeta, error) {
	var out []protocol.SurahMeta
	err := l.load(ctx, "meta", &out, func() (any, error) { return l.remote.Meta(ctx) })
	return out, err
}

func (l *Library) Surah(ctx context.Context, n int) (protocol.Surah, error) {
	var out protocol.Surah
	if n < 1 || n > surahCount {
		return out, fmt.Errorf("%w: %d", ErrInvalidSurah, n)
	}
	err := l.load(ctx, "surah:"+strconv.Itoa(n), &out, func() (any, error) { return l.remote.Surah(ctx, n) })
	return out, err
}

func (l *Library) load(ctx context.Context, key string, out any, fetch func() (any, error)) error {
	if l.cache != nil {
		payload, ok, err := l.cache.Get(ctx, key)
		switch {
		case err != nil:
			l.log.Warn("cache read failed", slog.String("key", key), slog.String("error", err.Error()))
		case ok:
			if err := json.Unmarshal(payload, out); err == nil {
				l.count(ctx, "hit")
				return nil
			}
			l.log.Warn("discarding corrupt cache entry", slog.String("key", key))
		}
	}

	l.count(ctx, "miss")
	v, err := fetch()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	if l.cache != nil {
		if err := l.cache.Put(ctx, key, payload); err != nil {
			l.log.Warn("cache write failed", slog.String("key", key), slog.String("error", err.Error()))
		}
	}
	return nil
}

func (l *Library) count(ctx context.Context, result string) {
	if l.lookups != nil {
		l.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}
