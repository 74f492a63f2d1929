package quran

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/loqalabs/tilawa/internal/config"
	"github.com/loqalabs/tilawa/internal/protocol"
)

func newService(t *testing.T, surahHits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"ok":true,"quran_loaded":true}`)
	})
	mux.HandleFunc("/quran/meta", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"surahs":[{"surah_no":1,"name_ar":"الفاتحة","name_tr":"Al-Fatiha","ayah_count":7}]}`)
	})
	mux.HandleFunc("/quran/surah/", func(w http.ResponseWriter, r *http.Request) {
		if surahHits != nil {
			surahHits.Add(1)
		}
		if r.URL.Path != "/quran/surah/112" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"detail":"Surah not found"}`)
			return
		}
		_, _ = io.WriteString(w, `{"surah_no":112,"name_ar":"الإخلاص","name_tr":"Al-Ikhlas","ayahs":[{"ayah_no":1,"text_ar":"قُلْ هُوَ ٱللَّهُ أَحَدٌ"}]}`)
	})
	mux.HandleFunc("/quran/context", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("before") != "2" || q.Get("after") != "10" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"detail":"bad window"}`)
			return
		}
		_, _ = io.WriteString(w, `{"surah_no":1,"ayah_no":7,"items":[{"surah_no":1,"ayah_no":6,"text_ar":"a"},{"surah_no":2,"ayah_no":1,"text_ar":"b"}]}`)
	})
	mux.HandleFunc("/infer", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		f, hdr, err := r.FormFile("audio")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"detail":[{"msg":"field required"}]}`)
			return
		}
		data, _ := io.ReadAll(f)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"transcript_ar": hdr.Filename + ":" + string(data),
			"best":          map[string]any{"surah_no": 112, "ayah_no": 1, "text_ar": "x", "score": 0.93},
			"top3":          []any{},
			"meta":          map[string]any{"audio_seconds": 2.5, "asr_seconds": 0.4, "total_seconds": 0.5, "note": "ok"},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientEndpoints(t *testing.T) {
	srv := newService(t, nil)
	c := NewClient(config.ServiceConfig{BaseURL: strings.Replace(srv.URL, "http://", "ws://", 1) + "/"})
	ctx := context.Background()

	h, err := c.Health(ctx)
	if err != nil || !h.OK || !h.QuranLoaded {
		t.Fatalf("health: %+v %v", h, err)
	}
	meta, err := c.Meta(ctx)
	if err != nil || len(meta) != 1 || meta[0].AyahCount != 7 {
		t.Fatalf("meta: %+v %v", meta, err)
	}
	s, err := c.Surah(ctx, 112)
	if err != nil || s.NameTr != "Al-Ikhlas" || len(s.Ayahs) != 1 {
		t.Fatalf("surah: %+v %v", s, err)
	}
	w, err := c.Context(ctx, 1, 7, 2, 10)
	if err != nil || len(w.Items) != 2 || w.Items[1].SurahNo != 2 {
		t.Fatalf("context: %+v %v", w, err)
	}
	res, err := c.Infer(ctx, "clip.wav", strings.NewReader("pcm"))
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if res.TranscriptAr != "clip.wav:pcm" || res.Best == nil || res.Best.SurahNo != 112 || res.Meta.Note != "ok" {
		t.Fatalf("unexpected infer result %+v", res)
	}
}

func TestClientErrors(t *testing.T) {
	srv := newService(t, nil)
	c := NewClient(config.ServiceConfig{BaseURL: srv.URL})
	ctx := context.Background()

	if _, err := c.Surah(ctx, 0); !errors.Is(err, ErrInvalidSurah) {
		t.Fatalf("expected ErrInvalidSurah, got %v", err)
	}
	if _, err := c.Surah(ctx, 115); !errors.Is(err, ErrInvalidSurah) {
		t.Fatalf("expected ErrInvalidSurah, got %v", err)
	}
	_, err := c.Surah(ctx, 3)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound || apiErr.Detail != "Surah not found" {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
	_, err = c.Context(ctx, 1, 1, 0, 0)
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 APIError, got %v", err)
	}
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	fail bool
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, false, errors.New("disk gone")
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Put(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk gone")
	}
	m.data[key] = payload
	return nil
}

func TestLibraryCachesSurah(t *testing.T) {
	var hits atomic.Int32
	srv := newService(t, &hits)
	cache := &memCache{data: map[string][]byte{}}
	lib := NewLibrary(NewClient(config.ServiceConfig{BaseURL: srv.URL}), cache, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s, err := lib.Surah(ctx, 112)
		if err != nil || s.SurahNo != 112 {
			t.Fatalf("lookup %d: %+v %v", i, s, err)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one remote fetch, got %d", hits.Load())
	}
	var cached protocol.Surah
	if err := json.Unmarshal(cache.data["surah:112"], &cached); err != nil || cached.NameTr != "Al-Ikhlas" {
		t.Fatalf("cache entry not stored: %v", err)
	}

	meta, err := lib.Meta(ctx)
	if err != nil || len(meta) != 1 {
		t.Fatalf("meta: %+v %v", meta, err)
	}
	if _, ok := cache.data["meta"]; !ok {
		t.Fatal("meta not cached")
	}
}

func TestLibraryDegradesWhenCacheFails(t *testing.T) {
	var hits atomic.Int32
	srv := newService(t, &hits)
	lib := NewLibrary(NewClient(config.ServiceConfig{BaseURL: srv.URL}), &memCache{fail: true}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for i := 0; i < 2; i++ {
		if _, err := lib.Surah(context.Background(), 112); err != nil {
			t.Fatalf("lookup: %v", err)
		}
	}
	if hits.Load() != 2 {
		t.Fatalf("expected every lookup to go remote, got %d", hits.Load())
	}
	if _, err := lib.Surah(context.Background(), 200); !errors.Is(err, ErrInvalidSurah) {
		t.Fatalf("expected ErrInvalidSurah, got %v", err)
	}
}
