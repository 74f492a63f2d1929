package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/tilawa/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testCaptureConfig() config.CaptureConfig {
	cfg := config.Default().Capture
	cfg.Realtime = false
	return cfg
}

type failingSource struct{ err error }

func (f failingSource) Open(context.Context) (Stream, error) { return nil, f.err }

func TestQuantizeBoundaries(t *testing.T) {
	cases := []struct {
		in   float32
		want int16
	}{
		{1, 32767},
		{-1, -32768},
		{0, 0},
		{2.5, 32767},
		{-7, -32768},
		{float32(math.NaN()), 0},
		{float32(math.Inf(1)), 32767},
	}
	for _, tc := range cases {
		if got := QuantizeSample(tc.in); got != tc.want {
			t.Fatalf("QuantizeSample(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestQuantizeRoundTrip(t *testing.T) {
	const step = 1.0 / 32767
	for i := -1000; i <= 1000; i++ {
		x := float32(i) / 1000
		back := Dequantize(QuantizeSample(x))
		if diff := math.Abs(float64(back - x)); diff > step+1e-6 {
			t.Fatalf("round trip of %v drifted by %v", x, diff)
		}
	}
}

func TestResampleLengthAndShape(t *testing.T) {
	in := make([]float32, 4096)
	for i := range in {
		in[i] = 0.5
	}
	if got := len(Resample(in, 48000, 16000)); got != 1365 {
		t.Fatalf("expected 1365 samples, got %d", got)
	}
	if got := len(Resample(in, 44100, 16000)); got != 1486 {
		t.Fatalf("expected 1486 samples, got %d", got)
	}
	for _, v := range Resample(in, 48000, 16000) {
		if v != 0.5 {
			t.Fatalf("constant signal changed to %v", v)
		}
	}
	same := Resample(in[:10], 16000, 16000)
	if len(same) != 10 {
		t.Fatalf("expected passthrough length, got %d", len(same))
	}

	ramp := []float32{0, 1, 2, 3}
	up := Resample(ramp, 8000, 16000)
	if len(up) != 8 || up[1] != 0.5 || up[7] != 3 {
		t.Fatalf("unexpected upsampled ramp %v", up)
	}
}

func TestGraphCloseIdempotent(t *testing.T) {
	g := NewGraph(testCaptureConfig(), &ToneSource{Hz: 440, Rate: 16000}, newLogger())
	if err := g.Close(); err != nil {
		t.Fatalf("close before open: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := g.Open(context.Background()); !errors.Is(err, ErrGraphClosed) {
		t.Fatalf("expected ErrGraphClosed, got %v", err)
	}
}

func TestGraphProducesChunks(t *testing.T) {
	cfg := testCaptureConfig()
	g := NewGraph(cfg, &ToneSource{Hz: 440, Rate: 48000}, newLogger())
	chunks, err := g.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := g.Open(context.Background()); !errors.Is(err, ErrGraphOpen) {
		t.Fatalf("expected ErrGraphOpen, got %v", err)
	}

	var last uint64
	for i := 0; i < 3; i++ {
		select {
		case chunk := <-chunks:
			if len(chunk.Samples) != 1365 {
				t.Fatalf("expected resampled chunk of 1365 samples, got %d", len(chunk.Samples))
			}
			if chunk.Seq <= last {
				t.Fatalf("sequence went backwards: %d after %d", chunk.Seq, last)
			}
			last = chunk.Seq
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for chunk")
		}
	}

	if err := g.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	drained := make(chan struct{})
	go func() {
		for range chunks {
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("chunk channel not closed after Close")
	}
	if _, err := g.Open(context.Background()); !errors.Is(err, ErrGraphClosed) {
		t.Fatalf("expected ErrGraphClosed on reopen, got %v", err)
	}
}

func TestGraphDropsWhenConsumerStalls(t *testing.T) {
	cfg := testCaptureConfig()
	cfg.QueueSize = 2
	g := NewGraph(cfg, &ToneSource{Hz: 440, Rate: 16000}, newLogger())
	if _, err := g.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = g.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for g.Dropped() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected chunks to be dropped while nobody reads")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGraphOpenFailureSurfacesError(t *testing.T) {
	g := NewGraph(testCaptureConfig(), failingSource{err: ErrPermissionDenied}, newLogger())
	if _, err := g.Open(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("close after failed open: %v", err)
	}
}

func TestWAVSourceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	samples := make([]int16, 4096*2+100)
	for i := range samples {
		samples[i] = int16((i % 200) * 100)
	}
	if err := WriteWAV(f, samples, 16000); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	f.Close()

	cfg := testCaptureConfig()
	g := NewGraph(cfg, &WAVSource{Path: path}, newLogger())
	chunks, err := g.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer g.Close()

	var got []int16
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				done = true
				continue
			}
			got = append(got, chunk.Samples...)
		case <-timeout:
			t.Fatal("timed out reading wav chunks")
		}
	}
	if len(got) != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), len(got))
	}
	for i := range samples {
		if d := int(samples[i]) - int(got[i]); d < -1 || d > 1 {
			t.Fatalf("sample %d: wrote %d read %d", i, samples[i], got[i])
		}
	}
}

func TestWAVSourceMissingFile(t *testing.T) {
	src := &WAVSource{Path: filepath.Join(t.TempDir(), "missing.wav")}
	if _, err := src.Open(context.Background()); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestRecordCollectsDuration(t *testing.T) {
	cfg := testCaptureConfig()
	g := NewGraph(cfg, &ToneSource{Hz: 300, Rate: 16000}, newLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	samples, err := Record(ctx, g, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(samples) != 8000 {
		t.Fatalf("expected 8000 samples, got %d", len(samples))
	}
}

func TestClassifyCaptureFailure(t *testing.T) {
	if err := classifyCaptureFailure("[pulse] connect: Permission denied", nil); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if err := classifyCaptureFailure("default: No such device", nil); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected device unavailable, got %v", err)
	}
	if err := classifyCaptureFailure("", io.EOF); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected device unavailable for silent failure, got %v", err)
	}
}

func TestExecSourceFailures(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	cfg := testCaptureConfig()
	cfg.ProbeTimeoutMS = 2000

	cfg.Command = `sh -c "echo 'open /dev/snd: permission denied' >&2; exit 1"`
	src, err := NewExecSource(cfg)
	if err != nil {
		t.Fatalf("new exec source: %v", err)
	}
	if _, err := src.Open(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}

	cfg.Command = "tilawa-definitely-missing-binary -f pulse"
	src, err = NewExecSource(cfg)
	if err != nil {
		t.Fatalf("new exec source: %v", err)
	}
	if _, err := src.Open(context.Background()); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}

	cfg.Command = ""
	if _, err := NewExecSource(cfg); err == nil {
		t.Fatal("expected error for empty command")
	}
}
