package capture

import (
	"context"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/loqalabs/tilawa/internal/config"
)

// NewSource builds the source selected by cfg.Mode.
func NewSource(cfg config.CaptureConfig) (Source, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecSource(cfg)
	case "wav":
		return &WAVSource{Path: cfg.WAVPath, Loop: cfg.Loop, Realtime: cfg.Realtime}, nil
	case "tone":
		return &ToneSource{Hz: cfg.ToneHz, Rate: cfg.SampleRate, Realtime: cfg.Realtime}, nil
	default:
		return nil, fmt.Errorf("unsupported capture mode %q", cfg.Mode)
	}
}

// ToneSource synthesizes a quiet sine wave. Useful without a microphone.
type ToneSource struct {
	Hz       float64
	Rate     int
	Realtime bool
}

func (s *ToneSource) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	rate := s.Rate
	if rate <= 0 {
		rate = 16000
	}
	return &toneStream{hz: s.Hz, rate: rate, realtime: s.Realtime, started: time.Now(), closed: make(chan struct{})}, nil
}

type toneStream struct {
	hz        float64
	rate      int
	realtime  bool
	phase     float64
	started   time.Time
	delivered int64
	closeOnce sync.Once
	closed    chan struct{}
}

func (t *toneStream) Read(buf []float32) (int, error) {
	select {
	case <-t.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	step := 2 * math.Pi * t.hz / float64(t.rate)
	for i := range buf {
		buf[i] = float32(0.25 * math.Sin(t.phase))
		t.phase += step
		if t.phase > 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
	}
	t.delivered += int64(len(buf))
	if t.realtime {
		due := t.started.Add(time.Duration(t.delivered) * time.Second / time.Duration(t.rate))
		if wait := time.Until(due); wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-t.closed:
				return len(buf), io.ErrClosedPipe
			}
		}
	}
	return len(buf), nil
}

func (t *toneStream) SampleRate() int {
	return t.rate
}

func (t *toneStream) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// Record opens g, collects d worth of audio and closes g.
func Record(ctx context.Context, g *Graph, d time.Duration) ([]int16, error) {
	chunks, err := g.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer g.Close()

	want := int(d.Seconds() * float64(g.SampleRate()))
	samples := make([]int16, 0, want)
	for len(samples) < want {
		select {
		case <-ctx.Done():
			return samples, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return samples, nil
			}
			samples = append(samples, chunk.Samples...)
		}
	}
	return samples[:want], nil
}
