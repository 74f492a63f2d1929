package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/tilawa/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	ErrGraphClosed       = errors.New("capture graph closed")
	ErrGraphOpen         = errors.New("capture graph already open")
)

// Chunk is one capture callback's worth of 16-bit mono samples at the transmission rate.
type Chunk struct {
	Seq        uint64
	Samples    []int16
	CapturedAt time.Time
}

// Source acquires a raw audio stream from some device.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream yields float samples in [-1, 1] at its native rate.
// Read blocks until buf is full or the stream fails; n counts the valid samples.
type Stream interface {
	Read(buf []float32) (n int, err error)
	SampleRate() int
	Close() error
}

type graphState int

const (
	graphIdle graphState = iota
	graphOpening
	graphOpen
	graphClosed
)

// Graph turns a Source into a bounded channel of transmission-ready chunks.
// A Graph is single use: once closed it cannot be reopened.
type Graph struct {
	src        Source
	log        *slog.Logger
	rate       int
	callback   int
	queueSize  int
	mu         sync.Mutex
	state      graphState
	stream     Stream
	cancel     context.CancelFunc
	done       chan struct{}
	dropped    atomic.Uint64
	produced   atomic.Uint64
	chunkCount metric.Int64Counter
	dropCount  metric.Int64Counter
}

func NewGraph(cfg config.CaptureConfig, src Source, log *slog.Logger) *Graph {
	g := &Graph{
		src:       src,
		log:       log.With(slog.String("component", "capture")),
		rate:      cfg.SampleRate,
		callback:  cfg.CallbackSamples,
		queueSize: cfg.QueueSize,
	}
	if g.rate <= 0 {
		g.rate = 16000
	}
	if g.callback <= 0 {
		g.callback = 4096
	}
	if g.queueSize <= 0 {
		g.queueSize = 1
	}
	meter := otel.Meter("github.com/loqalabs/tilawa/capture")
	var err error
	if g.chunkCount, err = meter.Int64Counter("tilawa.capture.chunks"); err != nil {
		g.log.Warn("failed to create chunk counter", slogError(err))
	}
	if g.dropCount, err = meter.Int64Counter("tilawa.capture.dropped_chunks"); err != nil {
		g.log.Warn("failed to create drop counter", slogError(err))
	}
	return g
}

// Open acquires the device and starts producing chunks. The returned channel is
// closed when the stream fails or the graph is closed.
func (g *Graph) Open(ctx context.Context) (<-chan Chunk, error) {
	g.mu.Lock()
	switch g.state {
	case graphClosed:
		g.mu.Unlock()
		return nil, ErrGraphClosed
	case graphOpening, graphOpen:
		g.mu.Unlock()
		return nil, ErrGraphOpen
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.cancel = cancel
	g.state = graphOpening
	g.mu.Unlock()

	// Acquisition honours the caller's context; the running stream only honours Close.
	stopWatch := context.AfterFunc(ctx, cancel)
	stream, err := g.src.Open(runCtx)
	stopWatch()
	if err == nil && runCtx.Err() != nil {
		_ = stream.Close()
		err = runCtx.Err()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == graphClosed {
		if err == nil {
			_ = stream.Close()
		}
		return nil, ErrGraphClosed
	}
	if err != nil {
		cancel()
		g.state = graphClosed
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ErrPermissionDenied) {
			return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, ctxErr)
		}
		return nil, err
	}

	g.stream = stream
	g.state = graphOpen
	g.done = make(chan struct{})
	out := make(chan Chunk, g.queueSize)
	go g.pump(runCtx, stream, out)

	g.log.Info("capture opened",
		slog.Int("source_rate", stream.SampleRate()),
		slog.Int("sample_rate", g.rate),
		slog.Int("callback_samples", g.callback))
	return out, nil
}

// Close releases the device. It is safe to call at any time and more than once.
func (g *Graph) Close() error {
	g.mu.Lock()
	prev := g.state
	g.state = graphClosed
	stream := g.stream
	g.stream = nil
	cancel := g.cancel
	done := g.done
	g.mu.Unlock()

	if prev == graphClosed {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	var err error
	if stream != nil {
		err = stream.Close()
	}
	if done != nil {
		<-done
	}
	if prev == graphOpen {
		g.log.Info("capture closed",
			slog.Uint64("chunks", g.produced.Load()),
			slog.Uint64("dropped", g.dropped.Load()))
	}
	return err
}

// Dropped reports how many chunks were discarded because the consumer fell behind.
func (g *Graph) Dropped() uint64 {
	return g.dropped.Load()
}

// SampleRate is the rate of the produced chunks.
func (g *Graph) SampleRate() int {
	return g.rate
}

func (g *Graph) pump(ctx context.Context, stream Stream, out chan<- Chunk) {
	defer close(g.done)
	defer close(out)

	buf := make([]float32, g.callback)
	var seq uint64
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			seq++
			chunk := Chunk{
				Seq:        seq,
				Samples:    Quantize(Resample(buf[:n], stream.SampleRate(), g.rate)),
				CapturedAt: time.Now(),
			}
			select {
			case out <- chunk:
				g.produced.Add(1)
				if g.chunkCount != nil {
					g.chunkCount.Add(ctx, 1)
				}
			default:
				if g.dropped.Add(1)%50 == 1 {
					g.log.Warn("capture queue full, dropping chunk", slog.Uint64("seq", seq), slog.Uint64("dropped", g.dropped.Load()))
				}
				if g.dropCount != nil {
					g.dropCount.Add(ctx, 1)
				}
			}
		}
		if err != nil {
			if ctx.Err() == nil {
				g.log.Warn("capture stream ended", slogError(err))
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
