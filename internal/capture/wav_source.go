package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVSource replays a PCM WAV file as if it were a microphone.
type WAVSource struct {
	Path     string
	Loop     bool
	Realtime bool
}

func (s *WAVSource) Open(ctx context.Context) (Stream, error) {
	st := &wavStream{path: s.Path, loop: s.Loop, realtime: s.Realtime, closed: make(chan struct{})}
	if err := st.rewind(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		st.closeFile()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, ctx.Err())
	}
	st.started = time.Now()
	return st, nil
}

type wavStream struct {
	path     string
	loop     bool
	realtime bool

	file     *os.File
	dec      *wav.Decoder
	rate     int
	channels int
	scale    float32
	ibuf     *audio.IntBuffer

	started   time.Time
	delivered int64

	mu        sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func (w *wavStream) rewind() error {
	w.closeFile()
	f, err := os.Open(w.path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return fmt.Errorf("%w: %s is not a valid wav file", ErrDeviceUnavailable, w.path)
	}
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return fmt.Errorf("%w: seek pcm: %v", ErrDeviceUnavailable, err)
	}
	if dec.BitDepth == 0 || dec.NumChans == 0 || dec.SampleRate == 0 {
		f.Close()
		return fmt.Errorf("%w: %s has no pcm format", ErrDeviceUnavailable, w.path)
	}
	w.file = f
	w.dec = dec
	w.rate = int(dec.SampleRate)
	w.channels = int(dec.NumChans)
	w.scale = float32(int64(1) << (dec.BitDepth - 1))
	return nil
}

func (w *wavStream) closeFile() {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
}

func (w *wavStream) Read(buf []float32) (int, error) {
	n, err := w.fill(buf)
	w.pace(n)
	return n, err
}

func (w *wavStream) fill(buf []float32) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	filled := 0
	rewound := false
	for filled < len(buf) {
		select {
		case <-w.closed:
			return filled, io.ErrClosedPipe
		default:
		}
		frames := len(buf) - filled
		if w.ibuf == nil || cap(w.ibuf.Data) < frames*w.channels {
			w.ibuf = &audio.IntBuffer{
				Format: &audio.Format{NumChannels: w.channels, SampleRate: w.rate},
				Data:   make([]int, frames*w.channels),
			}
		}
		w.ibuf.Data = w.ibuf.Data[:frames*w.channels]
		n, err := w.dec.PCMBuffer(w.ibuf)
		if err != nil && !errors.Is(err, io.EOF) {
			return filled, fmt.Errorf("decode wav: %w", err)
		}
		got := n / w.channels
		for i := 0; i < got; i++ {
			var sum float32
			for c := 0; c < w.channels; c++ {
				sum += float32(w.ibuf.Data[i*w.channels+c])
			}
			buf[filled+i] = sum / float32(w.channels) / w.scale
		}
		filled += got
		if got > 0 {
			rewound = false
		}
		if got < frames {
			if !w.loop || rewound {
				w.closeFile()
				return filled, io.EOF
			}
			if err := w.rewind(); err != nil {
				return filled, err
			}
			rewound = true
		}
	}
	return filled, nil
}

// pace blocks until the wall clock catches up with the delivered audio.
func (w *wavStream) pace(frames int) {
	w.delivered += int64(frames)
	if !w.realtime || w.rate == 0 {
		return
	}
	due := w.started.Add(time.Duration(w.delivered) * time.Second / time.Duration(w.rate))
	wait := time.Until(due)
	if wait <= 0 {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-w.closed:
	}
}

func (w *wavStream) SampleRate() int {
	return w.rate
}

func (w *wavStream) Close() error {
	w.closeOnce.Do(func() {
		close(w.closed)
		w.mu.Lock()
		w.closeFile()
		w.mu.Unlock()
	})
	return nil
}

// WriteWAV encodes 16-bit mono samples as a WAV file.
func WriteWAV(w io.WriteSeeker, samples []int16, sampleRate int) error {
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(samples)),
	}
	for i, s := range samples {
		buffer.Data[i] = int(s)
	}
	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
