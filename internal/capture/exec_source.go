package capture

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/tilawa/internal/config"
	"github.com/mattn/go-shellwords"
)

// ExecSource runs an external capture command that writes mono float32
// little-endian samples to stdout, e.g. ffmpeg reading from PulseAudio.
type ExecSource struct {
	args         []string
	rate         int
	probeTimeout time.Duration
}

func NewExecSource(cfg config.CaptureConfig) (*ExecSource, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	probe := time.Duration(cfg.ProbeTimeoutMS) * time.Millisecond
	if probe <= 0 {
		probe = 3 * time.Second
	}
	return &ExecSource{args: args, rate: cfg.SourceRate, probeTimeout: probe}, nil
}

func (s *ExecSource) Open(ctx context.Context) (Stream, error) {
	cmd := exec.CommandContext(ctx, s.args[0], s.args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrDeviceUnavailable, err)
	}
	stderr := &syncBuffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: start %s: %v", ErrDeviceUnavailable, s.args[0], err)
	}

	reader := bufio.NewReaderSize(stdout, 64*1024)
	probed := make(chan error, 1)
	go func() {
		_, err := reader.Peek(4)
		probed <- err
	}()

	timer := time.NewTimer(s.probeTimeout)
	defer timer.Stop()
	select {
	case err := <-probed:
		if err == nil {
			return &execStream{cmd: cmd, reader: reader, rate: s.rate}, nil
		}
		_ = cmd.Wait()
		return nil, classifyCaptureFailure(stderr.String(), err)
	case <-timer.C:
		_ = cmd.Process.Kill()
		<-probed
		_ = cmd.Wait()
		if msg := stderr.String(); strings.TrimSpace(msg) != "" {
			return nil, classifyCaptureFailure(msg, errors.New("no audio before probe timeout"))
		}
		return nil, fmt.Errorf("%w: no audio within %s", ErrDeviceUnavailable, s.probeTimeout)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-probed
		_ = cmd.Wait()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, ctx.Err())
	}
}

var permissionMarkers = []string{
	"permission denied",
	"access denied",
	"operation not permitted",
	"not allowed",
}

// classifyCaptureFailure maps capture tool diagnostics to the session error taxonomy.
func classifyCaptureFailure(stderr string, cause error) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)
	for _, marker := range permissionMarkers {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, msg)
		}
	}
	if msg == "" {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, cause)
	}
	return fmt.Errorf("%w: %s", ErrDeviceUnavailable, msg)
}

type execStream struct {
	cmd     *exec.Cmd
	reader  *bufio.Reader
	rate    int
	scratch []byte
	once    sync.Once
}

func (e *execStream) Read(buf []float32) (int, error) {
	need := len(buf) * 4
	if cap(e.scratch) < need {
		e.scratch = make([]byte, need)
	}
	raw := e.scratch[:need]
	read, err := io.ReadFull(e.reader, raw)
	n := read / 4
	for i := 0; i < n; i++ {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return n, err
}

func (e *execStream) SampleRate() int {
	return e.rate
}

func (e *execStream) Close() error {
	var err error
	e.once.Do(func() {
		if e.cmd.Process != nil {
			_ = e.cmd.Process.Kill()
		}
		if waitErr := e.cmd.Wait(); waitErr != nil {
			var exitErr *exec.ExitError
			if !errors.As(waitErr, &exitErr) {
				err = waitErr
			}
		}
	})
	return err
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
