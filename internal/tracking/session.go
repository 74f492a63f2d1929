package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/tilawa/internal/capture"
	"github.com/loqalabs/tilawa/internal/config"
	"github.com/loqalabs/tilawa/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	stopGrace = 500 * time.Millisecond
	readLimit = 4 << 20
)

var errStopRequested = errors.New("stop requested")

// CaptureGraph is the audio pipeline a session drives. *capture.Graph implements it.
type CaptureGraph interface {
	Open(ctx context.Context) (<-chan capture.Chunk, error)
	Close() error
}

type Options struct {
	URL            string
	Start          protocol.StartConfig
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	EventBuffer    int
	// NewGraph builds a fresh capture graph for every connection.
	NewGraph func() (CaptureGraph, error)
	Dialer   *websocket.Dialer
}

// OptionsFromConfig derives session options from the runtime configuration.
func OptionsFromConfig(cfg config.Config, newGraph func() (CaptureGraph, error)) (Options, error) {
	live, err := LiveURL(cfg.Service)
	if err != nil {
		return Options{}, err
	}
	return Options{
		URL:            live,
		Start:          protocol.NewStartConfig(cfg.Capture.SampleRate, cfg.Tracking.WindowSec, cfg.Tracking.TargetAyahs),
		ConnectTimeout: time.Duration(cfg.Service.ConnectTimeoutMS) * time.Millisecond,
		WriteTimeout:   time.Duration(cfg.Service.WriteTimeoutMS) * time.Millisecond,
		EventBuffer:    cfg.Tracking.EventBuffer,
		NewGraph:       newGraph,
	}, nil
}

// LiveURL maps the service base URL onto its websocket endpoint.
func LiveURL(cfg config.ServiceConfig) (string, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse service url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported service scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + cfg.LivePath
	return u.String(), nil
}

// resources is everything one connection holds. release tears it all down exactly once.
type resources struct {
	id       string
	conn     *websocket.Conn
	graph    CaptureGraph
	stop     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	once     sync.Once
	graphOne sync.Once
}

func newResources() *resources {
	return &resources{
		id:   uuid.NewString(),
		stop: make(chan struct{}),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (r *resources) requestStop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *resources) stopping() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (r *resources) closeGraph() error {
	var err error
	r.graphOne.Do(func() {
		if r.graph != nil {
			err = r.graph.Close()
		}
	})
	return err
}

func (r *resources) release() error {
	var err error
	r.once.Do(func() {
		close(r.quit)
		err = r.closeGraph()
		if r.conn != nil {
			if cerr := r.conn.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

type startAttempt struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

type inboundFrame struct {
	msg   protocol.Message
	err   error
	fatal error
}

// Session owns one duplex connection to the tracking service at a time,
// together with the capture graph feeding it.
type Session struct {
	opts   Options
	log    *slog.Logger
	dialer *websocket.Dialer
	events chan Event
	state  atomic.Int32

	mu       sync.Mutex
	starting *startAttempt
	active   *resources
	closed   bool

	tracer      trace.Tracer
	framesSent  metric.Int64Counter
	bytesSent   metric.Int64Counter
	updates     metric.Int64Counter
	malformed   metric.Int64Counter
	notices     metric.Int64Counter
	transitions metric.Int64Counter
	dropped     metric.Int64Counter
}

func New(opts Options, log *slog.Logger) *Session {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 2 * time.Second
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: opts.ConnectTimeout}
	}
	s := &Session{
		opts:   opts,
		log:    log.With(slog.String("component", "tracking-session")),
		dialer: dialer,
		events: make(chan Event, opts.EventBuffer),
		tracer: otel.Tracer("github.com/loqalabs/tilawa/tracking"),
	}
	s.initMetrics()
	return s
}

func (s *Session) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/tilawa/tracking")
	counters := []struct {
		target *metric.Int64Counter
		name   string
	}{
		{&s.framesSent, "tilawa.tracking.frames_sent"},
		{&s.bytesSent, "tilawa.tracking.bytes_sent"},
		{&s.updates, "tilawa.tracking.updates"},
		{&s.malformed, "tilawa.tracking.malformed_messages"},
		{&s.notices, "tilawa.tracking.notices"},
		{&s.transitions, "tilawa.tracking.state_transitions"},
		{&s.dropped, "tilawa.tracking.dropped_events"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			s.log.Warn("failed to create counter", slog.String("name", c.name), slogError(err))
			continue
		}
		*c.target = counter
	}
}

// Events is the ordered stream of state changes, updates and notices.
// It is closed by Close.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Start connects, sends the start frame, opens the microphone and begins streaming.
// It returns once audio is flowing or the attempt failed; on failure nothing stays open.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.starting != nil || s.active != nil || s.State() != Disconnected {
		s.mu.Unlock()
		return ErrSessionActive
	}
	startCtx, cancel := context.WithCancelCause(ctx)
	attempt := &startAttempt{cancel: cancel, done: make(chan struct{})}
	s.starting = attempt
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.starting = nil
		s.mu.Unlock()
		cancel(nil)
		close(attempt.done)
	}()

	res := newResources()
	spanCtx, span := s.tracer.Start(startCtx, "tracking.start", trace.WithAttributes(
		attribute.String("tracking.url", s.opts.URL),
		attribute.String("tracking.conn_id", res.id),
	))
	defer span.End()

	log := s.log.With(slog.String("conn_id", res.id))
	s.setState(res.id, WarmingUp, nil)

	fail := func(err error) error {
		_ = res.release()
		if errors.Is(context.Cause(startCtx), errStopRequested) {
			log.Info("start interrupted by stop")
			s.setState(res.id, Disconnected, nil)
			return ErrStopped
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("session start failed", slogError(err))
		s.setState(res.id, Error, err)
		s.setState(res.id, Disconnected, nil)
		return err
	}

	dialCtx, cancelDial := context.WithTimeout(spanCtx, s.opts.ConnectTimeout)
	conn, resp, err := s.dialer.DialContext(dialCtx, s.opts.URL, nil)
	cancelDial()
	if err != nil {
		if resp != nil {
			return fail(fmt.Errorf("%w: %s: %v (status %s)", ErrConnectFailed, s.opts.URL, err, resp.Status))
		}
		return fail(fmt.Errorf("%w: %s: %v", ErrConnectFailed, s.opts.URL, err))
	}
	res.conn = conn
	conn.SetReadLimit(readLimit)

	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if err := conn.WriteJSON(s.opts.Start); err != nil {
		return fail(fmt.Errorf("%w: send start frame: %v", ErrConnectFailed, err))
	}

	if s.opts.NewGraph == nil {
		return fail(fmt.Errorf("%w: no capture graph configured", ErrDeviceUnavailable))
	}
	graph, err := s.opts.NewGraph()
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrDeviceUnavailable, err))
	}
	res.graph = graph
	chunks, err := graph.Open(spanCtx)
	if err != nil {
		if !errors.Is(err, ErrPermissionDenied) && !errors.Is(err, ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		return fail(err)
	}

	s.mu.Lock()
	if startCtx.Err() != nil {
		s.mu.Unlock()
		return fail(fmt.Errorf("%w: %v", ErrConnectFailed, context.Cause(startCtx)))
	}
	s.active = res
	s.mu.Unlock()

	frames := make(chan inboundFrame)
	go s.readLoop(res, frames)
	go s.run(res, chunks, frames)

	log.Info("session started", slog.String("url", s.opts.URL))
	return nil
}

// Stop ends the current session gracefully, or aborts an in-flight Start.
// It returns once the microphone and connection are released. Safe to call repeatedly.
func (s *Session) Stop() error {
	s.mu.Lock()
	attempt := s.starting
	res := s.active
	s.mu.Unlock()

	if attempt != nil {
		attempt.cancel(errStopRequested)
		<-attempt.done
		s.mu.Lock()
		res = s.active
		s.mu.Unlock()
	}
	if res == nil {
		return nil
	}

	res.requestStop()
	timer := time.NewTimer(stopGrace)
	defer timer.Stop()
	select {
	case <-res.done:
	case <-timer.C:
		s.log.Warn("session did not stop gracefully, forcing release", slog.String("conn_id", res.id))
		_ = res.release()
		<-res.done
	}
	return nil
}

// Close stops the session and closes the event stream. The session cannot be restarted.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.Stop()
	close(s.events)
	return err
}

func (s *Session) readLoop(res *resources, out chan<- inboundFrame) {
	send := func(f inboundFrame) bool {
		select {
		case out <- f:
			return true
		case <-res.quit:
			return false
		}
	}
	for {
		mt, data, err := res.conn.ReadMessage()
		if err != nil {
			send(inboundFrame{fatal: err})
			return
		}
		if mt != websocket.TextMessage {
			if !send(inboundFrame{err: fmt.Errorf("%w: unexpected binary frame of %d bytes", ErrMalformedMessage, len(data))}) {
				return
			}
			continue
		}
		msg, err := protocol.Decode(data)
		if !send(inboundFrame{msg: msg, err: err}) {
			return
		}
	}
}

// run is the single owner of the socket's write side and of state changes while connected.
func (s *Session) run(res *resources, chunks <-chan capture.Chunk, frames <-chan inboundFrame) {
	defer close(res.done)
	ctx := context.Background()
	log := s.log.With(slog.String("conn_id", res.id))

	for {
		select {
		case <-res.stop:
			s.shutdown(res, log)
			return
		default:
		}

		select {
		case <-res.stop:
			s.shutdown(res, log)
			return

		case chunk, ok := <-chunks:
			if !ok {
				s.terminate(res, log, fmt.Errorf("%w: capture stream ended", ErrDeviceUnavailable))
				return
			}
			payload := protocol.EncodePCM(chunk.Samples)
			_ = res.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := res.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				s.terminate(res, log, transportError(err))
				return
			}
			if s.framesSent != nil {
				s.framesSent.Add(ctx, 1)
				s.bytesSent.Add(ctx, int64(len(payload)))
			}

		case f := <-frames:
			if f.fatal != nil {
				s.terminate(res, log, transportError(f.fatal))
				return
			}
			if f.err != nil {
				log.Warn("ignoring malformed message", slogError(f.err))
				if s.malformed != nil {
					s.malformed.Add(ctx, 1)
				}
				continue
			}
			s.handle(ctx, res, log, f.msg)
		}
	}
}

func (s *Session) handle(ctx context.Context, res *resources, log *slog.Logger, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Update:
		next := Tracking
		if m.Uncertain() {
			next = Uncertain
		}
		s.setState(res.id, next, nil)
		if s.updates != nil {
			s.updates.Add(ctx, 1, metric.WithAttributes(attribute.String("state", m.State)))
		}
		s.emit(Event{Kind: EventUpdate, ConnID: res.id, State: next, Message: m, At: time.Now()})
	case *protocol.ServerError:
		log.Warn("service reported error", slog.String("message", m.Message))
		if s.notices != nil {
			s.notices.Add(ctx, 1)
		}
		s.emit(Event{Kind: EventNotice, ConnID: res.id, State: s.State(), Message: m, Notice: m.Message, At: time.Now()})
	case *protocol.Status:
		log.Debug("service status", slog.String("state", m.State), slog.Int("elapsed_ms", m.ElapsedMS))
		s.emit(Event{Kind: EventStatus, ConnID: res.id, State: s.State(), Message: m, At: time.Now()})
	}
}

// shutdown is the caller-initiated path: microphone first, then a polite goodbye, then the socket.
func (s *Session) shutdown(res *resources, log *slog.Logger) {
	if err := res.closeGraph(); err != nil {
		log.Warn("capture close failed", slogError(err))
	}
	deadline := time.Now().Add(s.opts.WriteTimeout)
	_ = res.conn.SetWriteDeadline(deadline)
	if err := res.conn.WriteJSON(protocol.StopMessage{Type: protocol.TypeStop}); err != nil {
		log.Debug("stop frame not sent", slogError(err))
	}
	_ = res.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client stop"), deadline)
	s.finish(res, log, nil)
}

// terminate handles loss of the transport or the microphone after start.
func (s *Session) terminate(res *resources, log *slog.Logger, cause error) {
	if res.stopping() {
		s.finish(res, log, nil)
		return
	}
	s.finish(res, log, cause)
}

func (s *Session) finish(res *resources, log *slog.Logger, cause error) {
	if err := res.release(); err != nil {
		log.Debug("release reported error", slogError(err))
	}
	if cause != nil {
		log.Warn("session terminated", slogError(cause))
	} else {
		log.Info("session stopped")
	}

	// Clearing active and settling the state together keeps a concurrent Start out until both hold.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == res {
		s.active = nil
	}
	if cause != nil {
		s.setState(res.id, Error, cause)
	}
	s.setState(res.id, Disconnected, nil)
}

func (s *Session) setState(connID string, next State, cause error) {
	prev := State(s.state.Swap(int32(next)))
	if prev == next && cause == nil {
		return
	}
	attrs := []any{slog.String("from", prev.String()), slog.String("to", next.String())}
	if cause != nil {
		attrs = append(attrs, slogError(cause))
	}
	s.log.Debug("state transition", attrs...)
	if s.transitions != nil {
		s.transitions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("to", next.String())))
	}
	s.emit(Event{Kind: EventState, ConnID: connID, State: next, Err: cause, At: time.Now()})
}

// emit never blocks the owner goroutine; a consumer that falls behind loses events.
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("event buffer full, dropping event", slog.String("kind", ev.Kind.String()))
		if s.dropped != nil {
			s.dropped.Add(context.Background(), 1)
		}
	}
}

func transportError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return fmt.Errorf("%w: peer closed with code %d: %s", ErrTransportDropped, closeErr.Code, closeErr.Text)
	}
	return fmt.Errorf("%w: %v", ErrTransportDropped, err)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
