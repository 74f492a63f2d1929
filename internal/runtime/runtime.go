package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/tilawa/internal/bus"
	"github.com/loqalabs/tilawa/internal/capture"
	"github.com/loqalabs/tilawa/internal/config"
	"github.com/loqalabs/tilawa/internal/natsserver"
	"github.com/loqalabs/tilawa/internal/protocol"
	"github.com/loqalabs/tilawa/internal/quran"
	"github.com/loqalabs/tilawa/internal/reconcile"
	"github.com/loqalabs/tilawa/internal/tracking"
	"github.com/loqalabs/tilawa/internal/versestore"
)

type Runtime struct {
	cfg         config.Config
	version     string
	logger      *slog.Logger
	httpServer  *http.Server
	telemetry   telemetrySetup
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	sessionID  string
	natsServer *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *versestore.Store
	library    *quran.Library
	session    *tracking.Session
	reconciler *reconcile.Reconciler
	supervisor *supervisor
	follower   *surahFollower
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:       cfg,
		version:   version,
		logger:    logger,
		telemetry: setupTelemetry,
		sessionID: uuid.NewString(),
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := r.telemetry(r.cfg, telemetryInfo{Version: r.version, SessionID: r.sessionID}, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = tel.shutdown

	if err := r.wire(ctx); err != nil {
		r.teardown()
		r.closeTelemetry(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(tel.metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(3)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	go func() {
		defer r.wg.Done()
		r.reconciler.Run(ctx, r.session.Events())
	}()
	go func() {
		defer r.wg.Done()
		r.supervisor.Run(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("session_id", r.sessionID))

	if r.cfg.Tracking.AutoStart {
		if err := r.session.Start(ctx); err != nil {
			r.logger.Warn("auto start failed", slog.String("error", err.Error()))
		}
	}

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if err := r.session.Close(); err != nil {
		r.logger.Error("session close error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.follower.Wait()
	r.teardown()
	r.closeTelemetry(shutdownCtx)

	return nil
}

func (r *Runtime) closeTelemetry(ctx context.Context) {
	if r.tracerClose == nil {
		return
	}
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
	r.tracerClose = nil
}

func (r *Runtime) wire(ctx context.Context) error {
	var sinks reconcile.Sinks
	var publishSurah func(protocol.Surah)

	if r.cfg.Bus.Enabled {
		srv, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.natsServer = srv
		busCfg := r.cfg.Bus
		if srv != nil {
			busCfg.Servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		r.bus = client
		pub := bus.NewPublisher(client, r.sessionID)
		sinks = append(sinks, pub)
		publishSurah = pub.PublishSurah
	}

	store, err := versestore.Open(ctx, r.cfg.Cache, r.logger)
	if err != nil {
		return fmt.Errorf("open verse cache: %w", err)
	}
	r.store = store
	r.library = quran.NewLibrary(quran.NewClient(r.cfg.Service), store, r.logger)

	opts, err := tracking.OptionsFromConfig(r.cfg, r.newGraph)
	if err != nil {
		return fmt.Errorf("session options: %w", err)
	}
	r.session = tracking.New(opts, r.logger)
	r.follower = newSurahFollower(r.library, publishSurah, r.logger)
	r.supervisor = newSupervisor(r.cfg.Tracking.Reconnect, r.session, r.logger)
	sinks = append(sinks, r.follower, r.supervisor)
	r.reconciler = reconcile.New(sinks, r.logger)
	return nil
}

func (r *Runtime) newGraph() (tracking.CaptureGraph, error) {
	src, err := capture.NewSource(r.cfg.Capture)
	if err != nil {
		return nil, err
	}
	return capture.NewGraph(r.cfg.Capture, src, r.logger), nil
}

func (r *Runtime) teardown() {
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("verse cache close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.natsServer.Shutdown()
}

func (r *Runtime) routes(metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("GET /view", r.handleView)
	mux.HandleFunc("POST /session/start", r.handleSessionStart)
	mux.HandleFunc("POST /session/stop", r.handleSessionStop)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type viewResponse struct {
	SessionID         string                  `json:"session_id"`
	State             string                  `json:"state"`
	ActiveSurah       int                     `json:"active_surah"`
	ActiveAyah        int                     `json:"active_ayah"`
	ReadUpToAyah      int                     `json:"read_up_to_ayah"`
	TranscriptPreview string                  `json:"transcript_preview"`
	Uncertain         bool                    `json:"uncertain"`
	Timeline          []protocol.TimelineAyah `json:"timeline"`
}

func (r *Runtime) handleView(w http.ResponseWriter, _ *http.Request) {
	v := r.reconciler.View()
	writeJSON(w, http.StatusOK, viewResponse{
		SessionID:         r.sessionID,
		State:             r.session.State().String(),
		ActiveSurah:       v.ActiveSurah,
		ActiveAyah:        v.ActiveAyah,
		ReadUpToAyah:      v.ReadUpToAyah,
		TranscriptPreview: v.TranscriptPreview,
		Uncertain:         v.Uncertain,
		Timeline:          v.Timeline,
	})
}

func (r *Runtime) handleSessionStart(w http.ResponseWriter, req *http.Request) {
	r.supervisor.Cancel()
	err := r.session.Start(context.WithoutCancel(req.Context()))
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"state": r.session.State().String()})
	case errors.Is(err, tracking.ErrSessionActive):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, tracking.ErrPermissionDenied):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
}

func (r *Runtime) handleSessionStop(w http.ResponseWriter, _ *http.Request) {
	r.supervisor.Cancel()
	if err := r.session.Stop(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": r.session.State().String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
