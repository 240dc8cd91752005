package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/bus"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/decoder"
	"github.com/loqalabs/loqa-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stt/internal/natsserver"
	"github.com/loqalabs/loqa-stt/internal/stt"
	"github.com/loqalabs/loqa-stt/internal/whisper"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	host   audio.Host

	httpServer *http.Server
	store      *eventstore.Store
	service    *stt.Service
	metrics    *runtimeMetrics
	ready      atomic.Bool
}

func New(cfg config.Config, host audio.Host, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		host:   host,
	}
}

// ModelPaths resolves the configured model bundle locations.
func ModelPaths(cfg config.ModelConfig) whisper.Paths {
	paths := whisper.DirPaths(cfg.Directory)
	if cfg.ConfigPath != "" {
		paths.Config = cfg.ConfigPath
	}
	if cfg.WeightsPath != "" {
		paths.Weights = cfg.WeightsPath
	}
	if cfg.TokenizerPath != "" {
		paths.Tokenizer = cfg.TokenizerPath
	}
	paths.MelFilters = cfg.MelFiltersPath
	return paths
}

// Start brings the runtime up and blocks until ctx is cancelled or a
// component fails.
func (r *Runtime) Start(ctx context.Context) (err error) {
	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	var cleanup []func() error
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			err = errors.Join(err, cleanup[i]())
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if terr := tel.Shutdown(shutdownCtx); terr != nil {
			r.logger.Error("telemetry shutdown error", slogError(terr))
		}
	}()

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, func() error { embedded.Shutdown(); return nil })

	var busClient *bus.Client
	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		busClient, err = bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() error { busClient.Close(); return nil })
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	cleanup = append(cleanup, r.store.Close)

	r.service = stt.NewService(ctx, r.cfg, busClient, r.store, r.host, r.logger)
	if err := r.service.Start(); err != nil {
		r.service.Close()
		return fmt.Errorf("start stt service: %w", err)
	}
	cleanup = append(cleanup, func() error { r.service.Close(); return nil })

	if r.metrics, err = newRuntimeMetrics(r); err != nil {
		r.logger.Warn("runtime metrics unavailable", slogError(err))
	} else {
		cleanup = append(cleanup, r.metrics.Close)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(tel.handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return r.loadModel(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
		return nil
	})

	r.logger.Info("runtime started", slog.String("addr", addr))
	return g.Wait()
}

// loadModel loads the bundle off the request path and hands the engine to
// the dictation service.
func (r *Runtime) loadModel(ctx context.Context) error {
	paths := ModelPaths(r.cfg.Model)
	start := time.Now()
	r.logger.Info("loading model",
		slog.String("weights", paths.Weights),
		slog.Bool("quantized", r.cfg.Model.Quantized))

	var res whisper.LoadResult
	select {
	case res = <-whisper.LoadAsync(paths, r.cfg.Model.Quantized):
	case <-ctx.Done():
		return nil
	}
	if res.Err != nil {
		return res.Err
	}

	engine, err := decoder.NewEngine(res.Bundle.Model, res.Bundle.Tokenizer, r.logger)
	if err != nil {
		return fmt.Errorf("create decoding engine: %w", err)
	}
	r.service.SetEngine(engine, res.Bundle.MelFilters, res.Bundle.Config.NumMelBins)
	r.ready.Store(true)

	elapsed := time.Since(start)
	r.metrics.recordModelLoad(elapsed.Seconds(), r.cfg.Model.Quantized)
	r.logger.Info("model loaded", slog.Duration("elapsed", elapsed))
	payload, _ := json.Marshal(map[string]any{
		"weights":    paths.Weights,
		"quantized":  r.cfg.Model.Quantized,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	if err := r.store.AppendEvent(ctx, eventstore.Event{Type: eventstore.EventModelLoaded, Payload: payload}); err != nil {
		r.logger.Warn("record model load failed", slogError(err))
	}

	if r.cfg.Streaming.AutoStart {
		if _, err := r.service.StartDictation(r.cfg.Audio.Device); err != nil {
			r.logger.Error("auto-start dictation failed", slogError(err))
		}
	}
	return nil
}

func (r *Runtime) routes(metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/devices", r.handleDevices)
	mux.HandleFunc("/sessions", r.handleSessions)
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

type deviceView struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Format     string `json:"format"`
	Default    bool   `json:"default"`
}

func (r *Runtime) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devs, err := r.host.InputDevices()
	if err != nil {
		r.logger.Warn("list devices failed", slogError(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	views := make([]deviceView, 0, len(devs))
	for _, d := range devs {
		views = append(views, deviceView{
			ID:         d.ID,
			Name:       d.Name,
			SampleRate: d.Format.SampleRate,
			Channels:   d.Format.Channels,
			Format:     d.Format.SampleFormat.String(),
			Default:    d.Default,
		})
	}
	writeJSON(w, views)
}

type sessionView struct {
	ID         string     `json:"id"`
	Source     string     `json:"source"`
	Device     string     `json:"device,omitempty"`
	File       string     `json:"file,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
	StopReason string     `json:"stop_reason,omitempty"`
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	sessions, err := r.store.ListSessions(req.Context(), 50)
	if err != nil {
		r.logger.Warn("list sessions failed", slogError(err))
		http.Error(w, "list sessions failed", http.StatusInternalServerError)
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		v := sessionView{ID: s.ID, Source: s.Source, Device: s.Device, File: s.File, StartedAt: s.StartedAt, StopReason: s.StopReason}
		if !s.StoppedAt.IsZero() {
			stopped := s.StoppedAt
			v.StoppedAt = &stopped
		}
		views = append(views, v)
	}
	writeJSON(w, views)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
