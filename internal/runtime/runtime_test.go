package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stt/internal/stt"
	"github.com/loqalabs/loqa-stt/internal/whisper"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type staticHost struct {
	devices []audio.DeviceInfo
	err     error
}

func (h staticHost) InputDevices() ([]audio.DeviceInfo, error) { return h.devices, h.err }

func (h staticHost) DefaultInputDevice() (audio.DeviceInfo, bool, error) {
	return audio.DeviceInfo{}, false, h.err
}

func (h staticHost) OpenInput(audio.DeviceInfo, audio.Sink) (audio.InputStream, error) {
	return nil, errors.New("not supported")
}

func testRuntime(t *testing.T, host audio.Host) *Runtime {
	t.Helper()
	cfg := config.Default()
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")
	cfg.EventStore.RetentionMode = eventstore.RetentionPersistent
	cfg.Model.Directory = t.TempDir()
	r := New(cfg, host, newLogger())

	store, err := eventstore.Open(context.Background(), cfg.EventStore, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	r.store = store
	r.service = stt.NewService(context.Background(), cfg, nil, store, host, newLogger())
	t.Cleanup(r.service.Close)
	return r
}

func TestHealthAndReadiness(t *testing.T) {
	r := testRuntime(t, staticHost{})
	srv := httptest.NewServer(r.routes(nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before model load, got %d", resp.StatusCode)
	}

	r.ready.Store(true)
	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after model load, got %d", resp.StatusCode)
	}
}

func TestDevicesEndpoint(t *testing.T) {
	host := staticHost{devices: []audio.DeviceInfo{{
		ID:      "alsa_input.usb",
		Name:    "USB Mic",
		Format:  audio.Format{SampleRate: 48000, Channels: 2, SampleFormat: audio.SampleFormatF32},
		Default: true,
	}}}
	r := testRuntime(t, host)
	rec := httptest.NewRecorder()
	r.routes(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/devices", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var views []deviceView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode devices: %v", err)
	}
	if len(views) != 1 || views[0].Name != "USB Mic" || views[0].Format != "f32" || !views[0].Default {
		t.Fatalf("unexpected devices: %+v", views)
	}

	r = testRuntime(t, staticHost{err: errors.New("pulse unavailable")})
	rec = httptest.NewRecorder()
	r.routes(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/devices", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestSessionsEndpoint(t *testing.T) {
	r := testRuntime(t, staticHost{})
	ctx := context.Background()
	if err := r.store.BeginSession(ctx, eventstore.Session{ID: "abc", Source: "file", File: "memo.wav"}); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	rec := httptest.NewRecorder()
	r.routes(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	var views []sessionView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(views) != 1 || views[0].ID != "abc" || views[0].StoppedAt != nil {
		t.Fatalf("unexpected sessions: %+v", views)
	}
}

func TestLoadModelFailsOnMissingBundle(t *testing.T) {
	r := testRuntime(t, staticHost{})
	err := r.loadModel(context.Background())
	if !errors.Is(err, whisper.ErrModelLoad) {
		t.Fatalf("expected model load error, got %v", err)
	}
	if r.ready.Load() {
		t.Fatal("runtime must not report ready after a failed load")
	}
}

func TestModelPaths(t *testing.T) {
	paths := ModelPaths(config.ModelConfig{Directory: "/models/tiny", TokenizerPath: "/shared/tokenizer.json"})
	if paths.Config != filepath.Join("/models/tiny", "config.json") {
		t.Fatalf("unexpected config path %q", paths.Config)
	}
	if paths.Tokenizer != "/shared/tokenizer.json" {
		t.Fatalf("expected tokenizer override, got %q", paths.Tokenizer)
	}
	if paths.MelFilters != "" {
		t.Fatalf("expected mel filters to be resolved at load time, got %q", paths.MelFilters)
	}
}

func TestRecognizerMetricsExported(t *testing.T) {
	r := testRuntime(t, staticHost{})
	tel, err := setupTelemetry(r.cfg, newLogger())
	if err != nil {
		t.Fatalf("setup telemetry: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	if tel.handler == nil {
		t.Fatal("expected a metrics handler")
	}

	r.metrics, err = newRuntimeMetrics(r)
	if err != nil {
		t.Fatalf("runtime metrics: %v", err)
	}
	t.Cleanup(func() { _ = r.metrics.Close() })
	r.ready.Store(true)
	r.metrics.recordModelLoad(30, false)

	rec := httptest.NewRecorder()
	r.routes(tel.handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"stt_sessions_active", "stt_model_ready", "stt_model_load_duration", `le="40"`, "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestRecognizerAttributes(t *testing.T) {
	cfg := config.Default()
	keys := func(cfg config.Config) map[string]bool {
		out := map[string]bool{}
		for _, kv := range recognizerAttributes(cfg) {
			out[string(kv.Key)] = true
		}
		return out
	}
	got := keys(cfg)
	if !got["stt.model.weights"] || !got["stt.decoding.task"] || got["stt.decoding.language"] {
		t.Fatalf("unexpected attributes: %v", got)
	}
	cfg.Decoding.Language = "en"
	if !keys(cfg)["stt.decoding.language"] {
		t.Fatal("expected the language attribute when a language is pinned")
	}
}
