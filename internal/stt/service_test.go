package stt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/bus"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/decoder"
	"github.com/loqalabs/loqa-stt/internal/dsp"
	"github.com/loqalabs/loqa-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stt/internal/natsserver"
	"github.com/loqalabs/loqa-stt/internal/protocol"
	"github.com/loqalabs/loqa-stt/internal/stream"
	"github.com/loqalabs/loqa-stt/internal/tensor"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMels = 4

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type echoTranscriber struct {
	mu    sync.Mutex
	calls int
	opts  decoder.Options
}

func (e *echoTranscriber) Run(_ context.Context, mel *tensor.Matrix, opts decoder.Options) ([]decoder.Segment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.opts = opts
	return []decoder.Segment{{Duration: 30, Result: decoder.DecodingResult{Text: " hello", AvgLogprob: -0.2, CompressionRatio: 1.1}}}, nil
}

type fakeStream struct{}

func (fakeStream) Start() error { return nil }
func (fakeStream) Close() error { return nil }

type fakeHost struct {
	mu   sync.Mutex
	sink audio.Sink
}

func (h *fakeHost) InputDevices() ([]audio.DeviceInfo, error) {
	return []audio.DeviceInfo{h.device()}, nil
}

func (h *fakeHost) DefaultInputDevice() (audio.DeviceInfo, bool, error) {
	return h.device(), true, nil
}

func (h *fakeHost) device() audio.DeviceInfo {
	return audio.DeviceInfo{
		ID:      "mic0",
		Name:    "Test Mic",
		Format:  audio.Format{SampleRate: 16000, Channels: 1, SampleFormat: audio.SampleFormatS16},
		Default: true,
	}
}

func (h *fakeHost) OpenInput(_ audio.DeviceInfo, sink audio.Sink) (audio.InputStream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sink = sink
	return fakeStream{}, nil
}

func (h *fakeHost) speak(seconds float64) {
	h.mu.Lock()
	sink := h.sink
	h.mu.Unlock()
	sink.ProcessInt16(make([]int16, int(seconds*16000)))
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Streaming.PollIntervalMS = 5
	cfg.Audio.PlaybackPaceMS = 0
	cfg.Audio.FileDecoderCommand = "cat {input}"
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")
	cfg.EventStore.RetentionMode = eventstore.RetentionPersistent
	return cfg
}

func openStore(t *testing.T, cfg config.Config) *eventstore.Store {
	t.Helper()
	store, err := eventstore.Open(context.Background(), cfg.EventStore, newLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestService(t *testing.T, cfg config.Config, busClient *bus.Client, store *eventstore.Store, host audio.Host) (*Service, *echoTranscriber) {
	t.Helper()
	svc := NewService(context.Background(), cfg, busClient, store, host, newLogger())
	t.Cleanup(svc.Close)
	tr := &echoTranscriber{}
	svc.SetEngine(tr, make([]float32, testMels*(dsp.NFFT/2+1)), testMels)
	return svc, tr
}

func nextResult(t *testing.T, svc *Service) stream.Result {
	t.Helper()
	select {
	case res := <-svc.Results():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("no transcript delivered")
		return stream.Result{}
	}
}

func TestStartBeforeModelLoaded(t *testing.T) {
	svc := NewService(context.Background(), testConfig(t), nil, nil, &fakeHost{}, newLogger())
	defer svc.Close()
	assert.False(t, svc.Healthy())
	_, err := svc.StartDictation("")
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = svc.StopDictation()
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestDictationLifecycle(t *testing.T) {
	cfg := testConfig(t)
	maxInitial := 7
	cfg.Decoding.MaxInitialTimestampIndex = &maxInitial
	store := openStore(t, cfg)
	host := &fakeHost{}
	svc, tr := newTestService(t, cfg, nil, store, host)
	require.True(t, svc.Healthy())

	id, err := svc.StartDictation("")
	require.NoError(t, err)
	active, ok := svc.Active()
	require.True(t, ok)
	assert.Equal(t, id, active)

	_, err = svc.StartDictation("")
	assert.ErrorIs(t, err, ErrSessionActive)

	host.speak(1.5)
	res := nextResult(t, svc)
	assert.Equal(t, id, res.SessionID)
	assert.Equal(t, "hello", res.Pending)

	stopped, err := svc.StopDictation()
	require.NoError(t, err)
	assert.Equal(t, id, stopped)
	_, ok = svc.Active()
	assert.False(t, ok)

	tr.mu.Lock()
	opts := tr.opts
	tr.mu.Unlock()
	assert.Equal(t, decoder.TaskTranscribe, opts.Task)
	require.NotNil(t, opts.MaxInitialTimestampIndex)
	assert.Equal(t, 7, *opts.MaxInitialTimestampIndex)
	assert.Equal(t, uint64(299792458), opts.Seed)

	sessions, err := store.ListSessions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "Test Mic", sessions[0].Device)
	assert.Equal(t, reasonStopped, sessions[0].StopReason)
}

// stallingTranscriber blocks every run until its context is cancelled.
type stallingTranscriber struct {
	started chan struct{}
	once    sync.Once
}

func (s *stallingTranscriber) Run(ctx context.Context, _ *tensor.Matrix, _ decoder.Options) ([]decoder.Segment, error) {
	s.once.Do(func() { close(s.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCloseAbortsInFlightDecode(t *testing.T) {
	cfg := testConfig(t)
	store := openStore(t, cfg)
	host := &fakeHost{}
	svc, _ := newTestService(t, cfg, nil, store, host)
	stall := &stallingTranscriber{started: make(chan struct{})}
	svc.SetEngine(stall, make([]float32, testMels*(dsp.NFFT/2+1)), testMels)

	_, err := svc.StartDictation("")
	require.NoError(t, err)
	host.speak(1.5)
	select {
	case <-stall.started:
	case <-time.After(5 * time.Second):
		t.Fatal("decode never started")
	}

	closed := make(chan struct{})
	go func() {
		svc.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close waited on the in-flight decode")
	}

	sessions, err := store.ListSessions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, reasonShutdown, sessions[0].StopReason)

	_, err = svc.StartDictation("")
	assert.ErrorIs(t, err, context.Canceled)
}

func writeRaw(t *testing.T, seconds float64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memo.raw")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, binary.Write(f, binary.LittleEndian, make([]float32, int(seconds*16000))))
	return path
}

func TestFileSessionEndsWithInput(t *testing.T) {
	cfg := testConfig(t)
	store := openStore(t, cfg)
	svc, _ := newTestService(t, cfg, nil, store, &fakeHost{})

	id, err := svc.StartFile(writeRaw(t, 2))
	require.NoError(t, err)
	res := nextResult(t, svc)
	assert.Equal(t, id, res.SessionID)

	require.Eventually(t, func() bool {
		_, ok := svc.Active()
		return !ok
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		sessions, err := store.ListSessions(context.Background(), 10)
		return err == nil && len(sessions) == 1 && sessions[0].StopReason == reasonInputClosed
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartFileRejectsUnknownFormat(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audio.FileDecoderCommand = ""
	svc, _ := newTestService(t, cfg, nil, nil, &fakeHost{})
	_, err := svc.StartFile(writeRaw(t, 1))
	assert.ErrorIs(t, err, audio.ErrUnknownFormat)
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	busCfg := config.BusConfig{
		Enabled:        true,
		Embedded:       true,
		Port:           -1,
		StoreDir:       t.TempDir(),
		ConnectTimeout: 2000,
	}
	srv, err := natsserver.Start(busCfg, newLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	busCfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), busCfg, "loqa-stt-test", newLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func request(t *testing.T, conn *nats.Conn, subject string, req any) protocol.ControlReply {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	msg, err := conn.Request(subject, data, 5*time.Second)
	require.NoError(t, err)
	var rep protocol.ControlReply
	require.NoError(t, json.Unmarshal(msg.Data, &rep))
	return rep
}

func TestBusControlAndTranscripts(t *testing.T) {
	client := startBus(t)
	host := &fakeHost{}
	svc, _ := newTestService(t, testConfig(t), client, nil, host)
	require.NoError(t, svc.Start())

	transcripts := make(chan *nats.Msg, 8)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectTranscriptPartial, transcripts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	events := make(chan *nats.Msg, 8)
	evSub, err := client.Conn().ChanSubscribe(protocol.SubjectSessionPrefix+".>", events)
	require.NoError(t, err)
	t.Cleanup(func() { _ = evSub.Unsubscribe() })

	started := request(t, client.Conn(), protocol.SubjectControlStart, protocol.ControlRequest{})
	require.Empty(t, started.Error)
	require.NotEmpty(t, started.SessionID)

	again := request(t, client.Conn(), protocol.SubjectControlStart, protocol.ControlRequest{Device: "Test Mic"})
	assert.Contains(t, again.Error, "already running")

	host.speak(1.5)
	select {
	case msg := <-transcripts:
		var tr protocol.Transcript
		require.NoError(t, json.Unmarshal(msg.Data, &tr))
		assert.Equal(t, started.SessionID, tr.SessionID)
		assert.Equal(t, "hello", tr.Pending)
		require.Len(t, tr.Segments, 1)
		require.NotNil(t, tr.Segments[0].AvgLogprob)
		assert.InDelta(t, -0.2, *tr.Segments[0].AvgLogprob, 1e-9)
	case <-time.After(5 * time.Second):
		t.Fatal("no transcript on the bus")
	}

	stopped := request(t, client.Conn(), protocol.SubjectControlStop, nil)
	assert.Equal(t, started.SessionID, stopped.SessionID)

	var subjects []string
	timeout := time.After(5 * time.Second)
	for len(subjects) < 2 {
		select {
		case msg := <-events:
			subjects = append(subjects, msg.Subject)
		case <-timeout:
			t.Fatalf("missing session events, got %v", subjects)
		}
	}
	assert.Equal(t, []string{protocol.SubjectSessionStarted, protocol.SubjectSessionStopped}, subjects)

	none := request(t, client.Conn(), protocol.SubjectControlStop, nil)
	assert.Contains(t, none.Error, "no active")
}
