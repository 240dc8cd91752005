// Package stt runs dictation sessions: it opens a capture device or replays a
// file, drives a streaming controller per session, and forwards transcripts
// to the UI channel and the bus.
package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/bus"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stt/internal/protocol"
	"github.com/loqalabs/loqa-stt/internal/stream"
	"github.com/nats-io/nats.go"
)

var (
	ErrNotReady      = errors.New("stt: model not loaded")
	ErrSessionActive = errors.New("stt: a dictation session is already running")
	ErrNoSession     = errors.New("stt: no active dictation session")
)

const (
	// UIBufferSize bounds the local results channel; updates beyond it are
	// dropped rather than stalling the recognizer.
	UIBufferSize = 32

	sessionEventMaxAge = 24 * time.Hour

	reasonStopped     = "stopped"
	reasonInputClosed = "input closed"
	reasonShutdown    = "shutdown"
)

type Service struct {
	cfg   config.Config
	bus   *bus.Client
	store *eventstore.Store
	host  audio.Host
	log   *slog.Logger

	mu      sync.Mutex
	engine  stream.Transcriber
	filters []float32
	nMels   int
	active  *session

	results   chan stream.Result
	ctx       context.Context
	cancel    context.CancelFunc
	subs      []*nats.Subscription
	wg        sync.WaitGroup
	closing   atomic.Bool
	closeOnce sync.Once
	newID     func() string
}

type session struct {
	id        string
	source    string
	device    string
	file      string
	handle    *stream.Handle
	stopInput func() error
	done      chan struct{}
	stopped   atomic.Bool
}

// NewService prepares the dictation service. busClient and store may be nil.
func NewService(parent context.Context, cfg config.Config, busClient *bus.Client, store *eventstore.Store, host audio.Host, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		bus:     busClient,
		store:   store,
		host:    host,
		log:     logger.With(slog.String("component", "stt")),
		results: make(chan stream.Result, UIBufferSize),
		ctx:     ctx,
		cancel:  cancel,
		newID:   func() string { return uuid.NewString() },
	}
}

// SetEngine installs the loaded recognizer. Sessions can start afterwards.
func (s *Service) SetEngine(tr stream.Transcriber, filters []float32, nMels int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine = tr
	s.filters = filters
	s.nMels = nMels
}

// Start subscribes to the control subjects when a bus is configured.
func (s *Service) Start() error {
	if s.bus == nil {
		return nil
	}
	if err := s.bus.EnsureStream(protocol.StreamSessions, []string{protocol.SubjectSessionPrefix + ".>"}, sessionEventMaxAge); err != nil {
		s.log.Warn("session event stream unavailable", slogError(err))
	}
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectControlStart: s.handleStart,
		protocol.SubjectControlStop:  s.handleStop,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// Close aborts the active session without a final decode and waits for it
// to be torn down.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		for _, sub := range s.subs {
			_ = sub.Drain()
		}
		s.mu.Lock()
		sess := s.active
		s.mu.Unlock()
		if sess != nil {
			sess.handle.Stop()
			<-sess.done
		}
		s.cancel()
		s.wg.Wait()
		close(s.results)
	})
}

// Healthy reports whether the recognizer is loaded.
func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine != nil
}

// Results is the local UI channel. It is closed by Close.
func (s *Service) Results() <-chan stream.Result {
	return s.results
}

// Active returns the running session id, if any.
func (s *Service) Active() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return "", false
	}
	return s.active.id, true
}

func (s *Service) checkStartLocked() error {
	if s.closing.Load() {
		return context.Canceled
	}
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	if s.engine == nil {
		return ErrNotReady
	}
	if s.active != nil {
		return ErrSessionActive
	}
	return nil
}

// StartDictation captures from device, or the default input when empty.
func (s *Service) StartDictation(device string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkStartLocked(); err != nil {
		return "", err
	}

	capture, err := audio.StartCapture(s.host, captureOptions(s.cfg.Audio, device), s.log)
	if err != nil {
		s.appendEvent(eventstore.Event{Type: eventstore.EventCaptureError, Payload: []byte(err.Error())})
		return "", fmt.Errorf("start capture: %w", err)
	}
	sess := &session{
		id:        s.newID(),
		source:    protocol.SourceMicrophone,
		device:    capture.Device().Name,
		stopInput: capture.Stop,
	}
	if err := s.launchLocked(sess, capture.Chunks()); err != nil {
		_ = capture.Stop()
		return "", err
	}
	return sess.id, nil
}

// StartFile decodes path and replays it through the streaming path.
func (s *Service) StartFile(path string) (string, error) {
	s.mu.Lock()
	err := s.checkStartLocked()
	s.mu.Unlock()
	if err != nil {
		return "", err
	}

	samples, err := audio.DecodeFile(s.ctx, path, audio.FileOptions{DecoderCommand: s.cfg.Audio.FileDecoderCommand}, s.log)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkStartLocked(); err != nil {
		return "", err
	}

	chunks := make(chan audio.Chunk, s.cfg.Audio.QueueCapacity)
	playCtx, stopPlayback := context.WithCancel(s.ctx)
	sess := &session{
		id:     s.newID(),
		source: protocol.SourceFile,
		file:   path,
		stopInput: func() error {
			stopPlayback()
			return nil
		},
	}
	if err := s.launchLocked(sess, chunks); err != nil {
		stopPlayback()
		return "", err
	}

	pace := time.Duration(s.cfg.Audio.PlaybackPaceMS) * time.Millisecond
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := audio.PlayFile(playCtx, samples, chunks, pace); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("file playback failed", slog.String("session_id", sess.id), slogError(err))
		}
	}()
	return sess.id, nil
}

func (s *Service) launchLocked(sess *session, chunks <-chan audio.Chunk) error {
	opts, err := streamOptions(s.cfg, sess.id)
	if err != nil {
		return err
	}
	ctrl, err := stream.NewController(s.engine, s.filters, s.nMels, chunks, opts, s.log)
	if err != nil {
		return fmt.Errorf("create controller: %w", err)
	}
	sess.handle = ctrl.Start(s.ctx)
	sess.done = make(chan struct{})
	s.active = sess
	s.recordStart(sess)

	s.wg.Add(1)
	go s.forward(sess)
	return nil
}

// forward relays one session's results until its controller exits, then
// releases the input and records the stop.
func (s *Service) forward(sess *session) {
	defer s.wg.Done()
	defer close(sess.done)

	for res := range sess.handle.Results() {
		s.publish(res)
	}

	reason := reasonInputClosed
	switch {
	case sess.stopped.Load():
		reason = reasonStopped
	case s.closing.Load(), s.ctx.Err() != nil:
		reason = reasonShutdown
	}
	if err := sess.stopInput(); err != nil {
		s.log.Warn("release audio input failed", slog.String("session_id", sess.id), slogError(err))
	}

	s.mu.Lock()
	if s.active == sess {
		s.active = nil
	}
	s.mu.Unlock()
	s.recordStop(sess, reason)
}

// StopDictation ends the active session after its final decode and returns
// its id.
func (s *Service) StopDictation() (string, error) {
	s.mu.Lock()
	sess := s.active
	s.mu.Unlock()
	if sess == nil {
		return "", ErrNoSession
	}
	sess.stopped.Store(true)
	if err := sess.stopInput(); err != nil {
		s.log.Warn("stop audio input failed", slog.String("session_id", sess.id), slogError(err))
	}
	<-sess.done
	return sess.id, nil
}

func (s *Service) publish(res stream.Result) {
	select {
	case s.results <- res:
	default:
		s.log.Debug("ui channel full, dropping transcript", slog.String("session_id", res.SessionID))
	}
	if s.bus == nil {
		return
	}
	if err := s.bus.PublishJSON(protocol.SubjectTranscriptPartial, toTranscript(res)); err != nil {
		s.log.Warn("failed to publish transcript", slogError(err))
	}
}

func toTranscript(res stream.Result) protocol.Transcript {
	msg := protocol.Transcript{
		SessionID: res.SessionID,
		Pending:   res.Pending,
		Confirmed: res.Confirmed,
		Timestamp: res.Timestamp,
	}
	for _, seg := range res.Segments {
		msg.Segments = append(msg.Segments, protocol.SegmentInfo{
			Start:            seg.Start,
			Duration:         seg.Duration,
			Text:             seg.Result.Text,
			AvgLogprob:       protocol.Finite(seg.Result.AvgLogprob),
			NoSpeechProb:     protocol.Finite(seg.Result.NoSpeechProb),
			Temperature:      seg.Result.Temperature,
			CompressionRatio: protocol.Finite(seg.Result.CompressionRatio),
		})
	}
	return msg
}

func (s *Service) recordStart(sess *session) {
	s.log.Info("dictation started",
		slog.String("session_id", sess.id),
		slog.String("source", sess.source),
		slog.String("device", sess.device),
		slog.String("file", sess.file))
	if s.store != nil {
		err := s.store.BeginSession(s.ctx, eventstore.Session{ID: sess.id, Source: sess.source, Device: sess.device, File: sess.file})
		if err != nil {
			s.log.Warn("record session start failed", slogError(err))
		}
	}
	s.publishEvent(protocol.SubjectSessionStarted, protocol.SessionEvent{
		SessionID: sess.id,
		Source:    sess.source,
		Device:    sess.device,
		File:      sess.file,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) recordStop(sess *session, reason string) {
	s.log.Info("dictation stopped", slog.String("session_id", sess.id), slog.String("reason", reason))
	if s.store != nil {
		// The service context may already be cancelled during shutdown.
		if err := s.store.EndSession(context.Background(), sess.id, reason); err != nil {
			s.log.Warn("record session stop failed", slogError(err))
		}
	}
	s.publishEvent(protocol.SubjectSessionStopped, protocol.SessionEvent{
		SessionID: sess.id,
		Source:    sess.source,
		Device:    sess.device,
		File:      sess.file,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) appendEvent(evt eventstore.Event) {
	if s.store == nil {
		return
	}
	if err := s.store.AppendEvent(s.ctx, evt); err != nil {
		s.log.Warn("record event failed", slog.String("type", evt.Type), slogError(err))
	}
}

func (s *Service) publishEvent(subject string, evt protocol.SessionEvent) {
	if s.bus == nil {
		return
	}
	if err := s.bus.PublishJSON(subject, evt); err != nil {
		s.log.Warn("failed to publish session event", slogError(err))
	}
}

func (s *Service) handleStart(msg *nats.Msg) {
	var req protocol.ControlRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.reply(msg, protocol.ControlReply{Error: fmt.Sprintf("decode control request: %v", err)})
			return
		}
	}
	var (
		id  string
		err error
	)
	if req.File != "" {
		id, err = s.StartFile(req.File)
	} else {
		id, err = s.StartDictation(req.Device)
	}
	if err != nil {
		s.log.Warn("control start rejected", slogError(err))
		s.reply(msg, protocol.ControlReply{Error: err.Error()})
		return
	}
	s.reply(msg, protocol.ControlReply{SessionID: id})
}

func (s *Service) handleStop(msg *nats.Msg) {
	id, err := s.StopDictation()
	if err != nil {
		s.reply(msg, protocol.ControlReply{Error: err.Error()})
		return
	}
	s.reply(msg, protocol.ControlReply{SessionID: id})
}

func (s *Service) reply(msg *nats.Msg, rep protocol.ControlReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(rep)
	if err != nil {
		s.log.Warn("failed to marshal control reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to send control reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
