// Package stream re-decodes a sliding window of live audio and publishes the
// running transcript.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/decoder"
	"github.com/loqalabs/loqa-stt/internal/dsp"
	"github.com/loqalabs/loqa-stt/internal/tensor"
)

const (
	WindowDuration = 30 * time.Second
	MinAudio       = time.Second
	PollInterval   = 200 * time.Millisecond
	ResultCapacity = 16
)

// Transcriber decodes a whole mel spectrogram. decoder.Engine implements it.
type Transcriber interface {
	Run(ctx context.Context, mel *tensor.Matrix, opts decoder.Options) ([]decoder.Segment, error)
}

// Result is one transcript update for the UI.
type Result struct {
	SessionID string
	Pending   string
	Confirmed string
	Segments  []decoder.Segment
	Timestamp time.Time
}

type Options struct {
	SessionID    string
	Window       time.Duration
	MinAudio     time.Duration
	PollInterval time.Duration
	Decode       decoder.Options
	Stabilizer   Stabilizer
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = WindowDuration
	}
	if o.MinAudio <= 0 {
		o.MinAudio = MinAudio
	}
	if o.PollInterval <= 0 {
		o.PollInterval = PollInterval
	}
	if o.Stabilizer == nil {
		o.Stabilizer = noConfirmation{}
	}
	return o
}

func samplesFor(d time.Duration) int {
	return int(int64(dsp.SampleRate) * int64(d) / int64(time.Second))
}

// Controller owns the window for one dictation session.
type Controller struct {
	transcriber Transcriber
	filters     []float32
	nMels       int
	in          <-chan audio.Chunk
	opts        Options
	log         *slog.Logger
	now         func() time.Time
}

func NewController(tr Transcriber, filters []float32, nMels int, in <-chan audio.Chunk, opts Options, logger *slog.Logger) (*Controller, error) {
	if tr == nil {
		return nil, errors.New("stream: transcriber is required")
	}
	if nMels <= 0 || len(filters) != nMels*(dsp.NFFT/2+1) {
		return nil, fmt.Errorf("stream: mel filters have %d values, want %d", len(filters), nMels*(dsp.NFFT/2+1))
	}
	opts = opts.withDefaults()
	log := logger.With(slog.String("component", "stream"))
	if opts.SessionID != "" {
		log = log.With(slog.String("session_id", opts.SessionID))
	}
	return &Controller{
		transcriber: tr,
		filters:     filters,
		nMels:       nMels,
		in:          in,
		opts:        opts,
		log:         log,
		now:         time.Now,
	}, nil
}

// Handle controls a running controller loop.
type Handle struct {
	results chan Result
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// Results is closed when the loop exits.
func (h *Handle) Results() <-chan Result {
	return h.results
}

// Done is closed when the loop exits.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Stop cancels the loop and waits for it to exit. An in-flight decode is
// abandoned at its next cancellation check.
func (h *Handle) Stop() {
	h.once.Do(h.cancel)
	<-h.done
}

// Start runs the loop on its own goroutine until the input channel closes or
// ctx is cancelled.
func (c *Controller) Start(ctx context.Context) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		results: make(chan Result, ResultCapacity),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		defer close(h.results)
		defer cancel()
		c.loop(ctx, h.results)
	}()
	return h
}

func (c *Controller) loop(ctx context.Context, out chan<- Result) {
	window := NewWindow(samplesFor(c.opts.Window))
	minSamples := samplesFor(c.opts.MinAudio)
	var decodedAt uint64

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		closed := c.drain(window)
		if window.Len() > minSamples && window.Appended() != decodedAt {
			if res, ok := c.cycle(ctx, window); ok {
				decodedAt = window.Appended()
				if res.Pending != "" {
					select {
					case out <- res:
					case <-ctx.Done():
						return
					}
				}
			}
		}
		if closed {
			c.log.Debug("audio input closed")
			return
		}
		timer.Reset(c.opts.PollInterval)
	}
}

// drain moves every queued chunk into the window without blocking and
// reports whether the input has been closed.
func (c *Controller) drain(w *Window) bool {
	for {
		select {
		case chunk, ok := <-c.in:
			if !ok {
				return true
			}
			w.Append(chunk)
		default:
			return false
		}
	}
}

func (c *Controller) cycle(ctx context.Context, w *Window) (Result, bool) {
	start := c.now()
	mel, err := dsp.LogMelSpectrogram(w.Samples(), c.filters, c.nMels)
	if err != nil {
		c.log.Error("mel spectrogram failed", slogError(err))
		return Result{}, false
	}
	segments, err := c.transcriber.Run(ctx, mel, c.opts.Decode)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Error("transcription failed", slogError(err))
		}
		return Result{}, false
	}

	var text strings.Builder
	for _, seg := range segments {
		text.WriteString(seg.Result.Text)
		text.WriteByte(' ')
	}
	pending := strings.TrimSpace(text.String())
	c.log.Debug("window decoded",
		slog.Int("samples", w.Len()),
		slog.Int("segments", len(segments)),
		slog.Duration("elapsed", c.now().Sub(start)))

	res := Result{
		SessionID: c.opts.SessionID,
		Pending:   pending,
		Segments:  segments,
		Timestamp: c.now().UTC(),
	}
	if pending != "" {
		res.Confirmed = c.opts.Stabilizer.Confirm(pending)
	}
	return res, true
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
