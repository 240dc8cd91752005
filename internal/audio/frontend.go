// Package audio turns device callbacks and audio files into fixed-duration
// 16 kHz mono chunks for the streaming recognizer.
package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-stt/internal/dsp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	TargetSampleRate = dsp.SampleRate
	ChunkDuration    = 500 * time.Millisecond
	// QueueCapacity bounds the chunk channel between capture and recognizer.
	QueueCapacity     = 16
	ResampleBlockSize = 1024
	// DropLogEvery is how many further drops accumulate before the queue-full
	// warning is repeated. The first drop is always reported.
	DropLogEvery = 50
)

// Chunk is a run of mono samples at TargetSampleRate. Receivers must not
// modify it.
type Chunk []float32

type SampleFormat int

const (
	SampleFormatUnknown SampleFormat = iota
	SampleFormatF32
	SampleFormatS16
	SampleFormatS24
	SampleFormatU8
)

func (f SampleFormat) String() string {
	switch f {
	case SampleFormatF32:
		return "f32"
	case SampleFormatS16:
		return "s16"
	case SampleFormatS24:
		return "s24"
	case SampleFormatU8:
		return "u8"
	default:
		return "unknown"
	}
}

// Format describes a device stream.
type Format struct {
	SampleRate   int
	Channels     int
	SampleFormat SampleFormat
}

// Options tune the front end; zero values take the package defaults.
type Options struct {
	ChunkDuration time.Duration
	BlockSize     int
}

func (o Options) withDefaults() Options {
	if o.ChunkDuration <= 0 {
		o.ChunkDuration = ChunkDuration
	}
	if o.BlockSize <= 0 {
		o.BlockSize = ResampleBlockSize
	}
	return o
}

// Stats are cumulative counters for one front end.
type Stats struct {
	Emitted        uint64
	Dropped        uint64
	ResampleErrors uint64
}

// FrontEnd downmixes, resamples and chunks device audio. Process is called
// from the device callback; it holds its lock only for buffer bookkeeping,
// never blocks on the consumer and never logs. Drops and resample errors are
// counted and reported by a separate goroutine.
type FrontEnd struct {
	log          *slog.Logger
	channels     int
	chunkSamples int
	resampler    *dsp.StreamResampler
	blockSize    int

	mu      sync.Mutex
	pending []float32
	output  []float32
	out     chan<- Chunk
	closed  bool

	emitted        atomic.Uint64
	dropped        atomic.Uint64
	resampleErrors atomic.Uint64
	lastResample   atomic.Pointer[string]
	metrics        frontEndMetrics

	notify     chan struct{}
	stop       chan struct{}
	reportDone chan struct{}
}

type frontEndMetrics struct {
	emitted        metric.Int64Counter
	dropped        metric.Int64Counter
	resampleErrors metric.Int64Counter
}

func newFrontEndMetrics() (frontEndMetrics, error) {
	meter := otel.Meter("github.com/loqalabs/loqa-stt/internal/audio")
	var (
		m   frontEndMetrics
		err error
	)
	if m.emitted, err = meter.Int64Counter("stt.audio.chunks_emitted"); err != nil {
		return m, err
	}
	if m.dropped, err = meter.Int64Counter("stt.audio.chunks_dropped",
		metric.WithDescription("Chunks discarded because the recognizer queue was full")); err != nil {
		return m, err
	}
	m.resampleErrors, err = meter.Int64Counter("stt.audio.resample_errors")
	return m, err
}

// NewFrontEnd prepares a front end for a device format. Chunks are sent on
// out without blocking.
func NewFrontEnd(format Format, out chan<- Chunk, opts Options, logger *slog.Logger) (*FrontEnd, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("invalid device format %+v", format)
	}
	opts = opts.withDefaults()
	metrics, err := newFrontEndMetrics()
	if err != nil {
		return nil, fmt.Errorf("audio instruments: %w", err)
	}
	f := &FrontEnd{
		log:          logger.With(slog.String("component", "audio_frontend")),
		channels:     format.Channels,
		chunkSamples: int(int64(TargetSampleRate) * int64(opts.ChunkDuration) / int64(time.Second)),
		blockSize:    opts.BlockSize,
		out:          out,
		metrics:      metrics,
		notify:       make(chan struct{}, 1),
		stop:         make(chan struct{}),
		reportDone:   make(chan struct{}),
	}
	if format.SampleRate != TargetSampleRate {
		f.resampler, err = dsp.NewStreamResampler(format.SampleRate, TargetSampleRate, opts.BlockSize, dsp.StreamKernel)
		if err != nil {
			return nil, err
		}
	}
	go f.report()
	return f, nil
}

// Process accepts one interleaved float32 callback buffer.
func (f *FrontEnd) Process(interleaved []float32) {
	mono := dsp.Downmix(interleaved, f.channels)
	if f.resampler == nil {
		f.mu.Lock()
		f.output = append(f.output, mono...)
		f.mu.Unlock()
		f.flush()
		return
	}

	f.mu.Lock()
	f.pending = append(f.pending, mono...)
	f.mu.Unlock()
	for {
		f.mu.Lock()
		if len(f.pending) < f.blockSize {
			f.mu.Unlock()
			break
		}
		block := make([]float32, f.blockSize)
		copy(block, f.pending)
		n := copy(f.pending, f.pending[f.blockSize:])
		f.pending = f.pending[:n]
		f.mu.Unlock()

		resampled, err := f.resampler.Process(block)
		if err != nil {
			msg := err.Error()
			f.lastResample.Store(&msg)
			f.resampleErrors.Add(1)
			f.metrics.resampleErrors.Add(context.Background(), 1)
			f.signal()
			continue
		}
		f.mu.Lock()
		f.output = append(f.output, resampled...)
		f.mu.Unlock()
	}
	f.flush()
}

// ProcessInt16 accepts one interleaved signed 16-bit callback buffer.
func (f *FrontEnd) ProcessInt16(interleaved []int16) {
	f.Process(dsp.Int16ToFloat32(interleaved))
}

func (f *FrontEnd) flush() {
	dropped := false
	for {
		f.mu.Lock()
		if len(f.output) < f.chunkSamples {
			f.mu.Unlock()
			break
		}
		chunk := make(Chunk, f.chunkSamples)
		copy(chunk, f.output)
		n := copy(f.output, f.output[f.chunkSamples:])
		f.output = f.output[:n]
		if !f.publishLocked(chunk) && !f.closed {
			dropped = true
		}
		f.mu.Unlock()
	}
	if dropped {
		f.signal()
	}
}

// signal wakes the reporter without blocking.
func (f *FrontEnd) signal() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// report logs drops and resample errors away from the device callback. Queue
// drops are logged on the first occurrence and then once per DropLogEvery
// further drops; whatever is left is summarized when the front end closes.
func (f *FrontEnd) report() {
	defer close(f.reportDone)
	var droppedLogged, errorsLogged uint64
	logCounts := func(final bool) {
		if d := f.dropped.Load(); d > droppedLogged && (droppedLogged == 0 || final || d-droppedLogged >= DropLogEvery) {
			f.log.Warn("recognizer queue full, dropping chunks",
				slog.Uint64("dropped", d-droppedLogged),
				slog.Uint64("dropped_total", d))
			droppedLogged = d
		}
		if e := f.resampleErrors.Load(); e > errorsLogged {
			attrs := []any{slog.Uint64("failed_blocks", e-errorsLogged)}
			if msg := f.lastResample.Load(); msg != nil {
				attrs = append(attrs, slog.String("error", *msg))
			}
			f.log.Warn("resample failed, blocks discarded", attrs...)
			errorsLogged = e
		}
	}
	for {
		select {
		case <-f.notify:
			logCounts(false)
		case <-f.stop:
			logCounts(true)
			return
		}
	}
}

// publishLocked hands a chunk to the consumer or drops it. The caller holds
// f.mu so Close cannot race the send.
func (f *FrontEnd) publishLocked(chunk Chunk) bool {
	if f.closed {
		return false
	}
	select {
	case f.out <- chunk:
		f.emitted.Add(1)
		f.metrics.emitted.Add(context.Background(), 1)
		return true
	default:
		f.dropped.Add(1)
		f.metrics.dropped.Add(context.Background(), 1)
		return false
	}
}

// Close stops publishing, closes the output channel and waits for the
// reporter to log its final summary.
func (f *FrontEnd) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.out)
	close(f.stop)
	f.mu.Unlock()
	<-f.reportDone
}

func (f *FrontEnd) Stats() Stats {
	return Stats{
		Emitted:        f.emitted.Load(),
		Dropped:        f.dropped.Load(),
		ResampleErrors: f.resampleErrors.Load(),
	}
}

// ChunkSamples is the number of samples in every emitted chunk.
func (f *FrontEnd) ChunkSamples() int {
	return f.chunkSamples
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
