// Package decoder turns log-mel segments into text with a Whisper model:
// greedy or sampled token decoding under timestamp constraints, a
// temperature fallback ladder, and a segment walker over long inputs.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/loqalabs/loqa-stt/internal/tensor"
	"github.com/loqalabs/loqa-stt/internal/whisper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// ContextSeconds is the audio span the model attends to at once.
	ContextSeconds = 30

	NoSpeechThreshold         = 0.6
	LogprobThreshold          = -1.0
	CompressionRatioThreshold = 2.4
)

// Temperatures is the fallback ladder tried in order.
var Temperatures = []float64{0.0, 0.2, 0.4, 0.6, 0.8, 1.0}

var (
	ErrRunAborted     = errors.New("decoder: run aborted")
	ErrUnknownTask    = errors.New("decoder: unknown task")
	ErrUnknownLang    = errors.New("decoder: unknown language")
	ErrMissingSpecial = errors.New("decoder: tokenizer lacks a required special token")
)

type Task string

const (
	TaskTranscribe Task = "transcribe"
	TaskTranslate  Task = "translate"
)

// Options are passed explicitly on every call.
type Options struct {
	Task       Task
	Language   string
	Timestamps bool
	Verbose    bool
	// MaxInitialTimestampIndex bounds the first timestamp, in timestamp steps.
	MaxInitialTimestampIndex *int
	Seed                     uint64
}

// DefaultOptions transcribes with timestamps and auto language.
func DefaultOptions() Options {
	return Options{Task: TaskTranscribe, Timestamps: true, Seed: 299792458}
}

// DecodingResult is one decoded segment.
type DecodingResult struct {
	Tokens       []int
	Text         string
	AvgLogprob   float64
	NoSpeechProb float64
	Temperature  float64
	// CompressionRatio is NaN when the text is empty.
	CompressionRatio float64
}

// Segment places a DecodingResult on the input timeline, in seconds.
type Segment struct {
	Start    float64
	Duration float64
	Result   DecodingResult
}

// Tokenizer is the subset of the vocabulary the engine needs.
type Tokenizer interface {
	TokenID(token string) (int, bool)
	Decode(ids []int, skipSpecial bool) (string, error)
}

type specialTokens struct {
	sot, eot       int
	transcribe     int
	translate      int
	noTimestamps   int
	noSpeech       int
	timestampBegin int
}

type attemptFunc func(s *session, ctx context.Context, mel *tensor.Matrix, temperature float64) (DecodingResult, error)

// Engine owns a model and tokenizer. Calls are serialized because the model
// keeps cross-attention state between steps.
type Engine struct {
	model   whisper.Model
	tok     Tokenizer
	cfg     whisper.Config
	special specialTokens
	log     *slog.Logger

	mu      sync.Mutex
	attempt attemptFunc

	tracer  trace.Tracer
	metrics instruments
}

type instruments struct {
	duration  metric.Float64Histogram
	segments  metric.Int64Counter
	fallbacks metric.Int64Counter
}

func newInstruments(m metric.Meter) (instruments, error) {
	var (
		inst instruments
		err  error
	)
	inst.duration, err = m.Float64Histogram("stt.decode.duration",
		metric.WithDescription("Wall time spent decoding one mel segment"),
		metric.WithUnit("s"))
	if err != nil {
		return inst, err
	}
	inst.segments, err = m.Int64Counter("stt.decode.segments",
		metric.WithDescription("Segments kept after silence filtering"))
	if err != nil {
		return inst, err
	}
	inst.fallbacks, err = m.Int64Counter("stt.decode.fallbacks",
		metric.WithDescription("Decode attempts rejected by the quality thresholds"))
	return inst, err
}

// NewEngine resolves the special tokens and prepares the engine.
func NewEngine(model whisper.Model, tok Tokenizer, logger *slog.Logger) (*Engine, error) {
	lookup := func(name string) (int, error) {
		id, ok := tok.TokenID(name)
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrMissingSpecial, name)
		}
		return id, nil
	}
	var (
		sp  specialTokens
		err error
	)
	if sp.sot, err = lookup(whisper.TokenSOT); err != nil {
		return nil, err
	}
	if sp.eot, err = lookup(whisper.TokenEOT); err != nil {
		return nil, err
	}
	if sp.transcribe, err = lookup(whisper.TokenTranscribe); err != nil {
		return nil, err
	}
	if sp.translate, err = lookup(whisper.TokenTranslate); err != nil {
		return nil, err
	}
	if sp.noTimestamps, err = lookup(whisper.TokenNoTimestamps); err != nil {
		return nil, err
	}
	sp.noSpeech = -1
	for _, name := range whisper.TokenNoSpeech {
		if id, ok := tok.TokenID(name); ok {
			sp.noSpeech = id
			break
		}
	}
	if sp.noSpeech < 0 {
		return nil, fmt.Errorf("%w: no-speech marker", ErrMissingSpecial)
	}
	sp.timestampBegin = sp.noTimestamps + 1

	inst, err := newInstruments(otel.Meter("github.com/loqalabs/loqa-stt/internal/decoder"))
	if err != nil {
		return nil, fmt.Errorf("decoder instruments: %w", err)
	}

	e := &Engine{
		model:   model,
		tok:     tok,
		cfg:     model.Config(),
		special: sp,
		log:     logger.With(slog.String("component", "decoder")),
		tracer:  otel.Tracer("github.com/loqalabs/loqa-stt/internal/decoder"),
		metrics: inst,
	}
	e.attempt = (*session).decode
	return e, nil
}

// Decode runs one decoding attempt at a fixed temperature.
func (e *Engine) Decode(ctx context.Context, mel *tensor.Matrix, temperature float64, opts Options) (DecodingResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.newSession(opts)
	if err != nil {
		return DecodingResult{}, err
	}
	return e.attempt(s, ctx, mel, temperature)
}

// DecodeWithFallback walks the temperature ladder until a result passes the
// quality thresholds. The last attempt is returned as-is.
func (e *Engine) DecodeWithFallback(ctx context.Context, mel *tensor.Matrix, opts Options) (DecodingResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.newSession(opts)
	if err != nil {
		return DecodingResult{}, err
	}
	return s.decodeWithFallback(ctx, mel)
}

// Run walks a long mel input in model-context segments and returns the
// segments that are not classified as silence.
func (e *Engine) Run(ctx context.Context, mel *tensor.Matrix, opts Options) ([]Segment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.newSession(opts)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, mel)
}

func (e *Engine) newSession(opts Options) (*session, error) {
	var task int
	switch opts.Task {
	case TaskTranscribe, "":
		task = e.special.transcribe
	case TaskTranslate:
		task = e.special.translate
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, opts.Task)
	}
	prefix := []int{e.special.sot}
	if opts.Language != "" {
		id, ok := e.tok.TokenID("<|" + opts.Language + "|>")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownLang, opts.Language)
		}
		prefix = append(prefix, id)
	}
	prefix = append(prefix, task)
	sampleBegin := len(prefix)
	if !opts.Timestamps {
		prefix = append(prefix, e.special.noTimestamps)
	}

	suppress := make([]float32, e.cfg.VocabSize)
	ninf := float32(math.Inf(-1))
	for _, id := range e.cfg.SuppressTokens {
		if id >= 0 && id < len(suppress) {
			suppress[id] = ninf
		}
	}
	if opts.Timestamps && e.special.noTimestamps < len(suppress) {
		suppress[e.special.noTimestamps] = ninf
	}

	return &session{
		e:           e,
		opts:        opts,
		prefix:      prefix,
		sampleBegin: sampleBegin,
		suppress:    suppress,
		rng:         newSampler(opts.Seed),
	}, nil
}
