package decoder

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/loqalabs/loqa-stt/internal/tensor"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// session carries the per-call state: options, token prefix, suppression
// mask and the sampling RNG.
type session struct {
	e           *Engine
	opts        Options
	prefix      []int
	sampleBegin int
	suppress    []float32
	rng         *rand.Rand
}

func newSampler(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func (s *session) decode(ctx context.Context, mel *tensor.Matrix, temperature float64) (DecodingResult, error) {
	e := s.e
	audio, err := e.model.EncoderForward(mel, true)
	if err != nil {
		return DecodingResult{}, fmt.Errorf("encoder forward: %w", err)
	}

	sampleLen := e.cfg.MaxTargetPositions / 2
	tokens := append(make([]int, 0, len(s.prefix)+sampleLen), s.prefix...)
	noSpeechProb := math.NaN()
	var sumLogprob float64

	for i := 0; i < sampleLen; i++ {
		if err := ctx.Err(); err != nil {
			return DecodingResult{}, err
		}
		hidden, err := e.model.DecoderForward(tokens, audio, i == 0)
		if err != nil {
			return DecodingResult{}, fmt.Errorf("decoder forward: %w", err)
		}

		if i == 0 {
			first, err := e.model.FinalLinear(hidden.NarrowRows(0, 1))
			if err != nil {
				return DecodingResult{}, fmt.Errorf("final linear: %w", err)
			}
			noSpeechProb = float64(tensor.Softmax(first.Row(0))[e.special.noSpeech])
		}

		last, err := e.model.FinalLinear(hidden.NarrowRows(hidden.Rows-1, 1))
		if err != nil {
			return DecodingResult{}, fmt.Errorf("final linear: %w", err)
		}
		logits := append([]float32(nil), last.Row(0)...)
		if s.opts.Timestamps {
			s.applyTimestampRules(tokens, logits)
		}
		applyMask(logits, s.suppress)

		next := s.sample(logits, temperature)
		tokens = append(tokens, next)
		prob := tensor.Softmax(logits)[next]
		if next == e.special.eot || len(tokens) > e.cfg.MaxTargetPositions {
			break
		}
		sumLogprob += math.Log(float64(prob))
	}

	text, err := e.tok.Decode(tokens, true)
	if err != nil {
		return DecodingResult{}, fmt.Errorf("decode tokens: %w", err)
	}
	return DecodingResult{
		Tokens:           tokens,
		Text:             text,
		AvgLogprob:       sumLogprob / float64(len(tokens)),
		NoSpeechProb:     noSpeechProb,
		Temperature:      temperature,
		CompressionRatio: CompressionRatio(text),
	}, nil
}

// sample picks argmax at temperature zero and otherwise draws from
// softmax(logits / t).
func (s *session) sample(logits []float32, temperature float64) int {
	if temperature <= 0 {
		return tensor.Argmax(logits)
	}
	scaled := make([]float32, len(logits))
	for i, v := range logits {
		scaled[i] = float32(float64(v) / temperature)
	}
	probs := tensor.Softmax(scaled)
	var total float64
	for _, p := range probs {
		total += float64(p)
	}
	r := s.rng.Float64() * total
	fallback := 0
	for i, p := range probs {
		if p <= 0 {
			continue
		}
		fallback = i
		r -= float64(p)
		if r < 0 {
			return i
		}
	}
	return fallback
}

// accepted reports whether a result passes the quality thresholds. A likely
// silent segment is accepted regardless, so the ladder stops early on it.
func accepted(dr DecodingResult) bool {
	if dr.NoSpeechProb > NoSpeechThreshold {
		return true
	}
	// NaN compression ratio compares false and passes
	return !(dr.CompressionRatio > CompressionRatioThreshold || dr.AvgLogprob < LogprobThreshold)
}

func (s *session) decodeWithFallback(ctx context.Context, mel *tensor.Matrix) (DecodingResult, error) {
	e := s.e
	for i, t := range Temperatures {
		dr, err := e.attempt(s, ctx, mel, t)
		if i == len(Temperatures)-1 {
			return dr, err
		}
		if err != nil {
			if ctx.Err() != nil {
				return DecodingResult{}, err
			}
			e.log.Warn("decode attempt failed", slog.Float64("temperature", t), slogError(err))
			continue
		}
		if accepted(dr) {
			return dr, nil
		}
		e.metrics.fallbacks.Add(ctx, 1)
		e.log.Debug("decode attempt rejected",
			slog.Float64("temperature", t),
			slog.Float64("avg_logprob", dr.AvgLogprob),
			slog.Float64("compression_ratio", dr.CompressionRatio))
	}
	// unreachable while Temperatures is non-empty
	return DecodingResult{}, fmt.Errorf("decoder: empty temperature ladder")
}

func (s *session) run(ctx context.Context, mel *tensor.Matrix) ([]Segment, error) {
	e := s.e
	ctx, span := e.tracer.Start(ctx, "decoder.run", trace.WithAttributes(attribute.Int("mel.frames", mel.Cols)))
	defer span.End()

	frameSec := e.cfg.FrameSeconds()
	contextFrames := ContextSeconds * e.cfg.SamplingRate / e.cfg.HopLength
	var segments []Segment
	for seek := 0; seek < mel.Cols; {
		start := float64(seek) * frameSec
		size := min(mel.Cols-seek, contextFrames)
		segMel := mel.NarrowCols(seek, size)
		duration := float64(size) * frameSec

		began := time.Now()
		dr, err := s.decodeWithFallback(ctx, segMel)
		e.metrics.duration.Record(ctx, time.Since(began).Seconds())
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("%w: segment at %.2fs: %w", ErrRunAborted, start, err)
		}
		seek += size

		if dr.NoSpeechProb > NoSpeechThreshold && dr.AvgLogprob < LogprobThreshold {
			e.log.Debug("skipping silent segment",
				slog.Float64("start", start),
				slog.Float64("no_speech_prob", dr.NoSpeechProb))
			continue
		}
		seg := Segment{Start: start, Duration: duration, Result: dr}
		segments = append(segments, seg)
		e.metrics.segments.Add(ctx, 1, metric.WithAttributes(attribute.Bool("timestamps", s.opts.Timestamps)))
		if s.opts.Verbose {
			s.logSegment(seg)
		}
	}
	return segments, nil
}

// logSegment prints the segment split on its timestamp tokens.
func (s *session) logSegment(seg Segment) {
	e := s.e
	if !s.opts.Timestamps {
		e.log.Info("segment",
			slog.Float64("start", seg.Start),
			slog.Float64("end", seg.Start+seg.Duration),
			slog.String("text", seg.Result.Text))
		return
	}
	step := 0.02
	var pending []int
	prev := 0.0
	for _, tok := range seg.Result.Tokens {
		if tok < e.special.timestampBegin {
			if tok < e.special.eot {
				pending = append(pending, tok)
			}
			continue
		}
		ts := float64(tok-e.special.timestampBegin) * step
		if len(pending) > 0 {
			text, err := e.tok.Decode(pending, true)
			if err == nil {
				e.log.Info("segment",
					slog.Float64("start", seg.Start+prev),
					slog.Float64("end", seg.Start+ts),
					slog.String("text", text))
			}
			pending = pending[:0]
		}
		prev = ts
	}
	if len(pending) > 0 {
		if text, err := e.tok.Decode(pending, true); err == nil {
			e.log.Info("segment",
				slog.Float64("start", seg.Start+prev),
				slog.Float64("end", seg.Start+seg.Duration),
				slog.String("text", text))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
