package decoder

import (
	"bytes"
	"math"

	"github.com/klauspost/compress/zlib"
	"github.com/loqalabs/loqa-stt/internal/tensor"
)

// applyTimestampRules masks logits in place so that timestamps come in
// pairs, never go backwards, open every segment, and win over text when the
// model is more confident about timing than content.
func (s *session) applyTimestampRules(tokens []int, logits []float32) {
	tsBegin := s.e.special.timestampBegin
	eot := s.e.special.eot
	vocab := len(logits)
	ninf := float32(math.Inf(-1))

	var sampled []int
	if len(tokens) > s.sampleBegin {
		sampled = tokens[s.sampleBegin:]
	}
	if n := len(sampled); n > 0 {
		lastTS := sampled[n-1] >= tsBegin
		penultTS := n >= 2 && sampled[n-2] >= tsBegin
		if lastTS {
			if penultTS {
				maskRange(logits, tsBegin, vocab)
			} else {
				maskRange(logits, 0, eot)
			}
		}

		lastSeen := -1
		for _, t := range sampled {
			if t >= tsBegin {
				lastSeen = t
			}
		}
		if lastSeen >= 0 {
			floor := lastSeen + 1
			if lastTS && !penultTS {
				floor = lastSeen
			}
			maskRange(logits, tsBegin, min(floor, vocab))
		}
	}

	if len(tokens) == s.sampleBegin {
		maskRange(logits, 0, tsBegin)
		if idx := s.opts.MaxInitialTimestampIndex; idx != nil {
			lastAllowed := tsBegin + *idx
			if lastAllowed < vocab {
				maskRange(logits, lastAllowed+1, vocab)
			}
		}
	}

	if tsBegin >= vocab {
		return
	}
	logprobs := tensor.LogSoftmax(logits)
	tsMass := tensor.LogSumExp(logprobs[tsBegin:])
	maxText := math.Inf(-1)
	for _, lp := range logprobs[:tsBegin] {
		maxText = math.Max(maxText, float64(lp))
	}
	if tsMass > maxText {
		for i := 0; i < tsBegin; i++ {
			logits[i] = ninf
		}
	}
}

func maskRange(logits []float32, from, to int) {
	ninf := float32(math.Inf(-1))
	for i := max(from, 0); i < to && i < len(logits); i++ {
		logits[i] = ninf
	}
}

// applyMask adds an additive mask (0 or -Inf per id) in place.
func applyMask(logits, mask []float32) {
	for i := range logits {
		if i < len(mask) {
			logits[i] += mask[i]
		}
	}
}

// CompressionRatio is the UTF-8 length of text over its zlib-compressed
// length. Highly repetitive hallucinations compress well and score high.
func CompressionRatio(text string) float64 {
	if text == "" {
		return math.NaN()
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write([]byte(text)); err != nil {
		return math.NaN()
	}
	if err := w.Close(); err != nil {
		return math.NaN()
	}
	return float64(len(text)) / float64(buf.Len())
}
