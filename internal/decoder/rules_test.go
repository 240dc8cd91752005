package decoder

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isNegInf(v float32) bool {
	return math.IsInf(float64(v), -1)
}

func TestTimestampMassMasksText(t *testing.T) {
	e := newTestEngine(t, speechScript)
	s, err := e.newSession(DefaultOptions())
	require.NoError(t, err)

	// No single timestamp beats the best text token, but their combined mass does.
	logits := make([]float32, testVocab)
	logits[4] = 2
	for i := tokTSBegin; i < testVocab; i++ {
		logits[i] = 1
	}
	s.applyTimestampRules([]int{tokSOT, tokTranscribe, 4}, logits)

	for i := 0; i < tokTSBegin; i++ {
		assert.Truef(t, isNegInf(logits[i]), "token %d should be masked", i)
	}
	for i := tokTSBegin; i < testVocab; i++ {
		assert.Equalf(t, float32(1), logits[i], "timestamp %d should be untouched", i)
	}
}

func TestTextBeatsTimestampMass(t *testing.T) {
	e := newTestEngine(t, speechScript)
	s, err := e.newSession(DefaultOptions())
	require.NoError(t, err)

	logits := make([]float32, testVocab)
	logits[4] = 10
	s.applyTimestampRules([]int{tokSOT, tokTranscribe, 4}, logits)

	assert.Equal(t, float32(10), logits[4])
	for i := 0; i < tokTSBegin; i++ {
		assert.Falsef(t, isNegInf(logits[i]), "token %d should stay unmasked", i)
	}
}
