package stream

import (
	"fmt"
	"strings"
)

const (
	StabilizerNone           = "none"
	StabilizerLocalAgreement = "local_agreement"
)

// Stabilizer derives the confirmed part of a transcript from successive
// hypotheses over the same window.
type Stabilizer interface {
	Confirm(hypothesis string) string
}

func NewStabilizer(name string) (Stabilizer, error) {
	switch name {
	case "", StabilizerNone:
		return noConfirmation{}, nil
	case StabilizerLocalAgreement:
		return &LocalAgreement{}, nil
	default:
		return nil, fmt.Errorf("unknown stabilizer %q", name)
	}
}

type noConfirmation struct{}

func (noConfirmation) Confirm(string) string { return "" }

// LocalAgreement confirms the longest word prefix shared by the last two
// hypotheses.
type LocalAgreement struct {
	previous []string
}

func (l *LocalAgreement) Confirm(hypothesis string) string {
	words := strings.Fields(hypothesis)
	n := 0
	for n < len(words) && n < len(l.previous) && words[n] == l.previous[n] {
		n++
	}
	l.previous = words
	return strings.Join(words[:n], " ")
}
