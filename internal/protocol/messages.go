package protocol

import (
	"math"
	"time"
)

// Transcript is one recognizer update broadcast on the bus.
type Transcript struct {
	SessionID string        `json:"session_id"`
	Pending   string        `json:"pending"`
	Confirmed string        `json:"confirmed,omitempty"`
	Segments  []SegmentInfo `json:"segments,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// SegmentInfo carries per-segment timing and confidence. Scores that are
// not finite are omitted.
type SegmentInfo struct {
	Start            float64  `json:"start"`
	Duration         float64  `json:"duration"`
	Text             string   `json:"text"`
	AvgLogprob       *float64 `json:"avg_logprob,omitempty"`
	NoSpeechProb     *float64 `json:"no_speech_prob,omitempty"`
	Temperature      float64  `json:"temperature"`
	CompressionRatio *float64 `json:"compression_ratio,omitempty"`
}

// Finite returns nil for NaN and infinities so the value survives JSON.
func Finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// ControlRequest starts a dictation session. File selects file playback;
// otherwise Device (or the default input) is captured.
type ControlRequest struct {
	Device string `json:"device,omitempty"`
	File   string `json:"file,omitempty"`
}

type ControlReply struct {
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SessionEvent reports dictation lifecycle changes.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Source    string    `json:"source"`
	Device    string    `json:"device,omitempty"`
	File      string    `json:"file,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SourceMicrophone = "microphone"
	SourceFile       = "file"
)

const (
	SubjectControlStart      = "stt.control.start"
	SubjectControlStop       = "stt.control.stop"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectSessionPrefix     = "stt.session"
	SubjectSessionStarted    = SubjectSessionPrefix + ".started"
	SubjectSessionStopped    = SubjectSessionPrefix + ".stopped"

	// StreamSessions retains session lifecycle events for late subscribers.
	StreamSessions = "STT_SESSIONS"
)
