// Package whisper loads Whisper encoder-decoder weights and tokenizers and
// exposes the forward passes the decoding engine drives.
package whisper

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Well-known special token strings.
const (
	TokenSOT          = "<|startoftranscript|>"
	TokenEOT          = "<|endoftext|>"
	TokenTranscribe   = "<|transcribe|>"
	TokenTranslate    = "<|translate|>"
	TokenNoTimestamps = "<|notimestamps|>"
	TokenTimestamp0   = "<|0.00|>"
)

// TokenNoSpeech lists the no-speech marker spellings across model releases.
var TokenNoSpeech = []string{"<|nospeech|>", "<|nocaptions|>"}

// Config mirrors the model configuration shipped next to the weights.
type Config struct {
	VocabSize             int   `json:"vocab_size"`
	NumMelBins            int   `json:"num_mel_bins"`
	DModel                int   `json:"d_model"`
	EncoderLayers         int   `json:"encoder_layers"`
	EncoderAttentionHeads int   `json:"encoder_attention_heads"`
	DecoderLayers         int   `json:"decoder_layers"`
	DecoderAttentionHeads int   `json:"decoder_attention_heads"`
	MaxSourcePositions    int   `json:"max_source_positions"`
	MaxTargetPositions    int   `json:"max_target_positions"`
	EncoderFFNDim         int   `json:"encoder_ffn_dim"`
	DecoderFFNDim         int   `json:"decoder_ffn_dim"`
	SuppressTokens        []int `json:"suppress_tokens"`
	HopLength             int   `json:"hop_length"`
	SamplingRate          int   `json:"sampling_rate"`
}

// LoadConfig reads a JSON model configuration.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read model config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse model config: %w", err)
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.HopLength == 0 {
		c.HopLength = 160
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 16000
	}
	if c.EncoderFFNDim == 0 {
		c.EncoderFFNDim = 4 * c.DModel
	}
	if c.DecoderFFNDim == 0 {
		c.DecoderFFNDim = 4 * c.DModel
	}
	return c
}

func (c Config) validate() error {
	switch {
	case c.VocabSize <= 0:
		return errors.New("model config: vocab_size must be positive")
	case c.NumMelBins <= 0:
		return errors.New("model config: num_mel_bins must be positive")
	case c.DModel <= 0:
		return errors.New("model config: d_model must be positive")
	case c.EncoderAttentionHeads <= 0 || c.DModel%c.EncoderAttentionHeads != 0:
		return errors.New("model config: encoder_attention_heads must divide d_model")
	case c.DecoderAttentionHeads <= 0 || c.DModel%c.DecoderAttentionHeads != 0:
		return errors.New("model config: decoder_attention_heads must divide d_model")
	case c.MaxSourcePositions <= 0 || c.MaxTargetPositions <= 0:
		return errors.New("model config: max positions must be positive")
	}
	return nil
}

// FrameSeconds is the duration covered by one mel frame.
func (c Config) FrameSeconds() float64 {
	return float64(c.HopLength) / float64(c.SamplingRate)
}
