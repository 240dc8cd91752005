package stt

import (
	"time"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/decoder"
	"github.com/loqalabs/loqa-stt/internal/stream"
)

// DecodeOptions maps the decoding section onto per-call engine options.
func DecodeOptions(cfg config.DecodingConfig) decoder.Options {
	opts := decoder.Options{
		Task:       decoder.Task(cfg.Task),
		Language:   cfg.Language,
		Timestamps: cfg.Timestamps,
		Verbose:    cfg.Verbose,
		Seed:       cfg.Seed,
	}
	if cfg.MaxInitialTimestampIndex != nil {
		idx := *cfg.MaxInitialTimestampIndex
		opts.MaxInitialTimestampIndex = &idx
	}
	return opts
}

func captureOptions(cfg config.AudioConfig, device string) audio.CaptureOptions {
	return audio.CaptureOptions{
		Device:        device,
		QueueCapacity: cfg.QueueCapacity,
		FrontEnd: audio.Options{
			ChunkDuration: time.Duration(cfg.ChunkDurationMS) * time.Millisecond,
			BlockSize:     cfg.ResampleBlockSize,
		},
	}
}

func streamOptions(cfg config.Config, sessionID string) (stream.Options, error) {
	stab, err := stream.NewStabilizer(cfg.Streaming.Stabilizer)
	if err != nil {
		return stream.Options{}, err
	}
	return stream.Options{
		SessionID:    sessionID,
		Window:       time.Duration(cfg.Streaming.WindowSeconds) * time.Second,
		MinAudio:     time.Duration(cfg.Streaming.MinAudioMS) * time.Millisecond,
		PollInterval: time.Duration(cfg.Streaming.PollIntervalMS) * time.Millisecond,
		Decode:       DecodeOptions(cfg.Decoding),
		Stabilizer:   stab,
	}, nil
}
