package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/decoder"
	"github.com/loqalabs/loqa-stt/internal/dsp"
	"github.com/loqalabs/loqa-stt/internal/runtime"
	"github.com/loqalabs/loqa-stt/internal/stt"
	"github.com/loqalabs/loqa-stt/internal/whisper"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath string
		verbose    bool
		language   string
		translate  bool
		quantized  bool
	)
	fileCmd := flag.NewFlagSet("file", flag.ExitOnError)
	fileCmd.StringVar(&configPath, "config", "", "Path to configuration file")
	fileCmd.BoolVar(&verbose, "verbose", false, "Log each decoded segment")
	fileCmd.StringVar(&language, "language", "", "Language code, e.g. en")
	fileCmd.BoolVar(&translate, "translate", false, "Translate to English instead of transcribing")
	fileCmd.BoolVar(&quantized, "quantized", false, "Use the int8 quantized model variant")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'devices', 'file' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "devices":
		if err := runDevices(os.Stdout, audio.NewPulseHost("loqa-transcribe")); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "file":
		_ = fileCmd.Parse(os.Args[2:])
		if fileCmd.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: loqa-transcribe file [flags] <audio-file>")
			os.Exit(2)
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if language != "" {
			cfg.Decoding.Language = language
		}
		if translate {
			cfg.Decoding.Task = string(decoder.TaskTranslate)
		}
		if quantized {
			cfg.Model.Quantized = true
		}
		cfg.Decoding.Verbose = cfg.Decoding.Verbose || verbose

		level := slog.LevelWarn
		if cfg.Decoding.Verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := runFile(ctx, os.Stdout, cfg, fileCmd.Arg(0), logger); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runDevices(w io.Writer, host audio.Host) error {
	devs, err := host.InputDevices()
	if err != nil {
		return err
	}
	if len(devs) == 0 {
		return audio.ErrNoDevice
	}
	for _, d := range devs {
		marker := " "
		if d.Default {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %s (%d Hz, %d ch, %s)\n", marker, d.Name, d.Format.SampleRate, d.Format.Channels, d.Format.SampleFormat)
	}
	return nil
}

// runFile transcribes a whole file in one pass over its mel spectrogram.
func runFile(ctx context.Context, w io.Writer, cfg config.Config, path string, logger *slog.Logger) error {
	bundle, err := whisper.Load(runtime.ModelPaths(cfg.Model), cfg.Model.Quantized)
	if err != nil {
		return err
	}
	engine, err := decoder.NewEngine(bundle.Model, bundle.Tokenizer, logger)
	if err != nil {
		return err
	}
	samples, err := audio.DecodeFile(ctx, path, audio.FileOptions{DecoderCommand: cfg.Audio.FileDecoderCommand}, logger)
	if err != nil {
		return err
	}
	mel, err := dsp.LogMelSpectrogram(samples, bundle.MelFilters, bundle.Config.NumMelBins)
	if err != nil {
		return err
	}
	segments, err := engine.Run(ctx, mel, stt.DecodeOptions(cfg.Decoding))
	if err != nil {
		return err
	}
	printSegments(w, segments)
	return nil
}

func printSegments(w io.Writer, segments []decoder.Segment) {
	for _, seg := range segments {
		fmt.Fprintf(w, "[%s → %s] %s\n", clock(seg.Start), clock(seg.Start+seg.Duration), strings.TrimSpace(seg.Result.Text))
	}
}

func clock(seconds float64) string {
	total := int(seconds * 1000)
	return fmt.Sprintf("%02d:%02d.%03d", total/60000, (total/1000)%60, total%1000)
}
