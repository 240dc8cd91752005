package whisper

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/loqalabs/loqa-stt/internal/dsp"
	"github.com/loqalabs/loqa-stt/internal/tensor"
)

var ErrModelLoad = errors.New("whisper: model load failed")

// Model is the encoder-decoder contract the decoding engine drives.
// Implementations keep per-utterance cross-attention state and are not safe
// for concurrent use.
type Model interface {
	Config() Config
	EncoderForward(mel *tensor.Matrix, flush bool) (*tensor.Matrix, error)
	DecoderForward(tokens []int, audio *tensor.Matrix, flush bool) (*tensor.Matrix, error)
	FinalLinear(hidden *tensor.Matrix) (*tensor.Matrix, error)
}

// Standard keeps every projection in float32.
type Standard struct {
	*network
}

// Quantized stores projections as 8-bit blocks with float32 scales.
type Quantized struct {
	*network
}

var (
	_ Model = (*Standard)(nil)
	_ Model = (*Quantized)(nil)
)

// LoadStandard reads float weights from a safetensors file.
func LoadStandard(cfg Config, weightsPath string) (*Standard, error) {
	w, err := openWeights(weightsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	net, err := buildNetwork(cfg, w, newDense)
	if err != nil {
		return nil, err
	}
	return &Standard{network: net}, nil
}

// LoadQuantized reads float weights and quantizes every projection.
func LoadQuantized(cfg Config, weightsPath string) (*Quantized, error) {
	w, err := openWeights(weightsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	net, err := buildNetwork(cfg, w, newQ8)
	if err != nil {
		return nil, err
	}
	return &Quantized{network: net}, nil
}

// Paths locates the files that make up a model bundle.
type Paths struct {
	Config     string
	Weights    string
	Tokenizer  string
	MelFilters string
}

// DirPaths returns the conventional file names inside one model directory.
// MelFilters is left empty and resolved from the mel bin count at load time.
func DirPaths(dir string) Paths {
	return Paths{
		Config:    filepath.Join(dir, "config.json"),
		Weights:   filepath.Join(dir, "model.safetensors"),
		Tokenizer: filepath.Join(dir, "tokenizer.json"),
	}
}

func melFiltersName(nMels int) string {
	if nMels == 128 {
		return "melfilters128.bytes"
	}
	return "melfilters.bytes"
}

// Bundle is everything the recognizer needs from disk.
type Bundle struct {
	Config     Config
	Model      Model
	Tokenizer  *Tokenizer
	MelFilters []float32
}

// Load reads a complete bundle synchronously.
func Load(paths Paths, quantized bool) (*Bundle, error) {
	cfg, err := LoadConfig(paths.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	tok, err := LoadTokenizer(paths.Tokenizer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	if paths.MelFilters == "" {
		paths.MelFilters = filepath.Join(filepath.Dir(paths.Config), melFiltersName(cfg.NumMelBins))
	}
	filters, err := dsp.LoadMelFilters(paths.MelFilters, cfg.NumMelBins)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelLoad, err)
	}
	var model Model
	if quantized {
		model, err = LoadQuantized(cfg, paths.Weights)
	} else {
		model, err = LoadStandard(cfg, paths.Weights)
	}
	if err != nil {
		return nil, err
	}
	return &Bundle{Config: cfg, Model: model, Tokenizer: tok, MelFilters: filters}, nil
}

// LoadResult is delivered once by LoadAsync.
type LoadResult struct {
	Bundle *Bundle
	Err    error
}

// LoadAsync loads the bundle on its own goroutine. The returned channel
// yields exactly one result and is then closed.
func LoadAsync(paths Paths, quantized bool) <-chan LoadResult {
	ch := make(chan LoadResult, 1)
	go func() {
		defer close(ch)
		b, err := Load(paths, quantized)
		ch <- LoadResult{Bundle: b, Err: err}
	}()
	return ch
}
