package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
	"github.com/loqalabs/loqa-stt/internal/dsp"
	"github.com/mattn/go-shellwords"
	"github.com/mewkiz/flac"
)

var ErrUnknownFormat = errors.New("audio: unknown file format")

// FileOptions configure DecodeFile.
type FileOptions struct {
	// DecoderCommand runs for containers none of the built-in decoders
	// understand. "{input}" is replaced by the file path; the command must
	// write raw little-endian float32 mono 16 kHz samples to stdout.
	DecoderCommand string
}

type container int

const (
	containerUnknown container = iota
	containerWAV
	containerOgg
	containerFLAC
	containerMP3
)

func (c container) String() string {
	switch c {
	case containerWAV:
		return "wav"
	case containerOgg:
		return "ogg"
	case containerFLAC:
		return "flac"
	case containerMP3:
		return "mp3"
	default:
		return "unknown"
	}
}

// pcm is decoded audio before resampling.
type pcm struct {
	samples    []float32
	sampleRate int
}

// DecodeFile decodes an audio file to mono float32 at TargetSampleRate. A
// failing packet ends decoding: it is logged and the samples read so far,
// possibly none, are returned.
func DecodeFile(ctx context.Context, path string, opts FileOptions, logger *slog.Logger) ([]float32, error) {
	log := logger.With(slog.String("component", "file_decoder"), slog.String("path", path))

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	kind, err := sniff(f, path)
	if err != nil {
		return nil, err
	}

	var decoded pcm
	switch kind {
	case containerWAV:
		decoded, err = decodeWAV(f, log)
	case containerOgg:
		decoded, err = decodeOgg(f, log)
	case containerFLAC:
		decoded, err = decodeFLAC(f, log)
	case containerMP3:
		decoded, err = decodeMP3(f, log)
	default:
		if strings.TrimSpace(opts.DecoderCommand) == "" {
			return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, filepath.Base(path))
		}
		decoded, err = decodeExec(ctx, opts.DecoderCommand, path)
	}
	if err != nil {
		return nil, err
	}

	log.Debug("file decoded",
		slog.String("container", kind.String()),
		slog.Int("sample_rate", decoded.sampleRate),
		slog.Int("samples", len(decoded.samples)))

	if decoded.sampleRate == TargetSampleRate {
		return decoded.samples, nil
	}
	out, err := dsp.Resample(decoded.samples, decoded.sampleRate, TargetSampleRate)
	if err != nil {
		return nil, fmt.Errorf("resample %d Hz: %w", decoded.sampleRate, err)
	}
	return out, nil
}

// sniff checks the first bytes, falling back to the file extension.
func sniff(r io.ReadSeeker, path string) (container, error) {
	head := make([]byte, 12)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return containerUnknown, fmt.Errorf("read audio header: %w", err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return containerUnknown, fmt.Errorf("rewind audio file: %w", err)
	}
	head = head[:n]

	switch {
	case len(head) >= 12 && bytes.Equal(head[:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WAVE")):
		return containerWAV, nil
	case bytes.HasPrefix(head, []byte("OggS")):
		return containerOgg, nil
	case bytes.HasPrefix(head, []byte("fLaC")):
		return containerFLAC, nil
	case bytes.HasPrefix(head, []byte("ID3")):
		return containerMP3, nil
	case len(head) >= 2 && head[0] == 0xFF && head[1]&0xE0 == 0xE0:
		return containerMP3, nil
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".wave":
		return containerWAV, nil
	case ".ogg", ".oga":
		return containerOgg, nil
	case ".flac":
		return containerFLAC, nil
	case ".mp3":
		return containerMP3, nil
	}
	return containerUnknown, nil
}

const wavBufferFrames = 4096

func decodeWAV(r io.ReadSeeker, log *slog.Logger) (pcm, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return pcm{}, fmt.Errorf("%w: invalid wav header", ErrUnknownFormat)
	}
	if d.WavAudioFormat != 1 {
		return pcm{}, fmt.Errorf("%w: wav encoding %d", ErrUnsupportedFormat, d.WavAudioFormat)
	}
	channels := int(d.NumChans)
	bitDepth := int(d.BitDepth)
	if channels <= 0 || bitDepth <= 0 {
		return pcm{}, fmt.Errorf("%w: wav with %d channels at %d bits", ErrUnsupportedFormat, channels, bitDepth)
	}

	scale := float32(math.Ldexp(1, bitDepth-1))
	var offset float32
	if bitDepth == 8 {
		// 8-bit WAV is unsigned.
		offset = scale
	}

	buf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: channels, SampleRate: int(d.SampleRate)},
		Data:   make([]int, wavBufferFrames*channels),
	}
	var out []float32
	interleaved := make([]float32, 0, len(buf.Data))
	for {
		n, err := d.PCMBuffer(buf)
		if n > 0 {
			interleaved = interleaved[:0]
			for _, v := range buf.Data[:n] {
				interleaved = append(interleaved, (float32(v)-offset)/scale)
			}
			out = append(out, dsp.Downmix(interleaved, channels)...)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Warn("wav decode stopped early", slog.Int("samples", len(out)), slogError(err))
			break
		}
		if n == 0 {
			break
		}
	}
	return pcm{samples: out, sampleRate: int(d.SampleRate)}, nil
}

func decodeOgg(r io.Reader, log *slog.Logger) (pcm, error) {
	or, err := oggvorbis.NewReader(r)
	if err != nil {
		return pcm{}, fmt.Errorf("open ogg vorbis: %w", err)
	}
	channels := or.Channels()
	buf := make([]float32, 4096*channels)
	var out []float32
	for {
		n, err := or.Read(buf)
		if n > 0 {
			// Read may return a partial frame only at EOF.
			n -= n % channels
			out = append(out, dsp.Downmix(buf[:n], channels)...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn("ogg decode stopped early", slog.Int("samples", len(out)), slogError(err))
			break
		}
	}
	return pcm{samples: out, sampleRate: or.SampleRate()}, nil
}

func decodeFLAC(r io.Reader, log *slog.Logger) (pcm, error) {
	stream, err := flac.New(r)
	if err != nil {
		return pcm{}, fmt.Errorf("open flac: %w", err)
	}
	defer stream.Close()

	channels := int(stream.Info.NChannels)
	scale := float32(math.Ldexp(1, int(stream.Info.BitsPerSample)-1))
	var out []float32
	for {
		fr, err := stream.ParseNext()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn("flac decode stopped early", slog.Int("samples", len(out)), slogError(err))
			break
		}
		n := int(fr.BlockSize)
		for i := 0; i < n; i++ {
			var sum float32
			for ch := 0; ch < channels && ch < len(fr.Subframes); ch++ {
				sum += float32(fr.Subframes[ch].Samples[i]) / scale
			}
			out = append(out, sum/float32(channels))
		}
	}
	return pcm{samples: out, sampleRate: int(stream.Info.SampleRate)}, nil
}

func decodeMP3(r io.Reader, log *slog.Logger) (pcm, error) {
	d, err := mp3.NewDecoder(r)
	if err != nil {
		return pcm{}, fmt.Errorf("open mp3: %w", err)
	}
	// go-mp3 always yields 16-bit little-endian stereo.
	const frameBytes = 4
	raw := make([]byte, 4096*frameBytes)
	var out []float32
	carry := 0
	for {
		n, err := d.Read(raw[carry:])
		n += carry
		whole := n - n%frameBytes
		for i := 0; i < whole; i += frameBytes {
			left := float32(int16(binary.LittleEndian.Uint16(raw[i:]))) / 32767
			right := float32(int16(binary.LittleEndian.Uint16(raw[i+2:]))) / 32767
			out = append(out, (left+right)/2)
		}
		carry = copy(raw, raw[whole:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn("mp3 decode stopped early", slog.Int("samples", len(out)), slogError(err))
			break
		}
	}
	return pcm{samples: out, sampleRate: d.SampleRate()}, nil
}

// decodeExec runs the external decoder command and reads f32le samples from
// its stdout.
func decodeExec(ctx context.Context, command, path string) (pcm, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return pcm{}, fmt.Errorf("parse decoder command: %w", err)
	}
	if len(args) == 0 {
		return pcm{}, fmt.Errorf("decoder command is empty")
	}
	substituted := false
	for i, a := range args {
		if strings.Contains(a, "{input}") {
			args[i] = strings.ReplaceAll(a, "{input}", path)
			substituted = true
		}
	}
	if !substituted {
		args = append(args, path)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return pcm{}, fmt.Errorf("decoder command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	raw := stdout.Bytes()
	if len(raw)%4 != 0 {
		return pcm{}, fmt.Errorf("decoder output not float32 aligned (%d bytes)", len(raw))
	}
	samples := make([]float32, len(raw)/4)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, samples); err != nil {
		return pcm{}, fmt.Errorf("read decoder output: %w", err)
	}
	return pcm{samples: samples, sampleRate: TargetSampleRate}, nil
}
