package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrNoDevice          = errors.New("audio: no default input device")
	ErrDeviceNotFound    = errors.New("audio: input device not found")
	ErrUnsupportedFormat = errors.New("audio: unsupported sample format")
)

// DeviceInfo describes one input device.
type DeviceInfo struct {
	ID      string
	Name    string
	Format  Format
	Default bool
}

// Sink receives device callbacks. FrontEnd implements it.
type Sink interface {
	Process(interleaved []float32)
	ProcessInt16(interleaved []int16)
}

// InputStream is an open device stream.
type InputStream interface {
	Start() error
	Close() error
}

// Host abstracts the platform audio system.
type Host interface {
	InputDevices() ([]DeviceInfo, error)
	DefaultInputDevice() (DeviceInfo, bool, error)
	OpenInput(dev DeviceInfo, sink Sink) (InputStream, error)
}

// ListDevices returns the names of all input devices.
func ListDevices(h Host) ([]string, error) {
	devs, err := h.InputDevices()
	if err != nil {
		return nil, fmt.Errorf("list input devices: %w", err)
	}
	names := make([]string, 0, len(devs))
	for _, d := range devs {
		names = append(names, d.Name)
	}
	return names, nil
}

// DefaultDeviceName returns the default input device's name.
func DefaultDeviceName(h Host) (string, error) {
	dev, ok, err := h.DefaultInputDevice()
	if err != nil {
		return "", fmt.Errorf("default input device: %w", err)
	}
	if !ok {
		return "", ErrNoDevice
	}
	return dev.Name, nil
}

// CaptureOptions configure StartCapture.
type CaptureOptions struct {
	// Device selects an input by name or id; empty means the default.
	Device        string
	QueueCapacity int
	FrontEnd      Options
}

// Capture is a running device capture. Its chunk channel is closed by Stop.
type Capture struct {
	device   DeviceInfo
	stream   InputStream
	frontEnd *FrontEnd
	chunks   chan Chunk
	log      *slog.Logger

	stopOnce sync.Once
	stopErr  error
}

// StartCapture opens and starts an input device.
func StartCapture(h Host, opts CaptureOptions, logger *slog.Logger) (*Capture, error) {
	dev, err := resolveDevice(h, opts.Device)
	if err != nil {
		return nil, err
	}
	switch dev.Format.SampleFormat {
	case SampleFormatF32, SampleFormatS16:
	default:
		return nil, fmt.Errorf("%w: %s on %q", ErrUnsupportedFormat, dev.Format.SampleFormat, dev.Name)
	}

	capacity := opts.QueueCapacity
	if capacity <= 0 {
		capacity = QueueCapacity
	}
	chunks := make(chan Chunk, capacity)
	fe, err := NewFrontEnd(dev.Format, chunks, opts.FrontEnd, logger)
	if err != nil {
		return nil, err
	}
	stream, err := h.OpenInput(dev, fe)
	if err != nil {
		return nil, fmt.Errorf("open input %q: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start input %q: %w", dev.Name, err)
	}

	log := logger.With(slog.String("component", "capture"), slog.String("device", dev.Name))
	log.Info("capture started",
		slog.Int("sample_rate", dev.Format.SampleRate),
		slog.Int("channels", dev.Format.Channels),
		slog.String("format", dev.Format.SampleFormat.String()))

	return &Capture{
		device:   dev,
		stream:   stream,
		frontEnd: fe,
		chunks:   chunks,
		log:      log,
	}, nil
}

func resolveDevice(h Host, name string) (DeviceInfo, error) {
	if name == "" {
		dev, ok, err := h.DefaultInputDevice()
		if err != nil {
			return DeviceInfo{}, fmt.Errorf("default input device: %w", err)
		}
		if !ok {
			return DeviceInfo{}, ErrNoDevice
		}
		return dev, nil
	}
	devs, err := h.InputDevices()
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("list input devices: %w", err)
	}
	for _, d := range devs {
		if d.Name == name || d.ID == name {
			return d, nil
		}
	}
	return DeviceInfo{}, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
}

// Chunks is the receive side of the recognizer queue.
func (c *Capture) Chunks() <-chan Chunk {
	return c.chunks
}

func (c *Capture) Device() DeviceInfo {
	return c.device
}

func (c *Capture) Stats() Stats {
	return c.frontEnd.Stats()
}

// Stop closes the device stream and then the chunk channel.
func (c *Capture) Stop() error {
	c.stopOnce.Do(func() {
		c.stopErr = c.stream.Close()
		c.frontEnd.Close()
		stats := c.frontEnd.Stats()
		c.log.Info("capture stopped",
			slog.Uint64("chunks_emitted", stats.Emitted),
			slog.Uint64("chunks_dropped", stats.Dropped))
	})
	return c.stopErr
}
