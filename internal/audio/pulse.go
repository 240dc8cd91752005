package audio

import (
	"fmt"
	"strings"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

// PulseHost captures through a PulseAudio (or PipeWire-pulse) server.
type PulseHost struct {
	appName string
}

func NewPulseHost(appName string) *PulseHost {
	if appName == "" {
		appName = "loqa-stt"
	}
	return &PulseHost{appName: appName}
}

func (h *PulseHost) connect() (*pulse.Client, error) {
	c, err := pulse.NewClient(pulse.ClientApplicationName(h.appName))
	if err != nil {
		return nil, fmt.Errorf("connect to pulse: %w", err)
	}
	return c, nil
}

// sourceDevice maps a server source description onto DeviceInfo. Sources
// that are natively 16-bit are recorded as s16; the server converts every
// other native format to float32 for us.
func sourceDevice(info *proto.GetSourceInfoReply, def string) DeviceInfo {
	channels := len(info.ChannelMap)
	if channels == 0 {
		channels = int(info.Channels)
	}
	if channels > 2 {
		channels = 2
	}
	format := SampleFormatF32
	switch info.Format {
	case proto.FormatInt16LE, proto.FormatInt16BE:
		format = SampleFormatS16
	}
	name := info.Device
	if name == "" {
		name = info.SourceName
	}
	return DeviceInfo{
		ID:   info.SourceName,
		Name: name,
		Format: Format{
			SampleRate:   int(info.Rate),
			Channels:     channels,
			SampleFormat: format,
		},
		Default: info.SourceName == def,
	}
}

// InputDevices lists capture sources, skipping sink monitors.
func (h *PulseHost) InputDevices() ([]DeviceInfo, error) {
	c, err := h.connect()
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var sources proto.GetSourceInfoListReply
	if err := c.RawRequest(&proto.GetSourceInfoList{}, &sources); err != nil {
		return nil, fmt.Errorf("list pulse sources: %w", err)
	}
	var def string
	if d, err := c.DefaultSource(); err == nil {
		def = d.ID()
	}
	devs := make([]DeviceInfo, 0, len(sources))
	for _, src := range sources {
		if strings.HasSuffix(src.SourceName, ".monitor") {
			continue
		}
		devs = append(devs, sourceDevice(src, def))
	}
	return devs, nil
}

func (h *PulseHost) DefaultInputDevice() (DeviceInfo, bool, error) {
	c, err := h.connect()
	if err != nil {
		return DeviceInfo{}, false, err
	}
	defer c.Close()

	var info proto.GetSourceInfoReply
	if err := c.RawRequest(&proto.GetSourceInfo{SourceIndex: proto.Undefined}, &info); err != nil {
		return DeviceInfo{}, false, nil
	}
	return sourceDevice(&info, info.SourceName), true, nil
}

// recordWriter feeds the sink in the device's sample format.
func recordWriter(format SampleFormat, sink Sink) (pulse.Writer, error) {
	switch format {
	case SampleFormatF32:
		return pulse.Float32Writer(func(p []float32) (int, error) {
			sink.Process(p)
			return len(p), nil
		}), nil
	case SampleFormatS16:
		return pulse.Int16Writer(func(p []int16) (int, error) {
			sink.ProcessInt16(p)
			return len(p), nil
		}), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

type pulseStream struct {
	client *pulse.Client
	stream *pulse.RecordStream
}

// OpenInput creates a record stream at the source's native rate and format.
func (h *PulseHost) OpenInput(dev DeviceInfo, sink Sink) (InputStream, error) {
	writer, err := recordWriter(dev.Format.SampleFormat, sink)
	if err != nil {
		return nil, err
	}
	c, err := h.connect()
	if err != nil {
		return nil, err
	}
	src, err := c.SourceByID(dev.ID)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("pulse source %q: %w", dev.ID, err)
	}
	channels := pulse.RecordMono
	if dev.Format.Channels > 1 {
		channels = pulse.RecordStereo
	}
	stream, err := c.NewRecord(writer,
		pulse.RecordSource(src),
		pulse.RecordSampleRate(dev.Format.SampleRate),
		channels,
		pulse.RecordLatency(0.05),
	)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("pulse record stream: %w", err)
	}
	return &pulseStream{client: c, stream: stream}, nil
}

func (s *pulseStream) Start() error {
	s.stream.Start()
	return s.stream.Error()
}

func (s *pulseStream) Close() error {
	s.stream.Stop()
	err := s.stream.Error()
	s.stream.Close()
	s.client.Close()
	return err
}
