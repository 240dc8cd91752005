package audio

import (
	"testing"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sourceReply(name, device string, format byte, rate uint32, channels proto.ChannelMap) *proto.GetSourceInfoReply {
	return &proto.GetSourceInfoReply{
		SourceName: name,
		Device:     device,
		SampleSpec: proto.SampleSpec{Format: format, Channels: byte(len(channels)), Rate: rate},
		ChannelMap: channels,
	}
}

func TestSourceDeviceMapping(t *testing.T) {
	tests := []struct {
		name string
		info *proto.GetSourceInfoReply
		def  string
		want DeviceInfo
	}{
		{
			name: "stereo float source",
			info: sourceReply("alsa_input.usb", "USB Mic", proto.FormatFloat32LE, 48000,
				proto.ChannelMap{proto.ChannelFrontLeft, proto.ChannelFrontRight}),
			def: "alsa_input.usb",
			want: DeviceInfo{ID: "alsa_input.usb", Name: "USB Mic", Default: true,
				Format: Format{SampleRate: 48000, Channels: 2, SampleFormat: SampleFormatF32}},
		},
		{
			name: "mono s16 source",
			info: sourceReply("bluez_input.headset", "Headset", proto.FormatInt16LE, 16000,
				proto.ChannelMap{proto.ChannelMono}),
			want: DeviceInfo{ID: "bluez_input.headset", Name: "Headset",
				Format: Format{SampleRate: 16000, Channels: 1, SampleFormat: SampleFormatS16}},
		},
		{
			name: "surround s32 source is recorded as stereo float",
			info: sourceReply("alsa_input.pro", "", proto.FormatInt32LE, 96000,
				proto.ChannelMap{1, 2, 3, 5, 6, 7}),
			want: DeviceInfo{ID: "alsa_input.pro", Name: "alsa_input.pro",
				Format: Format{SampleRate: 96000, Channels: 2, SampleFormat: SampleFormatF32}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sourceDevice(tt.info, tt.def))
		})
	}
}

type recordingSink struct {
	floats []float32
	ints   []int16
}

func (s *recordingSink) Process(p []float32)    { s.floats = append(s.floats, p...) }
func (s *recordingSink) ProcessInt16(p []int16) { s.ints = append(s.ints, p...) }

func TestRecordWriterRoutesByFormat(t *testing.T) {
	sink := &recordingSink{}

	w, err := recordWriter(SampleFormatS16, sink)
	require.NoError(t, err)
	int16Writer, ok := w.(pulse.Int16Writer)
	require.True(t, ok)
	n, err := int16Writer([]int16{1, -2, 3})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int16{1, -2, 3}, sink.ints)

	w, err = recordWriter(SampleFormatF32, sink)
	require.NoError(t, err)
	floatWriter, ok := w.(pulse.Float32Writer)
	require.True(t, ok)
	_, err = floatWriter([]float32{0.5})
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5}, sink.floats)

	_, err = recordWriter(SampleFormatS24, sink)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
