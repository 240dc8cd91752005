package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/decoder"
)

type listHost struct {
	devices []audio.DeviceInfo
}

func (h listHost) InputDevices() ([]audio.DeviceInfo, error) { return h.devices, nil }

func (h listHost) DefaultInputDevice() (audio.DeviceInfo, bool, error) {
	return audio.DeviceInfo{}, false, nil
}

func (h listHost) OpenInput(audio.DeviceInfo, audio.Sink) (audio.InputStream, error) {
	return nil, errors.New("not supported")
}

func TestRunDevicesMarksDefault(t *testing.T) {
	host := listHost{devices: []audio.DeviceInfo{
		{Name: "Built-in", Format: audio.Format{SampleRate: 44100, Channels: 2, SampleFormat: audio.SampleFormatF32}},
		{Name: "USB Mic", Format: audio.Format{SampleRate: 16000, Channels: 1, SampleFormat: audio.SampleFormatS16}, Default: true},
	}}
	var buf bytes.Buffer
	if err := runDevices(&buf, host); err != nil {
		t.Fatalf("run devices: %v", err)
	}
	want := "  Built-in (44100 Hz, 2 ch, f32)\n* USB Mic (16000 Hz, 1 ch, s16)\n"
	if buf.String() != want {
		t.Fatalf("unexpected output:\n%s", buf.String())
	}

	if err := runDevices(&buf, listHost{}); !errors.Is(err, audio.ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
}

func TestPrintSegments(t *testing.T) {
	var buf bytes.Buffer
	printSegments(&buf, []decoder.Segment{
		{Start: 0, Duration: 30, Result: decoder.DecodingResult{Text: " Hello there."}},
		{Start: 30, Duration: 15.5, Result: decoder.DecodingResult{Text: "General Kenobi. "}},
	})
	want := "[00:00.000 → 00:30.000] Hello there.\n[00:30.000 → 00:45.500] General Kenobi.\n"
	if buf.String() != want {
		t.Fatalf("unexpected output:\n%s", buf.String())
	}
}
