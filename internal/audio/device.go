// Package audio wraps the blocking playback/capture contracts the modem
// core depends on: mono, signed 16-bit little-endian PCM at 44100 Hz.
package audio

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// Device is the blocking audio sink and source the modem core drives. Write
// enqueues samples for playback; Drain blocks until hardware has emitted
// everything written so far; Read blocks until exactly n samples have been
// captured.
type Device interface {
	Write(samples []int16) error
	Drain() error
	Read(n int) ([]int16, error)
	Close() error
}

// Info describes one enumerated audio device.
type Info struct {
	Name              string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	IsDefault         bool
}

// ListDevices returns all devices PortAudio can see.
func ListDevices() ([]Info, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	defaultIn, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("default input device: %w", err)
	}
	defaultOut, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return nil, fmt.Errorf("default output device: %w", err)
	}

	result := make([]Info, 0, len(devices))
	for _, d := range devices {
		isDefault := d.Name == defaultIn.Name || d.Name == defaultOut.Name
		result = append(result, Info{
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			IsDefault:         isDefault,
		})
	}
	return result, nil
}

// PrintDevices writes a human-readable device listing to stdout, used by
// the CLI's --list-devices flag.
func PrintDevices() error {
	devices, err := ListDevices()
	if err != nil {
		return err
	}
	fmt.Println("Audio devices:")
	for i, d := range devices {
		tag := ""
		if d.IsDefault {
			tag = " [default]"
		}
		fmt.Printf("  %d: %s (in:%d out:%d rate:%.0f)%s\n",
			i, d.Name, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate, tag)
	}
	return nil
}

func findDevice(name string, wantInput bool) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	for _, d := range devices {
		if d.Name != name {
			continue
		}
		if wantInput && d.MaxInputChannels < 1 {
			continue
		}
		if !wantInput && d.MaxOutputChannels < 1 {
			continue
		}
		return d, nil
	}
	return nil, fmt.Errorf("audio device %q not found", name)
}
