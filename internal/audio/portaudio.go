package audio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// chunkFrames is the internal blocking granularity for Write/Read; it has
// no bearing on symbol timing, which the modem core controls entirely by
// how many samples it passes in.
const chunkFrames = 256

// sampleRate is the modem's fixed audio sample rate (see modem.SampleRate),
// duplicated here so this package doesn't need to import the modem package.
const sampleRate = 44100

// Init initializes the PortAudio library. Call once at process start.
func Init() error { return portaudio.Initialize() }

// Terminate releases PortAudio resources. Call once at process exit.
func Terminate() error { return portaudio.Terminate() }

// PortAudioDevice is a Device backed by a real sound card, at mono signed
// 16-bit 44100 Hz as the wire format requires.
type PortAudioDevice struct {
	mu     sync.Mutex
	input  *portaudio.Stream
	output *portaudio.Stream
	inBuf  []int16
	outBuf []int16
}

// OpenPortAudioDevice opens capture on inName and playback on outName. An
// empty name selects the corresponding system default device.
func OpenPortAudioDevice(inName, outName string) (*PortAudioDevice, error) {
	d := &PortAudioDevice{
		inBuf:  make([]int16, chunkFrames),
		outBuf: make([]int16, chunkFrames),
	}

	inStream, err := openStream(inName, true, d.inBuf)
	if err != nil {
		return nil, fmt.Errorf("open capture device: %w", err)
	}
	d.input = inStream

	outStream, err := openStream(outName, false, d.outBuf)
	if err != nil {
		inStream.Close()
		return nil, fmt.Errorf("open playback device: %w", err)
	}
	d.output = outStream

	if err := d.input.Start(); err != nil {
		return nil, fmt.Errorf("start capture stream: %w", err)
	}
	if err := d.output.Start(); err != nil {
		return nil, fmt.Errorf("start playback stream: %w", err)
	}
	return d, nil
}

func openStream(name string, isInput bool, buf []int16) (*portaudio.Stream, error) {
	if name == "" {
		if isInput {
			return portaudio.OpenDefaultStream(1, 0, float64(sampleRate), chunkFrames, buf)
		}
		return portaudio.OpenDefaultStream(0, 1, float64(sampleRate), chunkFrames, buf)
	}

	dev, err := findDevice(name, isInput)
	if err != nil {
		return nil, err
	}
	params := portaudio.StreamParameters{
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: chunkFrames,
	}
	if isInput {
		params.Input = portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		}
	} else {
		params.Output = portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowOutputLatency,
		}
	}
	return portaudio.OpenStream(params, buf)
}

// Write blocks until all of samples has been handed to the playback
// device, chunkFrames samples at a time.
func (d *PortAudioDevice) Write(samples []int16) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := 0; i < len(samples); i += chunkFrames {
		end := i + chunkFrames
		if end > len(samples) {
			chunk := make([]int16, chunkFrames)
			copy(chunk, samples[i:])
			copy(d.outBuf, chunk)
		} else {
			copy(d.outBuf, samples[i:end])
		}
		if err := d.output.Write(); err != nil {
			return fmt.Errorf("write playback stream: %w", err)
		}
	}
	return nil
}

// Drain blocks until the playback device has emitted everything written.
// PortAudio's blocking Write already guarantees per-chunk delivery; Drain
// stops and restarts the stream to flush any hardware-side buffering.
func (d *PortAudioDevice) Drain() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.output.Stop(); err != nil {
		return fmt.Errorf("drain playback stream: %w", err)
	}
	return d.output.Start()
}

// Read blocks until exactly n samples have been captured.
func (d *PortAudioDevice) Read(n int) ([]int16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]int16, 0, n)
	for len(out) < n {
		if err := d.input.Read(); err != nil {
			return nil, fmt.Errorf("read capture stream: %w", err)
		}
		out = append(out, d.inBuf...)
	}
	return out[:n], nil
}

// Close shuts down both streams.
func (d *PortAudioDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	if d.input != nil {
		if err := d.input.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.output != nil {
		if err := d.output.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close device: %v", errs)
	}
	return nil
}
