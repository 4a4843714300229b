package modem

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/soundlink/acoustic-modem/internal/audio"
	"github.com/soundlink/acoustic-modem/internal/logging"
	"github.com/soundlink/acoustic-modem/internal/transport"
)

// pollTimeout bounds how long the modulator waits for an outbound datagram
// before sending a calibration ping instead.
const pollTimeout = 500 * time.Millisecond

// Modulator pulls datagrams from an outbound source and writes their frame
// encoding to a playback device. It owns the playback device exclusively.
type Modulator struct {
	Source   transport.PacketSource
	Device   audio.Device
	Shutdown *atomic.Bool
	Log      *logging.Logger

	// Notify, if set, is called with a short event name and detail string
	// each time a frame is transmitted. It must return promptly; the
	// diagnostics hub is the intended caller.
	Notify func(event, detail string)

	clock Clock
	sent  atomic.Uint64
}

// Sent returns the number of frames (including calibration pings)
// transmitted so far.
func (m *Modulator) Sent() uint64 { return m.sent.Load() }

// Run executes the operation loop until Shutdown is set or an unrecoverable
// error occurs. A returned error has already set Shutdown.
func (m *Modulator) Run() error {
	for {
		if m.Shutdown.Load() {
			return nil
		}

		payload, err := m.Source.Poll(pollTimeout)
		switch {
		case errors.Is(err, transport.ErrTimeout):
			payload = nil // nothing to send: calibration ping
		case err != nil:
			m.Shutdown.Store(true)
			return fmt.Errorf("modulator: poll outbound source: %w", err)
		}

		if err := m.transmit(payload); err != nil {
			m.Shutdown.Store(true)
			return fmt.Errorf("modulator: transmit frame: %w", err)
		}
	}
}

func (m *Modulator) transmit(payload []byte) error {
	symbols, err := BuildFrame(payload)
	if err != nil {
		// Oversized packets are rejected at this boundary and dropped,
		// not treated as a fatal transport error.
		if m.Log != nil {
			m.Log.Warnf("dropping outbound packet: %v", err)
		}
		return nil
	}

	samples := make([]int16, 0, len(symbols)*SamplesPerSymbol)
	for _, sym := range symbols {
		samples = append(samples, m.clock.EncodeSymbol(sym)...)
	}

	// Shutdown must be checked here, between producing the sample buffer
	// and committing the blocking write, so termination is prompt.
	if m.Shutdown.Load() {
		return nil
	}

	if err := m.Device.Write(samples); err != nil {
		return fmt.Errorf("write playback device: %w", err)
	}
	if err := m.Device.Drain(); err != nil {
		return err
	}
	m.sent.Add(1)
	if m.Notify != nil {
		m.Notify("transmitted", fmt.Sprintf("%d bytes", len(payload)))
	}
	return nil
}
