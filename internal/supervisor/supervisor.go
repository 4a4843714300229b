// Package supervisor wires the modulator and demodulator workers to their
// audio devices and packet channels, owns the shared shutdown flag, and
// waits for the workers to exit once that flag is set.
package supervisor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soundlink/acoustic-modem/internal/audio"
	"github.com/soundlink/acoustic-modem/internal/logging"
	"github.com/soundlink/acoustic-modem/internal/modem"
	"github.com/soundlink/acoustic-modem/internal/transport"
)

// Mode selects which workers a Supervisor runs.
type Mode int

const (
	ModeSend Mode = iota
	ModeReceive
	ModeBoth
)

// ParseMode maps the CLI's --mode values onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "send":
		return ModeSend, nil
	case "receive":
		return ModeReceive, nil
	case "both":
		return ModeBoth, nil
	default:
		return 0, fmt.Errorf("supervisor: invalid mode %q (want send, receive, or both)", s)
	}
}

// pollInterval is how often the supervisor checks Shutdown after workers
// have been launched, bounding signal-handling latency.
const pollInterval = time.Second

// Config describes everything needed to start the modem core.
type Config struct {
	Mode          Mode
	OutboundPath  string // --tun-outbound
	InboundPath   string // --tun-inbound
	LineOutDevice string // --line-out
	LineInDevice  string // --line-in
}

// Supervisor owns the shared shutdown flag and the lifecycle of the
// modulator/demodulator workers.
type Supervisor struct {
	Shutdown atomic.Bool

	Modulator   *modem.Modulator
	Demodulator *modem.Demodulator

	closers []func() error
}

// New builds and wires the workers Config.Mode calls for. Audio device
// and endpoint setup failures are returned directly so the caller can
// exit nonzero before any worker goroutine starts.
func New(cfg Config) (*Supervisor, error) {
	s := &Supervisor{}

	if cfg.Mode == ModeSend || cfg.Mode == ModeBoth {
		source, err := transport.ListenUnixDatagramSource(cfg.OutboundPath)
		if err != nil {
			return nil, fmt.Errorf("supervisor: outbound endpoint: %w", err)
		}
		s.closers = append(s.closers, source.Close)

		playback, err := audio.OpenPortAudioDevice("", cfg.LineOutDevice)
		if err != nil {
			return nil, fmt.Errorf("supervisor: playback device: %w", err)
		}
		s.closers = append(s.closers, playback.Close)

		s.Modulator = &modem.Modulator{
			Source:   source,
			Device:   playback,
			Shutdown: &s.Shutdown,
			Log:      logging.New(logging.ComponentModulator),
		}
	}

	if cfg.Mode == ModeReceive || cfg.Mode == ModeBoth {
		sink, err := transport.DialUnixDatagramSink(cfg.InboundPath)
		if err != nil {
			return nil, fmt.Errorf("supervisor: inbound endpoint: %w", err)
		}
		s.closers = append(s.closers, sink.Close)

		capture, err := audio.OpenPortAudioDevice(cfg.LineInDevice, "")
		if err != nil {
			return nil, fmt.Errorf("supervisor: capture device: %w", err)
		}
		s.closers = append(s.closers, capture.Close)

		s.Demodulator = &modem.Demodulator{
			Device:   capture,
			Sink:     sink,
			Shutdown: &s.Shutdown,
			Log:      logging.New(logging.ComponentDemodulator),
		}
	}

	return s, nil
}

// Run starts the configured workers and blocks until Shutdown is set or a
// worker fails fatally, then closes all owned resources.
func (s *Supervisor) Run() error {
	var wg sync.WaitGroup
	errs := make(chan error, 2)

	if s.Modulator != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Modulator.Run(); err != nil {
				errs <- err
			}
		}()
	}
	if s.Demodulator != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Demodulator.Run(); err != nil {
				errs <- err
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var firstErr error
	for {
		select {
		case err := <-errs:
			if firstErr == nil {
				firstErr = err
			}
			s.Shutdown.Store(true)
		case <-done:
			s.Close()
			return firstErr
		case <-ticker.C:
			// periodic wakeup only; Run does not read Shutdown here. The
			// workers observe the flag themselves and Run returns once
			// both have exited.
		}
	}
}

// Close releases every resource New opened, in reverse order.
func (s *Supervisor) Close() error {
	var err error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if cerr := s.closers[i](); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
