package modem

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soundlink/acoustic-modem/internal/audio"
	"github.com/soundlink/acoustic-modem/internal/logging"
	"github.com/soundlink/acoustic-modem/internal/transport"
)

const (
	calibrationSamples = 2 * SampleRate // 88200, at least 2 seconds
	minAmpRange        = 5000
	defaultPull        = 1024
	retryMargin        = 32
	alignSearchRange   = SamplesPerSymbol - FFTWindowSize // [0, 192)
	minSpread          = 50000

	// minFrameSamples covers the lead + size + end symbols plus one FFT
	// window, the least that could possibly hold a decodable frame start.
	minFrameSamples = (LeadCount+2+1)*SamplesPerSymbol + FFTWindowSize
)

// Stats is a read-only snapshot of demodulator state for diagnostics.
type Stats struct {
	State       State     `json:"state"`
	AmpZero     int       `json:"ampZero"`
	AmpSilence  int       `json:"ampSilence"`
	Delivered   uint64    `json:"delivered"`
	Dropped     uint64    `json:"dropped"`
	LastFrameAt time.Time `json:"lastFrameAt,omitzero"`
}

// Demodulator reads a continuous capture stream, calibrates to the
// channel's amplitude, recovers frame alignment, and forwards decoded
// datagrams to a sink. It owns the capture device exclusively.
type Demodulator struct {
	Device   audio.Device
	Sink     transport.PacketSink
	Shutdown *atomic.Bool
	Log      *logging.Logger

	// Notify, if set, is called with a short event name and detail string
	// whenever the demodulator calibrates, delivers, or drops a frame. It
	// must return promptly; the diagnostics hub is the intended caller.
	Notify func(event, detail string)

	buffer     []int16
	ampZero    int
	ampSilence int
	nextPull   int
	state      State

	mu    sync.Mutex
	stats Stats
}

// Snapshot returns the current diagnostics state.
func (d *Demodulator) Snapshot() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Demodulator) notify(event, detail string) {
	if d.Notify != nil {
		d.Notify(event, detail)
	}
}

func (d *Demodulator) setState(s State) {
	d.state = s
	d.mu.Lock()
	d.stats.State = s
	d.mu.Unlock()
}

// Run executes the calibration and receive loop until Shutdown is set or an
// unrecoverable error occurs.
func (d *Demodulator) Run() error {
	d.nextPull = calibrationSamples
	d.setState(StateNotCalibrated)

	for !d.Shutdown.Load() {
		if d.state == StateNotCalibrated {
			if err := d.calibrateStep(); err != nil {
				return fmt.Errorf("demodulator: %w", err)
			}
			continue
		}
		if err := d.recvFirstIteration(); err != nil {
			return fmt.Errorf("demodulator: %w", err)
		}
	}
	return nil
}

// calibrateStep implements the NOT_CALIBRATED state: accumulate samples
// until at least calibrationSamples are buffered, then either calibrate or
// discard and keep waiting.
func (d *Demodulator) calibrateStep() error {
	samples, err := d.Device.Read(d.nextPull)
	if err != nil {
		d.Shutdown.Store(true)
		return fmt.Errorf("read capture device: %w", err)
	}
	d.buffer = append(d.buffer, samples...)
	d.nextPull = calibrationSamples

	if len(d.buffer) < calibrationSamples {
		return nil
	}

	ampMax, ampMin := int(d.buffer[0]), int(d.buffer[0])
	for _, s := range d.buffer {
		v := int(s)
		if v > ampMax {
			ampMax = v
		}
		if v < ampMin {
			ampMin = v
		}
	}
	d.buffer = nil

	if ampMax-ampMin < minAmpRange {
		if d.Log != nil {
			d.Log.Warnf("calibration signal too weak (range %d), retrying", ampMax-ampMin)
		}
		return nil
	}

	d.ampZero = (ampMax + ampMin) / 2
	d.ampSilence = d.ampZero + (ampMax-ampMin)/20
	d.mu.Lock()
	d.stats.AmpZero = d.ampZero
	d.stats.AmpSilence = d.ampSilence
	d.mu.Unlock()
	d.nextPull = defaultPull
	d.setState(StateSeekSignal)
	d.notify("calibrated", fmt.Sprintf("ampZero=%d ampSilence=%d", d.ampZero, d.ampSilence))
	return nil
}

func (d *Demodulator) trimTo(n int) {
	if len(d.buffer) <= n {
		return
	}
	d.buffer = d.buffer[len(d.buffer)-n:]
}

// recvFirstIteration runs one pass of the RECV_FIRST procedure: pull more
// samples, skip silence, align, decode the symbol stream, locate a frame,
// and either deliver or discard back to silence-skipping.
func (d *Demodulator) recvFirstIteration() error {
	pull := d.nextPull
	d.nextPull = defaultPull

	samples, err := d.Device.Read(pull)
	if err != nil {
		d.Shutdown.Store(true)
		return fmt.Errorf("read capture device: %w", err)
	}
	d.buffer = append(d.buffer, samples...)
	d.setState(StateSeekSignal)

	// Step 2: skip silence.
	idx := -1
	for i, s := range d.buffer {
		if int(s) > d.ampSilence {
			idx = i
			break
		}
	}
	if idx == -1 {
		d.trimTo(retryMargin)
		return nil
	}
	start := idx - retryMargin
	if start < 0 {
		start = 0
	}
	d.buffer = d.buffer[start:]

	// Step 3: minimum buffered length.
	if len(d.buffer) < minFrameSamples {
		return nil
	}

	d.setState(StateAlign)
	// Step 4: sub-symbol alignment.
	bestOffset, bestSpread := 0, -1.0
	for off := 0; off < alignSearchRange; off++ {
		if off+FFTWindowSize > len(d.buffer) {
			break
		}
		mags := DecodeWindow(d.buffer[off : off+FFTWindowSize])
		spread := spreadOf(mags)
		if spread > bestSpread {
			bestSpread, bestOffset = spread, off
		}
	}
	if bestSpread < minSpread {
		if d.Log != nil {
			d.Log.Warnf("signal too weak during alignment (spread %.0f)", bestSpread)
		}
		d.trimTo(retryMargin)
		return nil
	}

	d.setState(StateDecodeFrame)
	// Step 5: symbol stream decode.
	var symbols []uint16
	pos := bestOffset
	for pos+FFTWindowSize <= len(d.buffer) {
		mags := DecodeWindow(d.buffer[pos : pos+FFTWindowSize])
		sym := WindowToSymbol(mags)
		symbols = append(symbols, sym)
		pos += SamplesPerSymbol
		if sym == endSymbol {
			break
		}
	}
	lastIdx := pos
	if lastIdx > len(d.buffer) {
		lastIdx = len(d.buffer)
	}

	// Step 6: lead search.
	leadIdx := indexOfSymbol(symbols, leadSymbolA)
	if leadIdx == -1 {
		leadIdx = indexOfSymbol(symbols, leadSymbolB)
	}
	if leadIdx == -1 {
		d.trimTo(retryMargin)
		return nil
	}

	// Scan past the lead train to the first size symbol rather than
	// requiring every intervening symbol to be an exact lead match: one
	// corrupted lead symbol among the five must not derail alignment as
	// long as a lead pattern was found at all above.
	i := leadIdx
	for i < len(symbols) && !isSizeLow(symbols[i]) {
		i++
	}

	// Step 7: size parse. The scan above already guarantees symbols[i] is
	// a size-low symbol whenever i is in range.
	if i >= len(symbols) {
		d.trimTo(retryMargin + SamplesPerSymbol)
		return nil
	}
	sizeLow := symbols[i]
	if i+1 >= len(symbols) {
		d.trimTo(retryMargin + 2*SamplesPerSymbol)
		return nil
	}
	if !isSizeHigh(symbols[i+1]) {
		d.trimTo(retryMargin)
		return nil
	}
	sizeHigh := symbols[i+1]
	payloadStart := i + 2

	// Step 8: packet length.
	length := sizeBits(sizeLow) | (sizeBits(sizeHigh) << 6)

	// Step 9: payload sufficiency.
	available := len(symbols) - payloadStart - 1
	if available < length {
		d.nextPull = SamplesPerSymbol*(length-available) + retryMargin
		return nil
	}

	// Step 10: payload decode.
	payload := make([]byte, length)
	for k := 0; k < length; k++ {
		b, ok := validatePayloadSymbol(k, symbols[payloadStart+k])
		if !ok {
			if d.Log != nil {
				d.Log.Warnf("corrupt payload symbol at index %d, dropping frame", k)
			}
			d.mu.Lock()
			d.stats.Dropped++
			d.mu.Unlock()
			d.notify("dropped", fmt.Sprintf("corrupt payload symbol at index %d", k))
			d.trimTo(retryMargin)
			return nil
		}
		payload[k] = b
	}

	// Step 11: end-symbol check.
	if symbols[payloadStart+length] != endSymbol {
		if d.Log != nil {
			d.Log.Warnf("missing end symbol, dropping frame")
		}
		d.mu.Lock()
		d.stats.Dropped++
		d.mu.Unlock()
		d.notify("dropped", "missing end symbol")
		d.trimTo(retryMargin)
		return nil
	}

	// Step 12: deliver.
	d.setState(StateDeliver)
	if length > 0 {
		if err := d.Sink.Send(payload); err != nil {
			d.Shutdown.Store(true)
			return fmt.Errorf("send inbound packet: %w", err)
		}
		d.mu.Lock()
		d.stats.Delivered++
		d.stats.LastFrameAt = time.Now()
		d.mu.Unlock()
		d.notify("delivered", fmt.Sprintf("%d bytes", length))
	}

	// Step 13: buffer advance.
	d.buffer = d.buffer[lastIdx:]
	d.setState(StateSeekSignal)
	return nil
}

func spreadOf(mags [NumTones]float64) float64 {
	min, max := mags[0], mags[0]
	for _, m := range mags[1:] {
		if m < min {
			min = m
		}
		if m > max {
			max = m
		}
	}
	return max - min
}

func indexOfSymbol(symbols []uint16, want uint16) int {
	for i, s := range symbols {
		if s == want {
			return i
		}
	}
	return -1
}
