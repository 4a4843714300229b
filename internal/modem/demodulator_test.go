package modem

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/soundlink/acoustic-modem/internal/audio"
)

// collectingSink records every payload handed to it, in order.
type collectingSink struct {
	mu       sync.Mutex
	received [][]byte
}

func (c *collectingSink) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.received = append(c.received, cp)
	return nil
}

func (c *collectingSink) Close() error { return nil }

func (c *collectingSink) snapshot() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.received))
	copy(out, c.received)
	return out
}

// encodeFrames renders payload onto a fresh phase clock and returns the
// concatenated samples, e.g. to feed a Loopback's capture side directly.
func encodeFrames(t *testing.T, payloads ...[]byte) []int16 {
	t.Helper()
	var clock Clock
	var out []int16
	for _, p := range payloads {
		symbols, err := BuildFrame(p)
		if err != nil {
			t.Fatalf("BuildFrame: %v", err)
		}
		for _, sym := range symbols {
			out = append(out, clock.EncodeSymbol(sym)...)
		}
	}
	return out
}

func newCalibratedLoopback(t *testing.T) *audio.Loopback {
	t.Helper()
	lb := audio.NewLoopback()
	// Two seconds of a clean square-ish signal with amp range >= 5000,
	// enough to pass NOT_CALIBRATED.
	calib := make([]int16, calibrationSamples)
	for i := range calib {
		if i%2 == 0 {
			calib[i] = 10000
		} else {
			calib[i] = -10000
		}
	}
	lb.FeedSilence(0)
	if err := lb.Write(calib); err != nil {
		t.Fatalf("seed calibration samples: %v", err)
	}
	return lb
}

func runDemodUntilIdle(t *testing.T, d *Demodulator, iterations int) {
	t.Helper()
	for i := 0; i < iterations; i++ {
		if d.state == StateNotCalibrated {
			if err := d.calibrateStep(); err != nil {
				t.Fatalf("calibrateStep: %v", err)
			}
			continue
		}
		// Top up the capture side with silence so a pull past the end of
		// the written samples reads silence instead of blocking in Read.
		if lb, ok := d.Device.(*audio.Loopback); ok {
			lb.FeedSilence(d.nextPull)
		}
		if err := d.recvFirstIteration(); err != nil {
			t.Fatalf("recvFirstIteration: %v", err)
		}
	}
}

func TestDemodulator_S3_CalibrationPingNotForwarded(t *testing.T) {
	lb := newCalibratedLoopback(t)
	lb.Write(encodeFrames(t, nil))
	lb.FeedSilence(1024)

	sink := &collectingSink{}
	var shutdown atomic.Bool
	d := &Demodulator{Device: lb, Sink: sink, Shutdown: &shutdown, nextPull: calibrationSamples, state: StateNotCalibrated}

	runDemodUntilIdle(t, d, 6)

	if got := sink.snapshot(); len(got) != 0 {
		t.Fatalf("calibration ping forwarded to sink: %v", got)
	}
}

func TestDemodulator_S1_SingleByteRoundTrip(t *testing.T) {
	lb := newCalibratedLoopback(t)
	lb.Write(encodeFrames(t, []byte{0x00}))
	lb.FeedSilence(1024)

	sink := &collectingSink{}
	var shutdown atomic.Bool
	d := &Demodulator{Device: lb, Sink: sink, Shutdown: &shutdown, nextPull: calibrationSamples, state: StateNotCalibrated}

	runDemodUntilIdle(t, d, 8)

	got := sink.snapshot()
	if len(got) != 1 || len(got[0]) != 1 || got[0][0] != 0x00 {
		t.Fatalf("got %v, want [[0x00]]", got)
	}
}

func TestDemodulator_S6_Ordering(t *testing.T) {
	lb := newCalibratedLoopback(t)
	lb.Write(encodeFrames(t, []byte("A")))
	lb.FeedSilence(300)
	lb.Write(encodeFrames(t, []byte("B")))
	lb.FeedSilence(300)
	lb.Write(encodeFrames(t, []byte("C")))
	lb.FeedSilence(1024)

	sink := &collectingSink{}
	var shutdown atomic.Bool
	d := &Demodulator{Device: lb, Sink: sink, Shutdown: &shutdown, nextPull: calibrationSamples, state: StateNotCalibrated}

	runDemodUntilIdle(t, d, 20)

	got := sink.snapshot()
	if len(got) != 3 {
		t.Fatalf("got %d payloads, want 3: %v", len(got), got)
	}
	want := []string{"A", "B", "C"}
	for i, w := range want {
		if string(got[i]) != w {
			t.Errorf("payload %d: got %q, want %q", i, got[i], w)
		}
	}
}

func TestDemodulator_CalibrationGuard_Silence(t *testing.T) {
	lb := audio.NewLoopback()
	lb.FeedSilence(5 * SampleRate)

	sink := &collectingSink{}
	var shutdown atomic.Bool
	d := &Demodulator{Device: lb, Sink: sink, Shutdown: &shutdown, nextPull: calibrationSamples, state: StateNotCalibrated}

	if err := d.calibrateStep(); err != nil {
		t.Fatalf("calibrateStep: %v", err)
	}
	if d.state != StateNotCalibrated {
		t.Fatalf("got state %v, want NOT_CALIBRATED after pure silence", d.state)
	}
	if got := sink.snapshot(); len(got) != 0 {
		t.Fatalf("unexpected forwarded payloads: %v", got)
	}
}

func TestDemodulator_CorruptionIsolation(t *testing.T) {
	lb := newCalibratedLoopback(t)
	samples := encodeFrames(t, []byte("Z"))
	// Silence the entire payload symbol (the symbol after leads + size) so
	// its decoded tone magnitudes collapse and the control-bit check fails;
	// negating samples wouldn't corrupt anything here since FFT magnitude
	// is sign-invariant.
	payloadSampleStart := (LeadCount + 2) * SamplesPerSymbol
	for i := payloadSampleStart; i < payloadSampleStart+SamplesPerSymbol; i++ {
		samples[i] = 0
	}
	lb.Write(samples)
	lb.FeedSilence(1024)

	sink := &collectingSink{}
	var shutdown atomic.Bool
	d := &Demodulator{Device: lb, Sink: sink, Shutdown: &shutdown, nextPull: calibrationSamples, state: StateNotCalibrated}

	runDemodUntilIdle(t, d, 10)

	if got := sink.snapshot(); len(got) != 0 {
		t.Fatalf("corrupted frame delivered: %v", got)
	}
}

func TestDemodulator_LeadResilience(t *testing.T) {
	for corruptIdx := 0; corruptIdx < LeadCount; corruptIdx++ {
		corruptIdx := corruptIdx
		t.Run(fmt.Sprintf("lead%d", corruptIdx), func(t *testing.T) {
			lb := newCalibratedLoopback(t)
			samples := encodeFrames(t, []byte("Q"))
			// Silence exactly one of the five lead symbols; the other four
			// must still be enough to locate the frame.
			start := corruptIdx * SamplesPerSymbol
			for i := start; i < start+SamplesPerSymbol; i++ {
				samples[i] = 0
			}
			lb.Write(samples)
			lb.FeedSilence(1024)

			sink := &collectingSink{}
			var shutdown atomic.Bool
			d := &Demodulator{Device: lb, Sink: sink, Shutdown: &shutdown, nextPull: calibrationSamples, state: StateNotCalibrated}

			runDemodUntilIdle(t, d, 10)

			got := sink.snapshot()
			if len(got) != 1 || string(got[0]) != "Q" {
				t.Fatalf("got %v, want [[%q]] with lead %d corrupted", got, "Q", corruptIdx)
			}
		})
	}
}

func TestDemodulator_AlignmentRobustness(t *testing.T) {
	for _, prefix := range []int{1, 32, 100, 191, 255} {
		prefix := prefix
		t.Run(fmt.Sprintf("prefix%d", prefix), func(t *testing.T) {
			lb := newCalibratedLoopback(t)
			lb.FeedSilence(prefix)
			lb.Write(encodeFrames(t, []byte("align")))
			lb.FeedSilence(1024)

			sink := &collectingSink{}
			var shutdown atomic.Bool
			d := &Demodulator{Device: lb, Sink: sink, Shutdown: &shutdown, nextPull: calibrationSamples, state: StateNotCalibrated}

			runDemodUntilIdle(t, d, 10)

			got := sink.snapshot()
			if len(got) != 1 || string(got[0]) != "align" {
				t.Fatalf("got %v, want [[%q]] with a %d-sample silent prefix", got, "align", prefix)
			}
		})
	}
}

func TestDemodulator_S5_NoiseNeverForwarded(t *testing.T) {
	lb := newCalibratedLoopback(t)
	rng := rand.New(rand.NewSource(1))
	noise := make([]int16, 5*SampleRate)
	for i := range noise {
		noise[i] = int16(rng.Intn(20001) - 10000)
	}
	if err := lb.Write(noise); err != nil {
		t.Fatalf("seed noise: %v", err)
	}

	sink := &collectingSink{}
	var shutdown atomic.Bool
	d := &Demodulator{Device: lb, Sink: sink, Shutdown: &shutdown, nextPull: calibrationSamples, state: StateNotCalibrated}

	runDemodUntilIdle(t, d, 190)

	if got := sink.snapshot(); len(got) != 0 {
		t.Fatalf("pure noise produced a forwarded payload: %v", got)
	}
}

func TestDemodulator_GracefulShutdown(t *testing.T) {
	lb := audio.NewLoopback()
	go func() {
		time.Sleep(10 * time.Millisecond)
		lb.FeedSilence(calibrationSamples)
	}()

	sink := &collectingSink{}
	var shutdown atomic.Bool
	d := &Demodulator{Device: lb, Sink: sink, Shutdown: &shutdown}

	done := make(chan error, 1)
	go func() { done <- d.Run() }()

	shutdown.Store(true)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("demodulator did not shut down promptly")
	}
}
