package modem

import "math"

// Fixed physical-layer parameters. All are protocol constants with no
// runtime negotiation; both ends of a link must agree on them out of band.
const (
	SampleRate       = 44100
	SamplesPerSymbol = 256
	FFTWindowSize    = 64
	NumTones         = 10

	// peakScale is half of int16's positive range, per the wire format's
	// normalize-then-scale rule.
	peakScale = 0x3FFF
)

// toneFrequencies is the fixed 10-tone set, derived from bins
// 4, 7, 10, ..., 31 of a 64-point FFT at 44100 Hz.
var toneFrequencies = func() [NumTones]float64 {
	var f [NumTones]float64
	for i := 0; i < NumTones; i++ {
		f[i] = (float64(SampleRate) / float64(FFTWindowSize)) * float64(4+3*i)
	}
	return f
}()

// toneBin is the FFT bin index carrying tone i's magnitude in a
// FFTWindowSize-point real FFT.
func toneBin(i int) int { return 4 + 3*i }

// Clock synthesizes phase-continuous symbol waveforms across successive
// calls. The zero Clock is ready to use.
type Clock struct {
	t float64 // seconds, start time of the next symbol
}

// EncodeSymbol renders one 10-bit symbol as SamplesPerSymbol int16 samples,
// advancing the clock by one symbol's duration. Bit i of sym gates tone i;
// if any tone is active the waveform is normalized to peak amplitude before
// scaling to int16, otherwise the symbol is silence.
func (c *Clock) EncodeSymbol(sym uint16) []int16 {
	raw := make([]float64, SamplesPerSymbol)
	peak := 0.0
	any := false
	for i := 0; i < NumTones; i++ {
		if sym&(1<<uint(i)) == 0 {
			continue
		}
		any = true
		f := toneFrequencies[i]
		for n := 0; n < SamplesPerSymbol; n++ {
			t := c.t + float64(n)/float64(SampleRate)
			raw[n] += math.Sin(2 * math.Pi * f * t)
		}
	}
	out := make([]int16, SamplesPerSymbol)
	if any {
		for _, v := range raw {
			if a := math.Abs(v); a > peak {
				peak = a
			}
		}
		if peak > 0 {
			scale := peakScale / peak
			for n, v := range raw {
				out[n] = int16(math.Round(v * scale))
			}
		}
	}

	c.t += float64(SamplesPerSymbol) / float64(SampleRate)
	// Reduce modulo one FFT window (64/44100 s) to bound floating-point
	// error over long sessions; every tone completes a whole number of
	// cycles in that period, so the reduction leaves each phase unchanged.
	if period := float64(FFTWindowSize) / float64(SampleRate); c.t >= period {
		c.t = math.Mod(c.t, period)
	}
	return out
}

// DecodeWindow runs a FFTWindowSize-point real FFT over samples and returns
// the magnitude at each of the 10 tone bins. samples must have length
// FFTWindowSize.
func DecodeWindow(samples []int16) [NumTones]float64 {
	x := make([]float64, FFTWindowSize)
	for i, s := range samples[:FFTWindowSize] {
		x[i] = float64(s)
	}
	spectrum := RealFFT(x)

	var mags [NumTones]float64
	for i := 0; i < NumTones; i++ {
		bin := spectrum[toneBin(i)]
		re, im := real(bin), imag(bin)
		mags[i] = math.Sqrt(re*re + im*im)
	}
	return mags
}

// WindowToSymbol thresholds 10 tone magnitudes into a symbol. Bit i is set
// iff magnitudes[i] exceeds min+(max-min)/5. Correctness depends on every
// legal symbol leaving at least one tone off, so the threshold never
// collapses to (or above) the true magnitude of an active tone.
func WindowToSymbol(magnitudes [NumTones]float64) uint16 {
	min, max := magnitudes[0], magnitudes[0]
	for _, m := range magnitudes[1:] {
		if m < min {
			min = m
		}
		if m > max {
			max = m
		}
	}
	threshold := min + (max-min)/5

	var sym uint16
	for i, m := range magnitudes {
		if m > threshold {
			sym |= 1 << uint(i)
		}
	}
	return sym
}
