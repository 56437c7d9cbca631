package dsp

import (
	"math"

	"github.com/mjibson/go-dsp/dsputils"
	dsp "github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"

	"github.com/ftl/sdrstream/core"
)

const filterOrder = 15

// NewDecimator returns a decimator that reduces the sample rate by the given
// factor. The samples pass a Blackman windowed FIR lowpass before they are
// picked. A factor of 1 passes the samples through unchanged.
func NewDecimator(factor int) *Decimator {
	if factor < 1 {
		factor = 1
	}
	if factor == 1 {
		return newDecimator(1, nil)
	}
	return newDecimator(factor, firLowpass(filterOrder, 1.0/(2.0*float64(factor))))
}

func newDecimator(factor int, coeff []float64) *Decimator {
	return &Decimator{
		factor: factor,
		coeff:  coeff,
		bufI:   make([]float64, len(coeff)),
		bufQ:   make([]float64, len(coeff)),
	}
}

// Decimator keeps the filter state across packets, so consecutive packets
// form one continuous signal.
type Decimator struct {
	factor    int
	coeff     []float64
	bufI      []float64
	bufQ      []float64
	bufIndex  int
	countDown int
}

// Factor of the decimation.
func (d *Decimator) Factor() int {
	return d.factor
}

// OutputLen returns the number of output samples for an input of n samples,
// when the decimator starts at a block boundary.
func (d *Decimator) OutputLen(n int) int {
	return (n + d.factor - 1) / d.factor
}

// Reset the filter state.
func (d *Decimator) Reset() {
	for i := range d.bufI {
		d.bufI[i] = 0
		d.bufQ[i] = 0
	}
	d.bufIndex = 0
	d.countDown = 0
}

// Process decimates the given I/Q samples into outI and outQ and returns the
// number of samples written. outI and outQ need room for OutputLen(len(i)).
func (d *Decimator) Process(i, q, outI, outQ []int16) int {
	n := len(i)
	if len(q) < n {
		n = len(q)
	}
	if d.factor == 1 {
		copy(outI, i[:n])
		copy(outQ, q[:n])
		return n
	}

	order := len(d.coeff)
	outIndex := 0
	for k := 0; k < n; k++ {
		d.bufI[d.bufIndex] = float64(i[k])
		d.bufQ[d.bufIndex] = float64(q[k])
		if d.countDown <= 0 {
			d.countDown = d.factor - 1

			var sumI, sumQ float64
			for j, c := range d.coeff {
				bi := (order + d.bufIndex - j) % order
				sumI += d.bufI[bi] * c
				sumQ += d.bufQ[bi] * c
			}
			outI[outIndex] = toInt16(sumI)
			outQ[outIndex] = toInt16(sumQ)
			outIndex++
		} else {
			d.countDown--
		}
		d.bufIndex = (d.bufIndex + 1) % order
	}
	return outIndex
}

func toInt16(v float64) int16 {
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

func firLowpass(order int, cutoffRate float64) []float64 {
	if order%2 == 0 {
		panic("FIR order must be odd")
	}

	window := window.Blackman(order)
	order2 := (order - 1) / 2
	coeff := make([]float64, order)
	sum := 0.0
	for i := range coeff {
		t := float64(i - order2)
		coeff[i] = sinc(2.0*cutoffRate*t) * window[i]
		sum += coeff[i]
	}

	for i := range coeff {
		coeff[i] /= sum
	}
	return coeff
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1.0
	}
	return math.Sin(math.Pi*x) / (math.Pi * x)
}

// Summary of a block of samples.
type Summary struct {
	Power      core.DB
	Peak       core.DB
	PeakOffset core.Frequency
}

// Summarize the given samples: the average power and the strongest spectral
// component, both relative to full scale, and the offset of that component
// from the center frequency.
func Summarize(samples core.SamplesCS16, sampleRate core.Frequency) Summary {
	if len(samples) == 0 {
		return Summary{Power: core.PowerToDB(0), Peak: core.PowerToDB(0)}
	}
	result := Summary{Power: core.PowerToDB(AveragePower(samples))}

	blockSize := dsputils.NextPowerOf2(len(samples))
	if blockSize > len(samples) {
		blockSize /= 2
	}
	if blockSize < 2 {
		result.Peak = result.Power
		return result
	}

	w := window.Blackman(blockSize)
	windowSum := 0.0
	block := make([]complex128, blockSize)
	for i := range block {
		re := float64(samples[i][0]) / core.FullScale
		im := float64(samples[i][1]) / core.FullScale
		block[i] = complex(re*w[i], im*w[i])
		windowSum += w[i]
	}
	spectrum := dsp.FFT(block)

	peak := 0
	peakPower := 0.0
	for i, v := range spectrum {
		p := real(v)*real(v) + imag(v)*imag(v)
		if p > peakPower {
			peak = i
			peakPower = p
		}
	}
	bin := peak
	if bin >= blockSize/2 {
		bin -= blockSize
	}
	result.PeakOffset = core.Frequency(float64(bin) * float64(sampleRate) / float64(blockSize))
	result.Peak = core.PowerToDB(peakPower / (windowSum * windowSum))
	return result
}

// AveragePower returns the mean of I²+Q² over the samples, normalized to full scale.
func AveragePower(samples core.SamplesCS16) float64 {
	if len(samples) == 0 {
		return 0
	}
	total := 0.0
	for _, s := range samples {
		i := float64(s[0]) / core.FullScale
		q := float64(s[1]) / core.FullScale
		total += i*i + q*q
	}
	return total / float64(len(samples))
}
