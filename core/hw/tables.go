package hw

import (
	"math"

	"github.com/pkg/errors"

	"github.com/ftl/sdrstream/core"
)

// Supported ranges.
var (
	SampleRateRange = core.FrequencyRange{From: 200000, To: 10000000}
	FrequencyRange  = core.FrequencyRange{From: 10000, To: 2000000000}
)

// MaxFrequencyCorrection in ppm.
const MaxFrequencyCorrection = 1000.0

// Bandwidths supported by the tuner, in ascending order.
var Bandwidths = []core.Frequency{200000, 300000, 600000, 1536000, 5000000, 6000000, 7000000, 8000000}

// SampleRates offered to the application.
var SampleRates = []core.Frequency{250000, 500000, 1000000, 2000000, 2048000, 3000000, 4000000, 5000000, 6000000, 7000000, 8000000, 9000000, 10000000}

// CheckSampleRate returns an error if the given output rate is not supported.
func CheckSampleRate(rate core.Frequency) error {
	if !SampleRateRange.Contains(rate) {
		return errors.Wrapf(ErrOutOfRange, "sample rate %.0fHz not in %v", rate, SampleRateRange)
	}
	return nil
}

// CheckFrequency returns an error if the given center frequency is not supported.
func CheckFrequency(f core.Frequency) error {
	if !FrequencyRange.Contains(f) {
		return errors.Wrapf(ErrOutOfRange, "frequency %.0fHz not in %v", f, FrequencyRange)
	}
	return nil
}

// CheckBandwidth returns an error if the given bandwidth is not one of the supported values.
func CheckBandwidth(bw core.Frequency) error {
	for _, b := range Bandwidths {
		if b == bw {
			return nil
		}
	}
	return errors.Wrapf(ErrOutOfRange, "bandwidth %.0fHz not supported", bw)
}

// Derived values follow from the settings.
type Derived struct {
	HardwareRate core.Frequency
	Decimation   int
	Bandwidth    core.Frequency
	OutputRate   core.Frequency
}

// Derive computes the hardware rate, the decimation and the bandwidth for the
// given settings.
func Derive(s Settings) (Derived, error) {
	if err := CheckSampleRate(s.SampleRate); err != nil {
		return Derived{}, err
	}
	hardwareRate, decimation := InputRate(s.SampleRate, s.IFMode)
	result := Derived{
		HardwareRate: hardwareRate,
		Decimation:   decimation,
		Bandwidth:    s.Bandwidth,
		OutputRate:   s.SampleRate,
	}
	if decimation > 1 {
		result.OutputRate = core.Frequency(math.Floor(float64(hardwareRate) / float64(decimation)))
	}
	if result.Bandwidth == 0 {
		result.Bandwidth = BandwidthForRate(s.SampleRate, s.IFMode)
	} else if err := CheckBandwidth(result.Bandwidth); err != nil {
		return Derived{}, err
	}
	return result, nil
}

// InputRate returns the hardware sample rate and the decimation factor that
// produce the given output rate. Without decimation in Zero-IF mode the
// hardware runs at the output rate; the low IF modes convert down internally.
func InputRate(rate core.Frequency, mode IFMode) (core.Frequency, int) {
	switch mode {
	case IF2048kHz:
		if rate == 2048000 {
			return 8192000, 1
		}
	case IF450kHz:
		switch rate {
		case 1000000, 500000:
			return 2000000, 1
		case 250000:
			return 2000001, 8
		case 2000000:
			// one Hz above 2MHz keeps the hardware from converting down
			return 2000001, 1
		}
	}

	switch {
	case rate >= 200000 && rate < 500000:
		return 2000000, 8
	case rate >= 500000 && rate < 1000000:
		return 2000000, 4
	case rate >= 1000000 && rate < 1536000:
		return 2000000, 2
	default:
		return rate, 1
	}
}

// BandwidthForRate returns the widest bandwidth suitable for the given output
// rate in the given IF mode.
func BandwidthForRate(rate core.Frequency, mode IFMode) core.Frequency {
	switch {
	case rate < 500000:
		return 200000
	case rate < 1000000:
		return 300000
	}
	if mode == IF450kHz || mode == IF1620kHz {
		return 600000
	}
	if rate < 1536000 {
		return 600000
	}
	if mode != IFZero {
		return 1536000
	}
	switch {
	case rate < 5000000:
		return 1536000
	case rate < 6000000:
		return 5000000
	case rate < 7000000:
		return 6000000
	case rate < 8000000:
		return 7000000
	default:
		return 8000000
	}
}
