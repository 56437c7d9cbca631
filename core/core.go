package core

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Frequency represents a frequency in Hz.
type Frequency float64

func (f Frequency) String() string {
	return fmt.Sprintf("%.2fHz", f)
}

// FrequencyRange represents a range of frequencies.
type FrequencyRange struct {
	From, To Frequency
}

func (r FrequencyRange) String() string {
	return fmt.Sprintf("[%v,%v]", r.From, r.To)
}

// Center frequency of this range.
func (r FrequencyRange) Center() Frequency {
	return r.From + (r.To-r.From)/2
}

// Width of the frequency range.
func (r FrequencyRange) Width() Frequency {
	return r.To - r.From
}

// Contains the given frequency.
func (r FrequencyRange) Contains(f Frequency) bool {
	return f >= r.From && f <= r.To
}

// DB represents decibel (dB).
type DB float64

func (f DB) String() string {
	return fmt.Sprintf("%.2fdB", f)
}

// DBRange represents a range of dB.
type DBRange struct {
	From, To DB
}

func (r DBRange) String() string {
	return fmt.Sprintf("[%v,%v]", r.From, r.To)
}

// Width of the dB range.
func (r DBRange) Width() DB {
	return DB(math.Abs(float64(r.To - r.From)))
}

// Contains the given value in dB.
func (r DBRange) Contains(value DB) bool {
	return value >= r.From && value <= r.To
}

// PowerToDB converts a linear power ratio to dB.
func PowerToDB(power float64) DB {
	return DB(10.0 * math.Log10(power+1.0e-20))
}

// DBToPower converts dB to a linear power ratio.
func DBToPower(db DB) float64 {
	return math.Pow(10, float64(db)/10.0)
}

// SampleFormat is the numeric representation of the samples handed to the consumer.
type SampleFormat int

// All supported sample formats.
const (
	// FormatCS16 is the native format: interleaved signed 16bit I/Q.
	FormatCS16 SampleFormat = iota
	// FormatCF32 is complex float32, scaled to [-1, 1].
	FormatCF32
)

func (f SampleFormat) String() string {
	switch f {
	case FormatCS16:
		return "CS16"
	case FormatCF32:
		return "CF32"
	default:
		return fmt.Sprintf("SampleFormat(%d)", int(f))
	}
}

// ParseSampleFormat parses the textual representation of a sample format.
func ParseSampleFormat(s string) (SampleFormat, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CS16":
		return FormatCS16, nil
	case "CF32":
		return FormatCF32, nil
	default:
		return 0, errors.Errorf("invalid sample format %q, only CS16 and CF32 are supported", s)
	}
}

// FullScale of the native sample format.
const FullScale = math.MaxInt16

// Samples is a buffer of samples in one of the supported formats.
type Samples interface {
	Format() SampleFormat
	Len() int
}

// SamplesCS16 holds I/Q pairs in the native format.
type SamplesCS16 [][2]int16

// Format of the samples.
func (s SamplesCS16) Format() SampleFormat { return FormatCS16 }

// Len returns the number of I/Q pairs.
func (s SamplesCS16) Len() int { return len(s) }

// SamplesCF32 holds complex float samples.
type SamplesCF32 []complex64

// Format of the samples.
func (s SamplesCF32) Format() SampleFormat { return FormatCF32 }

// Len returns the number of samples.
func (s SamplesCF32) Len() int { return len(s) }

// MakeSamples allocates a buffer of the given format with room for n samples.
func MakeSamples(format SampleFormat, n int) Samples {
	if format == FormatCF32 {
		return make(SamplesCF32, n)
	}
	return make(SamplesCS16, n)
}

// GainMode selects between manual and automatic gain control.
type GainMode bool

// All gain modes.
const (
	GainManual    GainMode = false
	GainAutomatic GainMode = true
)

func (m GainMode) String() string {
	if m == GainAutomatic {
		return "automatic"
	}
	return "manual"
}

// Configuration parameters of the application.
type Configuration struct {
	Testmode            bool
	Driver              string
	Serial              string
	DeviceIndex         int
	SampleRate          Frequency
	CenterFrequency     Frequency
	Bandwidth           Frequency
	FrequencyCorrection float64
	IFMode              string
	Format              SampleFormat
	NumBuffers          int
	BufferLength        int
	AGC                 bool
	AGCSetpoint         DB
	AGCHysteresis       DB
	GainReduction       int
	BandTable           string
	VFOHost             string
	VFOOffset           Frequency
}
