// Package hw is the boundary to the receiver hardware. It translates the
// requested stream settings into driver calls and decides how a change is
// applied: not at all, in place, or by reinitializing the hardware.
package hw

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/ftl/sdrstream/core"
	"github.com/ftl/sdrstream/core/bandplan"
)

// Errors of the hardware layer.
var (
	ErrOutOfRange   = errors.New("value out of range")
	ErrInconsistent = errors.New("internal consistency error")
	ErrNotStarted   = errors.New("hardware session not started")
)

// Packet is one chunk of samples delivered by the driver.
type Packet struct {
	Channel          int
	I, Q             []int16
	FirstSampleNum   uint32
	GainChanged      bool
	FrequencyChanged bool
	RateChanged      bool
	Reset            bool
}

// Len returns the number of I/Q pairs in the packet.
func (p Packet) Len() int {
	if len(p.Q) < len(p.I) {
		return len(p.Q)
	}
	return len(p.I)
}

// SampleHandler receives the packets of an active stream. It is called from the
// driver's delivery goroutine and must not block.
type SampleHandler func(Packet)

// GainHandler receives the gain reduction values the hardware applies.
type GainHandler func(gr, lnaState int)

// Params are handed to the driver on initialization.
type Params struct {
	Settings
	Derived
}

// Driver of a receiver device. Packets and gain reports are delivered through
// the handlers given to StreamInit until Uninit returns.
type Driver interface {
	Name() string
	NumChannels() int
	StreamInit(params Params, onSamples SampleHandler, onGain GainHandler) (samplesPerPacket int, err error)
	Reinit(params Params, reason Reason) (samplesPerPacket int, err error)
	Uninit() error
	SetGain(gr, lnaState int) error
	SetFrequency(f core.Frequency) error
	SetFrequencyCorrection(ppm float64) error
	ResetUpdateFlags(gain, frequency, rate bool) error
	Close() error
}

// IFMode is the intermediate frequency scheme of the tuner.
type IFMode int

// All IF modes.
const (
	IFZero IFMode = iota
	IF450kHz
	IF1620kHz
	IF2048kHz
)

var ifModeNames = map[IFMode]string{
	IFZero:    "Zero-IF",
	IF450kHz:  "450kHz",
	IF1620kHz: "1620kHz",
	IF2048kHz: "2048kHz",
}

func (m IFMode) String() string {
	if name, ok := ifModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("IFMode(%d)", int(m))
}

// ParseIFMode parses the textual representation of an IF mode.
func ParseIFMode(s string) (IFMode, error) {
	value := strings.ToLower(strings.TrimSpace(s))
	if value == "" || value == "zero" {
		return IFZero, nil
	}
	for mode, name := range ifModeNames {
		if strings.ToLower(name) == value {
			return mode, nil
		}
	}
	return IFZero, errors.Wrapf(ErrOutOfRange, "unknown IF mode %q", s)
}

// Settings of the receiver as requested by the application or as applied to
// the hardware. A zero bandwidth selects the bandwidth for the sample rate.
type Settings struct {
	SampleRate          core.Frequency
	CenterFrequency     core.Frequency
	Bandwidth           core.Frequency
	IFMode              IFMode
	GainReduction       int
	LNAState            int
	LO                  bandplan.LO
	FrequencyCorrection float64
}

func (s Settings) String() string {
	return fmt.Sprintf("rate %.0fHz, frequency %.0fHz, bandwidth %.0fHz, %v, GR %ddB, LNA %d, LO %v, correction %.1fppm",
		s.SampleRate, s.CenterFrequency, s.Bandwidth, s.IFMode, s.GainReduction, s.LNAState, s.LO, s.FrequencyCorrection)
}

// Validate checks that all settings are within the supported ranges. Nothing is clamped.
func (s Settings) Validate() error {
	if err := CheckSampleRate(s.SampleRate); err != nil {
		return err
	}
	if err := CheckFrequency(s.CenterFrequency); err != nil {
		return err
	}
	if s.Bandwidth != 0 {
		if err := CheckBandwidth(s.Bandwidth); err != nil {
			return err
		}
	}
	if _, ok := ifModeNames[s.IFMode]; !ok {
		return errors.Wrapf(ErrOutOfRange, "unknown IF mode %d", int(s.IFMode))
	}
	if s.GainReduction < bandplan.MinGainReduction || s.GainReduction > bandplan.MaxGainReduction {
		return errors.Wrapf(ErrOutOfRange, "gain reduction %d dB not in [%d,%d]", s.GainReduction, bandplan.MinGainReduction, bandplan.MaxGainReduction)
	}
	if s.FrequencyCorrection < -MaxFrequencyCorrection || s.FrequencyCorrection > MaxFrequencyCorrection {
		return errors.Wrapf(ErrOutOfRange, "frequency correction %.1fppm not in [%.0f,%.0f]", s.FrequencyCorrection, -MaxFrequencyCorrection, MaxFrequencyCorrection)
	}
	return nil
}
