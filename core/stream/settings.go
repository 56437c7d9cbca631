package stream

import (
	"github.com/pkg/errors"

	"github.com/ftl/sdrstream/core"
	"github.com/ftl/sdrstream/core/agc"
	"github.com/ftl/sdrstream/core/hw"
)

// The setters below are accepted at any time. While the stream is active, the
// new values are applied before the next buffer is read. The getters report
// the last requested values.

// SetSampleRate requests a new output sample rate.
func (c *Coordinator) SetSampleRate(rate core.Frequency) error {
	if err := hw.CheckSampleRate(rate); err != nil {
		return err
	}
	c.request(func(s *hw.Settings) {
		s.SampleRate = rate
	})
	return nil
}

// SampleRate returns the requested output sample rate.
func (c *Coordinator) SampleRate() core.Frequency {
	return c.requestedSettings().SampleRate
}

// SetFrequency requests a new center frequency.
func (c *Coordinator) SetFrequency(f core.Frequency) error {
	if err := hw.CheckFrequency(f); err != nil {
		return err
	}
	c.request(func(s *hw.Settings) {
		s.CenterFrequency = f
	})
	return nil
}

// Frequency returns the requested center frequency.
func (c *Coordinator) Frequency() core.Frequency {
	return c.requestedSettings().CenterFrequency
}

// SetFrequencyCorrection requests a new frequency correction in ppm.
func (c *Coordinator) SetFrequencyCorrection(ppm float64) error {
	if ppm < -hw.MaxFrequencyCorrection || ppm > hw.MaxFrequencyCorrection {
		return errors.Wrapf(hw.ErrOutOfRange, "frequency correction %.1fppm", ppm)
	}
	c.request(func(s *hw.Settings) {
		s.FrequencyCorrection = ppm
	})
	return nil
}

// FrequencyCorrection returns the requested frequency correction in ppm.
func (c *Coordinator) FrequencyCorrection() float64 {
	return c.requestedSettings().FrequencyCorrection
}

// SetBandwidth requests a new bandwidth. Zero selects the bandwidth that fits
// the sample rate.
func (c *Coordinator) SetBandwidth(bw core.Frequency) error {
	if bw != 0 {
		if err := hw.CheckBandwidth(bw); err != nil {
			return err
		}
	}
	c.request(func(s *hw.Settings) {
		s.Bandwidth = bw
	})
	return nil
}

// Bandwidth returns the requested bandwidth, or the bandwidth that fits the
// requested sample rate.
func (c *Coordinator) Bandwidth() core.Frequency {
	requested := c.requestedSettings()
	if requested.Bandwidth != 0 {
		return requested.Bandwidth
	}
	return hw.BandwidthForRate(requested.SampleRate, requested.IFMode)
}

// SetIFMode requests a new IF mode.
func (c *Coordinator) SetIFMode(mode hw.IFMode) error {
	if _, err := hw.ParseIFMode(mode.String()); err != nil {
		return err
	}
	c.request(func(s *hw.Settings) {
		s.IFMode = mode
	})
	return nil
}

// IFMode returns the requested IF mode.
func (c *Coordinator) IFMode() hw.IFMode {
	return c.requestedSettings().IFMode
}

// SetGainMode switches between manual and automatic gain control.
func (c *Coordinator) SetGainMode(mode core.GainMode) {
	c.gain.SetAutomatic(mode == core.GainAutomatic)
}

// GainMode returns the current gain mode.
func (c *Coordinator) GainMode() core.GainMode {
	return core.GainMode(c.gain.Automatic())
}

// SetGain requests a gain reduction for manual mode.
func (c *Coordinator) SetGain(gr int) error {
	if err := c.gain.SetGainReduction(gr); err != nil {
		return errors.Wrap(hw.ErrOutOfRange, err.Error())
	}
	return nil
}

// Gain returns the requested gain reduction in manual mode and the value of the
// gain control loop in automatic mode.
func (c *Coordinator) Gain() int {
	if c.gain.Automatic() {
		return c.gain.GainReduction()
	}
	return c.gain.RequestedGainReduction()
}

// SetAGCSetpoint sets the target power of the gain control loop in dBFS.
func (c *Coordinator) SetAGCSetpoint(dbfs core.DB) error {
	return c.gain.SetSetpoint(dbfs)
}

// AGCSetpoint returns the target power of the gain control loop in dBFS.
func (c *Coordinator) AGCSetpoint() core.DB {
	return c.gain.Setpoint()
}

// GainControl gives access to the gain control loop.
func (c *Coordinator) GainControl() *agc.Controller {
	return c.gain
}

// Applied returns the settings the hardware currently runs with.
func (c *Coordinator) Applied() hw.Settings {
	return c.session.Applied()
}

// Derived returns the hardware rate, decimation, bandwidth and output rate the
// hardware currently runs with.
func (c *Coordinator) Derived() hw.Derived {
	return c.session.Derived()
}

// NumChannels returns the number of channels of the device.
func (c *Coordinator) NumChannels() int {
	return c.driver.NumChannels()
}

// DriverName returns the name of the driver.
func (c *Coordinator) DriverName() string {
	return c.driver.Name()
}
