// Package hwtest provides a driver for tests that delivers packets only when
// the test asks for it.
package hwtest

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/ftl/sdrstream/core"
	"github.com/ftl/sdrstream/core/hw"
)

// NewDriver returns a driver with the given number of channels that reports
// samplesPerPacket on every initialization.
func NewDriver(channels, samplesPerPacket int) *Driver {
	return &Driver{
		channels:         channels,
		SamplesPerPacket: samplesPerPacket,
	}
}

// Driver records every call. The exported error fields make the next call of
// the corresponding method fail.
type Driver struct {
	mu       sync.Mutex
	channels int

	SamplesPerPacket int
	InitErr          error
	ReinitErr        error
	GainErr          error

	onSamples hw.SampleHandler
	onGain    hw.GainHandler
	params    hw.Params
	active    bool

	Inits       int
	Reinits     []hw.Reason
	Uninits     int
	Gains       []int
	Frequencies []core.Frequency
	Corrections []float64
	FlagResets  int
	Closed      bool
}

// Name of the driver.
func (d *Driver) Name() string { return "test" }

// NumChannels of the driver.
func (d *Driver) NumChannels() int { return d.channels }

// StreamInit implements hw.Driver.
func (d *Driver) StreamInit(params hw.Params, onSamples hw.SampleHandler, onGain hw.GainHandler) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.InitErr != nil {
		return 0, d.InitErr
	}
	d.Inits++
	d.params = params
	d.onSamples = onSamples
	d.onGain = onGain
	d.active = true
	return d.SamplesPerPacket, nil
}

// Reinit implements hw.Driver.
func (d *Driver) Reinit(params hw.Params, reason hw.Reason) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ReinitErr != nil {
		return 0, d.ReinitErr
	}
	d.Reinits = append(d.Reinits, reason)
	d.params = params
	return d.SamplesPerPacket, nil
}

// Uninit implements hw.Driver.
func (d *Driver) Uninit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Uninits++
	d.active = false
	return nil
}

// SetGain implements hw.Driver.
func (d *Driver) SetGain(gr, lnaState int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.GainErr != nil {
		return d.GainErr
	}
	d.Gains = append(d.Gains, gr)
	d.params.GainReduction = gr
	d.params.LNAState = lnaState
	return nil
}

// SetFrequency implements hw.Driver.
func (d *Driver) SetFrequency(f core.Frequency) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Frequencies = append(d.Frequencies, f)
	d.params.CenterFrequency = f
	return nil
}

// SetFrequencyCorrection implements hw.Driver.
func (d *Driver) SetFrequencyCorrection(ppm float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Corrections = append(d.Corrections, ppm)
	d.params.FrequencyCorrection = ppm
	return nil
}

// ResetUpdateFlags implements hw.Driver.
func (d *Driver) ResetUpdateFlags(gain, frequency, rate bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gain {
		d.FlagResets++
	}
	return nil
}

// Close implements hw.Driver.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Closed = true
	return nil
}

// Params returns the parameters the driver currently runs with.
func (d *Driver) Params() hw.Params {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.params
}

// Active indicates if the stream is initialized.
func (d *Driver) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Deliver hands the given packet to the sample handler, like the hardware
// would do from its delivery goroutine.
func (d *Driver) Deliver(packet hw.Packet) error {
	d.mu.Lock()
	onSamples := d.onSamples
	active := d.active
	d.mu.Unlock()
	if !active {
		return errors.New("stream not initialized")
	}
	onSamples(packet)
	return nil
}

// DeliverSamples delivers one packet per channel, each holding n samples
// counting up from start.
func (d *Driver) DeliverSamples(n int, start int16) error {
	for channel := 0; channel < d.channels; channel++ {
		if err := d.Deliver(Ramp(channel, n, start)); err != nil {
			return err
		}
	}
	return nil
}

// AcknowledgeGain reports the current gain reduction through the gain handler.
func (d *Driver) AcknowledgeGain() {
	d.mu.Lock()
	onGain := d.onGain
	gr := d.params.GainReduction
	lna := d.params.LNAState
	d.mu.Unlock()
	if onGain != nil {
		onGain(gr, lna)
	}
}

// Ramp returns a packet whose I values count up from start and whose Q values
// count down from -start.
func Ramp(channel, n int, start int16) hw.Packet {
	result := hw.Packet{
		Channel: channel,
		I:       make([]int16, n),
		Q:       make([]int16, n),
	}
	for k := 0; k < n; k++ {
		result.I[k] = start + int16(k)
		result.Q[k] = -(start + int16(k))
	}
	return result
}
