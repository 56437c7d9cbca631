// Package agc implements the software gain control loop of the receiver.
//
// The controller is fed once per full sample buffer. In automatic mode it
// estimates the average power of the buffer and moves the gain reduction toward
// the setpoint. In manual mode it forwards the requested gain reduction. In both
// modes a new value is only issued after the hardware acknowledged the previous
// one.
package agc

import (
	"log"
	"math"
	"sync"

	"github.com/pkg/errors"

	"github.com/ftl/sdrstream/core"
	"github.com/ftl/sdrstream/core/bandplan"
	"github.com/ftl/sdrstream/core/dsp"
)

// Parameters of the control loop.
const (
	HistoryLength = 5
	FilterRate    = 0.1
	KickThreshold = 10

	DefaultSetpoint   core.DB = -30
	DefaultHysteresis core.DB = 3
)

// ErrOutOfRange is returned for gain reduction values outside of the limits.
var ErrOutOfRange = errors.New("gain reduction out of range")

// Commander issues gain commands to the hardware.
type Commander interface {
	SetGainReduction(gr int) error
	ResetGainAcknowledgment() error
}

// Event tells what a cycle did.
type Event int

// All events.
const (
	None Event = iota
	Issued
	Kicked
	Waiting
)

func (e Event) String() string {
	switch e {
	case None:
		return "none"
	case Issued:
		return "issued"
	case Kicked:
		return "kicked"
	case Waiting:
		return "waiting"
	default:
		return "unknown"
	}
}

// Config of a controller.
type Config struct {
	Automatic     bool
	Setpoint      core.DB
	Hysteresis    core.DB
	GainReduction int
	Min, Max      int
}

// DefaultConfig returns the configuration used when nothing else is given.
func DefaultConfig() Config {
	return Config{
		Automatic:     true,
		Setpoint:      DefaultSetpoint,
		Hysteresis:    DefaultHysteresis,
		GainReduction: bandplan.UnknownBand.TargetGR,
		Min:           bandplan.MinGainReduction,
		Max:           bandplan.MaxGainReduction,
	}
}

// New returns a new controller. The given gain reduction is taken as the value
// the hardware starts with.
func New(config Config) *Controller {
	if config.Min == 0 && config.Max == 0 {
		config.Min, config.Max = bandplan.MinGainReduction, bandplan.MaxGainReduction
	}
	if config.Hysteresis < 0 {
		config.Hysteresis = -config.Hysteresis
	}
	result := &Controller{
		automatic:  config.Automatic,
		setpoint:   config.Setpoint,
		hysteresis: config.Hysteresis,
		min:        config.Min,
		max:        config.Max,
		filter:     newSmoother(HistoryLength, FilterRate),
	}
	result.requested = result.clamp(config.GainReduction)
	result.applied = result.requested
	result.filter.Seed(float64(result.applied))
	return result
}

// Controller of the gain reduction.
type Controller struct {
	mu sync.Mutex

	automatic  bool
	setpoint   core.DB
	hysteresis core.DB
	min, max   int

	requested int
	applied   int
	issued    int
	pending   bool
	waiting   int
	kicks     int
	power     core.DB

	filter *smoother
}

// SetAutomatic switches between automatic and manual mode. Switching to
// automatic mode aligns the filter with the applied value.
func (c *Controller) SetAutomatic(automatic bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if automatic && !c.automatic {
		c.filter.Seed(float64(c.applied))
	}
	if !automatic && c.automatic {
		c.requested = c.applied
	}
	c.automatic = automatic
}

// Automatic indicates if the controller runs in automatic mode.
func (c *Controller) Automatic() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.automatic
}

// SetGainReduction requests the given gain reduction for manual mode.
func (c *Controller) SetGainReduction(gr int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gr < c.min || gr > c.max {
		return errors.Wrapf(ErrOutOfRange, "%d dB not in [%d,%d]", gr, c.min, c.max)
	}
	c.requested = gr
	return nil
}

// RequestedGainReduction returns the gain reduction requested for manual mode.
func (c *Controller) RequestedGainReduction() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requested
}

// GainReduction returns the gain reduction the hardware currently applies.
func (c *Controller) GainReduction() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied
}

// SetLimits sets the range of the gain reduction, e.g. after the band changed.
func (c *Controller) SetLimits(min, max int) {
	if min > max {
		min, max = max, min
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.min = min
	c.max = max
	c.requested = c.clamp(c.requested)
}

// Limits returns the range of the gain reduction.
func (c *Controller) Limits() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.min, c.max
}

// SetSetpoint sets the target power in dBFS.
func (c *Controller) SetSetpoint(dbfs core.DB) error {
	if dbfs > 0 || dbfs < -60 {
		return errors.Errorf("AGC setpoint %v not in [-60,0] dBFS", dbfs)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setpoint = dbfs
	return nil
}

// Setpoint returns the target power in dBFS.
func (c *Controller) Setpoint() core.DB {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setpoint
}

// SetHysteresis sets the width of the band around the setpoint in which the
// gain is not changed.
func (c *Controller) SetHysteresis(db core.DB) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hysteresis = core.DB(math.Abs(float64(db)))
}

// Acknowledge is called when the hardware reports that the last issued gain
// value is applied.
func (c *Controller) Acknowledge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pending {
		return
	}
	c.pending = false
	c.waiting = 0
	c.applied = c.issued
}

// Reported is called when the hardware reports the gain reduction it applies,
// independently of an issued command.
func (c *Controller) Reported(gr int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied = gr
	if c.pending && gr == c.issued {
		c.pending = false
		c.waiting = 0
	}
}

// Resync forgets any outstanding acknowledgment and takes the given value as
// applied, e.g. after the hardware was reinitialized with it.
func (c *Controller) Resync(gr int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = false
	c.waiting = 0
	c.applied = gr
	c.filter.Seed(float64(gr))
}

// Pending indicates if an acknowledgment is outstanding.
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Kicks returns the number of forced re-synchronizations so far.
func (c *Controller) Kicks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kicks
}

// Power returns the average power of the last buffer in dBFS.
func (c *Controller) Power() core.DB {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.power
}

// History returns the last filtered gain estimates, oldest first.
func (c *Controller) History() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter.History()
}

// Cycle runs one step of the control loop on the given samples.
func (c *Controller) Cycle(cmd Commander, samples core.SamplesCS16) (Event, error) {
	c.mu.Lock()
	if len(samples) > 0 {
		c.power = core.PowerToDB(dsp.AveragePower(samples))
	}

	if c.pending {
		c.waiting++
		if c.waiting < KickThreshold {
			c.mu.Unlock()
			return Waiting, nil
		}
		c.pending = false
		c.waiting = 0
		c.kicks++
		c.mu.Unlock()

		log.Printf("[DEBUG] gain change not acknowledged after %d cycles, resetting", KickThreshold)
		err := cmd.ResetGainAcknowledgment()
		if err != nil {
			return Kicked, errors.Wrap(err, "cannot reset gain acknowledgment")
		}
		return Kicked, nil
	}

	var candidate int
	if c.automatic {
		if len(samples) == 0 {
			c.mu.Unlock()
			return None, nil
		}
		deviation := c.power - c.setpoint
		if math.Abs(float64(deviation)) <= float64(c.hysteresis) {
			// the limits may have moved below or above the applied value
			candidate = c.clamp(c.applied)
			if candidate != c.applied {
				c.filter.Seed(float64(candidate))
			}
		} else {
			raw := float64(c.applied) + float64(deviation)
			candidate = c.clamp(int(math.Round(c.filter.Put(raw))))
		}
	} else {
		candidate = c.requested
	}

	if candidate == c.applied {
		c.mu.Unlock()
		return None, nil
	}
	c.issued = candidate
	c.pending = true
	c.waiting = 0
	c.mu.Unlock()

	log.Printf("[DEBUG] issuing gain reduction %d dB", candidate)
	err := cmd.SetGainReduction(candidate)
	if err != nil {
		c.mu.Lock()
		c.pending = false
		c.mu.Unlock()
		return None, errors.Wrapf(err, "cannot set gain reduction %d dB", candidate)
	}
	return Issued, nil
}

func (c *Controller) clamp(gr int) int {
	if gr < c.min {
		return c.min
	}
	if gr > c.max {
		return c.max
	}
	return gr
}
