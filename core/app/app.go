// Package app wires a receiver, the stream coordinator and the optional VFO
// follower into an application.
package app

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/ftl/sdrstream/core"
	"github.com/ftl/sdrstream/core/agc"
	"github.com/ftl/sdrstream/core/bandplan"
	"github.com/ftl/sdrstream/core/hw"
	"github.com/ftl/sdrstream/core/registry"
	"github.com/ftl/sdrstream/core/rtlsdr"
	"github.com/ftl/sdrstream/core/sim"
	"github.com/ftl/sdrstream/core/stream"
	"github.com/ftl/sdrstream/core/vfo"
)

// SimulationSerial is claimed for the simulated receiver.
const SimulationSerial = "simulation"

// New returns a new controller for the given configuration. The registry
// makes sure a device is opened only once per process.
func New(configuration core.Configuration, devices *registry.Registry) *Controller {
	return &Controller{
		configuration: configuration,
		devices:       devices,
		openDriver:    openDriver,
	}
}

// Controller for the application.
type Controller struct {
	configuration core.Configuration
	devices       *registry.Registry
	openDriver    func(core.Configuration) (hw.Driver, string, error)

	driver      hw.Driver
	serial      string
	coordinator *stream.Coordinator
	stream      *stream.Stream

	done         chan struct{}
	subProcesses *sync.WaitGroup
}

type serialer interface {
	Serial() string
}

func openDriver(configuration core.Configuration) (hw.Driver, string, error) {
	if configuration.Testmode || strings.EqualFold(configuration.Driver, "sim") {
		config := sim.DefaultConfig()
		return sim.NewDriver(config), SimulationSerial, nil
	}
	switch strings.ToLower(configuration.Driver) {
	case "", "rtlsdr":
		dongle, err := rtlsdr.Open(configuration.Serial, configuration.DeviceIndex)
		if err != nil {
			return nil, "", err
		}
		return dongle, dongle.Serial(), nil
	default:
		return nil, "", errors.Errorf("unknown driver %q", configuration.Driver)
	}
}

// Startup opens the receiver and activates the stream.
func (c *Controller) Startup() error {
	c.done = make(chan struct{})
	c.subProcesses = new(sync.WaitGroup)

	options, err := c.options()
	if err != nil {
		return err
	}

	driver, serial, err := c.openDriver(c.configuration)
	if err != nil {
		return errors.Wrap(err, "cannot open receiver")
	}
	if s, ok := driver.(serialer); ok && serial == "" {
		serial = s.Serial()
	}
	if err := c.devices.Claim(serial); err != nil {
		driver.Close()
		return err
	}
	c.driver = driver
	c.serial = serial

	c.coordinator = stream.NewCoordinator(driver, options)
	args := stream.Args{NumBuffers: c.configuration.NumBuffers, BufferLength: c.configuration.BufferLength}
	c.stream, err = c.coordinator.Setup(c.configuration.Format, []int{0}, args)
	if err != nil {
		c.release()
		return err
	}
	if err := c.coordinator.Activate(c.stream); err != nil {
		c.release()
		return err
	}
	log.Printf("[INFO] %s (%s) streaming %v", driver.Name(), serial, c.stream.Format())

	if c.configuration.VFOHost != "" {
		follower, err := vfo.Open(c.configuration.VFOHost, c.configuration.VFOOffset, c.coordinator)
		if err != nil {
			log.Printf("[WARN] cannot follow the VFO: %v", err)
		} else {
			follower.Run(c.done, c.subProcesses)
		}
	}
	return nil
}

func (c *Controller) options() (stream.Options, error) {
	options := stream.DefaultOptions()

	mode, err := hw.ParseIFMode(c.configuration.IFMode)
	if err != nil {
		return options, err
	}
	options.Settings = hw.Settings{
		SampleRate:          c.configuration.SampleRate,
		CenterFrequency:     c.configuration.CenterFrequency,
		Bandwidth:           c.configuration.Bandwidth,
		IFMode:              mode,
		GainReduction:       c.configuration.GainReduction,
		FrequencyCorrection: c.configuration.FrequencyCorrection,
	}
	if err := options.Settings.Validate(); err != nil {
		return options, err
	}

	if c.configuration.BandTable != "" {
		options.Bands, err = bandplan.LoadINI(c.configuration.BandTable)
		if err != nil {
			return options, err
		}
	}

	options.AGC = agc.Config{
		Automatic:     c.configuration.AGC,
		Setpoint:      c.configuration.AGCSetpoint,
		Hysteresis:    c.configuration.AGCHysteresis,
		GainReduction: c.configuration.GainReduction,
		Min:           bandplan.MinGainReduction,
		Max:           bandplan.MaxGainReduction,
	}
	return options, nil
}

// Shutdown the application.
func (c *Controller) Shutdown() {
	if c.done == nil {
		return
	}
	close(c.done)
	c.subProcesses.Wait()
	c.done = nil

	if c.stream != nil {
		if err := c.coordinator.Close(c.stream); err != nil {
			log.Printf("[WARN] cannot stop the stream: %v", err)
		}
		c.stream = nil
	}
	c.release()
}

func (c *Controller) release() {
	if c.driver == nil {
		return
	}
	if err := c.driver.Close(); err != nil {
		log.Printf("[WARN] cannot close %s: %v", c.driver.Name(), err)
	}
	c.devices.Release(c.serial)
	c.driver = nil
}

// Coordinator of the running stream.
func (c *Controller) Coordinator() *stream.Coordinator {
	return c.coordinator
}

// Report of a probe run.
type Report struct {
	Driver    string
	Serial    string
	Format    core.SampleFormat
	Applied   hw.Settings
	Derived   hw.Derived
	GainMode  core.GainMode
	Blocks    int
	Samples   int
	Overflows int
	Power     core.DB
	Peak      core.DB
	Offset    core.Frequency
}

func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "driver:      %s (%s)\n", r.Driver, r.Serial)
	fmt.Fprintf(&b, "format:      %v\n", r.Format)
	fmt.Fprintf(&b, "frequency:   %.0fHz\n", r.Applied.CenterFrequency)
	fmt.Fprintf(&b, "sample rate: %.0fHz (hardware %.0fHz, decimation %d)\n", r.Derived.OutputRate, r.Derived.HardwareRate, r.Derived.Decimation)
	fmt.Fprintf(&b, "bandwidth:   %.0fHz\n", r.Derived.Bandwidth)
	fmt.Fprintf(&b, "IF mode:     %v\n", r.Applied.IFMode)
	fmt.Fprintf(&b, "gain:        GR %ddB, LNA state %d, %v\n", r.Applied.GainReduction, r.Applied.LNAState, r.GainMode)
	fmt.Fprintf(&b, "read:        %d samples in %d blocks, %d overflows\n", r.Samples, r.Blocks, r.Overflows)
	fmt.Fprintf(&b, "power:       %.1fdBFS\n", r.Power)
	fmt.Fprintf(&b, "peak:        %.1fdBFS at %+.0fHz\n", r.Peak, r.Offset)
	return b.String()
}
