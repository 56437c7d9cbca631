package hw

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/ftl/sdrstream/core/bandplan"
	"github.com/ftl/sdrstream/core/dsp"
)

// NewSession returns a session on the given driver. The bands decide which LO
// is used for a center frequency.
func NewSession(driver Driver, bands bandplan.Table) *Session {
	return &Session{
		driver: driver,
		bands:  bands,
	}
}

// Session owns an initialized driver. Calls into the driver are serialized by
// driverMu. The bookkeeping under mu is only held for short reads and commits,
// so getters and the packet delivery path never wait for the driver.
type Session struct {
	driver Driver
	bands  bandplan.Table

	driverMu sync.Mutex

	mu               sync.Mutex
	active           bool
	applied          Settings
	derived          Derived
	samplesPerPacket int
	onSamples        SampleHandler

	path atomic.Pointer[pipeline]
}

// pipeline decimates the packets of one hardware configuration.
type pipeline struct {
	onSamples  SampleHandler
	decimators []*dsp.Decimator
	outI, outQ [][]int16
}

func newPipeline(onSamples SampleHandler, channels, decimation, samplesPerPacket int) *pipeline {
	result := &pipeline{
		onSamples:  onSamples,
		decimators: make([]*dsp.Decimator, channels),
		outI:       make([][]int16, channels),
		outQ:       make([][]int16, channels),
	}
	for i := range result.decimators {
		result.decimators[i] = dsp.NewDecimator(decimation)
		result.outI[i] = make([]int16, samplesPerPacket/decimation)
		result.outQ[i] = make([]int16, samplesPerPacket/decimation)
	}
	return result
}

// Driver returns the driver of this session.
func (s *Session) Driver() Driver {
	return s.driver
}

// Start initializes the hardware with the given settings and starts the
// delivery of packets to onSamples. Gain reports go to onGain.
func (s *Session) Start(settings Settings, onSamples SampleHandler, onGain GainHandler) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	derived, err := Derive(settings)
	if err != nil {
		return err
	}

	s.driverMu.Lock()
	defer s.driverMu.Unlock()

	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return errors.New("hardware session already started")
	}
	s.onSamples = onSamples
	s.mu.Unlock()

	samplesPerPacket, err := s.driver.StreamInit(Params{Settings: settings, Derived: derived}, s.handlePacket, onGain)
	if err != nil {
		return errors.Wrapf(err, "cannot initialize %s", s.driver.Name())
	}

	s.mu.Lock()
	s.active = true
	err = s.install(settings, derived, samplesPerPacket)
	s.mu.Unlock()
	if err != nil {
		s.uninit()
		return err
	}
	log.Printf("[INFO] %s started: %v, hardware rate %.0fHz, decimation %d, %d samples per packet",
		s.driver.Name(), settings, derived.HardwareRate, derived.Decimation, samplesPerPacket)
	return nil
}

// Apply brings the hardware to the requested settings with the least
// disruptive action. The returned update tells what was done. On error the
// hardware state is uncertain and the session must be stopped.
func (s *Session) Apply(requested Settings) (Update, error) {
	if err := requested.Validate(); err != nil {
		return Update{}, err
	}

	s.driverMu.Lock()
	defer s.driverMu.Unlock()

	s.mu.Lock()
	active := s.active
	applied := s.applied
	s.mu.Unlock()
	if !active {
		return Update{}, ErrNotStarted
	}

	update := Plan(applied, requested, s.bands)
	switch update.Action {
	case ActionNone:
		return update, nil
	case ActionRetune:
		return update, s.retune(applied, requested, update.Reason)
	default:
		return update, s.reinit(applied, requested, update.Reason)
	}
}

// retune changes the given aspects in place. Callers hold driverMu.
func (s *Session) retune(applied, requested Settings, reason Reason) error {
	if reason.Has(ReasonFrequency) {
		if err := s.driver.SetFrequency(requested.CenterFrequency); err != nil {
			return errors.Wrapf(err, "cannot tune to %.0fHz", requested.CenterFrequency)
		}
		s.commit(func(a *Settings) { a.CenterFrequency = requested.CenterFrequency })
	}
	if reason.Has(ReasonCorrection) {
		if err := s.driver.SetFrequencyCorrection(requested.FrequencyCorrection); err != nil {
			return errors.Wrapf(err, "cannot set frequency correction %.1fppm", requested.FrequencyCorrection)
		}
		s.commit(func(a *Settings) { a.FrequencyCorrection = requested.FrequencyCorrection })
	}
	if reason.Has(ReasonLNA) {
		if err := s.driver.SetGain(applied.GainReduction, requested.LNAState); err != nil {
			return errors.Wrapf(err, "cannot set LNA state %d", requested.LNAState)
		}
		s.commit(func(a *Settings) { a.LNAState = requested.LNAState })
	}
	log.Printf("[DEBUG] retuned in place (%v): %v", reason, s.Applied())
	return nil
}

// reinit reinitializes the hardware. Callers hold driverMu.
func (s *Session) reinit(applied, requested Settings, reason Reason) error {
	derived, err := Derive(requested)
	if err != nil {
		return err
	}
	requested.GainReduction = applied.GainReduction

	samplesPerPacket, err := s.driver.Reinit(Params{Settings: requested, Derived: derived}, reason)
	if err != nil {
		return errors.Wrapf(err, "cannot reinitialize %s (%v)", s.driver.Name(), reason)
	}

	s.mu.Lock()
	err = s.install(requested, derived, samplesPerPacket)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	log.Printf("[INFO] %s reinitialized (%v): %v, hardware rate %.0fHz, decimation %d",
		s.driver.Name(), reason, requested, derived.HardwareRate, derived.Decimation)
	return nil
}

func (s *Session) commit(change func(*Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	change(&s.applied)
}

// install commits a new hardware configuration. Callers hold mu.
func (s *Session) install(settings Settings, derived Derived, samplesPerPacket int) error {
	if samplesPerPacket <= 0 || samplesPerPacket%derived.Decimation != 0 {
		return errors.Wrapf(ErrInconsistent, "decimation %d does not divide %d samples per packet", derived.Decimation, samplesPerPacket)
	}
	s.applied = settings
	s.derived = derived
	s.samplesPerPacket = samplesPerPacket
	s.path.Store(newPipeline(s.onSamples, s.driver.NumChannels(), derived.Decimation, samplesPerPacket))
	return nil
}

// Stop uninitializes the hardware. When Stop returns, no more packets are delivered.
func (s *Session) Stop() error {
	s.driverMu.Lock()
	defer s.driverMu.Unlock()
	if !s.Active() {
		return nil
	}
	return s.uninit()
}

// uninit stops the hardware. Callers hold driverMu.
func (s *Session) uninit() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	err := s.driver.Uninit()
	s.path.Store(nil)
	if err != nil {
		return errors.Wrapf(err, "cannot uninitialize %s", s.driver.Name())
	}
	log.Printf("[INFO] %s stopped", s.driver.Name())
	return nil
}

// Active indicates if the hardware is initialized.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Applied returns the settings the hardware runs with.
func (s *Session) Applied() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

// Derived returns the values derived from the applied settings.
func (s *Session) Derived() Derived {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.derived
}

// SamplesPerPacket returns the number of samples per packet the hardware delivers.
func (s *Session) SamplesPerPacket() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samplesPerPacket
}

// Decimation returns the current software decimation factor.
func (s *Session) Decimation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.derived.Decimation == 0 {
		return 1
	}
	return s.derived.Decimation
}

// SetGainReduction issues a new gain reduction to the hardware. The hardware
// acknowledges the change asynchronously.
func (s *Session) SetGainReduction(gr int) error {
	s.driverMu.Lock()
	defer s.driverMu.Unlock()

	s.mu.Lock()
	active := s.active
	lnaState := s.applied.LNAState
	s.mu.Unlock()
	if !active {
		return ErrNotStarted
	}

	if err := s.driver.SetGain(gr, lnaState); err != nil {
		return err
	}
	s.commit(func(a *Settings) { a.GainReduction = gr })
	return nil
}

// ResetGainAcknowledgment makes the hardware forget an outstanding gain change.
func (s *Session) ResetGainAcknowledgment() error {
	s.driverMu.Lock()
	defer s.driverMu.Unlock()
	if !s.Active() {
		return ErrNotStarted
	}
	return s.driver.ResetUpdateFlags(true, false, false)
}

// handlePacket runs on the driver's delivery goroutine.
func (s *Session) handlePacket(packet Packet) {
	path := s.path.Load()
	if path == nil || packet.Channel < 0 || packet.Channel >= len(path.decimators) {
		return
	}
	decimator := path.decimators[packet.Channel]
	if decimator.Factor() > 1 {
		outI := path.outI[packet.Channel]
		outQ := path.outQ[packet.Channel]
		if need := decimator.OutputLen(packet.Len()); need > len(outI) {
			outI = make([]int16, need)
			outQ = make([]int16, need)
			path.outI[packet.Channel] = outI
			path.outQ[packet.Channel] = outQ
		}
		n := decimator.Process(packet.I, packet.Q, outI, outQ)
		packet.I = outI[:n]
		packet.Q = outQ[:n]
	}
	path.onSamples(packet)
}
