package stream

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/ftl/sdrstream/core"
	"github.com/ftl/sdrstream/core/agc"
	"github.com/ftl/sdrstream/core/bandplan"
	"github.com/ftl/sdrstream/core/hw"
)

// Options of a coordinator.
type Options struct {
	Settings hw.Settings
	Bands    bandplan.Table
	AGC      agc.Config
}

// DefaultOptions returns 2.048MHz at 100MHz with automatic gain control.
func DefaultOptions() Options {
	return Options{
		Settings: hw.Settings{
			SampleRate:      2048000,
			CenterFrequency: 100000000,
			GainReduction:   bandplan.UnknownBand.TargetGR,
		},
		Bands: bandplan.Default,
		AGC:   agc.DefaultConfig(),
	}
}

// NewCoordinator returns a coordinator for the given driver.
func NewCoordinator(driver hw.Driver, options Options) *Coordinator {
	if options.Bands == nil {
		options.Bands = bandplan.Default
	}
	if options.AGC.GainReduction == 0 {
		options.AGC.GainReduction = options.Settings.GainReduction
	}
	result := &Coordinator{
		driver:    driver,
		session:   hw.NewSession(driver, options.Bands),
		bands:     options.Bands,
		gain:      agc.New(options.AGC),
		requested: options.Settings,
	}
	return result
}

// Coordinator of the receive stream.
type Coordinator struct {
	driver  hw.Driver
	session *hw.Session
	bands   bandplan.Table
	gain    *agc.Controller

	deviceMu  sync.Mutex
	requested hw.Settings
	pending   bool

	stateMu    sync.Mutex
	state      State
	stream     *Stream
	activating bool

	current atomic.Pointer[Stream]
}

// Setup validates the format and the channel selection and prepares a stream.
// No channels select the first channel.
func (c *Coordinator) Setup(format core.SampleFormat, channels []int, args Args) (*Stream, error) {
	if format != core.FormatCS16 && format != core.FormatCF32 {
		return nil, errors.Wrapf(ErrInvalidFormat, "%v", format)
	}
	if len(channels) == 0 {
		channels = []int{0}
	}
	if err := c.checkChannels(channels); err != nil {
		return nil, err
	}
	if args.NumBuffers <= 0 {
		args.NumBuffers = DefaultNumBuffers
	}
	if args.BufferLength <= 0 {
		args.BufferLength = DefaultBufferLength
	}

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state != Idle {
		return nil, errors.Errorf("cannot set up a stream while %v", c.state)
	}

	result := &Stream{
		format:   format,
		channels: append([]int(nil), channels...),
		args:     args,
		index:    make(map[int]int, len(channels)),
		mtu:      args.BufferLength,
	}
	for i, channel := range channels {
		result.index[channel] = i
	}
	c.stream = result
	c.state = Configuring
	log.Printf("[DEBUG] stream set up: %v, channels %v, %d buffers of %d samples", format, channels, args.NumBuffers, args.BufferLength)
	return result, nil
}

func (c *Coordinator) checkChannels(channels []int) error {
	available := c.driver.NumChannels()
	switch len(channels) {
	case 1:
		if channels[0] < 0 || channels[0] >= available {
			return errors.Wrapf(ErrInvalidChannels, "channel %d not available, the device has %d", channels[0], available)
		}
	case 2:
		if available != 2 || channels[0] == channels[1] || channels[0] < 0 || channels[0] > 1 || channels[1] < 0 || channels[1] > 1 {
			return errors.Wrapf(ErrInvalidChannels, "channels %v need a dual tuner device", channels)
		}
	default:
		return errors.Wrapf(ErrInvalidChannels, "%d channels selected", len(channels))
	}
	return nil
}

// Activate initializes the hardware with the requested settings and starts
// streaming. On failure the stream stays set up and may be activated again.
func (c *Coordinator) Activate(s *Stream) error {
	c.stateMu.Lock()
	if c.stream != s || s.closed {
		c.stateMu.Unlock()
		return errors.New("unknown stream")
	}
	switch {
	case c.state == Active, c.state == Reconfiguring:
		c.stateMu.Unlock()
		return nil
	case c.activating:
		c.stateMu.Unlock()
		return errors.New("activation in progress")
	}
	c.state = Configuring
	c.activating = true

	requested := c.takeRequested()
	band := c.bands.ByFrequency(requested.CenterFrequency)
	requested.LNAState = band.LNAState
	c.gain.SetLimits(bandplan.MinGainReduction, band.MaxGR)
	requested.GainReduction = c.initialGainReduction()

	s.allocate(maxPacketLength)
	c.current.Store(s)
	c.stateMu.Unlock()

	err := c.session.Start(requested, c.onSamples, c.onGain)

	c.stateMu.Lock()
	c.activating = false
	if err != nil {
		c.current.Store(nil)
		c.stateMu.Unlock()
		c.markPending()
		return errors.Wrap(err, "cannot activate stream")
	}
	if c.stream != s || s.closed {
		c.current.Store(nil)
		c.stateMu.Unlock()
		c.session.Stop()
		return errors.New("stream closed during activation")
	}

	derived := c.session.Derived()
	s.adjust(c.session.SamplesPerPacket() / derived.Decimation)
	c.gain.Resync(requested.GainReduction)
	c.state = Active
	c.stateMu.Unlock()

	log.Printf("[INFO] stream active at %.0fHz, %.0fHz, %d samples per buffer", derived.OutputRate, requested.CenterFrequency, s.MTU())
	return nil
}

func (c *Coordinator) initialGainReduction() int {
	min, max := c.gain.Limits()
	var gr int
	if c.gain.Automatic() {
		gr = c.gain.GainReduction()
	} else {
		gr = c.gain.RequestedGainReduction()
	}
	if gr < min {
		return min
	}
	if gr > max {
		return max
	}
	return gr
}

// Deactivate stops the hardware and discards all buffered samples. A reader
// blocked in Read returns ErrNotActive.
func (c *Coordinator) Deactivate(s *Stream) error {
	c.stateMu.Lock()
	if c.stream != s || (c.state != Active && c.state != Reconfiguring) {
		c.stateMu.Unlock()
		return nil
	}
	c.shutdown(s)
	c.stateMu.Unlock()

	return c.session.Stop()
}

// shutdown detaches the stream from the hardware path. Callers hold stateMu.
func (c *Coordinator) shutdown(s *Stream) {
	c.current.Store(nil)
	for _, r := range s.rings {
		r.Close()
	}
	c.state = Idle
}

// Close deactivates the stream and forgets it.
func (c *Coordinator) Close(s *Stream) error {
	err := c.Deactivate(s)

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	s.closed = true
	if c.stream == s {
		c.stream = nil
		c.state = Idle
	}
	return err
}

// State of the coordinator.
func (c *Coordinator) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Coordinator) transition(from, to State) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state != from {
		return false
	}
	c.state = to
	return true
}

func (c *Coordinator) checkActive(s *Stream) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.stream != s || c.state != Active {
		return ErrNotActive
	}
	return nil
}

// Read converts up to len(buffs[i]) samples of every channel into buffs. It
// waits up to timeout for a full buffer. The returned error is ErrTimeout if no
// data arrived in time, ErrOverflow if samples were dropped since the last
// read, and ErrNotActive if the stream was deactivated.
func (c *Coordinator) Read(s *Stream, buffs []core.Samples, timeout time.Duration) (int, Flags, error) {
	if err := c.checkActive(s); err != nil {
		return 0, 0, err
	}
	if len(buffs) != len(s.channels) {
		return 0, 0, errors.Wrapf(ErrInvalidChannels, "%d buffers for %d channels", len(buffs), len(s.channels))
	}
	limit := -1
	for _, buff := range buffs {
		if buff == nil || buff.Format() != s.format {
			return 0, 0, errors.Wrapf(ErrInvalidFormat, "buffer does not hold %v", s.format)
		}
		if limit < 0 || buff.Len() < limit {
			limit = buff.Len()
		}
	}
	if len(s.lent) > 0 {
		return 0, 0, errors.New("cannot read while buffers are acquired")
	}
	if err := c.reconcile(s); err != nil {
		return 0, 0, err
	}
	if limit == 0 {
		return 0, 0, nil
	}

	if err := s.fill(timeout, c.controlGain); err != nil {
		return 0, 0, err
	}
	n, diverged := s.available()
	if diverged {
		log.Printf("[WARN] channels diverge, reading %d samples", n)
	}
	if n > limit {
		n = limit
	}
	for i, buff := range buffs {
		cur := s.cursors[i]
		convert(buff, 0, cur.view[cur.offset:cur.offset+n])
	}
	return n, s.advance(n), nil
}

// AcquireReadBuffer hands out the buffered samples of every channel without
// copying. The views stay valid until ReleaseReadBuffer is called with the
// returned handle. Read fails while buffers are acquired.
func (c *Coordinator) AcquireReadBuffer(s *Stream, timeout time.Duration) (Handle, []core.SamplesCS16, Flags, error) {
	if err := c.checkActive(s); err != nil {
		return 0, nil, 0, err
	}
	if err := c.reconcile(s); err != nil {
		return 0, nil, 0, err
	}
	if err := s.fill(timeout, c.controlGain); err != nil {
		return 0, nil, 0, err
	}

	n, diverged := s.available()
	if diverged {
		log.Printf("[WARN] channels diverge, handing out %d samples", n)
	}
	views := make([]core.SamplesCS16, len(s.cursors))
	handles := make([]int, len(s.cursors))
	for i, cur := range s.cursors {
		views[i] = cur.view[cur.offset : cur.offset+n]
		handles[i] = cur.handle
		s.cursors[i] = cursor{}
	}
	handle := s.next
	s.next++
	s.lent[handle] = handles
	return handle, views, 0, nil
}

// ReleaseReadBuffer gives the buffers back to the hardware path. Buffers must be
// released in the order they were acquired.
func (c *Coordinator) ReleaseReadBuffer(s *Stream, handle Handle) {
	handles, ok := s.lent[handle]
	if !ok {
		return
	}
	delete(s.lent, handle)
	for i, h := range handles {
		s.rings[i].Release(h)
	}
}

// onSamples runs on the driver's delivery goroutine.
func (c *Coordinator) onSamples(packet hw.Packet) {
	if packet.GainChanged {
		c.gain.Acknowledge()
	}
	s := c.current.Load()
	if s == nil {
		return
	}
	i, ok := s.index[packet.Channel]
	if !ok {
		return
	}
	r := s.rings[i]
	if packet.Reset {
		r.Reset()
	}
	r.Push(packet.I, packet.Q)
}

// onGain runs on the driver's delivery goroutine.
func (c *Coordinator) onGain(gr, lnaState int) {
	c.gain.Reported(gr)
}

func (c *Coordinator) controlGain(samples core.SamplesCS16) {
	event, err := c.gain.Cycle(c.session, samples)
	if err != nil {
		log.Printf("[WARN] gain control: %v", err)
		return
	}
	if event == agc.Kicked {
		log.Printf("[INFO] gain acknowledgment reset, %d times so far", c.gain.Kicks())
	}
}

// reconcile applies the pending settings. It runs on the consumer goroutine
// before a new buffer is taken.
func (c *Coordinator) reconcile(s *Stream) error {
	c.deviceMu.Lock()
	if !c.pending {
		c.deviceMu.Unlock()
		return nil
	}
	requested := c.requested
	c.pending = false
	c.deviceMu.Unlock()

	band := c.bands.ByFrequency(requested.CenterFrequency)
	requested.LNAState = band.LNAState
	requested.GainReduction = c.gain.GainReduction()

	if hw.Plan(c.session.Applied(), requested, c.bands).Action == hw.ActionReinit {
		if !c.transition(Active, Reconfiguring) {
			c.markPending()
			return ErrNotActive
		}
	}
	update, err := c.session.Apply(requested)
	if err != nil {
		c.stateMu.Lock()
		c.shutdown(s)
		c.stateMu.Unlock()
		if stopErr := c.session.Stop(); stopErr != nil {
			log.Printf("[ERROR] %v", stopErr)
		}
		return errors.Wrap(err, "reconfiguration failed, stream stopped")
	}

	c.gain.SetLimits(bandplan.MinGainReduction, band.MaxGR)
	if update.Action == hw.ActionReinit {
		s.discard()
		derived := c.session.Derived()
		s.adjust(c.session.SamplesPerPacket() / derived.Decimation)
		c.gain.Resync(c.session.Applied().GainReduction)
		c.transition(Reconfiguring, Active)
		log.Printf("[INFO] stream reconfigured (%v): %.0fHz at %.0fHz", update.Reason, derived.OutputRate, requested.CenterFrequency)
	}
	return nil
}

func (c *Coordinator) takeRequested() hw.Settings {
	c.deviceMu.Lock()
	defer c.deviceMu.Unlock()
	c.pending = false
	return c.requested
}

func (c *Coordinator) markPending() {
	c.deviceMu.Lock()
	defer c.deviceMu.Unlock()
	c.pending = true
}

func (c *Coordinator) request(change func(*hw.Settings)) {
	c.deviceMu.Lock()
	defer c.deviceMu.Unlock()
	change(&c.requested)
	c.pending = true
}

func (c *Coordinator) requestedSettings() hw.Settings {
	c.deviceMu.Lock()
	defer c.deviceMu.Unlock()
	return c.requested
}
