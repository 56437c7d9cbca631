// Package sim provides a simulated receiver: a tone in noise whose level
// follows the gain reduction, so the whole stream works without hardware.
package sim

import (
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ftl/sdrstream/core"
	"github.com/ftl/sdrstream/core/hw"
)

// DefaultSamplesPerPacket is the packet size of the simulated hardware.
const DefaultSamplesPerPacket = 1008

// referenceGR is the gain reduction at which the signal has its configured level.
const referenceGR = 40

// Config of the simulated receiver.
type Config struct {
	Channels         int
	SamplesPerPacket int
	// ToneFrequency is the absolute frequency of the tone. If zero, the tone
	// sits an eighth of the sample rate above the center frequency.
	ToneFrequency core.Frequency
	ToneLevel     core.DB
	NoiseLevel    core.DB
	TickInterval  time.Duration
}

// DefaultConfig returns a single channel receiver with a -20dBFS tone.
func DefaultConfig() Config {
	return Config{
		Channels:         1,
		SamplesPerPacket: DefaultSamplesPerPacket,
		ToneLevel:        -20,
		NoiseLevel:       -60,
		TickInterval:     10 * time.Millisecond,
	}
}

// NewDriver returns a simulated receiver.
func NewDriver(config Config) *Driver {
	if config.Channels < 1 {
		config.Channels = 1
	}
	if config.SamplesPerPacket < 1 {
		config.SamplesPerPacket = DefaultSamplesPerPacket
	}
	if config.TickInterval <= 0 {
		config.TickInterval = 10 * time.Millisecond
	}
	return &Driver{config: config}
}

// Driver implements hw.Driver.
type Driver struct {
	config Config

	mu          sync.Mutex
	params      hw.Params
	onSamples   hw.SampleHandler
	onGain      hw.GainHandler
	gainChanged bool
	freqChanged bool
	rateChanged bool
	reset       bool
	stop        chan struct{}
	running     *sync.WaitGroup
}

// Name of the driver.
func (d *Driver) Name() string {
	return "simulation"
}

// NumChannels of the simulated receiver.
func (d *Driver) NumChannels() int {
	return d.config.Channels
}

// StreamInit starts the delivery of packets.
func (d *Driver) StreamInit(params hw.Params, onSamples hw.SampleHandler, onGain hw.GainHandler) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return 0, errors.New("simulated stream already initialized")
	}
	d.params = params
	d.onSamples = onSamples
	d.onGain = onGain
	d.stop = make(chan struct{})
	d.running = new(sync.WaitGroup)

	d.running.Add(1)
	go d.run(d.stop, d.running)

	return d.config.SamplesPerPacket, nil
}

// Reinit changes the parameters of the running stream.
func (d *Driver) Reinit(params hw.Params, reason hw.Reason) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop == nil {
		return 0, errors.New("simulated stream not initialized")
	}
	d.params = params
	d.freqChanged = d.freqChanged || reason.Has(hw.ReasonFrequency)
	d.rateChanged = d.rateChanged || reason.Has(hw.ReasonSampleRate)
	d.reset = true
	return d.config.SamplesPerPacket, nil
}

// Uninit stops the delivery of packets. No packet is delivered after Uninit returns.
func (d *Driver) Uninit() error {
	d.mu.Lock()
	stop := d.stop
	running := d.running
	d.stop = nil
	d.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	running.Wait()
	return nil
}

// SetGain applies the gain reduction with the next packet.
func (d *Driver) SetGain(gr, lnaState int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params.GainReduction = gr
	d.params.LNAState = lnaState
	d.gainChanged = true
	return nil
}

// SetFrequency tunes the simulated receiver.
func (d *Driver) SetFrequency(f core.Frequency) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params.CenterFrequency = f
	d.freqChanged = true
	return nil
}

// SetFrequencyCorrection shifts the simulated tone by the given ppm.
func (d *Driver) SetFrequencyCorrection(ppm float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params.FrequencyCorrection = ppm
	return nil
}

// ResetUpdateFlags drops the pending change notifications.
func (d *Driver) ResetUpdateFlags(gain, frequency, rate bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gain {
		d.gainChanged = false
	}
	if frequency {
		d.freqChanged = false
	}
	if rate {
		d.rateChanged = false
	}
	return nil
}

// Close the simulated receiver.
func (d *Driver) Close() error {
	return d.Uninit()
}

type tick struct {
	params      hw.Params
	onSamples   hw.SampleHandler
	onGain      hw.GainHandler
	gainChanged bool
	freqChanged bool
	rateChanged bool
	reset       bool
}

func (d *Driver) takeTick() tick {
	d.mu.Lock()
	defer d.mu.Unlock()
	result := tick{
		params:      d.params,
		onSamples:   d.onSamples,
		onGain:      d.onGain,
		gainChanged: d.gainChanged,
		freqChanged: d.freqChanged,
		rateChanged: d.rateChanged,
		reset:       d.reset,
	}
	d.gainChanged = false
	d.freqChanged = false
	d.rateChanged = false
	d.reset = false
	return result
}

func (d *Driver) restoreTick(t tick) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gainChanged = d.gainChanged || t.gainChanged
	d.freqChanged = d.freqChanged || t.freqChanged
	d.rateChanged = d.rateChanged || t.rateChanged
	d.reset = d.reset || t.reset
}

func (d *Driver) run(stop chan struct{}, running *sync.WaitGroup) {
	defer running.Done()
	defer log.Print("[DEBUG] simulation shutdown")

	ticker := time.NewTicker(d.config.TickInterval)
	defer ticker.Stop()

	generators := make([]*generator, d.config.Channels)
	for i := range generators {
		generators[i] = newGenerator(d.config, i, int64(i+1))
	}
	var (
		start     = time.Now()
		produced  int64
		lastRate  core.Frequency
		sampleNum uint32
	)

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			t := d.takeTick()
			rate := t.params.OutputRate * core.Frequency(t.params.Decimation)
			if rate != lastRate {
				start = now
				produced = 0
				lastRate = rate
			}
			due := int64(now.Sub(start).Seconds()*float64(rate)) - produced
			packets := int(due / int64(d.config.SamplesPerPacket))
			if packets == 0 {
				d.restoreTick(t)
				continue
			}
			for p := 0; p < packets; p++ {
				for channel, g := range generators {
					packet := g.next(t.params, rate)
					packet.Channel = channel
					packet.FirstSampleNum = sampleNum
					if p == 0 {
						packet.GainChanged = t.gainChanged
						packet.FrequencyChanged = t.freqChanged
						packet.RateChanged = t.rateChanged
						packet.Reset = t.reset
					}
					t.onSamples(packet)
				}
				sampleNum += uint32(d.config.SamplesPerPacket)
				produced += int64(d.config.SamplesPerPacket)
			}
			if t.gainChanged && t.onGain != nil {
				t.onGain(t.params.GainReduction, t.params.LNAState)
			}
		}
	}
}

type generator struct {
	config Config
	offset core.Frequency
	phase  float64
	noise  *rand.Rand
	i, q   []int16
}

func newGenerator(config Config, channel int, seed int64) *generator {
	return &generator{
		config: config,
		offset: core.Frequency(channel) * 1000,
		noise:  rand.New(rand.NewSource(seed)),
		i:      make([]int16, config.SamplesPerPacket),
		q:      make([]int16, config.SamplesPerPacket),
	}
}

func (g *generator) next(params hw.Params, rate core.Frequency) hw.Packet {
	gain := core.DB(referenceGR - params.GainReduction)
	toneAmplitude := math.Sqrt(core.DBToPower(g.config.ToneLevel+gain)) * core.FullScale
	noiseAmplitude := math.Sqrt(core.DBToPower(g.config.NoiseLevel+gain)/2) * core.FullScale

	toneFrequency := g.config.ToneFrequency
	if toneFrequency == 0 {
		toneFrequency = params.CenterFrequency + rate/8
	}
	toneFrequency = core.Frequency(float64(toneFrequency+g.offset) * (1 + params.FrequencyCorrection/1e6))
	toneOffset := toneFrequency - params.CenterFrequency
	if math.Abs(float64(toneOffset)) > float64(rate)/2 {
		toneAmplitude = 0
	}
	ω := 2 * math.Pi * float64(toneOffset) / float64(rate)

	for k := range g.i {
		re := toneAmplitude*math.Cos(g.phase) + noiseAmplitude*g.noise.NormFloat64()
		im := toneAmplitude*math.Sin(g.phase) + noiseAmplitude*g.noise.NormFloat64()
		g.i[k] = clip(re)
		g.q[k] = clip(im)
		g.phase = math.Mod(g.phase+ω, 2*math.Pi)
	}
	return hw.Packet{I: g.i, Q: g.q}
}

func clip(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
