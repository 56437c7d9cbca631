// Package rtlsdr drives an RTL-SDR dongle as receiver hardware.
package rtlsdr

import (
	"fmt"
	"log"
	"math"
	"sort"
	"sync"

	rtl "github.com/jpoirier/gortlsdr"
	"github.com/pkg/errors"

	"github.com/ftl/sdrstream/core"
	"github.com/ftl/sdrstream/core/bandplan"
	"github.com/ftl/sdrstream/core/hw"
)

// SamplesPerPacket delivered by the dongle. The async read buffer holds two
// bytes per sample and must be a multiple of 512 bytes.
const SamplesPerPacket = 16384

// Device describes a dongle connected to the host.
type Device struct {
	Index        int
	Name         string
	Manufacturer string
	Product      string
	Serial       string
}

func (d Device) String() string {
	return fmt.Sprintf("%d: %s, %s %s, SN: %s", d.Index, d.Name, d.Manufacturer, d.Product, d.Serial)
}

// Devices lists the dongles connected to the host.
func Devices() []Device {
	count := rtl.GetDeviceCount()
	result := make([]Device, 0, count)
	for i := 0; i < count; i++ {
		device := Device{Index: i, Name: rtl.GetDeviceName(i)}
		manufacturer, product, serial, err := rtl.GetDeviceUsbStrings(i)
		if err != nil {
			log.Printf("[WARN] cannot read USB strings of device %d: %v", i, err)
		} else {
			device.Manufacturer, device.Product, device.Serial = manufacturer, product, serial
		}
		result = append(result, device)
	}
	return result
}

// Open the dongle with the given serial number. If serial is empty, the dongle
// with the given index is opened.
func Open(serial string, index int) (*Dongle, error) {
	if serial != "" {
		var err error
		index, err = rtl.GetIndexBySerial(serial)
		if err != nil {
			return nil, errors.Wrapf(err, "no RTL-SDR with serial %s", serial)
		}
	}
	device, err := rtl.Open(index)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open RTL-SDR %d", index)
	}

	err = device.SetTunerGainMode(true)
	if err != nil {
		device.Close()
		return nil, errors.Wrap(err, "cannot switch to manual gain mode")
	}
	gains, err := device.GetTunerGains()
	if err != nil {
		device.Close()
		return nil, errors.Wrap(err, "cannot read the tuner gains")
	}
	if len(gains) == 0 {
		device.Close()
		return nil, errors.New("the tuner reports no gains")
	}
	sort.Ints(gains)
	if serial == "" {
		_, _, serial, err = rtl.GetDeviceUsbStrings(index)
		if err != nil || serial == "" {
			serial = fmt.Sprintf("rtlsdr-%d", index)
		}
	}

	result := &Dongle{
		device:    device,
		index:     index,
		serial:    serial,
		gains:     gains,
		asyncRead: new(sync.WaitGroup),
	}
	return result, nil
}

// Dongle implements hw.Driver for an RTL-SDR.
type Dongle struct {
	device    *rtl.Context
	index     int
	serial    string
	gains     []int
	asyncRead *sync.WaitGroup

	mu          sync.Mutex
	running     bool
	onSamples   hw.SampleHandler
	onGain      hw.GainHandler
	gr          int
	lnaState    int
	gainChanged bool
	freqChanged bool
	rateChanged bool
	reset       bool
	sampleNum   uint32
	i, q        []int16
}

// Serial number of the dongle.
func (d *Dongle) Serial() string {
	return d.serial
}

// Name of the driver.
func (d *Dongle) Name() string {
	return fmt.Sprintf("RTL-SDR %d", d.index)
}

// NumChannels of the dongle.
func (d *Dongle) NumChannels() int {
	return 1
}

// StreamInit configures the dongle and starts the asynchronous read.
func (d *Dongle) StreamInit(params hw.Params, onSamples hw.SampleHandler, onGain hw.GainHandler) (int, error) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return 0, errors.New("RTL-SDR stream already initialized")
	}
	d.onSamples = onSamples
	d.onGain = onGain
	d.i = make([]int16, SamplesPerPacket)
	d.q = make([]int16, SamplesPerPacket)
	d.mu.Unlock()

	if err := d.configure(params, ^hw.Reason(0)); err != nil {
		return 0, err
	}
	if err := d.device.ResetBuffer(); err != nil {
		return 0, errors.Wrap(err, "cannot reset the buffer")
	}

	d.mu.Lock()
	d.running = true
	d.mu.Unlock()

	d.asyncRead.Add(1)
	go func() {
		defer d.asyncRead.Done()
		err := d.device.ReadAsync(d.incomingData, nil, 0, 2*SamplesPerPacket)
		if err != nil {
			log.Printf("[ERROR] RTL-SDR async read: %v", err)
		}
	}()

	return SamplesPerPacket, nil
}

// Reinit applies the given parameters to the running dongle.
func (d *Dongle) Reinit(params hw.Params, reason hw.Reason) (int, error) {
	if err := d.configure(params, reason); err != nil {
		return 0, err
	}
	d.mu.Lock()
	d.reset = true
	d.rateChanged = d.rateChanged || reason.Has(hw.ReasonSampleRate)
	d.mu.Unlock()
	return SamplesPerPacket, nil
}

func (d *Dongle) configure(params hw.Params, reason hw.Reason) error {
	if params.IFMode != hw.IFZero {
		return errors.Wrapf(hw.ErrOutOfRange, "the RTL-SDR does not support IF mode %v", params.IFMode)
	}
	if params.LO != bandplan.LOAuto {
		log.Printf("[DEBUG] RTL-SDR ignores LO %v", params.LO)
	}
	if reason.Has(hw.ReasonSampleRate) {
		if err := d.device.SetSampleRate(int(params.HardwareRate)); err != nil {
			return errors.Wrapf(err, "cannot set sample rate %.0fHz", params.HardwareRate)
		}
		log.Printf("[DEBUG] RTL-SDR sample rate %dHz", d.device.GetSampleRate())
	}
	if reason.Has(hw.ReasonBandwidth) || reason.Has(hw.ReasonSampleRate) {
		if err := d.device.SetTunerBw(int(params.Derived.Bandwidth)); err != nil {
			return errors.Wrapf(err, "cannot set bandwidth %.0fHz", params.Derived.Bandwidth)
		}
	}
	if reason.Has(hw.ReasonFrequency) {
		if err := d.SetFrequency(params.CenterFrequency); err != nil {
			return err
		}
	}
	if reason.Has(hw.ReasonCorrection) {
		if err := d.SetFrequencyCorrection(params.FrequencyCorrection); err != nil {
			return err
		}
	}
	return d.SetGain(params.GainReduction, params.LNAState)
}

// Uninit stops the asynchronous read. No packet is delivered after Uninit returns.
func (d *Dongle) Uninit() error {
	d.mu.Lock()
	running := d.running
	d.running = false
	d.mu.Unlock()
	if !running {
		return nil
	}

	err := d.device.CancelAsync()
	d.asyncRead.Wait()
	if err != nil {
		return errors.Wrap(err, "cannot cancel the async read")
	}
	return nil
}

// SetGain maps the gain reduction to the closest tuner gain. The LNA state
// reduces the gain further in steps of 6dB.
func (d *Dongle) SetGain(gr, lnaState int) error {
	gain := tunerGain(d.gains, gr, lnaState)
	if err := d.device.SetTunerGain(gain); err != nil {
		return errors.Wrapf(err, "cannot set tuner gain %.1fdB", float64(gain)/10)
	}
	d.mu.Lock()
	d.gr = gr
	d.lnaState = lnaState
	d.gainChanged = true
	d.mu.Unlock()
	return nil
}

func tunerGain(gains []int, gr, lnaState int) int {
	target := gains[len(gains)-1] - 10*(gr-bandplan.MinGainReduction) - 60*lnaState
	result := gains[0]
	for _, g := range gains {
		if math.Abs(float64(g-target)) < math.Abs(float64(result-target)) {
			result = g
		}
	}
	return result
}

// SetFrequency tunes the dongle.
func (d *Dongle) SetFrequency(f core.Frequency) error {
	if err := d.device.SetCenterFreq(int(f)); err != nil {
		return errors.Wrapf(err, "cannot tune to %.0fHz", f)
	}
	d.mu.Lock()
	d.freqChanged = true
	d.mu.Unlock()
	return nil
}

// SetFrequencyCorrection sets the frequency correction in ppm.
func (d *Dongle) SetFrequencyCorrection(ppm float64) error {
	err := d.device.SetFreqCorrection(int(math.Round(ppm)))
	if err != nil {
		return errors.Wrapf(err, "cannot set frequency correction %.0fppm", ppm)
	}
	return nil
}

// ResetUpdateFlags drops the pending change notifications.
func (d *Dongle) ResetUpdateFlags(gain, frequency, rate bool) error {
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

// Close the dongle.
func (d *Dongle) Close() error {
	if err := d.Uninit(); err != nil {
		log.Printf("[WARN] %v", err)
	}
	return d.device.Close()
}

// incomingData runs on the async read goroutine of the driver.
func (d *Dongle) incomingData(data []byte) {
	d.mu.Lock()
	packet := hw.Packet{
		FirstSampleNum:   d.sampleNum,
		GainChanged:      d.gainChanged,
		FrequencyChanged: d.freqChanged,
		RateChanged:      d.rateChanged,
		Reset:            d.reset,
	}
	onSamples, onGain := d.onSamples, d.onGain
	gr, lnaState := d.gr, d.lnaState
	d.gainChanged, d.freqChanged, d.rateChanged, d.reset = false, false, false, false
	n := decodeIQ(d.i, d.q, data)
	d.sampleNum += uint32(n)
	packet.I, packet.Q = d.i[:n], d.q[:n]
	d.mu.Unlock()

	onSamples(packet)
	if packet.GainChanged && onGain != nil {
		onGain(gr, lnaState)
	}
}

// decodeIQ converts interleaved unsigned 8bit I/Q into signed 16bit I/Q.
func decodeIQ(i, q []int16, data []byte) int {
	n := len(data) / 2
	if len(i) < n {
		n = len(i)
	}
	for k := 0; k < n; k++ {
		i[k] = uint8ToInt16(data[2*k])
		q[k] = uint8ToInt16(data[2*k+1])
	}
	return n
}

func uint8ToInt16(b byte) int16 {
	return int16((int(b) - math.MaxInt8) * 255)
}
