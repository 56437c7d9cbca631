package stream

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftl/sdrstream/core"
	"github.com/ftl/sdrstream/core/hw"
	"github.com/ftl/sdrstream/core/hw/hwtest"
)

const (
	testPacket = 1024
	testBuffer = 1024
)

func activeStream(t *testing.T, channels int, format core.SampleFormat) (*Coordinator, *hwtest.Driver, *Stream) {
	t.Helper()
	driver := hwtest.NewDriver(channels, testPacket)
	c := NewCoordinator(driver, DefaultOptions())
	selection := []int{0}
	if channels == 2 {
		selection = []int{0, 1}
	}
	s, err := c.Setup(format, selection, Args{NumBuffers: 4, BufferLength: testBuffer})
	require.NoError(t, err)
	require.NoError(t, c.Activate(s))
	require.Equal(t, Active, c.State())
	return c, driver, s
}

func buffers(format core.SampleFormat, channels, n int) []core.Samples {
	result := make([]core.Samples, channels)
	for i := range result {
		result[i] = core.MakeSamples(format, n)
	}
	return result
}

func TestRoundTripCS16(t *testing.T) {
	c, driver, s := activeStream(t, 1, core.FormatCS16)
	require.NoError(t, driver.DeliverSamples(testPacket, 7))
	buffs := buffers(core.FormatCS16, 1, testPacket)

	n, flags, err := c.Read(s, buffs, 10*time.Millisecond)

	require.NoError(t, err)
	assert.Equal(t, testPacket, n)
	assert.False(t, flags.Has(MoreFragments))
	samples := buffs[0].(core.SamplesCS16)
	for k := 0; k < n; k++ {
		require.Equal(t, [2]int16{7 + int16(k), -(7 + int16(k))}, samples[k])
	}
}

func TestRoundTripCF32(t *testing.T) {
	c, driver, s := activeStream(t, 1, core.FormatCF32)
	require.NoError(t, driver.DeliverSamples(testPacket, -512))
	buffs := buffers(core.FormatCF32, 1, testPacket)

	n, _, err := c.Read(s, buffs, 10*time.Millisecond)

	require.NoError(t, err)
	assert.Equal(t, testPacket, n)
	samples := buffs[0].(core.SamplesCF32)
	for k := 0; k < n; k++ {
		i := float32(-512+k) / 32767
		require.Equal(t, complex(i, -i), samples[k])
	}
}

func TestConvertFullScale(t *testing.T) {
	dst := make(core.SamplesCF32, 3)

	n := convert(dst, 1, core.SamplesCS16{{32767, -32767}, {0, 0}, {1, 1}})

	assert.Equal(t, 2, n)
	assert.Equal(t, complex64(complex(1, -1)), dst[1])
	assert.Equal(t, complex64(0), dst[2])
}

func TestSteadyStream(t *testing.T) {
	c, driver, s := activeStream(t, 1, core.FormatCS16)
	buffs := buffers(core.FormatCS16, 1, 1024)
	require.NoError(t, driver.DeliverSamples(testPacket, 0))

	n, _, err := c.Read(s, buffs, 10*time.Millisecond)

	require.NoError(t, err)
	assert.Equal(t, 1024, n)
	applied := c.Applied()
	assert.Equal(t, core.Frequency(2048000), applied.SampleRate)
	assert.Equal(t, core.Frequency(100000000), applied.CenterFrequency)
	assert.Equal(t, 1, c.Derived().Decimation)
	assert.Equal(t, 0, s.Overflows())
	assert.Empty(t, driver.Reinits)
}

func TestReadInFragments(t *testing.T) {
	c, driver, s := activeStream(t, 1, core.FormatCS16)
	require.NoError(t, driver.DeliverSamples(testPacket, 0))
	buffs := buffers(core.FormatCS16, 1, 300)

	total := 0
	for {
		n, flags, err := c.Read(s, buffs, 0)
		require.NoError(t, err)
		assert.Equal(t, int16(total), buffs[0].(core.SamplesCS16)[0][0])
		total += n
		if !flags.Has(MoreFragments) {
			break
		}
	}
	assert.Equal(t, testPacket, total)

	_, _, err := c.Read(s, buffs, 0)
	assert.Equal(t, ErrTimeout, err)
}

func TestRateChangeResetsBuffers(t *testing.T) {
	c, driver, s := activeStream(t, 1, core.FormatCS16)
	require.NoError(t, driver.DeliverSamples(testPacket, 0))
	require.NoError(t, driver.DeliverSamples(testPacket, 0))
	buffs := buffers(core.FormatCS16, 1, testBuffer)

	require.NoError(t, c.SetSampleRate(1000000))
	_, _, err := c.Read(s, buffs, 0)

	assert.Equal(t, ErrTimeout, err, "buffered samples of the old rate must be discarded")
	assert.Equal(t, 1, s.Resets())
	require.Len(t, driver.Reinits, 1)
	assert.True(t, driver.Reinits[0].Has(hw.ReasonSampleRate))
	assert.Equal(t, core.Frequency(1000000), c.SampleRate())
	assert.Equal(t, core.Frequency(1000000), c.Applied().SampleRate)
	assert.Equal(t, 2, c.Derived().Decimation)
	assert.Equal(t, Active, c.State())

	require.NoError(t, driver.DeliverSamples(testPacket, 0))
	require.NoError(t, driver.DeliverSamples(testPacket, 0))
	n, _, err := c.Read(s, buffs, 0)
	require.NoError(t, err)
	assert.Equal(t, testBuffer, n)
	assert.Equal(t, 1, s.Resets())
}

func TestSmallRetuneKeepsBuffers(t *testing.T) {
	c, driver, s := activeStream(t, 1, core.FormatCS16)
	require.NoError(t, driver.DeliverSamples(testPacket, 3))
	buffs := buffers(core.FormatCS16, 1, testBuffer)

	require.NoError(t, c.SetFrequency(100500000))
	n, _, err := c.Read(s, buffs, 0)

	require.NoError(t, err)
	assert.Equal(t, testBuffer, n)
	assert.Equal(t, int16(3), buffs[0].(core.SamplesCS16)[0][0])
	assert.Equal(t, 0, s.Resets())
	assert.Empty(t, driver.Reinits)
	assert.Equal(t, []core.Frequency{100500000}, driver.Frequencies)
	assert.Equal(t, core.Frequency(100500000), c.Applied().CenterFrequency)
}

func TestLargeRetuneResetsOnce(t *testing.T) {
	c, driver, s := activeStream(t, 1, core.FormatCS16)
	require.NoError(t, driver.DeliverSamples(testPacket, 3))
	buffs := buffers(core.FormatCS16, 1, testBuffer)

	require.NoError(t, c.SetFrequency(150000000))
	_, _, err := c.Read(s, buffs, 0)
	assert.Equal(t, ErrTimeout, err)

	require.NoError(t, driver.DeliverSamples(testPacket, 9))
	n, _, err := c.Read(s, buffs, 0)
	require.NoError(t, err)
	assert.Equal(t, testBuffer, n)
	assert.Equal(t, int16(9), buffs[0].(core.SamplesCS16)[0][0])

	assert.Equal(t, 1, s.Resets())
	require.Len(t, driver.Reinits, 1)
	assert.Equal(t, hw.ReasonFrequency, driver.Reinits[0])
}

func TestDeactivateWakesBlockedReader(t *testing.T) {
	c, driver, s := activeStream(t, 1, core.FormatCS16)
	result := make(chan error)
	go func() {
		_, _, err := c.Read(s, buffers(core.FormatCS16, 1, testBuffer), 10*time.Second)
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Deactivate(s))

	select {
	case err := <-result:
		assert.Equal(t, ErrNotActive, err)
	case <-time.After(time.Second):
		assert.Fail(t, "read must return after deactivation")
	}
	assert.Equal(t, Idle, c.State())
	assert.False(t, driver.Active())

	_, _, err := c.Read(s, buffers(core.FormatCS16, 1, testBuffer), 0)
	assert.Equal(t, ErrNotActive, err)
}

func TestReactivate(t *testing.T) {
	c, driver, s := activeStream(t, 1, core.FormatCS16)
	require.NoError(t, driver.DeliverSamples(testPacket, 0))
	require.NoError(t, c.Deactivate(s))

	require.NoError(t, c.Activate(s))
	_, _, err := c.Read(s, buffers(core.FormatCS16, 1, testBuffer), 0)

	assert.Equal(t, ErrTimeout, err, "samples of the previous activation are discarded")
	assert.Equal(t, 2, driver.Inits)
}

func TestDualChannelReadsMinimum(t *testing.T) {
	c, driver, s := activeStream(t, 2, core.FormatCS16)
	require.NoError(t, driver.Deliver(hwtest.Ramp(0, 1024, 0)))
	require.NoError(t, driver.Deliver(hwtest.Ramp(1, 1100, 100)))
	buffs := buffers(core.FormatCS16, 2, 2048)

	n, flags, err := c.Read(s, buffs, 0)

	require.NoError(t, err)
	assert.Equal(t, 1024, n)
	assert.True(t, flags.Has(MoreFragments))
	assert.Equal(t, int16(0), buffs[0].(core.SamplesCS16)[0][0])
	assert.Equal(t, int16(100), buffs[1].(core.SamplesCS16)[0][0])
}

func TestDualChannelRetainsSurplus(t *testing.T) {
	c, driver, s := activeStream(t, 2, core.FormatCS16)
	require.NoError(t, driver.Deliver(hwtest.Ramp(0, 1024, 0)))
	require.NoError(t, driver.Deliver(hwtest.Ramp(0, 1024, 2000)))
	require.NoError(t, driver.Deliver(hwtest.Ramp(1, 1024, 0)))
	buffs := buffers(core.FormatCS16, 2, 1024)

	n, _, err := c.Read(s, buffs, 0)
	require.NoError(t, err)
	assert.Equal(t, 1024, n)

	_, _, err = c.Read(s, buffs, 0)
	assert.True(t, errors.Is(err, ErrTimeout), "the lagging channel has no data")

	require.NoError(t, driver.Deliver(hwtest.Ramp(1, 1024, 3000)))
	n, _, err = c.Read(s, buffs, 0)
	require.NoError(t, err)
	assert.Equal(t, 1024, n)
	assert.Equal(t, int16(2000), buffs[0].(core.SamplesCS16)[0][0])
	assert.Equal(t, int16(3000), buffs[1].(core.SamplesCS16)[0][0])
}

func TestOverflowReportedOnce(t *testing.T) {
	c, driver, s := activeStream(t, 1, core.FormatCS16)
	for i := 0; i < 6; i++ {
		require.NoError(t, driver.DeliverSamples(testPacket, 0))
	}
	buffs := buffers(core.FormatCS16, 1, testBuffer)

	_, _, err := c.Read(s, buffs, 0)
	assert.Equal(t, ErrOverflow, err)
	_, _, err = c.Read(s, buffs, 0)
	assert.Equal(t, ErrTimeout, err)

	require.NoError(t, driver.DeliverSamples(testPacket, 0))
	n, _, err := c.Read(s, buffs, 0)
	require.NoError(t, err)
	assert.Equal(t, testBuffer, n)
	assert.Equal(t, 1, s.Overflows())
}

func TestHardwareResetDiscardsBuffers(t *testing.T) {
	c, driver, s := activeStream(t, 1, core.FormatCS16)
	require.NoError(t, driver.DeliverSamples(testPacket, 0))
	packet := hwtest.Ramp(0, testPacket, 50)
	packet.Reset = true
	require.NoError(t, driver.Deliver(packet))
	buffs := buffers(core.FormatCS16, 1, testBuffer)

	_, _, err := c.Read(s, buffs, 0)

	require.NoError(t, err)
	assert.Equal(t, int16(50), buffs[0].(core.SamplesCS16)[0][0])
}

func TestSetupValidation(t *testing.T) {
	single := NewCoordinator(hwtest.NewDriver(1, testPacket), DefaultOptions())
	dual := NewCoordinator(hwtest.NewDriver(2, testPacket), DefaultOptions())

	_, err := single.Setup(core.SampleFormat(7), nil, DefaultArgs())
	assert.True(t, errors.Is(err, ErrInvalidFormat))
	_, err = single.Setup(core.FormatCS16, []int{1}, DefaultArgs())
	assert.True(t, errors.Is(err, ErrInvalidChannels))
	_, err = single.Setup(core.FormatCS16, []int{0, 1}, DefaultArgs())
	assert.True(t, errors.Is(err, ErrInvalidChannels))
	_, err = dual.Setup(core.FormatCS16, []int{1, 1}, DefaultArgs())
	assert.True(t, errors.Is(err, ErrInvalidChannels))
	_, err = dual.Setup(core.FormatCS16, []int{0, 1, 2}, DefaultArgs())
	assert.True(t, errors.Is(err, ErrInvalidChannels))
	assert.Equal(t, Idle, single.State())

	s, err := dual.Setup(core.FormatCF32, []int{1, 0}, Args{})
	require.NoError(t, err)
	assert.Equal(t, Configuring, dual.State())
	assert.Equal(t, DefaultArgs(), s.Args())
	assert.Equal(t, DefaultBufferLength, s.MTU())

	_, err = dual.Setup(core.FormatCS16, nil, DefaultArgs())
	assert.Error(t, err, "only one stream at a time")
}

func TestReadValidatesBuffers(t *testing.T) {
	c, _, s := activeStream(t, 1, core.FormatCS16)

	_, _, err := c.Read(s, buffers(core.FormatCF32, 1, 16), 0)
	assert.True(t, errors.Is(err, ErrInvalidFormat))
	_, _, err = c.Read(s, buffers(core.FormatCS16, 2, 16), 0)
	assert.True(t, errors.Is(err, ErrInvalidChannels))
}

func TestActivationFailureKeepsConfiguring(t *testing.T) {
	driver := hwtest.NewDriver(1, testPacket)
	c := NewCoordinator(driver, DefaultOptions())
	s, err := c.Setup(core.FormatCS16, nil, DefaultArgs())
	require.NoError(t, err)
	driver.InitErr = errors.New("device busy")

	err = c.Activate(s)

	assert.Error(t, err)
	assert.Equal(t, Configuring, c.State())

	driver.InitErr = nil
	require.NoError(t, c.Activate(s))
	assert.Equal(t, Active, c.State())
}

func TestActivationWithInconsistentDecimation(t *testing.T) {
	driver := hwtest.NewDriver(1, 1001)
	c := NewCoordinator(driver, DefaultOptions())
	require.NoError(t, c.SetSampleRate(250000))
	s, err := c.Setup(core.FormatCS16, nil, DefaultArgs())
	require.NoError(t, err)

	err = c.Activate(s)

	assert.True(t, errors.Is(err, hw.ErrInconsistent))
	assert.Equal(t, Configuring, c.State())
}

func TestReinitFailureStopsStream(t *testing.T) {
	c, driver, s := activeStream(t, 1, core.FormatCS16)
	driver.ReinitErr = errors.New("usb error")

	require.NoError(t, c.SetSampleRate(1000000))
	_, _, err := c.Read(s, buffers(core.FormatCS16, 1, testBuffer), 0)

	assert.Error(t, err)
	assert.Equal(t, Idle, c.State())
	assert.Equal(t, 1, driver.Uninits)
}

func TestSettersRejectInvalidValues(t *testing.T) {
	c := NewCoordinator(hwtest.NewDriver(1, testPacket), DefaultOptions())

	assert.True(t, errors.Is(c.SetSampleRate(100), hw.ErrOutOfRange))
	assert.True(t, errors.Is(c.SetFrequency(5), hw.ErrOutOfRange))
	assert.True(t, errors.Is(c.SetBandwidth(123), hw.ErrOutOfRange))
	assert.True(t, errors.Is(c.SetGain(5), hw.ErrOutOfRange))
	assert.True(t, errors.Is(c.SetFrequencyCorrection(5000), hw.ErrOutOfRange))
	assert.Error(t, c.SetIFMode(hw.IFMode(42)))
	assert.Error(t, c.SetAGCSetpoint(10))

	assert.Equal(t, core.Frequency(2048000), c.SampleRate())
	assert.Equal(t, core.Frequency(100000000), c.Frequency())
	assert.Equal(t, core.Frequency(1536000), c.Bandwidth())
}

func TestLastWriterWins(t *testing.T) {
	c := NewCoordinator(hwtest.NewDriver(1, testPacket), DefaultOptions())

	require.NoError(t, c.SetFrequency(101000000))
	require.NoError(t, c.SetFrequency(102000000))
	require.NoError(t, c.SetBandwidth(600000))
	require.NoError(t, c.SetIFMode(hw.IF450kHz))
	require.NoError(t, c.SetFrequencyCorrection(-2.5))

	assert.Equal(t, core.Frequency(102000000), c.Frequency())
	assert.Equal(t, core.Frequency(600000), c.Bandwidth())
	assert.Equal(t, hw.IF450kHz, c.IFMode())
	assert.Equal(t, -2.5, c.FrequencyCorrection())
}

func TestManualGainIsAcknowledged(t *testing.T) {
	c, driver, s := activeStream(t, 1, core.FormatCS16)
	c.SetGainMode(core.GainManual)
	require.NoError(t, c.SetGain(50))
	buffs := buffers(core.FormatCS16, 1, testBuffer)

	require.NoError(t, driver.DeliverSamples(testPacket, 0))
	_, _, err := c.Read(s, buffs, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{50}, driver.Gains)
	assert.Equal(t, 50, c.Gain())
	assert.True(t, c.GainControl().Pending())

	packet := hwtest.Ramp(0, testPacket, 0)
	packet.GainChanged = true
	require.NoError(t, driver.Deliver(packet))

	assert.False(t, c.GainControl().Pending())
	assert.Equal(t, 50, c.GainControl().GainReduction())
	assert.Equal(t, core.GainManual, c.GainMode())
}

func TestAcquireReadBuffer(t *testing.T) {
	c, driver, s := activeStream(t, 1, core.FormatCS16)
	require.NoError(t, driver.DeliverSamples(testPacket, 11))
	require.NoError(t, driver.DeliverSamples(testPacket, 22))

	handle, views, _, err := c.AcquireReadBuffer(s, 0)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Len(t, views[0], testBuffer)
	assert.Equal(t, [2]int16{11, -11}, views[0][0])

	_, _, err = c.Read(s, buffers(core.FormatCS16, 1, testBuffer), 0)
	assert.Error(t, err)

	c.ReleaseReadBuffer(s, handle)
	n, _, err := c.Read(s, buffers(core.FormatCS16, 1, testBuffer), 0)
	require.NoError(t, err)
	assert.Equal(t, testBuffer, n)
}

func TestCloseForgetsStream(t *testing.T) {
	c, driver, s := activeStream(t, 1, core.FormatCS16)

	require.NoError(t, c.Close(s))

	assert.Equal(t, Idle, c.State())
	assert.Error(t, c.Activate(s))
	assert.Equal(t, 1, driver.Uninits)
	_, err := c.Setup(core.FormatCS16, nil, DefaultArgs())
	assert.NoError(t, err)
}

// gatedDriver blocks StreamInit and Reinit until the test opens the gate.
type gatedDriver struct {
	*hwtest.Driver
	entered chan struct{}
	gate    chan struct{}
	gateAll bool
}

func newGatedDriver(gateInit bool) *gatedDriver {
	return &gatedDriver{
		Driver:  hwtest.NewDriver(1, testPacket),
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
		gateAll: gateInit,
	}
}

func (d *gatedDriver) StreamInit(params hw.Params, onSamples hw.SampleHandler, onGain hw.GainHandler) (int, error) {
	if d.gateAll {
		d.entered <- struct{}{}
		<-d.gate
	}
	return d.Driver.StreamInit(params, onSamples, onGain)
}

func (d *gatedDriver) Reinit(params hw.Params, reason hw.Reason) (int, error) {
	d.entered <- struct{}{}
	<-d.gate
	return d.Driver.Reinit(params, reason)
}

func returnsPromptly(t *testing.T, name string, call func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		call()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		assert.Fail(t, name+" blocked while the driver was busy")
	}
}

func TestGettersDoNotWaitForReinit(t *testing.T) {
	driver := newGatedDriver(false)
	c := NewCoordinator(driver, DefaultOptions())
	s, err := c.Setup(core.FormatCS16, nil, Args{NumBuffers: 4, BufferLength: testBuffer})
	require.NoError(t, err)
	require.NoError(t, c.Activate(s))

	require.NoError(t, c.SetSampleRate(1000000))
	readDone := make(chan error)
	go func() {
		_, _, err := c.Read(s, buffers(core.FormatCS16, 1, testBuffer), 10*time.Millisecond)
		readDone <- err
	}()
	<-driver.entered

	returnsPromptly(t, "Applied", func() {
		assert.Equal(t, core.Frequency(2048000), c.Applied().SampleRate)
	})
	returnsPromptly(t, "Derived", func() { c.Derived() })
	returnsPromptly(t, "State", func() {
		assert.Equal(t, Reconfiguring, c.State())
	})

	close(driver.gate)
	assert.Equal(t, ErrTimeout, <-readDone)
	assert.Equal(t, core.Frequency(1000000), c.Applied().SampleRate)
	assert.Equal(t, Active, c.State())
}

func TestStateDoesNotWaitForActivation(t *testing.T) {
	driver := newGatedDriver(true)
	c := NewCoordinator(driver, DefaultOptions())
	s, err := c.Setup(core.FormatCS16, nil, Args{NumBuffers: 4, BufferLength: testBuffer})
	require.NoError(t, err)
	activated := make(chan error)
	go func() {
		activated <- c.Activate(s)
	}()
	<-driver.entered

	returnsPromptly(t, "State", func() {
		assert.Equal(t, Configuring, c.State())
	})
	assert.Error(t, c.Activate(s), "a second activation must not start the hardware again")

	close(driver.gate)
	require.NoError(t, <-activated)
	assert.Equal(t, Active, c.State())
	assert.Equal(t, 1, driver.Inits)
}

func TestSlotsReserveTheDriverPacket(t *testing.T) {
	const largePacket = 32768
	driver := hwtest.NewDriver(1, largePacket)
	c := NewCoordinator(driver, DefaultOptions())
	s, err := c.Setup(core.FormatCS16, nil, Args{NumBuffers: 4, BufferLength: testBuffer})
	require.NoError(t, err)
	require.NoError(t, c.Activate(s))

	assert.GreaterOrEqual(t, s.rings[0].SlotCap(), testBuffer+largePacket)
}
