package agc

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftl/sdrstream/core"
)

type commands struct {
	issued []int
	resets int
	err    error
}

func (c *commands) SetGainReduction(gr int) error {
	c.issued = append(c.issued, gr)
	return c.err
}

func (c *commands) ResetGainAcknowledgment() error {
	c.resets++
	return nil
}

func tone(dbfs core.DB, n int) core.SamplesCS16 {
	amplitude := math.Sqrt(core.DBToPower(dbfs)) * core.FullScale
	result := make(core.SamplesCS16, n)
	for i := range result {
		result[i] = [2]int16{int16(math.Round(amplitude)), 0}
	}
	return result
}

func TestNoCommandAtSetpoint(t *testing.T) {
	for _, hysteresis := range []core.DB{0, DefaultHysteresis} {
		c := New(Config{Automatic: true, Setpoint: -30, Hysteresis: hysteresis, GainReduction: 40})
		cmd := new(commands)

		for i := 0; i < 20; i++ {
			event, err := c.Cycle(cmd, tone(-30, 1024))
			require.NoError(t, err)
			assert.Equal(t, None, event)
		}
		assert.Empty(t, cmd.issued)
		assert.InDelta(t, -30, float64(c.Power()), 0.01)
	}
}

func TestLoudSignalIncreasesGainReduction(t *testing.T) {
	c := New(DefaultConfig())
	cmd := new(commands)

	event, err := c.Cycle(cmd, tone(-10, 1024))

	require.NoError(t, err)
	assert.Equal(t, Issued, event)
	require.Len(t, cmd.issued, 1)
	assert.Equal(t, 42, cmd.issued[0], "the filter moves 10% of the 20dB deviation")
	assert.True(t, c.Pending())
	assert.Equal(t, 40, c.GainReduction(), "not applied before acknowledgment")

	c.Acknowledge()
	assert.Equal(t, 42, c.GainReduction())
	assert.False(t, c.Pending())
}

func TestQuietSignalDecreasesGainReduction(t *testing.T) {
	c := New(DefaultConfig())
	cmd := new(commands)

	_, err := c.Cycle(cmd, tone(-50, 1024))

	require.NoError(t, err)
	require.Len(t, cmd.issued, 1)
	assert.Equal(t, 38, cmd.issued[0])
}

func TestNoNewCommandWhileAcknowledgmentPending(t *testing.T) {
	c := New(DefaultConfig())
	cmd := new(commands)

	c.Cycle(cmd, tone(-10, 256))
	for i := 0; i < KickThreshold-1; i++ {
		event, err := c.Cycle(cmd, tone(-10, 256))
		require.NoError(t, err)
		assert.Equal(t, Waiting, event)
	}
	assert.Len(t, cmd.issued, 1)
}

func TestExactlyOneKickAfterTenUnacknowledgedCycles(t *testing.T) {
	c := New(DefaultConfig())
	cmd := new(commands)
	c.Cycle(cmd, tone(-10, 256))
	require.True(t, c.Pending())

	events := make([]Event, 0, KickThreshold)
	for i := 0; i < KickThreshold; i++ {
		event, err := c.Cycle(cmd, tone(-10, 256))
		require.NoError(t, err)
		events = append(events, event)
	}

	assert.Equal(t, Kicked, events[KickThreshold-1])
	for _, event := range events[:KickThreshold-1] {
		assert.Equal(t, Waiting, event)
	}
	assert.Equal(t, 1, cmd.resets)
	assert.Equal(t, 1, c.Kicks())
	assert.False(t, c.Pending())
}

func TestAcknowledgmentResetsKickCounter(t *testing.T) {
	c := New(DefaultConfig())
	cmd := new(commands)
	c.Cycle(cmd, tone(-10, 256))
	for i := 0; i < KickThreshold-1; i++ {
		c.Cycle(cmd, tone(-10, 256))
	}
	c.Acknowledge()

	event, err := c.Cycle(cmd, tone(-10, 256))

	require.NoError(t, err)
	assert.Equal(t, Issued, event)
	assert.Equal(t, 0, cmd.resets)
}

func TestManualMode(t *testing.T) {
	c := New(DefaultConfig())
	cmd := new(commands)
	c.SetAutomatic(false)
	require.NoError(t, c.SetGainReduction(50))

	event, _ := c.Cycle(cmd, tone(-80, 256))
	assert.Equal(t, Issued, event)
	assert.Equal(t, []int{50}, cmd.issued)

	event, _ = c.Cycle(cmd, tone(-80, 256))
	assert.Equal(t, Waiting, event)

	c.Reported(50)
	assert.False(t, c.Pending())
	event, _ = c.Cycle(cmd, nil)
	assert.Equal(t, None, event)
	assert.Equal(t, 50, c.GainReduction())
}

func TestGainReductionRange(t *testing.T) {
	c := New(DefaultConfig())

	err := c.SetGainReduction(10)
	assert.True(t, errors.Is(err, ErrOutOfRange))
	err = c.SetGainReduction(60)
	assert.True(t, errors.Is(err, ErrOutOfRange))
	assert.Equal(t, 40, c.RequestedGainReduction())
}

func TestCandidateIsClampedToBandMaximum(t *testing.T) {
	c := New(Config{Automatic: true, Setpoint: -30, Hysteresis: 3, GainReduction: 44, Min: 20, Max: 45})
	cmd := new(commands)

	c.Cycle(cmd, tone(0, 256))

	assert.Equal(t, []int{45}, cmd.issued)
}

func TestSetLimitsClampsRequestedValue(t *testing.T) {
	c := New(DefaultConfig())
	require.NoError(t, c.SetGainReduction(55))

	c.SetLimits(45, 20)

	min, max := c.Limits()
	assert.Equal(t, 20, min)
	assert.Equal(t, 45, max)
	assert.Equal(t, 45, c.RequestedGainReduction())
}

func TestLoweredMaximumPullsAppliedValueInsideHysteresis(t *testing.T) {
	c := New(Config{Automatic: true, Setpoint: -30, Hysteresis: 3, GainReduction: 50})
	cmd := new(commands)
	c.SetLimits(20, 45)

	event, err := c.Cycle(cmd, tone(-30, 1024))

	require.NoError(t, err)
	assert.Equal(t, Issued, event)
	assert.Equal(t, []int{45}, cmd.issued)
	c.Acknowledge()
	assert.Equal(t, 45, c.GainReduction())

	event, err = c.Cycle(cmd, tone(-30, 1024))
	require.NoError(t, err)
	assert.Equal(t, None, event)
	assert.Len(t, cmd.issued, 1)
}

func TestSetSetpoint(t *testing.T) {
	c := New(DefaultConfig())

	assert.NoError(t, c.SetSetpoint(-20))
	assert.Equal(t, core.DB(-20), c.Setpoint())
	assert.Error(t, c.SetSetpoint(3))
	assert.Equal(t, core.DB(-20), c.Setpoint())
}

func TestFailedCommandIsNotPending(t *testing.T) {
	c := New(DefaultConfig())
	cmd := &commands{err: errors.New("device gone")}

	_, err := c.Cycle(cmd, tone(-10, 256))

	assert.Error(t, err)
	assert.False(t, c.Pending())
}

func TestSmoother(t *testing.T) {
	s := newSmoother(HistoryLength, FilterRate)
	s.Seed(40)

	assert.InDelta(t, 41.0, s.Put(50), 1e-9)
	assert.InDelta(t, 41.9, s.Put(50), 1e-9)
	for i := 0; i < 100; i++ {
		s.Put(50)
	}
	assert.InDelta(t, 50, s.Value(), 0.01)

	history := s.History()
	assert.Len(t, history, HistoryLength)
	assert.InDelta(t, s.Value(), history[HistoryLength-1], 1e-9)
}
