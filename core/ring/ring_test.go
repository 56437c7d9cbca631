package ring

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftl/sdrstream/core"
)

func chunk(n int, start int16) ([]int16, []int16) {
	i := make([]int16, n)
	q := make([]int16, n)
	for k := range i {
		i[k] = start + int16(k)
		q[k] = -(start + int16(k))
	}
	return i, q
}

func TestPushAcquireRelease(t *testing.T) {
	b := New(4, 8, 8)
	i, q := chunk(8, 10)

	assert.True(t, b.Push(i, q))
	assert.Equal(t, 1, b.Len())

	handle, view, err := b.Acquire(10 * time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 8, view.Len())
	for k := range view {
		assert.Equal(t, [2]int16{i[k], q[k]}, view[k])
	}
	assert.Equal(t, 1, b.Outstanding())

	b.Release(handle)
	assert.Equal(t, 0, b.Outstanding())
	assert.Equal(t, 0, b.Len())
}

func TestSlotFillsUpToThreshold(t *testing.T) {
	b := New(4, 10, 4)

	for n := 0; n < 2; n++ {
		i, q := chunk(4, int16(n*4))
		b.Push(i, q)
		assert.Equal(t, 0, b.Len(), "slot must not be full after %d chunks", n+1)
	}
	i, q := chunk(4, 8)
	b.Push(i, q)
	assert.Equal(t, 1, b.Len())

	_, view, err := b.Acquire(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 12, view.Len())
	assert.Equal(t, [2]int16{11, -11}, view[11])
}

func TestAcquireTimeout(t *testing.T) {
	b := New(2, 4, 4)

	start := time.Now()
	_, _, err := b.Acquire(20 * time.Millisecond)

	assert.Equal(t, ErrTimeout, err)
	assert.True(t, time.Since(start) >= 20*time.Millisecond)

	_, _, err = b.Acquire(0)
	assert.Equal(t, ErrTimeout, err)
}

func TestAcquireWakesOnPush(t *testing.T) {
	b := New(2, 4, 4)
	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Push(chunk(4, 0))
	}()

	_, view, err := b.Acquire(time.Second)

	require.NoError(t, err)
	assert.Equal(t, 4, view.Len())
}

func TestOverflowReportedOncePerEpisode(t *testing.T) {
	b := New(3, 4, 4)

	for n := 0; n < 3; n++ {
		assert.True(t, b.Push(chunk(4, 0)))
	}
	for n := 0; n < 5; n++ {
		assert.False(t, b.Push(chunk(4, 0)), "push into a full buffer must drop")
	}

	_, _, err := b.Acquire(time.Millisecond)
	assert.Equal(t, ErrOverflow, err)
	assert.Equal(t, 1, b.Overflows())

	_, _, err = b.Acquire(time.Millisecond)
	assert.Equal(t, ErrTimeout, err, "the same episode must not be reported twice")

	b.Push(chunk(4, 5))
	handle, view, err := b.Acquire(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, [2]int16{5, -5}, view[0])
	b.Release(handle)
}

func TestResetIsSilent(t *testing.T) {
	b := New(4, 4, 4)
	b.Push(chunk(4, 0))
	b.Push(chunk(4, 4))

	b.Reset()
	_, _, err := b.Acquire(time.Millisecond)
	assert.Equal(t, ErrTimeout, err)
	assert.Equal(t, 1, b.Resets())

	b.Push(chunk(4, 100))
	_, view, err := b.Acquire(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, [2]int16{100, -100}, view[0])
}

func TestResetTakesPriorityOverOverflow(t *testing.T) {
	b := New(2, 4, 4)
	b.Push(chunk(4, 0))
	b.Push(chunk(4, 0))
	b.Push(chunk(4, 0))

	b.Reset()
	_, _, err := b.Acquire(time.Millisecond)

	assert.Equal(t, ErrTimeout, err)
}

func TestResetKeepsAcquiredSlots(t *testing.T) {
	b := New(2, 4, 4)
	b.Push(chunk(4, 7))
	handle, view, err := b.Acquire(time.Millisecond)
	require.NoError(t, err)

	b.Reset()
	b.Push(chunk(4, 0))

	assert.Equal(t, [2]int16{7, -7}, view[0], "acquired data must survive a reset")
	assert.Equal(t, 1, b.Outstanding())
	assert.False(t, b.Push(chunk(4, 0)), "the acquired slot must not be reused")

	b.Release(handle)
	assert.Equal(t, 0, b.Outstanding())
}

func TestCloseWakesBlockedConsumer(t *testing.T) {
	b := New(2, 4, 4)
	result := make(chan error)
	go func() {
		_, _, err := b.Acquire(10 * time.Second)
		result <- err
	}()

	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case err := <-result:
		assert.Equal(t, ErrClosed, err)
	case <-time.After(time.Second):
		assert.Fail(t, "blocked acquire must return after close")
	}
	assert.False(t, b.Push(chunk(4, 0)))
}

func TestOutstandingNeverExceedsCapacity(t *testing.T) {
	const capacity = 4
	b := New(capacity, 2, 2)
	r := rand.New(rand.NewSource(42))
	var handles []int

	for step := 0; step < 2000; step++ {
		switch r.Intn(3) {
		case 0:
			b.Push(chunk(2, int16(step)))
		case 1:
			handle, _, err := b.Acquire(0)
			if err == nil {
				handles = append(handles, handle)
			}
		case 2:
			if len(handles) > 0 {
				b.Release(handles[0])
				handles = handles[1:]
			}
		}
		assert.LessOrEqual(t, b.Outstanding(), capacity)
		assert.Equal(t, len(handles), b.Outstanding())
	}
}

func TestPushNeverBlocks(t *testing.T) {
	b := New(2, 4, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := 0; n < 10000; n++ {
			b.Push(chunk(4, 0))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		assert.Fail(t, "push blocked without a consumer")
	}
}

func TestSlotViewMatchesSamplesType(t *testing.T) {
	b := New(1, 1, 1)
	b.Push([]int16{1}, []int16{2})
	_, view, err := b.Acquire(time.Millisecond)
	require.NoError(t, err)

	var samples core.Samples = view
	assert.Equal(t, core.FormatCS16, samples.Format())
}

func TestStaleReleaseIsIgnored(t *testing.T) {
	b := New(4, 4, 4)
	b.Push(chunk(4, 1))
	b.Push(chunk(4, 2))
	first, _, err := b.Acquire(time.Millisecond)
	require.NoError(t, err)
	second, view, err := b.Acquire(time.Millisecond)
	require.NoError(t, err)

	b.Release(first)
	b.Release(first)
	assert.Equal(t, 1, b.Outstanding())

	b.Push(chunk(4, 8))
	b.Push(chunk(4, 8))
	assert.Equal(t, [2]int16{2, -2}, view[0], "a held slot must not be overwritten")

	b.Release(second)
	assert.Equal(t, 0, b.Outstanding())
}

func TestReserveGrowsReleasedSlots(t *testing.T) {
	b := New(2, 4, 0)
	assert.Equal(t, 4, b.SlotCap())
	b.Push(chunk(4, 3))
	handle, view, err := b.Acquire(time.Millisecond)
	require.NoError(t, err)

	b.SetThreshold(8)
	b.Reserve(16)
	assert.Equal(t, 4, b.SlotCap(), "the held slot keeps its storage")
	assert.Equal(t, [2]int16{3, -3}, view[0])

	b.Release(handle)
	assert.Equal(t, 24, b.SlotCap())
}
