// Package ring implements the bounded slot buffer that hands sample chunks from
// the hardware callback to the consumer.
//
// Exactly one producer calls Push and exactly one consumer calls Acquire and
// Release. Push never blocks: if all slots are full, the chunk is dropped and an
// overflow is recorded. Acquire waits up to a timeout for a full slot.
package ring

import (
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ftl/sdrstream/core"
)

// Signals returned by Acquire.
var (
	ErrTimeout  = errors.New("no full buffer available within timeout")
	ErrOverflow = errors.New("buffer overflow, samples were dropped")
	ErrClosed   = errors.New("buffer closed")
)

// DefaultCapacity is the default number of slots.
const DefaultCapacity = 8

// New returns a buffer with capacity slots. Each slot is pre-allocated to hold
// slotElems plus one maximum sized packet, so Push does not allocate.
func New(capacity, slotElems, maxPacket int) *Buffer {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	if slotElems < 1 {
		slotElems = 1
	}
	if maxPacket < 0 {
		maxPacket = 0
	}

	result := &Buffer{
		slots:     make([]core.SamplesCS16, capacity),
		threshold: slotElems,
		maxPacket: maxPacket,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for i := range result.slots {
		result.slots[i] = make(core.SamplesCS16, 0, slotElems+maxPacket)
	}
	return result
}

// Buffer is a fixed number of slots filled at the tail and drained at the head.
type Buffer struct {
	mu    sync.Mutex
	slots []core.SamplesCS16

	head      int // next slot to hand to the consumer
	tail      int // slot currently filled by the producer
	fill      int // elements in the tail slot
	count     int // full slots, including the acquired ones
	acquired  int // full slots handed out but not yet released
	threshold int
	maxPacket int

	overflow bool
	reset    bool
	closed   bool

	overflows int
	resets    int

	wake chan struct{}
	done chan struct{}
}

// SetThreshold sets the number of elements after which the tail slot counts as full.
func (b *Buffer) SetThreshold(elems int) {
	if elems < 1 {
		elems = 1
	}
	b.mu.Lock()
	b.threshold = elems
	b.mu.Unlock()
}

// Threshold returns the number of elements that make a slot full.
func (b *Buffer) Threshold() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.threshold
}

// Push appends the given I/Q chunk to the tail slot. It returns false if the
// chunk was dropped because the buffer is full or closed.
func (b *Buffer) Push(i, q []int16) bool {
	n := len(i)
	if len(q) < n {
		n = len(q)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	if b.reset {
		b.clear()
	}
	if b.count == len(b.slots) {
		if !b.overflow {
			b.overflows++
		}
		b.overflow = true
		b.mu.Unlock()
		return false
	}

	slot := b.slots[b.tail][:b.fill]
	for k := 0; k < n; k++ {
		slot = append(slot, [2]int16{i[k], q[k]})
	}
	b.slots[b.tail] = slot
	b.fill = len(slot)

	full := b.fill >= b.threshold
	if full {
		b.tail = (b.tail + 1) % len(b.slots)
		b.fill = 0
		b.count++
	}
	b.mu.Unlock()

	if full {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
	return true
}

// Acquire hands out the oldest full slot. The returned view stays valid until
// the slot is released. Acquire returns ErrOverflow once per overflow episode,
// ErrTimeout if no slot became full within timeout, and ErrClosed after Close.
// A pending reset discards all buffered samples silently.
func (b *Buffer) Acquire(timeout time.Duration) (int, core.SamplesCS16, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return -1, nil, ErrClosed
		}
		if b.reset {
			b.clear()
		}
		if b.overflow {
			b.clear()
			b.mu.Unlock()
			return -1, nil, ErrOverflow
		}
		if b.count-b.acquired > 0 {
			handle := b.head
			view := b.slots[handle]
			b.head = (b.head + 1) % len(b.slots)
			b.acquired++
			b.mu.Unlock()
			return handle, view, nil
		}
		b.mu.Unlock()

		if timeout <= 0 {
			return -1, nil, ErrTimeout
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
		}
		select {
		case <-b.wake:
		case <-b.done:
		case <-timer.C:
			return -1, nil, ErrTimeout
		}
	}
}

// Release returns the oldest acquired slot to the producer. Slots must be
// released in the order they were acquired; any other handle is ignored.
func (b *Buffer) Release(handle int) {
	b.mu.Lock()
	if b.acquired == 0 || handle != b.oldest() {
		acquired := b.acquired
		b.mu.Unlock()
		log.Printf("[WARN] ignoring release of slot %d, %d slots acquired", handle, acquired)
		return
	}
	b.acquired--
	b.count--
	b.ensure(handle)
	b.mu.Unlock()
}

// oldest returns the slot acquired first. Callers hold mu.
func (b *Buffer) oldest() int {
	return (b.head - b.acquired + len(b.slots)) % len(b.slots)
}

// Reserve makes every slot the consumer does not hold large enough for the
// threshold plus one packet of maxPacket elements. Held slots grow when they
// are released.
func (b *Buffer) Reserve(maxPacket int) {
	if maxPacket < 0 {
		maxPacket = 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxPacket = maxPacket
	held := make(map[int]bool, b.acquired)
	for k := 0; k < b.acquired; k++ {
		held[(b.oldest()+k)%len(b.slots)] = true
	}
	for i := range b.slots {
		if !held[i] {
			b.ensure(i)
		}
	}
}

// ensure grows the given slot to the reserved size. Callers hold mu.
func (b *Buffer) ensure(i int) {
	need := b.threshold + b.maxPacket
	if cap(b.slots[i]) >= need {
		return
	}
	grown := make(core.SamplesCS16, len(b.slots[i]), need)
	copy(grown, b.slots[i])
	b.slots[i] = grown
}

// SlotCap returns the reserved number of elements of the smallest slot.
func (b *Buffer) SlotCap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	result := -1
	for _, slot := range b.slots {
		if result < 0 || cap(slot) < result {
			result = cap(slot)
		}
	}
	return result
}

// Reset discards all buffered samples before the next push or acquire.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.reset = true
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Close wakes a blocked consumer. Every following Acquire returns ErrClosed.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

// clear drops everything except the slots the consumer still holds. Callers hold mu.
func (b *Buffer) clear() {
	if b.reset {
		b.resets++
	}
	b.reset = false
	b.overflow = false
	b.tail = b.head
	b.fill = 0
	b.count = b.acquired
}

// Len returns the number of full slots ready to be acquired.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count - b.acquired
}

// Cap returns the number of slots.
func (b *Buffer) Cap() int {
	return len(b.slots)
}

// Outstanding returns the number of acquired but not yet released slots.
func (b *Buffer) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acquired
}

// Overflows returns the number of overflow episodes so far.
func (b *Buffer) Overflows() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflows
}

// Resets returns the number of resets that discarded buffered samples.
func (b *Buffer) Resets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resets
}
