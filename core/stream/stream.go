// Package stream coordinates the receive stream: it owns the ring buffers of
// the active stream, hands the samples to the reader, applies pending
// configuration changes at buffer boundaries and runs the gain control loop.
//
// Configuration setters may be called from any goroutine at any time. Read,
// AcquireReadBuffer and ReleaseReadBuffer are called by exactly one consumer
// goroutine. Packets arrive on the driver's delivery goroutine.
package stream

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/ftl/sdrstream/core"
	"github.com/ftl/sdrstream/core/ring"
)

// Errors and signals of the stream.
var (
	ErrTimeout         = errors.New("timeout")
	ErrOverflow        = errors.New("overflow")
	ErrNotActive       = errors.New("stream not active")
	ErrInvalidFormat   = errors.New("invalid sample format")
	ErrInvalidChannels = errors.New("invalid channel selection")
)

// Default stream arguments.
const (
	DefaultNumBuffers   = ring.DefaultCapacity
	DefaultBufferLength = 65536
	maxPacketLength     = 16384
)

// State of the coordinator.
type State int

// All states.
const (
	Idle State = iota
	Configuring
	Active
	Reconfiguring
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Configuring:
		return "configuring"
	case Active:
		return "active"
	case Reconfiguring:
		return "reconfiguring"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Flags returned with the samples.
type Flags uint

// All flags.
const (
	// MoreFragments indicates that the current buffer holds more samples.
	MoreFragments Flags = 1 << iota
)

// Has indicates if the given flag is set.
func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}

// Args of a stream.
type Args struct {
	NumBuffers   int
	BufferLength int
}

// DefaultArgs returns 8 buffers of 65536 samples.
func DefaultArgs() Args {
	return Args{
		NumBuffers:   DefaultNumBuffers,
		BufferLength: DefaultBufferLength,
	}
}

// Handle of a buffer handed out by AcquireReadBuffer.
type Handle int

// Stream is set up by the coordinator and read by the consumer.
type Stream struct {
	format   core.SampleFormat
	channels []int
	args     Args
	closed   bool

	rings   []*ring.Buffer
	index   map[int]int
	cursors []cursor
	lent    map[Handle][]int
	next    Handle
	mtu     int
}

// cursor keeps the position within a partially read buffer.
type cursor struct {
	held   bool
	handle int
	view   core.SamplesCS16
	offset int
}

func (c cursor) remaining() int {
	if !c.held {
		return 0
	}
	return len(c.view) - c.offset
}

// Format of the samples returned by Read.
func (s *Stream) Format() core.SampleFormat {
	return s.format
}

// Channels of the stream.
func (s *Stream) Channels() []int {
	return append([]int(nil), s.channels...)
}

// Args of the stream.
func (s *Stream) Args() Args {
	return s.args
}

// MTU returns the number of samples per buffer.
func (s *Stream) MTU() int {
	return s.mtu
}

// Overflows returns the number of overflow episodes on all channels.
func (s *Stream) Overflows() int {
	result := 0
	for _, r := range s.rings {
		result += r.Overflows()
	}
	return result
}

// Resets returns the number of buffer resets on the first channel.
func (s *Stream) Resets() int {
	if len(s.rings) == 0 {
		return 0
	}
	return s.rings[0].Resets()
}

func (s *Stream) allocate(packetLength int) {
	s.rings = make([]*ring.Buffer, len(s.channels))
	for i := range s.rings {
		s.rings[i] = ring.New(s.args.NumBuffers, s.args.BufferLength, packetLength)
	}
	s.cursors = make([]cursor, len(s.channels))
	s.lent = make(map[Handle][]int)
	s.mtu = s.args.BufferLength
}

// adjust sets the buffer size to a multiple of the packet length and reserves
// room for one more packet in every slot.
func (s *Stream) adjust(packetLength int) {
	s.mtu = s.args.BufferLength
	if packetLength > 0 && packetLength < s.args.BufferLength {
		s.mtu = (s.args.BufferLength / packetLength) * packetLength
	}
	for _, r := range s.rings {
		r.SetThreshold(s.mtu)
		r.Reserve(packetLength)
	}
}

// discard drops the partially read buffers and resets all rings.
func (s *Stream) discard() {
	for i := range s.cursors {
		if s.cursors[i].held {
			s.rings[i].Release(s.cursors[i].handle)
		}
		s.cursors[i] = cursor{}
	}
	for _, r := range s.rings {
		r.Reset()
	}
}

// fill makes sure every channel has a buffer to read from.
func (s *Stream) fill(timeout time.Duration, acquired func(core.SamplesCS16)) error {
	for i := range s.cursors {
		if s.cursors[i].remaining() > 0 {
			continue
		}
		handle, view, err := s.rings[i].Acquire(timeout)
		if err != nil {
			return s.signal(i, err)
		}
		s.cursors[i] = cursor{held: true, handle: handle, view: view}
		if i == 0 && acquired != nil {
			acquired(view)
		}
	}
	return nil
}

func (s *Stream) signal(channel int, err error) error {
	switch err {
	case ring.ErrTimeout:
		if channel > 0 {
			return errors.Wrapf(ErrTimeout, "channel %d lags behind", s.channels[channel])
		}
		return ErrTimeout
	case ring.ErrOverflow:
		return ErrOverflow
	case ring.ErrClosed:
		return ErrNotActive
	default:
		return err
	}
}

// available returns the minimum number of buffered samples over all channels
// and whether the channels diverge.
func (s *Stream) available() (int, bool) {
	n := s.cursors[0].remaining()
	diverged := false
	for _, c := range s.cursors[1:] {
		remaining := c.remaining()
		if remaining != n {
			diverged = true
		}
		if remaining < n {
			n = remaining
		}
	}
	return n, diverged
}

func (s *Stream) advance(n int) Flags {
	var flags Flags
	for i := range s.cursors {
		s.cursors[i].offset += n
		if s.cursors[i].remaining() > 0 {
			flags |= MoreFragments
			continue
		}
		s.rings[i].Release(s.cursors[i].handle)
		s.cursors[i] = cursor{}
	}
	return flags
}
