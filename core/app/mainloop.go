package app

import (
	"encoding/binary"
	"io"
	"log"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/ftl/sdrstream/core"
	"github.com/ftl/sdrstream/core/dsp"
	"github.com/ftl/sdrstream/core/stream"
)

// ReadTimeout is the time a single read waits for samples.
const ReadTimeout = 500 * time.Millisecond

type reader interface {
	Read(s *stream.Stream, buffs []core.Samples, timeout time.Duration) (int, stream.Flags, error)
}

func newMainLoop(input reader, s *stream.Stream, sink io.Writer) *mainLoop {
	return &mainLoop{
		input:   input,
		stream:  s,
		sink:    sink,
		buffs:   []core.Samples{core.MakeSamples(s.Format(), s.MTU())},
		timeout: ReadTimeout,
	}
}

type mainLoop struct {
	input   reader
	stream  *stream.Stream
	sink    io.Writer
	buffs   []core.Samples
	scratch []byte
	timeout time.Duration

	samples   int
	overflows int
}

// Run reads samples and writes them to the sink until stop is closed, the
// stream goes down, or the sink fails.
func (m *mainLoop) Run(stop chan struct{}) error {
	defer log.Print("[INFO] main loop shutdown")
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		n, _, err := m.input.Read(m.stream, m.buffs, m.timeout)
		switch {
		case errors.Is(err, stream.ErrTimeout):
			log.Print("[DEBUG] no samples within timeout")
			continue
		case errors.Is(err, stream.ErrOverflow):
			m.overflows++
			log.Printf("[WARN] samples dropped, %d overflows so far", m.overflows)
			continue
		case err != nil:
			return err
		}

		if err := m.write(m.buffs[0], n); err != nil {
			return errors.Wrap(err, "cannot write samples")
		}
		m.samples += n
	}
}

// write encodes the first n samples as little endian interleaved I/Q.
func (m *mainLoop) write(buff core.Samples, n int) error {
	switch samples := buff.(type) {
	case core.SamplesCS16:
		m.scratch = grow(m.scratch, 4*n)
		for k, s := range samples[:n] {
			binary.LittleEndian.PutUint16(m.scratch[4*k:], uint16(s[0]))
			binary.LittleEndian.PutUint16(m.scratch[4*k+2:], uint16(s[1]))
		}
	case core.SamplesCF32:
		m.scratch = grow(m.scratch, 8*n)
		for k, s := range samples[:n] {
			binary.LittleEndian.PutUint32(m.scratch[8*k:], math.Float32bits(real(s)))
			binary.LittleEndian.PutUint32(m.scratch[8*k+4:], math.Float32bits(imag(s)))
		}
	default:
		return errors.Errorf("unsupported sample format %v", buff.Format())
	}
	_, err := m.sink.Write(m.scratch)
	return err
}

func grow(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}

// Run streams the samples to the sink until stop is closed.
func (c *Controller) Run(stop chan struct{}, sink io.Writer) error {
	if c.stream == nil {
		return stream.ErrNotActive
	}
	return newMainLoop(c.coordinator, c.stream, sink).Run(stop)
}

// Probe reads the given number of blocks and reports what the receiver delivers.
func (c *Controller) Probe(blocks int) (Report, error) {
	if c.stream == nil {
		return Report{}, stream.ErrNotActive
	}
	if blocks < 1 {
		blocks = 1
	}

	result := Report{
		Driver:   c.driver.Name(),
		Serial:   c.serial,
		Format:   c.stream.Format(),
		GainMode: c.coordinator.GainMode(),
	}
	var last core.SamplesCS16
	totalPower := 0.0
	for result.Blocks < blocks {
		handle, views, _, err := c.coordinator.AcquireReadBuffer(c.stream, ReadTimeout)
		switch {
		case errors.Is(err, stream.ErrTimeout):
			return result, err
		case errors.Is(err, stream.ErrOverflow):
			result.Overflows++
			continue
		case err != nil:
			return result, err
		}

		samples := views[0]
		totalPower += dsp.AveragePower(samples) * float64(len(samples))
		result.Samples += len(samples)
		last = append(last[:0], samples...)
		c.coordinator.ReleaseReadBuffer(c.stream, handle)
		result.Blocks++
	}

	result.Applied = c.coordinator.Applied()
	result.Derived = c.coordinator.Derived()
	summary := dsp.Summarize(last, result.Derived.OutputRate)
	result.Peak = summary.Peak
	result.Offset = summary.PeakOffset
	if result.Samples > 0 {
		result.Power = core.PowerToDB(totalPower / float64(result.Samples))
	}
	return result, nil
}
