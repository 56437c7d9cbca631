// Package vfo follows the VFO of a transceiver controlled by hamlib and keeps
// the receiver tuned to it.
package vfo

import (
	"context"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ftl/rigproxy/pkg/protocol"
	"github.com/pkg/errors"

	"github.com/ftl/sdrstream/core"
)

// DefaultAddress of rigctld.
const DefaultAddress = "localhost:4532"

// Tuner is retuned whenever the VFO frequency changes.
type Tuner interface {
	SetFrequency(f core.Frequency) error
}

// FrequencyChanged is called on frequency changes.
type FrequencyChanged func(f core.Frequency)

// Open a connection to a hamlib VFO at the given network address. If address
// is empty, DefaultAddress is used. The tuner follows the VFO frequency plus
// the given offset, e.g. the IF of the transceiver.
func Open(address string, offset core.Frequency, tuner Tuner) (*Follower, error) {
	if address == "" {
		address = DefaultAddress
	}
	out, err := net.Dial("tcp", address)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open VFO connection")
	}

	trx := protocol.NewTransceiver(out)
	trx.WhenDone(func() {
		out.Close()
	})

	result := newFollower(offset, tuner)
	result.query = func(ctx context.Context) (core.Frequency, error) {
		request := protocol.Request{Command: protocol.ShortCommand("f")}
		response, err := trx.Send(ctx, request)
		if err != nil {
			return 0, err
		}
		if len(response.Data) == 0 {
			return 0, errors.New("empty response")
		}
		return hamlibToF(response.Data[0])
	}
	result.close = func() {
		trx.Close()
	}
	return result, nil
}

func newFollower(offset core.Frequency, tuner Tuner) *Follower {
	return &Follower{
		offset:          offset,
		tuner:           tuner,
		pollingInterval: 500 * time.Millisecond,
		close:           func() {},
	}
}

// Follower polls the VFO frequency and retunes the tuner.
type Follower struct {
	offset          core.Frequency
	tuner           Tuner
	pollingInterval time.Duration
	query           func(context.Context) (core.Frequency, error)
	close           func()

	mu        sync.RWMutex
	current   core.Frequency
	listeners []FrequencyChanged
}

// Run the follower until stop is closed.
func (f *Follower) Run(stop chan struct{}, wait *sync.WaitGroup) {
	wait.Add(1)
	go func() {
		defer wait.Done()
		defer f.shutdown()

		for {
			select {
			case <-time.After(f.pollingInterval):
				f.poll()
			case <-stop:
				return
			}
		}
	}()
}

func (f *Follower) shutdown() {
	f.close()
	log.Print("[INFO] VFO shutdown")
}

func (f *Follower) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), f.pollingInterval)
	defer cancel()

	frequency, err := f.query(ctx)
	if err != nil {
		log.Printf("[WARN] polling VFO frequency failed: %v", err)
		return
	}
	if !f.update(frequency) {
		return
	}

	target := frequency + f.offset
	log.Printf("[DEBUG] VFO moved to %.0fHz, tuning to %.0fHz", frequency, target)
	if err := f.tuner.SetFrequency(target); err != nil {
		log.Printf("[WARN] cannot follow VFO: %v", err)
	}

	f.mu.RLock()
	listeners := f.listeners
	f.mu.RUnlock()
	for _, listener := range listeners {
		listener(frequency)
	}
}

func (f *Follower) update(frequency core.Frequency) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int(frequency) == int(f.current) {
		return false
	}
	f.current = frequency
	return true
}

// CurrentFrequency returns the last known VFO frequency.
func (f *Follower) CurrentFrequency() core.Frequency {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

// OnFrequencyChange registers the given callback to be notified if the VFO frequency changes.
func (f *Follower) OnFrequencyChange(listener FrequencyChanged) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, listener)
}

func hamlibToF(s string) (core.Frequency, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, errors.Wrapf(err, "wrong frequency format %q", s)
	}
	return core.Frequency(f), nil
}
