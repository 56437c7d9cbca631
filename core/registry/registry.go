// Package registry keeps track of the devices claimed by this process.
package registry

import (
	"log"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ErrClaimed is returned if a device is already claimed by this process.
var ErrClaimed = errors.New("device already claimed")

// New returns an empty registry. The application creates one at startup and
// closes it on shutdown.
func New() *Registry {
	return &Registry{
		claimed: make(map[string]struct{}),
	}
}

// Registry of claimed devices, identified by their serial number.
type Registry struct {
	mu      sync.Mutex
	claimed map[string]struct{}
	closed  bool
}

// Claim the device with the given serial.
func (r *Registry) Claim(serial string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("registry closed")
	}
	if _, ok := r.claimed[serial]; ok {
		return errors.Wrapf(ErrClaimed, "serial %q", serial)
	}
	r.claimed[serial] = struct{}{}
	log.Printf("[DEBUG] device %q claimed", serial)
	return nil
}

// Release the device with the given serial.
func (r *Registry) Release(serial string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.claimed[serial]; !ok {
		return
	}
	delete(r.claimed, serial)
	log.Printf("[DEBUG] device %q released", serial)
}

// IsClaimed indicates if the device with the given serial is claimed.
func (r *Registry) IsClaimed(serial string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.claimed[serial]
	return ok
}

// Claimed returns the serials of all claimed devices in ascending order.
func (r *Registry) Claimed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]string, 0, len(r.claimed))
	for serial := range r.claimed {
		result = append(result, serial)
	}
	sort.Strings(result)
	return result
}

// Close releases all devices. Every following claim fails.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.claimed) > 0 {
		log.Printf("[WARN] registry closed with %d claimed devices", len(r.claimed))
	}
	r.claimed = make(map[string]struct{})
	r.closed = true
}
