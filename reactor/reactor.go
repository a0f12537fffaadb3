// File: reactor/reactor.go
// Package reactor provides the readiness poller under the single-threaded
// event loop: epoll on Linux, kqueue on the BSD family.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

// Event reports readiness for one registered descriptor.
type Event struct {
	FD       int
	Readable bool
	Writable bool
	Closed   bool
}

// Poller multiplexes non-blocking descriptors. All methods except Wakeup must
// be called from the loop goroutine that owns the poller.
type Poller interface {
	// Add registers fd with the given interest set.
	Add(fd int, readable, writable bool) error
	// Modify replaces the interest set for fd.
	Modify(fd int, readable, writable bool) error
	// Remove deregisters fd.
	Remove(fd int) error
	// Wait fills dst with ready events and returns the count.
	// timeoutMs < 0 blocks indefinitely.
	Wait(dst []Event, timeoutMs int) (int, error)
	// Wakeup interrupts a Wait in progress. Safe from any goroutine.
	Wakeup() error
	Close() error
}

// New returns the poller for the current platform.
func New() (Poller, error) {
	return newPoller()
}
