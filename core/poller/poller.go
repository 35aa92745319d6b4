// Package poller wraps the readiness notification facility of the host:
// epoll on Linux, kqueue on macOS. Registrations are level-triggered.
package poller

import "errors"

// ErrClosed is returned by Wait after Close
var ErrClosed = errors.New("poller: closed")

// Poller is the I/O multiplexing interface
type Poller interface {
	// Add watches fd for readability and peer hang-up
	Add(fd int) error
	Remove(fd int) error
	// Wait returns the descriptors that are ready, waiting at most
	// timeout milliseconds. A negative timeout waits indefinitely.
	Wait(timeout int) ([]int, error)
	Close() error
}
