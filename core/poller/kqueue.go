//go:build darwin

package poller

import (
	"errors"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// KqueuePoller is a kqueue-based I/O multiplexer
type KqueuePoller struct {
	kqfd   int
	events []unix.Kevent_t
	fds    []int
	closed atomic.Bool
}

// NewPoller creates a new Poller (macOS)
func NewPoller() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kqfd)

	return &KqueuePoller{
		kqfd:   kqfd,
		events: make([]unix.Kevent_t, 1024),
		fds:    make([]int, 0, 1024),
	}, nil
}

func (p *KqueuePoller) change(fd int, flags uint16) error {
	var ev unix.Kevent_t
	unix.SetKevent(&ev, fd, unix.EVFILT_READ, int(flags))
	_, err := unix.Kevent(p.kqfd, []unix.Kevent_t{ev}, nil, nil)
	return err
}

// Add adds a file descriptor to the watch list
func (p *KqueuePoller) Add(fd int) error {
	return p.change(fd, unix.EV_ADD|unix.EV_ENABLE)
}

// Remove removes a file descriptor from the watch list
func (p *KqueuePoller) Remove(fd int) error {
	return p.change(fd, unix.EV_DELETE)
}

// Wait waits for I/O events. The returned slice is reused by the next call.
func (p *KqueuePoller) Wait(timeout int) ([]int, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}

	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout) * 1_000_000)
		ts = &t
	}

	n, err := unix.Kevent(p.kqfd, nil, p.events, ts)
	if errors.Is(err, unix.EINTR) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p.fds = p.fds[:0]
	for i := range n {
		p.fds = append(p.fds, int(p.events[i].Ident))
	}
	return p.fds, nil
}

// Close closes the Poller
func (p *KqueuePoller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return unix.Close(p.kqfd)
}
