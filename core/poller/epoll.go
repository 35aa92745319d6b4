//go:build linux

package poller

import (
	"errors"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// EpollPoller is an epoll-based I/O multiplexer
type EpollPoller struct {
	epfd   int
	events []unix.EpollEvent
	fds    []int
	closed atomic.Bool
}

// NewPoller creates a new Poller (Linux)
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	return &EpollPoller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, 1024),
		fds:    make([]int, 0, 1024),
	}, nil
}

// Add adds a file descriptor to the watch list
func (p *EpollPoller) Add(fd int) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Remove removes a file descriptor from the watch list
func (p *EpollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait waits for I/O events. The returned slice is reused by the next call.
func (p *EpollPoller) Wait(timeout int) ([]int, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}

	n, err := unix.EpollWait(p.epfd, p.events, timeout)
	if errors.Is(err, unix.EINTR) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p.fds = p.fds[:0]
	for i := range n {
		p.fds = append(p.fds, int(p.events[i].Fd))
	}
	return p.fds, nil
}

// Close closes the Poller
func (p *EpollPoller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return unix.Close(p.epfd)
}
