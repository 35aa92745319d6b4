package core

import (
	"bytes"
	"context"
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/searchktools/hostcore/core/features"
)

// Connection states
const (
	connReading int32 = iota
	connProcessing
)

var crlfcrlf = []byte("\r\n\r\n")

type connState struct {
	fd       int
	id       string
	remote   netip.AddrPort
	readBuf  *[]byte
	defaults features.Backstop
}

// Connection is an accepted socket. The event loop owns it while it is
// reading; the exchange of the current request owns it while the request
// is in the pump.
type Connection struct {
	fd       int
	id       string
	remote   netip.AddrPort
	local    netip.AddrPort
	features *features.Defaults

	readBuf      *[]byte
	off          int
	continueSent bool

	state      atomic.Int32
	lastActive atomic.Int64
	closed     atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Init implements pools.Poolable
func (c *Connection) Init(s connState) {
	c.fd = s.fd
	c.id = s.id
	c.remote = s.remote
	c.readBuf = s.readBuf
	c.features = features.NewDefaults(s.defaults)
	c.state.Store(connReading)
	c.closed.Store(false)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.touch()
}

// Reset implements pools.Poolable
func (c *Connection) Reset() {
	c.fd = -1
	c.id = ""
	c.remote = netip.AddrPort{}
	c.local = netip.AddrPort{}
	c.features = nil
	c.readBuf = nil
	c.off = 0
	c.continueSent = false
	c.state.Store(connReading)
	c.lastActive.Store(0)
	c.ctx = nil
	c.cancel = nil
}

func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *Connection) lastActiveTime() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) headComplete() bool {
	return bytes.Contains((*c.readBuf)[:c.off], crlfcrlf)
}

func (c *Connection) expectsContinue() bool {
	data := (*c.readBuf)[:c.off]
	end := bytes.Index(data, crlfcrlf)
	if end < 0 {
		return false
	}
	return bytes.Contains(bytes.ToLower(data[:end]), []byte("\r\nexpect: 100-continue"))
}

func (c *Connection) localAddr() netip.AddrPort {
	if !c.local.IsValid() {
		if sa, err := unix.Getsockname(c.fd); err == nil {
			c.local = addrPort(sa)
		}
	}
	return c.local
}

func addrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}
