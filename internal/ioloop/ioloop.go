/*
Package ioloop implements the relay's single-threaded readiness
multiplexer (component C4): one epoll instance drives the listening
socket plus every accepted/dialed peer socket, reading and writing
non-blockingly and dispatching whole frames to internal/relay.Node.

broadcast_hub itself has no multiplexer of this shape — it is one
goroutine per connection over blocking net.Conn reads — so this package
is grounded instead on the non-blocking reactor pattern shown by the
retrieval pack's evio reference implementation: a raw epoll fd, a
fd-to-connection map, and EAGAIN-driven read/write loops built directly on
syscalls rather than net.Conn.
*/
package ioloop

import (
	"fmt"
	"net"
	"time"

	"github.com/CiaranWoodward/crc-relay/internal/relay"
	"github.com/CiaranWoodward/crc-relay/internal/wire"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// pollTimeout bounds the epoll wait per spec.md §4.4 step 3a, so shutdown
// latency stays sub-second.
const pollTimeout = 100 * time.Millisecond

// readChunkSize is the bounded chunk read per ready socket per tick.
const readChunkSize = 64 * 1024

// Loop is the relay's I/O reactor. It owns the epoll fd, the listening
// socket, and drives Node via Dispatch as whole frames arrive.
type Loop struct {
	epfd     int
	listenFD int
	node     *relay.Node
	log      zerolog.Logger

	readBuf []byte
	closed  bool

	// OnAccept/OnClose are optional hooks for connection-count telemetry,
	// the same external-callback shape relay.Node uses for dispatch/drop
	// counters.
	OnAccept func()
	OnClose  func()
}

// New creates a Loop bound to node. Listen and/or Bootstrap must be called
// before Run.
func New(node *relay.Node, log zerolog.Logger) (*Loop, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("ioloop: epoll_create1: %w", err)
	}
	return &Loop{
		epfd:     epfd,
		listenFD: -1,
		node:     node,
		log:      log,
		readBuf:  make([]byte, readChunkSize),
	}, nil
}

// Listen binds and listens on port, per spec.md §4.4 step 1.
func (l *Loop) Listen(port int) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("ioloop: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("ioloop: setsockopt SO_REUSEADDR: %w", err)
	}
	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		return fmt.Errorf("ioloop: bind: %w", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return fmt.Errorf("ioloop: listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("ioloop: set listener nonblocking: %w", err)
	}
	l.listenFD = fd
	return l.epollAdd(fd, unix.EPOLLIN)
}

// Bootstrap opens one outbound connection to addr:port, registers it with
// an Unknown-role slot, and enqueues the initial ServerRegistration per
// spec.md §4.4 step 2. selfID/name/info describe this node to the peer.
func (l *Loop) Bootstrap(addr string, port int, selfID wire.HostID, name, info string) error {
	ip := net.ParseIP(addr)
	if ip == nil {
		return fmt.Errorf("ioloop: bootstrap: invalid address %q", addr)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return fmt.Errorf("ioloop: bootstrap: only IPv4 is supported, got %q", addr)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("ioloop: bootstrap: socket: %w", err)
	}
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip4)
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("ioloop: bootstrap: connect: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("ioloop: bootstrap: set nonblocking: %w", err)
	}

	slot := l.node.RegisterConnection(fd)
	frame, err := wire.EncodeServerRegistration(selfID, 0, name, info)
	if err != nil {
		return fmt.Errorf("ioloop: bootstrap: encode registration: %w", err)
	}
	slot.Append(frame)

	return l.epollAdd(fd, unix.EPOLLIN|unix.EPOLLOUT)
}

func (l *Loop) epollAdd(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("ioloop: epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

func (l *Loop) epollRemove(fd int) {
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Run drives the loop until stop is closed. Any in-flight tick completes
// normally before the shutdown sweep runs (spec.md §5).
func (l *Loop) Run(stop <-chan struct{}) error {
	events := make([]unix.EpollEvent, 64)
	for {
		select {
		case <-stop:
			return l.shutdown()
		default:
		}

		n, err := unix.EpollWait(l.epfd, events, int(pollTimeout/time.Millisecond))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("ioloop: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			switch {
			case fd == l.listenFD:
				l.acceptAll()
			default:
				if events[i].Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
					l.handleReadable(fd)
				}
				if events[i].Events&unix.EPOLLOUT != 0 {
					l.handleWritable(fd)
				}
			}
		}
	}
}

// acceptAll drains every pending connection on the listening socket in one
// tick, per spec.md §4.4 step 3b.
func (l *Loop) acceptAll() {
	for {
		nfd, _, err := unix.Accept4(l.listenFD, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			l.log.Warn().Err(err).Msg("accept failed")
			return
		}
		l.node.RegisterConnection(nfd)
		if err := l.epollAdd(nfd, unix.EPOLLIN|unix.EPOLLOUT); err != nil {
			l.log.Warn().Err(err).Int("fd", nfd).Msg("failed to register accepted connection")
			unix.Close(nfd)
			l.node.UnregisterConnection(nfd)
			continue
		}
		if l.OnAccept != nil {
			l.OnAccept()
		}
	}
}

// handleReadable implements spec.md §4.4 step 3c.
func (l *Loop) handleReadable(fd int) {
	slot, ok := l.node.Slot(fd)
	if !ok {
		return
	}
	n, err := unix.Read(fd, l.readBuf)
	if n == 0 || (err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK) {
		l.closeConn(fd)
		return
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return
	}

	slot.AppendRead(l.readBuf[:n])
	msgs, leftover, perr := wire.Parse(slot.ReadBuf())
	if perr != nil {
		// MalformedFrame is treated as PeerClosed (spec.md §7).
		l.log.Warn().Err(perr).Int("fd", fd).Msg("malformed frame, closing connection")
		l.closeConn(fd)
		return
	}
	slot.SetReadResidue(leftover)
	for _, m := range msgs {
		l.node.Dispatch(fd, m)
	}
}

// handleWritable implements spec.md §4.4 step 3d.
func (l *Loop) handleWritable(fd int) {
	slot, ok := l.node.Slot(fd)
	if !ok || !slot.IsDraining() {
		return
	}
	pending := slot.PendingWrite()
	n, err := unix.Write(fd, pending)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		l.closeConn(fd)
		return
	}
	slot.ConsumeWritten(n)
}

func (l *Loop) closeConn(fd int) {
	l.epollRemove(fd)
	unix.Close(fd)
	l.node.UnregisterConnection(fd)
	if l.OnClose != nil {
		l.OnClose()
	}
}

// shutdown implements spec.md §5: close every registered socket then the
// multiplexer, with no best-effort flush of pending write buffers.
func (l *Loop) shutdown() error {
	if l.closed {
		return nil
	}
	l.closed = true
	if l.listenFD >= 0 {
		l.epollRemove(l.listenFD)
		unix.Close(l.listenFD)
	}
	for _, fd := range l.node.ConnectionFDs() {
		l.epollRemove(fd)
		unix.Close(fd)
	}
	return unix.Close(l.epfd)
}
