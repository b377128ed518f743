package ioloop

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/CiaranWoodward/crc-relay/internal/relay"
	"github.com/CiaranWoodward/crc-relay/internal/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

// freePort asks the kernel for an unused loopback TCP port, then releases
// it immediately so Listen can rebind it.
func freePort(t *testing.T) int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Nil(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	assert.Nil(t, l.Close())
	return port
}

func TestListenAcceptsPlainTCPClient(t *testing.T) {
	// Confirms Run's goroutine actually exits on shutdown rather than
	// blocking forever on epoll_wait, the way server_slow_test.go verifies
	// no per-connection goroutine outlives its test.
	defer goleak.VerifyNone(t)

	node := relay.NewNode(1, "s1", "", zerolog.Nop())
	loop, err := New(node, zerolog.Nop())
	assert.Nil(t, err)

	port := freePort(t)
	assert.Nil(t, loop.Listen(port))

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- loop.Run(stop) }()

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	assert.Nil(t, err)
	defer conn.Close()

	frame, err := wire.EncodeServerRegistration(2, 0, "s2", "")
	assert.Nil(t, err)
	_, err = conn.Write(frame)
	assert.Nil(t, err)

	deadlineAt := time.Now().Add(2 * time.Second)
	for node.ConnectionCount() == 0 && time.Now().Before(deadlineAt) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1, node.ConnectionCount())

	for {
		if _, ok := node.Dir.Lookup(2); ok {
			break
		}
		if time.Now().After(deadlineAt) {
			t.Fatal("server registration never reached the directory")
		}
		time.Sleep(10 * time.Millisecond)
	}

	close(stop)
	assert.Nil(t, <-done)
}

func TestBootstrapJoinsTwoLoops(t *testing.T) {
	s1 := relay.NewNode(1, "s1", "", zerolog.Nop())
	l1, err := New(s1, zerolog.Nop())
	assert.Nil(t, err)
	p1 := freePort(t)
	assert.Nil(t, l1.Listen(p1))

	s2 := relay.NewNode(2, "s2", "", zerolog.Nop())
	l2, err := New(s2, zerolog.Nop())
	assert.Nil(t, err)
	p2 := freePort(t)
	assert.Nil(t, l2.Listen(p2))

	stop1, stop2 := make(chan struct{}), make(chan struct{})
	done1, done2 := make(chan error, 1), make(chan error, 1)
	go func() { done1 <- l1.Run(stop1) }()
	go func() { done2 <- l2.Run(stop2) }()

	assert.Nil(t, l2.Bootstrap("127.0.0.1", p1, s2.SelfID, s2.SelfName, s2.SelfInfo))

	deadlineAt := time.Now().Add(2 * time.Second)
	for {
		_, onS1 := s1.Dir.Lookup(2)
		_, onS2 := s2.Dir.Lookup(1)
		if onS1 && onS2 {
			break
		}
		if time.Now().After(deadlineAt) {
			t.Fatal("bootstrap handshake never completed both ways")
		}
		time.Sleep(10 * time.Millisecond)
	}

	close(stop1)
	close(stop2)
	assert.Nil(t, <-done1)
	assert.Nil(t, <-done2)
}
