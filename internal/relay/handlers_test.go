package relay

import (
	"testing"

	"github.com/CiaranWoodward/crc-relay/internal/directory"
	"github.com/CiaranWoodward/crc-relay/internal/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

// directedLink moves whatever is queued on from's fromFD slot to to's
// toFD slot, the way the I/O loop's read-then-dispatch step would once a
// socket becomes readable. Tests use this instead of real sockets, the way
// broadcast_hub's own tests drive handlers over net.Pipe().
type directedLink struct {
	from   *Node
	fromFD int
	to     *Node
	toFD   int
}

func (dl directedLink) pump(t *testing.T) bool {
	slot, ok := dl.from.Slot(dl.fromFD)
	if !ok {
		return false
	}
	data := slot.PendingWrite()
	if len(data) == 0 {
		return false
	}
	buf := append([]byte(nil), data...)
	slot.ConsumeWritten(len(data))
	msgs, leftover, err := wire.Parse(buf)
	assert.Nil(t, err)
	assert.Empty(t, leftover)
	for _, m := range msgs {
		dl.to.Dispatch(dl.toFD, m)
	}
	return true
}

func drainAll(t *testing.T, links []directedLink) {
	for i := 0; i < 1000; i++ {
		moved := false
		for _, l := range links {
			if l.pump(t) {
				moved = true
			}
		}
		if !moved {
			return
		}
	}
	t.Fatal("drainAll: links never quiesced")
}

func newTestNode(id wire.HostID, name, info string) *Node {
	return NewNode(id, name, info, zerolog.Nop())
}

// joinServers wires s2 into s1's network by simulating the §4.4 step 2
// bootstrap: s2 dials s1 and enqueues a last_hop_id=0 ServerRegistration
// before any read/dispatch happens.
func joinServers(t *testing.T, s1, s2 *Node, fdOnS1, fdOnS2 int) []directedLink {
	s1.RegisterConnection(fdOnS1)
	s2.RegisterConnection(fdOnS2)

	slot, _ := s2.Slot(fdOnS2)
	frame, err := wire.EncodeServerRegistration(s2.SelfID, 0, s2.SelfName, s2.SelfInfo)
	assert.Nil(t, err)
	slot.Append(frame)

	links := []directedLink{
		{from: s2, fromFD: fdOnS2, to: s1, toFD: fdOnS1},
		{from: s1, fromFD: fdOnS1, to: s2, toFD: fdOnS2},
	}
	drainAll(t, links)
	return links
}

func TestTwoServerJoin(t *testing.T) {
	s1 := newTestNode(1, "s1", "")
	s2 := newTestNode(2, "s2", "")
	joinServers(t, s1, s2, 2, 1)

	assert.Contains(t, s1.Dir.AdjacentServers(), wire.HostID(2))
	r, ok := s1.Dir.Lookup(2)
	assert.True(t, ok)
	assert.Equal(t, wire.HostID(1), r.FirstLinkID)

	assert.Contains(t, s2.Dir.AdjacentServers(), wire.HostID(1))
	r, ok = s2.Dir.Lookup(1)
	assert.True(t, ok)
	assert.Equal(t, wire.HostID(2), r.FirstLinkID)
}

func TestDuplicateServerID(t *testing.T) {
	s1 := newTestNode(1, "s1", "")
	s2 := newTestNode(2, "s2", "")
	joinServers(t, s1, s2, 2, 1)

	// S3 claims id=2, same as s2, bootstrapping to s1.
	s3 := newTestNode(2, "s3", "")
	s1.RegisterConnection(3)
	s3.RegisterConnection(1)

	frame, err := wire.EncodeServerRegistration(s3.SelfID, 0, s3.SelfName, s3.SelfInfo)
	assert.Nil(t, err)
	slot, _ := s3.Slot(1)
	slot.Append(frame)

	links := []directedLink{
		{from: s3, fromFD: 1, to: s1, toFD: 3},
		{from: s1, fromFD: 3, to: s3, toFD: 1},
	}
	drainAll(t, links)

	assert.Len(t, s3.StatusLog, 1)
	assert.Equal(t, "A machine has already registered with ID 2", s3.StatusLog[0])

	// S1's directory is unchanged: still just s2 at id 2, pointing at s1.
	r, ok := s1.Dir.Lookup(2)
	assert.True(t, ok)
	assert.Equal(t, "s2", r.Name)
}

func TestClientWelcome(t *testing.T) {
	s1 := newTestNode(1, "s1", "")
	s1.RegisterConnection(10)

	frame, err := wire.EncodeClientRegistration(100, 0, "alice", "")
	assert.Nil(t, err)
	s1.Dispatch(10, decodeOne(t, frame))

	assert.Contains(t, s1.Dir.AdjacentClients(), wire.HostID(100))
	slot, _ := s1.Slot(10)
	out := slot.PendingWrite()
	msgs, _, err := wire.Parse(out)
	assert.Nil(t, err)
	assert.Len(t, msgs, 1)
	assert.Equal(t, wire.KindStatusUpdate, msgs[0].Kind)
	assert.Equal(t, wire.StatusWelcome, msgs[0].Status.Code)
	assert.Equal(t, "Welcome to the Clemson Relay Chat network alice", msgs[0].Status.Content)
}

func decodeOne(t *testing.T, frame []byte) wire.Message {
	msgs, leftover, err := wire.Parse(frame)
	assert.Nil(t, err)
	assert.Empty(t, leftover)
	assert.Len(t, msgs, 1)
	return msgs[0]
}

// setupCrossServerChat builds S1--S2 with client A on S1 (id 100) and
// client B on S2 (id 200), per spec.md §8 scenario 5.
func setupCrossServerChat(t *testing.T) (s1, s2 *Node, aFD, bFD int, links []directedLink) {
	s1 = newTestNode(1, "s1", "")
	s2 = newTestNode(2, "s2", "")
	links = joinServers(t, s1, s2, 2, 1)

	aFD, bFD = 100, 200
	s1.RegisterConnection(aFD)
	aReg, err := wire.EncodeClientRegistration(100, 0, "alice", "")
	assert.Nil(t, err)
	s1.Dispatch(aFD, decodeOne(t, aReg))
	drainAll(t, links)

	s2.RegisterConnection(bFD)
	bReg, err := wire.EncodeClientRegistration(200, 0, "bob", "")
	assert.Nil(t, err)
	s2.Dispatch(bFD, decodeOne(t, bReg))
	drainAll(t, links)

	// Registration leaves the welcome, world-view sync and gossip queued on
	// both client slots; discard it, as the clients would have read it, so
	// each test sees only the traffic it provokes.
	aSlot, _ := s1.Slot(aFD)
	aSlot.ConsumeWritten(len(aSlot.PendingWrite()))
	bSlot, _ := s2.Slot(bFD)
	bSlot.ConsumeWritten(len(bSlot.PendingWrite()))

	return s1, s2, aFD, bFD, links
}

func TestCrossServerChat(t *testing.T) {
	s1, s2, aFD, bFD, links := setupCrossServerChat(t)

	// Sanity: s1 now knows about client 200 (gossiped via s2), remote.
	r, ok := s1.Dir.Lookup(200)
	assert.True(t, ok)
	assert.Equal(t, directory.KindClient, r.Kind)
	assert.Equal(t, wire.HostID(2), r.FirstLinkID)

	chatFrame, err := wire.EncodeClientChat(100, 200, "hi")
	assert.Nil(t, err)
	s1.Dispatch(aFD, decodeOne(t, chatFrame))
	drainAll(t, links)

	bSlot, _ := s2.Slot(bFD)
	out := bSlot.PendingWrite()
	msgs, _, err := wire.Parse(out)
	assert.Nil(t, err)
	assert.Len(t, msgs, 1)
	assert.Equal(t, wire.KindClientChat, msgs[0].Kind)
	assert.Equal(t, "hi", msgs[0].Chat.Content)
	assert.Equal(t, chatFrame, msgs[0].RawBytes)
}

func TestUnknownDestination(t *testing.T) {
	s1, _, aFD, _, _ := setupCrossServerChat(t)

	chatFrame, err := wire.EncodeClientChat(100, 999, "hi")
	assert.Nil(t, err)
	s1.Dispatch(aFD, decodeOne(t, chatFrame))

	aSlot, _ := s1.Slot(aFD)
	msgs, _, err := wire.Parse(aSlot.PendingWrite())
	assert.Nil(t, err)
	assert.Len(t, msgs, 1)
	assert.Equal(t, wire.KindStatusUpdate, msgs[0].Kind)
	assert.Equal(t, wire.StatusUnknownID, msgs[0].Status.Code)
	assert.Equal(t, "Unknown ID 999", msgs[0].Status.Content)
}

func TestClientQuitPropagation(t *testing.T) {
	s1, s2, aFD, bFD, links := setupCrossServerChat(t)

	quitFrame, err := wire.EncodeClientQuit(200)
	assert.Nil(t, err)
	s2.Dispatch(bFD, decodeOne(t, quitFrame))
	drainAll(t, links)

	_, ok := s2.Dir.Lookup(200)
	assert.False(t, ok)
	assert.NotContains(t, s2.Dir.AdjacentClients(), wire.HostID(200))

	_, ok = s1.Dir.Lookup(200)
	assert.False(t, ok)

	aSlot, _ := s1.Slot(aFD)
	msgs, _, err := wire.Parse(aSlot.PendingWrite())
	assert.Nil(t, err)
	assert.Len(t, msgs, 1)
	assert.Equal(t, wire.KindClientQuit, msgs[0].Kind)
	assert.Equal(t, wire.HostID(200), msgs[0].SourceID)
}

func TestStatusUpdateRoundTrip(t *testing.T) {
	s1, s2, aFD, bFD, links := setupCrossServerChat(t)

	frame, err := wire.EncodeStatusUpdate(100, 200, wire.StatusWelcome, "hello")
	assert.Nil(t, err)
	s1.Dispatch(aFD, decodeOne(t, frame))
	drainAll(t, links)

	bSlot, _ := s2.Slot(bFD)
	msgs, _, err := wire.Parse(bSlot.PendingWrite())
	assert.Nil(t, err)
	assert.Len(t, msgs, 1)
	assert.Equal(t, frame, msgs[0].RawBytes)
}

func TestStatusUpdateUnknownDestinationDropped(t *testing.T) {
	s1 := newTestNode(1, "s1", "")
	s1.RegisterConnection(10)

	var dropped []string
	s1.OnDropFrame = func(kind wire.Kind, reason string) {
		dropped = append(dropped, reason)
	}

	frame, err := wire.EncodeStatusUpdate(5, 999, wire.StatusWelcome, "hello")
	assert.Nil(t, err)
	s1.Dispatch(10, decodeOne(t, frame))

	slot, _ := s1.Slot(10)
	assert.False(t, slot.IsDraining())
	assert.Len(t, dropped, 1)
}
