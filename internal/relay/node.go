/*
Package relay implements the relay node's protocol handlers and routing
primitives (components C5 and §4.6): the five message handlers that mutate
the host directory and connection table, generalized from
broadcast_hub's server.Server — which had one handler method per request
kind, reading fields off msg.Message and replying over a per-client
channel. Here a handler appends encoded frames to a contable.Slot's write
buffer instead, and gossip/forwarding reach across every connection the
Node tracks rather than just the message's own sender.
*/
package relay

import (
	"sync"

	"github.com/CiaranWoodward/crc-relay/internal/contable"
	"github.com/CiaranWoodward/crc-relay/internal/directory"
	"github.com/CiaranWoodward/crc-relay/internal/wire"
	"github.com/rs/zerolog"
)

// Node owns every piece of per-relay-node state: its own identity, the
// host directory, the connection table, and the status-updates log used
// only for observation/testing (spec.md §3).
type Node struct {
	SelfID   wire.HostID
	SelfName string
	SelfInfo string

	Dir *directory.Directory

	mu      sync.Mutex
	conns   map[int]*contable.Slot
	idIndex map[wire.HostID]int // host id -> fd; a secondary index over
	// the connection table's linear role scan (see spec.md §9 "routing
	// lookup cost"), maintained alongside contable the way the directory
	// maintains its own adjacency-set cache alongside the flat host map.

	statusMu  sync.Mutex
	StatusLog []string

	Log zerolog.Logger

	OnDispatch  func(kind wire.Kind)
	OnDropFrame func(kind wire.Kind, reason string)
}

// NewNode creates a Node for the relay identified by (id, name, info).
func NewNode(id wire.HostID, name, info string, log zerolog.Logger) *Node {
	return &Node{
		SelfID:   id,
		SelfName: name,
		SelfInfo: info,
		Dir:      directory.New(id),
		conns:    make(map[int]*contable.Slot),
		idIndex:  make(map[wire.HostID]int),
		Log:      log,
	}
}

// RegisterConnection creates a fresh Unknown-role slot for fd and starts
// tracking it.
func (n *Node) RegisterConnection(fd int) *contable.Slot {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := contable.NewSlot(fd)
	n.conns[fd] = s
	return s
}

// Slot returns the tracked slot for fd, if any.
func (n *Node) Slot(fd int) (*contable.Slot, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.conns[fd]
	return s, ok
}

// UnregisterConnection stops tracking fd's slot, e.g. on peer close.
func (n *Node) UnregisterConnection(fd int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.conns[fd]; ok {
		if s.Role != contable.RoleUnknown {
			delete(n.idIndex, s.ID)
		}
		delete(n.conns, fd)
	}
}

// promote records that fd's slot now speaks for host id, indexing it for
// routing lookups.
func (n *Node) promote(fd int, role contable.Role, id wire.HostID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.conns[fd]; ok {
		s.Promote(role, id)
		n.idIndex[id] = fd
	}
}

// slotByID finds the connection slot whose role id equals id.
func (n *Node) slotByID(id wire.HostID) (*contable.Slot, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fd, ok := n.idIndex[id]
	if !ok {
		return nil, false
	}
	s, ok := n.conns[fd]
	return s, ok
}

// ConnectionCount returns the number of tracked connections, for metrics.
func (n *Node) ConnectionCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// ConnectionFDs returns every currently tracked fd, for the I/O loop's
// shutdown sweep (spec.md §5).
func (n *Node) ConnectionFDs() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	fds := make([]int, 0, len(n.conns))
	for fd := range n.conns {
		fds = append(fds, fd)
	}
	return fds
}

func (n *Node) logStatus(content string) {
	n.statusMu.Lock()
	defer n.statusMu.Unlock()
	n.StatusLog = append(n.StatusLog, content)
}

func (n *Node) dropped(kind wire.Kind, reason string) {
	if n.OnDropFrame != nil {
		n.OnDropFrame(kind, reason)
	}
}

func (n *Node) dispatched(kind wire.Kind) {
	if n.OnDispatch != nil {
		n.OnDispatch(kind)
	}
}
