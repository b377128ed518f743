/*
Package directory implements the relay's host directory and next-hop
router (component C3): a flat map from host id to host record, with
derived adjacency sets cached alongside it the way broadcast_hub's server
keeps a flat `clients map[ClientId]serverClient` guarded by one mutex.
*/
package directory

import (
	"fmt"
	"sync"

	"github.com/CiaranWoodward/crc-relay/internal/wire"
)

// Kind distinguishes the two host record variants.
type Kind int

const (
	KindServer Kind = iota
	KindClient
)

func (k Kind) String() string {
	if k == KindServer {
		return "server"
	}
	return "client"
}

// Record is a host's directory entry. FirstLinkID is this node's own id
// when the host is directly connected, otherwise the id of the adjacent
// server through which it must be reached.
type Record struct {
	ID          wire.HostID
	Kind        Kind
	Name        string
	Info        string
	FirstLinkID wire.HostID
}

// ErrDuplicateID is returned by Insert when a record for that id already
// exists.
var ErrDuplicateID = fmt.Errorf("directory: duplicate id")

// Directory holds the relay's view of every other known host plus the
// derived adjacency sets. SelfID is excluded from hosts by construction
// (Insert refuses it, matching invariant "no record for self.id").
type Directory struct {
	mu sync.RWMutex

	selfID wire.HostID
	hosts  map[wire.HostID]Record

	adjacentServers map[wire.HostID]struct{}
	adjacentClients map[wire.HostID]struct{}
}

// New creates an empty directory for the relay node identified by selfID.
func New(selfID wire.HostID) *Directory {
	return &Directory{
		selfID:          selfID,
		hosts:           make(map[wire.HostID]Record),
		adjacentServers: make(map[wire.HostID]struct{}),
		adjacentClients: make(map[wire.HostID]struct{}),
	}
}

// Insert adds a new host record. It fails with ErrDuplicateID if a record
// for that id already exists, or if id == selfID.
func (d *Directory) Insert(r Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r.ID == d.selfID {
		return ErrDuplicateID
	}
	if _, exists := d.hosts[r.ID]; exists {
		return ErrDuplicateID
	}
	d.hosts[r.ID] = r
	if r.FirstLinkID == d.selfID {
		switch r.Kind {
		case KindServer:
			d.adjacentServers[r.ID] = struct{}{}
		case KindClient:
			d.adjacentClients[r.ID] = struct{}{}
		}
	}
	return nil
}

// Lookup returns the record for id, if any.
func (d *Directory) Lookup(id wire.HostID) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.hosts[id]
	return r, ok
}

// Remove deletes the record for id, and drops it from whichever adjacency
// set it may be in.
func (d *Directory) Remove(id wire.HostID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.hosts, id)
	delete(d.adjacentClients, id)
	delete(d.adjacentServers, id)
}

// NextHopID returns the id to forward traffic for destination through:
// destination itself if directly connected, otherwise its FirstLinkID.
func (d *Directory) NextHopID(destination wire.HostID) (wire.HostID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.hosts[destination]
	if !ok {
		return 0, false
	}
	if r.FirstLinkID == d.selfID {
		return destination, true
	}
	return r.FirstLinkID, true
}

// AdjacentServers returns a snapshot of the adjacent-server id set.
func (d *Directory) AdjacentServers() []wire.HostID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]wire.HostID, 0, len(d.adjacentServers))
	for id := range d.adjacentServers {
		out = append(out, id)
	}
	return out
}

// AdjacentClients returns a snapshot of the adjacent-client id set.
func (d *Directory) AdjacentClients() []wire.HostID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]wire.HostID, 0, len(d.adjacentClients))
	for id := range d.adjacentClients {
		out = append(out, id)
	}
	return out
}

// AllExcept returns every host record other than except, for world-view
// synchronisation on a newcomer's registration.
func (d *Directory) AllExcept(except wire.HostID) []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Record, 0, len(d.hosts))
	for id, r := range d.hosts {
		if id != except {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of tracked hosts, for metrics/debugging.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.hosts)
}
