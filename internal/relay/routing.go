package relay

import "github.com/CiaranWoodward/crc-relay/internal/wire"

// sendTo implements §4.6's send_to primitive: route frame toward id's
// attachment point, one hop at a time. If id is not in the directory the
// frame is dropped. If the computed next hop has no matching connection,
// that is a directory/connection invariant violation (§7
// DirectoryInconsistency) — drop and surface via OnDropFrame for tests.
func (n *Node) sendTo(id wire.HostID, kind wire.Kind, frame []byte) {
	nextHop, ok := n.Dir.NextHopID(id)
	if !ok {
		n.dropped(kind, "unknown destination")
		return
	}
	target := id
	if nextHop != id {
		target = nextHop
	}
	slot, ok := n.slotByID(target)
	if !ok {
		n.dropped(kind, "directory inconsistency: no connection for next hop")
		return
	}
	slot.Append(frame)
}

// broadcastToServers implements §4.6's broadcast_to_servers primitive.
func (n *Node) broadcastToServers(frame []byte, except wire.HostID) {
	for _, id := range n.Dir.AdjacentServers() {
		if id == except {
			continue
		}
		if slot, ok := n.slotByID(id); ok {
			slot.Append(frame)
		}
	}
}

// broadcastToClients implements §4.6's broadcast_to_clients primitive.
func (n *Node) broadcastToClients(frame []byte, except wire.HostID) {
	for _, id := range n.Dir.AdjacentClients() {
		if id == except {
			continue
		}
		if slot, ok := n.slotByID(id); ok {
			slot.Append(frame)
		}
	}
}
