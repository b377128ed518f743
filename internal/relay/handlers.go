/*
Handlers implementing spec.md §4.5, dispatched by Kind from the I/O loop.
Each handler receives the fd the frame arrived on and the decoded message,
and is free to mutate the directory and append to any tracked connection's
write buffer via the routing primitives in routing.go.
*/
package relay

import (
	"fmt"

	"github.com/CiaranWoodward/crc-relay/internal/contable"
	"github.com/CiaranWoodward/crc-relay/internal/directory"
	"github.com/CiaranWoodward/crc-relay/internal/wire"
)

// Dispatch routes a decoded message to its handler by kind. An unknown
// kind never reaches here — wire.Parse rejects it as a malformed frame and
// the I/O loop closes the connection before dispatch (§7 MalformedFrame).
func (n *Node) Dispatch(fd int, m wire.Message) {
	n.dispatched(m.Kind)
	n.Log.Debug().Str("kind", m.Kind.String()).Uint64("source", uint64(m.SourceID)).Int("fd", fd).Msg("dispatch")
	switch m.Kind {
	case wire.KindServerRegistration:
		n.handleServerRegistration(fd, m)
	case wire.KindClientRegistration:
		n.handleClientRegistration(fd, m)
	case wire.KindStatusUpdate:
		n.handleStatusUpdate(fd, m)
	case wire.KindClientChat:
		n.handleClientChat(fd, m)
	case wire.KindClientQuit:
		n.handleClientQuit(fd, m)
	}
}

// handleServerRegistration implements §4.5.1.
func (n *Node) handleServerRegistration(fd int, m wire.Message) {
	slot, ok := n.Slot(fd)
	if !ok {
		return
	}
	src := m.SourceID
	payload := m.SrvReg

	if src == n.SelfID {
		n.replyDuplicate(slot, src)
		return
	}
	if _, exists := n.Dir.Lookup(src); exists {
		n.replyDuplicate(slot, src)
		return
	}

	adjacent := payload.LastHopID == 0
	firstLink := payload.LastHopID
	if adjacent {
		firstLink = n.SelfID
	}

	if err := n.Dir.Insert(directory.Record{
		ID:          src,
		Kind:        directory.KindServer,
		Name:        payload.ServerName,
		Info:        payload.ServerInfo,
		FirstLinkID: firstLink,
	}); err != nil {
		n.replyDuplicate(slot, src)
		return
	}

	if adjacent {
		n.promote(fd, contable.RoleServer, src)
		n.syncWorldViewToServer(slot)
	}

	gossip, err := wire.EncodeServerRegistration(src, n.SelfID, payload.ServerName, payload.ServerInfo)
	if err == nil {
		n.broadcastToServers(gossip, src)
	}
}

// syncWorldViewToServer implements §4.5.1 step 4: introduce self, then
// every existing host, in an order the newcomer depends on to derive
// FirstLinkID for each entry.
func (n *Node) syncWorldViewToServer(slot *contable.Slot) {
	if self, err := wire.EncodeServerRegistration(n.SelfID, 0, n.SelfName, n.SelfInfo); err == nil {
		slot.Append(self)
	}
	for _, r := range n.Dir.AllExcept(slot.ID) {
		var frame []byte
		var err error
		switch r.Kind {
		case directory.KindServer:
			frame, err = wire.EncodeServerRegistration(r.ID, n.SelfID, r.Name, r.Info)
		case directory.KindClient:
			frame, err = wire.EncodeClientRegistration(r.ID, n.SelfID, r.Name, r.Info)
		}
		if err == nil {
			slot.Append(frame)
		}
	}
}

// handleClientRegistration implements §4.5.2.
func (n *Node) handleClientRegistration(fd int, m wire.Message) {
	slot, ok := n.Slot(fd)
	if !ok {
		return
	}
	src := m.SourceID
	payload := m.CliReg

	if src == n.SelfID {
		n.replyDuplicateClient(slot, src)
		return
	}
	if _, exists := n.Dir.Lookup(src); exists {
		n.replyDuplicateClient(slot, src)
		return
	}

	adjacent := payload.LastHopID == 0
	firstLink := payload.LastHopID
	if adjacent {
		firstLink = n.SelfID
	}

	if err := n.Dir.Insert(directory.Record{
		ID:          src,
		Kind:        directory.KindClient,
		Name:        payload.ClientName,
		Info:        payload.ClientInfo,
		FirstLinkID: firstLink,
	}); err != nil {
		n.replyDuplicateClient(slot, src)
		return
	}

	if adjacent {
		n.promote(fd, contable.RoleClient, src)
		n.syncWorldViewToClient(slot, src)
		welcome, err := wire.EncodeStatusUpdate(n.SelfID, src, wire.StatusWelcome,
			fmt.Sprintf("Welcome to the Clemson Relay Chat network %s", payload.ClientName))
		if err == nil {
			slot.Append(welcome)
		}
	}

	gossipExceptServer := payload.LastHopID // 0 means none excluded on the server side beyond the usual rule
	gossip, err := wire.EncodeClientRegistration(src, n.SelfID, payload.ClientName, payload.ClientInfo)
	if err == nil {
		n.broadcastToServers(gossip, gossipExceptServer)
		n.broadcastToClients(gossip, src)
	}
}

// syncWorldViewToClient implements §4.5.2 step 4: tell the newcomer about
// every other existing client (not servers — those only learn about
// clients by gossip, never by self-introduction to a client).
func (n *Node) syncWorldViewToClient(slot *contable.Slot, newcomer wire.HostID) {
	for _, r := range n.Dir.AllExcept(newcomer) {
		if r.Kind != directory.KindClient {
			continue
		}
		frame, err := wire.EncodeClientRegistration(r.ID, n.SelfID, r.Name, r.Info)
		if err == nil {
			slot.Append(frame)
		}
	}
}

func (n *Node) replyDuplicate(slot *contable.Slot, id wire.HostID) {
	content := fmt.Sprintf("A machine has already registered with ID %d", id)
	frame, err := wire.EncodeStatusUpdate(n.SelfID, 0, wire.StatusDuplicateID, content)
	if err == nil {
		slot.Append(frame)
	}
}

func (n *Node) replyDuplicateClient(slot *contable.Slot, id wire.HostID) {
	content := fmt.Sprintf("Someone has already registered with ID %d", id)
	frame, err := wire.EncodeStatusUpdate(n.SelfID, 0, wire.StatusDuplicateID, content)
	if err == nil {
		slot.Append(frame)
	}
}

// handleStatusUpdate implements §4.5.3.
func (n *Node) handleStatusUpdate(_ int, m wire.Message) {
	dst := m.Status.DestinationID
	if dst == n.SelfID || dst == 0 {
		n.logStatus(m.Status.Content)
		return
	}
	if _, ok := n.Dir.Lookup(dst); ok {
		n.sendTo(dst, m.Kind, m.RawBytes)
		return
	}
	// Unknown destination: silently dropped, no bounce (§4.5.3, §9).
	n.dropped(m.Kind, "unknown destination, status updates are not bounced")
}

// handleClientChat implements §4.5.4.
func (n *Node) handleClientChat(fd int, m wire.Message) {
	dst := m.Chat.DestinationID
	if r, ok := n.Dir.Lookup(dst); ok && r.Kind == directory.KindClient {
		n.sendTo(dst, m.Kind, m.RawBytes)
		return
	}
	slot, ok := n.Slot(fd)
	if !ok {
		return
	}
	reply, err := wire.EncodeStatusUpdate(n.SelfID, m.SourceID, wire.StatusUnknownID,
		fmt.Sprintf("Unknown ID %d", dst))
	if err == nil {
		slot.Append(reply)
	}
}

// handleClientQuit implements §4.5.5.
func (n *Node) handleClientQuit(_ int, m wire.Message) {
	src := m.SourceID
	r, ok := n.Dir.Lookup(src)
	if !ok {
		return
	}
	// Preserve verbatim: exclude r.FirstLinkID from the server broadcast.
	// If src is adjacent, FirstLinkID == n.SelfID, which matches no
	// adjacent-server id, so the quit reaches every neighbour.
	n.broadcastToServers(m.RawBytes, r.FirstLinkID)
	n.broadcastToClients(m.RawBytes, src)
	n.Dir.Remove(src)
}
