/*
Package contable implements the relay's per-connection table (component
C2): a role slot (unknown / server / client) plus an outbound byte queue,
generalized from broadcast_hub's serverClient struct — there the per-
connection state held a channel-based decoder and response queue because
each connection had its own goroutine; here one reactor thread owns every
connection, so the queue is a plain byte slice the I/O loop drains.
*/
package contable

import "github.com/CiaranWoodward/crc-relay/internal/wire"

// Role tags what a connection has been promoted to.
type Role int

const (
	RoleUnknown Role = iota
	RoleServer
	RoleClient
)

// Slot is the per-connection state tracked by the connection table: its
// role and the bytes still queued to be written out.
type Slot struct {
	FD   int
	Role Role
	ID   wire.HostID // meaningful only once Role != RoleUnknown

	writeBuf []byte
	readBuf  []byte // residue from a previous partial frame
}

// NewSlot creates a fresh Unknown-role slot for fd.
func NewSlot(fd int) *Slot {
	return &Slot{FD: fd, Role: RoleUnknown}
}

// Promote transitions a slot from Unknown to Server(id) or Client(id). It
// is only ever called once per slot, on first successful registration.
func (s *Slot) Promote(role Role, id wire.HostID) {
	s.Role = role
	s.ID = id
}

// Append queues bytes for output. Multiple calls concatenate in call
// order; that ordering is observable on the wire and is relied upon by the
// registration handshake (world-view sync must precede gossip).
func (s *Slot) Append(b []byte) {
	s.writeBuf = append(s.writeBuf, b...)
}

// IsDraining reports whether the slot has queued bytes still to send.
func (s *Slot) IsDraining() bool {
	return len(s.writeBuf) > 0
}

// PendingWrite returns the bytes currently queued for output, for the I/O
// loop to attempt to send.
func (s *Slot) PendingWrite() []byte {
	return s.writeBuf
}

// ConsumeWritten discards the first n bytes of the write buffer, the
// prefix the kernel has accepted.
func (s *Slot) ConsumeWritten(n int) {
	s.writeBuf = s.writeBuf[n:]
}

// AppendRead appends newly-read bytes to the slot's read residue, ready
// for wire.Parse.
func (s *Slot) AppendRead(b []byte) {
	s.readBuf = append(s.readBuf, b...)
}

// ReadBuf returns the accumulated, not-yet-parsed read bytes.
func (s *Slot) ReadBuf() []byte {
	return s.readBuf
}

// SetReadResidue replaces the read buffer with the leftover bytes wire.Parse
// could not yet turn into a whole frame.
func (s *Slot) SetReadResidue(leftover []byte) {
	// Copy so the caller's underlying array (often a reused read buffer) can
	// be safely overwritten on the next read.
	s.readBuf = append([]byte(nil), leftover...)
}
