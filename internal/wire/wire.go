/*
Package wire implements the CRC relay's framed message codec.

Every message contains a one-byte kind code, the sending host's id, and a
handful of kind-specific fields carried in one of the payload boxes below —
only one box is ever populated per message, the way broadcast_hub's own
Message type carries one populated pointer field per command.

Frames are self-delimiting on the wire: a 4-byte big-endian length prefix
precedes a CBOR encoding of the Message, so Parse can always tell a whole
frame from a trailing partial one without depending on CBOR's own internal
buffering to tell us where an item ended.
*/
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// HostID is a non-negative integer identifying a host. 0 is reserved as a
// sentinel: unknown / broadcast / this end of the wire.
type HostID uint64

// Kind is the numeric message-kind code carried in every frame's header.
type Kind byte

const (
	KindServerRegistration Kind = 0x00
	KindStatusUpdate       Kind = 0x01
	KindClientRegistration Kind = 0x80
	KindClientChat         Kind = 0x81
	KindClientQuit         Kind = 0x82
)

func (k Kind) String() string {
	switch k {
	case KindServerRegistration:
		return "ServerRegistration"
	case KindStatusUpdate:
		return "StatusUpdate"
	case KindClientRegistration:
		return "ClientRegistration"
	case KindClientChat:
		return "ClientChat"
	case KindClientQuit:
		return "ClientQuit"
	default:
		return fmt.Sprintf("[Unknown Kind: %#02x]", byte(k))
	}
}

// StatusCode is the value carried in a StatusUpdate message.
type StatusCode byte

const (
	StatusWelcome     StatusCode = 0x00
	StatusUnknownID   StatusCode = 0x01
	StatusDuplicateID StatusCode = 0x02
)

func (s StatusCode) String() string {
	switch s {
	case StatusWelcome:
		return "Welcome"
	case StatusUnknownID:
		return "UnknownId"
	case StatusDuplicateID:
		return "DuplicateId"
	default:
		return fmt.Sprintf("[Unknown Status: %#02x]", byte(s))
	}
}

// ServerRegistrationPayload carries the fields of a ServerRegistration frame
// beyond the common header.
type ServerRegistrationPayload struct {
	LastHopID  HostID `cbor:"lh"`
	ServerName string `cbor:"sn"`
	ServerInfo string `cbor:"si"`
}

// ClientRegistrationPayload carries the fields of a ClientRegistration frame
// beyond the common header.
type ClientRegistrationPayload struct {
	LastHopID  HostID `cbor:"lh"`
	ClientName string `cbor:"cn"`
	ClientInfo string `cbor:"ci"`
}

// StatusUpdatePayload carries the fields of a StatusUpdate frame beyond the
// common header.
type StatusUpdatePayload struct {
	DestinationID HostID     `cbor:"dst"`
	Code          StatusCode `cbor:"sc"`
	Content       string     `cbor:"ct"`
}

// ClientChatPayload carries the fields of a ClientChat frame beyond the
// common header.
type ClientChatPayload struct {
	DestinationID HostID `cbor:"dst"`
	Content       string `cbor:"ct"`
}

// Message is the decoded form of one frame. Only the payload box matching
// Kind is ever populated.
type Message struct {
	Kind     Kind                       `cbor:"k"`
	SourceID HostID                     `cbor:"src"`
	SrvReg   *ServerRegistrationPayload `cbor:"sr,omitempty"`
	CliReg   *ClientRegistrationPayload `cbor:"cr,omitempty"`
	Status   *StatusUpdatePayload       `cbor:"su,omitempty"`
	Chat     *ClientChatPayload         `cbor:"cc,omitempty"`

	// RawBytes is the verbatim bytes this message was decoded from,
	// including its length prefix, which handlers forward verbatim. It is
	// not itself encoded as a field of the frame.
	RawBytes []byte `cbor:"-"`
}

const lengthPrefixSize = 4

// Parse splits buf into zero or more complete frames plus a trailing
// partial frame (returned as leftover, to be re-parsed once more bytes
// arrive on the same connection). A malformed frame, including one whose
// kind code is not one of the Kind constants, is a fatal error on the
// connection — handled by closing it (see internal/ioloop), so Parse simply
// stops and returns everything read so far, with the error.
func Parse(buf []byte) (msgs []Message, leftover []byte, err error) {
	for {
		if len(buf) < lengthPrefixSize {
			leftover = buf
			return
		}
		n := binary.BigEndian.Uint32(buf[:lengthPrefixSize])
		total := lengthPrefixSize + int(n)
		if len(buf) < total {
			leftover = buf
			return
		}
		frame := buf[:total]
		var m Message
		if derr := cbor.Unmarshal(frame[lengthPrefixSize:], &m); derr != nil {
			err = fmt.Errorf("wire: malformed frame: %w", derr)
			return
		}
		switch m.Kind {
		case KindServerRegistration, KindStatusUpdate, KindClientRegistration, KindClientChat, KindClientQuit:
		default:
			err = fmt.Errorf("wire: malformed frame: unknown kind %#02x", byte(m.Kind))
			return
		}
		m.RawBytes = append([]byte(nil), frame...)
		msgs = append(msgs, m)
		buf = buf[total:]
	}
}

func encodeFrame(m Message) ([]byte, error) {
	payload, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	frame := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(frame[:lengthPrefixSize], uint32(len(payload)))
	copy(frame[lengthPrefixSize:], payload)
	return frame, nil
}

// EncodeServerRegistration encodes a ServerRegistration frame.
func EncodeServerRegistration(source, lastHop HostID, name, info string) ([]byte, error) {
	return encodeFrame(Message{
		Kind:     KindServerRegistration,
		SourceID: source,
		SrvReg: &ServerRegistrationPayload{
			LastHopID:  lastHop,
			ServerName: name,
			ServerInfo: info,
		},
	})
}

// EncodeClientRegistration encodes a ClientRegistration frame.
func EncodeClientRegistration(source, lastHop HostID, name, info string) ([]byte, error) {
	return encodeFrame(Message{
		Kind:     KindClientRegistration,
		SourceID: source,
		CliReg: &ClientRegistrationPayload{
			LastHopID:  lastHop,
			ClientName: name,
			ClientInfo: info,
		},
	})
}

// EncodeStatusUpdate encodes a StatusUpdate frame.
func EncodeStatusUpdate(source, destination HostID, code StatusCode, content string) ([]byte, error) {
	return encodeFrame(Message{
		Kind:     KindStatusUpdate,
		SourceID: source,
		Status: &StatusUpdatePayload{
			DestinationID: destination,
			Code:          code,
			Content:       content,
		},
	})
}

// EncodeClientChat encodes a ClientChat frame.
func EncodeClientChat(source, destination HostID, content string) ([]byte, error) {
	return encodeFrame(Message{
		Kind:     KindClientChat,
		SourceID: source,
		Chat: &ClientChatPayload{
			DestinationID: destination,
			Content:       content,
		},
	})
}

// EncodeClientQuit encodes a ClientQuit frame.
func EncodeClientQuit(source HostID) ([]byte, error) {
	return encodeFrame(Message{
		Kind:     KindClientQuit,
		SourceID: source,
	})
}
