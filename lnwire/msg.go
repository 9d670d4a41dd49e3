package lnwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MessageType is the unique 2 byte big-endian integer that indicates the type
// of message on the wire. All messages have a very simple header which
// consists simply of 2-byte message type. We omit a length field, and checksum
// as the Lightning Protocol is intended to be encapsulated within a
// confidential+authenticated cryptographic messaging protocol.
type MessageType uint16

// The currently defined message types within this current version of the
// Lightning protocol.
const (
	MsgWarning            MessageType = 1
	MsgError              MessageType = 17
	MsgChannelReady       MessageType = 36
	MsgShutdown           MessageType = 38
	MsgClosingSigned      MessageType = 39
	MsgUpdateAddHTLC      MessageType = 128
	MsgUpdateFulfillHTLC  MessageType = 130
	MsgUpdateFailHTLC     MessageType = 131
	MsgCommitSig          MessageType = 132
	MsgRevokeAndAck       MessageType = 133
	MsgChannelReestablish MessageType = 136
)

// String returns a human readable description of the message type.
func (t MessageType) String() string {
	switch t {
	case MsgWarning:
		return "Warning"
	case MsgError:
		return "Error"
	case MsgShutdown:
		return "Shutdown"
	case MsgClosingSigned:
		return "ClosingSigned"
	case MsgUpdateAddHTLC:
		return "UpdateAddHTLC"
	case MsgUpdateFulfillHTLC:
		return "UpdateFulfillHTLC"
	case MsgUpdateFailHTLC:
		return "UpdateFailHTLC"
	case MsgCommitSig:
		return "CommitSig"
	case MsgRevokeAndAck:
		return "RevokeAndAck"
	case MsgChannelReestablish:
		return "ChannelReestablish"
	case MsgChannelReady:
		return "ChannelReady"
	default:
		return "<unknown>"
	}
}

// MaxMsgBody is the largest payload any message is allowed to provide. This
// is two bytes less than the maximum transport message size, as the type
// occupies the leading two bytes.
const MaxMsgBody = 65533

// Message is an interface that defines a lightning wire protocol message. The
// interface is general in order to allow implementing types full control over
// the representation of its data.
type Message interface {
	// Decode reads the bytes stream and converts it to the object.
	Decode(r io.Reader, pver uint32) error

	// Encode converts object to the bytes stream and write it into the
	// writer.
	Encode(w *bytes.Buffer, pver uint32) error

	// MsgType returns the wire type of the message.
	MsgType() MessageType
}

// makeEmptyMessage creates a new empty message of the proper concrete type
// based on the passed message type.
func makeEmptyMessage(msgType MessageType) (Message, error) {
	var msg Message

	switch msgType {
	case MsgShutdown:
		msg = &Shutdown{}
	case MsgClosingSigned:
		msg = &ClosingSigned{}
	case MsgUpdateAddHTLC:
		msg = &UpdateAddHTLC{}
	case MsgUpdateFulfillHTLC:
		msg = &UpdateFulfillHTLC{}
	case MsgUpdateFailHTLC:
		msg = &UpdateFailHTLC{}
	case MsgCommitSig:
		msg = &CommitSig{}
	case MsgRevokeAndAck:
		msg = &RevokeAndAck{}
	case MsgChannelReestablish:
		msg = &ChannelReestablish{}
	case MsgChannelReady:
		msg = &ChannelReady{}
	case MsgError:
		msg = &Error{}
	default:
		return nil, fmt.Errorf("unknown message type [%d]", msgType)
	}

	return msg, nil
}

// WriteMessage writes a lightning Message to a buffer including the necessary
// header information and returns the number of bytes written.
func WriteMessage(buf *bytes.Buffer, msg Message, pver uint32) (int, error) {
	// Record the size of the bytes already written in buffer.
	oldByteSize := buf.Len()

	// cleanBrokenBytes removes the bytes written in case of an error.
	cleanBrokenBytes := func(b *bytes.Buffer) int {
		b.Truncate(oldByteSize)
		return 0
	}

	// Write the message type.
	var mType [2]byte
	binary.BigEndian.PutUint16(mType[:], uint16(msg.MsgType()))
	msgTypeBytes, err := buf.Write(mType[:])
	if err != nil {
		return cleanBrokenBytes(buf), err
	}

	// Use a new buffer to encode the message payload so a failed encoding
	// doesn't leave a partially written message behind.
	var msgPayload bytes.Buffer
	if err := msg.Encode(&msgPayload, pver); err != nil {
		return cleanBrokenBytes(buf), err
	}

	// Enforce the maximum message payload.
	lenp := msgPayload.Len()
	if lenp > MaxMsgBody {
		return cleanBrokenBytes(buf), fmt.Errorf("message payload is "+
			"too large - encoded %d bytes, but maximum message "+
			"payload is %d bytes", lenp, MaxMsgBody)
	}

	// Append the message payload.
	payloadBytes, err := buf.Write(msgPayload.Bytes())
	if err != nil {
		return cleanBrokenBytes(buf), err
	}

	return msgTypeBytes + payloadBytes, nil
}

// ReadMessage reads, validates, and parses the next Lightning message from r
// for the provided protocol version.
func ReadMessage(r io.Reader, pver uint32) (Message, error) {
	// First, we'll read out the first two bytes of the message so we can
	// create the proper empty message.
	var mType [2]byte
	if _, err := io.ReadFull(r, mType[:]); err != nil {
		return nil, err
	}

	msgType := MessageType(binary.BigEndian.Uint16(mType[:]))

	// Now that we know the target message type, we can create the proper
	// empty message type and decode the message into it.
	msg, err := makeEmptyMessage(msgType)
	if err != nil {
		return nil, err
	}
	if err := msg.Decode(r, pver); err != nil {
		return nil, err
	}

	return msg, nil
}
