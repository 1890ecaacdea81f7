// Package transport implements the robot wire protocol (§4.3, §6): a
// length-prefixed binary envelope carried inside gorilla/websocket binary
// frames, a per-session state machine, and the bounded send-queue
// backpressure policy that protects ASSIGN/CANCEL/WELCOME from being
// dropped behind a slow consumer's PROGRESS spam.
package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// MessageType identifies the kind of frame carried by an Envelope.
type MessageType uint16

// Message types per §4.3's table.
const (
	TypeHello     MessageType = 1
	TypeWelcome   MessageType = 2
	TypeHeartbeat MessageType = 3
	TypeAssign    MessageType = 4
	TypeAccept    MessageType = 5
	TypeReject    MessageType = 6
	TypeProgress  MessageType = 7
	TypeResult    MessageType = 8
	TypeCancel    MessageType = 9
	TypeCancelled MessageType = 10
	TypePing      MessageType = 11
	TypePong      MessageType = 12
	TypeError     MessageType = 13
)

// Codec selects the payload serialization negotiated at HELLO.
type Codec int

const (
	CodecJSON Codec = iota
	CodecMsgPack
)

// Envelope is the logical per-message unit exchanged over a session.
// MsgID/CorrID use uuid.UUID as a convenient, already-imported u128
// representation.
type Envelope struct {
	MsgID   uuid.UUID
	CorrID  uuid.UUID // zero value (uuid.Nil) means "no correlation"
	Type    MessageType
	TS      uint64 // millis since epoch
	Payload []byte
}

// frameHeaderSize is the on-wire header: u32 length | u16 type. MsgID,
// CorrID and TS are carried inside Payload's envelope encoding rather than
// the fixed header, since only length and type need to be known before the
// payload is fully buffered and decoded.
const frameHeaderSize = 6

// maxFrameSize bounds a single frame, matching the job payload's
// configurable maximum (§6, default 1 MiB) plus envelope overhead.
const maxFrameSize = 2 << 20

// wireEnvelope is the structure actually marshaled into Payload so MsgID/
// CorrID/TS survive the codec round-trip; Type lives in the frame header
// and is not duplicated here.
type wireEnvelope struct {
	MsgID   uuid.UUID `json:"msg_id" msgpack:"msg_id"`
	CorrID  uuid.UUID `json:"corr_id" msgpack:"corr_id"`
	TS      uint64    `json:"ts" msgpack:"ts"`
	Payload []byte    `json:"payload" msgpack:"payload"`
}

// EncodeFrame renders e as `u32 length | u16 type | codec-specific payload`
// ready to hand to a websocket binary frame write.
func EncodeFrame(e Envelope, codec Codec) ([]byte, error) {
	body, err := encodeBody(e, codec)
	if err != nil {
		return nil, fmt.Errorf("transport: encode frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return nil, fmt.Errorf("transport: encode frame: body exceeds max frame size (%d > %d)", len(body), maxFrameSize)
	}

	frame := make([]byte, frameHeaderSize+len(body))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint16(frame[4:6], uint16(e.Type))
	copy(frame[frameHeaderSize:], body)
	return frame, nil
}

func encodeBody(e Envelope, codec Codec) ([]byte, error) {
	w := wireEnvelope{MsgID: e.MsgID, CorrID: e.CorrID, TS: e.TS, Payload: e.Payload}
	switch codec {
	case CodecMsgPack:
		return msgpack.Marshal(w)
	default:
		return json.Marshal(w)
	}
}

// DecodeFrame parses a complete binary websocket frame (as produced by
// EncodeFrame) back into an Envelope.
func DecodeFrame(frame []byte, codec Codec) (Envelope, error) {
	if len(frame) < frameHeaderSize {
		return Envelope{}, fmt.Errorf("transport: decode frame: short frame (%d bytes)", len(frame))
	}
	length := binary.LittleEndian.Uint32(frame[0:4])
	msgType := MessageType(binary.LittleEndian.Uint16(frame[4:6]))
	body := frame[frameHeaderSize:]
	if uint32(len(body)) != length {
		return Envelope{}, fmt.Errorf("transport: decode frame: length mismatch: header says %d, got %d", length, len(body))
	}

	var w wireEnvelope
	var err error
	switch codec {
	case CodecMsgPack:
		err = msgpack.Unmarshal(body, &w)
	default:
		err = json.Unmarshal(body, &w)
	}
	if err != nil {
		return Envelope{}, fmt.Errorf("transport: decode frame: payload: %w", err)
	}

	return Envelope{MsgID: w.MsgID, CorrID: w.CorrID, Type: msgType, TS: w.TS, Payload: w.Payload}, nil
}
