// Copyright 2026 The Inkwell Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the sync protocol's framed binary format.
//
// Each frame is a 6-byte header (1 byte protocol version, 1 byte
// frame type, 4 bytes big-endian payload length) followed by a CBOR
// payload. The length prefix makes the stream self-delimiting, so
// frames can be parsed incrementally from a partial network buffer.
//
// Decode failures come in two severities. A frame with an unknown
// type or an undecodable payload is [ErrMalformedFrame]: the frame is
// dropped and the connection continues, because the length field
// still tells us where the next frame starts. A length field that
// exceeds [MaxPayloadLength] is [ErrFramingLost]: the frame boundary
// itself cannot be trusted and the connection must close. An
// unrecognized version byte is [ErrVersionMismatch]: the connection
// closes with a renegotiation hint.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/inkwell-foundation/inkwell/awareness"
	"github.com/inkwell-foundation/inkwell/crdt"
	"github.com/inkwell-foundation/inkwell/lib/codec"
)

// ProtocolVersion is the wire version this build speaks. It is the
// first byte of every frame.
const ProtocolVersion byte = 1

// FrameType identifies a frame's payload shape.
type FrameType byte

const (
	// FrameHello carries the connection's admission parameters. Sent
	// once by the client, before any sync frame.
	FrameHello FrameType = 0x01

	// FrameSyncStep1 carries a vector clock: "this is what I have,
	// send me what I am missing". Sent by the server on join.
	FrameSyncStep1 FrameType = 0x02

	// FrameSyncStep2 answers a SyncStep1 with the operations the
	// peer is missing plus the sender's own vector clock.
	FrameSyncStep2 FrameType = 0x03

	// FrameUpdate carries a single document operation in steady
	// state.
	FrameUpdate FrameType = 0x04

	// FrameAwarenessSnapshot carries the full presence map, sent to
	// late joiners and after expiry sweeps.
	FrameAwarenessSnapshot FrameType = 0x05

	// FrameAwarenessUpdate carries one client's presence change.
	FrameAwarenessUpdate FrameType = 0x06

	// FrameHeartbeat refreshes presence liveness. Empty payload.
	FrameHeartbeat FrameType = 0x07
)

func (t FrameType) String() string {
	switch t {
	case FrameHello:
		return "hello"
	case FrameSyncStep1:
		return "sync-step-1"
	case FrameSyncStep2:
		return "sync-step-2"
	case FrameUpdate:
		return "update"
	case FrameAwarenessSnapshot:
		return "awareness-snapshot"
	case FrameAwarenessUpdate:
		return "awareness-update"
	case FrameHeartbeat:
		return "heartbeat"
	}
	return fmt.Sprintf("unknown(0x%02x)", byte(t))
}

// headerLength is the fixed frame header size: version byte, type
// byte, 4-byte payload length.
const headerLength = 6

// MaxPayloadLength bounds a single frame's payload. 16 MB accommodates
// a full catch-up SyncStep2 for a very large document; anything
// larger means the length field is corrupt.
const MaxPayloadLength = 16 * 1024 * 1024

// Error taxonomy. See the package comment for recovery semantics.
var (
	ErrMalformedFrame  = errors.New("wire: malformed frame")
	ErrVersionMismatch = errors.New("wire: protocol version mismatch")
	ErrFramingLost     = errors.New("wire: framing lost")
)

// Recoverable reports whether the connection can keep reading frames
// after err. Only malformed frames are recoverable; version and
// framing errors require closing the connection.
func Recoverable(err error) bool {
	return errors.Is(err, ErrMalformedFrame)
}

// Frame is one protocol message: a type plus its raw CBOR payload.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// WriteFrame writes a framed message to w.
func WriteFrame(w io.Writer, frame Frame) error {
	if len(frame.Payload) > MaxPayloadLength {
		return fmt.Errorf("wire: payload length %d exceeds maximum %d", len(frame.Payload), MaxPayloadLength)
	}
	var header [headerLength]byte
	header[0] = ProtocolVersion
	header[1] = byte(frame.Type)
	binary.BigEndian.PutUint32(header[2:6], uint32(len(frame.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if len(frame.Payload) > 0 {
		if _, err := w.Write(frame.Payload); err != nil {
			return fmt.Errorf("wire: write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads the next frame from r.
//
// On [ErrMalformedFrame] the payload has been consumed and the caller
// may keep reading. On [ErrVersionMismatch] or [ErrFramingLost] the
// caller must close the connection. Transport errors (including
// clean EOF between frames) are returned unwrapped.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [headerLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}

	payloadLength := binary.BigEndian.Uint32(header[2:6])
	if payloadLength > MaxPayloadLength {
		return Frame{}, fmt.Errorf("%w: payload length %d exceeds maximum %d", ErrFramingLost, payloadLength, MaxPayloadLength)
	}

	payload := make([]byte, payloadLength)
	if payloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("wire: read frame payload: %w", err)
		}
	}

	if header[0] != ProtocolVersion {
		return Frame{}, fmt.Errorf("%w: got version %d, this end speaks %d", ErrVersionMismatch, header[0], ProtocolVersion)
	}

	frameType := FrameType(header[1])
	if frameType < FrameHello || frameType > FrameHeartbeat {
		return Frame{}, fmt.Errorf("%w: unknown frame type 0x%02x", ErrMalformedFrame, header[1])
	}
	return Frame{Type: frameType, Payload: payload}, nil
}

// Hello is the admission payload a client sends before its first sync
// frame: which document it wants and who it is. The user identity is
// established by the caller's authentication layer before the socket
// reaches this protocol; Hello only names it for the authorization
// check.
type Hello struct {
	DocumentName string        `cbor:"doc"`
	ClientID     crdt.ClientID `cbor:"client"`
	UserID       string        `cbor:"user"`
	DisplayName  string        `cbor:"name,omitempty"`
	Color        string        `cbor:"color,omitempty"`
}

// SyncStep1 announces the sender's vector clock.
type SyncStep1 struct {
	Clock crdt.VectorClock `cbor:"clock"`
}

// SyncStep2 delivers the operations the peer is missing, plus the
// sender's own clock so the peer can answer in kind.
type SyncStep2 struct {
	Operations []crdt.Operation `cbor:"ops,omitempty"`
	Clock      crdt.VectorClock `cbor:"clock"`
}

// Update carries one steady-state document operation.
type Update struct {
	Operation crdt.Operation `cbor:"op"`
}

// AwarenessSnapshot carries the full presence map for a document.
type AwarenessSnapshot struct {
	Entries []awareness.Entry `cbor:"entries,omitempty"`
}

// AwarenessUpdate carries one client's presence change.
type AwarenessUpdate struct {
	Entry awareness.Entry `cbor:"entry"`
}

// encode marshals body into a frame of the given type.
func encode(frameType FrameType, body any) (Frame, error) {
	payload, err := codec.Marshal(body)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: encoding %s: %w", frameType, err)
	}
	return Frame{Type: frameType, Payload: payload}, nil
}

// decode unmarshals a frame's payload after checking its type.
func decode(frame Frame, want FrameType, into any) error {
	if frame.Type != want {
		return fmt.Errorf("%w: expected %s frame, got %s", ErrMalformedFrame, want, frame.Type)
	}
	if err := codec.Unmarshal(frame.Payload, into); err != nil {
		return fmt.Errorf("%w: decoding %s payload: %w", ErrMalformedFrame, want, err)
	}
	return nil
}

// NewHello builds a hello frame.
func NewHello(hello Hello) (Frame, error) { return encode(FrameHello, hello) }

// DecodeHello decodes a hello frame.
func DecodeHello(frame Frame) (Hello, error) {
	var hello Hello
	err := decode(frame, FrameHello, &hello)
	return hello, err
}

// NewSyncStep1 builds a sync-step-1 frame from a vector clock.
func NewSyncStep1(vc crdt.VectorClock) (Frame, error) {
	return encode(FrameSyncStep1, SyncStep1{Clock: vc})
}

// DecodeSyncStep1 decodes a sync-step-1 frame.
func DecodeSyncStep1(frame Frame) (SyncStep1, error) {
	var step SyncStep1
	err := decode(frame, FrameSyncStep1, &step)
	return step, err
}

// NewSyncStep2 builds a sync-step-2 frame.
func NewSyncStep2(ops []crdt.Operation, vc crdt.VectorClock) (Frame, error) {
	return encode(FrameSyncStep2, SyncStep2{Operations: ops, Clock: vc})
}

// DecodeSyncStep2 decodes a sync-step-2 frame.
func DecodeSyncStep2(frame Frame) (SyncStep2, error) {
	var step SyncStep2
	err := decode(frame, FrameSyncStep2, &step)
	return step, err
}

// NewUpdate builds an update frame from one operation.
func NewUpdate(op crdt.Operation) (Frame, error) {
	return encode(FrameUpdate, Update{Operation: op})
}

// DecodeUpdate decodes an update frame.
func DecodeUpdate(frame Frame) (Update, error) {
	var update Update
	err := decode(frame, FrameUpdate, &update)
	return update, err
}

// NewAwarenessSnapshot builds an awareness snapshot frame.
func NewAwarenessSnapshot(entries []awareness.Entry) (Frame, error) {
	return encode(FrameAwarenessSnapshot, AwarenessSnapshot{Entries: entries})
}

// DecodeAwarenessSnapshot decodes an awareness snapshot frame.
func DecodeAwarenessSnapshot(frame Frame) (AwarenessSnapshot, error) {
	var snapshot AwarenessSnapshot
	err := decode(frame, FrameAwarenessSnapshot, &snapshot)
	return snapshot, err
}

// NewAwarenessUpdate builds an awareness update frame.
func NewAwarenessUpdate(entry awareness.Entry) (Frame, error) {
	return encode(FrameAwarenessUpdate, AwarenessUpdate{Entry: entry})
}

// DecodeAwarenessUpdate decodes an awareness update frame.
func DecodeAwarenessUpdate(frame Frame) (AwarenessUpdate, error) {
	var update AwarenessUpdate
	err := decode(frame, FrameAwarenessUpdate, &update)
	return update, err
}

// NewHeartbeat builds a heartbeat frame. No payload.
func NewHeartbeat() Frame { return Frame{Type: FrameHeartbeat} }
