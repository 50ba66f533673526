// Copyright 2026 The Inkwell Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/inkwell-foundation/inkwell/awareness"
	"github.com/inkwell-foundation/inkwell/crdt"
)

func TestFrameRoundTrip(t *testing.T) {
	op := crdt.Operation{
		Client: "alice",
		Seq:    3,
		Deps:   crdt.VectorClock{"bob": 2},
		Kind:   crdt.OpInsert,
		Pos:    crdt.Position{{Digit: 1 << 30, Client: "alice"}},
		Ch:     'x',
	}

	t.Run("update", func(t *testing.T) {
		frame, err := NewUpdate(op)
		if err != nil {
			t.Fatalf("NewUpdate: %v", err)
		}
		var buf bytes.Buffer
		if err := WriteFrame(&buf, frame); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
		read, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		update, err := DecodeUpdate(read)
		if err != nil {
			t.Fatalf("DecodeUpdate: %v", err)
		}
		if update.Operation.ID() != op.ID() || update.Operation.Ch != 'x' {
			t.Errorf("operation round trip mismatch: %+v", update.Operation)
		}
		if update.Operation.Deps.Get("bob") != 2 {
			t.Errorf("deps lost: %v", update.Operation.Deps)
		}
	})

	t.Run("sync steps", func(t *testing.T) {
		var buf bytes.Buffer
		step1, _ := NewSyncStep1(crdt.VectorClock{"alice": 3})
		step2, _ := NewSyncStep2([]crdt.Operation{op}, crdt.VectorClock{"alice": 3})
		if err := WriteFrame(&buf, step1); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
		if err := WriteFrame(&buf, step2); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}

		// Two frames parse back-to-back from one buffer: the format
		// is self-delimiting.
		first, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame first: %v", err)
		}
		decoded1, err := DecodeSyncStep1(first)
		if err != nil {
			t.Fatalf("DecodeSyncStep1: %v", err)
		}
		if decoded1.Clock.Get("alice") != 3 {
			t.Errorf("clock = %v", decoded1.Clock)
		}

		second, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame second: %v", err)
		}
		decoded2, err := DecodeSyncStep2(second)
		if err != nil {
			t.Fatalf("DecodeSyncStep2: %v", err)
		}
		if len(decoded2.Operations) != 1 {
			t.Errorf("operations = %d, want 1", len(decoded2.Operations))
		}
	})

	t.Run("hello", func(t *testing.T) {
		frame, err := NewHello(Hello{DocumentName: "doc-42", ClientID: "alice", UserID: "u-1", DisplayName: "Alice", Color: "#f00"})
		if err != nil {
			t.Fatalf("NewHello: %v", err)
		}
		var buf bytes.Buffer
		WriteFrame(&buf, frame)
		read, _ := ReadFrame(&buf)
		hello, err := DecodeHello(read)
		if err != nil {
			t.Fatalf("DecodeHello: %v", err)
		}
		if hello.DocumentName != "doc-42" || hello.ClientID != "alice" {
			t.Errorf("hello = %+v", hello)
		}
	})

	t.Run("awareness", func(t *testing.T) {
		frame, err := NewAwarenessSnapshot([]awareness.Entry{
			{Client: "alice", State: awareness.State{DisplayName: "Alice", Color: "#f00", CursorAnchor: 2}},
		})
		if err != nil {
			t.Fatalf("NewAwarenessSnapshot: %v", err)
		}
		var buf bytes.Buffer
		WriteFrame(&buf, frame)
		read, _ := ReadFrame(&buf)
		snapshot, err := DecodeAwarenessSnapshot(read)
		if err != nil {
			t.Fatalf("DecodeAwarenessSnapshot: %v", err)
		}
		if len(snapshot.Entries) != 1 || snapshot.Entries[0].State.CursorAnchor != 2 {
			t.Errorf("entries = %+v", snapshot.Entries)
		}
	})

	t.Run("heartbeat", func(t *testing.T) {
		var buf bytes.Buffer
		WriteFrame(&buf, NewHeartbeat())
		read, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if read.Type != FrameHeartbeat || len(read.Payload) != 0 {
			t.Errorf("frame = %+v", read)
		}
	})
}

func TestReadFrameErrors(t *testing.T) {
	validFrame := func() []byte {
		var buf bytes.Buffer
		frame, _ := NewSyncStep1(crdt.VectorClock{"a": 1})
		WriteFrame(&buf, frame)
		return buf.Bytes()
	}

	t.Run("truncated header", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader(validFrame()[:3]))
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("err = %v, want unexpected EOF", err)
		}
	})

	t.Run("truncated payload", func(t *testing.T) {
		data := validFrame()
		_, err := ReadFrame(bytes.NewReader(data[:len(data)-2]))
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("err = %v, want unexpected EOF", err)
		}
	})

	t.Run("clean EOF between frames", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader(nil))
		if !errors.Is(err, io.EOF) {
			t.Errorf("err = %v, want EOF", err)
		}
	})

	t.Run("unknown frame type is malformed and recoverable", func(t *testing.T) {
		data := validFrame()
		data[1] = 0x7f
		next := validFrame()
		reader := bytes.NewReader(append(data, next...))

		_, err := ReadFrame(reader)
		if !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("err = %v, want ErrMalformedFrame", err)
		}
		if !Recoverable(err) {
			t.Error("malformed frame reported unrecoverable")
		}
		// The bad frame's payload was consumed; the stream recovers.
		frame, err := ReadFrame(reader)
		if err != nil {
			t.Fatalf("ReadFrame after malformed: %v", err)
		}
		if frame.Type != FrameSyncStep1 {
			t.Errorf("recovered frame type = %s", frame.Type)
		}
	})

	t.Run("version mismatch is unrecoverable", func(t *testing.T) {
		data := validFrame()
		data[0] = 99
		_, err := ReadFrame(bytes.NewReader(data))
		if !errors.Is(err, ErrVersionMismatch) {
			t.Fatalf("err = %v, want ErrVersionMismatch", err)
		}
		if Recoverable(err) {
			t.Error("version mismatch reported recoverable")
		}
	})

	t.Run("corrupt length field loses framing", func(t *testing.T) {
		data := validFrame()
		binary.BigEndian.PutUint32(data[2:6], MaxPayloadLength+1)
		_, err := ReadFrame(bytes.NewReader(data))
		if !errors.Is(err, ErrFramingLost) {
			t.Fatalf("err = %v, want ErrFramingLost", err)
		}
		if Recoverable(err) {
			t.Error("framing loss reported recoverable")
		}
	})

	t.Run("undecodable payload is malformed", func(t *testing.T) {
		frame := Frame{Type: FrameSyncStep1, Payload: []byte{0xff, 0xff}}
		if _, err := DecodeSyncStep1(frame); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("err = %v, want ErrMalformedFrame", err)
		}
	})

	t.Run("wrong frame type for decoder", func(t *testing.T) {
		if _, err := DecodeUpdate(NewHeartbeat()); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("err = %v, want ErrMalformedFrame", err)
		}
	})
}

func TestWriteFrameOversize(t *testing.T) {
	frame := Frame{Type: FrameUpdate, Payload: make([]byte, MaxPayloadLength+1)}
	if err := WriteFrame(io.Discard, frame); err == nil {
		t.Error("oversize payload accepted")
	}
}
