// Copyright 2026 The Inkwell Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Inkwell's standard serialization: CBOR with
// Core Deterministic Encoding (RFC 8949 §4.2).
//
// Determinism is load-bearing here, not a nicety. Document snapshots
// are hashed for change detection and integrity checks, and two
// replicas that converge to the same logical state must produce
// byte-identical snapshot encodings. Deterministic encoding (sorted
// map keys, smallest integer forms, no indefinite-length items)
// guarantees that.
//
// All wire frames and persisted snapshots go through [Marshal] and
// [Unmarshal]. Unknown fields are ignored on decode for forward
// compatibility, so adding a field to a frame payload is not a
// protocol version bump.
package codec
