// Copyright 2026 The Inkwell Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for Inkwell
// service binaries. These functions centralize the legitimate raw I/O
// that exists before or after the structured logger:
//
//   - Fatal error reporting to stderr when the logger may not be
//     initialized (pre-logger).
//   - Process exit after an unrecoverable error in main().
package process
