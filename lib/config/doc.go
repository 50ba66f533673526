// Copyright 2026 The Inkwell Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the sync service configuration.
//
// Configuration comes from a single YAML file named by:
//   - the INKWELL_CONFIG environment variable, or
//   - the --config flag passed to the command
//
// There are no fallbacks or automatic discovery; the file is the
// single source of truth. The file may contain environment-specific
// sections (development, staging, production) that override base
// values when the environment matches.
package config
