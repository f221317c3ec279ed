// Copyright (c) 2018 Red Hat, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package version holds the wrapper version string shared by the CLI and
// the conversion log preamble.
package version

// Version of the wrapper. Repeated in the state file consumers' API, so
// bump it whenever the state file or the input format changes.
const Version = "22"
