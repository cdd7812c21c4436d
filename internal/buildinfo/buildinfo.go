// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package buildinfo

import "fmt"

// Populated at build time via ldflags.
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

var UserAgent = fmt.Sprintf("fetcharr/%s", Version)
