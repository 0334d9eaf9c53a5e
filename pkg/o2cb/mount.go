package o2cb

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"strings"

	"github.com/alessio/shellescape"
)

// MountCommandLine renders the mount(8) invocation the daemon's glue
// shells out after a MOUNT request is admitted, with every operand quoted
// so device paths and mountpoints with shell metacharacters survive.
func MountCommandLine(device, mountpoint string, options []string) string {
	args := []string{"mount", "-t", "ocfs2"}
	if len(options) > 0 {
		args = append(args, "-o", strings.Join(options, ","))
	}
	args = append(args, device, mountpoint)
	return shellescape.QuoteCommand(args)
}

// UnmountCommandLine renders the matching umount invocation.
func UnmountCommandLine(mountpoint string) string {
	return shellescape.QuoteCommand([]string{"umount", mountpoint})
}
