//go:build !unix

package rexec

import "os/exec"

// setProcGroup is a no-op where process groups are unavailable; the default
// CommandContext cancel kills the direct child only.
func setProcGroup(cmd *exec.Cmd) {}
