//go:build !linux

package mcp

import "os/exec"

// setProcAttr is a no-op where the platform has no parent-death signal.
func setProcAttr(_ *exec.Cmd) {}
