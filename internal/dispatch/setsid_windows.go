//go:build windows

package dispatch

import "syscall"

// sessionAttr returns an empty SysProcAttr on Windows where Setsid is not available.
func sessionAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}
