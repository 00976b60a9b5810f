//go:build !windows

package dispatch

import "syscall"

// sessionAttr starts the hook in a session of its own so it cannot read from
// or signal the terminal of the push that triggered it.
func sessionAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
