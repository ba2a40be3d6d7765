// ABOUTME: Windows-specific socket options for SO_REUSEADDR
// ABOUTME: Lets a restarted server bind the TCP port while old connections linger in TIME_WAIT
//go:build windows

package server

import (
	"syscall"
)

// setSocketOptions sets platform-specific socket options
func setSocketOptions(fd uintptr) error {
	// On Windows, fd needs to be cast to syscall.Handle
	return syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
