// ABOUTME: Unix-specific socket options for SO_REUSEADDR
// ABOUTME: Lets a restarted server bind the TCP port while old connections linger in TIME_WAIT
//go:build unix

package server

import (
	"syscall"
)

// setSocketOptions sets platform-specific socket options
func setSocketOptions(fd uintptr) error {
	return syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
