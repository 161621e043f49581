//go:build unix

package server

import "golang.org/x/sys/unix"

// setSocketOptions lets a restarted relay rebind its port while old
// connections sit in TIME_WAIT.
func setSocketOptions(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}
