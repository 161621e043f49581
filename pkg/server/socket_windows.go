//go:build windows

package server

import "golang.org/x/sys/windows"

// setSocketOptions lets a restarted relay rebind its port immediately.
func setSocketOptions(fd uintptr) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
}
