//go:build windows

package ipc

import (
	"net"
	"os"
	"time"
)

// PeerCredentials holds the credentials of a peer process. Windows
// AF_UNIX sockets expose none.
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// VerifyPeer admits every local peer; the socket lives in the user's
// profile directory.
func VerifyPeer(net.Conn) (*PeerCredentials, error) {
	return &PeerCredentials{UID: -1}, nil
}

// SetSocketPermissions is a no-op on Windows.
func SetSocketPermissions(string, os.FileMode) error {
	return nil
}

// CleanupSocket removes a stale socket file.
func CleanupSocket(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsSocketListening checks if a socket is already listening
func IsSocketListening(path string) bool {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
