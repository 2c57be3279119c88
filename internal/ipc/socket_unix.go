//go:build !windows

package ipc

import (
	"fmt"
	"net"
	"os"
	"time"
)

// PeerCredentials holds the credentials of a peer process
type PeerCredentials struct {
	PID int
	UID int
	GID int
}


// VerifyPeer admits peers running as the daemon's user, and root. A
// negative UID means the platform cannot tell and the peer is admitted.
func VerifyPeer(conn net.Conn) (*PeerCredentials, error) {
	cred, err := GetPeerCredentials(conn)
	if err != nil {
		return nil, err
	}
	if cred.UID > 0 && cred.UID != os.Getuid() {
		return cred, fmt.Errorf("%w: uid %d", ErrPeerRejected, cred.UID)
	}
	return cred, nil
}

// SetSocketPermissions sets the socket file permissions
func SetSocketPermissions(path string, mode os.FileMode) error {
	return os.Chmod(path, mode)
}

// CleanupSocket removes a stale socket file
func CleanupSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// Only remove if it's a socket
	if info.Mode()&os.ModeSocket != 0 {
		return os.Remove(path)
	}

	return fmt.Errorf("path exists but is not a socket: %s", path)
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
