// Package peercred extracts the kernel-verified credentials (PID, UID,
// GID) of the process on the other end of an AF_UNIX stream socket, via
// SO_PEERCRED. This is the trust anchor for the whole daemon: an
// unprivileged client can claim to be anyone in its SIGNAL request, but it
// cannot forge what the kernel reports here.
package peercred

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// ErrNotUnixConn is returned when asked for peer credentials on a
// connection that isn't a *net.UnixConn — SO_PEERCRED is only meaningful
// for AF_UNIX stream sockets.
var ErrNotUnixConn = errors.New("peercred: not a unix socket connection")

// Creds holds the peer identity the kernel reported at accept time.
type Creds struct {
	PID int32
	UID uint32
	GID uint32
}

// Get fetches SO_PEERCRED for conn. It must be called promptly after
// Accept, before the peer has a chance to exit and have its PID/UID slot
// potentially reused — in practice the kernel captures these values at
// connect(2) time, so this is safe for the lifetime of the connection.
func Get(conn net.Conn) (Creds, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return Creds{}, ErrNotUnixConn
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return Creds{}, fmt.Errorf("peercred: SyscallConn: %w", err)
	}

	var ucred *unix.Ucred
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil {
		return Creds{}, fmt.Errorf("peercred: Control: %w", ctrlErr)
	}
	if sockErr != nil {
		return Creds{}, fmt.Errorf("peercred: getsockopt(SO_PEERCRED): %w", sockErr)
	}

	return Creds{PID: ucred.Pid, UID: ucred.Uid, GID: ucred.Gid}, nil
}
