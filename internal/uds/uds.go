// Package uds creates the local-domain sockets the Machine Handle listens
// on for the emulator's monitor and shell peers: remove any stale inode,
// listen, and accept exactly once. The listener uses the system's default
// backlog; it is not limited to one pending peer.
package uds

import (
	"context"
	"fmt"
	"net"
	"os"
)

// Listen creates a unix-domain stream listener at path, clearing any stale
// socket inode left over from a previous run first. path must live inside a
// directory the caller owns (the handle's state_dir).
func Listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("uds: clearing stale socket %s: %w", path, err)
	}
	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "unix", path)
	if err != nil {
		return nil, fmt.Errorf("uds: listen on %s: %w", path, err)
	}
	if unixLn, ok := ln.(*net.UnixListener); ok {
		unixLn.SetUnlinkOnClose(true)
	}
	return ln, nil
}

// AcceptOne accepts exactly one connection on ln and closes ln afterward,
// so any further pending peer is never accepted.
func AcceptOne(ln net.Listener) (net.Conn, error) {
	defer ln.Close()
	conn, err := ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("uds: accept on %s: %w", ln.Addr(), err)
	}
	return conn, nil
}
