//go:build unix

package ipc

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// socketPathLimit is sun_path's size, including the terminating NUL.
const socketPathLimit = len(unix.RawSockaddrUnix{}.Path)

func validateSocketPath(path string) error {
	if path == "" {
		return nil
	}
	limit := socketPathLimit - 1
	if len(path) > limit {
		return fmt.Errorf("control socket path exceeds %d bytes: %s", limit, path)
	}
	return nil
}
