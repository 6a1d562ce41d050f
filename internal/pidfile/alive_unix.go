//go:build !windows

package pidfile

import (
	"errors"

	"golang.org/x/sys/unix"
)

// processAlive checks pid with signal 0. EPERM means the process exists but
// belongs to someone else.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
