//go:build unix

package transport

import (
	"errors"

	"golang.org/x/sys/unix"
)

// IsInterrupted reports whether err is an interrupted system call. Such
// errors are transient and the operation should be retried at once.
func IsInterrupted(err error) bool {
	return errors.Is(err, unix.EINTR)
}
