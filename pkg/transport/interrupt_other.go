//go:build !unix

package transport

// IsInterrupted reports whether err is an interrupted system call. Only
// unix platforms surface EINTR.
func IsInterrupted(error) bool {
	return false
}
