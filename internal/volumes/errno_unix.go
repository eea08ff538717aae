//go:build !windows

package volumes

import (
	"errors"
	"io/fs"
	"syscall"
)

// classifyReachabilityError checks for Unix-specific syscall errors that
// indicate a lost or degraded mount and returns a human-readable reason,
// or empty string if the error is not a known reachability failure.
func classifyReachabilityError(err error) string {
	var pathErr *fs.PathError
	if !errors.As(err, &pathErr) {
		return ""
	}

	errno, ok := pathErr.Err.(syscall.Errno)
	if !ok {
		return ""
	}

	switch errno {
	case syscall.ESTALE:
		return "stale NFS file handle"
	case syscall.ETIMEDOUT:
		return "filesystem operation timed out"
	case syscall.ENODEV, syscall.ENXIO:
		return "device not available (mount offline)"
	case syscall.EIO:
		return "I/O error"
	case syscall.EHOSTDOWN, syscall.EHOSTUNREACH, syscall.ENETDOWN, syscall.ENETUNREACH:
		return "network/host unreachable"
	}

	return ""
}
