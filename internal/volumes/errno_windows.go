//go:build windows

package volumes

import (
	"errors"
	"io/fs"
	"syscall"
)

// Windows error codes
const (
	ERROR_BAD_NETPATH     syscall.Errno = 53
	ERROR_NETWORK_BUSY    syscall.Errno = 54
	ERROR_DEV_NOT_EXIST   syscall.Errno = 55
	ERROR_UNEXP_NET_ERR   syscall.Errno = 59
	ERROR_NETNAME_DELETED syscall.Errno = 64
	ERROR_BAD_NET_NAME    syscall.Errno = 67
	ERROR_SEM_TIMEOUT     syscall.Errno = 121
	ERROR_REM_NOT_LIST    syscall.Errno = 51
)

// classifyReachabilityError checks for Windows-specific syscall errors that
// indicate a lost network path and returns a human-readable reason, or empty
// string if the error is not a known reachability failure.
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
	case ERROR_BAD_NETPATH, ERROR_BAD_NET_NAME, ERROR_NETNAME_DELETED:
		return "network path not found"
	case ERROR_SEM_TIMEOUT:
		return "network operation timed out"
	case ERROR_DEV_NOT_EXIST, ERROR_REM_NOT_LIST:
		return "remote device not available"
	case ERROR_NETWORK_BUSY, ERROR_UNEXP_NET_ERR:
		return "network error"
	}

	return ""
}
