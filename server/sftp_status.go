package server

import (
	"errors"
	"io/fs"
	"net"
	"os"
)

// mapHostError implements spec §4.D's error mapping table: a host error
// collapses to one of a small set of SFTPv3 status codes, never leaking
// the host error's internal detail beyond its message string.
func mapHostError(err error) StatusCode {
	if err == nil {
		return StatusOk
	}
	switch {
	case errors.Is(err, fs.ErrNotExist), os.IsNotExist(err):
		return StatusNoSuchFile
	case errors.Is(err, fs.ErrPermission), os.IsPermission(err):
		return StatusPermissionDenied
	case errors.Is(err, net.ErrClosed):
		return StatusConnectionLost
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return StatusNoConnection
		}
		return StatusConnectionLost
	}
	return StatusFailure
}
