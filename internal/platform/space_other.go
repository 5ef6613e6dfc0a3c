//go:build !unix

package platform

import "errors"

// SpaceSupported reports whether DiskSpace works on this platform.
const SpaceSupported = false

// DiskSpace is not available on non-Unix systems.
func DiskSpace(string) (free, total int64, err error) {
	return -1, -1, errors.New("disk space not supported on this platform")
}
