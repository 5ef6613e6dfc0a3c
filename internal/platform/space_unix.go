//go:build unix

package platform

import "golang.org/x/sys/unix"

// SpaceSupported reports whether DiskSpace works on this platform.
const SpaceSupported = true

// DiskSpace returns the free and total bytes of the volume holding path.
// Free counts blocks available to unprivileged users.
func DiskSpace(path string) (free, total int64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return -1, -1, err
	}
	bsize := int64(st.Bsize) //nolint:unconvert // Bsize width differs across platforms
	return int64(st.Bavail) * bsize, int64(st.Blocks) * bsize, nil //nolint:gosec // block counts fit in int64
}
