//go:build unix

package cache

import "golang.org/x/sys/unix"

// VolumeFreeMB is the FreeSpaceFunc backed by statfs(2).
func VolumeFreeMB(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize) / bytesPerMB, nil
}
