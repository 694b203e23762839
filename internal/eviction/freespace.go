package eviction

import "syscall"

// StatfsFreeSpacer reports LOCAL free space via syscall.Statfs, the same
// call rclone's local backend uses for quota reporting.
type StatfsFreeSpacer struct{}

// FreeBytes returns bytes available to an unprivileged user on path's
// filesystem (Bavail, not Bfree, so the check matches what a write
// syscall would actually permit).
func (StatfsFreeSpacer) FreeBytes(path string) (int64, error) {
	var s syscall.Statfs_t
	if err := syscall.Statfs(path, &s); err != nil {
		return 0, err
	}
	return int64(s.Bsize) * int64(s.Bavail), nil
}
