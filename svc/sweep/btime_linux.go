//go:build linux

package sweep

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// BirthTime reads the creation time with statx(2). Kernels older than 4.11
// and filesystems that do not record it yield ErrBirthTimeUnsupported.
func BirthTime(path string) (time.Time, error) {
	var stx unix.Statx_t
	err := unix.Statx(unix.AT_FDCWD, path, unix.AT_SYMLINK_NOFOLLOW, unix.STATX_BTIME, &stx)
	if errors.Is(err, unix.ENOSYS) {
		return time.Time{}, ErrBirthTimeUnsupported
	}
	if err != nil {
		return time.Time{}, errors.Wrap(err, "statx")
	}
	if stx.Mask&unix.STATX_BTIME == 0 {
		return time.Time{}, ErrBirthTimeUnsupported
	}
	return time.Unix(stx.Btime.Sec, int64(stx.Btime.Nsec)), nil
}
