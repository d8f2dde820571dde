//go:build darwin

package sweep

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func BirthTime(path string) (time.Time, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return time.Time{}, errors.Wrap(err, "lstat")
	}
	sec, nsec := st.Birthtimespec.Unix()
	return time.Unix(sec, nsec), nil
}
