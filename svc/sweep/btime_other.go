//go:build !linux && !darwin

package sweep

import "time"

func BirthTime(path string) (time.Time, error) {
	return time.Time{}, ErrBirthTimeUnsupported
}
