package sweep

import (
	"time"

	"github.com/pkg/errors"
)

// ErrBirthTimeUnsupported means the platform or filesystem cannot report
// when a file was created.
var ErrBirthTimeUnsupported = errors.New("file creation time not supported on this platform or filesystem")

// BirthTimeFunc reports when the file at path was created.
type BirthTimeFunc func(path string) (time.Time, error)
