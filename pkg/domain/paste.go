package domain

import (
	"time"
)

// Paste describes a stored paste as seen through the filesystem. The content
// itself only ever travels as a stream and is not part of this value.
type Paste struct {
	ID         string    `json:"id"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}
