package common

import "github.com/oklog/ulid/v2"

// NewULID returns a lexically sortable, URL-safe identifier.
func NewULID() string {
	return ulid.Make().String()
}
