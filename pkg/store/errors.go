package store

import "fmt"

// ErrNotFound is returned when an entity doesn't exist in the store, or
// exists but is not owned by the requesting user.
type ErrNotFound struct {
	Entity string
	ID     int64
}

func (e ErrNotFound) Error() string {
	if e.Entity == "" {
		return "not found"
	}
	if e.ID == 0 {
		return e.Entity + " not found"
	}

	return fmt.Sprintf("%s not found: %d", e.Entity, e.ID)
}
