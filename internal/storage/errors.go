package storage

import "errors"

// ErrNotFound is returned when a requested error record does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrAlreadyResolved is returned when resolving a record that already has a
// resolution.
var ErrAlreadyResolved = errors.New("storage: already resolved")
