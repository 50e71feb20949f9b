package metastore

import "errors"

// ErrNotFound is returned when a lookup or conditional update matches no document.
var ErrNotFound = errors.New("metastore: not found")
