package domain

import "errors"

// ErrNotFound is returned by remote lookups for ids the service does not know.
var ErrNotFound = errors.New("not found")
