package storage

import "github.com/loreweave/chronicle/internal/errs"

// ErrNotFound is returned when a requested row does not exist. It aliases
// the consumer-visible kind so callers can match either spelling with
// errors.Is.
var ErrNotFound = errs.ErrNotFound
