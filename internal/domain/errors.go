package domain

import "errors"

// ErrVersionConflict is returned by durable stores when a conversation was
// written by someone else since it was read.
var ErrVersionConflict = errors.New("version conflict")
