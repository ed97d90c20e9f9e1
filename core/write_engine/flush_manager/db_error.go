package flushmanager

import "errors"

// --- Error Definitions ---

var (
	ErrIO            = errors.New("i/o error")
	ErrInvalidPageID = errors.New("invalid page id")
	ErrCorruptFile   = errors.New("data file length is not a multiple of the page size")
	ErrClosed        = errors.New("disk manager is closed")
)
