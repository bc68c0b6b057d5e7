package memutils

import "github.com/cockroachdb/errors"

// ErrOutOfMemory is returned (wrapped) from allocation methods when the heap segment cannot be grown
// any further. Use errors.Is to test for it.
var ErrOutOfMemory error = errors.New("out of memory")
