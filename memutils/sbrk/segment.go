// Package sbrk provides the heap segments that the allocator grows into. A segment is a contiguous,
// reserved address space with a break pointer: growing the segment moves the break forward and hands
// the caller the base address of the new bytes. Segments never shrink.
package sbrk

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/brkalloc/memutils"
)

//go:generate mockgen -source segment.go -destination ./mocks/segment.go -package mocks

// Address is a byte address within a Segment's address space
type Address uintptr

// Nil is never a valid address in any segment. It is the failure value returned from allocation methods.
const Nil Address = 0

// Origin is the number of bytes every segment reserves before its first growable byte, so that Nil is
// never handed out and the first region is aligned to every width the allocator cares about.
const Origin int = 16

// Segment is the heap growth primitive along with access to the memory it has handed out.
//
// Grow is not reentrant: callers must serialize calls to it. Bytes may be called concurrently with
// Grow for any address below the current break.
type Segment interface {
	// Grow extends the segment by exactly n bytes and returns the base address of the new region. When the
	// segment's reservation cannot cover n more bytes, the returned error wraps memutils.ErrOutOfMemory
	// and the break does not move.
	Grow(n int) (Address, error)
	// Bytes returns a view of n bytes of memory starting at addr
	Bytes(addr Address, n int) []byte
	// Break returns the address one past the last byte handed out by Grow
	Break() Address
	// Limit returns the total number of bytes Grow can hand out over the segment's lifetime
	Limit() int
}

type region struct {
	mem []byte
	brk atomic.Uintptr
}

func (r *region) init(mem []byte) {
	r.mem = mem
	r.brk.Store(uintptr(Origin))
}

func (r *region) Grow(n int) (Address, error) {
	if n <= 0 {
		return Nil, errors.Newf("invalid growth size: %d", n)
	}

	base := r.brk.Load()
	if n > len(r.mem)-int(base) {
		return Nil, errors.Wrapf(memutils.ErrOutOfMemory, "segment cannot grow by %d bytes, %d of %d remain", n, len(r.mem)-int(base), r.Limit())
	}

	r.brk.Store(base + uintptr(n))
	return Address(base), nil
}

func (r *region) Bytes(addr Address, n int) []byte {
	start := int(addr)
	return r.mem[start : start+n : start+n]
}

func (r *region) Break() Address {
	return Address(r.brk.Load())
}

func (r *region) Limit() int {
	return len(r.mem) - Origin
}
