package sbrk

import "github.com/vkngwrapper/brkalloc/memutils"

// Arena is a Segment backed by a byte slice reserved from the Go heap up front
type Arena struct {
	region
}

var _ Segment = &Arena{}

// NewArena reserves an arena that can grow by up to limit bytes. limit is rounded down to the pointer width.
func NewArena(limit int) *Arena {
	if limit < 0 {
		limit = 0
	}

	arena := &Arena{}
	arena.init(make([]byte, Origin+memutils.AlignDown(limit, memutils.PointerSize)))
	return arena
}
