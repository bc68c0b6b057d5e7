//go:build linux || darwin

package sbrk

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/brkalloc/memutils"
	"golang.org/x/sys/unix"
)

// Mapped is a Segment backed by an anonymous private mapping. The whole reservation is mapped up front
// without reserving swap, so pages are only committed when the allocator first touches them.
type Mapped struct {
	region
}

var _ Segment = &Mapped{}

// NewMapped maps an anonymous region that can grow by up to limit bytes. limit is rounded down to the
// pointer width. The mapping must be released with Close once nothing references its memory.
func NewMapped(limit int) (*Mapped, error) {
	if limit <= 0 {
		return nil, errors.Newf("invalid segment limit: %d", limit)
	}

	size := Origin + memutils.AlignDown(limit, memutils.PointerSize)

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map a %d byte segment", size)
	}

	mapped := &Mapped{}
	mapped.init(mem)
	return mapped, nil
}

// Close unmaps the segment. Every address handed out by the segment becomes invalid.
func (m *Mapped) Close() error {
	if m.mem == nil {
		return nil
	}

	err := unix.Munmap(m.mem)
	if err != nil {
		return errors.Wrap(err, "failed to unmap segment")
	}

	m.mem = nil
	return nil
}
