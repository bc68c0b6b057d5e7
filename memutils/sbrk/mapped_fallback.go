//go:build !linux && !darwin

package sbrk

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/brkalloc/memutils"
)

// Mapped is a Segment backed by a byte slice on platforms without anonymous mappings
type Mapped struct {
	region
}

var _ Segment = &Mapped{}

// NewMapped reserves a region that can grow by up to limit bytes. limit is rounded down to the
// pointer width.
func NewMapped(limit int) (*Mapped, error) {
	if limit <= 0 {
		return nil, errors.Newf("invalid segment limit: %d", limit)
	}

	mapped := &Mapped{}
	mapped.init(make([]byte, Origin+memutils.AlignDown(limit, memutils.PointerSize)))
	return mapped, nil
}

// Close releases the segment. Every address handed out by the segment becomes invalid.
func (m *Mapped) Close() error {
	m.mem = nil
	return nil
}
