package metadata

import (
	"fmt"

	"github.com/vkngwrapper/brkalloc/memutils/sbrk"
)

// PhysicalList orders every block a heap has carved from its segment by ascending address, free or
// taken. It only exists to find the neighbours of a block being freed.
type PhysicalList struct {
	segment sbrk.Segment
	head    sbrk.Address
	tail    sbrk.Address
}

// NewPhysicalList creates an empty physical list over blocks in the provided segment
func NewPhysicalList(segment sbrk.Segment) *PhysicalList {
	return &PhysicalList{segment: segment}
}

func (l *PhysicalList) block(addr sbrk.Address) block {
	return blockAt(l.segment, addr)
}

// append attaches a freshly grown block after the current tail
func (l *PhysicalList) append(b block) {
	if l.tail != sbrk.Nil && l.tail >= b.addr {
		panic(fmt.Sprintf("grown block at %#x is below the physical tail at %#x", b.addr, l.tail))
	}

	b.setPrevPhysical(l.tail)
	b.setNextPhysical(sbrk.Nil)
	if l.tail != sbrk.Nil {
		l.block(l.tail).setNextPhysical(b.addr)
	} else {
		l.head = b.addr
	}
	l.tail = b.addr
}

// insertAfter links b directly after anchor, which must already be in the list
func (l *PhysicalList) insertAfter(anchor block, b block) {
	next := anchor.nextPhysical()

	b.setPrevPhysical(anchor.addr)
	b.setNextPhysical(next)
	if next != sbrk.Nil {
		l.block(next).setPrevPhysical(b.addr)
	} else {
		l.tail = b.addr
	}
	anchor.setNextPhysical(b.addr)
}

// spliceOut unlinks neighbor, which must directly follow center, by linking center to whatever
// follows neighbor
func (l *PhysicalList) spliceOut(center block, neighbor block) {
	if center.nextPhysical() != neighbor.addr {
		panic(fmt.Sprintf("cannot splice block at %#x out from behind block at %#x: they are not neighbors", neighbor.addr, center.addr))
	}

	next := neighbor.nextPhysical()
	center.setNextPhysical(next)
	if next != sbrk.Nil {
		l.block(next).setPrevPhysical(center.addr)
	} else {
		l.tail = center.addr
	}

	neighbor.setPrevPhysical(sbrk.Nil)
	neighbor.setNextPhysical(sbrk.Nil)
}

func (l *PhysicalList) visit(visitor func(b block) error) error {
	for cur := l.head; cur != sbrk.Nil; {
		b := l.block(cur)
		next := b.nextPhysical()

		err := visitor(b)
		if err != nil {
			return err
		}

		cur = next
	}

	return nil
}
