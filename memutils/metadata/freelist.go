package metadata

import (
	"github.com/dolthub/swiss"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/brkalloc/memutils"
	"github.com/vkngwrapper/brkalloc/memutils/sbrk"
)

// FreeList is an unordered, doubly linked list of free blocks threaded through their headers.
// Freed blocks are pushed at the head, so recently freed memory is found first.
//
// A FreeList is not synchronized. Whoever owns it must make sure only one goroutine touches it at a time.
type FreeList struct {
	segment sbrk.Segment
	head    sbrk.Address
}

// NewFreeList creates an empty free list over blocks in the provided segment
func NewFreeList(segment sbrk.Segment) FreeList {
	return FreeList{segment: segment}
}

// IsEmpty returns true if no blocks are in the list
func (l *FreeList) IsEmpty() bool {
	return l.head == sbrk.Nil
}

func (l *FreeList) block(addr sbrk.Address) block {
	return blockAt(l.segment, addr)
}

func (l *FreeList) insert(b block) {
	b.MarkFree()

	b.setPrevFree(sbrk.Nil)
	b.setNextFree(l.head)
	if l.head != sbrk.Nil {
		l.block(l.head).setPrevFree(b.addr)
	}
	l.head = b.addr
}

// remove unlinks a block from the list. The block must be in this list: release builds do not check.
func (l *FreeList) remove(b block) {
	memutils.DebugCheck(func() error {
		return l.checkMember(b.addr)
	})

	prev, next := b.prevFree(), b.nextFree()
	if prev == sbrk.Nil {
		l.head = next
	} else {
		l.block(prev).setNextFree(next)
	}

	if next != sbrk.Nil {
		l.block(next).setPrevFree(prev)
	}

	b.setPrevFree(sbrk.Nil)
	b.setNextFree(sbrk.Nil)
}

func (l *FreeList) checkMember(addr sbrk.Address) error {
	for cur := l.head; cur != sbrk.Nil; cur = l.block(cur).nextFree() {
		if cur == addr {
			return nil
		}
	}

	return errors.Errorf("block at %#x is not in the free list", addr)
}

// findBestFit returns the smallest block that can hold size bytes. Of several equally small blocks,
// the one nearest the head wins. An exact fit ends the scan early.
func (l *FreeList) findBestFit(size int) (block, bool) {
	var best block
	bestSize := 0
	found := false

	for cur := l.head; cur != sbrk.Nil; {
		b := l.block(cur)
		blockSize := b.Size()

		if blockSize >= size && (!found || blockSize < bestSize) {
			best = b
			bestSize = blockSize
			found = true

			if bestSize == size {
				break
			}
		}

		cur = b.nextFree()
	}

	return best, found
}

// findFirstFit returns the block nearest the head that can hold size bytes
func (l *FreeList) findFirstFit(size int) (block, bool) {
	for cur := l.head; cur != sbrk.Nil; {
		b := l.block(cur)
		if b.Size() >= size {
			return b, true
		}

		cur = b.nextFree()
	}

	return block{}, false
}

func (l *FreeList) visit(visitor func(b block) error) error {
	for cur := l.head; cur != sbrk.Nil; {
		b := l.block(cur)
		next := b.nextFree()

		err := visitor(b)
		if err != nil {
			return err
		}

		cur = next
	}

	return nil
}

// Count returns the number of blocks in the list
func (l *FreeList) Count() int {
	count := 0
	for cur := l.head; cur != sbrk.Nil; cur = l.block(cur).nextFree() {
		count++
	}

	return count
}

// SumFreeSize returns the number of payload bytes across every block in the list
func (l *FreeList) SumFreeSize() int {
	total := 0
	for cur := l.head; cur != sbrk.Nil; {
		b := l.block(cur)
		total += b.Size()
		cur = b.nextFree()
	}

	return total
}

// LargestFreeSize returns the payload size of the largest block in the list, or 0 if it is empty
func (l *FreeList) LargestFreeSize() int {
	largest := 0
	for cur := l.head; cur != sbrk.Nil; {
		b := l.block(cur)
		if b.Size() > largest {
			largest = b.Size()
		}
		cur = b.nextFree()
	}

	return largest
}

// members walks the list, checking its links, and returns the set of header addresses in it
func (l *FreeList) members() (*swiss.Map[sbrk.Address, struct{}], error) {
	set := swiss.NewMap[sbrk.Address, struct{}](16)

	prev := sbrk.Nil
	for cur := l.head; cur != sbrk.Nil; {
		if set.Has(cur) {
			return nil, errors.Errorf("free list loops back to block at %#x", cur)
		}

		b := l.block(cur)
		if !b.IsFree() {
			return nil, errors.Errorf("block at %#x is in the free list but is not free", cur)
		}

		if b.prevFree() != prev {
			return nil, errors.Errorf("block at %#x lists %#x as its previous free block, but it follows %#x", cur, b.prevFree(), prev)
		}

		set.Put(cur, struct{}{})
		prev = cur
		cur = b.nextFree()
	}

	return set, nil
}

// Validate performs consistency checks on the list links and the state of its blocks
func (l *FreeList) Validate() error {
	_, err := l.members()
	return err
}
