package metadata

import (
	"encoding/binary"

	"github.com/vkngwrapper/brkalloc/memutils/sbrk"
)

const (
	headerWordSize = 8
	headerWords    = 6

	// HeaderSize is the number of bytes every block header occupies in front of its payload
	HeaderSize int = headerWords * headerWordSize
	// MinSplit is the smallest payload a split remainder may have. Blocks are only split when the
	// leftover can hold a header and at least this many bytes.
	MinSplit int = 8
)

// Header word layout
const (
	wordFlags = iota
	wordSize
	wordPrevFree
	wordNextFree
	wordPrevPhysical
	wordNextPhysical
)

const flagFree uint64 = 1

// HeaderOf returns the address of the header that owns the payload at addr. addr must have been
// returned by a heap; nothing is checked.
func HeaderOf(payload sbrk.Address) sbrk.Address {
	return payload - sbrk.Address(HeaderSize)
}

// PayloadOf returns the payload address for the header at addr
func PayloadOf(header sbrk.Address) sbrk.Address {
	return header + sbrk.Address(HeaderSize)
}

// block is a view over a header living in segment memory. Links between blocks are header
// addresses, with sbrk.Nil marking the end of a list.
type block struct {
	addr sbrk.Address
	raw  []byte
}

func blockAt(segment sbrk.Segment, addr sbrk.Address) block {
	return block{addr: addr, raw: segment.Bytes(addr, HeaderSize)}
}

func (b block) word(index int) uint64 {
	return binary.LittleEndian.Uint64(b.raw[index*headerWordSize:])
}

func (b block) setWord(index int, value uint64) {
	binary.LittleEndian.PutUint64(b.raw[index*headerWordSize:], value)
}

func (b block) link(index int) sbrk.Address {
	return sbrk.Address(b.word(index))
}

func (b block) setLink(index int, addr sbrk.Address) {
	b.setWord(index, uint64(addr))
}

// init writes a fresh, taken, unlinked header with the provided payload size
func (b block) init(size int) {
	for i := 0; i < headerWords; i++ {
		b.setWord(i, 0)
	}
	b.setSize(size)
}

func (b block) IsFree() bool { return b.word(wordFlags)&flagFree != 0 }
func (b block) MarkFree()    { b.setWord(wordFlags, b.word(wordFlags)|flagFree) }
func (b block) MarkTaken()   { b.setWord(wordFlags, b.word(wordFlags)&^flagFree) }

func (b block) Size() int             { return int(b.word(wordSize)) }
func (b block) setSize(size int)      { b.setWord(wordSize, uint64(size)) }
func (b block) Payload() sbrk.Address { return PayloadOf(b.addr) }

// end returns the address one past the last payload byte
func (b block) end() sbrk.Address { return b.Payload() + sbrk.Address(b.Size()) }

func (b block) prevFree() sbrk.Address            { return b.link(wordPrevFree) }
func (b block) nextFree() sbrk.Address            { return b.link(wordNextFree) }
func (b block) setPrevFree(addr sbrk.Address)     { b.setLink(wordPrevFree, addr) }
func (b block) setNextFree(addr sbrk.Address)     { b.setLink(wordNextFree, addr) }
func (b block) prevPhysical() sbrk.Address        { return b.link(wordPrevPhysical) }
func (b block) nextPhysical() sbrk.Address        { return b.link(wordNextPhysical) }
func (b block) setPrevPhysical(addr sbrk.Address) { b.setLink(wordPrevPhysical, addr) }
func (b block) setNextPhysical(addr sbrk.Address) { b.setLink(wordNextPhysical, addr) }
