package memutils

import "unsafe"

// PointerSize is the native pointer width in bytes. Every payload size and payload address handed out
// by this module is a multiple of it.
const PointerSize int = int(unsafe.Sizeof(uintptr(0)))

type Number interface {
	~int | ~uint | ~uintptr
}

func AlignUp[T Number](value T, alignment T) T {
	return (value + alignment - 1) & ^(alignment - 1)
}

func AlignDown[T Number](value T, alignment T) T {
	return value & ^(alignment - 1)
}
