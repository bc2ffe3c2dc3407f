//go:build wasip1

package main

import "unsafe"

// allocations pins buffers handed to the host until it frees them.
var allocations = map[uint32][]byte{}

//go:wasmexport malloc
func malloc(size uint32) uint32 {
	if size == 0 {
		size = 1
	}
	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	allocations[ptr] = buf
	return ptr
}

//go:wasmexport free
func free(ptr uint32) {
	delete(allocations, ptr)
}

//go:wasmexport parse_facts
func parseFacts(ptr, size uint32) uint64 {
	input := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), size)
	out := handle(input)

	outPtr := malloc(uint32(len(out)))
	copy(allocations[outPtr], out)
	return uint64(outPtr)<<32 | uint64(len(out))
}
