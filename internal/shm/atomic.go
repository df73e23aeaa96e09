package shm

import (
	"fmt"
	"unsafe"
)

// Uint32At returns the 32-bit word at off within a mapped region. Callers
// access it through sync/atomic only; the other process sees every store.
func Uint32At(mem []byte, off int) *uint32 {
	if off < 0 || off%4 != 0 || off+4 > len(mem) {
		panic(fmt.Sprintf("shm: misaligned or out of range word offset %d (region %d bytes)", off, len(mem)))
	}
	return (*uint32)(unsafe.Pointer(&mem[off]))
}

// Int32Slice views n 32-bit words starting at off within a mapped region.
func Int32Slice(mem []byte, off, n int) []int32 {
	if n <= 0 {
		return nil
	}
	if off < 0 || off%4 != 0 || off+4*n > len(mem) {
		panic(fmt.Sprintf("shm: slot array [%d, %d) outside region of %d bytes", off, off+4*n, len(mem)))
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&mem[off])), n)
}
