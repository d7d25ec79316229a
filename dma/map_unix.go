//go:build unix

package dma

import "golang.org/x/sys/unix"

// mapArena maps an anonymous private region. A dedicated mapping keeps
// the arena page-aligned and off the Go heap, so its address is stable
// for the allocator's lifetime.
func mapArena(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
}

func unmapArena(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}
