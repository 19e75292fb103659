// Package hw provides the primitives shared by the bring-up drivers:
// register access, CPU views of DMA memory, cache maintenance over address
// ranges, and bounded polling.
package hw

import (
	"errors"
	"time"

	"github.com/jpillora/backoff"
)

// Mem provides 8, 16 and 32-bit access to device registers and other
// physical memory. Addresses are absolute host physical addresses.
type Mem interface {
	Read8(addr uint64) uint8
	Read16(addr uint64) uint16
	Read32(addr uint64) uint32

	Write8(addr uint64, v uint8)
	Write16(addr uint64, v uint16)
	Write32(addr uint64, v uint32)

	// Barrier orders all earlier accesses before all later ones. A register
	// write sequence that hardware consumes in order must place a Barrier
	// between each write.
	Barrier()
}

// MemAt returns a CPU view of size bytes of DMA-able memory at a physical
// address. The returned slice aliases the underlying memory.
type MemAt func(addr uint64, size int) ([]byte, error)

// CacheOps maintains coherency between CPU caches and a DMA engine over a
// span of physical memory. Clean makes CPU writes visible to the device.
// Invalidate discards cached copies so the next CPU read observes the
// device's writes.
type CacheOps interface {
	Clean(addr uint64, size int)
	Invalidate(addr uint64, size int)
}

// NopCache is a CacheOps for coherent platforms and uncached mappings.
type NopCache struct{}

func (NopCache) Clean(addr uint64, size int)      {}
func (NopCache) Invalidate(addr uint64, size int) {}

// Region is a caller-supplied span of physical memory.
type Region struct {
	Addr uint64
	Size uint64
}

// Contains reports whether [addr, addr+size) lies within the region.
func (r Region) Contains(addr uint64, size int) bool {
	return addr >= r.Addr && addr+uint64(size) <= r.Addr+r.Size
}

// AlignRange widens [addr, addr+size) to whole cache lines of the given
// size. Cache maintenance operates on whole lines.
func AlignRange(addr uint64, size, line int) (uint64, int) {
	if line <= 0 {
		return addr, size
	}

	l := uint64(line)
	start := addr &^ (l - 1)
	end := (addr + uint64(size) + l - 1) &^ (l - 1)
	return start, int(end - start)
}

// ErrTimeout is returned by Poll when the attempt budget is exhausted.
var ErrTimeout = errors.New("hw: timeout")

// Poll calls done up to attempts times, sleeping between calls per b, until
// done reports true. It sleeps after every failed attempt, so a full poll
// takes at least attempts times the backoff interval.
func Poll(attempts int, b *backoff.Backoff, done func() bool) error {
	b.Reset()
	for i := 0; i < attempts; i++ {
		if done() {
			return nil
		}

		time.Sleep(b.Duration())
	}

	return ErrTimeout
}

// Every returns a fixed-interval policy for Poll.
func Every(d time.Duration) *backoff.Backoff {
	return &backoff.Backoff{Min: d, Max: d, Factor: 1}
}
