//go:build linux

package hw

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DevMem provides register and DMA memory access through mmapped windows of
// /dev/mem. The file is opened with O_SYNC, so mappings are uncached and
// Cache returns no-op maintenance.
type DevMem struct {
	f *os.File

	mu   sync.Mutex
	maps []devmap

	fence int32
}

type devmap struct {
	region Region
	b      []byte
}

var (
	ErrOpenDevMem = errors.New("hw: open /dev/mem failed")
	ErrMapDevMem  = errors.New("hw: mmap /dev/mem failed")
	ErrNotMapped  = errors.New("hw: address is not mapped")
)

// OpenDevMem opens /dev/mem. Call Map to make physical regions accessible.
func OpenDevMem() (*DevMem, error) {
	f, err := os.OpenFile("/dev/mem", os.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenDevMem, err)
	}

	return &DevMem{f: f}, nil
}

// Map makes a physical region accessible. The region's address and size
// must be multiples of the host page size.
func (m *DevMem) Map(r Region) error {
	b, err := unix.Mmap(int(m.f.Fd()), int64(r.Addr), int(r.Size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

	if err != nil {
		return fmt.Errorf("%w: %#x+%#x: %w", ErrMapDevMem, r.Addr, r.Size, err)
	}

	m.mu.Lock()
	m.maps = append(m.maps, devmap{region: r, b: b})
	m.mu.Unlock()

	return nil
}

// Close unmaps all regions and closes /dev/mem.
func (m *DevMem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mm := range m.maps {
		unix.Munmap(mm.b)
	}

	m.maps = nil
	return m.f.Close()
}

// MemAt returns the CPU view of a mapped region, for use as a MemAt.
func (m *DevMem) MemAt(addr uint64, size int) ([]byte, error) {
	if b := m.slice(addr, size); b != nil {
		return b, nil
	}

	return nil, fmt.Errorf("%w: %#x+%#x", ErrNotMapped, addr, size)
}

// Cache returns the cache maintenance appropriate for /dev/mem mappings.
// O_SYNC mappings are uncached, so there is nothing to maintain.
func (m *DevMem) Cache() CacheOps {
	return NopCache{}
}

func (m *DevMem) slice(addr uint64, size int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mm := range m.maps {
		if mm.region.Contains(addr, size) {
			off := addr - mm.region.Addr
			return mm.b[off : off+uint64(size)]
		}
	}

	return nil
}

// Register access below an unmapped address is a caller bug, not a runtime
// condition, so it panics.

func (m *DevMem) Read8(addr uint64) uint8 {
	return m.at(addr, 1)[0]
}

func (m *DevMem) Read16(addr uint64) uint16 {
	b := m.at(addr, 2)
	return *(*uint16)(unsafe.Pointer(&b[0]))
}

func (m *DevMem) Read32(addr uint64) uint32 {
	b := m.at(addr, 4)
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[0])))
}

func (m *DevMem) Write8(addr uint64, v uint8) {
	m.at(addr, 1)[0] = v
}

func (m *DevMem) Write16(addr uint64, v uint16) {
	b := m.at(addr, 2)
	*(*uint16)(unsafe.Pointer(&b[0])) = v
}

func (m *DevMem) Write32(addr uint64, v uint32) {
	b := m.at(addr, 4)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b[0])), v)
}

// Barrier is a full memory barrier. An atomic read-modify-write is a full
// barrier on the architectures this package targets.
func (m *DevMem) Barrier() {
	atomic.AddInt32(&m.fence, 0)
}

func (m *DevMem) at(addr uint64, size int) []byte {
	b := m.slice(addr, size)
	if b == nil {
		panic(fmt.Sprintf("hw: access to unmapped address %#x", addr))
	}

	return b
}

var _ Mem = (*DevMem)(nil)
