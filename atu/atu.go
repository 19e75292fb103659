// Package atu programs the address translation unit of a DesignWare-style
// PCIe root complex. The ATU maps host address ranges onto PCIe bus address
// ranges through a small fixed set of translation regions. Only unrolled
// mode is supported: each region's control block sits at a fixed stride
// from a fixed offset above the controller's DBI base.
package atu

import (
	"fmt"
	"time"

	"github.com/c35s/bringup/hw"
)

// Unrolled-mode layout.
const (
	UnrollBase = 0x300000 // offset of region 0's control block from the DBI base
	RegionSize = 0x200    // control block stride
)

// region control block register offsets

const (
	regCtrl1       = 0x00 // transaction type
	regCtrl2       = 0x04 // enable (bit 31)
	regLowerBase   = 0x08 // source host address, low word
	regUpperBase   = 0x0c // source host address, high word
	regLowerLimit  = 0x10 // end of source range, low word
	regUpperLimit  = 0x14 // end of source range, high word
	regLowerTarget = 0x18 // target bus address, low word
	regUpperTarget = 0x1c // target bus address, high word
)

// Type selects the PCIe transaction type of a translation region.
type Type uint32

const (
	TypeMem  Type = 0x0
	TypeIO   Type = 0x2
	TypeCfg0 Type = 0x4
	TypeCfg1 Type = 0x5
)

const (
	ctrl2Enable  = 1 << 31
	ctrl2BARMode = 1 << 30
)

// The enable bit can take a moment to read back after it is set.
const (
	enableAttempts = 5
	enableInterval = time.Millisecond
)

// ATU drives the translation regions of one root complex.
type ATU struct {
	mem  hw.Mem
	base uint64
}

// New returns an ATU for the root complex whose DBI register block is at
// dbiBase.
func New(mem hw.Mem, dbiBase uint64) *ATU {
	return &ATU{mem: mem, base: dbiBase}
}

// Configure reprograms a translation region to map size bytes of host
// address space at hostAddr onto the bus address busAddr with the given
// transaction type. Any previous role of the region is destroyed. Configure
// polls for the hardware to confirm the region is enabled; if the enable
// bit never reads back set it returns hw.ErrTimeout, and the region's
// enabled state is unspecified.
func (a *ATU) Configure(region int, typ Type, hostAddr, busAddr, size uint64) error {
	rb := a.regionBase(region)
	limit := hostAddr + size - 1

	// The hardware consumes these in order. Each write is followed by a
	// barrier, and all of them must land before the enable bit is set.
	w := func(off uint64, v uint32) {
		a.mem.Write32(rb+off, v)
		a.mem.Barrier()
	}

	w(regLowerBase, uint32(hostAddr))
	w(regUpperBase, uint32(hostAddr>>32))
	w(regLowerLimit, uint32(limit))
	w(regUpperLimit, uint32(limit>>32))
	w(regLowerTarget, uint32(busAddr))
	w(regUpperTarget, uint32(busAddr>>32))
	w(regCtrl1, uint32(typ))
	w(regCtrl2, ctrl2Enable)

	err := hw.Poll(enableAttempts, hw.Every(enableInterval), func() bool {
		a.mem.Barrier()
		v := a.mem.Read32(rb + regCtrl2)
		a.mem.Barrier()
		return v&ctrl2Enable != 0
	})

	if err != nil {
		return fmt.Errorf("atu: enable region %d: %w", region, err)
	}

	return nil
}

func (a *ATU) regionBase(region int) uint64 {
	return a.base + UnrollBase + uint64(region)*RegionSize
}

func (t Type) String() string {
	switch t {
	case TypeMem:
		return "mem"

	case TypeIO:
		return "io"

	case TypeCfg0:
		return "cfg0"

	case TypeCfg1:
		return "cfg1"

	default:
		return fmt.Sprintf("Type(%#x)", uint32(t))
	}
}
