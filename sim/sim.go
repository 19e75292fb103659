// Package sim models the hardware side of the bring-up stack in memory: a
// root complex with translation regions, a configuration space with sizing
// BARs, the network controller's register file, and a DMA engine working
// against a private arena. It implements hw.Mem and hw.MemAt so the real
// drivers run against it unchanged, in tests and in self-contained demos.
package sim

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/c35s/bringup/hw"
)

var le = binary.LittleEndian

// NumRegions is how many translation regions the model exposes.
const NumRegions = 8

// translation region registers, unrolled mode

const (
	atuUnrollBase = 0x300000
	atuRegionSize = 0x200

	atuCtrl1       = 0x00
	atuCtrl2       = 0x04
	atuLowerBase   = 0x08
	atuUpperBase   = 0x0c
	atuLowerLimit  = 0x10
	atuUpperLimit  = 0x14
	atuLowerTarget = 0x18
	atuUpperTarget = 0x1c

	atuEnable = 1 << 31

	atuTypeMem  = 0x0
	atuTypeCfg0 = 0x4
)

// configuration space

const (
	cfgVendorID = 0x00
	cfgCommand  = 0x04
	cfgClassRev = 0x08
	cfgBAR0     = 0x10
)

// controller registers

const (
	nicMAC0            = 0x00
	nicTxDescStart     = 0x20
	nicTxDescStartHigh = 0x24
	nicChipCmd         = 0x37
	nicIntrMask        = 0x38
	nicIntrStatus      = 0x3c
	nicTxConfig        = 0x40
	nicRxConfig        = 0x44
	nicConfigLock      = 0x50
	nicTxPoll          = 0x90
	nicMaxRxPacketSize = 0xda
	nicRxDescStart     = 0xe4
	nicRxDescStartHigh = 0xe8
)

const (
	chipCmdTxEnable = 0x04
	chipCmdRxEnable = 0x08
	chipCmdReset    = 0x10
)

// descriptor bits, from the device's point of view

const (
	descOwn     = 1 << 31
	descEOR     = 1 << 30
	descFS      = 1 << 29
	descLS      = 1 << 28
	descRxError = 1 << 21
	descLenMask = 0x3fff

	descSize = 16
	frameFCS = 4
)

// Handler consumes a transmitted frame and returns any reply frames to
// deliver into the receive ring.
type Handler func(frame []byte) [][]byte

// Loopback replies to every frame with a copy of itself.
func Loopback(frame []byte) [][]byte {
	cp := append([]byte(nil), frame...)
	return [][]byte{cp}
}

// Drop discards every frame.
func Drop(frame []byte) [][]byte {
	return nil
}

// Config describes the memory map and identity of the simulated system.
// The zero value gets workable defaults.
type Config struct {
	// DBIBase is where the root complex exposes its register block.
	// Default 0xa40c00000.
	DBIBase uint64

	// DMA is the arena backing descriptor rings and packet buffers.
	// Default 1M at 0x50000000.
	DMA hw.Region

	// Device identity. Defaults: vendor 0x10ec, device 0x8125, class
	// 0x020000, revision 0x04.
	VendorID uint16
	DeviceID uint16
	Class    uint32
	Revision uint8

	// BAR2 is the device-chosen address of the 64-bit memory BAR backing
	// the controller registers. Default 0x40000000, size 0x10000.
	BAR2    uint64
	BARSize uint64

	// MAC is the controller's station address.
	MAC [6]byte

	// Command is the initial config command register. Default has the
	// interrupt disable bit set.
	Command uint16

	// EnableDelay withholds a translation region's enable readback for the
	// first n polls after it is set. EnableNever withholds it forever.
	EnableDelay int
	EnableNever bool

	// ResetPolls is how many chip command reads still report the reset bit
	// after a software reset. Default 0: reset completes immediately.
	ResetPolls int

	// Handler handles transmitted frames. Default Loopback.
	Handler Handler
}

// Device is a simulated root complex with a network controller behind it.
type Device struct {
	cfg Config

	mu  sync.Mutex
	dma []byte

	atu [NumRegions]region
	pci pciState
	nic nicState

	cfgReads map[uint32]int
}

type region struct {
	ctrl1    uint32
	ctrl2    uint32
	baseLo   uint32
	baseHi   uint32
	limitLo  uint32
	limitHi  uint32
	targetLo uint32
	targetHi uint32

	pending    int // enable readbacks left to withhold
	ctrl2Reads int
}

type pciState struct {
	command uint16
	status  uint16
	bar     [6]uint32
}

type nicState struct {
	cmd     uint8
	cfgLock uint8

	intrMask   uint32
	intrStatus uint32
	txConfig   uint32
	rxConfig   uint32
	maxRx      uint16

	txBaseLo, txBaseHi uint32
	rxBaseLo, rxBaseHi uint32

	resetLeft int

	txIdx int
	rxIdx int

	rxq []rxFrame
}

type rxFrame struct {
	b   []byte
	bad bool
}

// New builds a simulated device.
func New(cfg Config) *Device {
	cfg = cfg.withDefaults()

	d := &Device{
		cfg:      cfg,
		dma:      make([]byte, cfg.DMA.Size),
		cfgReads: make(map[uint32]int),
	}

	d.pci.command = cfg.Command
	d.pci.bar[2] = uint32(cfg.BAR2)&^uint32(cfg.BARSize-1) | 0x4
	d.pci.bar[3] = uint32(cfg.BAR2 >> 32)

	return d
}

// MemAt returns the CPU view of the DMA arena, for use as a hw.MemAt.
func (d *Device) MemAt(addr uint64, size int) ([]byte, error) {
	if !d.cfg.DMA.Contains(addr, size) {
		return nil, fmt.Errorf("sim: %#x+%#x is outside the DMA arena", addr, size)
	}

	off := addr - d.cfg.DMA.Addr
	return d.dma[off : off+uint64(size)], nil
}

// QueueRx queues a frame for delivery into the receive ring.
func (d *Device) QueueRx(frame []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nic.rxq = append(d.nic.rxq, rxFrame{b: append([]byte(nil), frame...)})
	d.deliver()
}

// QueueRxError queues a descriptor with the receive error flag set. The
// driver should discard the payload and re-arm the slot.
func (d *Device) QueueRxError() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nic.rxq = append(d.nic.rxq, rxFrame{b: make([]byte, 60), bad: true})
	d.deliver()
}

// Ctrl2Reads reports how many times a region's enable register has been
// read.
func (d *Device) Ctrl2Reads(region int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.atu[region].ctrl2Reads
}

// ConfigReads reports how many 32-bit config reads hit the given offset.
func (d *Device) ConfigReads(off uint32) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfgReads[off]
}

// Command returns the config command register.
func (d *Device) Command() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pci.command
}

func (c Config) withDefaults() Config {
	if c.DBIBase == 0 {
		c.DBIBase = 0xa40c00000
	}

	if c.DMA.Size == 0 {
		c.DMA = hw.Region{Addr: 0x50000000, Size: 1 << 20}
	}

	if c.VendorID == 0 {
		c.VendorID = 0x10ec
	}

	if c.DeviceID == 0 {
		c.DeviceID = 0x8125
	}

	if c.Class == 0 {
		c.Class = 0x020000
	}

	if c.Revision == 0 {
		c.Revision = 0x04
	}

	if c.BAR2 == 0 {
		c.BAR2 = 0x40000000
	}

	if c.BARSize == 0 {
		c.BARSize = 0x10000
	}

	if c.MAC == ([6]byte{}) {
		c.MAC = [6]byte{0x2e, 0xc3, 0x69, 0x34, 0x7d, 0x31}
	}

	if c.Command == 0 {
		c.Command = 1 << 10 // interrupt disable
	}

	if c.Handler == nil {
		c.Handler = Loopback
	}

	return c
}

var _ hw.Mem = (*Device)(nil)
