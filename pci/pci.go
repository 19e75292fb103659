// Package pci enumerates and configures a single PCIe function reached
// through a shared "swing" translation region. Because the root complex has
// only a handful of translation regions, one region is reprogrammed back
// and forth between a configuration-space window and an ordinary memory
// window. Config-space access and memory access through the swing region
// are mutually exclusive: a caller must not interleave them except through
// the restore protocol, and nothing here is safe for concurrent use.
package pci

import (
	"errors"
	"fmt"

	"github.com/c35s/bringup/atu"
	"github.com/c35s/bringup/hw"
)

// configuration space register offsets

const (
	regVendorID = 0x00 // device ID in the high half-word
	regCommand  = 0x04 // status in the high half-word
	regClassRev = 0x08 // class code above the revision byte
	regBAR0     = 0x10
)

// command register bits

const (
	cmdIOEnable   = 1 << 0
	cmdMemEnable  = 1 << 1
	cmdBusMaster  = 1 << 2
	cmdIntDisable = 1 << 10
)

// Sentinel is the all-ones value a failed or absent config read yields.
const Sentinel = 0xffffffff

var (
	ErrConfig       = errors.New("pci: invalid config")
	ErrConfigAccess = errors.New("pci: config window setup failed")
	ErrNoDevice     = errors.New("pci: no device")
	ErrEnable       = errors.New("pci: memory space enable did not take")
)

// Config describes the windows the swing region swings between.
type Config struct {
	// ATU programs the translation regions.
	ATU *atu.ATU

	// Mem is raw access to the windows once they are mapped.
	Mem hw.Mem

	// SwingRegion is the translation region reprogrammed for each config
	// access. Defaults to region 1; region 0 is never touched.
	SwingRegion int

	// CfgWindow is the host address range mapped onto bus address 0 while
	// the swing region is in its configuration role.
	CfgWindow hw.Region

	// MemWindow is the host address range mapped onto the device's BAR
	// when the swing region is restored to its memory role.
	MemWindow hw.Region
}

// Space performs configuration-space access and enumeration.
type Space struct {
	cfg Config
}

// Identity is a function's vendor, device and class identification.
type Identity struct {
	Vendor   uint16
	Device   uint16
	Class    uint32 // 24-bit class code
	Revision uint8
}

// BAR describes one base address register.
type BAR struct {
	Addr uint64
	Size uint64
	IsIO bool
	Is64 bool
}

// New returns a Space over the given windows.
func New(cfg Config) (*Space, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	return &Space{cfg: cfg}, nil
}

// Read32 reads a 32-bit configuration space register. If restore is true
// and bar is nonzero, the swing region is programmed back to its memory
// role targeting bar before Read32 returns. If the configuration window
// cannot be set up the raw access is skipped and the returned value is the
// all-ones Sentinel alongside the error.
func (s *Space) Read32(off uint32, bar uint64, restore bool) (uint32, error) {
	if err := s.mapCfg(); err != nil {
		return Sentinel, err
	}

	s.cfg.Mem.Barrier()
	v := s.cfg.Mem.Read32(s.cfg.CfgWindow.Addr + uint64(off))

	if err := s.restore(bar, restore); err != nil {
		return v, err
	}

	return v, nil
}

// Write32 writes a 32-bit configuration space register. If the
// configuration window cannot be set up the raw access is skipped and the
// error reported. Restore semantics match Read32.
func (s *Space) Write32(off uint32, v uint32, bar uint64, restore bool) error {
	if err := s.mapCfg(); err != nil {
		return err
	}

	s.cfg.Mem.Write32(s.cfg.CfgWindow.Addr+uint64(off), v)
	s.cfg.Mem.Barrier()

	return s.restore(bar, restore)
}

// Scan reads the function's identity. A vendor ID of 0xffff or 0x0000
// means no device is present; Scan returns ErrNoDevice without reading
// the class code.
func (s *Space) Scan() (Identity, error) {
	v, err := s.Read32(regVendorID, 0, false)
	if err != nil {
		return Identity{}, err
	}

	id := Identity{
		Vendor: uint16(v),
		Device: uint16(v >> 16),
	}

	if id.Vendor == 0xffff || id.Vendor == 0x0000 {
		return Identity{}, fmt.Errorf("%w: vendor ID %#04x", ErrNoDevice, id.Vendor)
	}

	if v, err = s.Read32(regClassRev, 0, false); err != nil {
		return Identity{}, err
	}

	id.Class = v >> 8
	id.Revision = uint8(v)

	return id, nil
}

// Enable turns on memory space, bus mastering and I/O space and clears the
// interrupt disable bit, preserving the status half-word. It leaves the
// swing region in its memory role targeting bar, and fails if the memory
// space enable did not take.
func (s *Space) Enable(bar uint64) error {
	v, err := s.Read32(regCommand, bar, false)
	if err != nil {
		return err
	}

	var (
		cmd    = uint16(v)
		status = uint16(v >> 16)
	)

	cmd |= cmdMemEnable | cmdBusMaster | cmdIOEnable
	cmd &^= cmdIntDisable

	if err := s.Write32(regCommand, uint32(status)<<16|uint32(cmd), bar, false); err != nil {
		return err
	}

	if v, err = s.Read32(regCommand, bar, true); err != nil {
		return err
	}

	if uint16(v)&cmdMemEnable == 0 {
		return ErrEnable
	}

	return nil
}

// BAR probes one base address register using the standard all-ones sizing
// probe. The original register value is restored regardless of outcome.
// For a 64-bit memory BAR the upper half of the address is read from the
// next BAR slot.
func (s *Space) BAR(n int) (BAR, error) {
	off := uint32(regBAR0 + 4*n)

	orig, err := s.Read32(off, 0, false)
	if err != nil {
		return BAR{}, err
	}

	if err := s.Write32(off, 0xffffffff, 0, false); err != nil {
		return BAR{}, err
	}

	probe, probeErr := s.Read32(off, 0, false)

	// restore before anything else can fail
	if err := s.Write32(off, orig, 0, false); err != nil {
		return BAR{}, err
	}

	if probeErr != nil {
		return BAR{}, probeErr
	}

	var b BAR

	if probe&1 != 0 {
		b.IsIO = true
		b.Size = uint64(^(probe&0xfffffffc) + 1)
		b.Addr = uint64(orig & 0xfffffffc)
		return b, nil
	}

	b.Size = uint64(^(probe&0xfffffff0) + 1)
	b.Addr = uint64(orig & 0xfffffff0)

	if orig&0x6 == 0x4 {
		b.Is64 = true

		upper, err := s.Read32(off+4, 0, false)
		if err != nil {
			return BAR{}, err
		}

		b.Addr |= uint64(upper) << 32
	}

	return b, nil
}

// MapBAR programs the swing region into its stable memory-window role,
// mapping MemWindow onto the device address bar. Callers use it to
// establish ordinary register access after enumeration is done.
func (s *Space) MapBAR(bar uint64) error {
	err := s.cfg.ATU.Configure(s.cfg.SwingRegion, atu.TypeMem,
		s.cfg.MemWindow.Addr, bar, s.cfg.MemWindow.Size)

	if err != nil {
		return fmt.Errorf("%w: restore memory window: %w", ErrConfigAccess, err)
	}

	return nil
}

func (s *Space) mapCfg() error {
	err := s.cfg.ATU.Configure(s.cfg.SwingRegion, atu.TypeCfg0,
		s.cfg.CfgWindow.Addr, 0, s.cfg.CfgWindow.Size)

	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfigAccess, err)
	}

	return nil
}

func (s *Space) restore(bar uint64, restore bool) error {
	if !restore || bar == 0 {
		return nil
	}

	return s.MapBAR(bar)
}

func (c Config) withDefaults() Config {
	if c.SwingRegion == 0 {
		c.SwingRegion = 1
	}

	return c
}

func (c Config) validate() error {
	if c.ATU == nil {
		return errors.New("no ATU")
	}

	if c.Mem == nil {
		return errors.New("no register access")
	}

	if c.CfgWindow.Size == 0 {
		return errors.New("no config window")
	}

	if c.MemWindow.Size == 0 {
		return errors.New("no memory window")
	}

	return nil
}
