package pci_test

import (
	"errors"
	"testing"

	"github.com/c35s/bringup/atu"
	"github.com/c35s/bringup/hw"
	"github.com/c35s/bringup/pci"
	"github.com/c35s/bringup/sim"
	"github.com/google/go-cmp/cmp"
)

const dbiBase = 0xa40c00000

var (
	cfgWindow = hw.Region{Addr: 0xf3000000, Size: 1 << 20}
	memWindow = hw.Region{Addr: 0x9c0100000, Size: 1 << 16}
)

func newSpace(t *testing.T, scfg sim.Config) (*pci.Space, *sim.Device) {
	t.Helper()

	scfg.DBIBase = dbiBase
	d := sim.New(scfg)

	s, err := pci.New(pci.Config{
		ATU:       atu.New(d, dbiBase),
		Mem:       d,
		CfgWindow: cfgWindow,
		MemWindow: memWindow,
	})

	if err != nil {
		t.Fatal(err)
	}

	return s, d
}

func TestScan(t *testing.T) {
	t.Run("identity", func(t *testing.T) {
		s, _ := newSpace(t, sim.Config{})

		id, err := s.Scan()
		if err != nil {
			t.Fatal(err)
		}

		want := pci.Identity{
			Vendor:   0x10ec,
			Device:   0x8125,
			Class:    0x020000,
			Revision: 0x04,
		}

		if diff := cmp.Diff(want, id); diff != "" {
			t.Errorf("identity differs (-want +got):\n%s", diff)
		}
	})

	t.Run("no device", func(t *testing.T) {
		s, d := newSpace(t, sim.Config{VendorID: 0xffff})

		if _, err := s.Scan(); !errors.Is(err, pci.ErrNoDevice) {
			t.Fatalf("err = %v: want ErrNoDevice", err)
		}

		// enumeration aborts before reading the class code
		if got := d.ConfigReads(0x08); got != 0 {
			t.Errorf("class register read %d times, want 0", got)
		}
	})
}

func TestReadWrite(t *testing.T) {
	s, _ := newSpace(t, sim.Config{})

	if err := s.Write32(0x04, 0x0105, 0, false); err != nil {
		t.Fatal(err)
	}

	v, err := s.Read32(0x04, 0, false)
	if err != nil {
		t.Fatal(err)
	}

	if uint16(v) != 0x0105 {
		t.Errorf("command reads back %#04x, want 0x0105", uint16(v))
	}
}

func TestBAR(t *testing.T) {
	s, _ := newSpace(t, sim.Config{})

	bar, err := s.BAR(2)
	if err != nil {
		t.Fatal(err)
	}

	want := pci.BAR{Addr: 0x40000000, Size: 0x10000, Is64: true}
	if diff := cmp.Diff(want, bar); diff != "" {
		t.Errorf("BAR differs (-want +got):\n%s", diff)
	}

	// sizing is idempotent
	again, err := s.BAR(2)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(bar, again); diff != "" {
		t.Errorf("second probe differs (-first +second):\n%s", diff)
	}

	// the sizing probe must leave the register as it found it
	v, err := s.Read32(0x18, 0, false)
	if err != nil {
		t.Fatal(err)
	}

	if v != 0x40000004 {
		t.Errorf("BAR2 reads back %#x after sizing, want 0x40000004", v)
	}
}

func TestEnable(t *testing.T) {
	s, d := newSpace(t, sim.Config{})

	if err := s.Enable(0x40000000); err != nil {
		t.Fatal(err)
	}

	cmd := d.Command()

	if cmd&(1<<0) == 0 || cmd&(1<<1) == 0 || cmd&(1<<2) == 0 {
		t.Errorf("command = %#x: I/O, memory and bus master should be enabled", cmd)
	}

	if cmd&(1<<10) != 0 {
		t.Errorf("command = %#x: interrupt disable should be clear", cmd)
	}

	// Enable leaves the swing region in its memory role, so the
	// controller's registers are reachable through the memory window.
	mac := d.Read8(memWindow.Addr)
	if mac != 0x2e {
		t.Errorf("MAC[0] through the memory window = %#x, want 0x2e", mac)
	}
}

func TestConfigWindowFailure(t *testing.T) {
	s, _ := newSpace(t, sim.Config{EnableNever: true})

	v, err := s.Read32(0x00, 0, false)

	if !errors.Is(err, pci.ErrConfigAccess) {
		t.Fatalf("err = %v: want ErrConfigAccess", err)
	}

	if !errors.Is(err, hw.ErrTimeout) {
		t.Errorf("err = %v: should wrap hw.ErrTimeout", err)
	}

	if v != pci.Sentinel {
		t.Errorf("v = %#x, want the all-ones sentinel", v)
	}

	if err := s.Write32(0x04, 0, 0, false); !errors.Is(err, pci.ErrConfigAccess) {
		t.Errorf("write err = %v: want ErrConfigAccess", err)
	}
}
