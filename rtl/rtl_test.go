package rtl_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/c35s/bringup/atu"
	"github.com/c35s/bringup/hw"
	"github.com/c35s/bringup/rtl"
	"github.com/c35s/bringup/sim"
	"github.com/google/go-cmp/cmp"
)

const dbiBase = 0xa40c00000

var (
	memWindow = hw.Region{Addr: 0x9c0100000, Size: 1 << 16}

	txDesc = hw.Region{Addr: 0x50000000, Size: 0x1000}
	rxDesc = hw.Region{Addr: 0x50001000, Size: 0x1000}
	txBufs = hw.Region{Addr: 0x50002000, Size: 0x2000}
	rxBufs = hw.Region{Addr: 0x50004000, Size: 0x2000}
)

// opLog records cache maintenance and transmit poll trigger writes in
// order. The sim arena is coherent, so the ordering is what the tests
// check: a driver that cleans after signaling would corrupt real DMA but
// still move bytes here.
type opLog struct {
	ops []string
}

func (l *opLog) add(op string, addr uint64) {
	l.ops = append(l.ops, fmt.Sprintf("%s %#x", op, addr))
}

type loggedCache struct {
	log *opLog
}

func (c loggedCache) Clean(addr uint64, size int)      { c.log.add("clean", addr) }
func (c loggedCache) Invalidate(addr uint64, size int) { c.log.add("invalidate", addr) }

// loggedMem wraps register access to record the transmit poll trigger
// alongside the cache ops.
type loggedMem struct {
	hw.Mem
	log *opLog
}

func (m loggedMem) Write8(addr uint64, v uint8) {
	if addr == memWindow.Addr+0x90 {
		m.log.add("txpoll", addr)
	}

	m.Mem.Write8(addr, v)
}

func newDevice(t *testing.T, scfg sim.Config) (*rtl.Device, *sim.Device, *opLog) {
	t.Helper()

	scfg.DBIBase = dbiBase
	d := sim.New(scfg)

	// map the controller's BAR at the memory window
	a := atu.New(d, dbiBase)
	if err := a.Configure(1, atu.TypeMem, memWindow.Addr, 0x40000000, memWindow.Size); err != nil {
		t.Fatal(err)
	}

	log := new(opLog)

	dev, err := rtl.New(rtl.Config{
		Regs:    loggedMem{Mem: d, log: log},
		RegBase: memWindow.Addr,
		MemAt:   d.MemAt,
		Cache:   loggedCache{log: log},
		TxDesc:  txDesc,
		RxDesc:  rxDesc,
		TxBufs:  txBufs,
		RxBufs:  rxBufs,
	})

	if err != nil {
		t.Fatal(err)
	}

	return dev, d, log
}

func TestNew(t *testing.T) {
	dev, d, log := newDevice(t, sim.Config{})

	if got, want := dev.MAC(), [6]byte{0x2e, 0xc3, 0x69, 0x34, 0x7d, 0x31}; got != want {
		t.Errorf("MAC = %x, want %x", got, want)
	}

	regs := []struct {
		name string
		off  uint64
		want uint32
	}{
		{"TX ring base", 0x20, uint32(txDesc.Addr)},
		{"TX ring base high", 0x24, uint32(txDesc.Addr >> 32)},
		{"RX ring base", 0xe4, uint32(rxDesc.Addr)},
		{"RX ring base high", 0xe8, uint32(rxDesc.Addr >> 32)},
	}

	for _, r := range regs {
		if got := d.Read32(memWindow.Addr + r.off); got != r.want {
			t.Errorf("%s = %#x, want %#x", r.name, got, r.want)
		}
	}

	if got := d.Read16(memWindow.Addr + 0xda); got != 2048 {
		t.Errorf("max RX packet size = %d, want 2048", got)
	}

	if got := d.Read8(memWindow.Addr + 0x37); got&0x0c != 0x0c {
		t.Errorf("chip command = %#x: TX and RX should be enabled", got)
	}

	// both primed rings must be flushed before the device learns about them
	want := []string{
		fmt.Sprintf("clean %#x", txDesc.Addr),
		fmt.Sprintf("clean %#x", rxDesc.Addr),
	}

	if diff := cmp.Diff(want, log.ops); diff != "" {
		t.Errorf("init ops differ (-want +got):\n%s", diff)
	}
}

func TestSendReceive(t *testing.T) {
	t.Run("loopback", func(t *testing.T) {
		dev, _, _ := newDevice(t, sim.Config{})

		p := make([]byte, 100)
		for i := range p {
			p[i] = byte(i)
		}

		if err := dev.Send(p); err != nil {
			t.Fatal(err)
		}

		buf := make([]byte, 2048)
		n, err := dev.Receive(buf, time.Second)
		if err != nil {
			t.Fatal(err)
		}

		if n != len(p) {
			t.Fatalf("received %d bytes, want %d", n, len(p))
		}

		if !bytes.Equal(buf[:n], p) {
			t.Error("received payload differs from sent payload")
		}
	})

	t.Run("short frames are padded", func(t *testing.T) {
		dev, _, _ := newDevice(t, sim.Config{})

		p := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
		if err := dev.Send(p); err != nil {
			t.Fatal(err)
		}

		buf := make([]byte, 2048)
		n, err := dev.Receive(buf, time.Second)
		if err != nil {
			t.Fatal(err)
		}

		if n != 60 {
			t.Fatalf("received %d bytes, want the 60-byte minimum frame", n)
		}

		if !bytes.Equal(buf[:len(p)], p) {
			t.Error("payload head differs")
		}

		if !bytes.Equal(buf[len(p):n], make([]byte, n-len(p))) {
			t.Error("padding is not zero")
		}
	})

	t.Run("oversize", func(t *testing.T) {
		dev, _, _ := newDevice(t, sim.Config{})

		err := dev.Send(make([]byte, 2049))
		if !errors.Is(err, rtl.ErrOversize) {
			t.Fatalf("err = %v: want ErrOversize", err)
		}
	})

	t.Run("ring wrap", func(t *testing.T) {
		dev, d, _ := newDevice(t, sim.Config{})

		// both rings have 4 slots
		for i := 0; i < 10; i++ {
			p := []byte{byte(i), 1, 2, 3}

			if err := dev.Send(p); err != nil {
				t.Fatalf("send %d: %v", i, err)
			}

			buf := make([]byte, 2048)
			n, err := dev.Receive(buf, time.Second)
			if err != nil {
				t.Fatalf("receive %d: %v", i, err)
			}

			if n != 60 || buf[0] != byte(i) {
				t.Fatalf("receive %d: n=%d buf[0]=%d", i, n, buf[0])
			}
		}

		// the last slot of each ring still carries end-of-ring after full
		// passes, or the device would run off the ring
		for _, ring := range []hw.Region{txDesc, rxDesc} {
			desc, err := d.MemAt(ring.Addr+3*16, 4)
			if err != nil {
				t.Fatal(err)
			}

			if binary.LittleEndian.Uint32(desc)&(1<<30) == 0 {
				t.Errorf("ring at %#x: slot 3 lost its end-of-ring flag", ring.Addr)
			}
		}
	})
}

// TestCacheDiscipline checks the hand-off ordering: the payload and
// descriptor are cleaned before the poll register is written, and the
// descriptor and payload are invalidated before the CPU reads them.
func TestCacheDiscipline(t *testing.T) {
	dev, _, log := newDevice(t, sim.Config{})
	log.ops = nil

	if err := dev.Send(make([]byte, 100)); err != nil {
		t.Fatal(err)
	}

	want := []string{
		fmt.Sprintf("clean %#x", txBufs.Addr),
		fmt.Sprintf("clean %#x", txDesc.Addr),
		fmt.Sprintf("txpoll %#x", memWindow.Addr+0x90),
		fmt.Sprintf("invalidate %#x", txDesc.Addr),
	}

	if diff := cmp.Diff(want, log.ops); diff != "" {
		t.Errorf("send ops differ (-want +got):\n%s", diff)
	}

	log.ops = nil

	if _, err := dev.Receive(make([]byte, 2048), time.Second); err != nil {
		t.Fatal(err)
	}

	want = []string{
		fmt.Sprintf("invalidate %#x", rxDesc.Addr),
		fmt.Sprintf("invalidate %#x", rxBufs.Addr),
		fmt.Sprintf("clean %#x", rxDesc.Addr),
	}

	if diff := cmp.Diff(want, log.ops); diff != "" {
		t.Errorf("receive ops differ (-want +got):\n%s", diff)
	}
}

func TestReceiveTimeout(t *testing.T) {
	dev, d, _ := newDevice(t, sim.Config{Handler: sim.Drop})

	if err := dev.Send([]byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}

	var (
		timeout = 5 * time.Millisecond
		start   = time.Now()
		buf     = make([]byte, 2048)
	)

	_, err := dev.Receive(buf, timeout)
	if !errors.Is(err, rtl.ErrNoPacket) {
		t.Fatalf("err = %v: want ErrNoPacket", err)
	}

	if elapsed := time.Since(start); elapsed < timeout {
		t.Errorf("Receive returned after %v, want at least %v", elapsed, timeout)
	}

	// the slot is untouched: still owned by the device
	desc, memErr := d.MemAt(rxDesc.Addr, 4)
	if memErr != nil {
		t.Fatal(memErr)
	}

	if binary.LittleEndian.Uint32(desc)&(1<<31) == 0 {
		t.Error("RX slot 0 is no longer device-owned after a timeout")
	}
}

func TestReceiveError(t *testing.T) {
	dev, d, _ := newDevice(t, sim.Config{Handler: sim.Drop})

	d.QueueRxError()

	buf := make([]byte, 2048)
	n, err := dev.Receive(buf, time.Second)

	if !errors.Is(err, rtl.ErrRxError) {
		t.Fatalf("err = %v: want ErrRxError", err)
	}

	if n != 0 {
		t.Errorf("n = %d, want 0: the payload should be discarded", n)
	}

	// the slot goes back to the device, so the ring stays live
	desc, memErr := d.MemAt(rxDesc.Addr, 4)
	if memErr != nil {
		t.Fatal(memErr)
	}

	if binary.LittleEndian.Uint32(desc)&(1<<31) == 0 {
		t.Error("RX slot 0 was not re-armed after an error")
	}

	d.QueueRx([]byte{9, 8, 7, 6})

	n, err = dev.Receive(buf, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if n != 4 || buf[0] != 9 {
		t.Errorf("n=%d buf[0]=%d after re-arm, want 4 and 9", n, buf[0])
	}
}
