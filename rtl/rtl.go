// Package rtl drives a Realtek 8125-class PCIe ethernet controller through
// its transmit and receive descriptor rings. Everything polls; no
// interrupts are used. The driver assumes the CPU caches and the DMA
// engine are not coherent: every ownership hand-off is preceded by a cache
// clean of the producer's writes and every poll of device-owned state is
// preceded by a cache invalidate. On coherent platforms (or uncached
// mappings) inject hw.NopCache.
//
// A Device is a single logical thread of control and is not safe for
// concurrent use.
package rtl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/c35s/bringup/hw"
)

var le = binary.LittleEndian

var (
	ErrConfig   = errors.New("rtl: invalid config")
	ErrReset    = errors.New("rtl: chip reset timed out")
	ErrOversize = errors.New("rtl: packet exceeds buffer capacity")
	ErrNoPacket = errors.New("rtl: no packet")
	ErrRxError  = errors.New("rtl: device reported receive error")
)

const (
	resetSettle   = 10 * time.Millisecond
	resetAttempts = 1000
	sendAttempts  = 10000
	pollInterval  = 10 * time.Microsecond
)

// Config describes the controller and the fixed physical memory carved out
// for its rings and buffers. Rings and buffers live for the life of the
// process; nothing is ever freed.
type Config struct {
	// Regs is register access to the controller's mapped BAR.
	Regs hw.Mem

	// RegBase is the host address the BAR is mapped at.
	RegBase uint64

	// MemAt returns the CPU view of DMA memory.
	MemAt hw.MemAt

	// Cache maintains coherency between the CPU and the DMA engine.
	Cache hw.CacheOps

	// TxDesc and RxDesc place the descriptor rings. TxBufs and RxBufs
	// place the data buffers, one fixed-capacity buffer per descriptor.
	TxDesc hw.Region
	RxDesc hw.Region
	TxBufs hw.Region
	RxBufs hw.Region

	// NumTxDesc and NumRxDesc are the ring lengths. Default 4.
	NumTxDesc int
	NumRxDesc int

	// BufSize is the capacity of each data buffer. Default 2048.
	BufSize int

	// CacheLine aligns cache maintenance ranges. Default 64.
	CacheLine int
}

// Device is an initialized controller.
type Device struct {
	cfg Config
	mac [6]byte

	txDesc []byte
	rxDesc []byte
	txBufs []byte
	rxBufs []byte

	txIdx int
	rxIdx int
}

// New resets and initializes the controller: it reads the station address,
// performs a software reset, primes both rings (every receive slot owned
// by the device, every transmit slot owned by the host), flushes the rings
// to memory, programs the ring base addresses and packet limits, and
// enables transmit and receive.
func New(cfg Config) (*Device, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	d := &Device{cfg: cfg}

	var err error
	if d.txDesc, err = cfg.MemAt(cfg.TxDesc.Addr, cfg.NumTxDesc*descSize); err != nil {
		return nil, fmt.Errorf("rtl: map TX ring: %w", err)
	}

	if d.rxDesc, err = cfg.MemAt(cfg.RxDesc.Addr, cfg.NumRxDesc*descSize); err != nil {
		return nil, fmt.Errorf("rtl: map RX ring: %w", err)
	}

	if d.txBufs, err = cfg.MemAt(cfg.TxBufs.Addr, cfg.NumTxDesc*cfg.BufSize); err != nil {
		return nil, fmt.Errorf("rtl: map TX buffers: %w", err)
	}

	if d.rxBufs, err = cfg.MemAt(cfg.RxBufs.Addr, cfg.NumRxDesc*cfg.BufSize); err != nil {
		return nil, fmt.Errorf("rtl: map RX buffers: %w", err)
	}

	for i := range d.mac {
		d.mac[i] = d.read8(regMAC0 + uint64(i))
	}

	d.write8(regChipCmd, cmdReset)
	time.Sleep(resetSettle)

	err = hw.Poll(resetAttempts, hw.Every(pollInterval), func() bool {
		return d.read8(regChipCmd)&cmdReset == 0
	})

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReset, err)
	}

	d.write8(regConfigLock, cfgUnlock)

	for i := 0; i < cfg.NumTxDesc; i++ {
		var status uint32
		if i == cfg.NumTxDesc-1 {
			status = descEOR
		}

		d.setDesc(d.txDesc, i, status, d.txBufAddr(i))
	}

	for i := 0; i < cfg.NumRxDesc; i++ {
		status := uint32(descOwn) | uint32(cfg.BufSize)
		if i == cfg.NumRxDesc-1 {
			status |= descEOR
		}

		d.setDesc(d.rxDesc, i, status, d.rxBufAddr(i))
	}

	// the device must observe the primed rings before it learns their address
	cfg.Cache.Clean(cfg.TxDesc.Addr, cfg.NumTxDesc*descSize)
	cfg.Cache.Clean(cfg.RxDesc.Addr, cfg.NumRxDesc*descSize)
	cfg.Regs.Barrier()

	d.write32(regTxDescStart, uint32(cfg.TxDesc.Addr))
	d.write32(regTxDescStartHigh, uint32(cfg.TxDesc.Addr>>32))
	d.write32(regRxDescStart, uint32(cfg.RxDesc.Addr))
	d.write32(regRxDescStartHigh, uint32(cfg.RxDesc.Addr>>32))

	d.write32(regTxConfig, txConfigDefault)
	d.write32(regRxConfig, rxConfigDefault)
	d.write16(regMaxRxPacketSize, uint16(cfg.BufSize))

	d.write8(regChipCmd, cmdTxEnable|cmdRxEnable)
	d.write8(regConfigLock, cfgLock)

	return d, nil
}

// MAC returns the controller's station address.
func (d *Device) MAC() [6]byte {
	return d.mac
}

// Send copies p into the current transmit slot's buffer, hands the slot to
// the device, signals the transmit poll register and waits for the device
// to return the slot. Payloads shorter than the minimum frame size are
// zero-padded. On timeout the ring index does not advance.
func (d *Device) Send(p []byte) error {
	if len(p) > d.cfg.BufSize {
		return fmt.Errorf("%w: %d > %d", ErrOversize, len(p), d.cfg.BufSize)
	}

	var (
		i   = d.txIdx
		buf = d.txBufs[i*d.cfg.BufSize:][:d.cfg.BufSize]
	)

	n := copy(buf, p)
	for n < minFrame {
		buf[n] = 0
		n++
	}

	// the device must observe the payload before it observes the descriptor
	a, sz := hw.AlignRange(d.txBufAddr(i), n, d.cfg.CacheLine)
	d.cfg.Cache.Clean(a, sz)

	status := uint32(descOwn|descFS|descLS) | uint32(n)
	if i == d.cfg.NumTxDesc-1 {
		status |= descEOR
	}

	d.setDesc(d.txDesc, i, status, d.txBufAddr(i))

	da, dsz := d.descRange(d.cfg.TxDesc, i)
	d.cfg.Cache.Clean(da, dsz)
	d.cfg.Regs.Barrier()

	d.write8(regTxPoll, txPollNormal)

	err := hw.Poll(sendAttempts, hw.Every(pollInterval), func() bool {
		d.cfg.Cache.Invalidate(da, dsz)
		return d.descStatus(d.txDesc, i)&descOwn == 0
	})

	if err != nil {
		return fmt.Errorf("rtl: transmit slot %d: %w", i, err)
	}

	d.txIdx = (d.txIdx + 1) % d.cfg.NumTxDesc
	return nil
}

// Receive waits for the device to hand over the current receive slot and
// copies the packet into p, stripping the trailing frame check sequence.
// If no packet arrives before the timeout it returns ErrNoPacket and the
// slot is left untouched. On every other outcome, including a
// device-reported receive error (returned as ErrRxError with the payload
// discarded), the slot is re-armed for the device before Receive returns.
func (d *Device) Receive(p []byte, timeout time.Duration) (int, error) {
	var (
		i       = d.rxIdx
		da, dsz = d.descRange(d.cfg.RxDesc, i)
	)

	attempts := int((timeout + pollInterval - 1) / pollInterval)
	if attempts < 1 {
		attempts = 1
	}

	err := hw.Poll(attempts, hw.Every(pollInterval), func() bool {
		d.cfg.Cache.Invalidate(da, dsz)
		return d.descStatus(d.rxDesc, i)&descOwn == 0
	})

	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNoPacket, err)
	}

	var (
		status = d.descStatus(d.rxDesc, i)
		n      int
		rxErr  error
	)

	if status&descRxError != 0 {
		rxErr = fmt.Errorf("%w: status %#08x", ErrRxError, status)
	} else {
		n = int(status&descLenMask) - fcsLen
		if n < 0 {
			n = 0
		}

		if n > d.cfg.BufSize {
			n = d.cfg.BufSize
		}

		a, sz := hw.AlignRange(d.rxBufAddr(i), n, d.cfg.CacheLine)
		d.cfg.Cache.Invalidate(a, sz)

		n = copy(p, d.rxBufs[i*d.cfg.BufSize:][:n])
	}

	// the slot goes back to the device whether or not the packet was good
	arm := uint32(descOwn) | uint32(d.cfg.BufSize)
	if i == d.cfg.NumRxDesc-1 {
		arm |= descEOR
	}

	d.setDesc(d.rxDesc, i, arm, d.rxBufAddr(i))
	d.cfg.Cache.Clean(da, dsz)

	d.rxIdx = (d.rxIdx + 1) % d.cfg.NumRxDesc
	return n, rxErr
}

func (d *Device) setDesc(ring []byte, i int, status uint32, buf uint64) {
	b := ring[i*descSize:]
	le.PutUint32(b[0:], status)
	le.PutUint32(b[4:], 0)
	le.PutUint32(b[8:], uint32(buf))
	le.PutUint32(b[12:], uint32(buf>>32))
}

func (d *Device) descStatus(ring []byte, i int) uint32 {
	return le.Uint32(ring[i*descSize:])
}

func (d *Device) descRange(r hw.Region, i int) (uint64, int) {
	return hw.AlignRange(r.Addr+uint64(i*descSize), descSize, d.cfg.CacheLine)
}

func (d *Device) txBufAddr(i int) uint64 {
	return d.cfg.TxBufs.Addr + uint64(i*d.cfg.BufSize)
}

func (d *Device) rxBufAddr(i int) uint64 {
	return d.cfg.RxBufs.Addr + uint64(i*d.cfg.BufSize)
}

func (d *Device) read8(off uint64) uint8 {
	return d.cfg.Regs.Read8(d.cfg.RegBase + off)
}

func (d *Device) write8(off uint64, v uint8) {
	d.cfg.Regs.Write8(d.cfg.RegBase+off, v)
}

func (d *Device) write16(off uint64, v uint16) {
	d.cfg.Regs.Write16(d.cfg.RegBase+off, v)
}

func (d *Device) write32(off uint64, v uint32) {
	d.cfg.Regs.Write32(d.cfg.RegBase+off, v)
}

func (c Config) withDefaults() Config {
	if c.NumTxDesc == 0 {
		c.NumTxDesc = 4
	}

	if c.NumRxDesc == 0 {
		c.NumRxDesc = 4
	}

	if c.BufSize == 0 {
		c.BufSize = 2048
	}

	if c.CacheLine == 0 {
		c.CacheLine = 64
	}

	return c
}

func (c Config) validate() error {
	if c.Regs == nil {
		return errors.New("no register access")
	}

	if c.MemAt == nil {
		return errors.New("no DMA memory access")
	}

	if c.Cache == nil {
		return errors.New("no cache maintenance")
	}

	if c.BufSize < minFrame {
		return fmt.Errorf("buffer size %d < minimum frame %d", c.BufSize, minFrame)
	}

	if c.BufSize > descLenMask {
		return fmt.Errorf("buffer size %d does not fit the descriptor length field", c.BufSize)
	}

	if want := uint64(c.NumTxDesc * descSize); c.TxDesc.Size < want {
		return fmt.Errorf("TX descriptor region %#x < %#x", c.TxDesc.Size, want)
	}

	if want := uint64(c.NumRxDesc * descSize); c.RxDesc.Size < want {
		return fmt.Errorf("RX descriptor region %#x < %#x", c.RxDesc.Size, want)
	}

	if want := uint64(c.NumTxDesc * c.BufSize); c.TxBufs.Size < want {
		return fmt.Errorf("TX buffer region %#x < %#x", c.TxBufs.Size, want)
	}

	if want := uint64(c.NumRxDesc * c.BufSize); c.RxBufs.Size < want {
		return fmt.Errorf("RX buffer region %#x < %#x", c.RxBufs.Size, want)
	}

	return nil
}
