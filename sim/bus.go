package sim

// Address decode. An access lands on the ATU register block, the DMA
// arena, or (through whichever translation region covers it) the
// configuration space or the controller's BAR. Reads that hit nothing
// return all-ones, like a terminated PCIe transaction; writes that hit
// nothing are dropped.

type targetKind int

const (
	targetNone targetKind = iota
	targetATU
	targetDMA
	targetCfg
	targetNIC
)

type target struct {
	kind   targetKind
	region int    // targetATU
	off    uint64 // offset within the target
}

func (d *Device) Read8(addr uint64) uint8 {
	return uint8(d.read(addr, 1))
}

func (d *Device) Read16(addr uint64) uint16 {
	return uint16(d.read(addr, 2))
}

func (d *Device) Read32(addr uint64) uint32 {
	return d.read(addr, 4)
}

func (d *Device) Write8(addr uint64, v uint8) {
	d.write(addr, 1, uint32(v))
}

func (d *Device) Write16(addr uint64, v uint16) {
	d.write(addr, 2, uint32(v))
}

func (d *Device) Write32(addr uint64, v uint32) {
	d.write(addr, 4, v)
}

// Barrier is a no-op: the model is program-order coherent.
func (d *Device) Barrier() {}

func (d *Device) read(addr uint64, width int) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch t := d.decode(addr); t.kind {
	case targetATU:
		return d.atuRead(t.region, t.off)

	case targetDMA:
		return d.dmaRead(t.off, width)

	case targetCfg:
		return d.cfgRead(uint32(t.off))

	case targetNIC:
		return d.nicRead(t.off, width)

	default:
		return ones(width)
	}
}

func (d *Device) write(addr uint64, width int, v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch t := d.decode(addr); t.kind {
	case targetATU:
		d.atuWrite(t.region, t.off, v)

	case targetDMA:
		d.dmaWrite(t.off, width, v)

	case targetCfg:
		d.cfgWrite(uint32(t.off), v)

	case targetNIC:
		d.nicWrite(t.off, width, v)
	}
}

func (d *Device) decode(addr uint64) target {
	atuBase := d.cfg.DBIBase + atuUnrollBase
	if addr >= atuBase && addr < atuBase+NumRegions*atuRegionSize {
		off := addr - atuBase
		return target{
			kind:   targetATU,
			region: int(off / atuRegionSize),
			off:    off % atuRegionSize,
		}
	}

	if d.cfg.DMA.Contains(addr, 1) {
		return target{kind: targetDMA, off: addr - d.cfg.DMA.Addr}
	}

	for i := range d.atu {
		r := &d.atu[i]
		if !d.active(r) {
			continue
		}

		base := join(r.baseLo, r.baseHi)
		limit := join(r.limitLo, r.limitHi)
		if addr < base || addr > limit {
			continue
		}

		bus := join(r.targetLo, r.targetHi) + (addr - base)

		switch r.ctrl1 {
		case atuTypeCfg0:
			return target{kind: targetCfg, off: bus}

		case atuTypeMem:
			if bus >= d.cfg.BAR2 && bus < d.cfg.BAR2+d.cfg.BARSize {
				return target{kind: targetNIC, off: bus - d.cfg.BAR2}
			}
		}
	}

	return target{kind: targetNone}
}

// active reports whether a region translates transactions. A region whose
// enable readback is being withheld is not operational.
func (d *Device) active(r *region) bool {
	return r.ctrl2&atuEnable != 0 && !d.cfg.EnableNever && r.pending == 0
}

func (d *Device) atuRead(i int, off uint64) uint32 {
	r := &d.atu[i]

	switch off {
	case atuCtrl1:
		return r.ctrl1

	case atuCtrl2:
		r.ctrl2Reads++
		if d.cfg.EnableNever {
			return r.ctrl2 &^ uint32(atuEnable)
		}

		if r.pending > 0 {
			r.pending--
			return r.ctrl2 &^ uint32(atuEnable)
		}

		return r.ctrl2

	case atuLowerBase:
		return r.baseLo

	case atuUpperBase:
		return r.baseHi

	case atuLowerLimit:
		return r.limitLo

	case atuUpperLimit:
		return r.limitHi

	case atuLowerTarget:
		return r.targetLo

	case atuUpperTarget:
		return r.targetHi

	default:
		return 0
	}
}

func (d *Device) atuWrite(i int, off uint64, v uint32) {
	r := &d.atu[i]

	switch off {
	case atuCtrl1:
		r.ctrl1 = v

	case atuCtrl2:
		r.ctrl2 = v
		if v&atuEnable != 0 {
			r.pending = d.cfg.EnableDelay
		}

	case atuLowerBase:
		r.baseLo = v

	case atuUpperBase:
		r.baseHi = v

	case atuLowerLimit:
		r.limitLo = v

	case atuUpperLimit:
		r.limitHi = v

	case atuLowerTarget:
		r.targetLo = v

	case atuUpperTarget:
		r.targetHi = v
	}
}

func (d *Device) cfgRead(off uint32) uint32 {
	d.cfgReads[off]++

	switch off {
	case cfgVendorID:
		return uint32(d.cfg.DeviceID)<<16 | uint32(d.cfg.VendorID)

	case cfgCommand:
		return uint32(d.pci.status)<<16 | uint32(d.pci.command)

	case cfgClassRev:
		return d.cfg.Class<<8 | uint32(d.cfg.Revision)

	default:
		if off >= cfgBAR0 && off < cfgBAR0+24 {
			return d.pci.bar[(off-cfgBAR0)/4]
		}

		return 0
	}
}

func (d *Device) cfgWrite(off uint32, v uint32) {
	switch off {
	case cfgCommand:
		d.pci.command = uint16(v) // status is read-only

	default:
		if off >= cfgBAR0 && off < cfgBAR0+24 {
			d.barWrite(int(off-cfgBAR0) / 4, v)
		}
	}
}

// barWrite implements BAR sizing: the stored value is masked by the BAR's
// size, so writing all-ones reads back as the size mask and writing the
// original address restores it. Only BAR2/BAR3 (one 64-bit memory BAR) are
// implemented; the rest are hardwired to zero.
func (d *Device) barWrite(i int, v uint32) {
	switch i {
	case 2:
		d.pci.bar[2] = v&^uint32(d.cfg.BARSize-1) | 0x4

	case 3:
		d.pci.bar[3] = v
	}
}

func (d *Device) dmaRead(off uint64, width int) uint32 {
	b := d.dma[off:]

	switch width {
	case 1:
		return uint32(b[0])

	case 2:
		return uint32(le.Uint16(b))

	default:
		return le.Uint32(b)
	}
}

func (d *Device) dmaWrite(off uint64, width int, v uint32) {
	b := d.dma[off:]

	switch width {
	case 1:
		b[0] = uint8(v)

	case 2:
		le.PutUint16(b, uint16(v))

	default:
		le.PutUint32(b, v)
	}
}

func join(lo, hi uint32) uint64 {
	return uint64(hi)<<32 | uint64(lo)
}

func ones(width int) uint32 {
	switch width {
	case 1:
		return 0xff

	case 2:
		return 0xffff

	default:
		return 0xffffffff
	}
}
