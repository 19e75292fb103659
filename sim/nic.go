package sim

// Controller register file and descriptor ring engine. A write of the
// poll bit walks the transmit ring, hands each owned frame to the
// handler, and delivers any replies into the receive ring.

func (d *Device) nicRead(off uint64, width int) uint32 {
	switch off {
	case nicChipCmd:
		v := uint32(d.nic.cmd)
		if d.nic.resetLeft > 0 {
			d.nic.resetLeft--
			v |= chipCmdReset
		}
		return v

	case nicConfigLock:
		return uint32(d.nic.cfgLock)

	case nicIntrMask:
		return d.nic.intrMask

	case nicIntrStatus:
		return d.nic.intrStatus

	case nicTxConfig:
		return d.nic.txConfig

	case nicRxConfig:
		return d.nic.rxConfig

	case nicMaxRxPacketSize:
		return uint32(d.nic.maxRx)

	case nicTxDescStart:
		return d.nic.txBaseLo

	case nicTxDescStartHigh:
		return d.nic.txBaseHi

	case nicRxDescStart:
		return d.nic.rxBaseLo

	case nicRxDescStartHigh:
		return d.nic.rxBaseHi

	default:
		if off < nicMAC0+6 {
			return uint32(d.cfg.MAC[off-nicMAC0])
		}

		return 0
	}
}

func (d *Device) nicWrite(off uint64, width int, v uint32) {
	switch off {
	case nicChipCmd:
		if v&chipCmdReset != 0 {
			d.nic.cmd = 0
			d.nic.resetLeft = d.cfg.ResetPolls
			return
		}
		d.nic.cmd = uint8(v)

	case nicConfigLock:
		d.nic.cfgLock = uint8(v)

	case nicIntrMask:
		d.nic.intrMask = v

	case nicIntrStatus:
		d.nic.intrStatus &^= v // write 1 to clear

	case nicTxConfig:
		d.nic.txConfig = v

	case nicRxConfig:
		d.nic.rxConfig = v

	case nicMaxRxPacketSize:
		d.nic.maxRx = uint16(v)

	case nicTxDescStart:
		d.nic.txBaseLo = v
		d.nic.txIdx = 0

	case nicTxDescStartHigh:
		d.nic.txBaseHi = v

	case nicRxDescStart:
		d.nic.rxBaseLo = v
		d.nic.rxIdx = 0

	case nicRxDescStartHigh:
		d.nic.rxBaseHi = v

	case nicTxPoll:
		if v&0x01 != 0 {
			d.txPoll()
		}
	}
}

// txPoll drains the transmit ring: every descriptor the driver has handed
// over is read, its frame is passed to the handler, and ownership is
// returned. Replies are queued and delivered before the poll completes, so
// a loopback frame is visible to the driver as soon as the send is.
func (d *Device) txPoll() {
	if d.nic.cmd&chipCmdTxEnable == 0 {
		return
	}

	base := join(d.nic.txBaseLo, d.nic.txBaseHi)

	for {
		desc, ok := d.descSlice(base, d.nic.txIdx)
		if !ok {
			break
		}

		status := le.Uint32(desc)
		if status&descOwn == 0 {
			break
		}

		var (
			n    = int(status & descLenMask)
			addr = join(le.Uint32(desc[8:]), le.Uint32(desc[12:]))
		)

		if buf, ok := d.dmaSlice(addr, n); ok {
			frame := append([]byte(nil), buf...)
			for _, reply := range d.cfg.Handler(frame) {
				d.nic.rxq = append(d.nic.rxq, rxFrame{b: reply})
			}
		}

		le.PutUint32(desc, status&^uint32(descOwn))

		if status&descEOR != 0 {
			d.nic.txIdx = 0
		} else {
			d.nic.txIdx++
		}
	}

	d.deliver()
}

func (d *Device) nicRxReady() bool {
	return d.nic.cmd&chipCmdRxEnable != 0 && (d.nic.rxBaseLo != 0 || d.nic.rxBaseHi != 0)
}

// deliver moves queued frames into receive descriptors the driver owns out
// to the device. It stops at the first driver-owned slot: the rest of the
// queue waits for the ring to be re-armed.
func (d *Device) deliver() {
	if !d.nicRxReady() {
		return
	}

	base := join(d.nic.rxBaseLo, d.nic.rxBaseHi)

	for len(d.nic.rxq) > 0 {
		desc, ok := d.descSlice(base, d.nic.rxIdx)
		if !ok {
			return
		}

		status := le.Uint32(desc)
		if status&descOwn == 0 {
			return
		}

		f := d.nic.rxq[0]
		addr := join(le.Uint32(desc[8:]), le.Uint32(desc[12:]))

		if buf, ok := d.dmaSlice(addr, len(f.b)); ok {
			copy(buf, f.b)
		}

		next := status & descEOR // preserve end-of-ring, drop ownership and old length
		next |= descFS | descLS
		next |= uint32(len(f.b)+frameFCS) & descLenMask
		if f.bad {
			next |= descRxError
		}

		le.PutUint32(desc, next)

		d.nic.rxq = d.nic.rxq[1:]

		if status&descEOR != 0 {
			d.nic.rxIdx = 0
		} else {
			d.nic.rxIdx++
		}
	}
}

func (d *Device) descSlice(base uint64, idx int) ([]byte, bool) {
	return d.dmaSlice(base+uint64(idx)*descSize, descSize)
}

func (d *Device) dmaSlice(addr uint64, size int) ([]byte, bool) {
	if !d.cfg.DMA.Contains(addr, size) {
		return nil, false
	}

	off := addr - d.cfg.DMA.Addr
	return d.dma[off : off+uint64(size)], true
}
