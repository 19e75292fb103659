package rtl

// controller register offsets

const (
	regMAC0            = 0x0000 // station address, bytes 0-5 (8-bit)
	regMAR0            = 0x0008 // multicast filter
	regTxDescStart     = 0x0020 // TX descriptor ring base, low word
	regTxDescStartHigh = 0x0024 // TX descriptor ring base, high word
	regChipCmd         = 0x0037 // reset / TX enable / RX enable (8-bit)
	regIntrMask        = 0x0038
	regIntrStatus      = 0x003c
	regTxConfig        = 0x0040
	regRxConfig        = 0x0044
	regConfigLock      = 0x0050 // gates writes to protected config registers (8-bit)
	regTxPoll          = 0x0090 // transmit poll trigger (8-bit)
	regMaxRxPacketSize = 0x00da // (16-bit)
	regRxDescStart     = 0x00e4 // RX descriptor ring base, low word
	regRxDescStartHigh = 0x00e8 // RX descriptor ring base, high word
)

// chip command bits

const (
	cmdTxEnable = 0x04
	cmdRxEnable = 0x08
	cmdReset    = 0x10
)

// config lock register values

const (
	cfgUnlock = 0xc0
	cfgLock   = 0x00
)

// txPollNormal triggers transmission of the normal priority queue.
const txPollNormal = 0x01

// Descriptors are 16 bytes, little-endian: status word, VLAN word, and the
// 64-bit buffer address split into low and high words.
const descSize = 16

// descriptor status bits

const (
	descOwn = 1 << 31 // owned by the device
	descEOR = 1 << 30 // end of ring
	descFS  = 1 << 29 // first segment
	descLS  = 1 << 28 // last segment

	descRxError = 1 << 21 // receive error summary

	descLenMask = 0x3fff
)

// txConfigDefault sets interframe gap 3 and unlimited DMA burst.
const txConfigDefault = 3<<24 | 6<<8

// rxConfigDefault sets no RX FIFO threshold, unlimited DMA burst, and
// accepts broadcast, multicast and physical-match packets.
const rxConfigDefault = 7<<13 | 6<<8 | 0x0e

const (
	// minFrame is the shortest frame the controller transmits, excluding
	// the FCS. Shorter payloads are zero-padded.
	minFrame = 60

	// fcsLen is the frame check sequence included in the received length.
	fcsLen = 4
)
