// Package ping builds and parses the ethernet/IPv4/ICMP echo frames used
// by the bring-up loopback test, and runs echo exchanges over a link. The
// transport underneath only moves opaque bytes.
package ping

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

var be = binary.BigEndian

const (
	etherTypeIPv4 = 0x0800
	etherTypeARP  = 0x0806

	ethHeaderLen  = 14
	icmpHeaderLen = 8

	protoICMP = 1

	// ipID is the fixed IPv4 identification. Echo frames never fragment.
	ipID = 0x1234
)

var ErrNotEcho = errors.New("ping: not an ICMP echo frame")

// Endpoint identifies one side of an echo exchange.
type Endpoint struct {
	MAC [6]byte
	IP  netip.Addr
}

// Echo is a parsed ICMP echo frame.
type Echo struct {
	Src     Endpoint
	Dst     Endpoint
	ID      uint16
	Seq     uint16
	Reply   bool
	Payload []byte
}

// BuildEcho marshals an echo request or reply into a complete ethernet
// frame: 14-byte ethernet header, 20-byte IPv4 header with the standard
// ones'-complement checksum, and an ICMP echo message.
func BuildEcho(e Echo) ([]byte, error) {
	if !e.Src.IP.Is4() || !e.Dst.IP.Is4() {
		return nil, fmt.Errorf("ping: endpoints must be IPv4")
	}

	typ := ipv4.ICMPTypeEcho
	if e.Reply {
		typ = ipv4.ICMPTypeEchoReply
	}

	msg := icmp.Message{
		Type: typ,
		Body: &icmp.Echo{
			ID:   int(e.ID),
			Seq:  int(e.Seq),
			Data: e.Payload,
		},
	}

	ib, err := msg.Marshal(nil)
	if err != nil {
		return nil, fmt.Errorf("ping: marshal ICMP: %w", err)
	}

	var (
		src = e.Src.IP.As4()
		dst = e.Dst.IP.As4()
		ip  = make([]byte, ipv4.HeaderLen)
	)

	ip[0] = byte(ipv4.Version<<4) | byte(ipv4.HeaderLen/4)
	be.PutUint16(ip[2:], uint16(ipv4.HeaderLen+len(ib)))
	be.PutUint16(ip[4:], ipID)
	ip[8] = 64 // TTL
	ip[9] = protoICMP
	copy(ip[12:16], src[:])
	copy(ip[16:20], dst[:])
	be.PutUint16(ip[10:], Checksum(ip))

	frame := make([]byte, 0, ethHeaderLen+len(ip)+len(ib))
	frame = append(frame, e.Dst.MAC[:]...)
	frame = append(frame, e.Src.MAC[:]...)
	frame = be.AppendUint16(frame, etherTypeIPv4)
	frame = append(frame, ip...)
	frame = append(frame, ib...)

	return frame, nil
}

// ParseEcho parses an ethernet frame as an ICMP echo request or reply.
// Anything else (ARP, other IP protocols, other ICMP types) yields
// ErrNotEcho.
func ParseEcho(frame []byte) (Echo, error) {
	if len(frame) < ethHeaderLen+ipv4.HeaderLen+icmpHeaderLen {
		return Echo{}, fmt.Errorf("%w: short frame (%d bytes)", ErrNotEcho, len(frame))
	}

	if t := be.Uint16(frame[12:14]); t != etherTypeIPv4 {
		return Echo{}, fmt.Errorf("%w: ethertype %#04x", ErrNotEcho, t)
	}

	ip := frame[ethHeaderLen:]

	ihl := int(ip[0]&0xf) * 4
	if ip[0]>>4 != ipv4.Version || ihl < ipv4.HeaderLen || len(ip) < ihl+icmpHeaderLen {
		return Echo{}, fmt.Errorf("%w: bad IPv4 header", ErrNotEcho)
	}

	if ip[9] != protoICMP {
		return Echo{}, fmt.Errorf("%w: IP protocol %d", ErrNotEcho, ip[9])
	}

	total := int(be.Uint16(ip[2:4]))
	if total < ihl || total > len(ip) {
		total = len(ip)
	}

	msg, err := icmp.ParseMessage(protoICMP, ip[ihl:total])
	if err != nil {
		return Echo{}, fmt.Errorf("%w: %w", ErrNotEcho, err)
	}

	body, ok := msg.Body.(*icmp.Echo)
	if !ok {
		return Echo{}, fmt.Errorf("%w: ICMP type %v", ErrNotEcho, msg.Type)
	}

	e := Echo{
		ID:      uint16(body.ID),
		Seq:     uint16(body.Seq),
		Payload: body.Data,
	}

	switch msg.Type {
	case ipv4.ICMPTypeEcho:

	case ipv4.ICMPTypeEchoReply:
		e.Reply = true

	default:
		return Echo{}, fmt.Errorf("%w: ICMP type %v", ErrNotEcho, msg.Type)
	}

	copy(e.Dst.MAC[:], frame[0:6])
	copy(e.Src.MAC[:], frame[6:12])
	e.Src.IP = netip.AddrFrom4([4]byte(ip[12:16]))
	e.Dst.IP = netip.AddrFrom4([4]byte(ip[16:20]))

	return e, nil
}

// Checksum computes the standard ones'-complement internet checksum.
func Checksum(b []byte) uint16 {
	var sum uint32

	for len(b) > 1 {
		sum += uint32(be.Uint16(b))
		b = b[2:]
	}

	if len(b) == 1 {
		sum += uint32(b[0]) << 8
	}

	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}

	return ^uint16(sum)
}

// Reflect answers echo requests with echo replies and ignores everything
// else. It is shaped to serve as a sim handler, closing the loop for
// self-contained ping runs.
func Reflect(frame []byte) [][]byte {
	e, err := ParseEcho(frame)
	if err != nil || e.Reply {
		return nil
	}

	b, err := BuildEcho(Echo{
		Src:     e.Dst,
		Dst:     e.Src,
		ID:      e.ID,
		Seq:     e.Seq,
		Reply:   true,
		Payload: e.Payload,
	})

	if err != nil {
		return nil
	}

	return [][]byte{b}
}
