//go:build linux

package link

import (
	"fmt"
	"net"
	"time"

	"github.com/mdlayher/packet"
	"golang.org/x/sys/unix"
)

// Packet is a Link over an AF_PACKET socket bound to a kernel interface.
// It lets the packet layers run against an ordinary interface when no raw
// hardware window is available.
type Packet struct {
	c   *packet.Conn
	ifi *net.Interface
}

// ListenPacket opens an AF_PACKET socket on the named interface, receiving
// all ethertypes.
func ListenPacket(ifname string) (*Packet, error) {
	ifi, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("link: %w", err)
	}

	c, err := packet.Listen(ifi, packet.Raw, unix.ETH_P_ALL, nil)
	if err != nil {
		return nil, fmt.Errorf("link: listen %s: %w", ifname, err)
	}

	return &Packet{c: c, ifi: ifi}, nil
}

// HardwareAddr returns the bound interface's address.
func (l *Packet) HardwareAddr() net.HardwareAddr {
	return l.ifi.HardwareAddr
}

func (l *Packet) Send(p []byte) error {
	if len(p) < 14 {
		return fmt.Errorf("link: short frame (%d bytes)", len(p))
	}

	_, err := l.c.WriteTo(p, &packet.Addr{HardwareAddr: net.HardwareAddr(p[0:6])})
	return err
}

func (l *Packet) Receive(p []byte, timeout time.Duration) (int, error) {
	if err := l.c.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}

	n, _, err := l.c.ReadFrom(p)
	return n, err
}

func (l *Packet) Close() error {
	return l.c.Close()
}

var _ Link = (*Packet)(nil)
