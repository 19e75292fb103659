package ping_test

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/c35s/bringup/ping"
	"github.com/google/go-cmp/cmp"
)

var (
	src = ping.Endpoint{
		MAC: [6]byte{0x2e, 0xc3, 0x69, 0x34, 0x7d, 0x31},
		IP:  netip.MustParseAddr("192.168.10.2"),
	}

	dst = ping.Endpoint{
		MAC: [6]byte{0x38, 0xf7, 0xcd, 0xc8, 0xd9, 0x32},
		IP:  netip.MustParseAddr("192.168.10.1"),
	}
)

func TestEchoRoundTrip(t *testing.T) {
	want := ping.Echo{
		Src:     src,
		Dst:     dst,
		ID:      0x1234,
		Seq:     7,
		Payload: []byte("hello, peer"),
	}

	frame, err := ping.BuildEcho(want)
	if err != nil {
		t.Fatal(err)
	}

	// the IPv4 identification is fixed, not derived from the sequence
	if frame[18] != 0x12 || frame[19] != 0x34 {
		t.Errorf("IP identification = %#02x%02x, want 0x1234", frame[18], frame[19])
	}

	got, err := ping.ParseEcho(frame)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b netip.Addr) bool {
		return a == b
	})); diff != "" {
		t.Errorf("echo differs (-want +got):\n%s", diff)
	}

	if got.Reply {
		t.Error("request parsed as a reply")
	}
}

func TestParseEcho(t *testing.T) {
	t.Run("arp", func(t *testing.T) {
		frame := make([]byte, 60)
		frame[12] = 0x08
		frame[13] = 0x06

		if _, err := ping.ParseEcho(frame); !errors.Is(err, ping.ErrNotEcho) {
			t.Fatalf("err = %v: want ErrNotEcho", err)
		}
	})

	t.Run("short", func(t *testing.T) {
		if _, err := ping.ParseEcho(make([]byte, 10)); !errors.Is(err, ping.ErrNotEcho) {
			t.Fatalf("err = %v: want ErrNotEcho", err)
		}
	})

	t.Run("not icmp", func(t *testing.T) {
		frame, err := ping.BuildEcho(ping.Echo{Src: src, Dst: dst})
		if err != nil {
			t.Fatal(err)
		}

		frame[23] = 17 // rewrite the IP protocol to UDP
		if _, err := ping.ParseEcho(frame); !errors.Is(err, ping.ErrNotEcho) {
			t.Fatalf("err = %v: want ErrNotEcho", err)
		}
	})
}

func TestChecksum(t *testing.T) {
	// worked example from RFC 1071
	b := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	if got := ping.Checksum(b); got != 0x220d {
		t.Errorf("checksum = %#04x, want 0x220d", got)
	}
}

func TestReflect(t *testing.T) {
	req, err := ping.BuildEcho(ping.Echo{
		Src:     src,
		Dst:     dst,
		ID:      42,
		Seq:     1,
		Payload: []byte("ping"),
	})

	if err != nil {
		t.Fatal(err)
	}

	replies := ping.Reflect(req)
	if len(replies) != 1 {
		t.Fatalf("%d replies, want 1", len(replies))
	}

	e, err := ping.ParseEcho(replies[0])
	if err != nil {
		t.Fatal(err)
	}

	if !e.Reply {
		t.Error("reflected frame is not a reply")
	}

	if e.Src != dst || e.Dst != src {
		t.Error("reflected frame does not swap the endpoints")
	}

	if string(e.Payload) != "ping" {
		t.Errorf("payload = %q, want %q", e.Payload, "ping")
	}

	// replies and junk must not be reflected
	if got := ping.Reflect(replies[0]); got != nil {
		t.Error("a reply was reflected")
	}

	if got := ping.Reflect(make([]byte, 60)); got != nil {
		t.Error("junk was reflected")
	}
}

// queueLink records sent frames and hands out canned received frames in
// order.
type queueLink struct {
	sent [][]byte
	rxq  [][]byte
}

func (l *queueLink) Send(p []byte) error {
	l.sent = append(l.sent, append([]byte(nil), p...))
	return nil
}

func (l *queueLink) Receive(p []byte, timeout time.Duration) (int, error) {
	if len(l.rxq) == 0 {
		return 0, errors.New("no frame")
	}

	f := l.rxq[0]
	l.rxq = l.rxq[1:]
	return copy(p, f), nil
}

func TestPinger(t *testing.T) {
	t.Run("reply after noise", func(t *testing.T) {
		l := &queueLink{}
		p := &ping.Pinger{Link: l, Self: src, Peer: dst, ID: 99}

		reply, err := ping.BuildEcho(ping.Echo{
			Src:   dst,
			Dst:   src,
			ID:    99,
			Seq:   3,
			Reply: true,
		})

		if err != nil {
			t.Fatal(err)
		}

		arp := make([]byte, 60)
		arp[12] = 0x08
		arp[13] = 0x06

		l.rxq = [][]byte{arp, reply}

		rtt, err := p.Ping(3)
		if err != nil {
			t.Fatal(err)
		}

		if rtt <= 0 {
			t.Errorf("rtt = %v, want > 0", rtt)
		}

		if len(l.sent) != 1 {
			t.Errorf("%d frames sent, want 1", len(l.sent))
		}
	})

	t.Run("no reply", func(t *testing.T) {
		l := &queueLink{}
		p := &ping.Pinger{Link: l, Self: src, Peer: dst, ID: 99, Attempts: 3}

		if _, err := p.Ping(1); !errors.Is(err, ping.ErrNoReply) {
			t.Fatalf("err = %v: want ErrNoReply", err)
		}
	})
}
