package ping

import (
	"errors"
	"fmt"
	"time"

	"github.com/c35s/bringup/link"
)

var ErrNoReply = errors.New("ping: no reply")

const (
	defaultAttempts = 5
	defaultTimeout  = 2 * time.Second
	defaultPayload  = 32
)

// Pinger runs ICMP echo exchanges over a Link. It inspects every received
// frame and skips unrelated traffic (ARP, other flows) up to a bounded
// attempt budget. Pinger is a single thread of control; retry policy above
// it belongs to the caller.
type Pinger struct {
	Link link.Link
	Self Endpoint
	Peer Endpoint
	ID   uint16

	// Payload is sent with each request. Defaults to 32 counting bytes.
	Payload []byte

	// Attempts bounds how many frames are inspected per echo. Default 5.
	Attempts int

	// Timeout bounds each wait for a single frame. Default 2s.
	Timeout time.Duration

	buf []byte
}

// Ping sends one echo request and waits for the matching reply. It returns
// the round-trip time, or ErrNoReply once the attempt budget is spent.
func (p *Pinger) Ping(seq uint16) (time.Duration, error) {
	var (
		attempts = p.Attempts
		timeout  = p.Timeout
		payload  = p.Payload
	)

	if attempts == 0 {
		attempts = defaultAttempts
	}

	if timeout == 0 {
		timeout = defaultTimeout
	}

	if payload == nil {
		payload = make([]byte, defaultPayload)
		for i := range payload {
			payload[i] = byte(i)
		}
	}

	if p.buf == nil {
		p.buf = make([]byte, 2048)
	}

	req, err := BuildEcho(Echo{
		Src:     p.Self,
		Dst:     p.Peer,
		ID:      p.ID,
		Seq:     seq,
		Payload: payload,
	})

	if err != nil {
		return 0, err
	}

	start := time.Now()
	if err := p.Link.Send(req); err != nil {
		return 0, fmt.Errorf("ping: send: %w", err)
	}

	for i := 0; i < attempts; i++ {
		n, err := p.Link.Receive(p.buf, timeout)
		if err != nil {
			// a receive timeout or an error-flagged frame burns an attempt
			continue
		}

		e, err := ParseEcho(p.buf[:n])
		if err != nil {
			continue
		}

		if e.Reply && e.ID == p.ID && e.Seq == seq {
			return time.Since(start), nil
		}
	}

	return 0, fmt.Errorf("%w: seq %d after %d attempts", ErrNoReply, seq, attempts)
}
