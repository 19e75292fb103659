// Package link defines the frame transport boundary between the ring
// driver and packet-level code. A Link moves opaque ethernet frames and
// carries no protocol knowledge.
package link

import "time"

// Link sends and receives single frames. Implementations are not required
// to be safe for concurrent use.
type Link interface {
	// Send transmits one frame.
	Send(p []byte) error

	// Receive copies the next frame into p, waiting up to timeout.
	Receive(p []byte, timeout time.Duration) (int, error)
}
