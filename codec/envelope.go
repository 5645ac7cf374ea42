package codec

import "fmt"

// MaxPayload is the largest payload an envelope may carry, matching the
// engine's legacy packet buffer.
const MaxPayload = 512

// Kind distinguishes engine traffic from liveness probes.
type Kind uint32

const (
	KindData Kind = iota
	KindHeartbeat
)

// Known reports whether k is a kind this version understands.
func (k Kind) Known() bool {
	return k == KindData || k == KindHeartbeat
}

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// Envelope is the unit of game-state data exchanged between nodes.
type Envelope struct {
	Payload   []byte
	Sender    uint32
	Recipient uint32
	Timestamp int64
	Kind      Kind
}

// Header is the routing part of an envelope.
type Header struct {
	Sender    uint32
	Recipient uint32
	Kind      Kind
}

// Header returns the routing fields of e.
func (e *Envelope) Header() Header {
	return Header{Sender: e.Sender, Recipient: e.Recipient, Kind: e.Kind}
}
