package core

// Frame is a raw signalling payload (UTF-8 JSON).
type Frame []byte

// SignalConnection abstracts the duplex signalling transport (a WebSocket
// in production). Inbound frames and the close event are delivered through
// callbacks wired at construction time.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
