package core

// Frame is one encoded envelope as it travels over the socket.
type Frame []byte

// SignalConnection abstracts the relay transport.
// Owned by the connection manager; the manager must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
