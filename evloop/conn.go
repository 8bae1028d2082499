package evloop

// Conn is an accepted connection handed to handlers.
//
// A Conn passed to a handler may already have been scheduled for removal by
// the time the handler runs. It stays usable for I/O until the event loop
// releases it at the end of the current iteration; after that Read and Write
// fail with ErrClosed.
type Conn interface {
	// Read drains every byte currently available without blocking.
	// An empty result means nothing was pending or the peer closed.
	Read() (data []byte, err error)

	// Write sends all of data, retrying partial sends.
	Write(data []byte) (err error)

	// Close asks the owning registry to schedule removal. The socket itself
	// is closed later by the event loop.
	Close() error

	Fd() int
	Ip() string
}

// Handler is bound to the on-accept or on-read slot of an EventLoop.
type Handler func(conn Conn)

// releaser is implemented by connections that own an OS socket.
type releaser interface {
	release() error
}
