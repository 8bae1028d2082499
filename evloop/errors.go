package evloop

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateHandle = errors.New("duplicate handle")
	ErrInvalidState    = errors.New("invalid event loop state")
	ErrClosed          = errors.New("connection released")
	ErrPeerClosed      = errors.New("peer closed")
)

// errStopped is returned by processEvent when a shutdown was requested.
var errStopped = errors.New("loop stopped")

// SetupError is a failure to prepare the listening socket or the poller.
// It is returned by Listen before any event is processed.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string { return fmt.Sprintf("setup %s: %v", e.Op, e.Err) }
func (e *SetupError) Unwrap() error { return e.Err }

// MultiplexError means epoll_wait itself failed. The loop stops.
type MultiplexError struct {
	Err error
}

func (e *MultiplexError) Error() string { return fmt.Sprintf("multiplex: %v", e.Err) }
func (e *MultiplexError) Unwrap() error { return e.Err }

// AcceptError is a single failed accept. The loop logs it and continues.
type AcceptError struct {
	Err error
}

func (e *AcceptError) Error() string { return fmt.Sprintf("accept: %v", e.Err) }
func (e *AcceptError) Unwrap() error { return e.Err }

// WriteError is returned by Conn.Write. The connection stays registered.
type WriteError struct {
	Fd  int
	Err error
}

func (e *WriteError) Error() string { return fmt.Sprintf("write fd %d: %v", e.Fd, e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }
