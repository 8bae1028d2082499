//go:build linux
// +build linux

package evloop

import (
	"bytes"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const readChunkSize = 4096

// sockOps is the set of socket syscalls a connection needs.
type sockOps interface {
	// recv reads without blocking.
	recv(fd int, p []byte) (int, error)
	// send writes without raising SIGPIPE.
	send(fd int, p []byte) (int, error)
	// waitWritable blocks until fd accepts more data. timeout 0 waits forever.
	waitWritable(fd int, timeout time.Duration) error
}

type unixSock struct{}

func (unixSock) recv(fd int, p []byte) (int, error) {
	n, _, err := unix.Recvfrom(fd, p, unix.MSG_DONTWAIT)
	return n, err
}

func (unixSock) send(fd int, p []byte) (int, error) {
	return unix.SendmsgN(fd, p, nil, nil, unix.MSG_NOSIGNAL|unix.MSG_DONTWAIT)
}

func (unixSock) waitWritable(fd int, timeout time.Duration) error {
	msec := -1
	if timeout > 0 {
		msec = int(timeout / time.Millisecond)
		if msec == 0 {
			msec = 1
		}
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		n, err := unix.Poll(fds, msec)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return os.NewSyscallError("poll", err)
		}
		if n == 0 {
			return os.ErrDeadlineExceeded
		}
		// errors are reported by the next send
		return nil
	}
}

// fdConn is a Conn over a raw non-blocking socket descriptor.
type fdConn struct {
	fd           int
	ip           string
	sys          sockOps
	owner        *Registry
	wake         func()
	writeTimeout time.Duration

	// mu is held shared around every syscall on fd and exclusively by release,
	// so a released descriptor number is never touched again.
	mu       sync.RWMutex
	released bool

	// wmu keeps concurrent Writes from interleaving.
	wmu sync.Mutex
}

func newFdConn(fd int, ip string, owner *Registry, wake func(), writeTimeout time.Duration) *fdConn {
	return &fdConn{
		fd:           fd,
		ip:           ip,
		sys:          unixSock{},
		owner:        owner,
		wake:         wake,
		writeTimeout: writeTimeout,
	}
}

// Read drains the socket until it would block or the peer closes.
func (c *fdConn) Read() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.released {
		return nil, ErrClosed
	}

	var buf bytes.Buffer
	chunk := make([]byte, readChunkSize)

	for {
		n, err := c.sys.recv(c.fd, chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			if isInterrupted(err) {
				continue
			}
			if isTemporary(err) {
				break
			}
			return buf.Bytes(), os.NewSyscallError("recv", err)
		}
		if n == 0 {
			break
		}
	}

	return buf.Bytes(), nil
}

// Write sends the whole buffer. When the socket buffer is full it waits for
// the peer to drain it, for at most the configured write timeout.
func (c *fdConn) Write(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	for len(data) > 0 {
		n, err := c.sendOnce(data)
		if n > 0 {
			data = data[n:]
		}
		switch {
		case err == nil && n > 0:
			continue
		case err == ErrClosed:
			return &WriteError{Fd: c.fd, Err: ErrClosed}
		case err != nil && isInterrupted(err):
			continue
		case err != nil && !isTemporary(err):
			return &WriteError{Fd: c.fd, Err: os.NewSyscallError("send", err)}
		}

		if err := c.sys.waitWritable(c.fd, c.writeTimeout); err != nil {
			return &WriteError{Fd: c.fd, Err: err}
		}
	}
	return nil
}

func (c *fdConn) sendOnce(data []byte) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.released {
		return 0, ErrClosed
	}
	return c.sys.send(c.fd, data)
}

func (c *fdConn) Close() error {
	if c.owner == nil {
		return nil
	}
	if c.owner.remove(c) && c.wake != nil {
		c.wake()
	}
	return nil
}

// release closes the descriptor. Only the event loop calls it, once.
// The socket is shut down first: close alone does not wake a Write parked
// in poll, since poll holds its own reference to the socket.
func (c *fdConn) release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil
	}
	c.released = true
	if c.fd >= 0 {
		_ = unix.Shutdown(c.fd, unix.SHUT_RDWR)
	}
	return closeFd(c.fd)
}

// Fd returns the file descriptor of the connection.
func (c *fdConn) Fd() int {
	return c.fd
}

// Ip returns the ip of the peer.
func (c *fdConn) Ip() string {
	return c.ip
}
