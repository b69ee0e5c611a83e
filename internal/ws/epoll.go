//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

const epollBatch = 128

// Epoll parks idle consumer sockets in the kernel. The server's event loop
// calls Wait and hands each readable connection to a worker, so an open
// connection holds no goroutine between frames.
type Epoll struct {
	fd int

	mu    sync.RWMutex
	byFD  map[int]net.Conn
	ready []unix.EpollEvent // reused by Wait, only the event loop touches it
}

// NewEpoll opens an epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:    fd,
		byFD:  make(map[int]net.Conn),
		ready: make([]unix.EpollEvent, epollBatch),
	}, nil
}

// Wrap returns conn unchanged; frames are read straight off the socket.
func (e *Epoll) Wrap(conn net.Conn) net.Conn { return conn }

// Rearm does nothing. Level-triggered interest stays armed.
func (e *Epoll) Rearm(net.Conn) {}

// Add watches conn for input and hang-up.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLHUP, Fd: int32(fd)}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}

	e.mu.Lock()
	e.byFD[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove stops watching conn.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.byFD, fd)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one watched connection is readable. A socket
// removed while the kernel was reporting it is left out of the result.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.ready, -1)
	if err != nil {
		return nil, err
	}

	conns := make([]net.Conn, 0, n)
	e.mu.RLock()
	for _, ev := range e.ready[:n] {
		if conn, ok := e.byFD[int(ev.Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Close releases the epoll instance. Watched connections stay open.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byFD = nil
	return unix.Close(e.fd)
}

// socketFD returns conn's descriptor without dup'ing it, or -1 when conn
// is not backed by a socket.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	if err := raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1
	}
	return fd
}
