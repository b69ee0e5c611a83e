//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms
// so the server runs on developer machines. Each connection is wrapped in a
// buffered reader; a monitor goroutine peeks for data and waits for Rearm
// before peeking again.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]*peekConn
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// peekConn reads through a bufio.Reader so readiness can be detected
// without consuming frame bytes.
type peekConn struct {
	net.Conn
	r     *bufio.Reader
	rearm chan struct{}
}

func (p *peekConn) Read(b []byte) (int, error) { return p.r.Read(b) }

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*peekConn),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Wrap returns the connection the server must read from.
func (e *Epoll) Wrap(conn net.Conn) net.Conn {
	return &peekConn{Conn: conn, r: bufio.NewReader(conn), rearm: make(chan struct{}, 1)}
}

// Add starts monitoring a connection returned by Wrap.
func (e *Epoll) Add(conn net.Conn) error {
	pc, ok := conn.(*peekConn)
	if !ok {
		pc = e.Wrap(conn).(*peekConn)
	}
	e.mu.Lock()
	e.conns[pc] = pc
	e.mu.Unlock()

	go e.monitor(pc)
	return nil
}

func (e *Epoll) monitor(pc *peekConn) {
	for {
		_, err := pc.r.Peek(1)

		select {
		case e.readyCh <- pc:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-pc.rearm:
		case <-e.done:
			return
		}

		e.mu.RLock()
		_, live := e.conns[pc]
		e.mu.RUnlock()
		if !live {
			return
		}
	}
}

// Rearm lets the monitor report the connection again after a read.
func (e *Epoll) Rearm(conn net.Conn) {
	if pc, ok := conn.(*peekConn); ok {
		select {
		case pc.rearm <- struct{}{}:
		default:
		}
	}
}

// Remove unregisters a connection from the fallback epoll.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	e.Rearm(conn)
	return nil
}

// Wait blocks until at least one connection is ready for reading and
// returns every connection that is ready.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]*peekConn)
	e.mu.Unlock()
	return nil
}

// socketFD has no meaning for the fallback.
func socketFD(conn net.Conn) int {
	return -1
}
