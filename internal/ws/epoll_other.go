//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// On Linux, this is replaced by the real epoll implementation. This fallback
// allows developers on macOS/Windows to run the server without the epoll
// optimization.
type Epoll struct {
	mu        sync.Mutex
	watches   map[net.Conn]*watch
	readyCh   chan net.Conn // channel that receives connections with pending data
	done      chan struct{}
	closeOnce sync.Once
}

type watch struct {
	resume chan struct{}
	stop   chan struct{}
}

// peekConn lets the monitor wait for data without consuming it.
type peekConn struct {
	net.Conn
	r *bufio.Reader
}

func (p *peekConn) Read(b []byte) (int, error) { return p.r.Read(b) }

// NewEpoll creates a new fallback epoll instance that uses goroutines to
// monitor each connection for incoming data.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		watches: make(map[net.Conn]*watch),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Wrap must be applied to a connection before Add so the monitor can peek.
func (e *Epoll) Wrap(conn net.Conn) net.Conn {
	return &peekConn{Conn: conn, r: bufio.NewReader(conn)}
}

// Add registers a connection by spawning a goroutine that blocks until data
// is buffered, then reports the connection as ready.
func (e *Epoll) Add(conn net.Conn) error {
	w := &watch{resume: make(chan struct{}, 1), stop: make(chan struct{})}
	e.mu.Lock()
	e.watches[conn] = w
	e.mu.Unlock()

	go e.monitor(conn, w)
	return nil
}

// monitor reports readiness, then waits for Resume before peeking again so
// it never reads concurrently with the server.
func (e *Epoll) monitor(conn net.Conn, w *watch) {
	pc, _ := conn.(*peekConn)
	for {
		var err error
		if pc != nil {
			_, err = pc.r.Peek(1)
		}

		select {
		case e.readyCh <- conn:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
		// A closed or broken connection is reported once; the server's read
		// path removes it.
		if err != nil || pc == nil {
			return
		}

		select {
		case <-w.resume:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
	}
}

// Resume lets the monitor look for the next frame.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	w, ok := e.watches[conn]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

// Remove unregisters a connection from the fallback epoll.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	w, ok := e.watches[conn]
	delete(e.watches, conn)
	e.mu.Unlock()
	if ok {
		close(w.stop)
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading. It
// collects all currently ready connections from the channel and returns them.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}

	// Drain any additional ready connections without blocking.
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
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}
