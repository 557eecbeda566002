// Package tlstransport wraps an outgoing crypto/tls.Conn behind a
// send-bytes-plus-three-upcalls contract. crypto/tls has no epoll-driven
// API, so a single goroutine performs blocking reads and posts results
// through a one-slot-per-event mailbox drained on the owning event loop
// via an eventfd wakeup, keeping every mutation of tunnel state on the
// event loop goroutine even though the TLS I/O itself is not epoll-native.
package tlstransport

import (
	"crypto/tls"
	"encoding/binary"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

type msgKind int

const (
	kindEstablished msgKind = iota
	kindData
	kindShuttingDown
)

type mailboxMsg struct {
	kind msgKind
	data []byte
	err  error
}

// Transport is a client-side TLS session used in place of a raw outgoing
// socket when Config.OverTLS is set.
type Transport struct {
	conn atomic.Pointer[tls.Conn]

	wakeFD  int
	mailbox chan mailboxMsg
	closed  atomic.Bool

	onEstablished  func()
	onData         func([]byte)
	onShuttingDown func(error)
}

// Dial starts an asynchronous TLS connect to addr (host:port). Errors that
// occur during the handshake or afterward are delivered through
// OnShuttingDown, never returned from Dial itself, since the connect is a
// suspension point like every other socket operation in this module.
func Dial(addr, serverName string) (*Transport, error) {
	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		wakeFD:  wakeFD,
		mailbox: make(chan mailboxMsg, 32),
	}
	go t.run(addr, serverName)
	return t, nil
}

// FD returns the eventfd the caller should register on its EventLoop for
// read-readiness; Drain should be called whenever it fires.
func (t *Transport) FD() int { return t.wakeFD }

func (t *Transport) OnEstablished(fn func())        { t.onEstablished = fn }
func (t *Transport) OnData(fn func([]byte))          { t.onData = fn }
func (t *Transport) OnShuttingDown(fn func(error))   { t.onShuttingDown = fn }

func (t *Transport) run(addr, serverName string) {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: serverName, MinVersion: tls.VersionTLS12})
	if err != nil {
		t.push(mailboxMsg{kind: kindShuttingDown, err: err})
		return
	}
	t.conn.Store(conn)
	t.push(mailboxMsg{kind: kindEstablished})

	buf := make([]byte, 16*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.push(mailboxMsg{kind: kindData, data: chunk})
		}
		if err != nil {
			t.push(mailboxMsg{kind: kindShuttingDown, err: err})
			return
		}
	}
}

func (t *Transport) push(msg mailboxMsg) {
	if t.closed.Load() {
		return
	}
	t.mailbox <- msg
	one := make([]byte, 8)
	binary.LittleEndian.PutUint64(one, 1)
	unix.Write(t.wakeFD, one)
}

// Drain is called by the owning loop when FD() becomes readable. It
// clears the eventfd counter and dispatches every queued message inline,
// on the loop's own goroutine.
func (t *Transport) Drain() {
	ack := make([]byte, 8)
	unix.Read(t.wakeFD, ack)

	for {
		select {
		case msg := <-t.mailbox:
			t.dispatch(msg)
		default:
			return
		}
	}
}

func (t *Transport) dispatch(msg mailboxMsg) {
	switch msg.kind {
	case kindEstablished:
		if t.onEstablished != nil {
			t.onEstablished()
		}
	case kindData:
		if t.onData != nil {
			t.onData(msg.data)
		}
	case kindShuttingDown:
		if t.onShuttingDown != nil {
			t.onShuttingDown(msg.err)
		}
	}
}

// Send writes b to the TLS session. Only valid after OnEstablished has
// fired.
func (t *Transport) Send(b []byte) error {
	conn := t.conn.Load()
	if conn == nil {
		return unix.EINVAL
	}
	_, err := conn.Write(b)
	return err
}

func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if conn := t.conn.Load(); conn != nil {
		conn.Close()
	}
	return unix.Close(t.wakeFD)
}
