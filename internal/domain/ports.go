package domain

// EventType is a bitmask of readiness conditions delivered by an EventLoop.
type EventType uint32

const (
	EventRead  EventType = 0x1
	EventWrite EventType = 0x4 // EPOLLOUT
)

// EventHandler is notified of fd readiness by an EventLoop implementation.
type EventHandler interface {
	HandleEvent(fd int, event EventType) error
}

// EventLoop is the single-threaded, cooperative dispatcher every socket and
// TLS operation suspends against. Multiple loops may run concurrently; each
// owns a disjoint set of tunnels and its own Environment.
type EventLoop interface {
	Register(fd int, events EventType) error
	Modify(fd int, events EventType) error
	Unregister(fd int) error
	Run(handler EventHandler) error
	Stop()
}

// Resolver performs asynchronous getaddrinfo-style resolution. Completion is
// delivered out of band (e.g. a UDP DNS socket registered on the same
// EventLoop); RequestID lets the caller correlate the response.
type Resolver interface {
	Resolve(host string, requestID uint16) error
}

// TLSTransport wraps an outer TLS session used in place of a raw outgoing
// socket. It exposes send-bytes and three upcalls: established, data, and
// shutting-down.
type TLSTransport interface {
	Send(b []byte) error
	OnEstablished(func())
	OnData(func([]byte))
	OnShuttingDown(func(error))
	Close() error
}
