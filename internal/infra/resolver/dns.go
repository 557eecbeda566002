// Package resolver performs asynchronous A-record lookups over a
// non-blocking UDP socket registered on the tunnel's own event loop,
// implementing domain.Resolver. It is the minimal external collaborator
// the tunnel state machine's getaddrinfo suspension point talks to.
package resolver

import (
	"errors"
	"net"

	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"ssrtunnel/internal/infra/network"
)

var ErrNoRecords = errors.New("resolver: no A records in response")

// Callback delivers a resolution outcome. requestID is the DNS message ID
// passed to Resolve, letting the caller correlate the response back to the
// tunnel that requested it.
type Callback func(requestID uint16, ip net.IP, err error)

// Resolver queries a fixed upstream recursive resolver over UDP.
type Resolver struct {
	fd         int
	upstream   *unix.SockaddrInet4
	onResponse Callback
}

// New binds the UDP socket used for outgoing queries. server is the
// recursive resolver's IPv4 address, e.g. {8, 8, 8, 8}.
func New(server [4]byte, onResponse Callback) (*Resolver, error) {
	fd, err := network.BindUDP()
	if err != nil {
		return nil, err
	}
	return &Resolver{
		fd:         fd,
		upstream:   &unix.SockaddrInet4{Port: 53, Addr: server},
		onResponse: onResponse,
	}, nil
}

func (r *Resolver) FD() int { return r.fd }

// Resolve sends an A-record query for host, tagged with requestID.
func (r *Resolver) Resolve(host string, requestID uint16) error {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true
	m.Id = requestID

	packed, err := m.Pack()
	if err != nil {
		return err
	}
	return unix.Sendto(r.fd, packed, 0, r.upstream)
}

// HandleReadable is called when the resolver's fd becomes readable; it
// unpacks the response and invokes the configured Callback.
func (r *Resolver) HandleReadable() error {
	buf := make([]byte, 512)
	n, _, err := unix.Recvfrom(r.fd, buf, 0)
	if err != nil {
		return err
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(buf[:n]); err != nil {
		return err
	}

	var resolved net.IP
	for _, ans := range msg.Answer {
		if a, ok := ans.(*dns.A); ok {
			resolved = a.A
			break
		}
	}

	if resolved == nil {
		r.onResponse(msg.Id, nil, ErrNoRecords)
		return nil
	}
	r.onResponse(msg.Id, resolved, nil)
	return nil
}
