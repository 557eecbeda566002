package application

import "net"

// AccessPolicy is the synchronous predicate asked before dialing upstream.
// It is evaluated against the resolved upstream IP address only; address
// families other than IPv4/IPv6 are denied by construction (the dial path
// never produces one).
type AccessPolicy func(ip net.IP) bool

var (
	loopbackV4       = mustParseCIDR("127.0.0.0/8")
	loopbackV4Mapped = mustParseCIDR("::ffff:127.0.0.0/104")
)

func mustParseCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// DefaultAccessPolicy denies loopback destinations — IPv4 127.0.0.0/8,
// IPv6 ::1, and IPv4-mapped ::ffff:127.0.0.0/8 — and permits everything
// else.
//
// Earlier client builds short-circuited this check to "allow all" in
// release mode because the deny branch sat under a debug-only guard; that
// behavior is not preserved here — the deny is enforced unconditionally
// (see DESIGN.md Open Question O1). Config.AllowLoopback exists only to
// unblock local development against a loopback test upstream and defaults
// to false.
func DefaultAccessPolicy(allowLoopback bool) AccessPolicy {
	return func(ip net.IP) bool {
		if allowLoopback {
			return true
		}
		if ip == nil {
			return false
		}
		if ip.IsLoopback() {
			return false
		}
		if loopbackV4.Contains(ip) || loopbackV4Mapped.Contains(ip) {
			return false
		}
		return true
	}
}
