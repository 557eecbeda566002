package domain

import (
	"net"

	"github.com/google/uuid"

	"ssrtunnel/pkg/cipher"
	"ssrtunnel/pkg/socks5"
)

// Stage is the current node in a Tunnel's protocol state machine. At most
// one stage is set on a tunnel at any time; the transition graph is acyclic
// except for the STREAMING/TLS_STREAMING self-loops.
type Stage int

const (
	StageHandshake Stage = iota // waiting for incoming read of client greeting
	StageHandshakeReplied
	StageHandshakeRejected // no-auth not offered; write 05 FF then die
	StageS5Request
	StageS5UDPAssoc
	StageResolveDone // waiting for getaddrinfo completion
	StageConnectingUpstream
	StageTLSConnecting
	StageTLSFirstPackage
	StageSSRAuthSent
	StageSSRWaitingFeedback
	StageSSRReceiptSent
	StageAuthCompletionDone
	StageStreaming
	StageTLSStreaming
	StageKill
)

func (s Stage) String() string {
	switch s {
	case StageHandshake:
		return "HANDSHAKE"
	case StageHandshakeReplied:
		return "HANDSHAKE_REPLIED"
	case StageHandshakeRejected:
		return "HANDSHAKE_REJECTED"
	case StageS5Request:
		return "S5_REQUEST"
	case StageS5UDPAssoc:
		return "S5_UDP_ASSOC"
	case StageResolveDone:
		return "RESOLVE_DONE"
	case StageConnectingUpstream:
		return "CONNECTING_UPSTREAM"
	case StageTLSConnecting:
		return "TLS_CONNECTING"
	case StageTLSFirstPackage:
		return "TLS_FIRST_PACKAGE"
	case StageSSRAuthSent:
		return "SSR_AUTH_SENT"
	case StageSSRWaitingFeedback:
		return "SSR_WAITING_FEEDBACK"
	case StageSSRReceiptSent:
		return "SSR_RECEIPT_SENT"
	case StageAuthCompletionDone:
		return "AUTH_COMPLETION_DONE"
	case StageStreaming:
		return "STREAMING"
	case StageTLSStreaming:
		return "TLS_STREAMING"
	case StageKill:
		return "KILL"
	default:
		return "UNKNOWN"
	}
}

// HalfState is the busy/done/idle status of one direction of one socket.
type HalfState int

const (
	HalfIdle HalfState = iota
	HalfBusy
	HalfDone
)

const (
	SocksVersion5    = 0x05
	CmdConnect       = 0x01
	CmdBind          = 0x02
	CmdUDPAssociate  = 0x03
	AtypIPv4         = 0x01
	AtypDomain       = 0x03
	AtypIPv6         = 0x04
	AuthNoneMethod   = 0x00
	AuthPasswordOnly = 0x02
	ReplyOK          = 0x00
	ReplyNotAllowed  = 0x02
	ReplyHostUnreach = 0x04
	ReplyRefused     = 0x05
)

// ReadBufSize is the fixed size of every discrete read buffer. Reused
// across operations; never re-armed until its bytes have been fully
// consumed, per the socket endpoint's buffer-aliasing rationale.
const ReadBufSize = 16 * 1024

// Socket is a bidirectional byte channel with independent read and write
// half-states. A half-state is `done` only between the completion callback
// firing and the state machine acknowledging it: the machine immediately
// transitions it to `idle` before issuing the next op.
type Socket struct {
	FD int

	ReadState  HalfState
	WriteState HalfState

	ReadBuf []byte
	ReadLen int

	// WriteBuf holds the unsent remainder of the write currently in
	// flight; WriteQueue holds writes queued behind it so that writes on
	// this socket stay serialized even though several stream chunks can
	// be extracted before the first one drains.
	WriteBuf   []byte
	WriteQueue [][]byte

	LastErr error

	// Addr is the resolved destination, set on the outgoing socket once
	// getaddrinfo or literal-address parsing completes.
	Addr *net.TCPAddr
}

func NewSocket(fd int) *Socket {
	return &Socket{FD: fd, ReadBuf: make([]byte, ReadBufSize)}
}

// TargetAddr is the destination parsed from the SOCKS5 request.
type TargetAddr struct {
	ATyp   byte
	Domain string // set when ATyp == AtypDomain
	IP     net.IP // set for ATyp IPv4/IPv6; a Domain target is never resolved locally
	Port   uint16
}

// Tunnel pairs one incoming (local) socket with one outgoing (upstream)
// socket or TLS session, and owns the per-session protocol state. Mutated
// only on the event loop thread that owns it.
type Tunnel struct {
	ID uuid.UUID

	Env *Environment // non-owning, outlives the tunnel

	Incoming *Socket
	Outgoing *Socket // nil once TLS transport takes over the upstream side

	Stage Stage

	Parser *socks5.Parser

	InitPkg []byte // the wire-format address block sent as the first upstream payload
	Target  TargetAddr

	Cipher *cipher.Context

	TLSMode bool

	// DecryptRemainder holds the trailing bytes of a wire frame that a read
	// (or a TLS delivery) cut off mid-frame, to be prepended to the next
	// chunk of ciphertext before it is handed back to Cipher.DecryptInPlace.
	DecryptRemainder []byte

	// pending holds bytes the SOCKS parser has already consumed into its
	// next phase (e.g. a client that pipelines its request behind the
	// greeting in one segment) but that haven't been re-fed to the parser
	// yet because the state machine is still waiting on a write completion
	// before it may act on them.
	pending []byte

	// Closed is set once teardown has run; further shutdown calls are a
	// no-op.
	Closed bool
}

func NewTunnel(id uuid.UUID, env *Environment, incoming *Socket) *Tunnel {
	return &Tunnel{
		ID:       id,
		Env:      env,
		Incoming: incoming,
		Stage:    StageHandshake,
		Parser:   socks5.NewParser(),
	}
}

func (t *Tunnel) SetPending(b []byte) {
	if len(b) == 0 {
		t.pending = nil
		return
	}
	t.pending = append([]byte(nil), b...)
}

func (t *Tunnel) TakePending() []byte {
	b := t.pending
	t.pending = nil
	return b
}
