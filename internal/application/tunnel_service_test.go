package application

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"ssrtunnel/internal/domain"
	"ssrtunnel/internal/infra/resolver"
	"ssrtunnel/internal/infra/tlstransport"
	"ssrtunnel/pkg/cipher"
	"ssrtunnel/pkg/socks5"
)

// fakeEventLoop is a no-op domain.EventLoop: the tests drive TunnelService
// by calling its handler methods directly instead of running a real epoll
// loop, so registration bookkeeping doesn't need to do anything.
type fakeEventLoop struct{}

func (fakeEventLoop) Register(fd int, events domain.EventType) error { return nil }
func (fakeEventLoop) Modify(fd int, events domain.EventType) error   { return nil }
func (fakeEventLoop) Unregister(fd int) error                        { return nil }
func (fakeEventLoop) Run(domain.EventHandler) error                  { return nil }
func (fakeEventLoop) Stop()                                          {}

// stopTrackingLoop wraps fakeEventLoop to observe whether Stop was called,
// without giving every other test a reason to care.
type stopTrackingLoop struct {
	fakeEventLoop
	stopped *bool
}

func (l stopTrackingLoop) Stop() { *l.stopped = true }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestService builds a TunnelService without binding a real listener:
// tests never exercise acceptNewClient. A real resolver is still wired up
// because HandleEvent unconditionally checks its fd, but Resolve is never
// called so no query actually leaves the box.
func newTestService(t *testing.T, cfg *domain.Config) *TunnelService {
	t.Helper()
	env := domain.NewEnvironment(cfg, DefaultCipherFactory)

	res, err := resolver.New([4]byte{8, 8, 8, 8}, func(uint16, net.IP, error) {})
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(res.FD()) })

	shutdownFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(shutdownFD) })

	return &TunnelService{
		log:             discardLogger(),
		loop:            fakeEventLoop{},
		env:             env,
		listenerFD:      -1,
		shutdownFD:      shutdownFD,
		resolver:        res,
		access:          DefaultAccessPolicy(cfg.AllowLoopback),
		fdToTunnel:      make(map[int]*domain.Tunnel),
		dnsToTunnel:     make(map[uint16]uuid.UUID),
		tlsWakeToTunnel: make(map[int]*domain.Tunnel),
		tlsByTunnel:     make(map[uuid.UUID]*tlstransport.Transport),
	}
}

func mustSocketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func writeAll(t *testing.T, fd int, b []byte) {
	t.Helper()
	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		require.NoError(t, err)
		b = b[n:]
	}
}

func readExact(t *testing.T, fd int, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	got := 0
	deadline := time.Now().Add(2 * time.Second)
	for got < n {
		m, err := unix.Read(fd, buf[got:])
		if err == unix.EAGAIN {
			require.True(t, time.Now().Before(deadline), "timed out waiting for %d bytes", n)
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		got += m
	}
	return buf
}

func buildGreeting() []byte {
	return []byte{0x05, 0x01, 0x00}
}

func buildConnectRequest(ip net.IP, port uint16) []byte {
	ip4 := ip.To4()
	buf := make([]byte, 4+net.IPv4len+2)
	buf[0], buf[1], buf[2], buf[3] = 0x05, 0x01, 0x00, domain.AtypIPv4
	copy(buf[4:4+net.IPv4len], ip4)
	binary.BigEndian.PutUint16(buf[4+net.IPv4len:], port)
	return buf
}

func newIncomingTunnel(svc *TunnelService, fd int) *domain.Tunnel {
	tun := domain.NewTunnel(uuid.New(), svc.env, domain.NewSocket(fd))
	svc.env.Registry.Add(tun)
	svc.fdToTunnel[fd] = tun
	return tun
}

func waitPoll(t *testing.T, fd int, events int16, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		require.True(t, remaining > 0, "timed out waiting for poll events on fd %d", fd)

		fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
		n, err := unix.Poll(fds, int(remaining.Milliseconds())+1)
		if err == unix.EINTR {
			continue
		}
		require.NoError(t, err)
		if n > 0 && fds[0].Revents&events != 0 {
			return
		}
	}
}

func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	header := make([]byte, 2)
	_, err := io.ReadFull(conn, header)
	require.NoError(t, err)
	n := binary.BigEndian.Uint16(header)
	payload := make([]byte, n)
	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)
	return append(header, payload...)
}

func TestConnectHappyPathPlainOrigin(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	upstreamConnCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			upstreamConnCh <- conn
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)

	cfg := &domain.Config{
		Password:      "test-secret",
		Protocol:      cipher.ProtocolOrigin,
		AllowLoopback: true,
		RemoteHost:    addr.IP.String(),
		RemotePort:    addr.Port,
	}
	svc := newTestService(t, cfg)

	clientFD, incomingFD := mustSocketpair(t)
	tun := newIncomingTunnel(svc, incomingFD)

	writeAll(t, clientFD, buildGreeting())
	svc.onReadable(tun, true)
	require.Equal(t, domain.StageS5Request, tun.Stage)
	greetingReply := readExact(t, clientFD, 2)
	require.Equal(t, []byte{domain.SocksVersion5, domain.AuthNoneMethod}, greetingReply)

	// The client asks for a destination that is never actually dialed: the
	// tunnel always connects to the configured remote server, and only
	// encodes this address into the initial package as data.
	requestedIP := net.ParseIP("93.184.216.34")
	writeAll(t, clientFD, buildConnectRequest(requestedIP, 80))
	svc.onReadable(tun, true)
	require.Equal(t, domain.StageConnectingUpstream, tun.Stage)
	require.NotNil(t, tun.Outgoing)
	t.Cleanup(func() { unix.Close(tun.Outgoing.FD) })
	initPkg := append([]byte(nil), tun.InitPkg...)

	require.Equal(t, addr.Port, tun.Outgoing.Addr.Port)
	require.True(t, tun.Outgoing.Addr.IP.Equal(addr.IP), "dial must target the configured remote server, not the client's requested address")

	waitPoll(t, tun.Outgoing.FD, unix.POLLOUT, 2*time.Second)
	svc.onWritable(tun, false)
	require.Equal(t, domain.StageStreaming, tun.Stage)

	successReply := readExact(t, clientFD, 3+len(initPkg))
	require.Equal(t, byte(domain.SocksVersion5), successReply[0])
	require.Equal(t, byte(domain.ReplyOK), successReply[1])
	require.Equal(t, initPkg, successReply[3:])

	upstream := <-upstreamConnCh
	defer upstream.Close()

	peer, err := cipher.NewContext([]byte("test-secret"), cipher.ProtocolOrigin, cipher.MaxPlaintextChunk, 0)
	require.NoError(t, err)
	peer = peer.Peer()

	initFrame := readFrame(t, upstream)
	plain, feedback, rest, err := peer.DecryptInPlace(initFrame)
	require.NoError(t, err)
	require.Empty(t, feedback)
	require.Empty(t, rest)
	require.Equal(t, initPkg, plain)

	writeAll(t, clientFD, []byte("GET / HTTP/1.1\r\n\r\n"))
	waitPoll(t, tun.Incoming.FD, unix.POLLIN, 2*time.Second)
	svc.onReadable(tun, true)

	appFrame := readFrame(t, upstream)
	appPlain, _, _, err := peer.DecryptInPlace(appFrame)
	require.NoError(t, err)
	require.Equal(t, []byte("GET / HTTP/1.1\r\n\r\n"), appPlain)

	serverReply := []byte("HTTP/1.1 200 OK\r\n\r\n")
	serverFrame, err := peer.EncryptInPlace(serverReply)
	require.NoError(t, err)
	_, err = upstream.Write(serverFrame)
	require.NoError(t, err)

	waitPoll(t, tun.Outgoing.FD, unix.POLLIN, 2*time.Second)
	svc.onReadable(tun, false)

	gotReply := readExact(t, clientFD, len(serverReply))
	require.Equal(t, serverReply, gotReply)
}

func TestFeedbackHandshakeAuthChainA(t *testing.T) {
	cfg := &domain.Config{Password: "shared-secret", Protocol: cipher.ProtocolAuthChainA}
	svc := newTestService(t, cfg)

	clientFD, incomingFD := mustSocketpair(t)
	serverFD, outgoingFD := mustSocketpair(t)

	tun := newIncomingTunnel(svc, incomingFD)
	tun.Outgoing = domain.NewSocket(outgoingFD)
	svc.fdToTunnel[outgoingFD] = tun
	tun.InitPkg = []byte{domain.AtypIPv4, 127, 0, 0, 1, 0x1F, 0x90}
	tun.Stage = domain.StageSSRWaitingFeedback

	ctx, err := cipher.NewContext([]byte("shared-secret"), cipher.ProtocolAuthChainA, cipher.MaxPlaintextChunk, 0)
	require.NoError(t, err)
	tun.Cipher = ctx
	peer := ctx.Peer()

	challenge := []byte("server-issued-challenge")
	challengeFrame, err := peer.EncryptInPlace(challenge)
	require.NoError(t, err)
	writeAll(t, serverFD, challengeFrame)

	waitPoll(t, tun.Outgoing.FD, unix.POLLIN, 2*time.Second)
	svc.onReadable(tun, false)
	require.Equal(t, domain.StageStreaming, tun.Stage)

	feedbackAnswer := readExact(t, serverFD, 20) // HMAC-SHA1 size
	require.Len(t, feedbackAnswer, 20)

	successReply := readExact(t, clientFD, 3+len(tun.InitPkg))
	require.Equal(t, byte(domain.SocksVersion5), successReply[0])
	require.Equal(t, byte(domain.ReplyOK), successReply[1])
	require.Equal(t, tun.InitPkg, successReply[3:])
}

func TestBindCommandRejected(t *testing.T) {
	cfg := &domain.Config{Password: "k", Protocol: cipher.ProtocolOrigin}
	svc := newTestService(t, cfg)

	_, incomingFD := mustSocketpair(t)
	tun := newIncomingTunnel(svc, incomingFD)
	tun.Stage = domain.StageS5Request
	tun.Parser.Request = socks5.Request{Cmd: domain.CmdBind}

	svc.processRequestResult(tun, socks5.ExecuteCommandNow, nil, nil)
	require.True(t, tun.Closed)
}

func TestUDPAssociateRepliesThenCloses(t *testing.T) {
	cfg := &domain.Config{Password: "k", Protocol: cipher.ProtocolOrigin, ListenHost: "127.0.0.1", ListenPort: 1080}
	svc := newTestService(t, cfg)

	clientFD, incomingFD := mustSocketpair(t)
	tun := newIncomingTunnel(svc, incomingFD)

	svc.handleUDPAssociate(tun)
	require.True(t, tun.Closed)

	reply := readExact(t, clientFD, 10)
	require.Equal(t, byte(domain.SocksVersion5), reply[0])
	require.Equal(t, byte(domain.ReplyOK), reply[1])
	require.Equal(t, uint16(1080), binary.BigEndian.Uint16(reply[8:10]))
}

func TestAccessPolicyDeniesLoopbackWithoutOverride(t *testing.T) {
	cfg := &domain.Config{Password: "k", Protocol: cipher.ProtocolOrigin, AllowLoopback: false}
	svc := newTestService(t, cfg)

	clientFD, incomingFD := mustSocketpair(t)
	tun := newIncomingTunnel(svc, incomingFD)

	svc.gateAndConnect(tun, net.ParseIP("127.0.0.1"), 9999)
	require.True(t, tun.Closed)

	reply := readExact(t, clientFD, 10)
	require.Equal(t, byte(domain.ReplyNotAllowed), reply[1])
}

func TestShutdownAllClosesEveryTunnelAndIsIdempotent(t *testing.T) {
	cfg := &domain.Config{Password: "k", Protocol: cipher.ProtocolOrigin}
	svc := newTestService(t, cfg)

	tunnels := make([]*domain.Tunnel, 0, 3)
	for i := 0; i < 3; i++ {
		_, incomingFD := mustSocketpair(t)
		tunnels = append(tunnels, newIncomingTunnel(svc, incomingFD))
	}
	require.Equal(t, 3, svc.env.Registry.Len())

	svc.ShutdownAll()
	for _, tun := range tunnels {
		require.True(t, tun.Closed)
	}
	require.Equal(t, 0, svc.env.Registry.Len())

	require.NotPanics(t, func() { svc.ShutdownAll() })
	svc.shutdownTunnel(tunnels[0], "already closed")
}

// TestShutdownSignalDispatchesOnLoopThread exercises the self-pipe path a
// signal handler is expected to use: Shutdown only touches the eventfd, and
// the actual ShutdownAll/Stop only happen once HandleEvent dispatches that
// fd's readiness, proving tunnel state is mutated on a single goroutine.
func TestShutdownSignalDispatchesOnLoopThread(t *testing.T) {
	cfg := &domain.Config{Password: "k", Protocol: cipher.ProtocolOrigin}
	svc := newTestService(t, cfg)

	stopped := false
	svc.loop = stopTrackingLoop{stopped: &stopped}

	_, incomingFD := mustSocketpair(t)
	tun := newIncomingTunnel(svc, incomingFD)
	require.Equal(t, 1, svc.env.Registry.Len())

	svc.Shutdown()
	require.False(t, tun.Closed, "Shutdown must not mutate tunnel state itself")

	waitPoll(t, svc.shutdownFD, unix.POLLIN, 2*time.Second)
	require.NoError(t, svc.HandleEvent(svc.shutdownFD, domain.EventRead))

	require.True(t, tun.Closed)
	require.Equal(t, 0, svc.env.Registry.Len())
	require.True(t, stopped)
}

func TestTLSDialFailureShutsDownTunnel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	freePort := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close()) // nothing listens here now; connect must fail

	cfg := &domain.Config{
		Password:      "k",
		Protocol:      cipher.ProtocolOrigin,
		OverTLS:       true,
		RemoteHost:    "127.0.0.1",
		RemotePort:    freePort,
		TLSServerName: "localhost",
	}
	svc := newTestService(t, cfg)

	clientFD, incomingFD := mustSocketpair(t)
	tun := newIncomingTunnel(svc, incomingFD)
	tun.TLSMode = true
	ctx, err := cipher.NewContext([]byte("k"), cipher.ProtocolOrigin, cipher.MaxPlaintextChunk, 0)
	require.NoError(t, err)
	tun.Cipher = ctx

	svc.startTLSConnect(tun)
	tr, ok := svc.tlsByTunnel[tun.ID]
	require.True(t, ok)

	waitPoll(t, tr.FD(), unix.POLLIN, 5*time.Second)
	require.NoError(t, svc.HandleEvent(tr.FD(), domain.EventRead))

	require.True(t, tun.Closed)
	require.NotContains(t, svc.tlsByTunnel, tun.ID)

	// A TLS dial failure that surfaces after Dial itself already returned
	// tears the tunnel down through onTLSShuttingDown, which does not
	// attempt a SOCKS5 reply; the client just observes the connection
	// close (incomingFD was closed by shutdownTunnel, so this read hits
	// EOF rather than blocking or returning EAGAIN).
	one := make([]byte, 1)
	n, err := unix.Read(clientFD, one)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
