// Package application implements the per-tunnel state machine:
// TunnelService dispatches every socket, DNS, and TLS completion into the
// stage transition table driving the SOCKS5-to-SSR handshake.
package application

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"ssrtunnel/internal/domain"
	"ssrtunnel/internal/infra/network"
	"ssrtunnel/internal/infra/resolver"
	"ssrtunnel/internal/infra/tlstransport"
	"ssrtunnel/pkg/cipher"
	"ssrtunnel/pkg/socks5"
)

// TunnelService owns the listener, the DNS resolver, and every live
// Tunnel's dispatch. One instance per event loop.
type TunnelService struct {
	log        *slog.Logger
	loop       domain.EventLoop
	env        *domain.Environment
	listenerFD int
	shutdownFD int
	resolver   *resolver.Resolver
	access     AccessPolicy

	fdToTunnel      map[int]*domain.Tunnel
	dnsToTunnel     map[uint16]uuid.UUID
	tlsWakeToTunnel map[int]*domain.Tunnel
	tlsByTunnel     map[uuid.UUID]*tlstransport.Transport

	nextDNSID uint16
}

// NewTunnelService binds the listener, the resolver's UDP socket, and the
// eventfd used to bring an external shutdown request onto the loop thread.
// It does not start accepting; call Start to enter the event loop.
func NewTunnelService(loop domain.EventLoop, log *slog.Logger, env *domain.Environment, access AccessPolicy) (*TunnelService, error) {
	lfd, err := network.ListenTCP(env.Config.ListenHost, env.Config.ListenPort)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	shutdownFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(lfd)
		return nil, fmt.Errorf("shutdown eventfd: %w", err)
	}

	s := &TunnelService{
		log:             log,
		loop:            loop,
		env:             env,
		listenerFD:      lfd,
		shutdownFD:      shutdownFD,
		access:          access,
		fdToTunnel:      make(map[int]*domain.Tunnel),
		dnsToTunnel:     make(map[uint16]uuid.UUID),
		tlsWakeToTunnel: make(map[int]*domain.Tunnel),
		tlsByTunnel:     make(map[uuid.UUID]*tlstransport.Transport),
	}

	res, err := resolver.New([4]byte{8, 8, 8, 8}, s.onDNSResponse)
	if err != nil {
		unix.Close(lfd)
		unix.Close(shutdownFD)
		return nil, fmt.Errorf("resolver: %w", err)
	}
	s.resolver = res

	return s, nil
}

func (s *TunnelService) Start() error {
	if err := s.loop.Register(s.listenerFD, domain.EventRead); err != nil {
		return fmt.Errorf("register listener: %w", err)
	}
	if err := s.loop.Register(s.resolver.FD(), domain.EventRead); err != nil {
		return fmt.Errorf("register resolver: %w", err)
	}
	if err := s.loop.Register(s.shutdownFD, domain.EventRead); err != nil {
		return fmt.Errorf("register shutdown eventfd: %w", err)
	}
	s.log.Info("tunnel service listening", "listen_fd", s.listenerFD)
	return s.loop.Run(s)
}

// ShutdownAll tears down every live tunnel this service owns. Only ever
// called on the loop's own goroutine, either directly by Start's caller
// before the loop is running or from HandleEvent's shutdownFD branch.
func (s *TunnelService) ShutdownAll() {
	s.env.Registry.ShutdownAll(func(t *domain.Tunnel) {
		s.shutdownTunnel(t, "shutdown all")
	})
}

// Shutdown requests an orderly teardown of every tunnel and stops the event
// loop. Safe to call from any goroutine, including a signal handler: it
// only writes to an eventfd. The actual ShutdownAll/Stop runs on the loop's
// own goroutine once HandleEvent dispatches that fd's readiness, so tunnel
// state is never touched off the loop thread.
func (s *TunnelService) Shutdown() {
	one := make([]byte, 8)
	binary.LittleEndian.PutUint64(one, 1)
	unix.Write(s.shutdownFD, one)
}

// HandleEvent implements domain.EventHandler; it is the single dispatch
// point every registered fd's readiness funnels through.
func (s *TunnelService) HandleEvent(fd int, event domain.EventType) error {
	if fd == s.listenerFD {
		return s.acceptNewClient()
	}
	if fd == s.shutdownFD {
		ack := make([]byte, 8)
		unix.Read(s.shutdownFD, ack)
		s.log.Info("shutdown requested")
		s.ShutdownAll()
		s.loop.Stop()
		return nil
	}
	if fd == s.resolver.FD() {
		if event&domain.EventRead != 0 {
			if err := s.resolver.HandleReadable(); err != nil {
				s.log.Warn("dns socket read failed", "error", err)
			}
		}
		return nil
	}
	if t, ok := s.tlsWakeToTunnel[fd]; ok {
		if tr, ok := s.tlsByTunnel[t.ID]; ok {
			tr.Drain()
		}
		return nil
	}

	t, ok := s.fdToTunnel[fd]
	if !ok || t.Closed {
		return nil
	}

	incoming := t.Incoming != nil && fd == t.Incoming.FD

	if event&domain.EventWrite != 0 {
		s.onWritable(t, incoming)
	}
	if !t.Closed && event&domain.EventRead != 0 {
		s.onReadable(t, incoming)
	}
	return nil
}

// --- accept ---------------------------------------------------------------

func (s *TunnelService) acceptNewClient() error {
	nfd, _, err := unix.Accept(s.listenerFD)
	if err != nil {
		if err == unix.EAGAIN {
			return nil
		}
		return fmt.Errorf("accept: %w", err)
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return fmt.Errorf("set nonblock: %w", err)
	}

	id := uuid.New()
	sock := domain.NewSocket(nfd)
	t := domain.NewTunnel(id, s.env, sock)
	s.env.Registry.Add(t)
	s.fdToTunnel[nfd] = t

	if err := s.loop.Register(nfd, domain.EventRead); err != nil {
		s.shutdownTunnel(t, "register incoming socket failed")
		return nil
	}

	s.log.Info("tunnel accepted", "tunnel", id, "fd", nfd)
	return nil
}

// --- read dispatch ----------------------------------------------------------

func (s *TunnelService) onReadable(t *domain.Tunnel, incoming bool) {
	sock := t.Incoming
	if !incoming {
		sock = t.Outgoing
	}
	if sock == nil || sock.ReadState == domain.HalfBusy {
		return
	}

	n, err := unix.Read(sock.FD, sock.ReadBuf)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		s.failIO(t, sock, "read", err)
		return
	}
	if n == 0 {
		s.shutdownTunnel(t, "peer closed connection")
		return
	}

	sock.ReadLen = n
	sock.ReadState = domain.HalfDone

	switch t.Stage {
	case domain.StageHandshake:
		if incoming {
			s.onHandshakeReadable(t)
		}
	case domain.StageS5Request:
		if incoming {
			s.onS5RequestReadable(t)
		}
	case domain.StageSSRWaitingFeedback:
		if !incoming {
			s.onFeedbackReadable(t)
		}
	case domain.StageStreaming:
		s.onStreamingReadable(t, incoming)
	case domain.StageTLSStreaming:
		if incoming {
			s.onTLSStreamingIncomingReadable(t)
		}
	default:
		sock.ReadState = domain.HalfIdle
	}
}

func (s *TunnelService) onHandshakeReadable(t *domain.Tunnel) {
	sock := t.Incoming
	data := sock.ReadBuf[:sock.ReadLen]
	sock.ReadState = domain.HalfIdle

	result, extra, err := t.Parser.Feed(data)
	if err != nil {
		s.log.Warn("bad greeting", "tunnel", t.ID, "error", err)
		s.shutdownTunnel(t, "protocol error: bad greeting")
		return
	}
	if result == socks5.NeedMore {
		return
	}

	t.SetPending(extra)
	noAuth := bytes.IndexByte(t.Parser.Greeting.Methods, domain.AuthNoneMethod) >= 0
	if noAuth {
		t.Stage = domain.StageHandshakeReplied
		s.send(t, t.Incoming, true, []byte{domain.SocksVersion5, domain.AuthNoneMethod})
	} else {
		t.Stage = domain.StageHandshakeRejected
		s.send(t, t.Incoming, true, []byte{domain.SocksVersion5, 0xFF})
	}
}

func (s *TunnelService) afterEnterS5Request(t *domain.Tunnel) {
	s.loop.Modify(t.Incoming.FD, domain.EventRead)
	extra := t.TakePending()
	if len(extra) == 0 {
		return
	}
	result, more, err := t.Parser.Feed(extra)
	s.processRequestResult(t, result, more, err)
}

func (s *TunnelService) onS5RequestReadable(t *domain.Tunnel) {
	sock := t.Incoming
	data := sock.ReadBuf[:sock.ReadLen]
	sock.ReadState = domain.HalfIdle

	result, extra, err := t.Parser.Feed(data)
	s.processRequestResult(t, result, extra, err)
}

func (s *TunnelService) processRequestResult(t *domain.Tunnel, result socks5.Result, extra []byte, err error) {
	if err != nil {
		switch err {
		case socks5.ErrUnsupportedAtyp, socks5.ErrUnsupportedVersion:
			s.log.Warn("protocol error", "tunnel", t.ID, "error", err)
			s.shutdownTunnel(t, "protocol error: "+err.Error())
		default:
			s.log.Warn("bad request", "tunnel", t.ID, "error", err)
			s.shutdownTunnel(t, "protocol error: bad request")
		}
		return
	}
	if result == socks5.NeedMore {
		return
	}

	req := t.Parser.Request
	switch req.Cmd {
	case domain.CmdBind:
		s.log.Warn("bind rejected", "tunnel", t.ID)
		s.shutdownTunnel(t, "bind not supported")
	case domain.CmdUDPAssociate:
		s.handleUDPAssociate(t)
	case domain.CmdConnect:
		s.handleConnect(t, req)
	default:
		s.shutdownTunnel(t, "unsupported command")
	}
	_ = extra // no 0-RTT pipelining beyond the request message; TODO if a client needs it
}

// --- CONNECT / dial ---------------------------------------------------------

func buildInitPackage(req socks5.Request) []byte {
	switch req.ATyp {
	case domain.AtypIPv4:
		buf := make([]byte, 1+net.IPv4len+2)
		buf[0] = domain.AtypIPv4
		copy(buf[1:1+net.IPv4len], req.IP.To4())
		binary.BigEndian.PutUint16(buf[1+net.IPv4len:], req.Port)
		return buf
	case domain.AtypIPv6:
		buf := make([]byte, 1+net.IPv6len+2)
		buf[0] = domain.AtypIPv6
		copy(buf[1:1+net.IPv6len], req.IP.To16())
		binary.BigEndian.PutUint16(buf[1+net.IPv6len:], req.Port)
		return buf
	case domain.AtypDomain:
		n := len(req.Domain)
		buf := make([]byte, 1+1+n+2)
		buf[0] = domain.AtypDomain
		buf[1] = byte(n)
		copy(buf[2:2+n], req.Domain)
		binary.BigEndian.PutUint16(buf[2+n:], req.Port)
		return buf
	default:
		return nil
	}
}

func buildReply(code byte, ip net.IP, port int) []byte {
	buf := []byte{domain.SocksVersion5, code, 0x00, domain.AtypIPv4, 0, 0, 0, 0, 0, 0}
	if ip4 := ip.To4(); ip4 != nil {
		copy(buf[4:8], ip4)
	}
	binary.BigEndian.PutUint16(buf[8:10], uint16(port))
	return buf
}

func (s *TunnelService) handleConnect(t *domain.Tunnel, req socks5.Request) {
	t.InitPkg = buildInitPackage(req)
	t.Target = domain.TargetAddr{ATyp: req.ATyp, Domain: req.Domain, IP: req.IP, Port: req.Port}

	headLen := 0
	if s.env.Config.Obfuscation != "" {
		headLen = cipher.HeadLen(t.InitPkg)
	}
	ctx, err := s.env.NewCipher(s.env.Config, cipher.MaxPlaintextChunk, headLen)
	if err != nil {
		s.log.Error("cipher init failed", "tunnel", t.ID, "error", err)
		s.shutdownTunnel(t, "cipher init failed")
		return
	}
	t.Cipher = ctx

	if s.env.Config.OverTLS {
		t.TLSMode = true
		s.startTLSConnect(t)
		return
	}

	s.resolveAndConnectUpstream(t)
}

// resolveAndConnectUpstream dials the configured SSR server, never the
// SOCKS5 client's requested destination: that destination only ever
// travels as data, inside the encrypted initial package, once this
// connection is up. A numeric RemoteHost skips resolution entirely;
// otherwise it goes through the same getaddrinfo suspension point as a
// client-requested domain would.
func (s *TunnelService) resolveAndConnectUpstream(t *domain.Tunnel) {
	cfg := s.env.Config
	if ip := net.ParseIP(cfg.RemoteHost); ip != nil {
		s.gateAndConnect(t, ip, cfg.RemotePort)
		return
	}

	t.Stage = domain.StageResolveDone
	id := s.nextDNSRequestID()
	s.dnsToTunnel[id] = t.ID
	if err := s.resolver.Resolve(cfg.RemoteHost, id); err != nil {
		delete(s.dnsToTunnel, id)
		s.replyAndKill(t, domain.ReplyHostUnreach)
	}
}

func (s *TunnelService) handleUDPAssociate(t *domain.Tunnel) {
	cfg := s.env.Config
	ip := net.ParseIP(cfg.ListenHost)
	if ip == nil {
		ip = net.IPv4zero
	}
	t.Stage = domain.StageS5UDPAssoc
	s.send(t, t.Incoming, true, buildReply(domain.ReplyOK, ip, cfg.ListenPort))
}

func (s *TunnelService) nextDNSRequestID() uint16 {
	s.nextDNSID++
	return s.nextDNSID
}

func (s *TunnelService) onDNSResponse(reqID uint16, ip net.IP, err error) {
	tid, ok := s.dnsToTunnel[reqID]
	if !ok {
		return
	}
	delete(s.dnsToTunnel, reqID)

	t, ok := s.env.Registry.Get(tid)
	if !ok || t.Closed {
		return
	}
	if err != nil {
		s.log.Warn("dns resolution failed", "tunnel", t.ID, "remote", s.env.Config.RemoteHost, "error", err)
		s.replyAndKill(t, domain.ReplyHostUnreach)
		return
	}

	s.gateAndConnect(t, ip, s.env.Config.RemotePort)
}

func (s *TunnelService) gateAndConnect(t *domain.Tunnel, ip net.IP, port int) {
	if !s.access(ip) {
		s.log.Info("access denied", "tunnel", t.ID, "ip", ip)
		s.replyAndKill(t, domain.ReplyNotAllowed)
		return
	}

	fd, err := network.DialUpstream(ip, port)
	if err != nil {
		s.log.Warn("connect failed", "tunnel", t.ID, "ip", ip, "error", err)
		s.replyAndKill(t, domain.ReplyRefused)
		return
	}

	sock := domain.NewSocket(fd)
	sock.Addr = &net.TCPAddr{IP: ip, Port: port}
	t.Outgoing = sock
	s.fdToTunnel[fd] = t
	t.Stage = domain.StageConnectingUpstream

	if err := s.loop.Register(fd, domain.EventWrite); err != nil {
		s.shutdownTunnel(t, "register outgoing socket failed")
	}
}

func (s *TunnelService) replyAndKill(t *domain.Tunnel, code byte) {
	t.Stage = domain.StageKill
	s.send(t, t.Incoming, true, buildReply(code, net.IPv4zero, 0))
}

func (s *TunnelService) finalizeConnect(t *domain.Tunnel) {
	if err := network.FinishConnect(t.Outgoing.FD); err != nil {
		s.log.Warn("connect refused", "tunnel", t.ID, "error", err)
		s.replyAndKill(t, domain.ReplyRefused)
		return
	}
	s.log.Info("connected to upstream", "tunnel", t.ID, "addr", t.Outgoing.Addr)
	t.Stage = domain.StageSSRAuthSent
	s.sendInitialPackage(t)
}

func (s *TunnelService) sendInitialPackage(t *domain.Tunnel) {
	frame, err := t.Cipher.EncryptInPlace(t.InitPkg)
	if err != nil {
		s.log.Error("initial package encrypt failed", "tunnel", t.ID, "error", err)
		s.shutdownTunnel(t, "cipher encrypt failed")
		return
	}
	s.send(t, t.Outgoing, false, frame)
}

func (s *TunnelService) onFeedbackReadable(t *domain.Tunnel) {
	sock := t.Outgoing
	raw := make([]byte, sock.ReadLen)
	copy(raw, sock.ReadBuf[:sock.ReadLen])
	sock.ReadState = domain.HalfIdle

	_, feedback, err := decryptFrames(t, raw)
	if err != nil {
		s.log.Error("feedback decrypt failed", "tunnel", t.ID, "error", err)
		s.shutdownTunnel(t, "cipher decrypt failed")
		return
	}
	if len(feedback) == 0 {
		// The challenge frame straddled two reads; wait for the rest before
		// deciding anything.
		return
	}
	t.Stage = domain.StageSSRReceiptSent
	s.send(t, t.Outgoing, false, feedback)
}

func (s *TunnelService) sendSuccessReply(t *domain.Tunnel) {
	reply := make([]byte, 0, 3+len(t.InitPkg))
	reply = append(reply, domain.SocksVersion5, domain.ReplyOK, 0x00)
	reply = append(reply, t.InitPkg...)
	t.Stage = domain.StageAuthCompletionDone
	s.send(t, t.Incoming, true, reply)
}

func (s *TunnelService) launchStreaming(t *domain.Tunnel) {
	if t.TLSMode {
		t.Stage = domain.StageTLSStreaming
		s.loop.Modify(t.Incoming.FD, domain.EventRead)
		return
	}
	t.Stage = domain.StageStreaming
	s.loop.Modify(t.Incoming.FD, domain.EventRead)
	s.loop.Modify(t.Outgoing.FD, domain.EventRead)
	s.drainDecryptRemainder(t)
}

// drainDecryptRemainder flushes any bytes the feedback handshake decoded
// past the challenge frame and buffered on DecryptRemainder. Edge-triggered
// epoll will not re-signal read-readiness for bytes the kernel already
// delivered, so pipelined application data arriving alongside the
// challenge would otherwise sit unread until the peer sent more.
func (s *TunnelService) drainDecryptRemainder(t *domain.Tunnel) {
	if len(t.DecryptRemainder) == 0 {
		return
	}
	pending := t.DecryptRemainder
	t.DecryptRemainder = nil

	plain, feedback, err := decryptFrames(t, pending)
	if err != nil {
		s.log.Warn("codec failure draining buffered stream data", "tunnel", t.ID, "error", err)
		s.shutdownTunnel(t, "codec failure")
		return
	}
	if len(feedback) > 0 && buildDebug {
		panic("ssrtunnel: cipher produced feedback outside handshake")
	}
	if len(plain) == 0 {
		return
	}
	s.send(t, t.Incoming, true, plain)
}

// --- streaming ---------------------------------------------------------------

func (s *TunnelService) onStreamingReadable(t *domain.Tunnel, incoming bool) {
	sock, dst, dstIsIncoming := t.Incoming, t.Outgoing, false
	if !incoming {
		sock, dst, dstIsIncoming = t.Outgoing, t.Incoming, true
	}

	out, err := extractAndTransform(t, sock, incoming)
	sock.ReadState = domain.HalfIdle
	if err != nil {
		s.log.Warn("codec failure during streaming", "tunnel", t.ID, "error", err)
		s.shutdownTunnel(t, "codec failure")
		return
	}
	if len(out) == 0 {
		return
	}
	s.send(t, dst, dstIsIncoming, out)
}

func (s *TunnelService) onTLSStreamingIncomingReadable(t *domain.Tunnel) {
	sock := t.Incoming
	out, err := extractAndTransform(t, sock, true)
	sock.ReadState = domain.HalfIdle
	if err != nil {
		s.log.Warn("codec failure during tls streaming", "tunnel", t.ID, "error", err)
		s.shutdownTunnel(t, "codec failure")
		return
	}
	if len(out) == 0 {
		return
	}
	tr, ok := s.tlsByTunnel[t.ID]
	if !ok {
		return
	}
	if err := tr.Send(out); err != nil {
		s.shutdownTunnel(t, "tls send failed")
	}
}

// --- TLS transport -----------------------------------------------------------

func (s *TunnelService) startTLSConnect(t *domain.Tunnel) {
	cfg := s.env.Config
	tr, err := tlstransport.Dial(fmt.Sprintf("%s:%d", cfg.RemoteHost, cfg.RemotePort), cfg.TLSServerName)
	if err != nil {
		s.log.Warn("tls dial failed", "tunnel", t.ID, "error", err)
		s.replyAndKill(t, domain.ReplyRefused)
		return
	}

	s.tlsByTunnel[t.ID] = tr
	s.tlsWakeToTunnel[tr.FD()] = t
	if err := s.loop.Register(tr.FD(), domain.EventRead); err != nil {
		s.shutdownTunnel(t, "register tls wake fd failed")
		return
	}

	tr.OnEstablished(func() { s.onTLSEstablished(t) })
	tr.OnData(func(b []byte) { s.onTLSData(t, b) })
	tr.OnShuttingDown(func(err error) { s.onTLSShuttingDown(t, err) })

	t.Stage = domain.StageTLSConnecting
}

func (s *TunnelService) onTLSEstablished(t *domain.Tunnel) {
	if t.Closed {
		return
	}
	tr, ok := s.tlsByTunnel[t.ID]
	if !ok {
		return
	}
	frame, err := t.Cipher.EncryptInPlace(t.InitPkg)
	if err != nil {
		s.log.Error("initial package encrypt failed", "tunnel", t.ID, "error", err)
		s.shutdownTunnel(t, "cipher encrypt failed")
		return
	}
	if err := tr.Send(frame); err != nil {
		s.shutdownTunnel(t, "tls send failed")
		return
	}
	t.Stage = domain.StageTLSFirstPackage
}

func (s *TunnelService) onTLSData(t *domain.Tunnel, b []byte) {
	if t.Closed {
		return
	}
	switch t.Stage {
	case domain.StageTLSFirstPackage:
		plain, feedback, err := decryptFrames(t, b)
		if err != nil {
			s.log.Error("tls feedback decrypt failed", "tunnel", t.ID, "error", err)
			s.shutdownTunnel(t, "cipher decrypt failed")
			return
		}
		if t.Cipher.NeedsFeedback() && len(feedback) == 0 {
			// Challenge frame not fully arrived yet.
			return
		}
		if len(feedback) > 0 {
			tr, ok := s.tlsByTunnel[t.ID]
			if !ok {
				return
			}
			if err := tr.Send(feedback); err != nil {
				s.shutdownTunnel(t, "tls send failed")
				return
			}
		}
		s.sendSuccessReply(t)
		if len(plain) > 0 {
			s.send(t, t.Incoming, true, plain)
		}
	case domain.StageTLSStreaming:
		plain, feedback, err := decryptFrames(t, b)
		if err != nil {
			s.log.Warn("tls decrypt failed", "tunnel", t.ID, "error", err)
			s.shutdownTunnel(t, "cipher decrypt failed")
			return
		}
		if len(feedback) > 0 {
			if buildDebug {
				panic("ssrtunnel: cipher produced feedback outside handshake")
			}
			return
		}
		if len(plain) == 0 {
			return
		}
		s.send(t, t.Incoming, true, plain)
	}
}

func (s *TunnelService) onTLSShuttingDown(t *domain.Tunnel, err error) {
	s.shutdownTunnel(t, fmt.Sprintf("tls shutting down: %v", err))
}

// --- writes ------------------------------------------------------------------

// send queues buf for sock, starting the write immediately if the socket
// isn't already mid-write. Writes on a given socket are serialized: a write
// is never issued while the previous one's completion hasn't fired.
func (s *TunnelService) send(t *domain.Tunnel, sock *domain.Socket, incoming bool, buf []byte) {
	if len(buf) == 0 {
		return
	}
	if sock.WriteState == domain.HalfBusy {
		sock.WriteQueue = append(sock.WriteQueue, buf)
		return
	}
	s.startWrite(t, sock, incoming, buf)
}

func (s *TunnelService) startWrite(t *domain.Tunnel, sock *domain.Socket, incoming bool, buf []byte) {
	sock.WriteState = domain.HalfBusy
	n, err := unix.Write(sock.FD, buf)
	if err != nil && err != unix.EAGAIN {
		s.failIO(t, sock, "write", err)
		return
	}
	if err == unix.EAGAIN {
		n = 0
	}
	if n < len(buf) {
		sock.WriteBuf = append([]byte(nil), buf[n:]...)
		s.loop.Modify(sock.FD, domain.EventRead|domain.EventWrite)
		return
	}
	s.completeWrite(t, sock, incoming)
}

func (s *TunnelService) onWritable(t *domain.Tunnel, incoming bool) {
	if !incoming && t.Stage == domain.StageConnectingUpstream {
		s.finalizeConnect(t)
		return
	}
	sock := t.Incoming
	if !incoming {
		sock = t.Outgoing
	}
	if sock == nil || len(sock.WriteBuf) == 0 {
		return
	}

	n, err := unix.Write(sock.FD, sock.WriteBuf)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		s.failIO(t, sock, "write", err)
		return
	}
	sock.WriteBuf = sock.WriteBuf[n:]
	if len(sock.WriteBuf) > 0 {
		return
	}
	s.loop.Modify(sock.FD, domain.EventRead)
	s.completeWrite(t, sock, incoming)
}

func (s *TunnelService) completeWrite(t *domain.Tunnel, sock *domain.Socket, incoming bool) {
	sock.WriteState = domain.HalfIdle
	if len(sock.WriteQueue) > 0 {
		next := sock.WriteQueue[0]
		sock.WriteQueue = sock.WriteQueue[1:]
		s.startWrite(t, sock, incoming, next)
		return
	}
	s.dispatchWriteComplete(t, incoming)
}

func (s *TunnelService) dispatchWriteComplete(t *domain.Tunnel, incoming bool) {
	switch t.Stage {
	case domain.StageHandshakeReplied:
		if incoming {
			t.Stage = domain.StageS5Request
			s.afterEnterS5Request(t)
		}
	case domain.StageHandshakeRejected:
		if incoming {
			s.shutdownTunnel(t, "method rejected: password-only offered")
		}
	case domain.StageS5UDPAssoc:
		if incoming {
			s.shutdownTunnel(t, "udp associate control-plane reply sent")
		}
	case domain.StageKill:
		if incoming {
			s.shutdownTunnel(t, "closed after error reply")
		}
	case domain.StageSSRAuthSent:
		if !incoming {
			if t.Cipher.NeedsFeedback() {
				t.Stage = domain.StageSSRWaitingFeedback
				s.loop.Modify(t.Outgoing.FD, domain.EventRead)
			} else {
				s.sendSuccessReply(t)
			}
		}
	case domain.StageSSRReceiptSent:
		if !incoming {
			s.sendSuccessReply(t)
		}
	case domain.StageAuthCompletionDone:
		if incoming {
			s.launchStreaming(t)
		}
	default:
		// STREAMING / TLS_STREAMING: nothing more to do once flushed.
	}
}

// --- teardown ------------------------------------------------------------------

func (s *TunnelService) failIO(t *domain.Tunnel, sock *domain.Socket, op string, err error) {
	sock.LastErr = err
	s.log.Error("io error", "tunnel", t.ID, "stage", t.Stage.String(), "op", op, "error", err)
	s.shutdownTunnel(t, fmt.Sprintf("%s error: %v", op, err))
}

// shutdownTunnel is the tunnel's "dying" callback: idempotent, cancels
// pending I/O by closing both sockets, and releases every owned resource.
func (s *TunnelService) shutdownTunnel(t *domain.Tunnel, reason string) {
	if t.Closed {
		return
	}
	t.Closed = true
	s.log.Info("closing tunnel", "tunnel", t.ID, "stage", t.Stage.String(), "reason", reason)

	if t.Incoming != nil {
		s.loop.Unregister(t.Incoming.FD)
		unix.Close(t.Incoming.FD)
		delete(s.fdToTunnel, t.Incoming.FD)
	}
	if t.Outgoing != nil {
		s.loop.Unregister(t.Outgoing.FD)
		unix.Close(t.Outgoing.FD)
		delete(s.fdToTunnel, t.Outgoing.FD)
	}
	if tr, ok := s.tlsByTunnel[t.ID]; ok {
		delete(s.tlsWakeToTunnel, tr.FD())
		delete(s.tlsByTunnel, t.ID)
		tr.Close()
	}

	s.env.Registry.Remove(t.ID)
	t.Cipher = nil
	t.InitPkg = nil
	t.Parser = nil
}
