// Command ssrtunnel runs a client-side SOCKS5 front-end: it terminates
// local SOCKS5 CONNECT sessions and tunnels their payload to a remote
// obfuscation server, optionally over TLS.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"ssrtunnel/internal/application"
	"ssrtunnel/internal/domain"
	"ssrtunnel/internal/infra/epoll"
	"ssrtunnel/pkg/logger"
)

func main() {
	listenHost := flag.String("listen-host", "0.0.0.0", "local address to accept SOCKS5 connections on")
	listenPort := flag.Int("listen-port", 1080, "local port to accept SOCKS5 connections on")
	remoteHost := flag.String("remote-host", "", "SSR upstream host")
	remotePort := flag.Int("remote-port", 8388, "SSR upstream port")
	udpEnabled := flag.Bool("udp", false, "accepted but not acted on: UDP ASSOCIATE always gets a control-plane reply only, with no relay")
	overTLS := flag.Bool("tls", false, "wrap the upstream connection in TLS")
	tlsServerName := flag.String("tls-server-name", "", "TLS server name to present during the handshake")
	protocol := flag.String("protocol", "origin", "obfuscation protocol: origin or auth_chain_a")
	obfuscation := flag.String("obfuscation", "", "obfuscation plugin name; when set, seeds the cipher's head_len padding from the initial package")
	password := flag.String("password", "", "pre-shared key used to derive the tunnel cipher")
	allowLoopback := flag.Bool("allow-loopback", false, "permit dialing loopback upstreams (development only)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log := logger.Setup(*debug)

	cfg := &domain.Config{
		ListenHost:    *listenHost,
		ListenPort:    *listenPort,
		RemoteHost:    *remoteHost,
		RemotePort:    *remotePort,
		UDPEnabled:    *udpEnabled,
		OverTLS:       *overTLS,
		TLSServerName: *tlsServerName,
		Protocol:      *protocol,
		Obfuscation:   *obfuscation,
		Password:      *password,
		AllowLoopback: *allowLoopback,
	}

	loop, err := epoll.New(log)
	if err != nil {
		log.Error("failed to create event loop", "error", err)
		os.Exit(1)
	}

	env := domain.NewEnvironment(cfg, application.DefaultCipherFactory)
	access := application.DefaultAccessPolicy(cfg.AllowLoopback)

	svc, err := application.NewTunnelService(loop, log, env, access)
	if err != nil {
		log.Error("failed to create tunnel service", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		svc.Shutdown()
	}()

	log.Info("ssrtunnel listening", "host", cfg.ListenHost, "port", cfg.ListenPort, "remote", cfg.RemoteHost, "tls", cfg.OverTLS)
	if err := svc.Start(); err != nil {
		log.Error("tunnel service stopped", "error", err)
		os.Exit(1)
	}
}
