// Package server runs the accept loop that turns a TCP listener into a
// population of authenticated chat sessions (§4.5).
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/aonet-chat/aonet/internal/config"
	"github.com/aonet-chat/aonet/internal/fabric"
	"github.com/aonet-chat/aonet/internal/logging"
	"github.com/aonet-chat/aonet/internal/metrics"
	"github.com/aonet-chat/aonet/internal/recovery"
	"github.com/aonet-chat/aonet/internal/session"
	"github.com/aonet-chat/aonet/internal/tunnel"
)

// Server owns the listening socket, the routing fabric every session
// shares, and (optionally) the tunnel supervisor that exposes the
// listener publicly.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	fab *fabric.Fabric
	tun *tunnel.Supervisor

	listener net.Listener

	wg sync.WaitGroup
}

// New creates a Server bound to cfg but does not yet listen.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		fab:     fabric.New(logger, m),
	}
}

// Fabric exposes the routing fabric for introspection (status commands,
// tests) without giving callers a way to bypass session accounting.
func (s *Server) Fabric() *fabric.Fabric { return s.fab }

// Serve opens the listener, starts the accept loop, and — if
// cfg.Tunnel.Enabled — the tunnel supervisor, then blocks until ctx is
// canceled. On cancellation it stops accepting new connections and lets
// in-flight sessions drain; it does not forcibly close them (§4.5
// SUPPLEMENTED "graceful server shutdown").
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.cfg.Address(), err)
	}
	s.listener = ln
	s.logger.Info("server listening", logging.KeyAddress, ln.Addr().String())

	if s.cfg.Tunnel.Enabled {
		if err := s.startTunnel(ctx); err != nil {
			ln.Close()
			return err
		}
	}

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	<-ctx.Done()
	s.logger.Info("server shutting down", logging.KeyComponent, "server")
	ln.Close()
	if s.tun != nil {
		s.tun.Stop()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) startTunnel(ctx context.Context) error {
	tcfg := tunnel.Config{
		Command:        s.cfg.Tunnel.HelperPath,
		RelayServer:    s.cfg.Tunnel.Relay,
		LocalPort:      s.cfg.Port,
		URLTimeout:     s.cfg.Tunnel.ConnectTimeout,
		GraceTimeout:   s.cfg.Tunnel.GraceTimeout,
		ReconnectDelay: s.cfg.Tunnel.ReconnectDelay,
		AutoReconnect:  s.cfg.Tunnel.AutoReconnect,
	}
	callbacks := tunnel.Callbacks{
		OnConnected: func(url string) {
			s.logger.Info("tunnel connected", logging.KeyTunnelURL, url)
		},
		OnDisconnected: func() {
			s.logger.Warn("tunnel disconnected", logging.KeyComponent, "tunnel")
		},
		OnURLChange: func(url string) {
			s.logger.Info("tunnel url changed", logging.KeyTunnelURL, url)
		},
	}
	s.tun = tunnel.New(tcfg, callbacks, s.logger, s.metrics)

	url, err := s.tun.Start(ctx)
	if err != nil {
		return fmt.Errorf("server: start tunnel: %w", err)
	}
	s.logger.Info("tunnel established", logging.KeyTunnelURL, url)
	return nil
}

// acceptLoop accepts connections until the listener closes (on context
// cancellation) or ctx itself is done, spawning one session per
// connection and enforcing the max_connections cap (§4.5, §6).
func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "acceptLoop")

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Debug("accept error", logging.KeyError, err)
				return
			}
		}

		if s.fab.ConnectionCount() >= s.cfg.MaxConnections {
			s.logger.Debug("rejecting connection: at capacity",
				logging.KeyRemoteAddr, conn.RemoteAddr().String(),
				logging.KeyCount, s.fab.ConnectionCount())
			if s.metrics != nil {
				s.metrics.RecordConnectionRejected()
			}
			conn.Close()
			continue
		}

		if s.metrics != nil {
			s.metrics.RecordConnectionAccepted()
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger, "handleConnection")

	sess := session.New(conn, s.fab, s.logger, s.metrics)
	sess.Run()
}
