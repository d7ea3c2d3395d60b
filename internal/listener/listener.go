// Package listener implements the transport front ends that accept a raw
// byte stream (plain TCP, TLS with per-server-name SNI certificates, and
// MQTT-over-WebSocket) and hand each accepted connection to
// internal/conn.Conn.
package listener

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/pyr33x/goqttd/internal/broker"
	"github.com/pyr33x/goqttd/internal/conn"
	"github.com/pyr33x/goqttd/internal/config"
	"github.com/pyr33x/goqttd/internal/domain"
	"github.com/pyr33x/goqttd/internal/logger"
	"github.com/pyr33x/goqttd/internal/workerpool"
)

// Deps is what every listener needs to hand an accepted connection to the
// connection state machine.
type Deps struct {
	Domains        *domain.Registry
	Broker         *broker.Broker
	Log            *logger.Logger
	ConnectTimeout time.Duration
	MaxConnections int32
	Pool           *workerpool.Pool
}

// Serve dispatches cfg.Proto to the matching activator and blocks until ctx
// is cancelled or the listener fails. Recognized proto aliases: "mqtt"
// (plain TCP), "mqtt-tls"/"tls"/"ssl"/"mqtt-ssl" (TLS with optional
// per-server-name SNI certs), "mqtt-ws"/"ws" (WebSocket), "mqtt-wss"/"wss"
// (WebSocket over TLS).
func Serve(ctx context.Context, cfg config.ListenerConfig, deps Deps) error {
	switch cfg.Proto {
	case "", "mqtt", "tcp":
		return serveTCP(ctx, cfg, deps, nil)
	case "mqtt-tls", "tls", "ssl", "mqtt-ssl":
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return err
		}
		return serveTCP(ctx, cfg, deps, tlsConfig)
	case "mqtt-ws", "ws":
		return serveWS(ctx, cfg, deps, nil)
	case "mqtt-wss", "wss":
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return err
		}
		return serveWS(ctx, cfg, deps, tlsConfig)
	default:
		return fmt.Errorf("listener: unknown proto %q", cfg.Proto)
	}
}

// buildTLSConfig wires the listener's default cert/key and any
// per-server-name overrides through crypto/tls.Config.GetCertificate. Each
// configured server name is loaded once at startup rather than on every
// handshake.
func buildTLSConfig(cfg config.ListenerConfig) (*tls.Config, error) {
	certs := make(map[string]*tls.Certificate, len(cfg.PerServerName)+1)

	var defaultCert *tls.Certificate
	if cfg.TLSCertFile != "" {
		pair, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("listener: load default cert: %w", err)
		}
		defaultCert = &pair
	}

	for name, pair := range cfg.PerServerName {
		c, err := tls.LoadX509KeyPair(pair.CertFile, pair.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("listener: load cert for server name %q: %w", name, err)
		}
		certs[name] = &c
	}

	clientAuth := tls.NoClientCert
	if cfg.VerifyClient {
		clientAuth = tls.RequireAndVerifyClientCert
	}

	return &tls.Config{
		ClientAuth: clientAuth,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if c, ok := certs[hello.ServerName]; ok {
				return c, nil
			}
			if defaultCert != nil {
				return defaultCert, nil
			}
			return nil, fmt.Errorf("listener: no certificate configured for server name %q", hello.ServerName)
		},
	}, nil
}

// serveTCP runs the accept loop (net.Listen, a connections-in-flight
// counter, one goroutine per accepted socket) against either a plain
// net.Listener or one wrapped in tls.NewListener.
func serveTCP(ctx context.Context, cfg config.ListenerConfig, deps Deps, tlsConfig *tls.Config) error {
	addr := net.JoinHostPort(cfg.Bind, cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listener: listen %s: %w", addr, err)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	return runAcceptLoop(ctx, ln, deps, func(c net.Conn) (string, error) {
		serverName := ""
		if tc, ok := c.(*tls.Conn); ok {
			if err := tc.HandshakeContext(ctx); err != nil {
				return "", err
			}
			serverName = tc.ConnectionState().ServerName
		}
		return serverName, nil
	})
}

// runAcceptLoop is shared by every net.Listener-based proto. handshake runs
// after Accept (a no-op for plain TCP, the TLS handshake for TLS listeners)
// and returns the SNI server name observed, if any.
func runAcceptLoop(ctx context.Context, ln net.Listener, deps Deps, handshake func(net.Conn) (string, error)) error {
	var inFlight atomic.Int32
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		ln.Close()
		close(done)
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-done:
				return nil
			default:
				return err
			}
		}

		if deps.MaxConnections > 0 && inFlight.Load() >= deps.MaxConnections {
			if deps.Log != nil {
				deps.Log.Debug("connection refused, listener at capacity", logger.Int("in_flight", int(inFlight.Load())))
			}
			c.Close()
			continue
		}

		go func() {
			inFlight.Add(1)
			defer inFlight.Add(-1)
			defer c.Close()

			serverName, err := handshake(c)
			if err != nil {
				if deps.Log != nil {
					deps.Log.LogError(err, "listener handshake failed")
				}
				return
			}

			cn := conn.New(c, serverName, deps.Domains, deps.Broker, deps.Log, deps.ConnectTimeout, deps.Pool)
			if err := cn.Serve(ctx); err != nil && deps.Log != nil {
				deps.Log.LogError(err, "connection terminated", logger.ClientID(cn.ClientID()))
			}
		}()
	}
}
