package client

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"
)

// Message is one application message delivered to an OnMessage handler.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
	DUP     bool
}

// Options configures a Client before Dial.
type Options struct {
	// Addr is the broker address as a URL: tcp://host:port, tls://host:port,
	// ws://host:port/path or wss://host:port/path. A bare host:port is
	// treated as tcp.
	Addr string

	// ClientID identifies the session. Empty is only valid with
	// CleanSession=true; the broker then assigns one.
	ClientID     string
	CleanSession bool

	Username string
	Password string

	// KeepAlive is the CONNECT keep-alive interval. Zero disables both the
	// broker's idle reaping and the client's automatic PINGREQ.
	KeepAlive time.Duration

	// Will, if non-nil, is registered with the broker at CONNECT and
	// published on our behalf if the connection drops without a DISCONNECT.
	Will *WillOptions

	// ConnectTimeout bounds the transport dial plus the CONNACK wait.
	ConnectTimeout time.Duration

	// WaitPublish, when positive, makes Publish block until the terminal
	// acknowledgement for QoS ≥ 1 messages (PUBACK, or PUBCOMP for QoS 2)
	// arrives, failing with a timeout error after this long. The in-flight
	// entry is kept on timeout so a retry reuses the same packet id with
	// DUP set.
	WaitPublish time.Duration

	// OnMessage receives every inbound PUBLISH. Called from the read loop;
	// a slow handler delays subsequent packets on this connection.
	OnMessage func(Message)

	// TLS settings, used for tls:// and wss:// addresses.
	SSLProtocol    string // SSLv23 | SSLv3 | TLSv1 | TLSv1.1 | TLSv1.2; empty lets crypto/tls negotiate
	CertFile       string
	KeyFile        string
	CAFile         string
	SkipPeerVerify bool
	ServerName     string // overrides the SNI name derived from Addr
}

// WillOptions is the will message registered at CONNECT.
type WillOptions struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 30 * time.Second
	}
	return out
}

// tlsConfig builds a *tls.Config from the options. The SSLProtocol names
// accepted mirror the classic OpenSSL-style labels: SSLv23 means "negotiate
// the best available", the others pin a minimum version. SSLv3 has no
// mapping in crypto/tls and is rejected.
func (o *Options) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: o.SkipPeerVerify,
		ServerName:         o.ServerName,
	}

	switch o.SSLProtocol {
	case "", "SSLv23":
		// negotiate
	case "TLSv1":
		cfg.MinVersion = tls.VersionTLS10
	case "TLSv1.1":
		cfg.MinVersion = tls.VersionTLS11
	case "TLSv1.2":
		cfg.MinVersion = tls.VersionTLS12
	default:
		return nil, fmt.Errorf("client: unsupported ssl_protocol %q", o.SSLProtocol)
	}

	if o.CertFile != "" {
		pair, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("client: load certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}

	if o.CAFile != "" {
		pem, err := os.ReadFile(o.CAFile)
		if err != nil {
			return nil, fmt.Errorf("client: read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("client: no certificates parsed from %s", o.CAFile)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}
