package client

import (
	"context"
	"io"
	"net/url"

	"github.com/gorilla/websocket"
)

// wsStream adapts a *websocket.Conn into the io.ReadWriteCloser the client
// runs its byte-oriented read loop over, reassembling successive binary
// frames into one continuous MQTT stream.
type wsStream struct {
	*websocket.Conn
	reader io.Reader
}

func (w *wsStream) Read(p []byte) (int, error) {
	for {
		if w.reader == nil {
			_, r, err := w.Conn.NextReader()
			if err != nil {
				return 0, err
			}
			w.reader = r
		}
		n, err := w.reader.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil {
			w.reader = nil
			if err == io.EOF {
				continue
			}
			return 0, err
		}
	}
}

func (w *wsStream) Write(p []byte) (int, error) {
	if err := w.Conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsStream) Close() error {
	return w.Conn.Close()
}

// dialWS performs the WebSocket opening handshake negotiating the "mqtt"
// subprotocol, over TLS for wss.
func dialWS(ctx context.Context, u *url.URL, o *Options) (io.ReadWriteCloser, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{"mqtt"},
		HandshakeTimeout: o.ConnectTimeout,
	}
	if u.Scheme == "wss" {
		cfg, err := o.tlsConfig()
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = cfg
	}

	raw, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return &wsStream{Conn: raw}, nil
}
