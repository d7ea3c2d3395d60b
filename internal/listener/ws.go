package listener

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pyr33x/goqttd/internal/conn"
	"github.com/pyr33x/goqttd/internal/config"
	"github.com/pyr33x/goqttd/internal/logger"
)

// wsUpgrader accepts the "mqtt" subprotocol clients negotiate per the MQTT
// spec's WebSocket transport binding; it is permissive about origin since
// goqttd has no browser-facing session concept to protect.
var wsUpgrader = websocket.Upgrader{
	Subprotocols:    []string{"mqtt"},
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsConn adapts a *websocket.Conn into the io.ReadWriteCloser internal/conn
// expects, reassembling successive binary WebSocket frames into one
// continuous MQTT byte stream. gorilla/websocket serialises writes
// internally, so one WriteMessage call emits one whole frame.
type wsConn struct {
	*websocket.Conn
	reader io.Reader
}

func (w *wsConn) Read(p []byte) (int, error) {
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

func (w *wsConn) Write(p []byte) (int, error) {
	if err := w.Conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) Close() error {
	return w.Conn.Close()
}

// serveWS runs an http.Server whose single handler upgrades every request
// to a WebSocket and hands the framed connection to internal/conn.
func serveWS(ctx context.Context, cfg config.ListenerConfig, deps Deps, tlsConfig *tls.Config) error {
	addr := net.JoinHostPort(cfg.Bind, cfg.Port)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		raw, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		wc := &wsConn{Conn: raw}

		cn := conn.New(wc, r.Host, deps.Domains, deps.Broker, deps.Log, deps.ConnectTimeout, deps.Pool)
		if err := cn.Serve(r.Context()); err != nil && deps.Log != nil {
			deps.Log.LogError(err, "websocket connection terminated", logger.ClientID(cn.ClientID()))
		}
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		TLSConfig:    tlsConfig,
		ReadTimeout:  0,
		WriteTimeout: 0,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tlsConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("listener: websocket shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}
