// Package websocket carries MQTT over WebSocket connections. [MQTT-6.0.0]
package websocket

import (
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const subProtocol = "mqtt"

var errNotBinary = errors.New("not binary message")

// NewServer returns an HTTP server upgrading every request to a WebSocket
// connection handed to dispatch as a net.Conn. The caller runs it with Serve
// or ServeTLS on its own listener.
func NewServer(checkOrigin bool, dispatch func(net.Conn)) *http.Server {
	return &http.Server{Handler: http.HandlerFunc(handler(checkOrigin, dispatch))}
}

func handler(checkOrigin bool, dispatch func(net.Conn)) func(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{
		Subprotocols: []string{subProtocol}, // [MQTT-6.0.0-4]
	}
	if !checkOrigin {
		up.CheckOrigin = func(*http.Request) bool { return true }
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if protos := websocket.Subprotocols(r); len(protos) == 0 || protos[0] != subProtocol { // [MQTT-6.0.0-3]
			errMsg := "websocket client not supported. sub protocol must be 'mqtt'"
			http.Error(w, errMsg, http.StatusNotAcceptable)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already replied
			log.WithFields(log.Fields{
				"remote": r.RemoteAddr,
			}).Debug("unsuccessful websocket negotiation: ", err)
			return
		}

		go dispatch(&wsConn{Conn: conn})
	}
}

// Dial opens a client WebSocket connection to url with the mqtt sub protocol.
func Dial(url string) (net.Conn, error) {
	d := websocket.Dialer{
		Subprotocols:     []string{subProtocol},
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := d.Dial(url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", url)
	}
	return &wsConn{Conn: conn}, nil
}

// wsConn is a net.Conn over binary WebSocket messages. A packet may span
// messages and a message may hold several packets.
type wsConn struct {
	*websocket.Conn
	r io.Reader
}

func (c *wsConn) Write(p []byte) (int, error) {
	err := c.WriteMessage(websocket.BinaryMessage, p)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			var err error
			var mt int
			if mt, c.r, err = c.NextReader(); err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage { // [MQTT-6.0.0-1]
				return 0, errNotBinary
			}
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.SetWriteDeadline(t); err != nil {
		return err
	}
	return c.SetReadDeadline(t)
}
