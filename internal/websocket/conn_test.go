package websocket

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEcho(t *testing.T) {
	srv := httptest.NewServer(NewServer(false, func(c net.Conn) {
		defer c.Close()
		io.Copy(c, c)
	}).Handler)
	defer srv.Close()

	c, err := Dial("ws" + strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte{0xC0, 0x00})
	require.NoError(t, err)
	_, err = c.Write([]byte("abc"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xC0, 0x00, 'a', 'b', 'c'}, buf)
}

func TestSubProtocolRequired(t *testing.T) {
	srv := httptest.NewServer(NewServer(false, func(c net.Conn) { c.Close() }).Handler)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotAcceptable, resp.StatusCode)
}

func TestTextMessageRejected(t *testing.T) {
	got := make(chan error, 1)
	srv := httptest.NewServer(NewServer(false, func(c net.Conn) {
		defer c.Close()
		_, err := c.Read(make([]byte, 8))
		got <- err
	}).Handler)
	defer srv.Close()

	d := websocket.Dialer{Subprotocols: []string{"mqtt"}}
	conn, _, err := d.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hi")))

	assert.Equal(t, errNotBinary, <-got)
}
