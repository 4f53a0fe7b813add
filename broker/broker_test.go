package broker

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RoanBrand/mqttcore"
	"github.com/RoanBrand/mqttcore/internal/config"
	"github.com/RoanBrand/mqttcore/internal/frame"
	"github.com/RoanBrand/mqttcore/internal/model"
	"github.com/RoanBrand/mqttcore/internal/store"
	"github.com/RoanBrand/mqttcore/internal/websocket"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func startServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{}
	s.TCP.Address = "127.0.0.1:0"
	s.WS.Address = "127.0.0.1:0"
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

// testClient drives a client session over a real connection.
type testClient struct {
	t   testing.TB
	nc  net.Conn
	mu  sync.Mutex
	ses *mqttcore.Session

	msgs      chan mqttcore.Message
	connAck   chan *mqttcore.ConnAck
	subAck    chan *mqttcore.SubAck
	confirmed chan uint16
	closed    chan error
}

func dialClient(t testing.TB, nc net.Conn) *testClient {
	t.Helper()
	c := &testClient{
		t:         t,
		nc:        nc,
		msgs:      make(chan mqttcore.Message, 16),
		connAck:   make(chan *mqttcore.ConnAck, 1),
		subAck:    make(chan *mqttcore.SubAck, 1),
		confirmed: make(chan uint16, 16),
		closed:    make(chan error, 1),
	}
	c.ses = mqttcore.NewClientSession(nc, mqttcore.DefaultConfig(), mqttcore.Handlers{
		Message:   func(m mqttcore.Message) { c.msgs <- m },
		ConnAck:   func(p *mqttcore.ConnAck) { c.connAck <- p },
		SubAck:    func(p *mqttcore.SubAck) { c.subAck <- p },
		Confirmed: func(id uint16) { c.confirmed <- id },
	})

	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := nc.Read(buf)
			if n > 0 {
				c.mu.Lock()
				ferr := c.ses.Feed(buf[:n], time.Now())
				c.mu.Unlock()
				if ferr != nil {
					c.closed <- ferr
					return
				}
			}
			if err != nil {
				c.closed <- err
				return
			}
		}
	}()
	t.Cleanup(func() { nc.Close() })
	return c
}

func dialTCP(t testing.TB, s *Server) *testClient {
	t.Helper()
	nc, err := net.Dial("tcp", s.tcpL.Addr().String())
	require.NoError(t, err)
	return dialClient(t, nc)
}

func (c *testClient) connect(id string, will *mqttcore.Will) {
	c.t.Helper()
	con, err := mqttcore.NewConnect(id, true, 60)
	require.NoError(c.t, err)
	if will != nil {
		require.NoError(c.t, con.SetWill(will))
	}

	c.mu.Lock()
	err = c.ses.Connect(con, time.Now())
	c.mu.Unlock()
	require.NoError(c.t, err)

	select {
	case ack := <-c.connAck:
		require.Equal(c.t, mqttcore.Accepted, ack.ReturnCode)
	case <-time.After(waitFor):
		c.t.Fatal("no CONNACK")
	}
}

func (c *testClient) subscribe(filter string, qos mqttcore.QoS) {
	c.t.Helper()
	c.mu.Lock()
	_, err := c.ses.Subscribe(mqttcore.Subscription{Filter: filter, QoS: qos})
	c.mu.Unlock()
	require.NoError(c.t, err)

	select {
	case ack := <-c.subAck:
		require.Equal(c.t, []byte{byte(qos)}, ack.Granted)
	case <-time.After(waitFor):
		c.t.Fatal("no SUBACK")
	}
}

func (c *testClient) publish(topicName, payload string, qos mqttcore.QoS, retain bool) {
	c.t.Helper()
	c.mu.Lock()
	id, err := c.ses.Publish(topicName, []byte(payload), qos, retain, time.Now())
	c.mu.Unlock()
	require.NoError(c.t, err)

	if qos == mqttcore.AtMostOnce {
		return
	}
	select {
	case got := <-c.confirmed:
		require.Equal(c.t, id, got)
	case <-time.After(waitFor):
		c.t.Fatal("publish not confirmed")
	}
}

func (c *testClient) expect() mqttcore.Message {
	c.t.Helper()
	select {
	case m := <-c.msgs:
		return m
	case <-time.After(waitFor):
		c.t.Fatal("no message received")
	}
	return mqttcore.Message{}
}

func (c *testClient) expectNone() {
	c.t.Helper()
	select {
	case m := <-c.msgs:
		c.t.Fatalf("unexpected message on %q", m.Topic)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPubSub(t *testing.T) {
	s := startServer(t)

	sub := dialTCP(t, s)
	sub.connect("sub", nil)
	sub.subscribe("a/+", mqttcore.AtLeastOnce)

	pub := dialTCP(t, s)
	pub.connect("pub", nil)
	pub.publish("a/b", "hello", mqttcore.ExactlyOnce, false)
	pub.publish("b/b", "nobody", mqttcore.AtLeastOnce, false)

	m := sub.expect()
	assert.Equal(t, "a/b", m.Topic)
	assert.Equal(t, []byte("hello"), m.Payload)
	assert.Equal(t, mqttcore.AtLeastOnce, m.QoS) // capped by subscription
	assert.False(t, m.Retain)
	sub.expectNone()
}

func TestRetained(t *testing.T) {
	s := startServer(t)

	pub := dialTCP(t, s)
	pub.connect("pub", nil)
	pub.publish("r/x", "kept", mqttcore.AtLeastOnce, true)

	sub := dialTCP(t, s)
	sub.connect("sub", nil)
	sub.subscribe("r/#", mqttcore.ExactlyOnce)

	m := sub.expect()
	assert.Equal(t, "r/x", m.Topic)
	assert.Equal(t, []byte("kept"), m.Payload)
	assert.True(t, m.Retain)

	// live messages are not flagged retained
	pub.publish("r/x", "live", mqttcore.AtMostOnce, true)
	m = sub.expect()
	assert.Equal(t, []byte("live"), m.Payload)
	assert.False(t, m.Retain)
}

func TestWillOnAbruptClose(t *testing.T) {
	s := startServer(t)

	sub := dialTCP(t, s)
	sub.connect("sub", nil)
	sub.subscribe("status/#", mqttcore.AtMostOnce)

	dying := dialTCP(t, s)
	dying.connect("dying", &mqttcore.Will{Topic: "status/dying", Payload: []byte("gone")})
	dying.nc.Close()

	m := sub.expect()
	assert.Equal(t, "status/dying", m.Topic)
	assert.Equal(t, []byte("gone"), m.Payload)
}

func TestNoWillAfterDisconnect(t *testing.T) {
	s := startServer(t)

	sub := dialTCP(t, s)
	sub.connect("sub", nil)
	sub.subscribe("status/#", mqttcore.AtMostOnce)

	leaving := dialTCP(t, s)
	leaving.connect("leaving", &mqttcore.Will{Topic: "status/leaving", Payload: []byte("gone")})
	leaving.mu.Lock()
	require.NoError(t, leaving.ses.Disconnect())
	leaving.mu.Unlock()

	select {
	case <-leaving.closed:
	case <-time.After(waitFor):
		t.Fatal("server did not close connection")
	}
	sub.expectNone()
}

func TestTakeover(t *testing.T) {
	s := startServer(t)

	first := dialTCP(t, s)
	first.connect("same", nil)

	second := dialTCP(t, s)
	second.connect("same", nil)

	select {
	case <-first.closed:
	case <-time.After(waitFor):
		t.Fatal("first connection not closed")
	}

	second.subscribe("x", mqttcore.AtMostOnce)
	second.publish("x", "still here", mqttcore.AtMostOnce, false)
	assert.Equal(t, []byte("still here"), second.expect().Payload)

	s.sesLock.Lock()
	assert.Len(t, s.clients, 1)
	s.sesLock.Unlock()
}

func TestWebsocket(t *testing.T) {
	s := startServer(t)

	nc, err := websocket.Dial("ws://" + s.wsL.Addr().String() + "/")
	require.NoError(t, err)
	c := dialClient(t, nc)
	c.connect("ws", nil)
	c.subscribe("echo", mqttcore.AtLeastOnce)
	c.publish("echo", "over ws", mqttcore.AtLeastOnce, false)

	m := c.expect()
	assert.Equal(t, []byte("over ws"), m.Payload)
}

func TestSessionAfterStop(t *testing.T) {
	s := &Server{Config: *config.Default()}
	s.init()
	s.retained = store.NewMemory()
	s.Stop()

	srvEnd, cliEnd := net.Pipe()
	defer cliEnd.Close()

	done := make(chan struct{})
	go func() {
		s.startSession(srvEnd)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("session started after Stop")
	}
	_, err := cliEnd.Read(make([]byte, 1))
	assert.Error(t, err, "connection closed")

	// nothing left for Stop to wait on
	s.conns.Wait()
}

func TestConnectRefused(t *testing.T) {
	s := startServer(t)

	c := dialTCP(t, s)
	con, err := mqttcore.NewConnect("", false, 0) // persistent session without id
	require.NoError(t, err)
	c.mu.Lock()
	require.NoError(t, c.ses.Connect(con, time.Now()))
	c.mu.Unlock()

	select {
	case err := <-c.closed:
		assert.ErrorIs(t, err, mqttcore.ErrConnectionRefused)
	case <-time.After(waitFor):
		t.Fatal("connection not refused")
	}
}

// Packets written to the client end of a pipe that never acknowledges.
func rawPeer(t *testing.T, nc net.Conn) <-chan model.Packet {
	out := make(chan model.Packet, 64)
	go func() {
		acc := frame.New(0)
		buf := make([]byte, 1024)
		for {
			n, err := nc.Read(buf)
			if err != nil {
				close(out)
				return
			}
			pkts, err := acc.Feed(buf[:n])
			if err != nil {
				close(out)
				return
			}
			for _, p := range pkts {
				out <- p
			}
		}
	}()
	return out
}

func writePackets(t *testing.T, nc net.Conn, pkts ...model.Packet) {
	t.Helper()
	for _, p := range pkts {
		b, err := mqttcore.Encode(p)
		require.NoError(t, err)
		_, err = nc.Write(b)
		require.NoError(t, err)
	}
}

func nextPacket(t *testing.T, in <-chan model.Packet) model.Packet {
	t.Helper()
	select {
	case p, ok := <-in:
		require.True(t, ok, "connection closed")
		return p
	case <-time.After(waitFor):
		t.Fatal("no packet")
	}
	return nil
}

func TestInflightWindow(t *testing.T) {
	s := &Server{Config: *config.Default()}
	s.Session.MaxInflight = 2
	s.init()
	s.retained = store.NewMemory()
	defer s.cancel()

	srvEnd, cliEnd := net.Pipe()
	defer cliEnd.Close()
	go newConn(s, srvEnd).run()
	in := rawPeer(t, cliEnd)

	writePackets(t, cliEnd,
		&model.Connect{ProtocolLevel: 4, ClientID: "slow", CleanSession: true},
		&model.Subscribe{PacketID: 1, Requests: []model.Subscription{{Filter: "t", QoS: model.AtLeastOnce}}},
	)
	require.IsType(t, &model.ConnAck{}, nextPacket(t, in))
	require.IsType(t, &model.SubAck{}, nextPacket(t, in))

	for i := 0; i < 5; i++ {
		s.matchSubscriptions(model.Message{Topic: "t", Payload: []byte{byte(i)}, QoS: model.AtLeastOnce})
	}

	var ids []uint16
	for i := 0; i < 2; i++ {
		p, ok := nextPacket(t, in).(*model.Publish)
		require.True(t, ok)
		assert.Equal(t, []byte{byte(i)}, p.Payload)
		ids = append(ids, p.PacketID)
	}
	select {
	case p := <-in:
		t.Fatalf("window exceeded: %#v", p)
	case <-time.After(100 * time.Millisecond):
	}

	writePackets(t, cliEnd, &model.PubAck{PacketID: ids[0]})
	p, ok := nextPacket(t, in).(*model.Publish)
	require.True(t, ok)
	assert.Equal(t, []byte{2}, p.Payload)
}

func BenchmarkQoS0(b *testing.B) {
	benchmarkPubs(b, mqttcore.AtMostOnce)
}

func BenchmarkQoS1(b *testing.B) {
	benchmarkPubs(b, mqttcore.AtLeastOnce)
}

func BenchmarkQoS2(b *testing.B) {
	benchmarkPubs(b, mqttcore.ExactlyOnce)
}

func benchmarkPubs(b *testing.B, qos mqttcore.QoS) {
	log.SetLevel(log.ErrorLevel)
	defer log.SetLevel(log.InfoLevel)

	s := startServer(b)
	topicName := uuid.NewString()

	sub := dialTCP(b, s)
	sub.connect(uuid.NewString(), nil)
	sub.subscribe(topicName, qos)

	pub := dialTCP(b, s)
	pub.connect(uuid.NewString(), nil)

	var received atomic.Int64
	done := make(chan struct{})
	go func() {
		for i := 0; i < b.N; i++ {
			<-sub.msgs
			received.Add(1)
		}
		close(done)
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pub.publish(topicName, "benchmark", qos, false)
		// QoS 0 has no flow control, keep within the client queue
		for qos == mqttcore.AtMostOnce && int64(i)-received.Load() > 512 {
			time.Sleep(10 * time.Microsecond)
		}
	}

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		b.Fatal("not all messages received")
	}
}
