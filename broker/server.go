// Package broker serves MQTT over TCP, TLS and WebSocket, running one
// mqttcore server session per connection and routing messages between them.
package broker

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/RoanBrand/mqttcore"
	"github.com/RoanBrand/mqttcore/auth"
	"github.com/RoanBrand/mqttcore/internal/config"
	"github.com/RoanBrand/mqttcore/internal/model"
	"github.com/RoanBrand/mqttcore/internal/store"
	"github.com/RoanBrand/mqttcore/internal/topic"
	"github.com/RoanBrand/mqttcore/internal/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var _ mqttcore.Auther = (*auth.BasicAuth)(nil)

type Server struct {
	config.Config
	// Auther is optional. Nil lets everyone connect, publish and subscribe.
	Auther mqttcore.Auther

	errs       chan error
	tcpL, tlsL net.Listener
	wsL, wssL  net.Listener
	wsS, wssS  *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	connLock sync.Mutex
	stopping bool
	conns    sync.WaitGroup

	sesLock sync.Mutex
	clients map[string]*conn

	subLock       sync.RWMutex
	subscriptions *topic.Tree[*conn]
	retained      store.Retained
}

// Run starts the server and blocks until it stops.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}
	return <-s.errs
}

// Start opens every configured listener and returns.
func (s *Server) Start() error {
	if err := s.Config.Validate(); err != nil {
		return err
	}

	s.init()
	if err := s.setupLogging(); err != nil {
		return err
	}
	if err := s.setupRetained(); err != nil {
		return err
	}

	if err := s.setupTCP(); err != nil {
		return err
	}
	if err := s.setupTLS(); err != nil {
		return err
	}
	if err := s.setupWebsocket(); err != nil {
		return err
	}
	if err := s.setupWebsocketSecure(); err != nil {
		return err
	}

	lf := make(log.Fields, 4)
	if s.TCP.Address != "" {
		lf["tcp_address"] = s.TCP.Address
	}
	if s.TLS.Address != "" {
		lf["tls_address"] = s.TLS.Address
	}
	if s.WS.Address != "" {
		lf["ws_address"] = s.WS.Address
	}
	if s.WSS.Address != "" {
		lf["wss_address"] = s.WSS.Address
	}
	log.WithFields(lf).Info("Starting MQTT server")
	return nil
}

func (s *Server) init() {
	s.errs = make(chan error, 4)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.clients = make(map[string]*conn, 16)
	s.subscriptions = topic.NewTree[*conn]()
}

// Stop closes all listeners and connections and waits for them to finish.
func (s *Server) Stop() {
	log.Info("Shutting down MQTT server")
	s.connLock.Lock()
	s.stopping = true
	s.connLock.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.tcpL != nil {
		s.tcpL.Close()
	}
	if s.tlsL != nil {
		s.tlsL.Close()
	}
	if s.wsS != nil {
		s.wsS.Close()
	}
	if s.wssS != nil {
		s.wssS.Close()
	}

	s.conns.Wait()

	if s.retained != nil {
		if err := s.retained.Close(); err != nil {
			log.WithFields(log.Fields{
				"err": err,
			}).Error("failed to close retained message store")
		}
	}
}

func (s *Server) setupLogging() error {
	if s.Log.File != "" {
		f, err := os.OpenFile(s.Log.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		log.SetOutput(f)
	}
	if s.Log.Level != "" {
		switch strings.ToLower(s.Log.Level) {
		case "error":
			log.SetLevel(log.ErrorLevel)
		case "warn":
			log.SetLevel(log.WarnLevel)
		case "info":
			log.SetLevel(log.InfoLevel)
		case "debug":
			log.SetLevel(log.DebugLevel)
		default:
			return errors.New("unknown log level: " + s.Log.Level)
		}
	}

	return nil
}

func (s *Server) setupRetained() error {
	if s.Retain.Dir == "" {
		s.retained = store.NewMemory()
		return nil
	}

	ds, err := store.NewDiskStore(s.Retain.Dir)
	if err != nil {
		return err
	}
	s.retained = ds
	return nil
}

func (s *Server) setupTCP() error {
	if s.TCP.Address == "" {
		return nil
	}

	l, err := net.Listen("tcp", s.TCP.Address)
	if err != nil {
		return err
	}

	s.tcpL = l
	go s.startDispatcher(l)
	return nil
}

func loadKeyPair(kp config.KeyPair) (*tls.Config, error) {
	cert, err := os.ReadFile(kp.Cert)
	if err != nil {
		return nil, err
	}

	key, err := os.ReadFile(kp.Key)
	if err != nil {
		return nil, err
	}

	pair, err := tls.X509KeyPair(cert, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{pair}}, nil
}

func (s *Server) setupTLS() error {
	if s.TLS.Address == "" {
		return nil
	}

	conf, err := loadKeyPair(s.TLS.KeyPair)
	if err != nil {
		return err
	}

	l, err := tls.Listen("tcp", s.TLS.Address, conf)
	if err != nil {
		return err
	}

	s.tlsL = l
	go s.startDispatcher(l)
	return nil
}

func (s *Server) serveHTTP(srv *http.Server, l net.Listener) {
	err := srv.Serve(l)
	if err == http.ErrServerClosed {
		err = nil
	}
	s.errs <- err
}

func (s *Server) setupWebsocket() error {
	if s.WS.Address == "" {
		return nil
	}

	l, err := net.Listen("tcp", s.WS.Address)
	if err != nil {
		return err
	}

	s.wsL = l
	s.wsS = websocket.NewServer(s.WS.CheckOrigin, s.startSession)
	go s.serveHTTP(s.wsS, l)
	return nil
}

func (s *Server) setupWebsocketSecure() error {
	c := &s.WSS
	if c.Address == "" {
		return nil
	}

	conf, err := loadKeyPair(c.KeyPair)
	if err != nil {
		return err
	}

	l, err := net.Listen("tcp", c.Address)
	if err != nil {
		return err
	}

	s.wssL = tls.NewListener(l, conf)
	s.wssS = websocket.NewServer(c.CheckOrigin, s.startSession)
	go s.serveHTTP(s.wssS, s.wssL)
	return nil
}

func (s *Server) startDispatcher(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed") {
				err = nil
			}
			s.errs <- err
			return
		}

		go s.startSession(conn)
	}
}

func (s *Server) sessionConfig() mqttcore.Config {
	return mqttcore.Config{
		MaxFrameSize:  s.Session.MaxFrameSize,
		RetryInterval: s.Session.Retry(),
		MaxRetries:    s.Session.Retries(),
	}
}

func (s *Server) startSession(nc net.Conn) {
	if !s.track() {
		nc.Close()
		return
	}
	defer s.conns.Done()

	newConn(s, nc).run()
}

// track counts a new connection for Stop to wait on, unless Stop was called.
func (s *Server) track() bool {
	s.connLock.Lock()
	defer s.connLock.Unlock()

	if s.stopping {
		return false
	}
	s.conns.Add(1)
	return true
}

// addSession registers c under its client id, taking over from an existing
// connection with the same id. [MQTT-3.1.4-2]
func (s *Server) addSession(c *conn) {
	log.WithFields(log.Fields{
		"clientId": c.clientID,
		"remote":   c.nc.RemoteAddr(),
	}).Info("New session")

	s.sesLock.Lock()
	old, ok := s.clients[c.clientID]
	s.clients[c.clientID] = c
	s.sesLock.Unlock()

	if ok {
		log.WithFields(log.Fields{
			"clientId": c.clientID,
		}).Debug("Old session present, disconnecting it")
		old.kick()
	}
}

func (s *Server) removeSession(c *conn, subs []mqttcore.Subscription) {
	s.subLock.Lock()
	for _, sub := range subs {
		s.subscriptions.Unsubscribe(c, sub.Filter)
	}
	s.subLock.Unlock()

	s.sesLock.Lock()
	defer s.sesLock.Unlock()
	// check if another new session has not taken over already
	if cur, ok := s.clients[c.clientID]; ok && cur == c {
		delete(s.clients, c.clientID)
	}
}

// Add subscriptions for client. Also forward matching retained messages.
func (s *Server) addSubscriptions(c *conn, subs []mqttcore.Subscription) {
	s.subLock.Lock()
	for _, sub := range subs {
		s.subscriptions.Subscribe(c, sub.Filter, sub.QoS)
	}
	s.subLock.Unlock()

	for _, sub := range subs {
		max := sub.QoS
		err := s.retained.Match(sub.Filter, func(m model.Message) {
			m.QoS = model.MinQoS(m.QoS, max)
			c.enqueue(m) // [MQTT-3.3.1-6]
		})
		if err != nil {
			log.WithFields(log.Fields{
				"clientId":    c.clientID,
				"topicFilter": sub.Filter,
				"err":         err,
			}).Error("failed to load retained messages")
		}
	}
}

func (s *Server) removeSubscriptions(c *conn, filters []string) {
	s.subLock.Lock()
	defer s.subLock.Unlock()

	for _, f := range filters {
		s.subscriptions.Unsubscribe(c, f)
	}
}

// Match published message topic to all subscribers, and forward.
// Also store pub if retained message.
func (s *Server) matchSubscriptions(m model.Message) {
	if m.Retain {
		if err := s.retained.Retain(m); err != nil {
			log.WithFields(log.Fields{
				"topicName": m.Topic,
				"err":       err,
			}).Error("failed to store retained message")
		}
	}

	s.subLock.RLock()
	targets := s.subscriptions.Match(m.Topic)
	s.subLock.RUnlock()

	if log.IsLevelEnabled(log.DebugLevel) {
		log.WithFields(log.Fields{
			"topicName":   m.Topic,
			"QoS":         m.QoS,
			"subscribers": len(targets),
		}).Debug("Routing message")
	}

	m.Retain, m.Dup = false, false // [MQTT-3.3.1-9]
	for c, maxQoS := range targets {
		fwd := m
		fwd.QoS = model.MinQoS(m.QoS, maxQoS)
		c.forward(fwd)
	}
}
