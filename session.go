package mqttcore

import (
	"io"
	"time"

	"github.com/RoanBrand/mqttcore/internal/codec"
	"github.com/RoanBrand/mqttcore/internal/frame"
	"github.com/RoanBrand/mqttcore/internal/model"
	"github.com/RoanBrand/mqttcore/internal/queue"
	"github.com/RoanBrand/mqttcore/internal/topic"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type Role uint8

const (
	ServerRole Role = iota
	ClientRole
)

func (r Role) String() string {
	if r == ClientRole {
		return "client"
	}
	return "server"
}

// Config tunes one session.
type Config struct {
	// MaxFrameSize caps inbound frames, header included. <= 0 selects 1 MiB.
	MaxFrameSize int
	// RetryInterval between resends of unacknowledged PUBLISH and PUBREL.
	// 0 disables resending.
	RetryInterval time.Duration
	// MaxRetries before an outbound delivery fails. Negative is unlimited.
	MaxRetries int
}

func DefaultConfig() Config {
	return Config{
		MaxFrameSize:  frame.DefaultMaxFrameSize,
		RetryInterval: 60 * time.Second,
		MaxRetries:    3,
	}
}

// Handlers are the application callbacks of a session. Nil fields are skipped.
// They run on the goroutine calling into the session.
type Handlers struct {
	// Message receives every inbound application message. QoS 2 messages are
	// delivered once, when PUBREL arrives.
	Message func(m Message)
	// Confirmed reports an outbound QoS 1/2 PUBLISH as delivered.
	Confirmed func(id uint16)
	// Failed reports an outbound QoS 1/2 PUBLISH that ran out of retries.
	Failed func(id uint16, err error)

	// Server role.
	Connected    func(c *model.Connect)
	Subscribed   func(subs []Subscription)
	Unsubscribed func(filters []string)

	// Client role.
	ConnAck  func(p *model.ConnAck)
	SubAck   func(p *model.SubAck)
	UnsubAck func(id uint16)

	// Anomaly reports an acknowledgement that matched no record. Never fatal.
	Anomaly func(err error)
}

// Session is the protocol state of one connection. It reads bytes from Feed and
// writes every packet it produces to its writer, in order. It is not safe for
// concurrent use and never blocks except in the writer.
type Session struct {
	role Role
	w    io.Writer
	auth Auther
	h    Handlers

	acc     *frame.Accumulator
	tracker *queue.Tracker
	subs    *topic.Negotiator

	clientID  string
	keepAlive time.Duration
	will      *model.Will

	pendingSubs   map[uint16]*model.Subscribe // client
	pendingUnsubs map[uint16]*model.Unsubscribe

	clock, lastRx, lastTx time.Time
	txBuf                 []byte
	anomalies             int

	connectSent  bool // client: CONNECT out, server: CONNECT in
	connected    bool
	disconnected bool
	closed       bool
}

func newSession(role Role, w io.Writer, conf Config, h Handlers) *Session {
	return &Session{
		role:    role,
		w:       w,
		h:       h,
		acc:     frame.New(conf.MaxFrameSize),
		tracker: queue.NewTracker(conf.RetryInterval, conf.MaxRetries),
		txBuf:   make([]byte, 0, 64),
	}
}

// NewServerSession returns the broker side of a connection. auth may be nil to
// accept everyone.
func NewServerSession(w io.Writer, conf Config, auth Auther, h Handlers) *Session {
	s := newSession(ServerRole, w, conf, h)
	s.auth = auth
	if auth != nil {
		s.subs = topic.NewNegotiator("", auth)
	} else {
		s.subs = topic.NewNegotiator("", nil)
	}
	return s
}

// NewClientSession returns the client side of a connection.
func NewClientSession(w io.Writer, conf Config, h Handlers) *Session {
	s := newSession(ClientRole, w, conf, h)
	s.pendingSubs = make(map[uint16]*model.Subscribe, 2)
	s.pendingUnsubs = make(map[uint16]*model.Unsubscribe, 2)
	return s
}

type refused struct {
	code model.ConnectReturnCode
}

func (r refused) Error() string        { return r.code.Error() }
func (r refused) Unwrap() error        { return r.code }
func (r refused) Is(target error) bool { return target == ErrConnectionRefused }

func protocolViolation(format string, args ...interface{}) error {
	return errors.Wrapf(model.ErrProtocolViolation, format, args...)
}

// refuse answers CONNECT with a refusal code. The connection must be closed
// after either outcome.
func (s *Session) refuse(code model.ConnectReturnCode, reason string) error {
	if err := s.send(&model.ConnAck{ReturnCode: code}); err != nil {
		return errors.Wrapf(err, "refusing CONNECT (%s)", reason)
	}
	return errors.Wrap(refused{code}, reason)
}

func (s *Session) tick(now time.Time) {
	if now.After(s.clock) {
		s.clock = now
	}
}

// send encodes p and writes it out.
func (s *Session) send(p model.Packet) error {
	b, err := codec.AppendPacket(s.txBuf[:0], p)
	if err != nil {
		return err
	}
	return s.write(b)
}

func (s *Session) write(b []byte) error {
	if cap(b) <= 4096 {
		s.txBuf = b[:0]
	}
	if _, err := s.w.Write(b); err != nil {
		return errors.Wrap(err, "write")
	}
	s.lastTx = s.clock
	return nil
}

func (s *Session) anomaly(err error) {
	s.anomalies++
	log.WithFields(log.Fields{
		"clientId": s.clientID,
		"role":     s.role,
	}).Debug(err)
	if s.h.Anomaly != nil {
		s.h.Anomaly(err)
	}
}

// Feed processes the next bytes received from the peer. Packets are handled in
// arrival order. A returned error other than an identifier anomaly means the
// connection must be closed; ErrDisconnected marks a clean end.
func (s *Session) Feed(chunk []byte, now time.Time) error {
	if s.closed {
		return ErrClosed
	}
	if s.disconnected {
		return ErrDisconnected
	}
	s.tick(now)

	pkts, ferr := s.acc.Feed(chunk)

	var unsupported *model.Connect
	if ferr != nil && errors.Is(ferr, model.UnacceptableProtocolVersion) && len(pkts) > 0 {
		if c, ok := pkts[len(pkts)-1].(*model.Connect); ok {
			unsupported, pkts = c, pkts[:len(pkts)-1]
		}
	}

	for _, p := range pkts {
		s.lastRx = s.clock
		if err := s.handle(p); err != nil {
			return err
		}
	}

	if unsupported != nil && s.role == ServerRole && !s.connectSent {
		log.WithFields(log.Fields{
			"protocolLevel": unsupported.ProtocolLevel,
		}).Info("Refusing CONNECT with unsupported protocol")
		s.connectSent = true
		return s.refuse(model.UnacceptableProtocolVersion, ferr.Error()) // [MQTT-3.1.2-2]
	}
	return ferr
}

func (s *Session) handle(p model.Packet) error {
	if s.role == ServerRole {
		return s.handleServer(p)
	}
	return s.handleClient(p)
}

func (s *Session) handleServer(p model.Packet) error {
	if c, ok := p.(*model.Connect); ok {
		if s.connectSent { // [MQTT-3.1.0-2]
			return protocolViolation("second CONNECT packet")
		}
		return s.handleConnect(c)
	}
	if !s.connectSent { // [MQTT-3.1.0-1]
		return protocolViolation("first packet not CONNECT")
	}

	switch p := p.(type) {
	case *model.Publish:
		return s.handlePublish(p)
	case *model.PubAck:
		s.handlePubAck(p.PacketID)
	case *model.PubRec:
		return s.handlePubRec(p.PacketID)
	case *model.PubRel:
		return s.handlePubRel(p.PacketID)
	case *model.PubComp:
		s.handlePubComp(p.PacketID)
	case *model.Subscribe:
		return s.handleSubscribe(p)
	case *model.Unsubscribe:
		return s.handleUnsubscribe(p)
	case *model.PingReq:
		return s.send(&model.PingResp{})
	case *model.Disconnect:
		log.WithFields(log.Fields{
			"clientId": s.clientID,
		}).Debug("Got DISCONNECT packet")
		s.disconnected = true
		s.will = nil // [MQTT-3.14.4-3]
		return ErrDisconnected
	default:
		return protocolViolation("packet type %d not accepted by server", p.Type()>>4)
	}
	return nil
}

func (s *Session) handleClient(p model.Packet) error {
	if !s.connectSent {
		return protocolViolation("packet type %d before CONNECT", p.Type()>>4)
	}
	if ca, ok := p.(*model.ConnAck); ok {
		return s.handleConnAck(ca)
	}
	if !s.connected {
		return protocolViolation("first packet not CONNACK")
	}

	switch p := p.(type) {
	case *model.Publish:
		return s.handlePublish(p)
	case *model.PubAck:
		s.handlePubAck(p.PacketID)
	case *model.PubRec:
		return s.handlePubRec(p.PacketID)
	case *model.PubRel:
		return s.handlePubRel(p.PacketID)
	case *model.PubComp:
		s.handlePubComp(p.PacketID)
	case *model.SubAck:
		return s.handleSubAck(p)
	case *model.UnsubAck:
		s.handleUnsubAck(p.PacketID)
	case *model.PingResp:
	default:
		return protocolViolation("packet type %d not accepted by client", p.Type()>>4)
	}
	return nil
}

func (s *Session) handleConnect(c *model.Connect) error {
	s.connectSent = true

	if c.ClientID == "" {
		if !c.CleanSession { // [MQTT-3.1.3-7]
			return s.refuse(model.IdentifierRejected, "must have clientId when persistent session") // [MQTT-3.1.3-8]
		}
		c.ClientID = "auto-" + uuid.NewString() // [MQTT-3.1.3-6]
	}
	s.clientID = c.ClientID

	if s.auth != nil {
		var user []byte
		if c.UsernameFlag {
			user = []byte(c.Username)
		}
		if err := s.auth.AuthUser(c.ClientID, user, c.Password); err != nil {
			code := model.NotAuthorized
			var rc model.ConnectReturnCode
			if errors.As(err, &rc) && rc != model.Accepted {
				code = rc
			}
			log.WithFields(log.Fields{
				"clientId": c.ClientID,
				"code":     code,
			}).Info("CONNECT refused: ", err)
			return s.refuse(code, err.Error())
		}
	}

	s.keepAlive = time.Duration(c.KeepAlive) * time.Second
	s.will = c.Will
	s.subs.SetClientID(c.ClientID)

	// Session state does not outlive the connection, so SessionPresent is always 0.
	if err := s.send(&model.ConnAck{ReturnCode: model.Accepted}); err != nil { // [MQTT-3.2.2-1]
		return err
	}
	s.connected = true

	log.WithFields(log.Fields{
		"clientId":     c.ClientID,
		"cleanSession": c.CleanSession,
		"keepAlive":    c.KeepAlive,
	}).Debug("Client connected")

	if s.h.Connected != nil {
		s.h.Connected(c)
	}
	return nil
}

func (s *Session) handleConnAck(p *model.ConnAck) error {
	if s.connected {
		return protocolViolation("second CONNACK packet")
	}
	if s.h.ConnAck != nil {
		s.h.ConnAck(p)
	}
	if p.ReturnCode != model.Accepted {
		return errors.Wrap(refused{p.ReturnCode}, "CONNACK")
	}
	s.connected = true
	return nil
}

func (s *Session) deliver(p *model.Publish) {
	if s.role == ServerRole && s.auth != nil {
		if err := s.auth.AuthPublish(s.clientID, p.Topic); err != nil {
			log.WithFields(log.Fields{
				"clientId":  s.clientID,
				"topicName": p.Topic,
			}).Info("PUBLISH not authorized, dropping: ", err)
			return
		}
	}
	if s.h.Message != nil {
		s.h.Message(model.MessageFromPublish(p))
	}
}

func (s *Session) handlePublish(p *model.Publish) error {
	if log.IsLevelEnabled(log.DebugLevel) {
		lf := log.Fields{
			"clientId":  s.clientID,
			"topicName": p.Topic,
			"QoS":       p.QoS,
		}
		if p.Dup {
			lf["duplicate"] = true
		}
		if p.Retain {
			lf["retain"] = true
		}
		log.WithFields(lf).Debug("Got PUBLISH packet")
	}

	switch p.QoS {
	case model.AtMostOnce:
		s.deliver(p)
	case model.AtLeastOnce:
		s.deliver(p)
		return s.send(&model.PubAck{PacketID: p.PacketID})
	case model.ExactlyOnce: // [MQTT-4.3.3-2]
		if !s.tracker.Received(p, s.clock) {
			log.WithFields(log.Fields{
				"clientId": s.clientID,
				"packetID": p.PacketID,
			}).Debug("Duplicate QoS 2 PUBLISH, not delivering again")
		}
		return s.send(&model.PubRec{PacketID: p.PacketID})
	}
	return nil
}

func (s *Session) handlePubAck(id uint16) {
	if err := s.tracker.PubAck(id); err != nil {
		s.anomaly(err)
		return
	}
	if s.h.Confirmed != nil {
		s.h.Confirmed(id)
	}
}

func (s *Session) handlePubRec(id uint16) error {
	rel, err := s.tracker.PubRec(id, s.clock)
	if err != nil {
		s.anomaly(err)
		return nil
	}
	return s.send(rel)
}

func (s *Session) handlePubRel(id uint16) error {
	p, err := s.tracker.PubRel(id)
	if err != nil {
		s.anomaly(err)
	} else {
		s.deliver(p)
	}
	// answered even when unknown so a peer that lost our PUBCOMP can finish
	return s.send(&model.PubComp{PacketID: id})
}

func (s *Session) handlePubComp(id uint16) {
	if err := s.tracker.PubComp(id); err != nil {
		s.anomaly(err)
		return
	}
	if s.h.Confirmed != nil {
		s.h.Confirmed(id)
	}
}

func (s *Session) handleSubscribe(p *model.Subscribe) error {
	log.WithFields(log.Fields{
		"clientId": s.clientID,
		"topics":   p.Requests,
	}).Debug("Got SUBSCRIBE packet")

	ack, added := s.subs.Subscribe(p)
	if err := s.send(ack); err != nil { // [MQTT-3.8.4-1]
		return err
	}
	if len(added) > 0 && s.h.Subscribed != nil {
		s.h.Subscribed(added)
	}
	return nil
}

func (s *Session) handleUnsubscribe(p *model.Unsubscribe) error {
	log.WithFields(log.Fields{
		"clientId": s.clientID,
		"topics":   p.Filters,
	}).Debug("Got UNSUBSCRIBE packet")

	ack, removed := s.subs.Unsubscribe(p)
	if err := s.send(ack); err != nil { // [MQTT-3.10.4-4]
		return err
	}
	if len(removed) > 0 && s.h.Unsubscribed != nil {
		s.h.Unsubscribed(removed)
	}
	return nil
}

func (s *Session) handleSubAck(p *model.SubAck) error {
	req, ok := s.pendingSubs[p.PacketID]
	if !ok {
		s.anomaly(errors.Wrapf(model.ErrProtocolAnomaly, "SUBACK for unknown packet identifier %d", p.PacketID))
		return nil
	}
	if len(p.Granted) != len(req.Requests) { // [MQTT-3.9.3-1]
		return protocolViolation("SUBACK with %d return codes for %d Topic Filters", len(p.Granted), len(req.Requests))
	}
	delete(s.pendingSubs, p.PacketID)
	s.tracker.ReleaseID(p.PacketID)

	if s.h.SubAck != nil {
		s.h.SubAck(p)
	}
	return nil
}

func (s *Session) handleUnsubAck(id uint16) {
	if _, ok := s.pendingUnsubs[id]; !ok {
		s.anomaly(errors.Wrapf(model.ErrProtocolAnomaly, "UNSUBACK for unknown packet identifier %d", id))
		return
	}
	delete(s.pendingUnsubs, id)
	s.tracker.ReleaseID(id)

	if s.h.UnsubAck != nil {
		s.h.UnsubAck(id)
	}
}

// Connect sends c. Client role only.
func (s *Session) Connect(c *model.Connect, now time.Time) error {
	if s.closed {
		return ErrClosed
	}
	if s.role != ClientRole {
		return protocolViolation("CONNECT from server")
	}
	if s.connectSent {
		return protocolViolation("second CONNECT packet")
	}
	s.tick(now)

	if err := s.send(c); err != nil {
		return err
	}
	s.connectSent = true
	s.clientID = c.ClientID
	s.keepAlive = time.Duration(c.KeepAlive) * time.Second
	return nil
}

func (s *Session) ready() error {
	if s.closed {
		return ErrClosed
	}
	if !s.connectSent || s.disconnected {
		return ErrNotConnected
	}
	if s.role == ServerRole && !s.connected {
		return ErrNotConnected
	}
	return nil
}

// Subscribe sends a SUBSCRIBE for reqs and returns its packet identifier.
// Client role only.
func (s *Session) Subscribe(reqs ...Subscription) (uint16, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if s.role != ClientRole {
		return 0, protocolViolation("SUBSCRIBE from server")
	}

	id, err := s.tracker.NextID()
	if err != nil {
		return 0, err
	}
	p, err := model.NewSubscribe(id, reqs...)
	if err != nil {
		s.tracker.ReleaseID(id)
		return 0, err
	}
	if err = s.send(p); err != nil {
		s.tracker.ReleaseID(id)
		return 0, err
	}
	s.pendingSubs[id] = p
	return id, nil
}

// Unsubscribe sends an UNSUBSCRIBE for filters and returns its packet
// identifier. Client role only.
func (s *Session) Unsubscribe(filters ...string) (uint16, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if s.role != ClientRole {
		return 0, protocolViolation("UNSUBSCRIBE from server")
	}

	id, err := s.tracker.NextID()
	if err != nil {
		return 0, err
	}
	p, err := model.NewUnsubscribe(id, filters...)
	if err != nil {
		s.tracker.ReleaseID(id)
		return 0, err
	}
	if err = s.send(p); err != nil {
		s.tracker.ReleaseID(id)
		return 0, err
	}
	s.pendingUnsubs[id] = p
	return id, nil
}

// Ping sends PINGREQ. Client role only.
func (s *Session) Ping() error {
	if err := s.ready(); err != nil {
		return err
	}
	if s.role != ClientRole {
		return protocolViolation("PINGREQ from server")
	}
	return s.send(&model.PingReq{})
}

// Disconnect sends DISCONNECT and ends the session cleanly. Client role only.
func (s *Session) Disconnect() error {
	if err := s.ready(); err != nil {
		return err
	}
	if s.role != ClientRole {
		return protocolViolation("DISCONNECT from server")
	}
	s.disconnected = true
	return s.send(&model.Disconnect{})
}

// Publish sends an application message. For QoS 1 & 2 the returned packet
// identifier is later reported to Confirmed or Failed. The caller is expected
// to cap Inflight well below the identifier space.
func (s *Session) Publish(topicName string, payload []byte, qos QoS, retain bool, now time.Time) (uint16, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	s.tick(now)

	p := &model.Publish{Topic: topicName, Payload: payload, QoS: qos, Retain: retain}
	if qos == model.AtMostOnce {
		return 0, s.send(p)
	}

	out, err := s.tracker.Publish(p, s.clock)
	if err != nil {
		return 0, err
	}
	b, err := codec.AppendPacket(s.txBuf[:0], out)
	if err != nil {
		s.tracker.Forget(out.PacketID)
		return 0, err
	}
	return out.PacketID, s.write(b)
}

// Tick resends overdue PUBLISH and PUBREL packets and reports deliveries that
// ran out of retries to Failed. A client sends PINGREQ when idle for the keep
// alive interval. A server returns ErrKeepAliveTimeout once nothing was
// received for one and a half times the keep alive. [MQTT-3.1.2-24]
func (s *Session) Tick(now time.Time) error {
	if s.closed {
		return ErrClosed
	}
	s.tick(now)

	resend, failed := s.tracker.Tick(s.clock)
	for _, p := range resend {
		if err := s.send(p); err != nil {
			return err
		}
	}
	for _, f := range failed {
		log.WithFields(log.Fields{
			"clientId": s.clientID,
			"packetID": f.PId,
			"QoS":      f.QoS,
			"phase":    f.Phase,
		}).Warn("Giving up on unacknowledged packet")
		if s.h.Failed != nil {
			s.h.Failed(f.PId, f.Err)
		}
	}

	if s.keepAlive <= 0 || !s.connected || s.disconnected {
		return nil
	}
	switch s.role {
	case ServerRole:
		if s.clock.Sub(s.lastRx) >= s.keepAlive*3/2 {
			return errors.Wrapf(ErrKeepAliveTimeout, "nothing received from %s for %s", s.clientID, s.clock.Sub(s.lastRx))
		}
	case ClientRole:
		if s.clock.Sub(s.lastTx) >= s.keepAlive {
			return s.send(&model.PingReq{})
		}
	}
	return nil
}

// Close discards all session state. It returns the Will Message when a server
// session ends without the client sending DISCONNECT, otherwise nil.
func (s *Session) Close() *Will {
	if s.closed {
		return nil
	}
	s.closed = true

	var will *model.Will
	if s.role == ServerRole && s.connected && !s.disconnected {
		will = s.will // [MQTT-3.1.2-8]
	}
	s.will = nil

	s.acc.Reset()
	s.tracker.Reset()
	if s.subs != nil {
		s.subs.Reset()
	}
	for id := range s.pendingSubs {
		delete(s.pendingSubs, id)
	}
	for id := range s.pendingUnsubs {
		delete(s.pendingUnsubs, id)
	}
	return will
}

func (s *Session) Role() Role {
	return s.role
}

func (s *Session) ClientID() string {
	return s.clientID
}

// KeepAlive as set by CONNECT. 0 means disabled.
func (s *Session) KeepAlive() time.Duration {
	return s.keepAlive
}

// Connected reports whether CONNACK accepted the connection.
func (s *Session) Connected() bool {
	return s.connected && !s.disconnected && !s.closed
}

// Inflight is the number of outbound QoS 1 & 2 deliveries awaiting
// acknowledgement.
func (s *Session) Inflight() int {
	return s.tracker.Inflight()
}

// Anomalies counts acknowledgements that matched no record.
func (s *Session) Anomalies() int {
	return s.anomalies
}

// Subscriptions returns the granted subscriptions of a server session.
func (s *Session) Subscriptions() []Subscription {
	if s.subs == nil {
		return nil
	}
	return s.subs.Subscriptions()
}
