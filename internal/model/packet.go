package model

import (
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Control Packets
const (
	CONNECT     = 1 << 4
	CONNACK     = 2 << 4
	PUBLISH     = 3 << 4
	PUBACK      = 4 << 4
	PUBREC      = 5 << 4
	PUBREL      = 6 << 4
	PUBCOMP     = 7 << 4
	SUBSCRIBE   = 8 << 4
	SUBACK      = 9 << 4
	UNSUBSCRIBE = 10 << 4
	UNSUBACK    = 11 << 4
	PINGREQ     = 12 << 4
	PINGRESP    = 13 << 4
	DISCONNECT  = 14 << 4
)

// Protocol levels accepted in CONNECT.
const (
	ProtocolLevel31  = 3 // "MQIsdp"
	ProtocolLevel311 = 4 // "MQTT"
)

// SubscriptionFailed is the SUBACK return code for a rejected Topic Filter.
const SubscriptionFailed = 0x80

// QoS is a delivery guarantee level.
type QoS uint8

const (
	AtMostOnce QoS = iota
	AtLeastOnce
	ExactlyOnce
)

func (q QoS) Valid() bool {
	return q <= ExactlyOnce
}

func (q QoS) String() string {
	switch q {
	case AtMostOnce:
		return "AtMostOnce"
	case AtLeastOnce:
		return "AtLeastOnce"
	case ExactlyOnce:
		return "ExactlyOnce"
	}
	return "Invalid"
}

// MinQoS returns the weaker of a and b.
func MinQoS(a, b QoS) QoS {
	if a < b {
		return a
	}
	return b
}

// Packet is one MQTT control packet. The set of implementations is closed.
type Packet interface {
	// Type returns the control packet type in the high nibble, e.g. PUBLISH.
	Type() uint8
	// Validate reports whether the fields form a legal packet of this type.
	Validate() error

	isPacket()
}

type Will struct {
	Topic   string
	Payload []byte
	QoS     QoS
	Retain  bool
}

type Connect struct {
	ProtocolLevel uint8
	ClientID      string
	CleanSession  bool
	KeepAlive     uint16 // seconds

	UsernameFlag bool
	Username     string
	PasswordFlag bool
	Password     []byte

	Will *Will
}

type ConnAck struct {
	ReturnCode     ConnectReturnCode
	SessionPresent bool
}

type Subscription struct {
	Filter string
	QoS    QoS
}

type Subscribe struct {
	PacketID uint16
	Requests []Subscription
}

type SubAck struct {
	PacketID uint16
	Granted  []byte // QoS 0-2 or SubscriptionFailed, one per request
}

type Publish struct {
	Topic    string
	Payload  []byte
	PacketID uint16 // QoS > 0 only
	QoS      QoS
	Dup      bool
	Retain   bool
}

type PubAck struct{ PacketID uint16 }
type PubRec struct{ PacketID uint16 }
type PubRel struct{ PacketID uint16 }
type PubComp struct{ PacketID uint16 }

type Unsubscribe struct {
	PacketID uint16
	Filters  []string
}

type UnsubAck struct{ PacketID uint16 }

type PingReq struct{}
type PingResp struct{}
type Disconnect struct{}

func (*Connect) Type() uint8     { return CONNECT }
func (*ConnAck) Type() uint8     { return CONNACK }
func (*Subscribe) Type() uint8   { return SUBSCRIBE }
func (*SubAck) Type() uint8      { return SUBACK }
func (*Publish) Type() uint8     { return PUBLISH }
func (*PubAck) Type() uint8      { return PUBACK }
func (*PubRec) Type() uint8      { return PUBREC }
func (*PubRel) Type() uint8      { return PUBREL }
func (*PubComp) Type() uint8     { return PUBCOMP }
func (*Unsubscribe) Type() uint8 { return UNSUBSCRIBE }
func (*UnsubAck) Type() uint8    { return UNSUBACK }
func (*PingReq) Type() uint8     { return PINGREQ }
func (*PingResp) Type() uint8    { return PINGRESP }
func (*Disconnect) Type() uint8  { return DISCONNECT }

func (*Connect) isPacket()     {}
func (*ConnAck) isPacket()     {}
func (*Subscribe) isPacket()   {}
func (*SubAck) isPacket()      {}
func (*Publish) isPacket()     {}
func (*PubAck) isPacket()      {}
func (*PubRec) isPacket()      {}
func (*PubRel) isPacket()      {}
func (*PubComp) isPacket()     {}
func (*Unsubscribe) isPacket() {}
func (*UnsubAck) isPacket()    {}
func (*PingReq) isPacket()     {}
func (*PingResp) isPacket()    {}
func (*Disconnect) isPacket()  {}

func malformed(format string, args ...interface{}) error {
	return errors.Wrapf(ErrMalformedPacket, format, args...)
}

func (p *Connect) Validate() error {
	if p.ProtocolLevel != ProtocolLevel31 && p.ProtocolLevel != ProtocolLevel311 {
		return malformed("CONNECT protocol level %d", p.ProtocolLevel)
	}
	if err := CheckUTF8(p.ClientID, false); err != nil { // [MQTT-3.1.3-4]
		return malformed("CONNECT clientId: %v", err)
	}
	if p.PasswordFlag && !p.UsernameFlag { // [MQTT-3.1.2-22]
		return malformed("CONNECT password without username")
	}
	if !p.UsernameFlag && p.Username != "" {
		return malformed("CONNECT username without username flag")
	}
	if !p.PasswordFlag && len(p.Password) > 0 {
		return malformed("CONNECT password without password flag")
	}
	if p.UsernameFlag {
		if err := CheckUTF8(p.Username, false); err != nil { // [MQTT-3.1.3-11]
			return malformed("CONNECT User Name: %v", err)
		}
	}
	if w := p.Will; w != nil {
		if !w.QoS.Valid() { // [MQTT-3.1.2-14]
			return malformed("CONNECT invalid will QoS level %d", w.QoS)
		}
		if w.Topic == "" {
			return malformed("CONNECT empty will Topic")
		}
		if err := CheckUTF8(w.Topic, true); err != nil { // [MQTT-3.1.3-10]
			return malformed("CONNECT Will Topic: %v", err)
		}
	}
	return nil
}

func (p *ConnAck) Validate() error {
	if p.ReturnCode > NotAuthorized {
		return malformed("CONNACK return code %d", p.ReturnCode)
	}
	if p.SessionPresent && p.ReturnCode != Accepted { // [MQTT-3.2.2-4]
		return malformed("CONNACK session present with non-zero return code")
	}
	return nil
}

func (p *Subscribe) Validate() error {
	if p.PacketID == 0 {
		return malformed("SUBSCRIBE packet identifier 0")
	}
	if len(p.Requests) == 0 { // [MQTT-3.8.3-3]
		return malformed("SUBSCRIBE without topic filter")
	}
	for _, r := range p.Requests {
		if !r.QoS.Valid() { // [MQTT-3.8.3-4]
			return malformed("SUBSCRIBE requested QoS %d", r.QoS)
		}
		if err := checkFilter(r.Filter); err != nil {
			return malformed("SUBSCRIBE Topic Filter: %v", err)
		}
	}
	return nil
}

func (p *SubAck) Validate() error {
	if p.PacketID == 0 {
		return malformed("SUBACK packet identifier 0")
	}
	if len(p.Granted) == 0 {
		return malformed("SUBACK without return codes")
	}
	for _, g := range p.Granted {
		if g > byte(ExactlyOnce) && g != SubscriptionFailed { // [MQTT-3.9.3-2]
			return malformed("SUBACK return code 0x%02x", g)
		}
	}
	return nil
}

func (p *Publish) Validate() error {
	if !p.QoS.Valid() { // [MQTT-3.3.1-4]
		return malformed("PUBLISH QoS %d", p.QoS)
	}
	if p.QoS == AtMostOnce {
		if p.PacketID != 0 { // [MQTT-2.3.1-5]
			return malformed("PUBLISH packet identifier with QoS 0")
		}
		if p.Dup { // [MQTT-3.3.1-2]
			return malformed("PUBLISH DUP set for QoS 0")
		}
	} else if p.PacketID == 0 { // [MQTT-2.3.1-1]
		return malformed("PUBLISH packet identifier 0 with QoS %d", p.QoS)
	}
	if p.Topic == "" {
		return malformed("PUBLISH empty Topic Name")
	}
	if err := CheckUTF8(p.Topic, true); err != nil { // [MQTT-3.3.2-1, 2-2]
		return malformed("PUBLISH Topic Name: %v", err)
	}
	return nil
}

func validateID(name string, id uint16) error {
	if id == 0 {
		return malformed("%s packet identifier 0", name)
	}
	return nil
}

func (p *PubAck) Validate() error   { return validateID("PUBACK", p.PacketID) }
func (p *PubRec) Validate() error   { return validateID("PUBREC", p.PacketID) }
func (p *PubRel) Validate() error   { return validateID("PUBREL", p.PacketID) }
func (p *PubComp) Validate() error  { return validateID("PUBCOMP", p.PacketID) }
func (p *UnsubAck) Validate() error { return validateID("UNSUBACK", p.PacketID) }

func (p *Unsubscribe) Validate() error {
	if p.PacketID == 0 {
		return malformed("UNSUBSCRIBE packet identifier 0")
	}
	if len(p.Filters) == 0 { // [MQTT-3.10.3-2]
		return malformed("UNSUBSCRIBE without topic filter")
	}
	for _, f := range p.Filters {
		if err := checkFilter(f); err != nil {
			return malformed("UNSUBSCRIBE Topic Filter: %v", err)
		}
		if err := CheckFilterGrammar(f); err != nil { // [MQTT-4.7.1-1]
			return malformed("UNSUBSCRIBE Topic Filter: %v", err)
		}
	}
	return nil
}

func (*PingReq) Validate() error    { return nil }
func (*PingResp) Validate() error   { return nil }
func (*Disconnect) Validate() error { return nil }

// checkFilter only checks the structure of a Topic Filter. The wildcard grammar
// of an inbound SUBSCRIBE is judged per filter during subscription negotiation.
func checkFilter(f string) error {
	if f == "" { // [MQTT-4.7.3-1]
		return errEmptyTopic
	}
	return CheckUTF8(f, false)
}

var (
	ErrInvalidMultiWildcard  = errors.New("multi-level wildcard must occupy entire level and be last")
	ErrInvalidSingleWildcard = errors.New("single-level wildcard must occupy entire level")
)

// CheckFilterGrammar checks wildcard placement in Topic Filter f:
// '#' alone in the last level, '+' alone in its level. [MQTT-4.7.1-2, 4.7.1-3]
func CheckFilterGrammar(f string) error {
	levels := strings.Split(f, "/")
	for i, l := range levels {
		if strings.IndexByte(l, '#') >= 0 && (len(l) != 1 || i != len(levels)-1) {
			return errors.Wrapf(ErrInvalidMultiWildcard, "filter %q", f)
		}
		if strings.IndexByte(l, '+') >= 0 && len(l) != 1 {
			return errors.Wrapf(ErrInvalidSingleWildcard, "filter %q", f)
		}
	}
	return nil
}

var (
	errInvalidUTF        = errors.New("invalid UTF8")
	errContainsWildCards = errors.New("contains wildcard characters")
	errEmptyTopic        = errors.New("empty topic")
)

// CheckUTF8 validates an MQTT UTF-8 encoded string: well formed, no U+0000 and
// no surrogate code points. [MQTT-1.5.3-1] [MQTT-1.5.3-2]
// With checkWildCards set, '+' and '#' are rejected as well. [MQTT-3.3.2-2]
func CheckUTF8(str string, checkWildCards bool) error {
	for i := 0; i < len(str); {
		c := str[i]
		if c == 0 {
			return errInvalidUTF
		}

		if checkWildCards && (c == '+' || c == '#') {
			return errContainsWildCards
		} else if c&0x80 == 0 {
			i++
		} else {
			// utf8 already rejects surrogate halves (U+D800-U+DFFF).
			r, size := utf8.DecodeRuneInString(str[i:])
			if r == utf8.RuneError && size == 1 {
				return errInvalidUTF
			}
			i += size
		}
	}
	return nil
}

// HasWildcards reports whether s contains a Topic Filter wildcard character.
func HasWildcards(s string) bool {
	return strings.ContainsAny(s, "+#")
}

func checked[T Packet](p T) (T, error) {
	if err := p.Validate(); err != nil {
		var none T
		return none, err
	}
	return p, nil
}

// NewConnect builds a protocol level 4 CONNECT.
func NewConnect(clientID string, cleanSession bool, keepAlive uint16) (*Connect, error) {
	p := &Connect{
		ProtocolLevel: ProtocolLevel311,
		ClientID:      clientID,
		CleanSession:  cleanSession,
		KeepAlive:     keepAlive,
	}
	return checked(p)
}

// SetCredentials sets username and optional password and revalidates.
func (p *Connect) SetCredentials(username string, password []byte) error {
	p.UsernameFlag, p.Username = true, username
	if password != nil {
		p.PasswordFlag, p.Password = true, password
	}
	return p.Validate()
}

// SetWill sets the last will message and revalidates.
func (p *Connect) SetWill(w *Will) error {
	p.Will = w
	return p.Validate()
}

func NewConnAck(code ConnectReturnCode, sessionPresent bool) (*ConnAck, error) {
	p := &ConnAck{ReturnCode: code, SessionPresent: sessionPresent}
	return checked(p)
}

// NewSubscribe builds an outbound SUBSCRIBE. Unlike Validate, which a decoded
// SUBSCRIBE passes so bad filters can be refused one by one, it also rejects
// filters breaking the wildcard grammar.
func NewSubscribe(pID uint16, reqs ...Subscription) (*Subscribe, error) {
	p := &Subscribe{PacketID: pID, Requests: reqs}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	for _, r := range reqs {
		if err := CheckFilterGrammar(r.Filter); err != nil {
			return nil, malformed("SUBSCRIBE Topic Filter: %v", err)
		}
	}
	return p, nil
}

func NewSubAck(pID uint16, granted ...byte) (*SubAck, error) {
	p := &SubAck{PacketID: pID, Granted: granted}
	return checked(p)
}

func NewPublish(topic string, payload []byte, qos QoS, retain, dup bool, pID uint16) (*Publish, error) {
	p := &Publish{
		Topic:    topic,
		Payload:  payload,
		PacketID: pID,
		QoS:      qos,
		Dup:      dup,
		Retain:   retain,
	}
	return checked(p)
}

func NewUnsubscribe(pID uint16, filters ...string) (*Unsubscribe, error) {
	p := &Unsubscribe{PacketID: pID, Filters: filters}
	return checked(p)
}

func NewPubAck(pID uint16) (*PubAck, error) {
	p := &PubAck{pID}
	return checked(p)
}

func NewPubRec(pID uint16) (*PubRec, error) {
	p := &PubRec{pID}
	return checked(p)
}

func NewPubRel(pID uint16) (*PubRel, error) {
	p := &PubRel{pID}
	return checked(p)
}

func NewPubComp(pID uint16) (*PubComp, error) {
	p := &PubComp{pID}
	return checked(p)
}

func NewUnsubAck(pID uint16) (*UnsubAck, error) {
	p := &UnsubAck{pID}
	return checked(p)
}
