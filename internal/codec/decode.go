package codec

import (
	"encoding/binary"

	"github.com/RoanBrand/mqttcore/internal/model"
	"github.com/pkg/errors"
)

// ErrNeedMore means the input does not yet hold a complete frame. Nothing was
// consumed.
var ErrNeedMore = errors.New("need more bytes")

func malformed(format string, args ...interface{}) error {
	return errors.Wrapf(model.ErrMalformedPacket, format, args...)
}

// Decode parses the first frame in b. It returns the packet and the number of
// bytes the frame occupied, or ErrNeedMore if b holds only part of a frame.
// Frames larger than maxFrame bytes (header included) fail with
// model.ErrFrameTooLarge. maxFrame <= 0 means only the protocol limit applies.
//
// A CONNECT with an unsupported protocol name or level is returned together with
// an error wrapping model.UnacceptableProtocolVersion, so the caller can answer
// with CONNACK before closing.
func Decode(b []byte, maxFrame int) (model.Packet, int, error) {
	ctrl, rl, hl, err := DecodeHeader(b)
	if err != nil {
		return nil, 0, err
	}
	if maxFrame > 0 && hl+rl > maxFrame {
		return nil, 0, errors.Wrapf(model.ErrFrameTooLarge, "frame of %d bytes exceeds %d", hl+rl, maxFrame)
	}
	if len(b) < hl+rl {
		return nil, 0, ErrNeedMore
	}

	p, err := DecodeBody(ctrl, b[hl:hl+rl])
	if err != nil {
		return p, 0, err
	}
	return p, hl + rl, nil
}

// DecodeHeader parses the fixed header at the start of b: the control byte, the
// remaining length and the header's own length in bytes.
func DecodeHeader(b []byte) (ctrl byte, remaining, n int, err error) {
	if len(b) == 0 {
		return 0, 0, 0, ErrNeedMore
	}

	ctrl = b[0]
	if err = checkFlags(ctrl); err != nil {
		return 0, 0, 0, err
	}

	remaining, n, err = decodeRemainingLength(b[1:])
	if err != nil {
		return 0, 0, 0, err
	}
	return ctrl, remaining, n + 1, nil
}

// [MQTT-2.2.2-1, 2-2]
func checkFlags(ctrl byte) error {
	t, f := ctrl&0xF0, ctrl&0x0F
	switch t {
	case model.CONNECT, model.CONNACK, model.PUBACK, model.PUBREC, model.PUBCOMP,
		model.SUBACK, model.UNSUBACK, model.PINGREQ, model.PINGRESP, model.DISCONNECT:
		if f != 0 {
			return malformed("fixed header flags must be 0 (reserved) for type %d", t>>4)
		}
	case model.PUBLISH:
		if f&0x06 == 0x06 { // [MQTT-3.3.1-4]
			return malformed("PUBLISH with QoS 3")
		}
		if f&0x08 > 0 && f&0x06 == 0 { // [MQTT-3.3.1-2]
			return malformed("PUBLISH DUP set for QoS 0")
		}
	case model.PUBREL, model.SUBSCRIBE, model.UNSUBSCRIBE: // [MQTT-3.6.1-1, 3.8.1-1, 3.10.1-1]
		if f != 0x02 {
			return malformed("fixed header flags must be 0x02 for type %d", t>>4)
		}
	default:
		return malformed("invalid control packet type %d", t>>4)
	}
	return nil
}

// DecodeBody parses the variable header and payload of a frame whose fixed
// header was ctrl. body must be exactly remaining length bytes. The returned
// packet does not reference body.
func DecodeBody(ctrl byte, body []byte) (model.Packet, error) {
	if err := checkFlags(ctrl); err != nil {
		return nil, err
	}

	r := reader{b: body}
	var p model.Packet

	switch ctrl & 0xF0 {
	case model.CONNECT:
		c, err := decodeConnect(&r)
		if err != nil {
			if c != nil {
				return c, err
			}
			return nil, err
		}
		p = c
	case model.CONNACK:
		if len(body) != 2 {
			return nil, malformed("CONNACK remaining length %d", len(body))
		}
		if body[0]&0xFE != 0 {
			return nil, malformed("CONNACK reserved acknowledge flags set")
		}
		p = &model.ConnAck{SessionPresent: body[0] == 1, ReturnCode: model.ConnectReturnCode(body[1])}
	case model.PUBLISH:
		pub := &model.Publish{
			QoS:    model.QoS(ctrl&0x06) >> 1,
			Dup:    ctrl&0x08 > 0,
			Retain: ctrl&0x01 > 0,
		}
		pub.Topic = r.string("PUBLISH Topic Name")
		if pub.QoS > model.AtMostOnce {
			pub.PacketID = r.uint16("PUBLISH packet identifier")
		}
		pub.Payload = r.rest()
		p = pub
	case model.PUBACK:
		p = &model.PubAck{PacketID: r.ackID("PUBACK")}
	case model.PUBREC:
		p = &model.PubRec{PacketID: r.ackID("PUBREC")}
	case model.PUBREL:
		p = &model.PubRel{PacketID: r.ackID("PUBREL")}
	case model.PUBCOMP:
		p = &model.PubComp{PacketID: r.ackID("PUBCOMP")}
	case model.SUBSCRIBE:
		s := &model.Subscribe{PacketID: r.uint16("SUBSCRIBE packet identifier")}
		for r.err == nil && r.remaining() > 0 {
			f := r.string("SUBSCRIBE Topic Filter")
			q := r.byte("SUBSCRIBE requested QoS")
			if r.err == nil && q&0xFC != 0 { // [MQTT-3.8.3-4]
				return nil, malformed("SUBSCRIBE requested QoS byte 0x%02x", q)
			}
			s.Requests = append(s.Requests, model.Subscription{Filter: f, QoS: model.QoS(q)})
		}
		p = s
	case model.SUBACK:
		s := &model.SubAck{PacketID: r.uint16("SUBACK packet identifier")}
		s.Granted = r.rest()
		p = s
	case model.UNSUBSCRIBE:
		u := &model.Unsubscribe{PacketID: r.uint16("UNSUBSCRIBE packet identifier")}
		for r.err == nil && r.remaining() > 0 {
			u.Filters = append(u.Filters, r.string("UNSUBSCRIBE Topic Filter"))
		}
		p = u
	case model.UNSUBACK:
		p = &model.UnsubAck{PacketID: r.ackID("UNSUBACK")}
	case model.PINGREQ:
		p = &model.PingReq{}
	case model.PINGRESP:
		p = &model.PingResp{}
	case model.DISCONNECT:
		p = &model.Disconnect{}
	}

	if r.err != nil {
		return nil, r.err
	}
	if r.remaining() != 0 {
		return nil, malformed("%d unexpected trailing bytes in packet type %d", r.remaining(), ctrl>>4)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeConnect(r *reader) (*model.Connect, error) {
	name := r.string("CONNECT protocol name")
	level := r.byte("CONNECT protocol level")
	if r.err != nil {
		return nil, r.err
	}

	c := &model.Connect{ProtocolLevel: level}
	if n, ok := protoLevelToName[level]; !ok || n != name { // [MQTT-3.1.2-1, 2-2]
		return c, errors.Wrapf(model.UnacceptableProtocolVersion, "protocol %q level %d", name, level)
	}

	cf := r.byte("CONNECT flags")
	c.KeepAlive = r.uint16("CONNECT keep alive")
	if r.err != nil {
		return nil, r.err
	}
	if cf&0x01 > 0 { // [MQTT-3.1.2-3]
		return nil, malformed("CONNECT reserved flag set")
	}
	c.CleanSession = cf&0x02 > 0

	c.ClientID = r.string("CONNECT clientId")

	if cf&0x04 > 0 {
		w := &model.Will{
			QoS:    model.QoS(cf&0x18) >> 3,
			Retain: cf&0x20 > 0,
		}
		w.Topic = r.string("CONNECT will Topic")
		w.Payload = r.binary("CONNECT will Message")
		c.Will = w
	} else if cf&0x38 > 0 { // [MQTT-3.1.2-11, 2-13, 2-15]
		return nil, malformed("CONNECT will flags without will")
	}

	if cf&0x80 > 0 {
		c.UsernameFlag = true
		c.Username = r.string("CONNECT User Name")
	}
	if cf&0x40 > 0 {
		c.PasswordFlag = true
		c.Password = r.binary("CONNECT Password")
	}

	if r.err != nil {
		return nil, r.err
	}
	return c, nil
}

// reader walks a frame body. The first short read sets err; later reads return
// zero values.
type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) remaining() int {
	return len(r.b) - r.off
}

func (r *reader) short(what string) {
	if r.err == nil {
		r.err = malformed("packet too short for %s", what)
	}
}

func (r *reader) byte(what string) byte {
	if r.err != nil || r.remaining() < 1 {
		r.short(what)
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *reader) uint16(what string) uint16 {
	if r.err != nil || r.remaining() < 2 {
		r.short(what)
		return 0
	}
	v := binary.BigEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v
}

func (r *reader) field(what string) []byte {
	l := int(r.uint16(what))
	if r.err != nil {
		return nil
	}
	if r.remaining() < l {
		r.short(what)
		return nil
	}
	f := r.b[r.off : r.off+l]
	r.off += l
	return f
}

func (r *reader) string(what string) string {
	return string(r.field(what))
}

// binary copies out a length prefixed field. Empty fields yield nil, like rest.
func (r *reader) binary(what string) []byte {
	f := r.field(what)
	if len(f) == 0 {
		return nil
	}
	return append(make([]byte, 0, len(f)), f...)
}

// rest copies out everything left. Empty input yields nil.
func (r *reader) rest() []byte {
	if r.err != nil || r.remaining() == 0 {
		return nil
	}
	v := append(make([]byte, 0, r.remaining()), r.b[r.off:]...)
	r.off = len(r.b)
	return v
}

// ackID reads the body of a frame that carries only a packet identifier.
func (r *reader) ackID(name string) uint16 {
	if len(r.b) != 2 {
		r.err = malformed("%s remaining length %d", name, len(r.b))
		return 0
	}
	return r.uint16(name + " packet identifier")
}
