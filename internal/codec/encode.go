package codec

import (
	"github.com/RoanBrand/mqttcore/internal/model"
	"github.com/pkg/errors"
)

var protoLevelToName = map[uint8]string{
	model.ProtocolLevel31:  "MQIsdp",
	model.ProtocolLevel311: "MQTT",
}

const maxStringLen = 65535

// Encode returns the wire form of p.
func Encode(p model.Packet) ([]byte, error) {
	return AppendPacket(nil, p)
}

// AppendPacket appends the wire form of p to dst. On error dst is returned
// unchanged.
func AppendPacket(dst []byte, p model.Packet) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return dst, err
	}

	var flags byte
	var body []byte
	var err error

	switch p := p.(type) {
	case *model.Connect:
		body, err = encodeConnect(p)
	case *model.ConnAck:
		body = make([]byte, 2)
		if p.SessionPresent {
			body[0] = 0x01
		}
		body[1] = byte(p.ReturnCode)
	case *model.Publish:
		flags = byte(p.QoS) << 1
		if p.Dup {
			flags |= 0x08
		}
		if p.Retain {
			flags |= 0x01
		}
		body, err = appendString(make([]byte, 0, 4+len(p.Topic)+len(p.Payload)), p.Topic)
		if p.QoS > model.AtMostOnce {
			body = appendUint16(body, p.PacketID)
		}
		body = append(body, p.Payload...)
	case *model.PubAck:
		body = appendUint16(nil, p.PacketID)
	case *model.PubRec:
		body = appendUint16(nil, p.PacketID)
	case *model.PubRel:
		flags = 0x02
		body = appendUint16(nil, p.PacketID)
	case *model.PubComp:
		body = appendUint16(nil, p.PacketID)
	case *model.Subscribe:
		flags = 0x02
		body = appendUint16(make([]byte, 0, 2+len(p.Requests)*8), p.PacketID)
		for _, r := range p.Requests {
			if body, err = appendString(body, r.Filter); err != nil {
				break
			}
			body = append(body, byte(r.QoS))
		}
	case *model.SubAck:
		body = appendUint16(make([]byte, 0, 2+len(p.Granted)), p.PacketID)
		body = append(body, p.Granted...) // [MQTT-3.9.3-1]
	case *model.Unsubscribe:
		flags = 0x02
		body = appendUint16(make([]byte, 0, 2+len(p.Filters)*8), p.PacketID)
		for _, f := range p.Filters {
			if body, err = appendString(body, f); err != nil {
				break
			}
		}
	case *model.UnsubAck:
		body = appendUint16(nil, p.PacketID)
	case *model.PingReq, *model.PingResp, *model.Disconnect:
	default:
		return dst, errors.Wrapf(model.ErrEncoding, "unknown packet %T", p)
	}
	if err != nil {
		return dst, err
	}

	out := append(dst, p.Type()|flags)
	if out, err = AppendRemainingLength(out, len(body)); err != nil {
		return dst, err
	}
	return append(out, body...), nil
}

func encodeConnect(p *model.Connect) ([]byte, error) {
	var cf byte
	if p.CleanSession {
		cf |= 0x02
	}
	if w := p.Will; w != nil {
		cf |= 0x04 | byte(w.QoS)<<3
		if w.Retain {
			cf |= 0x20
		}
	}
	if p.PasswordFlag {
		cf |= 0x40
	}
	if p.UsernameFlag {
		cf |= 0x80
	}

	b, err := appendString(make([]byte, 0, 32+len(p.ClientID)), protoLevelToName[p.ProtocolLevel])
	if err != nil {
		return nil, err
	}
	b = append(b, p.ProtocolLevel, cf)
	b = appendUint16(b, p.KeepAlive)

	// payload order is fixed: clientId, will topic, will message, username, password
	if b, err = appendString(b, p.ClientID); err != nil {
		return nil, err
	}
	if w := p.Will; w != nil {
		if b, err = appendString(b, w.Topic); err != nil {
			return nil, err
		}
		if b, err = appendBinary(b, w.Payload); err != nil {
			return nil, err
		}
	}
	if p.UsernameFlag {
		if b, err = appendString(b, p.Username); err != nil {
			return nil, err
		}
	}
	if p.PasswordFlag {
		if b, err = appendBinary(b, p.Password); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func appendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

func appendString(b []byte, s string) ([]byte, error) {
	if len(s) > maxStringLen {
		return b, errors.Wrapf(model.ErrEncoding, "string of %d bytes exceeds 65535", len(s))
	}
	b = appendUint16(b, uint16(len(s)))
	return append(b, s...), nil
}

func appendBinary(b, data []byte) ([]byte, error) {
	if len(data) > maxStringLen {
		return b, errors.Wrapf(model.ErrEncoding, "binary field of %d bytes exceeds 65535", len(data))
	}
	b = appendUint16(b, uint16(len(data)))
	return append(b, data...), nil
}
