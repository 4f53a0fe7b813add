package mqttcore

import (
	"github.com/RoanBrand/mqttcore/internal/codec"
	"github.com/RoanBrand/mqttcore/internal/model"
	"github.com/pkg/errors"
)

type (
	QoS               = model.QoS
	Message           = model.Message
	Will              = model.Will
	Subscription      = model.Subscription
	Packet            = model.Packet
	ConnectReturnCode = model.ConnectReturnCode

	Connect = model.Connect
	ConnAck = model.ConnAck
	SubAck  = model.SubAck
)

// NewConnect builds a protocol level 4 CONNECT.
func NewConnect(clientID string, cleanSession bool, keepAlive uint16) (*Connect, error) {
	return model.NewConnect(clientID, cleanSession, keepAlive)
}

const (
	AtMostOnce  = model.AtMostOnce
	AtLeastOnce = model.AtLeastOnce
	ExactlyOnce = model.ExactlyOnce
)

const (
	Accepted                    = model.Accepted
	UnacceptableProtocolVersion = model.UnacceptableProtocolVersion
	IdentifierRejected          = model.IdentifierRejected
	ServerUnavailable           = model.ServerUnavailable
	BadUsernameOrPassword       = model.BadUsernameOrPassword
	NotAuthorized               = model.NotAuthorized
)

var (
	ErrMalformedPacket          = model.ErrMalformedPacket
	ErrEncoding                 = model.ErrEncoding
	ErrFrameTooLarge            = model.ErrFrameTooLarge
	ErrIdentifierSpaceExhausted = model.ErrIdentifierSpaceExhausted
	ErrDeliveryFailed           = model.ErrDeliveryFailed
	ErrProtocolAnomaly          = model.ErrProtocolAnomaly
	ErrProtocolViolation        = model.ErrProtocolViolation
	ErrNeedMore                 = codec.ErrNeedMore

	// ErrDisconnected is returned by Feed after the peer sent DISCONNECT.
	ErrDisconnected = errors.New("peer disconnected")
	// ErrConnectionRefused wraps the ConnectReturnCode of a refused CONNECT.
	ErrConnectionRefused = errors.New("connection refused")
	ErrKeepAliveTimeout  = errors.New("keep alive timeout")
	ErrNotConnected      = errors.New("session not connected")
	ErrClosed            = errors.New("session closed")
)

// Encode returns the wire form of p.
func Encode(p Packet) ([]byte, error) {
	return codec.Encode(p)
}

// Decode parses the first frame in b, see codec.Decode.
func Decode(b []byte, maxFrame int) (Packet, int, error) {
	return codec.Decode(b, maxFrame)
}
