package model

import "github.com/pkg/errors"

// Error taxonomy. Errors returned by this module wrap one of these and are
// matched with errors.Is.
var (
	// ErrMalformedPacket is a structural or grammar violation. Fatal to the
	// connection because framing can no longer be trusted.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrEncoding rejects a single encode call with an out of range value.
	ErrEncoding = errors.New("encoding error")

	// ErrFrameTooLarge is returned when a frame exceeds the configured maximum.
	// Fatal to the connection.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrIdentifierSpaceExhausted means all 65535 packet identifiers are in flight.
	ErrIdentifierSpaceExhausted = errors.New("packet identifier space exhausted")

	// ErrDeliveryFailed reports a QoS 1/2 delivery that ran out of retries.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrProtocolAnomaly is an acknowledgement for an unknown packet identifier.
	// Never fatal.
	ErrProtocolAnomaly = errors.New("protocol anomaly")

	// ErrProtocolViolation is a packet that is legal on the wire but not at this
	// point of the session. Fatal to the connection.
	ErrProtocolViolation = errors.New("protocol violation")
)

// ConnectReturnCode is the CONNACK return code. It doubles as an error so an
// authenticator can pick the code the client gets back.
type ConnectReturnCode uint8

const (
	Accepted ConnectReturnCode = iota
	UnacceptableProtocolVersion
	IdentifierRejected
	ServerUnavailable
	BadUsernameOrPassword
	NotAuthorized
)

func (c ConnectReturnCode) Error() string {
	switch c {
	case Accepted:
		return "connection accepted"
	case UnacceptableProtocolVersion:
		return "connection refused: unacceptable protocol version"
	case IdentifierRejected:
		return "connection refused: identifier rejected"
	case ServerUnavailable:
		return "connection refused: server unavailable"
	case BadUsernameOrPassword:
		return "connection refused: bad user name or password"
	case NotAuthorized:
		return "connection refused: not authorized"
	}
	return "connection refused: unknown return code"
}
