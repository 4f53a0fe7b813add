package queue

import (
	"time"

	"github.com/RoanBrand/mqttcore/internal/model"
)

type Direction uint8

const (
	Outbound Direction = iota
	Inbound
)

// Phase of a QoS 1/2 handshake.
type Phase uint8

const (
	Sent     Phase = iota // PUBLISH out, waiting for PUBACK or PUBREC
	Rec                   // PUBREC in, PUBREL about to go out
	RelSent               // PUBREL out, waiting for PUBCOMP
	Received              // QoS 2 PUBLISH in, waiting for PUBREL
)

func (p Phase) String() string {
	switch p {
	case Sent:
		return "Sent"
	case Rec:
		return "Rec"
	case RelSent:
		return "RelSent"
	case Received:
		return "Received"
	}
	return "Unknown"
}

// Item is an in-flight delivery record.
type Item struct {
	P *model.Publish // snapshot, nil once PUBREC is received

	Sent     time.Time // last transmission
	Attempts int       // transmissions of the current phase

	PId   uint16
	QoS   model.QoS
	Dir   Direction
	Phase Phase

	next, prev *Item
}
