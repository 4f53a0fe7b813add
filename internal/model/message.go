package model

// Message is an application message, either reassembled from an inbound PUBLISH
// or handed to a session for sending.
type Message struct {
	Topic   string
	Payload []byte
	QoS     QoS
	Retain  bool
	Dup     bool
}

// MessageFromPublish copies the application fields out of p.
func MessageFromPublish(p *Publish) Message {
	return Message{
		Topic:   p.Topic,
		Payload: p.Payload,
		QoS:     p.QoS,
		Retain:  p.Retain,
		Dup:     p.Dup,
	}
}
