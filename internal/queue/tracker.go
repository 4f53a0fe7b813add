package queue

import (
	"time"

	"github.com/RoanBrand/mqttcore/internal/model"
	"github.com/pkg/errors"
)

// Tracker holds the in-flight QoS 1 & 2 state of one connection and owns its
// packet identifiers. It is not safe for concurrent use and starts no timers:
// retransmission happens when the caller invokes Tick.
type Tracker struct {
	ids IDs

	out       queue // outbound, oldest transmission first
	outLookup map[uint16]*Item
	in        map[uint16]*Item // inbound QoS 2 waiting for PUBREL

	// RetryInterval is how long an unacknowledged PUBLISH or PUBREL waits before
	// Tick resends it. 0 disables timeout based resending.
	RetryInterval time.Duration
	// MaxRetries is the number of resends before a delivery is given up.
	// Negative means unlimited.
	MaxRetries int
}

// Failure is an outbound delivery Tick gave up on.
type Failure struct {
	PId   uint16
	QoS   model.QoS
	Phase Phase
	Err   error
}

func NewTracker(retryInterval time.Duration, maxRetries int) *Tracker {
	return &Tracker{
		outLookup:     make(map[uint16]*Item, 4),
		in:            make(map[uint16]*Item, 2),
		RetryInterval: retryInterval,
		MaxRetries:    maxRetries,
	}
}

func anomaly(format string, args ...interface{}) error {
	return errors.Wrapf(model.ErrProtocolAnomaly, format, args...)
}

// Publish prepares an outbound PUBLISH. QoS 0 packets pass through untracked.
// For QoS 1 & 2 a packet identifier is allocated and a record created; the
// returned packet is the one to transmit.
func (t *Tracker) Publish(p *model.Publish, now time.Time) (*model.Publish, error) {
	if p.QoS == model.AtMostOnce {
		return p, nil
	}

	id, err := t.ids.Next()
	if err != nil {
		return nil, err
	}

	snap := *p
	snap.PacketID, snap.Dup = id, false
	if err := snap.Validate(); err != nil {
		t.ids.Release(id)
		return nil, err
	}

	i := &Item{P: &snap, Sent: now, Attempts: 1, PId: id, QoS: p.QoS, Dir: Outbound, Phase: Sent}
	t.out.add(i)
	t.outLookup[id] = i
	return &snap, nil
}

func (t *Tracker) retire(i *Item) {
	t.out.remove(i)
	delete(t.outLookup, i.PId)
	t.ids.Release(i.PId)
}

// Forget drops the outbound record for id without completing it, e.g. when
// the PUBLISH could not be encoded.
func (t *Tracker) Forget(id uint16) {
	if i, ok := t.outLookup[id]; ok {
		t.retire(i)
	}
}

// PubAck completes a QoS 1 delivery.
func (t *Tracker) PubAck(id uint16) error {
	i, ok := t.outLookup[id]
	if !ok {
		return anomaly("PUBACK for unknown packet identifier %d", id)
	}
	if i.QoS != model.AtLeastOnce {
		return anomaly("PUBACK for QoS %d packet identifier %d", i.QoS, id)
	}
	t.retire(i)
	return nil
}

// PubRec moves a QoS 2 delivery past its first acknowledgement and returns the
// PUBREL to send. A repeated PUBREC gets the PUBREL again.
func (t *Tracker) PubRec(id uint16, now time.Time) (*model.PubRel, error) {
	i, ok := t.outLookup[id]
	if !ok {
		return nil, anomaly("PUBREC for unknown packet identifier %d", id)
	}
	if i.QoS != model.ExactlyOnce {
		return nil, anomaly("PUBREC for QoS %d packet identifier %d", i.QoS, id)
	}

	if i.Phase == Sent {
		i.Phase = Rec
		i.P = nil // [MQTT-4.3.3-1] message is no longer ours to resend
		i.Attempts = 0
	}
	i.Phase = RelSent
	i.Attempts++
	i.Sent = now
	t.out.moveToBack(i)
	return &model.PubRel{PacketID: id}, nil
}

// PubComp completes a QoS 2 delivery.
func (t *Tracker) PubComp(id uint16) error {
	i, ok := t.outLookup[id]
	if !ok {
		return anomaly("PUBCOMP for unknown packet identifier %d", id)
	}
	if i.Phase != RelSent {
		return anomaly("PUBCOMP for packet identifier %d in phase %s", id, i.Phase)
	}
	t.retire(i)
	return nil
}

// Received records an inbound QoS 2 PUBLISH. It returns false for a duplicate
// of a message still waiting for PUBREL; the first copy is kept.
func (t *Tracker) Received(p *model.Publish, now time.Time) bool {
	if _, ok := t.in[p.PacketID]; ok {
		return false
	}
	t.in[p.PacketID] = &Item{P: p, Sent: now, Attempts: 1, PId: p.PacketID, QoS: p.QoS, Dir: Inbound, Phase: Received}
	return true
}

// PubRel retires an inbound QoS 2 record and returns the message to hand to the
// application, exactly once per identifier.
func (t *Tracker) PubRel(id uint16) (*model.Publish, error) {
	i, ok := t.in[id]
	if !ok {
		return nil, anomaly("PUBREL for unknown packet identifier %d", id)
	}
	delete(t.in, id)
	return i.P, nil
}

// Tick resends every outbound PUBLISH (with DUP set) or PUBREL whose last
// transmission is at least RetryInterval old, in the order they were last sent.
// Records that already used up MaxRetries are dropped and returned as failures.
func (t *Tracker) Tick(now time.Time) (resend []model.Packet, failed []Failure) {
	if t.RetryInterval <= 0 {
		return nil, nil
	}

	var due []*Item
	for i := t.out.h; i != nil; i = i.next {
		if now.Sub(i.Sent) < t.RetryInterval {
			break
		}
		due = append(due, i)
	}

	for _, i := range due {
		if t.MaxRetries >= 0 && i.Attempts > t.MaxRetries {
			t.retire(i)
			failed = append(failed, Failure{
				PId:   i.PId,
				QoS:   i.QoS,
				Phase: i.Phase,
				Err:   errors.Wrapf(model.ErrDeliveryFailed, "packet identifier %d unacknowledged after %d attempts", i.PId, i.Attempts),
			})
			continue
		}

		i.Attempts++
		i.Sent = now
		t.out.moveToBack(i)

		switch i.Phase {
		case Sent: // [MQTT-3.3.1-1]
			i.P.Dup = true
			dup := *i.P
			resend = append(resend, &dup)
		case RelSent:
			resend = append(resend, &model.PubRel{PacketID: i.PId})
		}
	}
	return resend, failed
}

// NextID allocates an identifier outside the publish flow (SUBSCRIBE,
// UNSUBSCRIBE).
func (t *Tracker) NextID() (uint16, error) {
	return t.ids.Next()
}

func (t *Tracker) ReleaseID(id uint16) {
	if _, ok := t.outLookup[id]; ok {
		return
	}
	t.ids.Release(id)
}

// Lookup returns the outbound record for id.
func (t *Tracker) Lookup(id uint16) (*Item, bool) {
	i, ok := t.outLookup[id]
	return i, ok
}

// Inflight is the number of outbound QoS 1 & 2 deliveries not yet complete.
func (t *Tracker) Inflight() int {
	return t.out.n
}

// Pending is the number of inbound QoS 2 messages waiting for PUBREL.
func (t *Tracker) Pending() int {
	return len(t.in)
}

// Reset discards every record and frees every identifier.
func (t *Tracker) Reset() {
	t.out.reset()
	for id := range t.outLookup {
		delete(t.outLookup, id)
	}
	for id := range t.in {
		delete(t.in, id)
	}
	t.ids.Reset()
}
