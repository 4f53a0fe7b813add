package topic

import (
	"sort"

	"github.com/RoanBrand/mqttcore/internal/model"
	log "github.com/sirupsen/logrus"
)

// Policy decides whether a client may subscribe to a filter and caps the QoS it
// is granted. Returning an error rejects the filter.
type Policy interface {
	AuthSubscription(clientID, filter string, qos model.QoS) (model.QoS, error)
}

// Negotiator answers SUBSCRIBE and UNSUBSCRIBE for one connection and keeps
// that connection's Topic Filter -> granted QoS table.
type Negotiator struct {
	clientID string
	policy   Policy
	table    map[string]model.QoS
}

// NewNegotiator returns a Negotiator for clientID. A nil policy grants every
// valid request as asked.
func NewNegotiator(clientID string, policy Policy) *Negotiator {
	return &Negotiator{clientID: clientID, policy: policy, table: make(map[string]model.QoS, 4)}
}

// SetClientID changes the identity passed to the policy.
func (n *Negotiator) SetClientID(id string) {
	n.clientID = id
}

// Subscribe builds the SUBACK for s with one return code per request, in
// request order. A filter that breaks the wildcard grammar or that the policy
// rejects fails on its own. Granted subscriptions are recorded in the table,
// replacing an existing entry for the same filter [MQTT-3.8.4-3], and returned.
func (n *Negotiator) Subscribe(s *model.Subscribe) (*model.SubAck, []model.Subscription) {
	granted := make([]byte, len(s.Requests))
	added := make([]model.Subscription, 0, len(s.Requests))

	for i, r := range s.Requests {
		if err := ValidateFilter(r.Filter); err != nil {
			log.WithFields(log.Fields{
				"clientId":    n.clientID,
				"topicFilter": r.Filter,
			}).Debug("SUBSCRIBE invalid Topic Filter: ", err)
			granted[i] = model.SubscriptionFailed
			continue
		}

		q := r.QoS
		if n.policy != nil {
			limit, err := n.policy.AuthSubscription(n.clientID, r.Filter, r.QoS)
			if err != nil {
				log.WithFields(log.Fields{
					"clientId":    n.clientID,
					"topicFilter": r.Filter,
				}).Debug("SUBSCRIBE refused: ", err)
				granted[i] = model.SubscriptionFailed
				continue
			}
			q = model.MinQoS(q, limit)
		}

		n.table[r.Filter] = q
		granted[i] = byte(q)
		added = append(added, model.Subscription{Filter: r.Filter, QoS: q})
	}

	return &model.SubAck{PacketID: s.PacketID, Granted: granted}, added
}

// Unsubscribe removes the filters of u from the table and returns the UNSUBACK
// along with the filters that were actually subscribed. [MQTT-3.10.4-5]
func (n *Negotiator) Unsubscribe(u *model.Unsubscribe) (*model.UnsubAck, []string) {
	removed := make([]string, 0, len(u.Filters))
	for _, f := range u.Filters {
		if _, ok := n.table[f]; ok {
			delete(n.table, f)
			removed = append(removed, f)
		}
	}
	return &model.UnsubAck{PacketID: u.PacketID}, removed
}

// Granted returns the QoS recorded for filter.
func (n *Negotiator) Granted(filter string) (model.QoS, bool) {
	q, ok := n.table[filter]
	return q, ok
}

// Matching returns the highest QoS among the recorded filters matching name.
func (n *Negotiator) Matching(name string) (model.QoS, bool) {
	var max model.QoS
	found := false
	for f, q := range n.table {
		if Match(f, name) {
			if !found || q > max {
				max = q
			}
			found = true
		}
	}
	return max, found
}

// Subscriptions returns the table sorted by filter.
func (n *Negotiator) Subscriptions() []model.Subscription {
	subs := make([]model.Subscription, 0, len(n.table))
	for f, q := range n.table {
		subs = append(subs, model.Subscription{Filter: f, QoS: q})
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Filter < subs[j].Filter })
	return subs
}

func (n *Negotiator) Len() int {
	return len(n.table)
}

// Reset clears the table.
func (n *Negotiator) Reset() {
	for f := range n.table {
		delete(n.table, f)
	}
}
