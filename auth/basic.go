package auth

import (
	"sync"

	"github.com/RoanBrand/mqttcore/internal/model"
	"github.com/RoanBrand/mqttcore/internal/topic"
	"github.com/pkg/errors"
)

var ErrRestricted = errors.New("restricted")

type BasicAuth struct {
	users map[string]*credential // k: clientId
	userL sync.RWMutex

	subs map[string]map[string]struct{} // topicF -> clientIds
	caps map[string]model.QoS           // topicF -> max QoS
	subL sync.RWMutex

	pubs map[string]map[string]struct{}
	pubL sync.RWMutex

	allowGuests bool
}

type credential struct {
	userName string
	password string
}

func NewBasicAuth() *BasicAuth {
	return &BasicAuth{
		users: make(map[string]*credential),
		subs:  make(map[string]map[string]struct{}),
		caps:  make(map[string]model.QoS),
		pubs:  make(map[string]map[string]struct{}),
	}
}

func (ba *BasicAuth) RegisterUser(clientId, userName, password string) {
	ba.userL.Lock()
	ba.users[clientId] = &credential{userName, password}
	ba.userL.Unlock()
}

func (ba *BasicAuth) RemoveUser(clientId string) {
	ba.userL.Lock()
	delete(ba.users, clientId)
	ba.userL.Unlock()
}

// Allow user to subscribe to a restricted Topic Filter.
// The Topic Filter becomes restricted if it is called with this function.
func (ba *BasicAuth) AllowSubscription(topicFilter, clientId string) {
	ba.subL.Lock()

	clients, ok := ba.subs[topicFilter]
	if !ok {
		clients = make(map[string]struct{})
		ba.subs[topicFilter] = clients
	}

	clients[clientId] = struct{}{}
	ba.subL.Unlock()
}

// Cap the QoS granted to subscriptions whose Topic Filter matches pattern.
// pattern may itself contain wildcards, e.g. "sensors/#".
func (ba *BasicAuth) LimitQoS(pattern string, max model.QoS) {
	ba.subL.Lock()
	ba.caps[pattern] = max
	ba.subL.Unlock()
}

// Allow user to publish to a restricted Topic Name.
// The Topic Name becomes restricted if it is called with this function.
func (ba *BasicAuth) AllowPublish(topicName, clientId string) {
	ba.pubL.Lock()

	clients, ok := ba.pubs[topicName]
	if !ok {
		clients = make(map[string]struct{})
		ba.pubs[topicName] = clients
	}

	clients[clientId] = struct{}{}
	ba.pubL.Unlock()
}

// Allow unregistered user access. (Users without username/password)
// Will not allow guests to join with clientIds that are registered, regardless.
func (ba *BasicAuth) ToggleGuestAccess(allow bool) {
	ba.userL.Lock()
	ba.allowGuests = allow
	ba.userL.Unlock()
}

// Auth

func (ba *BasicAuth) AuthUser(clientId string, username, password []byte) error {
	ba.userL.RLock()
	user, ok := ba.users[clientId]
	guests := ba.allowGuests
	ba.userL.RUnlock()

	if ok {
		if string(username) != user.userName || string(password) != user.password {
			return errors.Wrap(model.BadUsernameOrPassword, "bad username and/or password")
		}
	} else if !guests {
		return errors.Wrapf(model.NotAuthorized, "unknown user %q", clientId)
	}

	return nil
}

func (ba *BasicAuth) AuthPublish(clientId string, topicName string) error {
	ba.pubL.RLock()
	clients, ok := ba.pubs[topicName]
	if !ok {
		ba.pubL.RUnlock()
		return nil
	}

	_, ok = clients[clientId]
	ba.pubL.RUnlock()

	if !ok {
		return ErrRestricted
	}

	return nil
}

// AuthSubscription returns the lowest cap of every LimitQoS pattern the filter
// overlaps, or ExactlyOnce when none do. Broader filters such as "#" are capped
// too, since they receive the same messages.
func (ba *BasicAuth) AuthSubscription(clientId, topicFilter string, qos model.QoS) (model.QoS, error) {
	ba.subL.RLock()
	defer ba.subL.RUnlock()

	if clients, ok := ba.subs[topicFilter]; ok {
		if _, ok = clients[clientId]; !ok {
			return 0, ErrRestricted
		}
	}

	max := model.ExactlyOnce
	for pattern, c := range ba.caps {
		if topic.Overlap(pattern, topicFilter) {
			max = model.MinQoS(max, c)
		}
	}
	return max, nil
}
