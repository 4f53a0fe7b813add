// Package store keeps retained messages for the broker.
package store

import (
	"sync"

	"github.com/RoanBrand/mqttcore/internal/model"
	"github.com/RoanBrand/mqttcore/internal/topic"
)

// Retained stores the last retained message per Topic Name.
type Retained interface {
	// Retain stores m for m.Topic. An empty payload removes the retained
	// message of that topic instead. [MQTT-3.3.1-10, 3.3.1-11]
	Retain(m model.Message) error
	// Match calls fn for every retained message whose topic matches filter.
	Match(filter string, fn func(m model.Message)) error
	Len() int
	Close() error
}

type memory struct {
	sync.RWMutex
	msgs map[string]model.Message
}

func NewMemory() *memory {
	return &memory{msgs: make(map[string]model.Message)}
}

func (s *memory) Retain(m model.Message) error {
	s.Lock()
	defer s.Unlock()

	if len(m.Payload) == 0 {
		delete(s.msgs, m.Topic)
		return nil
	}

	m.Retain, m.Dup = true, false
	m.Payload = append([]byte(nil), m.Payload...)
	s.msgs[m.Topic] = m
	return nil
}

func (s *memory) Match(filter string, fn func(m model.Message)) error {
	s.RLock()
	defer s.RUnlock()

	if !model.HasWildcards(filter) {
		if m, ok := s.msgs[filter]; ok {
			fn(m)
		}
		return nil
	}

	for t, m := range s.msgs {
		if topic.Match(filter, t) {
			fn(m)
		}
	}
	return nil
}

func (s *memory) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.msgs)
}

func (s *memory) Close() error {
	return nil
}
