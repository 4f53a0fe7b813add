package topic

import "github.com/RoanBrand/mqttcore/internal/model"

type level[S comparable] struct {
	children    map[string]*level[S]
	subscribers map[S]model.QoS // subscriber -> max QoS
}

func newLevel[S comparable](size int) *level[S] {
	return &level[S]{
		children:    make(map[string]*level[S], size),
		subscribers: make(map[S]model.QoS, size),
	}
}

func (l *level[S]) empty() bool {
	return len(l.children) == 0 && len(l.subscribers) == 0
}

// Tree indexes subscriptions by topic level for fan-out. It is not safe for
// concurrent use; the owner serializes access.
type Tree[S comparable] struct {
	root *level[S]
}

func NewTree[S comparable]() *Tree[S] {
	return &Tree[S]{root: newLevel[S](4)}
}

func levelSize(n int) int {
	if n < 8 {
		return 4
	} else if n < 16 {
		return 2
	}
	return 1
}

// Subscribe adds or replaces the subscription of s to filter.
func (t *Tree[S]) Subscribe(s S, filter string, qos model.QoS) {
	l := t.root
	for n, tl := range Levels(filter) {
		nl, ok := l.children[tl]
		if !ok {
			nl = newLevel[S](levelSize(n))
			l.children[tl] = nl
		}
		l = nl
	}
	l.subscribers[s] = qos
}

// Unsubscribe removes the subscription of s to filter, pruning empty levels.
func (t *Tree[S]) Unsubscribe(s S, filter string) {
	var unSub func(l *level[S], levels []string) bool
	unSub = func(l *level[S], levels []string) bool {
		if len(levels) == 0 {
			delete(l.subscribers, s)
			return l.empty()
		}
		nl, ok := l.children[levels[0]]
		if !ok {
			return false // no one subscribed to this
		}
		if unSub(nl, levels[1:]) {
			delete(l.children, levels[0])
		}
		return l.empty()
	}
	unSub(t.root, Levels(filter))
}

// Match returns every subscriber with a filter matching Topic Name name, each
// with the highest QoS among its matching subscriptions.
func (t *Tree[S]) Match(name string) map[S]model.QoS {
	topic := Levels(name)
	sys := name != "" && name[0] == SysPrefix
	out := make(map[S]model.QoS)

	forward := func(l *level[S]) {
		for s, q := range l.subscribers {
			if cur, ok := out[s]; !ok || q > cur {
				out[s] = q
			}
		}
	}

	var matchLevel func(l *level[S], n int)
	matchLevel = func(l *level[S], n int) {
		// direct match
		if nl, ok := l.children[topic[n]]; ok {
			if n < len(topic)-1 {
				matchLevel(nl, n+1)
			} else {
				forward(nl)
				if nl, ok := nl.children["#"]; ok { // # match - next level
					forward(nl)
				}
			}
		}

		if n == 0 && sys { // [MQTT-4.7.2-1]
			return
		}

		// # match
		if nl, ok := l.children["#"]; ok {
			forward(nl)
		}

		// + match
		if nl, ok := l.children["+"]; ok {
			if n < len(topic)-1 {
				matchLevel(nl, n+1)
			} else {
				forward(nl)
				if nl, ok := nl.children["#"]; ok {
					forward(nl)
				}
			}
		}
	}

	matchLevel(t.root, 0)
	return out
}

// Empty reports whether the tree holds no subscriptions.
func (t *Tree[S]) Empty() bool {
	return t.root.empty()
}
