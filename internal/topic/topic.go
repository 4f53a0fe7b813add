// Package topic handles MQTT Topic Names and Topic Filters: the wildcard
// grammar, matching, per-connection subscription negotiation and the routing
// tree used for fan-out.
package topic

import (
	"strings"

	"github.com/RoanBrand/mqttcore/internal/model"
	"github.com/pkg/errors"
)

const (
	Separator      = '/'
	MultiWildcard  = '#'
	SingleWildcard = '+'
	SysPrefix      = '$'
)

var (
	ErrEmptyTopic            = errors.New("topic must not be empty")
	ErrTopicTooLong          = errors.New("topic exceeds 65535 bytes")
	ErrWildcardInName        = errors.New("topic name must not contain wildcards")
	ErrInvalidMultiWildcard  = model.ErrInvalidMultiWildcard
	ErrInvalidSingleWildcard = model.ErrInvalidSingleWildcard
)

// ValidateName checks a Topic Name as used in PUBLISH.
func ValidateName(name string) error {
	if name == "" {
		return ErrEmptyTopic
	}
	if len(name) > 65535 {
		return ErrTopicTooLong
	}
	if model.HasWildcards(name) {
		return ErrWildcardInName
	}
	return model.CheckUTF8(name, false)
}

// ValidateFilter checks the Topic Filter grammar. [MQTT-4.7.1-2, 4.7.1-3]
func ValidateFilter(filter string) error {
	if filter == "" { // [MQTT-4.7.3-1]
		return ErrEmptyTopic
	}
	if len(filter) > 65535 {
		return ErrTopicTooLong
	}
	if err := model.CheckUTF8(filter, false); err != nil {
		return err
	}

	return model.CheckFilterGrammar(filter)
}

// Match reports whether Topic Name name matches filter. Names starting with '$'
// are not matched by filters starting with a wildcard. [MQTT-4.7.2-1]
func Match(filter, name string) bool {
	if filter == "" || name == "" {
		return false
	}
	if name[0] == SysPrefix && (filter[0] == MultiWildcard || filter[0] == SingleWildcard) {
		return false
	}

	fl, nl := Levels(filter), Levels(name)
	for i, f := range fl {
		if f == "#" {
			return true // also matches the parent level, "a/#" matches "a"
		}
		if i >= len(nl) {
			return false
		}
		if f != "+" && f != nl[i] {
			return false
		}
	}
	return len(fl) == len(nl)
}

// Overlap reports whether some Topic Name is matched by both filters a and b.
func Overlap(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if sysOnly(a, b) || sysOnly(b, a) {
		return false
	}

	al, bl := Levels(a), Levels(b)
	for i := 0; ; i++ {
		switch {
		case i == len(al) && i == len(bl):
			return true
		case i == len(al):
			return bl[i] == "#"
		case i == len(bl):
			return al[i] == "#"
		}
		if al[i] == "#" || bl[i] == "#" {
			return true
		}
		if al[i] != "+" && bl[i] != "+" && al[i] != bl[i] {
			return false
		}
	}
}

// sysOnly reports whether f only matches '$' topics that w, starting with a
// wildcard, never matches.
func sysOnly(f, w string) bool {
	return f[0] == SysPrefix && (w[0] == MultiWildcard || w[0] == SingleWildcard)
}

// Levels splits a topic into its levels.
func Levels(t string) []string {
	return strings.Split(t, string(Separator))
}
