package message

import "github.com/google/uuid"

// Message is the wire-level request a client submits. It carries an
// identifier and an opaque extras map whose keys depend on the petition
// variant the converter builds from it. Messages are never scheduled
// directly.
type Message struct {
	ID     string         `json:"id"`
	Extras map[string]any `json:"extras,omitempty"`
}

// New returns a message with the given extras and a generated ID.
func New(extras map[string]any) Message {
	return Message{ID: uuid.NewString(), Extras: extras}
}

// Int reads an integer extra. JSON decoding produces float64 for numbers,
// so both forms are accepted.
func (m Message) Int(key string) (int, bool) {
	v, ok := m.Extras[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

// Float reads a numeric extra.
func (m Message) Float(key string) (float64, bool) {
	v, ok := m.Extras[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// String reads a string extra.
func (m Message) String(key string) (string, bool) {
	v, ok := m.Extras[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Bool reads a boolean extra.
func (m Message) Bool(key string) (bool, bool) {
	v, ok := m.Extras[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// StringSlice reads a list-of-strings extra. JSON decoding produces
// []any, so both forms are accepted.
func (m Message) StringSlice(key string) ([]string, bool) {
	v, ok := m.Extras[key]
	if !ok {
		return nil, false
	}
	switch l := v.(type) {
	case []string:
		return l, true
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
