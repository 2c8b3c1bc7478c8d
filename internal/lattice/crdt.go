// Package lattice stores CRDT state per namespace and pushes changes to subscribers.
//
// The type of every field is chosen by its name suffix:
//
//	_counter   non-negative integer, merged with max
//	_set       set of strings, merged with union
//	_register  [version, value], the higher version wins
package lattice

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/zot/chatproxy/internal/protocol"
)

// Kind is the CRDT type of a field.
type Kind int

const (
	KindCounter Kind = iota + 1
	KindSet
	KindRegister
)

// KindOf selects the CRDT type from a field name suffix.
func KindOf(field string) (Kind, error) {
	switch {
	case strings.HasSuffix(field, "_counter"):
		return KindCounter, nil
	case strings.HasSuffix(field, "_set"):
		return KindSet, nil
	case strings.HasSuffix(field, "_register"):
		return KindRegister, nil
	}
	return 0, protocol.Invalid("field %q has no known CRDT suffix", field)
}

// Value is one CRDT value. Only the members of its Kind are meaningful.
type Value struct {
	Kind    Kind
	Counter uint64
	Set     []string // sorted, unique
	Version uint64
	Data    json.RawMessage // compacted register value
}

// Counter returns a counter value.
func Counter(n uint64) Value {
	return Value{Kind: KindCounter, Counter: n}
}

// Set returns a set value of the given members.
func Set(members ...string) Value {
	return Value{Kind: KindSet, Set: normalize(members)}
}

// Register returns a register value. Data is compacted.
func Register(version uint64, data json.RawMessage) Value {
	return Value{Kind: KindRegister, Version: version, Data: compact(data)}
}

func normalize(members []string) []string {
	if len(members) == 0 {
		return []string{}
	}
	out := append([]string(nil), members...)
	sort.Strings(out)
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}

func compact(data json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return append(json.RawMessage(nil), data...)
	}
	return json.RawMessage(buf.Bytes())
}

// Merge combines two values of the same kind. The result never aliases b.
// Merging values of different kinds keeps a.
func (a Value) Merge(b Value) Value {
	if a.Kind != b.Kind {
		return a
	}
	switch a.Kind {
	case KindCounter:
		if b.Counter > a.Counter {
			return b
		}
		return a
	case KindSet:
		return Value{Kind: KindSet, Set: union(a.Set, b.Set)}
	case KindRegister:
		if b.Version > a.Version {
			return b
		}
		if b.Version == a.Version && bytes.Compare(b.Data, a.Data) > 0 {
			return b
		}
		return a
	}
	return a
}

func union(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			out = append(out, a[i])
			i++
		case a[i] > b[j]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

// Equal reports whether two values are identical.
func (a Value) Equal(b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindCounter:
		return a.Counter == b.Counter
	case KindSet:
		if len(a.Set) != len(b.Set) {
			return false
		}
		for i := range a.Set {
			if a.Set[i] != b.Set[i] {
				return false
			}
		}
		return true
	case KindRegister:
		return a.Version == b.Version && bytes.Equal(a.Data, b.Data)
	}
	return true
}

// MarshalJSON encodes the value in its wire form.
func (a Value) MarshalJSON() ([]byte, error) {
	switch a.Kind {
	case KindCounter:
		return json.Marshal(a.Counter)
	case KindSet:
		if a.Set == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(a.Set)
	case KindRegister:
		data := a.Data
		if len(data) == 0 {
			data = json.RawMessage("null")
		}
		return json.Marshal([]interface{}{a.Version, data})
	}
	return []byte("null"), nil
}

// ParseValue decodes the wire form of a value of the given kind.
func ParseValue(kind Kind, raw json.RawMessage) (Value, error) {
	switch kind {
	case KindCounter:
		var n uint64
		if err := json.Unmarshal(raw, &n); err != nil {
			return Value{}, protocol.Invalid("counter is not a non-negative integer: %s", raw)
		}
		return Counter(n), nil
	case KindSet:
		var members []string
		if err := json.Unmarshal(raw, &members); err != nil {
			return Value{}, protocol.Invalid("set is not an array of strings: %s", raw)
		}
		return Set(members...), nil
	case KindRegister:
		var parts []json.RawMessage
		if err := json.Unmarshal(raw, &parts); err != nil || len(parts) != 2 {
			return Value{}, protocol.Invalid("register is not [version, value]: %s", raw)
		}
		var version uint64
		if err := json.Unmarshal(parts[0], &version); err != nil {
			return Value{}, protocol.Invalid("register version is not a non-negative integer: %s", parts[0])
		}
		return Register(version, parts[1]), nil
	}
	return Value{}, protocol.Invalid("unknown CRDT kind %d", kind)
}

// Fields is the CRDT content of one key.
type Fields map[string]Value

// Merge folds src into f and returns the fields whose value changed.
func (f Fields) Merge(src Fields) Fields {
	var changed Fields
	for name, v := range src {
		old, ok := f[name]
		merged := v
		if ok {
			merged = old.Merge(v)
			if merged.Equal(old) {
				continue
			}
		}
		f[name] = merged
		if changed == nil {
			changed = make(Fields)
		}
		changed[name] = merged
	}
	return changed
}

// Clone returns a copy of f.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
