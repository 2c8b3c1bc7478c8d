package lattice

import (
	"encoding/json"
	"time"

	"github.com/zot/chatproxy/internal/protocol"
)

// expiresField is the reserved field of a private key carrying its lifetime.
const expiresField = "expires_in"

// PrivateEntry is the private content of one key for one user.
type PrivateEntry struct {
	Fields    Fields
	ExpiresIn time.Duration // 0 = no deadline
}

// Delta is a parsed {shared, private} lattice body.
type Delta struct {
	Shared  map[string]Fields
	Private map[string]map[string]PrivateEntry // user -> key -> entry
}

// Empty reports whether the delta carries nothing.
func (d *Delta) Empty() bool {
	return d == nil || (len(d.Shared) == 0 && len(d.Private) == 0)
}

type wireDelta struct {
	Shared  map[string]map[string]json.RawMessage            `json:"shared"`
	Private map[string]map[string]map[string]json.RawMessage `json:"private"`
}

// ParseDelta decodes and type-checks a lattice body. An empty body is an empty delta.
func ParseDelta(data []byte) (*Delta, error) {
	d := &Delta{
		Shared:  make(map[string]Fields),
		Private: make(map[string]map[string]PrivateEntry),
	}
	if len(data) == 0 {
		return d, nil
	}
	var w wireDelta
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, protocol.Invalid("malformed lattice body: %v", err)
	}
	for key, raw := range w.Shared {
		fields, err := parseFields(raw, false)
		if err != nil {
			return nil, err
		}
		d.Shared[key] = fields.Fields
	}
	for user, keys := range w.Private {
		if err := protocol.ValidateUserID(user); err != nil {
			return nil, err
		}
		entries := make(map[string]PrivateEntry, len(keys))
		for key, raw := range keys {
			entry, err := parseFields(raw, true)
			if err != nil {
				return nil, err
			}
			entries[key] = entry
		}
		d.Private[user] = entries
	}
	return d, nil
}

func parseFields(raw map[string]json.RawMessage, private bool) (PrivateEntry, error) {
	entry := PrivateEntry{Fields: make(Fields, len(raw))}
	for name, value := range raw {
		if private && name == expiresField {
			var s string
			if err := json.Unmarshal(value, &s); err != nil {
				return entry, protocol.Invalid("expires_in is not a duration string")
			}
			dur, err := time.ParseDuration(s)
			if err != nil || dur <= 0 {
				return entry, protocol.Invalid("bad expires_in %q", s)
			}
			entry.ExpiresIn = dur
			continue
		}
		kind, err := KindOf(name)
		if err != nil {
			return entry, err
		}
		v, err := ParseValue(kind, value)
		if err != nil {
			return entry, err
		}
		entry.Fields[name] = v
	}
	return entry, nil
}
