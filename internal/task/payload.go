package task

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Field is a single payload entry.
type Field struct {
	Key   string
	Value any // bool | int64 | float64 | string
}

// Payload is an ordered key-value input for a task body.
//
// Values are restricted to primitives so the payload survives any storage
// backend unchanged. Build one with NewPayload or PayloadOf; a Payload
// handed to the scheduler is copied and never shared with the caller again.
type Payload struct {
	fields []Field
}

// NewPayload returns an empty payload builder.
func NewPayload() Payload { return Payload{} }

// PayloadOf builds a payload from alternating key/value arguments.
//
//	task.PayloadOf("city", "Jakarta", "days", 3)
func PayloadOf(kv ...any) (Payload, error) {
	if len(kv)%2 != 0 {
		return Payload{}, fmt.Errorf("%w: odd number of key/value arguments", ErrInvalidPayload)
	}
	p := Payload{fields: make([]Field, 0, len(kv)/2)}
	for i := 0; i < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			return Payload{}, fmt.Errorf("%w: key at position %d is %T, want string", ErrInvalidPayload, i, kv[i])
		}
		var err error
		p, err = p.With(k, kv[i+1])
		if err != nil {
			return Payload{}, err
		}
	}
	return p, nil
}

// With returns a copy of p with key set to v. Existing keys are rejected so
// the ordering of a payload is always its insertion order.
func (p Payload) With(key string, v any) (Payload, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return p, fmt.Errorf("%w: empty key", ErrInvalidPayload)
	}
	if _, ok := p.Get(key); ok {
		return p, fmt.Errorf("%w: duplicate key %q", ErrInvalidPayload, key)
	}
	nv, err := normalizeValue(v)
	if err != nil {
		return p, fmt.Errorf("%w: key %q: %v", ErrInvalidPayload, key, err)
	}
	out := Payload{fields: make([]Field, len(p.fields), len(p.fields)+1)}
	copy(out.fields, p.fields)
	out.fields = append(out.fields, Field{Key: key, Value: nv})
	return out, nil
}

// MustWith is With for literals in tests and examples; it panics on error.
func (p Payload) MustWith(key string, v any) Payload {
	out, err := p.With(key, v)
	if err != nil {
		panic(err)
	}
	return out
}

func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case bool, string, int64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case float32:
		return float64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("uint64 %d overflows int64", x)
		}
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, fmt.Errorf("uint %d overflows int64", x)
		}
		return int64(x), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func (p Payload) Len() int { return len(p.fields) }

// Fields returns a copy of the entries in insertion order.
func (p Payload) Fields() []Field {
	out := make([]Field, len(p.fields))
	copy(out, p.fields)
	return out
}

func (p Payload) Keys() []string {
	out := make([]string, len(p.fields))
	for i, f := range p.fields {
		out[i] = f.Key
	}
	return out
}

func (p Payload) Get(key string) (any, bool) {
	for _, f := range p.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

func (p Payload) Str(key string) (string, bool) {
	v, ok := p.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (p Payload) Int(key string) (int64, bool) {
	v, ok := p.Get(key)
	if !ok {
		return 0, false
	}
	n, ok := v.(int64)
	return n, ok
}

func (p Payload) Float(key string) (float64, bool) {
	v, ok := p.Get(key)
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	}
	return 0, false
}

func (p Payload) Bool(key string) (bool, bool) {
	v, ok := p.Get(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Clone returns an independent copy.
func (p Payload) Clone() Payload {
	if len(p.fields) == 0 {
		return Payload{}
	}
	return Payload{fields: p.Fields()}
}

// Equal reports whether both payloads hold the same entries in the same order.
func (p Payload) Equal(o Payload) bool {
	if len(p.fields) != len(o.fields) {
		return false
	}
	for i := range p.fields {
		if p.fields[i] != o.fields[i] {
			return false
		}
	}
	return true
}

// payloadEntry is the wire form. The explicit type tag keeps int64 and
// float64 apart after a JSON round trip.
type payloadEntry struct {
	Key   string `json:"key"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (p Payload) MarshalJSON() ([]byte, error) {
	out := make([]payloadEntry, 0, len(p.fields))
	for _, f := range p.fields {
		e := payloadEntry{Key: f.Key}
		switch x := f.Value.(type) {
		case bool:
			e.Type, e.Value = "bool", strconv.FormatBool(x)
		case int64:
			e.Type, e.Value = "int", strconv.FormatInt(x, 10)
		case float64:
			e.Type, e.Value = "float", strconv.FormatFloat(x, 'g', -1, 64)
		case string:
			e.Type, e.Value = "string", x
		default:
			return nil, fmt.Errorf("%w: key %q has type %T", ErrInvalidPayload, f.Key, f.Value)
		}
		out = append(out, e)
	}
	return json.Marshal(out)
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	var entries []payloadEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return err
	}
	out := Payload{}
	for _, e := range entries {
		var v any
		var err error
		switch e.Type {
		case "bool":
			v, err = strconv.ParseBool(e.Value)
		case "int":
			v, err = strconv.ParseInt(e.Value, 10, 64)
		case "float":
			v, err = strconv.ParseFloat(e.Value, 64)
		case "string":
			v = e.Value
		default:
			err = fmt.Errorf("unknown type %q", e.Type)
		}
		if err != nil {
			return fmt.Errorf("%w: key %q: %v", ErrInvalidPayload, e.Key, err)
		}
		if out, err = out.With(e.Key, v); err != nil {
			return err
		}
	}
	*p = out
	return nil
}

// PayloadFromMap converts decoded config values (YAML/JSON) into a payload.
// Map iteration order is not stable, so keys are sorted.
func PayloadFromMap(m map[string]any) (Payload, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := Payload{}
	for _, k := range keys {
		v := m[k]
		// encoding/json decodes every number as float64; keep integers integral.
		if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			v = int64(f)
		}
		var err error
		if out, err = out.With(k, v); err != nil {
			return Payload{}, err
		}
	}
	return out, nil
}
