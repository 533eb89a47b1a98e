package xconfbus

import (
	"fmt"
	"math"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Field is a single key/value pair of a map Value. Map values keep their
// fields in insertion (or document) order.
type Field struct {
	Key   string
	Value Value
}

// Value is a schema-less structured payload: null, bool, number, string,
// ordered list or ordered map. The zero Value is null.
//
// Values handed to the bus are treated as immutable; use Clone before
// modifying a Value obtained from a ConfigMessage.
type Value struct {
	kind   Kind
	b      bool
	n      float64
	s      string
	list   []Value
	fields []Field
}

func Null() Value { return Value{} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func List(items ...Value) Value { return Value{kind: KindList, list: items} }

// Map builds an ordered map. A repeated key replaces the earlier value in
// place, keeping the position of its first occurrence.
func Map(fields ...Field) Value {
	v := Value{kind: KindMap, fields: make([]Field, 0, len(fields))}
	for _, f := range fields {
		v.fields = setField(v.fields, f.Key, f.Value)
	}
	return v
}

// EmptyMap is the payload carried by resync requests.
func EmptyMap() Value { return Value{kind: KindMap} }

func setField(fields []Field, key string, val Value) []Field {
	for i := range fields {
		if fields[i].Key == key {
			fields[i].Value = val
			return fields
		}
	}
	return append(fields, Field{Key: key, Value: val})
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) Bool() bool { return v.b }
func (v Value) Number() float64 { return v.n }
func (v Value) Str() string { return v.s }

// Len returns the number of list items or map fields, 0 otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.list)
	case KindMap:
		return len(v.fields)
	default:
		return 0
	}
}

// Index returns the i-th list item, or null when out of range or not a list.
func (v Value) Index(i int) Value {
	if v.kind != KindList || i < 0 || i >= len(v.list) {
		return Value{}
	}
	return v.list[i]
}

// Get returns the map value stored under key.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	for _, f := range v.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Keys returns map keys in order.
func (v Value) Keys() []string {
	if v.kind != KindMap {
		return nil
	}
	keys := make([]string, len(v.fields))
	for i, f := range v.fields {
		keys[i] = f.Key
	}
	return keys
}

// Fields returns a copy of the map fields in order.
func (v Value) Fields() []Field {
	if v.kind != KindMap {
		return nil
	}
	out := make([]Field, len(v.fields))
	copy(out, v.fields)
	return out
}

// Items returns a copy of the list items.
func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	out := make([]Value, len(v.list))
	copy(out, v.list)
	return out
}

// With returns a copy of a map Value with key set to val. Non-map values are
// replaced by a single-field map.
func (v Value) With(key string, val Value) Value {
	out := Value{kind: KindMap}
	if v.kind == KindMap {
		out.fields = make([]Field, len(v.fields), len(v.fields)+1)
		copy(out.fields, v.fields)
	}
	out.fields = setField(out.fields, key, val)
	return out
}

// Clone returns a deep copy.
func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		items := make([]Value, len(v.list))
		for i := range v.list {
			items[i] = v.list[i].Clone()
		}
		return Value{kind: KindList, list: items}
	case KindMap:
		fields := make([]Field, len(v.fields))
		for i, f := range v.fields {
			fields[i] = Field{Key: f.Key, Value: f.Value.Clone()}
		}
		return Value{kind: KindMap, fields: fields}
	default:
		return v
	}
}

// Equal reports structural equality. Map comparison is order-insensitive.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n || (math.IsNaN(v.n) && math.IsNaN(o.n))
	case KindString:
		return v.s == o.s
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.fields) != len(o.fields) {
			return false
		}
		for _, f := range v.fields {
			ov, ok := o.Get(f.Key)
			if !ok || !f.Value.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

func (v Value) String() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<%s: %v>", v.kind, err)
	}
	return string(b)
}
