package xconfbus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/tidwall/gjson"
)

var ErrInvalidJSON = errors.New("xconfbus: invalid JSON payload")

// MarshalJSON encodes the value with map keys in their stored order.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			return fmt.Errorf("xconfbus: unsupported number %v", v.n)
		}
		buf.WriteString(strconv.FormatFloat(v.n, 'g', -1, 64))
	case KindString:
		writeJSONString(buf, v.s)
	case KindList:
		buf.WriteByte('[')
		for i := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := v.list[i].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindMap:
		buf.WriteByte('{')
		for i, f := range v.fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeJSONString(buf, f.Key)
			buf.WriteByte(':')
			if err := f.Value.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("xconfbus: unknown value kind %d", v.kind)
	}
	return nil
}

// writeJSONString reuses encoding/json for escaping; a string never fails to marshal.
func writeJSONString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}

// UnmarshalJSON decodes any JSON document, keeping object keys in document order.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := ParseValue(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseValue decodes a JSON document into a Value.
func ParseValue(data []byte) (Value, error) {
	if !gjson.ValidBytes(data) {
		return Value{}, ErrInvalidJSON
	}
	return fromResult(gjson.ParseBytes(data)), nil
}

func fromResult(r gjson.Result) Value {
	switch r.Type {
	case gjson.True:
		return Bool(true)
	case gjson.False:
		return Bool(false)
	case gjson.Number:
		return Number(r.Num)
	case gjson.String:
		return String(r.Str)
	case gjson.JSON:
		if r.IsArray() {
			items := make([]Value, 0, 4)
			r.ForEach(func(_, item gjson.Result) bool {
				items = append(items, fromResult(item))
				return true
			})
			return Value{kind: KindList, list: items}
		}
		fields := make([]Field, 0, 4)
		r.ForEach(func(key, item gjson.Result) bool {
			fields = setField(fields, key.String(), fromResult(item))
			return true
		})
		return Value{kind: KindMap, fields: fields}
	default:
		return Value{}
	}
}

// ValueOf converts a Go value into a Value by round-tripping it through the codec.
// A Value argument is returned unchanged.
func ValueOf(c Codec, in any) (Value, error) {
	switch t := in.(type) {
	case Value:
		return t, nil
	case *Value:
		if t == nil {
			return Value{}, nil
		}
		return *t, nil
	}
	if c == nil {
		c = JSONCodec{}
	}
	data, err := c.Marshal(in)
	if err != nil {
		return Value{}, fmt.Errorf("xconfbus: encode payload with %s: %w", c.Name(), err)
	}
	return ParseValue(data)
}

// DecodeValue converts a Value into T using the codec.
func DecodeValue[T any](c Codec, v Value) (T, error) {
	var out T
	if c == nil {
		c = JSONCodec{}
	}
	data, err := v.MarshalJSON()
	if err != nil {
		return out, err
	}
	if err := c.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}
