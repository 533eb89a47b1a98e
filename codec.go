package xconfbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	gojson "github.com/goccy/go-json"
)

// JSONCodec is the default codec backed by encoding/json.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// GoJSONCodec is a drop-in faster JSON codec backed by goccy/go-json.
type GoJSONCodec struct{}

func (GoJSONCodec) Marshal(v any) ([]byte, error)   { return gojson.Marshal(v) }
func (GoJSONCodec) Unmarshal(b []byte, v any) error { return gojson.Unmarshal(b, v) }
func (GoJSONCodec) Name() string                    { return "go-json" }

// CodecFactory constructs codecs via Factory pattern.
type CodecFactory func() Codec

var (
	codecRegistryMu sync.RWMutex
	codecRegistry   = map[string]CodecFactory{
		"json":    func() Codec { return JSONCodec{} },
		"go-json": func() Codec { return GoJSONCodec{} },
	}
)

// RegisterCodec registers a codec factory by name.
func RegisterCodec(name string, factory CodecFactory) error {
	if name == "" {
		return errors.New("codec name must not be empty")
	}
	if factory == nil {
		return errors.New("codec factory must not be nil")
	}
	codecRegistryMu.Lock()
	codecRegistry[name] = factory
	codecRegistryMu.Unlock()
	return nil
}

// NewCodec constructs a codec by name or returns an error.
func NewCodec(name string) (Codec, error) {
	codecRegistryMu.RLock()
	f, ok := codecRegistry[name]
	codecRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("codec %q not registered", name)
	}
	return f(), nil
}

// DecodePayload converts msg.Payload into T using the Codec injected into ctx,
// falling back to JSONCodec.
func DecodePayload[T any](ctx context.Context, msg *ConfigMessage) (T, error) {
	c, ok := CodecFromContext(ctx)
	if !ok {
		c = JSONCodec{}
	}
	return DecodeValue[T](c, msg.Payload)
}
