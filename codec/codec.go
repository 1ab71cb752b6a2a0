// Package codec turns domain values and events into bytes that can cross the
// broadcast bus and back. Models travel in a self-describing form tagged with
// their model name; everything else travels as plain JSON.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/bytedance/sonic"

	"subscription-service/domain"
)

var (
	ErrUndecodable  = errors.New("payload is neither a model nor JSON")
	ErrUnknownModel = errors.New("model is not registered")
)

// Factory returns a fresh zero model ready to be decoded into. It must return a pointer.
type Factory func() domain.Model

// Codec encodes values for the bus. Models must be registered before they can
// be decoded on the receiving side.
type Codec struct {
	api sonic.API

	mu     sync.RWMutex
	models map[string]Factory
}

type modelEnvelope struct {
	Model  string          `json:"model"`
	Fields json.RawMessage `json:"fields"`
}

type eventEnvelope struct {
	Operation string          `json:"operation"`
	Value     json.RawMessage `json:"value"`
}

// New creates a codec with the given model factories registered.
func New(factories ...Factory) *Codec {
	c := &Codec{
		api:    sonic.Config{UseNumber: true}.Froze(),
		models: make(map[string]Factory),
	}
	for _, f := range factories {
		c.Register(f)
	}
	return c
}

// Register makes a model type decodable. Registering the same name twice
// replaces the earlier factory.
func (c *Codec) Register(f Factory) {
	name := f().ModelName()
	c.mu.Lock()
	c.models[name] = f
	c.mu.Unlock()
}

func (c *Codec) factory(name string) (Factory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.models[name]
	return f, ok
}

// Encode serializes v. Models keep their type tag and field state.
func (c *Codec) Encode(v any) ([]byte, error) {
	if m, ok := v.(domain.Model); ok {
		if _, registered := c.factory(m.ModelName()); !registered {
			return nil, fmt.Errorf("encode %s: %w", m.ModelName(), ErrUnknownModel)
		}
		fields, err := c.api.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", m.ModelName(), err)
		}
		return c.api.Marshal(modelEnvelope{Model: m.ModelName(), Fields: fields})
	}
	data, err := c.api.Marshal(keepFloats(v))
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return data, nil
}

// Decode reverses Encode. The model form is tried first and generic JSON is
// the fallback. Numbers written without a fraction or exponent come back as
// int64, all others as float64.
func (c *Codec) Decode(data []byte) (any, error) {
	if m, ok := c.decodeModel(data); ok {
		return m, nil
	}
	var v any
	if err := c.api.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return fromNumbers(v), nil
}

// keepFloats rewrites the floats inside v as number literals that always
// carry a fraction or an exponent, so 2.0 is not read back as an integer.
// Slices and string-keyed maps are copied; other values are left alone.
func keepFloats(v any) any {
	switch x := v.(type) {
	case nil, string, bool, json.Number, json.RawMessage, []byte, json.Marshaler:
		return v
	case float64:
		return floatLiteral(x, 64)
	case float32:
		return floatLiteral(float64(x), 32)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return v
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = keepFloats(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.IsNil() || rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = keepFloats(iter.Value().Interface())
		}
		return out
	}
	return v
}

func floatLiteral(f float64, bits int) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		// left for the encoder to reject
		return f
	}
	s := strconv.FormatFloat(f, 'g', -1, bits)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return json.Number(s)
}

func fromNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if !strings.ContainsAny(string(x), ".eE") {
			if n, err := x.Int64(); err == nil {
				return n
			}
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i := range x {
			x[i] = fromNumbers(x[i])
		}
	case map[string]any:
		for k, e := range x {
			x[k] = fromNumbers(e)
		}
	}
	return v
}

func (c *Codec) decodeModel(data []byte) (domain.Model, bool) {
	var env modelEnvelope
	if err := c.api.Unmarshal(data, &env); err != nil || env.Model == "" || len(env.Fields) == 0 {
		return nil, false
	}
	f, ok := c.factory(env.Model)
	if !ok {
		return nil, false
	}
	m := f()
	if err := c.api.Unmarshal(env.Fields, m); err != nil {
		return nil, false
	}
	return m, true
}

// EncodeEvent serializes an event together with its operation tag.
func (c *Codec) EncodeEvent(ev domain.Event) ([]byte, error) {
	if _, err := domain.ParseOperation(string(ev.Operation)); err != nil {
		return nil, err
	}
	value, err := c.Encode(ev.Payload)
	if err != nil {
		return nil, err
	}
	return c.api.Marshal(eventEnvelope{Operation: string(ev.Operation), Value: value})
}

// DecodeEvent reverses EncodeEvent.
func (c *Codec) DecodeEvent(data []byte) (domain.Event, error) {
	var env eventEnvelope
	if err := c.api.Unmarshal(data, &env); err != nil {
		return domain.Event{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	op, err := domain.ParseOperation(env.Operation)
	if err != nil {
		return domain.Event{}, err
	}
	if len(env.Value) == 0 {
		return domain.Event{Operation: op}, nil
	}
	payload, err := c.Decode(env.Value)
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{Operation: op, Payload: payload}, nil
}
