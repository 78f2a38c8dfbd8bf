package codec

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"sync"

	"github.com/dkeye/jointly/internal/core"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope field numbers.
//
//	message Envelope {
//	  string type       = 1;
//	  bytes  payload    = 2;
//	  bool   compressed = 3;
//	}
//
// Payload messages are described by `wire:"N"` struct tags on the domain
// types. Scalars follow proto3 rules (zero values are omitted); pointer
// fields have explicit presence; slices are repeated fields.
const (
	envType       protowire.Number = 1
	envPayload    protowire.Number = 2
	envCompressed protowire.Number = 3
)

var errWireType = errors.New("unexpected wire type")

func (c *Codec) encodeBinary(msgType string, payload any) (core.Frame, error) {
	b := protowire.AppendTag(nil, envType, protowire.BytesType)
	b = protowire.AppendString(b, msgType)
	if payload == nil {
		return b, nil
	}
	body, compressed := c.maybeCompress(marshalWire(payload))
	b = protowire.AppendTag(b, envPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, body)
	if compressed {
		b = protowire.AppendTag(b, envCompressed, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b, nil
}

func (c *Codec) decodeBinary(frame core.Frame) (Message, error) {
	var (
		msg        Message
		payload    []byte
		hasPayload bool
		compressed bool
	)
	b := []byte(frame)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == envType && typ == protowire.BytesType:
			s, m := protowire.ConsumeString(b)
			if m < 0 {
				return Message{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			msg.Type, n = s, m
		case num == envPayload && typ == protowire.BytesType:
			p, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return Message{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			payload, hasPayload, n = p, true, m
		case num == envCompressed && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return Message{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			compressed, n = protowire.DecodeBool(v), m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if !hasPayload {
		return msg, nil
	}
	if compressed {
		inflated, err := decompress(payload)
		if err != nil {
			log.Warn().Err(err).Str("module", "codec").Str("type", msg.Type).Msg("decompress failed")
			return msg, nil
		}
		payload = inflated
	}
	msg.Payload = decodePayload(msg.Type, payload, unmarshalWire)
	return msg, nil
}

type wireField struct {
	num   protowire.Number
	index int
}

var wireFieldCache sync.Map

func wireFields(t reflect.Type) []wireField {
	if v, ok := wireFieldCache.Load(t); ok {
		return v.([]wireField)
	}
	var out []wireField
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("wire")
		if tag == "" {
			continue
		}
		n, err := strconv.Atoi(tag)
		if err != nil || n <= 0 {
			continue
		}
		out = append(out, wireField{num: protowire.Number(n), index: i})
	}
	wireFieldCache.Store(t, out)
	return out
}

func marshalWire(v any) []byte {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	return appendMessage(make([]byte, 0, 64), rv)
}

func appendMessage(b []byte, v reflect.Value) []byte {
	for _, f := range wireFields(v.Type()) {
		b = appendField(b, f.num, v.Field(f.index))
	}
	return b
}

func appendField(b []byte, num protowire.Number, f reflect.Value) []byte {
	switch f.Kind() {
	case reflect.Pointer:
		if f.IsNil() {
			return b
		}
		return appendValue(b, num, f.Elem())
	case reflect.Slice:
		for i := 0; i < f.Len(); i++ {
			b = appendValue(b, num, f.Index(i))
		}
		return b
	default:
		if f.IsZero() {
			return b
		}
		return appendValue(b, num, f)
	}
}

func appendValue(b []byte, num protowire.Number, v reflect.Value) []byte {
	switch v.Kind() {
	case reflect.String:
		b = protowire.AppendTag(b, num, protowire.BytesType)
		return protowire.AppendString(b, v.String())
	case reflect.Bool:
		b = protowire.AppendTag(b, num, protowire.VarintType)
		return protowire.AppendVarint(b, protowire.EncodeBool(v.Bool()))
	case reflect.Int, reflect.Int32, reflect.Int64:
		b = protowire.AppendTag(b, num, protowire.VarintType)
		return protowire.AppendVarint(b, uint64(v.Int()))
	case reflect.Float32:
		b = protowire.AppendTag(b, num, protowire.Fixed32Type)
		return protowire.AppendFixed32(b, math.Float32bits(float32(v.Float())))
	case reflect.Struct:
		b = protowire.AppendTag(b, num, protowire.BytesType)
		return protowire.AppendBytes(b, appendMessage(nil, v))
	}
	return b
}

func unmarshalWire(b []byte, dst any) error {
	return consumeMessage(b, reflect.ValueOf(dst).Elem())
}

func consumeMessage(b []byte, v reflect.Value) error {
	fields := wireFields(v.Type())
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		idx := -1
		for _, f := range fields {
			if f.num == num {
				idx = f.index
				break
			}
		}
		if idx < 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
		} else {
			var err error
			if n, err = consumeField(b, typ, v.Field(idx)); err != nil {
				return fmt.Errorf("%s field %d: %w", v.Type().Name(), num, err)
			}
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

func consumeField(b []byte, typ protowire.Type, f reflect.Value) (int, error) {
	switch f.Kind() {
	case reflect.Pointer:
		elem := reflect.New(f.Type().Elem())
		n, err := consumeValue(b, typ, elem.Elem())
		if err != nil {
			return n, err
		}
		f.Set(elem)
		return n, nil
	case reflect.Slice:
		elem := reflect.New(f.Type().Elem()).Elem()
		n, err := consumeValue(b, typ, elem)
		if err != nil {
			return n, err
		}
		f.Set(reflect.Append(f, elem))
		return n, nil
	default:
		return consumeValue(b, typ, f)
	}
}

func consumeValue(b []byte, typ protowire.Type, v reflect.Value) (int, error) {
	switch v.Kind() {
	case reflect.String:
		if typ != protowire.BytesType {
			return -1, errWireType
		}
		s, n := protowire.ConsumeString(b)
		if n < 0 {
			return n, protowire.ParseError(n)
		}
		v.SetString(s)
		return n, nil
	case reflect.Bool, reflect.Int, reflect.Int32, reflect.Int64:
		if typ != protowire.VarintType {
			return -1, errWireType
		}
		x, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return n, protowire.ParseError(n)
		}
		if v.Kind() == reflect.Bool {
			v.SetBool(protowire.DecodeBool(x))
		} else {
			v.SetInt(int64(x))
		}
		return n, nil
	case reflect.Float32:
		if typ != protowire.Fixed32Type {
			return -1, errWireType
		}
		x, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return n, protowire.ParseError(n)
		}
		v.SetFloat(float64(math.Float32frombits(x)))
		return n, nil
	case reflect.Struct:
		if typ != protowire.BytesType {
			return -1, errWireType
		}
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, protowire.ParseError(n)
		}
		return n, consumeMessage(raw, v)
	}
	return -1, fmt.Errorf("unsupported kind %s", v.Kind())
}
