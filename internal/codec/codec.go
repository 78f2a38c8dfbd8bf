// Package codec maps protocol envelopes to socket frames and back.
//
// Two formats share one type-keyed payload table: the legacy JSON text
// format and a protobuf-wire binary format. The format of an inbound frame
// is sniffed from its first byte; the outbound format is configuration.
package codec

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/dkeye/jointly/internal/core"
	"github.com/rs/zerolog/log"
)

type Format int

const (
	FormatLegacy Format = iota
	FormatBinary
)

func (f Format) String() string {
	if f == FormatBinary {
		return "binary"
	}
	return "legacy"
}

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "binary", "protobuf":
		return FormatBinary, nil
	case "legacy", "json":
		return FormatLegacy, nil
	}
	return FormatBinary, fmt.Errorf("codec: unknown format %q", s)
}

// DefaultThreshold is the payload size below which compression is skipped.
const DefaultThreshold = 100

var (
	ErrUnknownPayload = errors.New("codec: payload does not match message type")
	ErrMalformed      = errors.New("codec: malformed frame")
)

// Options configures encoding. LegacyFrameGzip makes compressed legacy
// frames gzip the whole frame instead of the payload; older relays only
// inflate that form.
type Options struct {
	Format          Format
	Compress        bool
	Threshold       int
	LegacyFrameGzip bool
}

// Message is one decoded envelope. Payload holds a value of the type
// registered for Type, or nil when the type is unknown or the payload
// could not be recovered.
type Message struct {
	Type    string
	Payload any
}

type Codec struct {
	opts Options
}

func New(opts Options) *Codec {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	return &Codec{opts: opts}
}

func (c *Codec) Format() Format { return c.opts.Format }

// Encode builds a frame for msgType. It fails only when payload is not the
// registered shape for a known type.
func (c *Codec) Encode(msgType string, payload any) (core.Frame, error) {
	payload, err := checkPayload(msgType, payload)
	if err != nil {
		return nil, err
	}
	format := c.opts.Format
	if s, ok := shapes[msgType]; ok && s.binaryOnly {
		format = FormatBinary
	}
	if format == FormatBinary {
		return c.encodeBinary(msgType, payload)
	}
	return c.encodeLegacy(msgType, payload)
}

// Decode never fails on payload problems: corrupt compressed data or an
// unparseable payload yields a Message with a nil Payload. An error is
// returned only when the envelope itself cannot be read.
func (c *Codec) Decode(frame core.Frame) (Message, error) {
	if len(frame) == 0 {
		return Message{}, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	if isGzip(frame) {
		inflated, err := decompress(frame)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		frame = inflated
		if len(frame) == 0 {
			return Message{}, fmt.Errorf("%w: empty frame", ErrMalformed)
		}
	}
	if frame[0] == '{' {
		return c.decodeLegacy(frame)
	}
	return c.decodeBinary(frame)
}

func (c *Codec) maybeCompress(b []byte) ([]byte, bool) {
	if !c.opts.Compress || len(b) <= c.opts.Threshold {
		return b, false
	}
	z, err := compress(b)
	if err != nil {
		log.Warn().Err(err).Str("module", "codec").Msg("compress failed, sending plain")
		return b, false
	}
	if len(z) >= len(b) {
		return b, false
	}
	return z, true
}

func checkPayload(msgType string, payload any) (any, error) {
	s, ok := shapes[msgType]
	if !ok {
		if payload != nil {
			return nil, fmt.Errorf("%w: unknown type %q", ErrUnknownPayload, msgType)
		}
		return nil, nil
	}
	if s.newPayload == nil {
		if payload != nil {
			return nil, fmt.Errorf("%w: %q carries no payload", ErrUnknownPayload, msgType)
		}
		return nil, nil
	}
	if payload == nil {
		return nil, nil
	}
	want := reflect.TypeOf(s.newPayload()).Elem()
	v := reflect.ValueOf(payload)
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}
	if v.Type() != want {
		return nil, fmt.Errorf("%w: %q wants %s, got %T", ErrUnknownPayload, msgType, want.Name(), payload)
	}
	return v.Interface(), nil
}

// decodePayload fills the registered shape for msgType.
func decodePayload(msgType string, raw []byte, unmarshal func([]byte, any) error) any {
	s, ok := shapes[msgType]
	if !ok || s.newPayload == nil {
		return nil
	}
	p := s.newPayload()
	if err := unmarshal(raw, p); err != nil {
		log.Warn().Err(err).Str("module", "codec").Str("type", msgType).Msg("payload dropped")
		return nil
	}
	return reflect.ValueOf(p).Elem().Interface()
}
