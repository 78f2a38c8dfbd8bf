package codec

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/jointly/internal/core"
	"github.com/rs/zerolog/log"
)

// legacyEnvelope is the deprecated text format. A compressed payload is a
// JSON string holding base64 gzip bytes. Relays that predate payload
// compression cannot read that form; Options.LegacyFrameGzip sends the
// whole frame gzipped for them instead.
type legacyEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (c *Codec) encodeLegacy(msgType string, payload any) (core.Frame, error) {
	env := legacyEnvelope{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("codec: marshal %s: %w", msgType, err)
		}
		if c.opts.LegacyFrameGzip {
			env.Payload = raw
			return c.encodeLegacyFrame(env)
		}
		if z, ok := c.maybeCompress(raw); ok {
			if raw, err = json.Marshal(z); err != nil {
				return nil, fmt.Errorf("codec: marshal %s: %w", msgType, err)
			}
		}
		env.Payload = raw
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal envelope: %w", err)
	}
	return b, nil
}

func (c *Codec) encodeLegacyFrame(env legacyEnvelope) (core.Frame, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal envelope: %w", err)
	}
	z, _ := c.maybeCompress(b)
	return z, nil
}

func (c *Codec) decodeLegacy(frame core.Frame) (Message, error) {
	var env legacyEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	msg := Message{Type: env.Type}
	raw := []byte(env.Payload)
	if len(raw) == 0 || string(raw) == "null" {
		return msg, nil
	}
	if raw[0] == '"' {
		var z []byte
		if err := json.Unmarshal(raw, &z); err != nil || !isGzip(z) {
			log.Warn().Str("module", "codec").Str("type", env.Type).Msg("legacy payload is not compressed json")
			return msg, nil
		}
		inflated, err := decompress(z)
		if err != nil {
			log.Warn().Err(err).Str("module", "codec").Str("type", env.Type).Msg("decompress failed")
			return msg, nil
		}
		raw = inflated
	}
	msg.Payload = decodePayload(env.Type, raw, json.Unmarshal)
	return msg, nil
}
