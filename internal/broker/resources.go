package broker

import (
	"context"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/jaakkos/relaywork/internal/domain"
)

// EnsureKeyValue creates the bucket or returns the existing one. A concurrent creator
// winning the race is not an error.
func (c *Client) EnsureKeyValue(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}
	kv, err := js.CreateKeyValue(ctx, cfg)
	if err == nil {
		return kv, nil
	}
	if !IsAlreadyExists(err) {
		return nil, domain.WrapBroker("create bucket", cfg.Bucket, err)
	}
	kv, err = js.KeyValue(ctx, cfg.Bucket)
	if err != nil {
		return nil, domain.WrapBroker("open bucket", cfg.Bucket, err)
	}
	return kv, nil
}

// EnsureStream creates the stream or returns the existing one.
func (c *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}
	s, err := js.CreateStream(ctx, cfg)
	if err == nil {
		return s, nil
	}
	if !IsAlreadyExists(err) {
		return nil, domain.WrapBroker("create stream", cfg.Name, err)
	}
	s, err = js.Stream(ctx, cfg.Name)
	if err != nil {
		return nil, domain.WrapBroker("open stream", cfg.Name, err)
	}
	return s, nil
}

// Stream looks up an existing stream. A missing stream yields an error matching domain.ErrNotFound.
func (c *Client) Stream(ctx context.Context, name string) (jetstream.Stream, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}
	s, err := js.Stream(ctx, name)
	if err != nil {
		if IsNotFound(err) {
			return nil, domain.NotFoundf("stream %s", name)
		}
		return nil, domain.WrapBroker("open stream", name, err)
	}
	return s, nil
}

// EnsureConsumer creates the durable consumer on stream or returns the existing one.
// Existing consumers are never updated in place, so the first creator's config wins.
func (c *Client) EnsureConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}
	cons, err := js.CreateConsumer(ctx, stream, cfg)
	if err == nil {
		return cons, nil
	}
	if !IsAlreadyExists(err) {
		return nil, domain.WrapBroker("create consumer", stream+"/"+cfg.Durable, err)
	}
	cons, err = js.Consumer(ctx, stream, cfg.Durable)
	if err != nil {
		return nil, domain.WrapBroker("open consumer", stream+"/"+cfg.Durable, err)
	}
	return cons, nil
}

const hexDigits = "0123456789abcdef"

func plainTokenByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-'
}

// EncodeToken maps s onto the characters allowed in stream names, consumer names and
// single subject tokens. Letters, digits and '-' pass through; every other byte,
// '_' included, becomes '_' plus two hex digits, so distinct inputs never share a token.
// The empty string encodes as "_".
func EncodeToken(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if plainTokenByte(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('_')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String()
}

// DecodeToken reverses EncodeToken. ok is false when tok is not a valid encoding.
func DecodeToken(tok string) (s string, ok bool) {
	if tok == "_" {
		return "", true
	}
	var b strings.Builder
	b.Grow(len(tok))
	for i := 0; i < len(tok); i++ {
		c := tok[i]
		if c != '_' {
			if !plainTokenByte(c) {
				return "", false
			}
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(tok) {
			return "", false
		}
		hi, lo := strings.IndexByte(hexDigits, tok[i+1]), strings.IndexByte(hexDigits, tok[i+2])
		if hi < 0 || lo < 0 {
			return "", false
		}
		b.WriteByte(byte(hi<<4 | lo))
		i += 2
	}
	return b.String(), true
}
