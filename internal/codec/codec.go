// Package codec serializes cache entries and bus payloads: a MessagePack
// body behind a one-byte format marker, zstd-compressed when the body is
// large enough to pay for it.
package codec

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// Leading format markers. Decode refuses anything else, so the wire
	// format can grow without silently misreading old payloads.
	formatRaw  byte = 0x00
	formatZstd byte = 0x01

	// compressFrom is the body size where compression starts paying for
	// itself. Smaller payloads ship raw.
	compressFrom = 512
)

// ErrEmpty reports a zero-length payload, which no format marker matches.
var ErrEmpty = errors.New("codec: empty payload")

// Codec is a reusable encoder/decoder pair. Create once and share;
// Encode and Decode are safe for concurrent use.
type Codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// New builds a Codec with a zstd encoder at SpeedDefault (level 3).
// Caller must Close it to release the compressor resources.
func New() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("codec: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("codec: zstd decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// Close releases the zstd encoder and decoder.
func (c *Codec) Close() error {
	c.dec.Close()
	return c.enc.Close()
}

// Encode marshals v to MessagePack and prefixes the format marker,
// compressing bodies of compressFrom bytes or more.
func (c *Codec) Encode(v any) ([]byte, error) {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	if len(body) < compressFrom {
		out := make([]byte, 1+len(body))
		out[0] = formatRaw
		copy(out[1:], body)
		return out, nil
	}
	out := make([]byte, 1, 1+len(body)/2)
	out[0] = formatZstd
	// EncodeAll is goroutine-safe on a shared encoder.
	return c.enc.EncodeAll(body, out), nil
}

// Decode unmarshals an Encode payload into v, which must be a pointer.
func (c *Codec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return ErrEmpty
	}
	body := data[1:]
	switch data[0] {
	case formatRaw:
	case formatZstd:
		var err error
		body, err = c.dec.DecodeAll(body, nil)
		if err != nil {
			return fmt.Errorf("codec: decompress: %w", err)
		}
	default:
		return fmt.Errorf("codec: unknown format marker 0x%02x", data[0])
	}
	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("codec: decode: %w", err)
	}
	return nil
}
