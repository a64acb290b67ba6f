package command

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"lovebridge/bridge/common"
)

// EncodingFormat names how batches and event lists are serialized on a byte medium.
type EncodingFormat string

const (
	// EncodingFormatJSON is a plain JSON array.
	EncodingFormatJSON EncodingFormat = "json"
	// EncodingFormatBase64 is a JSON array wrapped in standard base64, for text-only media.
	EncodingFormatBase64 EncodingFormat = "base64"
)

// Codec encodes outgoing batches and decodes incoming event lists.
type Codec interface {
	EncodeBatch(batch Batch) ([]byte, error)
	DecodeBatch(data []byte) (Batch, error)
	EncodeEvents(events []common.Event) ([]byte, error)
	DecodeEvents(data []byte) ([]common.Event, error)
}

// JSONCodec implements Codec with encoding/json.
type JSONCodec struct{}

// EncodeBatch encodes a batch as a JSON array.
func (JSONCodec) EncodeBatch(batch Batch) ([]byte, error) {
	if batch == nil {
		batch = Batch{}
	}
	return json.Marshal(batch)
}

// DecodeBatch decodes a JSON array of commands.
func (JSONCodec) DecodeBatch(data []byte) (Batch, error) {
	var batch Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// EncodeEvents encodes events as a JSON array.
func (JSONCodec) EncodeEvents(events []common.Event) ([]byte, error) {
	if events == nil {
		events = []common.Event{}
	}
	return json.Marshal(events)
}

// DecodeEvents decodes a JSON array of events. Entries without a type are dropped.
func (JSONCodec) DecodeEvents(data []byte) ([]common.Event, error) {
	var events []common.Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, err
	}
	out := events[:0]
	for _, ev := range events {
		if ev.Type != "" {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Base64Codec wraps another codec in base64.
type Base64Codec struct {
	underlying Codec
}

// NewBase64Codec creates a Base64Codec. A nil underlying codec means JSON.
func NewBase64Codec(underlying Codec) *Base64Codec {
	if underlying == nil {
		underlying = JSONCodec{}
	}
	return &Base64Codec{underlying: underlying}
}

// EncodeBatch implements Codec.
func (c *Base64Codec) EncodeBatch(batch Batch) ([]byte, error) {
	data, err := c.underlying.EncodeBatch(batch)
	if err != nil {
		return nil, err
	}
	return encode64(data), nil
}

// DecodeBatch implements Codec.
func (c *Base64Codec) DecodeBatch(data []byte) (Batch, error) {
	raw, err := decode64(data)
	if err != nil {
		return nil, err
	}
	return c.underlying.DecodeBatch(raw)
}

// EncodeEvents implements Codec.
func (c *Base64Codec) EncodeEvents(events []common.Event) ([]byte, error) {
	data, err := c.underlying.EncodeEvents(events)
	if err != nil {
		return nil, err
	}
	return encode64(data), nil
}

// DecodeEvents implements Codec.
func (c *Base64Codec) DecodeEvents(data []byte) ([]common.Event, error) {
	raw, err := decode64(data)
	if err != nil {
		return nil, err
	}
	return c.underlying.DecodeEvents(raw)
}

func encode64(data []byte) []byte {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(out, data)
	return out
}

func decode64(data []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(out, data)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

// GetCodec returns the codec for a format. An empty format means JSON.
func GetCodec(format EncodingFormat) (Codec, error) {
	switch format {
	case "", EncodingFormatJSON:
		return JSONCodec{}, nil
	case EncodingFormatBase64:
		return NewBase64Codec(JSONCodec{}), nil
	default:
		return nil, fmt.Errorf("unsupported encoding format: %s", format)
	}
}
