package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/brokerhub/brokerhub-go/pkg/broker"
)

// Marshaler encodes and decodes RPC envelopes and their embedded values.
type Marshaler interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// NewMarshaler returns the codec for a formatter choice.
func NewMarshaler(formatter broker.Formatter) (Marshaler, error) {
	switch formatter {
	case broker.FormatterUTF8JSON:
		return jsonMarshaler{}, nil
	case broker.FormatterMessagePack:
		return msgpackMarshaler{}, nil
	default:
		return nil, fmt.Errorf("unknown formatter %q", formatter)
	}
}

type jsonMarshaler struct{}

func (jsonMarshaler) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (jsonMarshaler) Unmarshal(d []byte, v any) error { return json.Unmarshal(d, v) }

type msgpackMarshaler struct{}

func (msgpackMarshaler) Marshal(v any) ([]byte, error)   { return msgpack.Marshal(v) }
func (msgpackMarshaler) Unmarshal(d []byte, v any) error { return msgpack.Unmarshal(d, v) }
