package realtime

import (
	"encoding/json"
	"fmt"
	"reflect"

	hcmsgpack "github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/klauspost/compress/snappy"
	"github.com/mcdev12/empire/go/internal/models"
	shamaton "github.com/shamaton/msgpack/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Frame types carried on the push channel
const (
	FrameChange = "change"
	FramePing   = "ping"
)

// Frame is the push channel envelope
type Frame struct {
	Type  string              `json:"type" msgpack:"type"`
	Event *models.ChangeEvent `json:"event,omitempty" msgpack:"event,omitempty"`
}

// Codec serializes frames
type Codec interface {
	Name() string
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	// Binary reports whether frames go out as binary websocket messages
	Binary() bool
}

type jsonCodec struct{}

func (jsonCodec) Name() string                               { return "json" }
func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Binary() bool                               { return false }

type msgpackCodec struct{}

func (msgpackCodec) Name() string                               { return "msgpack" }
func (msgpackCodec) Marshal(v interface{}) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v interface{}) error { return msgpack.Unmarshal(data, v) }
func (msgpackCodec) Binary() bool                               { return true }

type shamatonCodec struct{}

func (shamatonCodec) Name() string                               { return "msgpack-shamaton" }
func (shamatonCodec) Marshal(v interface{}) ([]byte, error)      { return shamaton.Marshal(v) }
func (shamatonCodec) Unmarshal(data []byte, v interface{}) error { return shamaton.Unmarshal(data, v) }
func (shamatonCodec) Binary() bool                               { return true }

// hashicorpCodec reads json struct tags. The handle writes msgpack str and timestamp
// types so peers on other msgpack libraries can read its frames.
type hashicorpCodec struct {
	handle *hcmsgpack.MsgpackHandle
}

func newHashicorpCodec() hashicorpCodec {
	handle := new(hcmsgpack.MsgpackHandle)
	handle.WriteExt = true
	handle.RawToString = true
	handle.MapType = reflect.TypeOf(map[string]interface{}(nil))
	return hashicorpCodec{handle: handle}
}

func (hashicorpCodec) Name() string { return "msgpack-hashicorp" }

func (c hashicorpCodec) Marshal(v interface{}) ([]byte, error) {
	var data []byte
	enc := hcmsgpack.NewEncoderBytes(&data, c.handle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return data, nil
}

func (c hashicorpCodec) Unmarshal(data []byte, v interface{}) error {
	dec := hcmsgpack.NewDecoderBytes(data, c.handle)
	return dec.Decode(v)
}

func (hashicorpCodec) Binary() bool { return true }

// snappyCodec compresses the frames of another codec
type snappyCodec struct {
	inner Codec
}

func (c snappyCodec) Name() string { return c.inner.Name() + "-snappy" }

func (c snappyCodec) Marshal(v interface{}) ([]byte, error) {
	data, err := c.inner.Marshal(v)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, data), nil
}

func (c snappyCodec) Unmarshal(data []byte, v interface{}) error {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return fmt.Errorf("snappy decode: %w", err)
	}
	return c.inner.Unmarshal(raw, v)
}

func (snappyCodec) Binary() bool { return true }

// NewJSONCodec returns the JSON frame codec
func NewJSONCodec() Codec { return jsonCodec{} }

// NewMsgpackCodec returns the msgpack frame codec
func NewMsgpackCodec() Codec { return msgpackCodec{} }

// NewSnappyCodec wraps inner with snappy block compression
func NewSnappyCodec(inner Codec) Codec { return snappyCodec{inner: inner} }

// CodecNames lists every name CodecByName resolves
var CodecNames = []string{"json", "msgpack", "msgpack-shamaton", "msgpack-hashicorp", "msgpack-snappy"}

// CodecByName resolves a codec by its Name. Empty selects JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return jsonCodec{}, nil
	case "msgpack":
		return msgpackCodec{}, nil
	case "msgpack-shamaton":
		return shamatonCodec{}, nil
	case "msgpack-hashicorp":
		return newHashicorpCodec(), nil
	case "msgpack-snappy":
		return NewSnappyCodec(msgpackCodec{}), nil
	}
	return nil, fmt.Errorf("unknown frame codec: %s", name)
}

// DecodeFrame unmarshals a frame and normalizes numeric field values to float64
// so merges from every source compare alike.
func DecodeFrame(codec Codec, data []byte) (Frame, error) {
	var frame Frame
	if err := codec.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode %s frame: %w", codec.Name(), err)
	}
	if frame.Event != nil {
		frame.Event.Fields = NormalizeFields(frame.Event.Fields)
	}
	return frame, nil
}

// NormalizeFields converts integer kinds to float64 in place and returns fields
func NormalizeFields(fields models.Fields) models.Fields {
	for k, v := range fields {
		switch n := v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32:
			fields[k] = toFloat(n)
		}
	}
	return fields
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	}
	return 0
}
