package wire

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes and decodes wire messages.
type Codec interface {
	// Name identifies the encoding ("cbor" or "json").
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Built-in codecs.
var (
	CBOR Codec = cborCodec{}
	JSON Codec = jsonCodec{}
)

// encMode is the CBOR encoder mode for hub messages.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for hub messages.
var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Payloads are opaque documents; decode nested maps with string keys so
	// they survive re-encoding as JSON.
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
		DefaultMapType:    reflect.TypeOf(map[string]any(nil)),
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

type cborCodec struct{}

func (cborCodec) Name() string                       { return "cbor" }
func (cborCodec) Marshal(v any) ([]byte, error)      { return encMode.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// CodecByName returns the codec for name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "cbor":
		return CBOR, nil
	case "json":
		return JSON, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// DecodeRequest decodes and validates a request.
func DecodeRequest(c Codec, data []byte) (*Request, error) {
	var req Request
	if err := c.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return &req, nil
}

// EncodeRequest validates and encodes a request.
func EncodeRequest(c Codec, req *Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return c.Marshal(req)
}

// EncodeResponse encodes a response.
func EncodeResponse(c Codec, resp *Response) ([]byte, error) {
	return c.Marshal(resp)
}

// EncodePush encodes a push.
func EncodePush(c Codec, push *Push) ([]byte, error) {
	return c.Marshal(push)
}

// DecodeServerMessage decodes a message sent by the hub. Exactly one of the
// results is non-nil on success: pushes carry no status.
func DecodeServerMessage(c Codec, data []byte) (*Response, *Push, error) {
	var resp Response
	if err := c.Unmarshal(data, &resp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if resp.Status != "" {
		return &resp, nil, nil
	}

	var push Push
	if err := c.Unmarshal(data, &push); err != nil {
		return nil, nil, fmt.Errorf("failed to decode push: %w", err)
	}
	return nil, &push, nil
}
