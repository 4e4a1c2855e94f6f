package events

import (
	"encoding/json"
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Codec encodes events for external sinks.
type Codec interface {
	ContentType() string
	Marshal(e Event) ([]byte, error)
	Unmarshal(data []byte, e *Event) error
}

// Registry maps content types to codecs.
type Registry struct {
	byType map[string]Codec
}

// NewRegistry returns a registry preloaded with JSON, CBOR and protobuf codecs.
func NewRegistry() (*Registry, error) {
	r := &Registry{byType: make(map[string]Codec)}
	r.Register(JSON())
	c, err := CBOR()
	if err != nil {
		return nil, err
	}
	r.Register(c)
	r.Register(Proto())
	return r, nil
}

func (r *Registry) Register(c Codec) {
	r.byType[c.ContentType()] = c
}

// Get returns the codec for a content type or one of its short aliases
// ("json", "cbor", "proto").
func (r *Registry) Get(contentType string) (Codec, error) {
	switch contentType {
	case "json":
		contentType = "application/json"
	case "cbor":
		contentType = "application/cbor"
	case "proto", "protobuf":
		contentType = "application/x-protobuf"
	}
	c, ok := r.byType[contentType]
	if !ok {
		return nil, fmt.Errorf("no codec for %q", contentType)
	}
	return c, nil
}

type jsonCodec struct{}

func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string                   { return "application/json" }
func (jsonCodec) Marshal(e Event) ([]byte, error)       { return json.Marshal(e) }
func (jsonCodec) Unmarshal(data []byte, e *Event) error { return json.Unmarshal(data, e) }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a deterministic CBOR codec.
func CBOR() (Codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	return cborCodec{enc: em, dec: dm}, nil
}

func (c cborCodec) ContentType() string                   { return "application/cbor" }
func (c cborCodec) Marshal(e Event) ([]byte, error)       { return c.enc.Marshal(e) }
func (c cborCodec) Unmarshal(data []byte, e *Event) error { return c.dec.Unmarshal(data, e) }

type protoCodec struct{}

// Proto encodes events as a google.protobuf.Struct.
func Proto() Codec { return protoCodec{} }

func (protoCodec) ContentType() string { return "application/x-protobuf" }

func (protoCodec) Marshal(e Event) ([]byte, error) {
	s, err := structpb.NewStruct(e.Fields())
	if err != nil {
		return nil, err
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(s)
}

func (protoCodec) Unmarshal(data []byte, e *Event) error {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return err
	}
	// Round-trip through JSON to reuse the struct tags.
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, e)
}
