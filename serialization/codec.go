package serialization

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/proto"
)

const (
	ContentTypeJSON     = "application/json"
	ContentTypeMsgpack  = "application/msgpack"
	ContentTypeProtobuf = "application/x-protobuf"
	ContentTypeBinary   = "application/octet-stream"
)

var (
	// ErrUnknownContentType is returned when no codec handles a content type
	ErrUnknownContentType = errors.New("serialization: unknown content type")
	// ErrNotProtoMessage is returned when the protobuf codec gets a non-proto value
	ErrNotProtoMessage = errors.New("serialization: value is not a proto.Message")
)

// Codec turns message values into payload bytes and back
type Codec interface {
	// ContentType is set on published messages and used to pick a codec on receipt
	ContentType() string
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// JSON encodes with encoding/json
var JSON Codec = jsonCodec{}

// Msgpack encodes with vmihailenco/msgpack
var Msgpack Codec = msgpackCodec{}

// Protobuf encodes proto.Message values
var Protobuf Codec = protoCodec{}

// Raw carries []byte and string payloads unchanged
var Raw Codec = rawCodec{}

type jsonCodec struct{}

func (jsonCodec) ContentType() string { return ContentTypeJSON }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

type msgpackCodec struct{}

func (msgpackCodec) ContentType() string { return ContentTypeMsgpack }

func (msgpackCodec) Marshal(v interface{}) ([]byte, error) { return msgpack.Marshal(v) }

func (msgpackCodec) Unmarshal(data []byte, v interface{}) error { return msgpack.Unmarshal(data, v) }

type protoCodec struct{}

func (protoCodec) ContentType() string { return ContentTypeProtobuf }

func (protoCodec) Marshal(v interface{}) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotProtoMessage, v)
	}
	return proto.Marshal(msg)
}

func (protoCodec) Unmarshal(data []byte, v interface{}) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("%w: %T", ErrNotProtoMessage, v)
	}
	return proto.Unmarshal(data, msg)
}

type rawCodec struct{}

func (rawCodec) ContentType() string { return ContentTypeBinary }

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	}
	return nil, fmt.Errorf("serialization: raw codec cannot encode %T", v)
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	switch out := v.(type) {
	case *[]byte:
		*out = append((*out)[:0], data...)
		return nil
	case *string:
		*out = string(data)
		return nil
	}
	return fmt.Errorf("serialization: raw codec cannot decode into %T", v)
}

// Registry resolves codecs by content type
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry creates a registry holding the given codecs
func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{codecs: make(map[string]Codec)}
	for _, c := range codecs {
		r.Register(c)
	}
	return r
}

// DefaultRegistry knows JSON, msgpack, protobuf and raw bytes
func DefaultRegistry() *Registry {
	return NewRegistry(JSON, Msgpack, Protobuf, Raw)
}

// Register adds or replaces the codec for its content type
func (r *Registry) Register(codec Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[codec.ContentType()] = codec
}

// Lookup returns the codec for contentType. Parameters such as charset are
// ignored and an empty content type means JSON.
func (r *Registry) Lookup(contentType string) (Codec, error) {
	if contentType == "" {
		contentType = ContentTypeJSON
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	codec, ok := r.codecs[contentType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContentType, contentType)
	}
	return codec, nil
}

// Encode marshals v with codec. Raw []byte values are passed through
// untouched and reported as binary.
func Encode(codec Codec, v interface{}) ([]byte, string, error) {
	if raw, ok := v.([]byte); ok {
		return raw, Raw.ContentType(), nil
	}
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode %T as %s: %w", v, codec.ContentType(), err)
	}
	return data, codec.ContentType(), nil
}
