package serialization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type order struct {
	ID    string  `json:"id" msgpack:"id"`
	Total float64 `json:"total" msgpack:"total"`
}

func TestJSONCodec(t *testing.T) {
	data, err := JSON.Marshal(map[string]int{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))

	var out map[string]int
	require.NoError(t, JSON.Unmarshal(data, &out))
	assert.Equal(t, 1, out["a"])
	assert.Equal(t, ContentTypeJSON, JSON.ContentType())
}

func TestMsgpackCodec(t *testing.T) {
	data, err := Msgpack.Marshal(order{ID: "o-1", Total: 12.5})
	require.NoError(t, err)

	var out order
	require.NoError(t, Msgpack.Unmarshal(data, &out))
	assert.Equal(t, order{ID: "o-1", Total: 12.5}, out)
}

func TestProtobufCodec(t *testing.T) {
	t.Run("encodes proto messages", func(t *testing.T) {
		data, err := Protobuf.Marshal(wrapperspb.String("hello"))
		require.NoError(t, err)

		out := &wrapperspb.StringValue{}
		require.NoError(t, Protobuf.Unmarshal(data, out))
		assert.Equal(t, "hello", out.GetValue())
	})

	t.Run("rejects other values", func(t *testing.T) {
		_, err := Protobuf.Marshal(order{})
		assert.ErrorIs(t, err, ErrNotProtoMessage)

		var out order
		assert.ErrorIs(t, Protobuf.Unmarshal([]byte{}, &out), ErrNotProtoMessage)
	})
}

func TestRawCodec(t *testing.T) {
	data, err := Raw.Marshal("Test reply data")
	require.NoError(t, err)

	var s string
	require.NoError(t, Raw.Unmarshal(data, &s))
	assert.Equal(t, "Test reply data", s)

	var b []byte
	require.NoError(t, Raw.Unmarshal(data, &b))
	assert.Equal(t, []byte("Test reply data"), b)

	_, err = Raw.Marshal(42)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	t.Run("default registry resolves every built-in codec", func(t *testing.T) {
		r := DefaultRegistry()

		for _, ct := range []string{ContentTypeJSON, ContentTypeMsgpack, ContentTypeProtobuf, ContentTypeBinary} {
			codec, err := r.Lookup(ct)
			require.NoError(t, err)
			assert.Equal(t, ct, codec.ContentType())
		}
	})

	t.Run("empty content type means JSON", func(t *testing.T) {
		codec, err := DefaultRegistry().Lookup("")
		require.NoError(t, err)
		assert.Equal(t, JSON, codec)
	})

	t.Run("media type parameters are ignored", func(t *testing.T) {
		codec, err := DefaultRegistry().Lookup("application/json; charset=utf-8")
		require.NoError(t, err)
		assert.Equal(t, JSON, codec)
	})

	t.Run("unknown content type", func(t *testing.T) {
		_, err := NewRegistry(JSON).Lookup(ContentTypeMsgpack)
		assert.ErrorIs(t, err, ErrUnknownContentType)
	})
}

func TestEncode(t *testing.T) {
	t.Run("raw bytes pass through", func(t *testing.T) {
		data, ct, err := Encode(JSON, []byte("Test reply data"))
		require.NoError(t, err)
		assert.Equal(t, "Test reply data", string(data))
		assert.Equal(t, ContentTypeBinary, ct)
	})

	t.Run("values use the codec", func(t *testing.T) {
		data, ct, err := Encode(JSON, map[string]int{"a": 1})
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(data))
		assert.Equal(t, ContentTypeJSON, ct)
	})

	t.Run("codec failures are wrapped", func(t *testing.T) {
		_, _, err := Encode(Protobuf, "not proto")
		assert.ErrorIs(t, err, ErrNotProtoMessage)
	})
}
