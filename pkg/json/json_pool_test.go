package json

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalNumber(t *testing.T) {
	var v map[string]interface{}
	require.NoError(t, UnmarshalNumber([]byte(`{"id": 12345678901234567, "ratio": 0.5}`), &v))

	id, ok := v["id"].(Number)
	require.True(t, ok)
	assert.Equal(t, "12345678901234567", id.String())

	n, err := id.Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(12345678901234567), n)
}

func TestMarshalIndentToWriter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, MarshalIndentToWriter(&buf, map[string]int{"a": 1}))
	assert.Equal(t, "{\n  \"a\": 1\n}\n", buf.String())

	buf.Reset()
	require.NoError(t, MarshalIndentToWriter(&buf, map[string]string{"q": "a<b"}))
	assert.Equal(t, "{\n  \"q\": \"a<b\"\n}\n", buf.String())
}

func TestBufferPool(t *testing.T) {
	buf := getBuffer()
	buf.WriteString("dirty")
	putBuffer(buf)

	again := getBuffer()
	assert.Equal(t, 0, again.Len())
	putBuffer(again)
}
