package json

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Kind     string `json:"kind"`
	ServerID string `json:"serverId"`
	Locked   *bool  `json:"locked,omitempty"`
}

func TestMarshalRoundTrip(t *testing.T) {
	data, err := Marshal(sample{Kind: "serverStatus", ServerID: "libera"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"serverStatus","serverId":"libera"}`, string(data))

	var out sample
	require.NoError(t, Unmarshal([]byte(`{"kind":"systemMessage","serverId":"oftc"}`), &out))
	assert.Equal(t, "oftc", out.ServerID)
	assert.Nil(t, out.Locked)
}

func TestMarshalPlainKeepsMarkup(t *testing.T) {
	v := sample{Kind: "protocol", ServerID: "<a&b>"}

	escaped, err := Marshal(v)
	require.NoError(t, err)
	assert.Contains(t, string(escaped), `\u003ca\u0026b\u003e`)

	plain, err := MarshalPlain(v)
	require.NoError(t, err)
	assert.Equal(t, `{"kind":"protocol","serverId":"<a&b>"}`, string(plain))
}

func TestEncoderAppendsNewline(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode(sample{Kind: "a"}))
	require.NoError(t, enc.Encode(sample{Kind: "b"}))
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("\n")))

	dec := NewDecoder(&buf)
	var first sample
	require.NoError(t, dec.Decode(&first))
	assert.Equal(t, "a", first.Kind)
}
