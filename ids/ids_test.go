package ids

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNilSentinel(t *testing.T) {
	var zero ID
	assert.True(t, zero.IsNil())
	assert.True(t, Nil.IsNil())
	assert.False(t, New().IsNil())
}

func TestJSONRoundTrip(t *testing.T) {
	id := New()
	data, err := json.Marshal(id)
	assert.NoError(t, err)

	var out ID
	assert.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, id, out)
}

func TestNilJSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(Nil)
	assert.NoError(t, err)

	var out ID
	assert.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, Nil, out)
}

func TestBytesRoundTrip(t *testing.T) {
	id := New()
	buf := make([]byte, 16)
	id.PutTo(buf)

	out, err := FromBytes(buf)
	assert.NoError(t, err)
	assert.Equal(t, id, out)
}
