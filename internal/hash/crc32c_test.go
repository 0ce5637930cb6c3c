package hash

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC32C(t *testing.T) {
	data := []byte("the quick brown fox")

	one := CRC32C(data)
	assert.Equal(t, one, UpdateCRC32C(UpdateCRC32C(0, data[:5]), data[5:]))

	h := NewCRC32C()
	h.Write(data)
	assert.Equal(t, one, h.Sum32())
}

func TestChecksumWriter(t *testing.T) {
	var buf bytes.Buffer
	cw := NewChecksumWriter(&buf)

	_, err := cw.Write([]byte("hello "))
	assert.NoError(t, err)
	_, err = cw.Write([]byte("world"))
	assert.NoError(t, err)

	assert.Equal(t, "hello world", buf.String())
	assert.Equal(t, int64(11), cw.Written())
	assert.Equal(t, CRC32C([]byte("hello world")), cw.Sum32())
}
