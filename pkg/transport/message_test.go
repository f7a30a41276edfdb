package transport

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	msg, err := NewMessage(MsgTaskCreate, "node-aa", 42, map[string]string{"title": "add readme"})
	require.NoError(t, err)
	msg.ID = "m-1"

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, msg))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgTaskCreate, got.Type)
	assert.Equal(t, "node-aa", got.From)
	assert.Equal(t, uint64(42), got.LamportTS)
	assert.Equal(t, "m-1", got.ID)

	var payload map[string]string
	require.NoError(t, got.Decode(&payload))
	assert.Equal(t, "add readme", payload["title"])
}

func TestFrameRoundTripEmptyPayload(t *testing.T) {
	msg, err := NewMessage(MsgPing, "node-aa", 0, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, msg))
	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgPing, got.Type)
	assert.Error(t, got.Decode(&struct{}{}))
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	buf.Write(hdr[:])

	_, err := ReadFrame(&buf)
	assert.Error(t, err)
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}))
	assert.Error(t, err)
}

func TestReadFrameRejectsCorruptBody(t *testing.T) {
	var buf bytes.Buffer
	body := []byte("{not json")
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	buf.Write(hdr[:])
	buf.Write(body)

	_, err := ReadFrame(&buf)
	assert.Error(t, err)
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 100)
	buf.Write(hdr[:])
	buf.Write([]byte("short"))

	_, err := ReadFrame(&buf)
	assert.Error(t, err)
}
