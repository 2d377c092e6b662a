package message

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTripPreservesEverything(t *testing.T) {
	m := New(BeginTransaction).
		Set(HeaderNewCount, "42").
		Set(HeaderNewHash, "deadbeef").
		Set(HeaderID, "42").
		Set(HeaderConsistency, "QUORUM").
		SetBody([]byte("INSERT INTO t VALUES (1);"))

	for _, compress := range []bool{false, true} {
		codec := NewCodec(compress)
		var buf bytes.Buffer
		require.NoError(t, codec.Encode(&buf, m))

		got, err := codec.Decode(bufio.NewReader(&buf))
		require.NoError(t, err)
		require.Equal(t, m.Name, got.Name)
		require.Equal(t, m.Headers, got.Headers)
		require.Equal(t, m.Body, got.Body)
	}
}

func TestTryDecodeReturnsShortBufferUntilFrameComplete(t *testing.T) {
	m := New(Ping).Set(HeaderTimestamp, "123")
	codec := NewCodec(false)
	var buf bytes.Buffer
	require.NoError(t, codec.Encode(&buf, m))
	full := buf.Bytes()

	_, _, err := TryDecode(full[:len(full)-1])
	require.ErrorIs(t, err, ErrShortBuffer)

	got, consumed, err := TryDecode(full)
	require.NoError(t, err)
	require.Equal(t, len(full), consumed)
	require.Equal(t, m.Name, got.Name)
}

func TestTryDecodeRejectsMalformedFrame(t *testing.T) {
	_, _, err := TryDecode([]byte{0, 0, 0, 4, 1, 2, 3, 4})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeMultipleFramesFromSameStream(t *testing.T) {
	codec := NewCodec(false)
	var buf bytes.Buffer
	require.NoError(t, codec.Encode(&buf, New(Ping)))
	require.NoError(t, codec.Encode(&buf, New(Pong)))

	r := bufio.NewReader(&buf)
	first, err := codec.Decode(r)
	require.NoError(t, err)
	require.Equal(t, Ping, first.Name)

	second, err := codec.Decode(r)
	require.NoError(t, err)
	require.Equal(t, Pong, second.Name)
}
