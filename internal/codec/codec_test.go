package codec

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCommandRoundTrip verifies that every command survives encode/decode,
// including keys and values that are not valid UTF-8.
func TestCommandRoundTrip(t *testing.T) {
	cases := []Command{
		Set("key1", "value1"),
		Set("", ""),
		Set("k", strings.Repeat("v", 100000)),
		Set("\x00\xff\xfe", "\x80binary\x00"),
		Remove("key1"),
		Remove("\xc3\x28"),
	}

	for _, want := range cases {
		b, err := EncodeCommand(want)
		require.NoError(t, err)

		got, err := DecodeCommand(b)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestEncodeCommandRejectsUnknownKind(t *testing.T) {
	_, err := EncodeCommand(Command{Kind: 9, Key: "k"})
	assert.Error(t, err)
}

// TestDecodeCommandCorruption flips bytes in various places of a valid frame
// and checks that decode always reports ErrCorruptRecord.
func TestDecodeCommandCorruption(t *testing.T) {
	valid, err := EncodeCommand(Set("key", "value"))
	require.NoError(t, err)

	t.Run("short buffer", func(t *testing.T) {
		_, err := DecodeCommand(valid[:HeaderSize-1])
		assert.True(t, errors.Is(err, ErrCorruptRecord))
	})

	t.Run("length mismatch", func(t *testing.T) {
		_, err := DecodeCommand(valid[:len(valid)-1])
		assert.True(t, errors.Is(err, ErrCorruptRecord))
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		b := append([]byte(nil), valid...)
		b[len(b)-2] ^= 0xff
		_, err := DecodeCommand(b)
		assert.True(t, errors.Is(err, ErrCorruptRecord))
	})

	t.Run("zeroed frame", func(t *testing.T) {
		_, err := DecodeCommand(make([]byte, len(valid)))
		assert.True(t, errors.Is(err, ErrCorruptRecord))
	})
}

// TestReadCommandStream reads consecutive frames and checks EOF handling at
// and between frame boundaries.
func TestReadCommandStream(t *testing.T) {
	var buf bytes.Buffer
	cmds := []Command{Set("a", "1"), Set("b", "2"), Remove("a")}
	var sizes []int64
	for _, c := range cmds {
		b, err := EncodeCommand(c)
		require.NoError(t, err)
		buf.Write(b)
		sizes = append(sizes, int64(len(b)))
	}
	stream := buf.Bytes()

	t.Run("clean end", func(t *testing.T) {
		r := bytes.NewReader(stream)
		for i, want := range cmds {
			got, n, err := ReadCommand(r)
			require.NoError(t, err)
			assert.Equal(t, want, got)
			assert.Equal(t, sizes[i], n)
		}
		_, _, err := ReadCommand(r)
		assert.Equal(t, io.EOF, err)
	})

	t.Run("torn header", func(t *testing.T) {
		r := bytes.NewReader(stream[:sizes[0]+5])
		_, _, err := ReadCommand(r)
		require.NoError(t, err)
		_, _, err = ReadCommand(r)
		assert.True(t, errors.Is(err, ErrCorruptRecord))
	})

	t.Run("torn payload", func(t *testing.T) {
		r := bytes.NewReader(stream[:sizes[0]+HeaderSize+2])
		_, _, err := ReadCommand(r)
		require.NoError(t, err)
		_, _, err = ReadCommand(r)
		assert.True(t, errors.Is(err, ErrCorruptRecord))
		assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	})
}

// TestWireRoundTrip writes several messages onto one stream and reads them
// back with a single decoder.
func TestWireRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	reqs := []Request{
		GetRequest("key1"),
		SetRequest("key1", "value1"),
		SetRequest("\x00\xff", ""),
		RemoveRequest("key1"),
	}
	for _, r := range reqs {
		require.NoError(t, enc.EncodeRequest(r))
	}

	dec := NewDecoder(&buf)
	for _, want := range reqs {
		got, err := dec.DecodeRequest()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := dec.DecodeRequest()
	assert.Equal(t, io.EOF, err)
}

func TestWireResponses(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	resps := []Response{
		OK("value1", true),
		OK("", false),
		OK("", true),
		Err("Key not found"),
	}
	for _, r := range resps {
		require.NoError(t, enc.EncodeResponse(r))
	}

	dec := NewDecoder(&buf)
	for _, want := range resps {
		got, err := dec.DecodeResponse()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := dec.DecodeResponse()
	assert.Equal(t, io.EOF, err)
}

func TestDecoderRejectsMalformedInput(t *testing.T) {
	cases := map[string]string{
		"not json":       "hello\n",
		"unknown op":     `{"op":"drop","key":"YQ=="}`,
		"missing op":     `{"key":"YQ=="}`,
		"array":          `[1,2,3]`,
		"truncated":      `{"op":"get","key":"YQ`,
		"bad base64 key": `{"op":"get","key":"!!"}`,
	}

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(input))
			_, err := dec.DecodeRequest()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrProtocol), "got %v", err)
		})
	}
}

func TestEncoderRejectsInvalidMessages(t *testing.T) {
	enc := NewEncoder(io.Discard)
	assert.Error(t, enc.EncodeRequest(Request{Op: "drop"}))
	assert.Error(t, enc.EncodeResponse(Response{Status: "maybe"}))
}
