package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	frames := []*Frame{
		NewNameFrame(TypeUploadReq, 1, "notes.txt"),
		{Type: TypeUploadData, Seq: 2, Total: 3, Payload: bytes.Repeat([]byte{0xAB}, MaxPayload)},
		{Type: TypeUploadData, Seq: 4, Total: 3},
		NewNameFrame(TypeDownloadReq, 1, "a.bin"),
		{Type: TypeDownloadData, Seq: 1, Total: 2, Payload: []byte("partial content")},
		NewNameFrame(TypeDeleteReq, 1, "old.log"),
		NewFrame(TypeListServerReq, 1, nil),
		NewFrame(TypeListServerRes, 1, []byte("x\t3 bytes\tmtime:2024-01-01 10:00:00\tatime:2024-01-01 10:00:00\tctime:2024-01-01 10:00:00\n")),
		NewNameFrame(TypeGetSyncDir, 1, "alice"),
		NewAck(7),
		NewNack(9, "bad filename"),
		NewNack(9, ""),
	}

	for _, f := range frames {
		t.Run(f.Type.String(), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteFrame(&buf, f))
			require.Equal(t, HeaderSize+len(f.Payload), buf.Len())

			got, err := ReadFrame(&buf)
			require.NoError(t, err)
			assert.Equal(t, f.Type, got.Type)
			assert.Equal(t, f.Seq, got.Seq)
			assert.Equal(t, f.Total, got.Total)
			assert.Equal(t, len(f.Payload), len(got.Payload))
			if len(f.Payload) > 0 {
				assert.Equal(t, f.Payload, got.Payload)
			}
		})
	}
}

func TestEncodeRejectsOversizePayload(t *testing.T) {
	f := &Frame{Type: TypeUploadData, Seq: 1, Total: 1, Payload: make([]byte, MaxPayload+1)}

	_, err := EncodeFrame(nil, f)
	require.Error(t, err)
	assert.True(t, IsTransport(err), "framing errors count as transport-class failures")
}

func TestReadRejectsOversizeHeaderWithoutConsumingPayload(t *testing.T) {
	// Header claims a payload one byte over the maximum; the bytes after the
	// header must remain unread so teardown happens at a frame boundary.
	var raw bytes.Buffer
	hdr := make([]byte, HeaderSize)
	putHeader(hdr, header{Type: TypeUploadData, Seq: 1, Total: 1, Size: MaxPayload + 1})
	raw.Write(hdr)
	payload := bytes.Repeat([]byte{0x5A}, 100)
	raw.Write(payload)

	_, err := ReadFrame(&raw)
	require.Error(t, err)
	assert.True(t, IsTransport(err))
	assert.Equal(t, payload, raw.Bytes(), "payload bytes must not be consumed")
}

func TestReadRejectsImpossibleType(t *testing.T) {
	hdr := make([]byte, HeaderSize)
	putHeader(hdr, header{Type: Type(99), Seq: 1, Total: 1, Size: 0})

	_, err := ReadFrame(bytes.NewReader(hdr))
	require.Error(t, err)
	assert.True(t, IsTransport(err))
}

func TestReadShortStream(t *testing.T) {
	t.Run("CleanEOFAtBoundary", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader(nil))
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("TruncatedHeader", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader([]byte{0, 1, 0}))
		require.Error(t, err)
		assert.NotErrorIs(t, err, io.EOF)
		assert.True(t, IsTransport(err))
	})

	t.Run("TruncatedPayload", func(t *testing.T) {
		var buf bytes.Buffer
		hdr := make([]byte, HeaderSize)
		putHeader(hdr, header{Type: TypeUploadData, Seq: 1, Total: 1, Size: 64})
		buf.Write(hdr)
		buf.Write([]byte("only ten b"))

		_, err := ReadFrame(&buf)
		require.Error(t, err)
		assert.True(t, IsTransport(err))
	})
}

func TestTerminator(t *testing.T) {
	assert.True(t, (&Frame{Type: TypeUploadData}).IsTerminator())
	assert.True(t, (&Frame{Type: TypeDownloadData}).IsTerminator())
	assert.True(t, (&Frame{Type: TypeListServerRes}).IsTerminator())
	assert.False(t, (&Frame{Type: TypeUploadData, Payload: []byte{1}}).IsTerminator())
	assert.False(t, (&Frame{Type: TypeListServerRes, Payload: []byte{1}}).IsTerminator())
	assert.False(t, (&Frame{Type: TypeAck}).IsTerminator())
}

func TestNamePayload(t *testing.T) {
	t.Run("AppendsTrailingNul", func(t *testing.T) {
		p := NamePayload("hello.txt")
		require.Equal(t, 10, len(p))
		assert.Equal(t, byte(0), p[9])
	})

	t.Run("DecodeStopsAtNul", func(t *testing.T) {
		f := &Frame{Type: TypeUploadReq, Payload: []byte("hello.txt\x00garbage")}
		assert.Equal(t, "hello.txt", f.Name())
	})

	t.Run("DecodeWithoutNul", func(t *testing.T) {
		f := &Frame{Type: TypeUploadReq, Payload: []byte("hello.txt")}
		assert.Equal(t, "hello.txt", f.Name())
	})
}

func TestChunkTotal(t *testing.T) {
	assert.Equal(t, uint32(1), ChunkTotal(0), "empty file is terminator only")
	assert.Equal(t, uint32(2), ChunkTotal(1))
	assert.Equal(t, uint32(2), ChunkTotal(MaxPayload))
	assert.Equal(t, uint32(3), ChunkTotal(MaxPayload+1))
	assert.Equal(t, uint32(4), ChunkTotal(3*MaxPayload))
}

func TestValidateFilename(t *testing.T) {
	valid := []string{"a", "notes.txt", "UPPER_case-1.bin", "with space.txt", "trailing.dot."}
	for _, name := range valid {
		assert.NoError(t, ValidateFilename(name), "name %q", name)
	}

	invalid := []string{
		"",
		"../secret",
		"a/../b",
		"..",
		"dir/file",
		`dir\file`,
		"nul\x00byte",
	}
	for _, name := range invalid {
		err := ValidateFilename(name)
		require.Error(t, err, "name %q", name)
		assert.True(t, IsValidation(err), "name %q", name)
	}
}

func TestValidateUsername(t *testing.T) {
	assert.NoError(t, ValidateUsername("alice"))
	assert.Error(t, ValidateUsername(""))
	assert.Error(t, ValidateUsername("../root"))

	long := make([]byte, MaxUsernameLen+1)
	for i := range long {
		long[i] = 'a'
	}
	assert.Error(t, ValidateUsername(string(long)))
}
