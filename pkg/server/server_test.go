package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syncbox/syncbox/pkg/listing"
	"github.com/syncbox/syncbox/pkg/store"
	"github.com/syncbox/syncbox/pkg/wire"
)

const testRecvTimeout = 2 * time.Second

// startTestServer runs a server on an ephemeral port and returns it with
// its listen address and storage root path.
func startTestServer(t *testing.T) (*Server, string, string) {
	t.Helper()

	base := t.TempDir()
	root, err := store.NewRoot(store.DefaultConfig(base))
	require.NoError(t, err)

	srv := New(Config{
		BindAddress:     "127.0.0.1",
		Port:            0,
		ShutdownTimeout: time.Second,
		AckTimeout:      2 * time.Second,
		PollInterval:    20 * time.Millisecond,
	}, root, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return srv, srv.GetListenerAddr(), base
}

func dialServer(t *testing.T, addr string) *wire.Transport {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	tr := wire.NewTransport(nc)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func recvFrame(t *testing.T, tr *wire.Transport) *wire.Frame {
	t.Helper()
	f, err := tr.RecvTimeout(testRecvTimeout)
	require.NoError(t, err)
	return f
}

func recvType(t *testing.T, tr *wire.Transport, want wire.Type) *wire.Frame {
	t.Helper()
	f := recvFrame(t, tr)
	require.Equal(t, want, f.Type, "unexpected frame type")
	return f
}

func doHandshake(t *testing.T, tr *wire.Transport, user string) {
	t.Helper()
	require.NoError(t, tr.Send(wire.NewNameFrame(wire.TypeGetSyncDir, 0, user)))
	recvType(t, tr, wire.TypeAck)
}

// clientUpload drives a full upload the way a sync client would.
func clientUpload(t *testing.T, tr *wire.Transport, name string, data []byte) {
	t.Helper()
	require.NoError(t, tr.Send(wire.NewNameFrame(wire.TypeUploadReq, 0, name)))
	recvType(t, tr, wire.TypeAck)

	total := wire.ChunkTotal(int64(len(data)))
	var seq uint32
	for off := 0; off < len(data); off += wire.MaxPayload {
		end := off + wire.MaxPayload
		if end > len(data) {
			end = len(data)
		}
		seq++
		require.NoError(t, tr.Send(&wire.Frame{Type: wire.TypeUploadData, Seq: seq, Total: total, Payload: data[off:end]}))
		ack := recvType(t, tr, wire.TypeAck)
		require.Equal(t, seq, ack.Seq)
	}
	seq++
	require.NoError(t, tr.Send(&wire.Frame{Type: wire.TypeUploadData, Seq: seq, Total: total}))
}

// clientDownload drives a full download and returns the received bytes.
func clientDownload(t *testing.T, tr *wire.Transport, name string) []byte {
	t.Helper()
	require.NoError(t, tr.Send(wire.NewNameFrame(wire.TypeDownloadReq, 0, name)))
	recvType(t, tr, wire.TypeAck)

	var buf bytes.Buffer
	var want uint32
	for {
		f := recvType(t, tr, wire.TypeDownloadData)
		if f.IsTerminator() {
			return buf.Bytes()
		}
		want++
		require.Equal(t, want, f.Seq)
		buf.Write(f.Payload)
		require.NoError(t, tr.Send(wire.NewAck(f.Seq)))
	}
}

// clientList drives a listing request: chunks are acknowledged and the
// stream ends on the zero-size terminator, never on the Total field.
func clientList(t *testing.T, tr *wire.Transport) []listing.Entry {
	t.Helper()
	require.NoError(t, tr.Send(wire.NewFrame(wire.TypeListServerReq, 0, nil)))

	var text []byte
	var want uint32
	for {
		f := recvType(t, tr, wire.TypeListServerRes)
		if f.IsTerminator() {
			return listing.Parse(string(text))
		}
		want++
		require.Equal(t, want, f.Seq)
		text = append(text, f.Payload...)
		require.NoError(t, tr.Send(wire.NewAck(f.Seq)))
	}
}

func TestHandshake(t *testing.T) {
	_, addr, base := startTestServer(t)

	tr := dialServer(t, addr)
	doHandshake(t, tr, "alice")

	// The user's sync directory is ensured at handshake time.
	_, err := os.Stat(filepath.Join(base, "alice", "sync_dir"))
	require.NoError(t, err)

	// Re-handshake with the same user is idempotent.
	require.NoError(t, tr.Send(wire.NewNameFrame(wire.TypeGetSyncDir, 0, "alice")))
	recvType(t, tr, wire.TypeAck)

	// Switching users on a bound connection is refused.
	require.NoError(t, tr.Send(wire.NewNameFrame(wire.TypeGetSyncDir, 0, "mallory")))
	recvType(t, tr, wire.TypeNack)
}

func TestHandshakeRejectsWrongFirstFrame(t *testing.T) {
	_, addr, _ := startTestServer(t)

	tr := dialServer(t, addr)
	require.NoError(t, tr.Send(wire.NewFrame(wire.TypeListServerReq, 0, nil)))

	// The server closes the connection without a reply.
	_, err := tr.RecvTimeout(testRecvTimeout)
	require.Error(t, err)
}

func TestHandshakeRejectsBadUsername(t *testing.T) {
	_, addr, base := startTestServer(t)

	tr := dialServer(t, addr)
	require.NoError(t, tr.Send(wire.NewNameFrame(wire.TypeGetSyncDir, 0, "../escape")))
	recvType(t, tr, wire.TypeNack)

	_, err := os.Stat(filepath.Join(base, "..", "escape"))
	require.True(t, os.IsNotExist(err))
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	_, addr, _ := startTestServer(t)

	tr := dialServer(t, addr)
	doHandshake(t, tr, "alice")

	clientUpload(t, tr, "hello.txt", []byte("hi\n"))

	entries := clientList(t, tr)
	require.Len(t, entries, 1)
	assert.Equal(t, "hello.txt", entries[0].Name)
	assert.Equal(t, int64(3), entries[0].Size)

	got := clientDownload(t, tr, "hello.txt")
	assert.Equal(t, []byte("hi\n"), got)
}

func TestUploadMultiChunkRoundTrip(t *testing.T) {
	_, addr, _ := startTestServer(t)

	tr := dialServer(t, addr)
	doHandshake(t, tr, "alice")

	data := make([]byte, 3*wire.MaxPayload+123)
	_, err := rand.Read(data)
	require.NoError(t, err)

	clientUpload(t, tr, "a.bin", data)
	got := clientDownload(t, tr, "a.bin")
	assert.Equal(t, data, got)
}

func TestUploadReplacesExisting(t *testing.T) {
	_, addr, _ := startTestServer(t)

	tr := dialServer(t, addr)
	doHandshake(t, tr, "alice")

	clientUpload(t, tr, "f.txt", []byte("first"))
	clientUpload(t, tr, "f.txt", []byte("second version"))

	got := clientDownload(t, tr, "f.txt")
	assert.Equal(t, []byte("second version"), got)
}

func TestUploadEmptyFile(t *testing.T) {
	_, addr, _ := startTestServer(t)

	tr := dialServer(t, addr)
	doHandshake(t, tr, "alice")

	clientUpload(t, tr, "empty.dat", nil)

	entries := clientList(t, tr)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(0), entries[0].Size)
}

func TestUploadRejectsBadNames(t *testing.T) {
	_, addr, base := startTestServer(t)

	tr := dialServer(t, addr)
	doHandshake(t, tr, "alice")

	for _, name := range []string{"../secret", "a/b", `a\b`, ""} {
		require.NoError(t, tr.Send(wire.NewNameFrame(wire.TypeUploadReq, 0, name)))
		recvType(t, tr, wire.TypeNack)
	}

	// No filesystem change: the sync directory is still empty and nothing
	// escaped the root.
	assert.Empty(t, clientList(t, tr))
	_, err := os.Stat(filepath.Join(base, "secret"))
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadMissingFile(t *testing.T) {
	_, addr, _ := startTestServer(t)

	tr := dialServer(t, addr)
	doHandshake(t, tr, "alice")

	require.NoError(t, tr.Send(wire.NewNameFrame(wire.TypeDownloadReq, 0, "nope.txt")))
	recvType(t, tr, wire.TypeNack)

	// The connection survives the refused download.
	assert.Empty(t, clientList(t, tr))
}

func TestDeleteIsIdempotent(t *testing.T) {
	_, addr, _ := startTestServer(t)

	tr := dialServer(t, addr)
	doHandshake(t, tr, "alice")

	clientUpload(t, tr, "gone.txt", []byte("x"))

	require.NoError(t, tr.Send(wire.NewNameFrame(wire.TypeDeleteReq, 0, "gone.txt")))
	recvType(t, tr, wire.TypeAck)

	// Deleting an absent file is not an error.
	require.NoError(t, tr.Send(wire.NewNameFrame(wire.TypeDeleteReq, 0, "gone.txt")))
	recvType(t, tr, wire.TypeAck)

	assert.Empty(t, clientList(t, tr))
}

func TestSessionCap(t *testing.T) {
	_, addr, _ := startTestServer(t)

	tr1 := dialServer(t, addr)
	doHandshake(t, tr1, "u")
	tr2 := dialServer(t, addr)
	doHandshake(t, tr2, "u")

	// The third device is refused after the handshake and closed.
	tr3 := dialServer(t, addr)
	require.NoError(t, tr3.Send(wire.NewNameFrame(wire.TypeGetSyncDir, 0, "u")))
	recvType(t, tr3, wire.TypeNack)
	_, err := tr3.RecvTimeout(testRecvTimeout)
	require.Error(t, err)

	// The first two devices are unaffected.
	assert.Empty(t, clientList(t, tr1))
	assert.Empty(t, clientList(t, tr2))
}

func TestListFaithfulness(t *testing.T) {
	_, addr, base := startTestServer(t)

	tr := dialServer(t, addr)
	doHandshake(t, tr, "alice")

	dir := filepath.Join(base, "alice", "sync_dir")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.dat"), make([]byte, 1000), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "y.dat"), nil, 0o644))
	// Hidden files and subdirectories never appear in listings.
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("h"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	entries := clientList(t, tr)
	require.Len(t, entries, 2)
	assert.Equal(t, "x.dat", entries[0].Name)
	assert.Equal(t, int64(1000), entries[0].Size)
	assert.Equal(t, "y.dat", entries[1].Name)
	assert.Equal(t, int64(0), entries[1].Size)
}

func TestListSpansMultipleChunks(t *testing.T) {
	_, addr, base := startTestServer(t)

	tr := dialServer(t, addr)
	doHandshake(t, tr, "alice")

	// Enough files that the listing text exceeds several payloads.
	dir := filepath.Join(base, "alice", "sync_dir")
	const files = 120
	for i := 0; i < files; i++ {
		name := fmt.Sprintf("file-%03d.dat", i)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), make([]byte, i), 0o644))
	}

	entries := clientList(t, tr)
	require.Len(t, entries, files)
	assert.Equal(t, "file-000.dat", entries[0].Name)
	assert.Equal(t, "file-119.dat", entries[files-1].Name)
	assert.Equal(t, int64(119), entries[files-1].Size)

	// The connection is still in READY state afterwards.
	clientUpload(t, tr, "after.txt", []byte("ok"))
}

// servePush acts as a device's push listener for exactly one upload push,
// returning the received content.
func servePushUpload(t *testing.T, tr *wire.Transport) (string, []byte) {
	t.Helper()
	req := recvType(t, tr, wire.TypeUploadReq)
	name := req.Name()
	require.NoError(t, tr.Send(wire.NewAck(req.Seq)))

	var buf bytes.Buffer
	for {
		f := recvType(t, tr, wire.TypeUploadData)
		if f.IsTerminator() {
			return name, buf.Bytes()
		}
		buf.Write(f.Payload)
		require.NoError(t, tr.Send(wire.NewAck(f.Seq)))
	}
}

func TestFanoutUpload(t *testing.T) {
	_, addr, _ := startTestServer(t)

	origin := dialServer(t, addr)
	doHandshake(t, origin, "u")
	peer := dialServer(t, addr)
	doHandshake(t, peer, "u")

	data := make([]byte, 2*wire.MaxPayload)
	_, err := rand.Read(data)
	require.NoError(t, err)
	clientUpload(t, origin, "a.bin", data)

	name, got := servePushUpload(t, peer)
	assert.Equal(t, "a.bin", name)
	assert.Equal(t, data, got)
}

func TestFanoutDelete(t *testing.T) {
	_, addr, _ := startTestServer(t)

	origin := dialServer(t, addr)
	doHandshake(t, origin, "u")
	peer := dialServer(t, addr)
	doHandshake(t, peer, "u")

	clientUpload(t, origin, "a.bin", []byte("payload"))
	name, got := servePushUpload(t, peer)
	require.Equal(t, "a.bin", name)
	require.Equal(t, []byte("payload"), got)

	require.NoError(t, origin.Send(wire.NewNameFrame(wire.TypeDeleteReq, 0, "a.bin")))
	recvType(t, origin, wire.TypeAck)

	del := recvType(t, peer, wire.TypeDeleteReq)
	assert.Equal(t, "a.bin", del.Name())
	require.NoError(t, peer.Send(wire.NewAck(del.Seq)))

	assert.Empty(t, clientList(t, origin))
}

func TestFanoutOrderPreserved(t *testing.T) {
	_, addr, _ := startTestServer(t)

	origin := dialServer(t, addr)
	doHandshake(t, origin, "u")
	peer := dialServer(t, addr)
	doHandshake(t, peer, "u")

	clientUpload(t, origin, "v.txt", []byte("one"))
	clientUpload(t, origin, "v.txt", []byte("two-longer"))

	// The peer observes both pushes in arrival order. Content is read at
	// delivery time, so the first push may already carry the newer bytes;
	// the second always does, which is what convergence needs.
	name, _ := servePushUpload(t, peer)
	assert.Equal(t, "v.txt", name)
	name, second := servePushUpload(t, peer)
	assert.Equal(t, "v.txt", name)
	assert.Equal(t, []byte("two-longer"), second)
}

func TestFanoutSkipsUnresponsivePeer(t *testing.T) {
	_, addr, _ := startTestServer(t)

	origin := dialServer(t, addr)
	doHandshake(t, origin, "u")
	peer := dialServer(t, addr)
	doHandshake(t, peer, "u")

	clientUpload(t, origin, "a.txt", []byte("a"))

	// The peer refuses the push; the originating change stands.
	req := recvType(t, peer, wire.TypeUploadReq)
	require.NoError(t, peer.Send(wire.NewNack(req.Seq, "busy")))

	entries := clientList(t, origin)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Name)
}

func TestGracefulShutdownClosesConnections(t *testing.T) {
	base := t.TempDir()
	root, err := store.NewRoot(store.DefaultConfig(base))
	require.NoError(t, err)

	srv := New(Config{
		BindAddress:     "127.0.0.1",
		ShutdownTimeout: time.Second,
		PollInterval:    20 * time.Millisecond,
	}, root, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	tr := dialServer(t, srv.GetListenerAddr())
	doHandshake(t, tr, "alice")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	// The client observes the closed stream.
	_, err = tr.RecvTimeout(testRecvTimeout)
	require.Error(t, err)
}
