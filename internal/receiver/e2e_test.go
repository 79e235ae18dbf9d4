package receiver_test

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Muteeb-Haider/udp-reliable-transfer/internal/proto"
	"github.com/Muteeb-Haider/udp-reliable-transfer/internal/receiver"
	"github.com/Muteeb-Haider/udp-reliable-transfer/internal/sender"
	"github.com/Muteeb-Haider/udp-reliable-transfer/internal/transport"
)

// harness runs a real receiver over loopback UDP with an in-memory
// filesystem, in the shape of the teacher problem's own end-to-end
// tests.
type harness struct {
	fs   afero.Fs
	peer *net.UDPAddr
	done chan error
}

func startReceiver(t *testing.T, ctx context.Context) *harness {
	t.Helper()
	conn, err := transport.Listen(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	h := &harness{
		fs:   afero.NewMemMapFs(),
		peer: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: conn.LocalAddr().Port},
		done: make(chan error, 1),
	}
	rx := receiver.New(conn, h.fs, receiver.Config{OutDir: "/data", Window: 8})
	go func() { h.done <- rx.Run(ctx) }()
	return h
}

// sinkFile returns the single file under /data once the transfer is
// done, along with its contents.
func (h *harness) sinkFile(t *testing.T) (string, []byte) {
	t.Helper()
	files, err := afero.ReadDir(h.fs, "/data")
	require.NoError(t, err)
	require.Len(t, files, 1)
	b, err := afero.ReadFile(h.fs, filepath.Join("/data", files[0].Name()))
	require.NoError(t, err)
	return files[0].Name(), b
}

func senderConfig() sender.Config {
	return sender.Config{ChunkSize: 256, Window: 4, Timeout: 300 * time.Millisecond, MaxRetries: 20}
}

func blobOf(t *testing.T, n int) []byte {
	b := make([]byte, n)
	_, err := rand.New(rand.NewSource(7)).Read(b)
	require.NoError(t, err)
	return b
}

func TestEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := startReceiver(t, ctx)

	conn, err := transport.Listen(0)
	require.NoError(t, err)
	defer conn.Close()

	blob := blobOf(t, 4096+100) // 17 chunks, short tail
	s := sender.New(conn, h.peer, "blob.bin", blob, senderConfig())
	require.NoError(t, s.Run(ctx))

	// FIN_ACK is only sent after the sink is flushed and closed, so
	// the file is complete by the time Run returns.
	name, got := h.sinkFile(t)
	assert.True(t, strings.HasPrefix(name, "blob.bin_"), "got %q", name)
	assert.True(t, strings.HasSuffix(name, fmt.Sprintf("_127.0.0.1:%d", conn.LocalAddr().Port)),
		"suffix carries the peer key, got %q", name)
	assert.Equal(t, blob, got)

	cancel()
	require.NoError(t, <-h.done)
}

func TestEndToEndZeroByteFile(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := startReceiver(t, ctx)

	conn, err := transport.Listen(0)
	require.NoError(t, err)
	defer conn.Close()

	s := sender.New(conn, h.peer, "empty.bin", nil, senderConfig())
	require.NoError(t, s.Run(ctx))

	name, got := h.sinkFile(t)
	assert.True(t, strings.HasPrefix(name, "empty.bin_"))
	assert.Empty(t, got)
}

// lossyConn drops the first DATA datagram with the given seq, once.
type lossyConn struct {
	*transport.Conn
	dropSeq uint32
	dropped bool
}

func (l *lossyConn) Send(b []byte, to *net.UDPAddr) error {
	if !l.dropped {
		if p, err := proto.Decode(b); err == nil && p.Type == proto.TypeData && p.Seq == l.dropSeq {
			l.dropped = true
			return nil
		}
	}
	return l.Conn.Send(b, to)
}

func TestEndToEndWithLoss(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := startReceiver(t, ctx)

	inner, err := transport.Listen(0)
	require.NoError(t, err)
	defer inner.Close()
	conn := &lossyConn{Conn: inner, dropSeq: 1}

	blob := blobOf(t, 1024)
	s := sender.New(conn, h.peer, "lossy.bin", blob, senderConfig())
	require.NoError(t, s.Run(ctx))
	require.True(t, conn.dropped, "the drop must actually have happened")

	_, got := h.sinkFile(t)
	assert.Equal(t, blob, got)
}

// corruptingConn flips one payload bit of the first DATA datagram
// with the given seq, leaving the checksum stale.
type corruptingConn struct {
	*transport.Conn
	seq       uint32
	corrupted bool
}

func (c *corruptingConn) Send(b []byte, to *net.UDPAddr) error {
	if !c.corrupted {
		if p, err := proto.Decode(b); err == nil && p.Type == proto.TypeData && p.Seq == c.seq && len(p.Payload) > 0 {
			c.corrupted = true
			mangled := append([]byte(nil), b...)
			mangled[proto.HeaderSize] ^= 0x01
			return c.Conn.Send(mangled, to)
		}
	}
	return c.Conn.Send(b, to)
}

func TestEndToEndWithCorruption(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := startReceiver(t, ctx)

	inner, err := transport.Listen(0)
	require.NoError(t, err)
	defer inner.Close()
	conn := &corruptingConn{Conn: inner, seq: 2}

	blob := blobOf(t, 1024)
	s := sender.New(conn, h.peer, "corrupt.bin", blob, senderConfig())
	require.NoError(t, s.Run(ctx))
	require.True(t, conn.corrupted)

	_, got := h.sinkFile(t)
	assert.Equal(t, blob, got)
}

func TestEndToEndNoReceiver(t *testing.T) {
	conn, err := transport.Listen(0)
	require.NoError(t, err)
	defer conn.Close()

	// A dead peer: nobody is bound on the far side.
	peer := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	cfg := senderConfig()
	cfg.Timeout = 30 * time.Millisecond
	cfg.MaxRetries = 3
	s := sender.New(conn, peer, "void.bin", blobOf(t, 64), cfg)

	require.ErrorIs(t, s.Run(context.Background()), sender.ErrHandshakeFailed)
}
