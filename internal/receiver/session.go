package receiver

import (
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// session is the receiver-side state for one transfer, created by
// HANDSHAKE and destroyed by FIN, idle eviction, or re-handshake.
// Sessions are owned exclusively by the receiver's event loop.
type session struct {
	// peerKey is the canonical ip:port of the peer and the session
	// table key.
	peerKey string
	// id is a monotonic local identifier (millisecond wall clock at
	// creation); it keeps sink paths unique across re-handshakes.
	id       int64
	filename string
	size     int64
	total    uint32

	// Invariant: expected == received, both monotonically
	// non-decreasing, expected <= total.
	expected uint32
	received uint32

	sink  afero.File
	path  string
	bytes int64

	// Monotonic timestamps from the transport clock.
	created      int64
	lastActivity int64
}

func (s *session) touch(now int64) {
	s.lastActivity = now
}

// ackSeq is the cumulative "last in-order" acknowledgement value:
// expected-1, clamped to 0 before anything has been committed. The
// clamp makes "nothing yet" indistinguishable from "got packet 0";
// the sender's seq >= base test tolerates that.
func (s *session) ackSeq() uint32 {
	if s.expected == 0 {
		return 0
	}
	return s.expected - 1
}

// commit appends one in-order payload to the sink and advances the
// session. A short or failed write leaves the session unadvanced; the
// caller is expected to tear the session down.
func (s *session) commit(payload []byte) error {
	n, err := s.sink.Write(payload)
	if err != nil {
		return fmt.Errorf("session %d: error appending %d bytes: %w", s.id, len(payload), err)
	}
	if n != len(payload) {
		return fmt.Errorf("session %d: %w: %d != %d", s.id, io.ErrShortWrite, n, len(payload))
	}
	s.expected++
	s.received++
	s.bytes += int64(n)
	return nil
}

func (s *session) close() error {
	return s.sink.Close()
}
