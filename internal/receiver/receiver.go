// Package receiver implements the receiving side of the protocol: a
// single ingress loop that dispatches datagrams by type over a table
// of per-peer sessions, appending in-order payloads to durable sinks.
package receiver

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/dlib/dtime"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/Muteeb-Haider/udp-reliable-transfer/internal/proto"
)

// How long to sleep between empty polls of the socket.
const pollInterval = 5 * time.Millisecond

// Config carries the receiver's operator knobs. Zero values of
// MaxSessions, IdleTimeout and SweepInterval are replaced with the
// defaults below; OutDir and Window are used as given.
type Config struct {
	// OutDir is where sinks are created.
	OutDir string
	// Window is advertised in HANDSHAKE_ACK and ACK packets. Advisory.
	Window int
	// MaxSessions bounds the session table. New handshakes beyond it
	// are dropped rather than evicting live transfers.
	MaxSessions int
	// IdleTimeout is how long a session may go without traffic before
	// the sweep evicts it.
	IdleTimeout time.Duration
	// SweepInterval is the cadence of the eviction sweep.
	SweepInterval time.Duration
}

const (
	defaultMaxSessions   = 100
	defaultIdleTimeout   = 30 * time.Second
	defaultSweepInterval = 10 * time.Second
)

// Conn is the slice of the transport the receiver needs.
type Conn interface {
	Send(b []byte, to *net.UDPAddr) error
	TryRecv(buf []byte) (int, *net.UDPAddr, bool, error)
	NowMillis() int64
}

// Receiver owns the session table and every sink. Nothing outside its
// event loop may touch either.
type Receiver struct {
	conn     Conn
	fs       afero.Fs
	cfg      Config
	sessions map[string]*session

	lastSweep int64
	lastID    int64

	in  []byte // reused receive buffer
	out []byte // reused reply encode buffer
}

// New builds a receiver over conn, writing sinks through fs.
func New(conn Conn, fs afero.Fs, cfg Config) *Receiver {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	return &Receiver{
		conn:     conn,
		fs:       fs,
		cfg:      cfg,
		sessions: make(map[string]*session, cfg.MaxSessions),
		in:       make([]byte, proto.HeaderSize+proto.MaxPayload),
		out:      make([]byte, proto.HeaderSize+64),
	}
}

// Run is the ingress loop. It returns when ctx is cancelled, after
// flushing and closing every open sink.
func (r *Receiver) Run(ctx context.Context) error {
	if err := r.fs.MkdirAll(r.cfg.OutDir, 0o755); err != nil {
		return fmt.Errorf("error creating output dir %q: %w", r.cfg.OutDir, err)
	}
	dlog.Infof(ctx, "writing transfers to %q (capacity %d sessions)", r.cfg.OutDir, r.cfg.MaxSessions)
	for {
		select {
		case <-ctx.Done():
			return r.shutdown(ctx)
		default:
		}
		n, from, ok, err := r.conn.TryRecv(r.in)
		if err != nil {
			closeErr := r.shutdown(ctx)
			if closeErr != nil {
				err = multierror.Append(err, closeErr)
			}
			return err
		}
		if ok {
			if pkt, derr := proto.Decode(r.in[:n]); derr == nil {
				r.dispatch(ctx, pkt, from)
			} else {
				// Random noise; drop without ceremony.
				dlog.Debugf(ctx, "dropping %d octets from %s: %v", n, from, derr)
			}
		} else {
			dtime.SleepWithContext(ctx, pollInterval)
		}
		r.maybeSweep(ctx)
	}
}

func (r *Receiver) dispatch(ctx context.Context, pkt *proto.Packet, from *net.UDPAddr) {
	key := from.String()
	switch pkt.Type {
	case proto.TypeHandshake:
		r.handleHandshake(ctx, pkt, from, key)
	case proto.TypeData:
		r.handleData(ctx, pkt, from, key)
	case proto.TypeFin:
		r.handleFin(ctx, from, key)
	default:
		dlog.Debugf(ctx, "ignoring %s from %s", pkt.Type, key)
	}
}

func (r *Receiver) handleHandshake(ctx context.Context, pkt *proto.Packet, from *net.UDPAddr, key string) {
	hs, err := proto.ParseHandshake(pkt.Payload)
	if err != nil {
		dlog.Debugf(ctx, "bad handshake from %s: %v", key, err)
		r.reply(ctx, from, &proto.Packet{Type: proto.TypeError, Payload: []byte("bad handshake")})
		return
	}
	// A re-handshake from the same peer supersedes its session.
	if old, found := r.sessions[key]; found {
		dlog.Infof(ctx, "session %d superseded by new handshake from %s", old.id, key)
		if err := old.close(); err != nil {
			dlog.Errorf(ctx, "session %d: error closing sink: %v", old.id, err)
		}
		delete(r.sessions, key)
	}
	if len(r.sessions) >= r.cfg.MaxSessions {
		// No reply; the sender's retries will find a slot or give up.
		dlog.Warnf(ctx, "session table full (%d); dropping handshake from %s", r.cfg.MaxSessions, key)
		return
	}

	id := r.nextSessionID()
	name := proto.Basename(hs.Filename) // never trust a declared path
	path := filepath.Join(r.cfg.OutDir, fmt.Sprintf("%s_%d_%s", name, id, key))
	sink, err := r.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		dlog.Errorf(ctx, "error opening sink %q: %v", path, err)
		return
	}
	now := r.conn.NowMillis()
	sess := &session{
		peerKey:      key,
		id:           id,
		filename:     name,
		size:         hs.FileSize,
		total:        hs.Total,
		sink:         sink,
		path:         path,
		created:      now,
		lastActivity: now,
	}
	r.sessions[key] = sess
	dlog.Infof(ctx, "session %d: %q from %s, %d bytes in %d packets (chunk=%d window=%d)",
		id, name, key, hs.FileSize, hs.Total, hs.Chunk, hs.Window)
	r.reply(ctx, from, &proto.Packet{
		Type:   proto.TypeHandshakeAck,
		Total:  hs.Total,
		Window: uint16(r.cfg.Window),
	})
}

func (r *Receiver) handleData(ctx context.Context, pkt *proto.Packet, from *net.UDPAddr, key string) {
	sess, found := r.sessions[key]
	if !found {
		r.reply(ctx, from, &proto.Packet{Type: proto.TypeError, Payload: []byte("no session")})
		return
	}
	sess.touch(r.conn.NowMillis())
	if !pkt.VerifyChecksum() {
		// Drop the payload; the cumulative ack below tells the sender
		// where to resume.
		dlog.Debugf(ctx, "session %d: checksum mismatch on seq %d", sess.id, pkt.Seq)
		r.ack(ctx, from, sess)
		return
	}
	switch {
	case sess.expected >= sess.total:
		// Everything was already committed; just re-ack.
		dlog.Debugf(ctx, "session %d: data seq %d after completion", sess.id, pkt.Seq)
	case pkt.Seq == sess.expected:
		if err := sess.commit(pkt.Payload); err != nil {
			// The sink is poisoned; tear the session down so the
			// sender aborts instead of filling a broken file.
			dlog.Errorf(ctx, "%v; dropping session", err)
			if cerr := sess.close(); cerr != nil {
				dlog.Errorf(ctx, "session %d: error closing sink: %v", sess.id, cerr)
			}
			delete(r.sessions, key)
			r.reply(ctx, from, &proto.Packet{Type: proto.TypeError, Payload: []byte("write failed")})
			return
		}
	default:
		// Go-Back-N: no out-of-order buffering.
		dlog.Debugf(ctx, "session %d: out-of-order seq %d (expected %d)", sess.id, pkt.Seq, sess.expected)
	}
	r.ack(ctx, from, sess)
}

func (r *Receiver) handleFin(ctx context.Context, from *net.UDPAddr, key string) {
	if sess, found := r.sessions[key]; found {
		if err := sess.close(); err != nil {
			dlog.Errorf(ctx, "session %d: error closing sink: %v", sess.id, err)
		}
		delete(r.sessions, key)
		dlog.Infof(ctx, "session %d complete: %q, %d bytes in %d packets over %dms",
			sess.id, sess.path, sess.bytes, sess.received, r.conn.NowMillis()-sess.created)
	}
	// Always acknowledge, so a sender whose session was evicted still
	// terminates cleanly.
	r.reply(ctx, from, &proto.Packet{Type: proto.TypeFinAck})
}

// ack sends the session's cumulative acknowledgement.
func (r *Receiver) ack(ctx context.Context, to *net.UDPAddr, sess *session) {
	r.reply(ctx, to, &proto.Packet{
		Type:   proto.TypeAck,
		Seq:    sess.ackSeq(),
		Total:  sess.total,
		Window: uint16(r.cfg.Window),
	})
}

func (r *Receiver) reply(ctx context.Context, to *net.UDPAddr, pkt *proto.Packet) {
	n, err := pkt.Encode(r.out)
	if err != nil {
		dlog.Errorf(ctx, "error encoding %s reply: %v", pkt.Type, err)
		return
	}
	if err := r.conn.Send(r.out[:n], to); err != nil {
		dlog.Debugf(ctx, "error sending %s to %s: %v", pkt.Type, to, err)
	}
}

// nextSessionID returns the current millisecond clock, bumped to stay
// strictly monotonic when two handshakes land within one millisecond.
func (r *Receiver) nextSessionID() int64 {
	id := time.Now().UnixMilli()
	if id <= r.lastID {
		id = r.lastID + 1
	}
	r.lastID = id
	return id
}

// maybeSweep evicts idle sessions at SweepInterval cadence. Abandoned
// partial files stay on disk as-is.
func (r *Receiver) maybeSweep(ctx context.Context) {
	now := r.conn.NowMillis()
	if now-r.lastSweep < r.cfg.SweepInterval.Milliseconds() {
		return
	}
	r.lastSweep = now
	idle := r.cfg.IdleTimeout.Milliseconds()
	for key, sess := range r.sessions {
		if now-sess.lastActivity < idle {
			continue
		}
		dlog.Infof(ctx, "evicting session %d after %dms idle (%d/%d packets)",
			sess.id, now-sess.lastActivity, sess.received, sess.total)
		if err := sess.close(); err != nil {
			dlog.Errorf(ctx, "session %d: error closing sink: %v", sess.id, err)
		}
		delete(r.sessions, key)
	}
}

// shutdown closes every open sink, best-effort, accumulating errors.
func (r *Receiver) shutdown(ctx context.Context) error {
	var result *multierror.Error
	for key, sess := range r.sessions {
		if err := sess.close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("session %d: %w", sess.id, err))
		}
		delete(r.sessions, key)
	}
	dlog.Infof(ctx, "receiver shut down")
	return result.ErrorOrNil()
}
