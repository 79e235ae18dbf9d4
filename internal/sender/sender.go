// Package sender drives one file transfer to completion: handshake,
// Go-Back-N windowed transmission, FIN teardown. The whole machine is
// a single cooperative loop around a non-blocking socket.
package sender

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/dlib/dtime"

	"github.com/Muteeb-Haider/udp-reliable-transfer/internal/proto"
)

// How long to sleep between empty polls of the socket. Short enough
// to keep response latency well under any sane --timeout.
const pollInterval = 5 * time.Millisecond

// Structured failures, one per protocol phase. main maps these to
// exit codes.
var (
	ErrHandshakeFailed = errors.New("handshake failed")
	ErrTransferFailed  = errors.New("transfer failed")
	ErrFinFailed       = errors.New("fin not acknowledged")
)

// Conn is the slice of the transport the sender needs.
type Conn interface {
	Send(b []byte, to *net.UDPAddr) error
	TryRecv(buf []byte) (int, *net.UDPAddr, bool, error)
	NowMillis() int64
}

// Config carries the operator-tunable transfer parameters.
type Config struct {
	ChunkSize  int
	Window     int
	Timeout    time.Duration
	MaxRetries int
}

// Sender holds the send-window state for one transfer.
type Sender struct {
	conn     Conn
	peer     *net.UDPAddr
	cfg      Config
	filename string
	size     int64

	// chunks[seq] is nil once seq has been acknowledged.
	chunks [][]byte
	total  uint32

	// Invariant: base <= next <= min(base+window, total).
	base uint32
	next uint32
	// The retransmit timer runs iff base < next.
	timerOn  bool
	deadline int64
	retries  int

	out []byte // reused encode buffer
	in  []byte // reused receive buffer
}

// New partitions blob into chunks and prepares a transfer to peer.
// filename should already be a basename; it is what the receiver will
// name the sink after.
func New(conn Conn, peer *net.UDPAddr, filename string, blob []byte, cfg Config) *Sender {
	return &Sender{
		conn:     conn,
		peer:     peer,
		cfg:      cfg,
		filename: filename,
		size:     int64(len(blob)),
		chunks:   split(blob, cfg.ChunkSize),
		total:    totalChunks(len(blob), cfg.ChunkSize),
		out:      make([]byte, proto.HeaderSize+cfg.ChunkSize),
		in:       make([]byte, proto.HeaderSize+proto.MaxPayload),
	}
}

// split partitions blob into ChunkSize pieces, the last possibly
// shorter. A zero-byte blob yields no chunks; an exact multiple
// yields a full-sized final chunk. Chunks alias blob.
func split(blob []byte, chunk int) [][]byte {
	var chunks [][]byte
	for len(blob) > chunk {
		chunks = append(chunks, blob[:chunk])
		blob = blob[chunk:]
	}
	if len(blob) > 0 {
		chunks = append(chunks, blob)
	}
	return chunks
}

func totalChunks(size, chunk int) uint32 {
	return uint32((size + chunk - 1) / chunk)
}

// Run executes the three protocol phases in order.
func (s *Sender) Run(ctx context.Context) error {
	dlog.Infof(ctx, "sending %q (%d bytes in %d packets) to %s, window=%d chunk=%d",
		s.filename, s.size, s.total, s.peer, s.cfg.Window, s.cfg.ChunkSize)
	if err := s.handshake(ctx); err != nil {
		return err
	}
	if err := s.transfer(ctx); err != nil {
		return err
	}
	if err := s.fin(ctx); err != nil {
		return err
	}
	dlog.Infof(ctx, "transfer of %q complete", s.filename)
	return nil
}

// handshake sends HANDSHAKE until HANDSHAKE_ACK arrives.
func (s *Sender) handshake(ctx context.Context) error {
	hs := proto.Handshake{
		Filename: s.filename,
		FileSize: s.size,
		Total:    s.total,
		Chunk:    uint16(s.cfg.ChunkSize),
		Window:   uint16(s.cfg.Window),
	}
	pkt := proto.Packet{
		Type:    proto.TypeHandshake,
		Total:   s.total,
		Window:  uint16(s.cfg.Window),
		Payload: hs.Encode(),
	}
	reply, err := s.transact(ctx, &pkt, proto.TypeHandshakeAck, ErrHandshakeFailed)
	if err != nil {
		return err
	}
	// The receiver's window in the ack is advisory only.
	dlog.Debugf(ctx, "handshake acked: total=%d receiver window=%d", reply.Total, reply.Window)
	return nil
}

// fin sends FIN until FIN_ACK arrives.
func (s *Sender) fin(ctx context.Context) error {
	pkt := proto.Packet{Type: proto.TypeFin, Seq: s.total, Total: s.total, Window: uint16(s.cfg.Window)}
	_, err := s.transact(ctx, &pkt, proto.TypeFinAck, ErrFinFailed)
	return err
}

// transact transmits pkt and waits up to Timeout for a reply of type
// want, retrying the transmission up to MaxRetries attempts. An ERROR
// reply aborts immediately. Exhaustion and ERROR both wrap sentinel.
func (s *Sender) transact(ctx context.Context, pkt *proto.Packet, want proto.Type, sentinel error) (*proto.Packet, error) {
	buf := make([]byte, proto.HeaderSize+len(pkt.Payload))
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		n, err := pkt.Encode(buf)
		if err != nil {
			return nil, err
		}
		if err := s.conn.Send(buf[:n], s.peer); err != nil {
			return nil, err
		}
		deadline := s.conn.NowMillis() + s.cfg.Timeout.Milliseconds()
		for s.conn.NowMillis() < deadline {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			reply, ok, err := s.poll()
			if err != nil {
				return nil, err
			}
			if !ok {
				dtime.SleepWithContext(ctx, pollInterval)
				continue
			}
			switch reply.Type {
			case want:
				return reply, nil
			case proto.TypeError:
				return nil, fmt.Errorf("%w: receiver error: %q", sentinel, reply.Payload)
			default:
				// Stale or unexpected; keep waiting.
			}
		}
		dlog.Debugf(ctx, "no %s within %s (attempt %d/%d)", want, s.cfg.Timeout, attempt+1, s.cfg.MaxRetries)
	}
	return nil, fmt.Errorf("%w: no %s after %d attempts", sentinel, want, s.cfg.MaxRetries)
}

// transfer runs the windowed transmission loop until every chunk is
// acknowledged.
func (s *Sender) transfer(ctx context.Context) error {
	for s.base < s.total {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Fill the window.
		for s.next < s.base+uint32(s.cfg.Window) && s.next < s.total {
			if !s.timerOn && s.base == s.next {
				s.armTimer()
			}
			if err := s.emit(s.next); err != nil {
				return err
			}
			s.next++
		}

		// Drain at most one inbound datagram.
		pkt, ok, err := s.poll()
		if err != nil {
			return err
		}
		if ok {
			switch pkt.Type {
			case proto.TypeAck:
				s.onAck(ctx, pkt.Seq)
			case proto.TypeError:
				return fmt.Errorf("%w: receiver error: %q", ErrTransferFailed, pkt.Payload)
			default:
				// Ignore anything else, including late HANDSHAKE_ACKs.
			}
		} else {
			dtime.SleepWithContext(ctx, pollInterval)
		}

		// Timer expiry retransmits the whole outstanding window.
		if s.timerOn && s.conn.NowMillis() >= s.deadline {
			s.retries++
			if s.retries > s.cfg.MaxRetries {
				return fmt.Errorf("%w: seq %d unacked after %d retries", ErrTransferFailed, s.base, s.cfg.MaxRetries)
			}
			dlog.Debugf(ctx, "timeout; retransmitting [%d,%d) (retry %d/%d)", s.base, s.next, s.retries, s.cfg.MaxRetries)
			for seq := s.base; seq < s.next; seq++ {
				if err := s.emit(seq); err != nil {
					return err
				}
			}
			s.armTimer()
		}
	}
	return nil
}

// onAck applies a cumulative acknowledgement. Stale acks (seq < base)
// are ignored; that also absorbs duplicates.
func (s *Sender) onAck(ctx context.Context, seq uint32) {
	if seq < s.base {
		return
	}
	newBase := seq + 1
	if newBase > s.next {
		// An ack for something we never sent. Clamp rather than let
		// base overtake next.
		newBase = s.next
	}
	for i := s.base; i < newBase; i++ {
		s.chunks[i] = nil // release acked payloads
	}
	if newBase == s.base {
		return
	}
	s.base = newBase
	s.retries = 0
	if s.base == s.next {
		s.timerOn = false
	} else {
		s.armTimer()
	}
	dlog.Tracef(ctx, "acked through %d, window now [%d,%d)", seq, s.base, s.next)
}

func (s *Sender) armTimer() {
	s.timerOn = true
	s.deadline = s.conn.NowMillis() + s.cfg.Timeout.Milliseconds()
}

// emit sends the DATA packet for seq. The codec fills in the CRC.
func (s *Sender) emit(seq uint32) error {
	pkt := proto.Packet{
		Type:    proto.TypeData,
		Seq:     seq,
		Total:   s.total,
		Window:  uint16(s.cfg.Window),
		Payload: s.chunks[seq],
	}
	n, err := pkt.Encode(s.out)
	if err != nil {
		return err
	}
	return s.conn.Send(s.out[:n], s.peer)
}

// poll reads at most one datagram, dropping noise (undecodable
// datagrams and datagrams from strangers) silently.
func (s *Sender) poll() (*proto.Packet, bool, error) {
	n, from, ok, err := s.conn.TryRecv(s.in)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	if from != nil && from.String() != s.peer.String() {
		return nil, false, nil
	}
	pkt, err := proto.Decode(s.in[:n])
	if err != nil {
		return nil, false, nil
	}
	return pkt, true, nil
}
