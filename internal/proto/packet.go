package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

/* On-wire layout: a 20-octet header followed by the payload.

   offset  0    1    2     3      4     8       12       14       16
          +----+----+-----+------+-----+-------+--------+--------+----------+
          |'R' |'U' | ver | type | seq | total | length | window | checksum |
          +----+----+-----+------+-----+-------+--------+--------+----------+

   All multi-octet integers are big-endian. checksum is the CRC-32
   (IEEE) of the payload on DATA packets and zero on everything else.
*/

const (
	// HeaderSize is the fixed size of the wire header in octets.
	HeaderSize = 20

	// Version is the only protocol version this codec speaks.
	Version = 1

	// MaxPayload is bounded by the 16-bit length field.
	MaxPayload = 1<<16 - 1
)

var magic = [2]byte{0x52, 0x55} // "RU"

// Type enumerates the packet types.
type Type uint8

const (
	TypeHandshake Type = iota
	TypeHandshakeAck
	TypeData
	TypeAck
	TypeFin
	TypeFinAck
	TypeError
)

func (t Type) String() string {
	switch t {
	case TypeHandshake:
		return "HANDSHAKE"
	case TypeHandshakeAck:
		return "HANDSHAKE_ACK"
	case TypeData:
		return "DATA"
	case TypeAck:
		return "ACK"
	case TypeFin:
		return "FIN"
	case TypeFinAck:
		return "FIN_ACK"
	case TypeError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

var (
	ErrShortHeader      = errors.New("datagram shorter than header")
	ErrBadMagic         = errors.New("bad magic or version")
	ErrTruncatedPayload = errors.New("declared length exceeds datagram")
	ErrShortBuffer      = errors.New("encode buffer too small")
	ErrPayloadTooLarge  = errors.New("payload exceeds length field")
)

// Packet is one datagram's worth of protocol state. The length field
// is implied by len(Payload).
type Packet struct {
	Type     Type
	Seq      uint32
	Total    uint32
	Window   uint16
	Checksum uint32
	Payload  []byte
}

// Encode lays the packet out into buf and returns the number of
// octets written. The caller provides buf so the hot send path does
// not allocate per datagram. For DATA packets with a zero Checksum
// the CRC is computed over the payload and filled in; for all other
// types the checksum field is forced to zero on the wire.
func (p *Packet) Encode(buf []byte) (int, error) {
	if len(p.Payload) > MaxPayload {
		return 0, fmt.Errorf("%w: %d octets", ErrPayloadTooLarge, len(p.Payload))
	}
	n := HeaderSize + len(p.Payload)
	if len(buf) < n {
		return 0, fmt.Errorf("%w: need %d, have %d", ErrShortBuffer, n, len(buf))
	}
	buf[0] = magic[0]
	buf[1] = magic[1]
	buf[2] = Version
	buf[3] = byte(p.Type)
	binary.BigEndian.PutUint32(buf[4:8], p.Seq)
	binary.BigEndian.PutUint32(buf[8:12], p.Total)
	binary.BigEndian.PutUint16(buf[12:14], uint16(len(p.Payload)))
	binary.BigEndian.PutUint16(buf[14:16], p.Window)
	var sum uint32
	if p.Type == TypeData {
		sum = p.Checksum
		if sum == 0 {
			sum = crc32.ChecksumIEEE(p.Payload)
		}
	}
	binary.BigEndian.PutUint32(buf[16:20], sum)
	copy(buf[HeaderSize:], p.Payload)
	return n, nil
}

// Decode parses one datagram. The returned packet's Payload aliases b,
// so callers that retain the payload past the next read must copy it.
// Octets trailing the declared length are ignored. Decode does not
// verify the checksum; that is the receiver's job, since only it knows
// which packets carry one.
func Decode(b []byte) (*Packet, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: %d octets", ErrShortHeader, len(b))
	}
	if b[0] != magic[0] || b[1] != magic[1] || b[2] != Version {
		return nil, ErrBadMagic
	}
	length := int(binary.BigEndian.Uint16(b[12:14]))
	if HeaderSize+length > len(b) {
		return nil, fmt.Errorf("%w: length %d in %d-octet datagram", ErrTruncatedPayload, length, len(b))
	}
	return &Packet{
		Type:     Type(b[3]),
		Seq:      binary.BigEndian.Uint32(b[4:8]),
		Total:    binary.BigEndian.Uint32(b[8:12]),
		Window:   binary.BigEndian.Uint16(b[14:16]),
		Checksum: binary.BigEndian.Uint32(b[16:20]),
		Payload:  b[HeaderSize : HeaderSize+length],
	}, nil
}

// VerifyChecksum reports whether the checksum field matches the
// payload. Only meaningful for DATA packets.
func (p *Packet) VerifyChecksum() bool {
	return p.Checksum == crc32.ChecksumIEEE(p.Payload)
}
