package proto

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

/* HANDSHAKE payload format:

   filename|filesize|total|chunk|window

   Decimal ASCII fields joined by the pipe octet 0x7C. Extra trailing
   fields are tolerated so the format can grow.
*/

// Handshake is the transfer metadata carried in a HANDSHAKE payload.
type Handshake struct {
	Filename string
	FileSize int64
	Total    uint32
	Chunk    uint16
	Window   uint16
}

var ErrBadHandshake = errors.New("bad handshake payload")

// Encode renders the metadata into payload form.
func (h *Handshake) Encode() []byte {
	return []byte(fmt.Sprintf("%s|%d|%d|%d|%d", h.Filename, h.FileSize, h.Total, h.Chunk, h.Window))
}

// ParseHandshake parses a HANDSHAKE payload. At least five fields are
// required; anything after the fifth is ignored.
func ParseHandshake(b []byte) (*Handshake, error) {
	fields := strings.Split(string(b), "|")
	if len(fields) < 5 {
		return nil, fmt.Errorf("%w: got %d fields, want 5", ErrBadHandshake, len(fields))
	}
	h := &Handshake{Filename: fields[0]}
	if h.Filename == "" {
		return nil, fmt.Errorf("%w: empty filename", ErrBadHandshake)
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || size < 0 {
		return nil, fmt.Errorf("%w: filesize %q", ErrBadHandshake, fields[1])
	}
	h.FileSize = size
	total, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: total %q", ErrBadHandshake, fields[2])
	}
	h.Total = uint32(total)
	chunk, err := strconv.ParseUint(fields[3], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk %q", ErrBadHandshake, fields[3])
	}
	h.Chunk = uint16(chunk)
	window, err := strconv.ParseUint(fields[4], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: window %q", ErrBadHandshake, fields[4])
	}
	h.Window = uint16(window)
	return h, nil
}

// Basename strips any leading path from a filename. Both separators
// are handled since sender and receiver platforms may differ.
func Basename(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}
