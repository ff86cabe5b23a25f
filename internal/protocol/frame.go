// Package protocol defines the wire format between the vehicle relay and
// the ground listener.
//
// In length-prefixed mode every payload is preceded by an 8-byte header:
//
//	+------+------+---------+--------+---------------------+
//	| 'C'  | 'R'  | version | format | length (uint32, BE) |
//	+------+------+---------+--------+---------------------+
//
// In raw mode payloads are concatenated with no delimiter and the receiver
// recovers boundaries from the image container itself (see Scanner).
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
)

// CurrentVersion is the current header version.
const CurrentVersion = 1

// HeaderSize is the encoded size of Header.
const HeaderSize = 8

// DefaultMaxPayload bounds a single payload accepted by a reader.
const DefaultMaxPayload = 64 << 20

var magic = [2]byte{'C', 'R'}

// Framing selects how payloads are delimited on the stream.
type Framing string

const (
	FramingLength Framing = "length"
	FramingRaw    Framing = "raw"
)

// ParseFraming validates a framing name.
func ParseFraming(s string) (Framing, error) {
	switch Framing(strings.ToLower(strings.TrimSpace(s))) {
	case FramingLength, "":
		return FramingLength, nil
	case FramingRaw:
		return FramingRaw, nil
	default:
		return "", fmt.Errorf("unknown framing %q (want length or raw)", s)
	}
}

// Format identifies the container format of a payload.
type Format byte

const (
	FormatUnknown Format = iota
	FormatPNG
	FormatJPEG
	FormatBMP
	FormatTIFF
)

// FormatFromExt maps a file extension (".png", "jpg", ...) to a Format.
func FormatFromExt(ext string) Format {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "png":
		return FormatPNG
	case "jpg", "jpeg":
		return FormatJPEG
	case "bmp":
		return FormatBMP
	case "tif", "tiff":
		return FormatTIFF
	default:
		return FormatUnknown
	}
}

// Ext returns the canonical file extension including the dot.
func (f Format) Ext() string {
	switch f {
	case FormatPNG:
		return ".png"
	case FormatJPEG:
		return ".jpg"
	case FormatBMP:
		return ".bmp"
	case FormatTIFF:
		return ".tiff"
	default:
		return ".bin"
	}
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatJPEG:
		return "image/jpeg"
	case FormatBMP:
		return "image/bmp"
	case FormatTIFF:
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}

func (f Format) String() string {
	switch f {
	case FormatPNG:
		return "png"
	case FormatJPEG:
		return "jpeg"
	case FormatBMP:
		return "bmp"
	case FormatTIFF:
		return "tiff"
	default:
		return "unknown"
	}
}

// Header precedes every payload in length-prefixed mode.
type Header struct {
	Version byte
	Format  Format
	Length  uint32
}

var (
	// ErrBadMagic is returned when a header does not start with "CR".
	ErrBadMagic = errors.New("bad frame magic")
	// ErrTooLarge is returned when a payload exceeds the reader's limit.
	ErrTooLarge = errors.New("payload too large")
)

// MarshalBinary encodes the header.
func (h Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderSize)
	b[0], b[1] = magic[0], magic[1]
	b[2] = h.Version
	b[3] = byte(h.Format)
	binary.BigEndian.PutUint32(b[4:], h.Length)
	return b, nil
}

// UnmarshalBinary decodes and validates a header.
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return io.ErrUnexpectedEOF
	}
	if b[0] != magic[0] || b[1] != magic[1] {
		return ErrBadMagic
	}
	if b[2] != CurrentVersion {
		return fmt.Errorf("unsupported frame version %d", b[2])
	}
	h.Version = b[2]
	h.Format = Format(b[3])
	h.Length = binary.BigEndian.Uint32(b[4:])
	return nil
}

// AppendFrame appends header and payload to dst so both go out in one write.
func AppendFrame(dst []byte, format Format, payload []byte) ([]byte, error) {
	if uint64(len(payload)) > math.MaxUint32 {
		return dst, ErrTooLarge
	}
	hdr, _ := Header{Version: CurrentVersion, Format: format, Length: uint32(len(payload))}.MarshalBinary()
	dst = append(dst, hdr...)
	return append(dst, payload...), nil
}

// Reader decodes length-prefixed frames.
type Reader struct {
	r          io.Reader
	maxPayload int
	hdr        [HeaderSize]byte
}

// NewReader returns a Reader that rejects payloads above maxPayload
// (DefaultMaxPayload if zero).
func NewReader(r io.Reader, maxPayload int) *Reader {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Reader{r: r, maxPayload: maxPayload}
}

// Next reads one frame. It returns io.EOF at a clean end of stream and
// io.ErrUnexpectedEOF when the stream ends mid-frame.
func (r *Reader) Next() (Format, []byte, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		return FormatUnknown, nil, err
	}
	var h Header
	if err := h.UnmarshalBinary(r.hdr[:]); err != nil {
		return FormatUnknown, nil, err
	}
	if int64(h.Length) > int64(r.maxPayload) {
		return FormatUnknown, nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, h.Length, r.maxPayload)
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return FormatUnknown, nil, err
	}
	return h.Format, payload, nil
}
