package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	jpegSOI      = []byte{0xff, 0xd8}
	bmpSignature = []byte{'B', 'M'}
)

// ErrUnknownFormat is returned when a raw stream does not start with a
// recognized image signature.
var ErrUnknownFormat = errors.New("unrecognized image signature")

// DetectFormat identifies a payload by its leading signature.
func DetectFormat(b []byte) Format {
	switch {
	case bytes.HasPrefix(b, pngSignature):
		return FormatPNG
	case bytes.HasPrefix(b, jpegSOI):
		return FormatJPEG
	case bytes.HasPrefix(b, bmpSignature):
		return FormatBMP
	case bytes.HasPrefix(b, []byte("II*\x00")), bytes.HasPrefix(b, []byte("MM\x00*")):
		return FormatTIFF
	default:
		return FormatUnknown
	}
}

// SplitImages is a bufio.SplitFunc that yields one PNG, JPEG or BMP image
// per token from a concatenated stream. TIFF is not self-delimiting and is
// rejected.
func SplitImages(data []byte, atEOF bool) (int, []byte, error) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	var (
		n   int
		err error
	)
	switch {
	case len(data) < len(pngSignature) && !atEOF && bytes.HasPrefix(pngSignature, data):
		return 0, nil, nil
	case bytes.HasPrefix(data, pngSignature):
		n, err = pngLength(data)
	case bytes.HasPrefix(data, jpegSOI):
		n, err = jpegLength(data)
	case bytes.HasPrefix(data, bmpSignature):
		n, err = bmpLength(data)
	case len(data) < 2 && !atEOF:
		return 0, nil, nil
	default:
		return 0, nil, ErrUnknownFormat
	}
	if err != nil {
		return 0, nil, err
	}
	if n == 0 {
		if atEOF {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return 0, nil, nil
	}
	return n, data[:n], nil
}

// pngLength walks the chunk list up to IEND. Zero means more data is needed.
func pngLength(data []byte) (int, error) {
	off := len(pngSignature)
	for {
		if len(data) < off+8 {
			return 0, nil
		}
		length := int(binary.BigEndian.Uint32(data[off:]))
		if length > DefaultMaxPayload {
			return 0, fmt.Errorf("%w: png chunk of %d bytes", ErrTooLarge, length)
		}
		end := off + 12 + length // length + type + data + crc
		if string(data[off+4:off+8]) == "IEND" {
			if len(data) < end {
				return 0, nil
			}
			return end, nil
		}
		off = end
	}
}

// jpegLength walks marker segments up to EOI, skipping entropy-coded scan
// data. Zero means more data is needed.
func jpegLength(data []byte) (int, error) {
	off := 2
	for {
		if len(data) < off+2 {
			return 0, nil
		}
		if data[off] != 0xff {
			return 0, fmt.Errorf("jpeg: expected marker at offset %d", off)
		}
		marker := data[off+1]
		switch {
		case marker == 0xff: // fill byte
			off++
			continue
		case marker == 0xd9: // EOI
			return off + 2, nil
		case marker == 0x01 || (marker >= 0xd0 && marker <= 0xd7):
			off += 2
			continue
		}
		if len(data) < off+4 {
			return 0, nil
		}
		segLen := int(binary.BigEndian.Uint16(data[off+2:]))
		if segLen < 2 {
			return 0, fmt.Errorf("jpeg: invalid segment length %d", segLen)
		}
		off += 2 + segLen
		if marker != 0xda { // not SOS
			continue
		}
		// Entropy-coded data runs until a marker that is neither a stuffed
		// zero nor a restart marker.
		for {
			if len(data) < off+2 {
				return 0, nil
			}
			if data[off] == 0xff {
				next := data[off+1]
				if next != 0x00 && (next < 0xd0 || next > 0xd7) {
					break
				}
			}
			off++
		}
	}
}

// bmpLength reads the file size from the BITMAPFILEHEADER.
func bmpLength(data []byte) (int, error) {
	if len(data) < 6 {
		return 0, nil
	}
	size := int(binary.LittleEndian.Uint32(data[2:6]))
	if size < 14 {
		return 0, fmt.Errorf("bmp: invalid file size %d", size)
	}
	if size > DefaultMaxPayload {
		return 0, fmt.Errorf("%w: bmp of %d bytes", ErrTooLarge, size)
	}
	if len(data) < size {
		return 0, nil
	}
	return size, nil
}

// Decoder yields payloads from a stream.
type Decoder interface {
	Next() (Format, []byte, error)
}

// NewDecoder returns the decoder for the given framing.
func NewDecoder(framing Framing, r io.Reader, maxPayload int) Decoder {
	if framing == FramingRaw {
		return NewScanner(r, maxPayload)
	}
	return NewReader(r, maxPayload)
}

// Scanner splits a raw concatenated image stream.
type Scanner struct {
	sc *bufio.Scanner
}

// NewScanner returns a Scanner that buffers at most maxPayload bytes per
// image (DefaultMaxPayload if zero).
func NewScanner(r io.Reader, maxPayload int) *Scanner {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, min(64*1024, maxPayload)), maxPayload)
	sc.Split(SplitImages)
	return &Scanner{sc: sc}
}

// Next returns the next image. The slice is owned by the caller.
func (s *Scanner) Next() (Format, []byte, error) {
	if !s.sc.Scan() {
		err := s.sc.Err()
		if err == nil {
			return FormatUnknown, nil, io.EOF
		}
		if errors.Is(err, bufio.ErrTooLong) {
			err = ErrTooLarge
		}
		return FormatUnknown, nil, err
	}
	payload := bytes.Clone(s.sc.Bytes())
	return DetectFormat(payload), payload, nil
}
