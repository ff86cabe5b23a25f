// Package camera provides the frame sources the relay captures from: a
// gocv-backed capture device, a synthetic test pattern and an image
// directory replay.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"time"
)

// ErrNoFrame is returned when a source has no frame to deliver right now.
var ErrNoFrame = errors.New("no frame available")

// Frame is one raw image: Height rows of Width pixels, Channels interleaved
// 8-bit samples per pixel (1 = gray, 3 = RGB, 4 = RGBA).
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Channels  int
	Data      []byte
}

// Source delivers frames. Frame blocks until a frame is captured.
type Source interface {
	Frame(ctx context.Context) (Frame, error)
	Close() error
}

// Validate checks dimensions, channel count and buffer size.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	switch f.Channels {
	case 1, 3, 4:
	default:
		return fmt.Errorf("unsupported channel count %d", f.Channels)
	}
	if want := f.Width * f.Height * f.Channels; len(f.Data) != want {
		return fmt.Errorf("frame data is %d bytes, want %d for %dx%dx%d",
			len(f.Data), want, f.Width, f.Height, f.Channels)
	}
	return nil
}

// Image returns the frame as an image.Image. Gray and RGBA frames share
// Data; RGB frames are copied into an RGBA image.
func (f Frame) Image() (image.Image, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	rect := image.Rect(0, 0, f.Width, f.Height)
	switch f.Channels {
	case 1:
		return &image.Gray{Pix: f.Data, Stride: f.Width, Rect: rect}, nil
	case 4:
		return &image.NRGBA{Pix: f.Data, Stride: 4 * f.Width, Rect: rect}, nil
	}
	img := image.NewRGBA(rect)
	for i, j := 0, 0; i < len(f.Data); i, j = i+3, j+4 {
		img.Pix[j] = f.Data[i]
		img.Pix[j+1] = f.Data[i+1]
		img.Pix[j+2] = f.Data[i+2]
		img.Pix[j+3] = 0xff
	}
	return img, nil
}

// FromImage converts img to a 3-channel RGB frame.
func FromImage(img image.Image, seq uint64) Frame {
	b := img.Bounds()
	nrgba := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(nrgba, nrgba.Bounds(), img, b.Min, draw.Src)

	data := make([]byte, b.Dx()*b.Dy()*3)
	for i, j := 0, 0; j < len(nrgba.Pix); i, j = i+3, j+4 {
		data[i] = nrgba.Pix[j]
		data[i+1] = nrgba.Pix[j+1]
		data[i+2] = nrgba.Pix[j+2]
	}
	return Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     b.Dx(),
		Height:    b.Dy(),
		Channels:  3,
		Data:      data,
	}
}

// Solid returns a w×h RGB frame filled with one color.
func Solid(w, h int, r, g, b byte) Frame {
	data := make([]byte, w*h*3)
	for i := 0; i < len(data); i += 3 {
		data[i], data[i+1], data[i+2] = r, g, b
	}
	return Frame{Timestamp: time.Now(), Width: w, Height: h, Channels: 3, Data: data}
}
