//go:build gocv

package camera

import (
	"context"
	"fmt"
	"time"

	"gocv.io/x/gocv"
)

// Device captures from a local video device through OpenCV.
type Device struct {
	vc  *gocv.VideoCapture
	raw gocv.Mat
	rgb gocv.Mat
	seq uint64
}

// OpenDevice opens the video device at index. A non-zero width or height
// is requested from the driver.
func OpenDevice(index, width, height int) (Source, error) {
	vc, err := gocv.OpenVideoCapture(index)
	if err != nil {
		return nil, fmt.Errorf("open video device %d: %w", index, err)
	}
	if width > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(width))
	}
	if height > 0 {
		vc.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}
	return &Device{vc: vc, raw: gocv.NewMat(), rgb: gocv.NewMat()}, nil
}

// Frame reads the next frame and converts it from BGR to RGB.
func (d *Device) Frame(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if ok := d.vc.Read(&d.raw); !ok || d.raw.Empty() {
		return Frame{}, ErrNoFrame
	}
	src := d.raw
	if d.raw.Channels() == 3 {
		gocv.CvtColor(d.raw, &d.rgb, gocv.ColorBGRToRGB)
		src = d.rgb
	}
	d.seq++
	return Frame{
		Seq:       d.seq,
		Timestamp: time.Now(),
		Width:     src.Cols(),
		Height:    src.Rows(),
		Channels:  src.Channels(),
		Data:      src.ToBytes(),
	}, nil
}

// Close releases the device and its buffers.
func (d *Device) Close() error {
	_ = d.raw.Close()
	_ = d.rgb.Close()
	return d.vc.Close()
}
