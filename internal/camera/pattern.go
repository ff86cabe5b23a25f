package camera

import (
	"context"
	"time"
)

// Pattern is a synthetic source producing moving color bars. It never
// fails and is used for bench testing without a camera.
type Pattern struct {
	Width  int
	Height int
	seq    uint64
}

// NewPattern returns a Pattern of the given size (640x480 if zero).
func NewPattern(width, height int) *Pattern {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	return &Pattern{Width: width, Height: height}
}

var bars = [][3]byte{
	{0xff, 0xff, 0xff}, {0xff, 0xff, 0x00}, {0x00, 0xff, 0xff}, {0x00, 0xff, 0x00},
	{0xff, 0x00, 0xff}, {0xff, 0x00, 0x00}, {0x00, 0x00, 0xff}, {0x00, 0x00, 0x00},
}

// Frame renders the next pattern frame; bars shift one column per frame.
func (p *Pattern) Frame(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	p.seq++
	data := make([]byte, p.Width*p.Height*3)
	barWidth := max(1, p.Width/len(bars))
	shift := int(p.seq)
	for y := 0; y < p.Height; y++ {
		row := data[y*p.Width*3:]
		for x := 0; x < p.Width; x++ {
			c := bars[((x+shift)/barWidth)%len(bars)]
			copy(row[x*3:x*3+3], c[:])
		}
	}
	return Frame{
		Seq:       p.seq,
		Timestamp: time.Now(),
		Width:     p.Width,
		Height:    p.Height,
		Channels:  3,
		Data:      data,
	}, nil
}

// Close is a no-op.
func (p *Pattern) Close() error { return nil }
