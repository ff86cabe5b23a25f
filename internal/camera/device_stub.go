//go:build !gocv

package camera

import "errors"

// ErrNoDeviceSupport is returned by OpenDevice in builds without OpenCV.
var ErrNoDeviceSupport = errors.New("camera device support not built in (rebuild with -tags gocv)")

// OpenDevice always fails; build with the gocv tag for capture devices.
func OpenDevice(index, width, height int) (Source, error) {
	return nil, ErrNoDeviceSupport
}
