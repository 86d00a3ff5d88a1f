//go:build !cgo

package main

import (
	"errors"

	"github.com/1ureka/huddle/internal/media"
)

// Device drivers and encoders need cgo.
func newDeviceCapture() (media.Capture, error) {
	return nil, errors.New("built without cgo")
}
