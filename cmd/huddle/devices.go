//go:build cgo

package main

import (
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers camera devices
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers microphones
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // registers screens for display capture

	"github.com/1ureka/huddle/internal/media"
)

// newDeviceCapture encodes camera and screen with VP8 and the microphone with
// Opus, matching the codecs every peer transport negotiates.
func newDeviceCapture() (media.Capture, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = 500_000
	vpxParams.KeyFrameInterval = 60
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = 20 * time.Millisecond

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return media.NewDeviceCapture(selector), nil
}
