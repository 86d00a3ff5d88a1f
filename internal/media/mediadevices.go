package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"

	"github.com/1ureka/huddle/internal/util"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
)

const defaultMTU = 1200

var _ Capture = (*DeviceCapture)(nil)

// DeviceCapture captures real devices through pion/mediadevices and bridges
// every device track into a LocalTrack. Device drivers and encoders are
// registered by the binary; the selector decides which encoders are used.
type DeviceCapture struct {
	selector *mediadevices.CodecSelector
	log      util.Logger
}

func NewDeviceCapture(selector *mediadevices.CodecSelector) *DeviceCapture {
	return &DeviceCapture{selector: selector, log: util.NewLogger("capture")}
}

func (c *DeviceCapture) UserMedia(ctx context.Context, cons Constraints) (*Stream, error) {
	if !cons.Audio && !cons.Video {
		return nil, fmt.Errorf("%w: no kinds requested", ErrDeviceUnavailable)
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
	if cons.Video {
		constraints.Video = func(m *mediadevices.MediaTrackConstraints) {
			m.Width = prop.Int(640)
			m.Height = prop.Int(480)
			m.FrameRate = prop.Float(30)
		}
	}
	if cons.Audio {
		constraints.Audio = func(m *mediadevices.MediaTrackConstraints) {
			m.SampleRate = prop.Int(48000)
			m.ChannelCount = prop.Int(1)
		}
	}

	ms, err := c.await(ctx, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetUserMedia(constraints)
	})
	if err != nil {
		return nil, err
	}
	return c.bridge(SourceCamera, ms)
}

// DisplayMedia has no picker to dismiss, so it never returns
// ErrCaptureCancelled.
func (c *DeviceCapture) DisplayMedia(ctx context.Context) (*Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Video: func(m *mediadevices.MediaTrackConstraints) {
			m.FrameRate = prop.Float(15)
		},
	}
	ms, err := c.await(ctx, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetDisplayMedia(constraints)
	})
	if err != nil {
		return nil, err
	}
	return c.bridge(SourceScreen, ms)
}

// await runs a blocking mediadevices call so the caller can give up on ctx.
// A stream that arrives after the caller left is closed.
func (c *DeviceCapture) await(ctx context.Context, get func() (mediadevices.MediaStream, error)) (mediadevices.MediaStream, error) {
	type result struct {
		ms  mediadevices.MediaStream
		err error
	}
	done := make(chan result, 1)
	go func() {
		ms, err := get()
		done <- result{ms, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, r.err)
		}
		return r.ms, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				for _, t := range r.ms.GetTracks() {
					_ = t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	}
}

func (c *DeviceCapture) bridge(source Source, ms mediadevices.MediaStream) (*Stream, error) {
	var tracks []Track
	fail := func(err error) (*Stream, error) {
		for _, t := range tracks {
			t.Stop()
		}
		for _, src := range ms.GetTracks() {
			_ = src.Close()
		}
		return nil, err
	}

	for _, src := range ms.GetTracks() {
		src := src
		label := fmt.Sprintf("%s %s", source, src.Kind())
		lt, err := NewLocalTrack(src.Kind(), label, source.String())
		if err != nil {
			return fail(err)
		}
		capability, _ := capabilityFor(src.Kind())
		reader, err := src.NewRTPReader(capability.MimeType, rand.Uint32(), defaultMTU)
		if err != nil {
			return fail(fmt.Errorf("failed to open %s encoder: %w", label, err))
		}

		stop := make(chan struct{})
		go c.pump(lt, reader, stop)

		lt.onRelease(func() {
			close(stop)
			_ = reader.Close()
			if err := src.Close(); err != nil {
				c.log.Warn("failed to close device track", "track", lt.ID(), "error", err)
			}
		})
		src.OnEnded(func(err error) {
			if err != nil && !errors.Is(err, io.EOF) {
				c.log.Warn("device track ended", "track", lt.ID(), "error", err)
			}
			lt.End()
		})
		tracks = append(tracks, lt)
	}

	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no tracks captured", ErrDeviceUnavailable)
	}
	return NewStream(source, tracks...), nil
}

// pump copies encoded packets from the device reader to the local track until
// the track is stopped or the reader fails.
func (c *DeviceCapture) pump(lt *LocalTrack, reader mediadevices.RTPReadCloser, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		pkts, release, err := reader.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Debug("device reader closed", "track", lt.ID(), "error", err)
			}
			return
		}
		for _, p := range pkts {
			if err := lt.WriteRTP(p); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				c.log.Debug("failed to forward packet", "track", lt.ID(), "error", err)
			}
		}
		if release != nil {
			release()
		}
	}
}
