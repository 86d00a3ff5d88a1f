package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/huddle/internal/util"
	"github.com/pion/webrtc/v4"
)

// Options sets the enabled flags applied to a freshly acquired camera bundle.
type Options struct {
	Audio bool
	Video bool
}

// Controller is the single owner of local capture. It holds at most one
// camera+microphone bundle and one screen bundle; only it stops their tracks.
//
// Every acquisition records the controller's generation when it starts. A
// ReleaseAll bumps the generation, so an acquisition that completes afterwards
// stops what it got and reports ErrAcquisitionAborted instead of resurrecting
// released hardware.
type Controller struct {
	capture Capture
	opts    Options
	log     util.Logger

	mu     sync.Mutex
	gen    uint64
	camera *Stream
	screen *Stream
}

func NewController(capture Capture, opts Options) *Controller {
	return &Controller{
		capture: capture,
		opts:    opts,
		log:     util.NewLogger("media"),
	}
}

// AcquireCameraAndMic returns the held camera bundle, acquiring it first if
// needed. When audio+video is refused it retries audio-only; if that fails
// too the error wraps ErrDeviceUnavailable and nothing is held.
func (c *Controller) AcquireCameraAndMic(ctx context.Context) (*Stream, error) {
	c.mu.Lock()
	if c.camera != nil {
		s := c.camera
		c.mu.Unlock()
		return s, nil
	}
	gen := c.gen
	c.mu.Unlock()

	stream, err := c.capture.UserMedia(ctx, Constraints{Audio: true, Video: true})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Warn("camera and microphone unavailable, retrying audio only", "error", err)
		if c.generation() != gen {
			return nil, ErrAcquisitionAborted
		}
		stream, err = c.capture.UserMedia(ctx, Constraints{Audio: true})
		if err != nil {
			return nil, asDeviceError(err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen {
		stream.Stop()
		c.log.Debug("discarded camera bundle acquired across a release", "stream", stream.ID())
		return nil, ErrAcquisitionAborted
	}
	if c.camera != nil {
		// A concurrent acquisition finished first; keep the bundle already held.
		stream.Stop()
		return c.camera, nil
	}

	if t := stream.AudioTrack(); t != nil {
		t.SetEnabled(c.opts.Audio)
	}
	if t := stream.VideoTrack(); t != nil {
		t.SetEnabled(c.opts.Video)
	}
	c.camera = stream
	c.log.Debug("camera bundle acquired", "stream", stream.ID(), "tracks", len(stream.tracks))
	return stream, nil
}

// AcquireScreenCapture returns the held screen bundle, acquiring it first if
// needed. A dismissed picker yields a nil stream and a nil error.
func (c *Controller) AcquireScreenCapture(ctx context.Context) (*Stream, error) {
	c.mu.Lock()
	if c.screen != nil {
		s := c.screen
		c.mu.Unlock()
		return s, nil
	}
	gen := c.gen
	c.mu.Unlock()

	stream, err := c.capture.DisplayMedia(ctx)
	if errors.Is(err, ErrCaptureCancelled) {
		c.log.Info("screen capture cancelled")
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, asDeviceError(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen {
		stream.Stop()
		return nil, ErrAcquisitionAborted
	}
	if c.screen != nil {
		stream.Stop()
		return c.screen, nil
	}
	c.screen = stream
	return stream, nil
}

func asDeviceError(err error) error {
	if errors.Is(err, ErrDeviceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
}

func (c *Controller) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// ToggleAudio flips the microphone's enabled flag and returns the new value.
// It returns false when no microphone is held.
func (c *Controller) ToggleAudio() bool { return c.toggle(KindAudio) }

// ToggleVideo flips the camera's enabled flag and returns the new value.
// It returns false when no camera is held.
func (c *Controller) ToggleVideo() bool { return c.toggle(KindVideo) }

func (c *Controller) toggle(kind webrtc.RTPCodecType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.camera == nil {
		return false
	}
	t := c.camera.firstOf(kind)
	if t == nil {
		return false
	}
	t.SetEnabled(!t.Enabled())
	return t.Enabled()
}

// ReleaseScreen stops the screen bundle, if any. The camera bundle is kept.
func (c *Controller) ReleaseScreen() {
	c.mu.Lock()
	s := c.screen
	c.screen = nil
	c.mu.Unlock()

	if s != nil {
		s.Stop()
		c.log.Debug("screen bundle released", "stream", s.ID())
	}
}

// ReleaseAll stops every track the controller owns and aborts acquisitions
// still in flight. Safe to call any number of times.
func (c *Controller) ReleaseAll() {
	c.mu.Lock()
	c.gen++
	camera, screen := c.camera, c.screen
	c.camera, c.screen = nil, nil
	c.mu.Unlock()

	if camera != nil {
		camera.Stop()
	}
	if screen != nil {
		screen.Stop()
	}
}

// Camera returns the held camera stream, or nil.
func (c *Controller) Camera() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.camera
}

// Screen returns the held screen capture, or nil when nothing is shared.
func (c *Controller) Screen() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screen
}

// CameraVideoTrack is the track a screen share hands the outbound video slot
// back to, or nil when no camera is held.
func (c *Controller) CameraVideoTrack() Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.camera == nil {
		return nil
	}
	return c.camera.VideoTrack()
}

// AudioEnabled reports whether the camera's audio track is live and unmuted.
// It is false without a camera.
func (c *Controller) AudioEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.camera == nil {
		return false
	}
	t := c.camera.AudioTrack()
	return t != nil && t.Enabled()
}

// VideoEnabled reports whether the camera's video track is enabled.
func (c *Controller) VideoEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.camera == nil {
		return false
	}
	t := c.camera.VideoTrack()
	return t != nil && t.Enabled()
}

// ActiveTracks counts held tracks that are still live.
func (c *Controller) ActiveTracks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	if c.camera != nil {
		n += c.camera.Live()
	}
	if c.screen != nil {
		n += c.screen.Live()
	}
	return n
}
