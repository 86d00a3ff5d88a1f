package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDeviceUnavailable reports that the platform denied or lacks a
	// capture device. Room participation continues without it.
	ErrDeviceUnavailable = errors.New("capture device unavailable")

	// ErrCaptureCancelled is returned by Capture.DisplayMedia when the user
	// dismissed the picker. The Controller turns it into a nil stream.
	ErrCaptureCancelled = errors.New("capture cancelled by user")

	// ErrAcquisitionAborted reports that ReleaseAll ran while an acquisition
	// was in flight; whatever it produced has already been stopped.
	ErrAcquisitionAborted = errors.New("acquisition aborted by release")
)

// Constraints selects which kinds UserMedia should capture.
type Constraints struct {
	Audio bool
	Video bool
}

// Capture is the platform's device capture primitive.
// Both calls may block until the user or the platform answers.
type Capture interface {
	UserMedia(ctx context.Context, c Constraints) (*Stream, error)
	DisplayMedia(ctx context.Context) (*Stream, error)
}

// ---------------------------------------------------------------------------
// Synthetic capture
// ---------------------------------------------------------------------------

var _ Capture = (*SyntheticCapture)(nil)

// SyntheticCapture produces silent tracks without touching hardware. It can
// be told to deny devices, cancel the display picker, or hold every request
// until released, which makes acquisition timing reproducible.
type SyntheticCapture struct {
	mu            sync.Mutex
	denyAll       bool
	denyVideo     bool
	cancelDisplay bool
	gate          chan struct{}
	parked        int
	issued        []*Stream
}

// NewSyntheticCapture returns a capture that grants every request.
func NewSyntheticCapture() *SyntheticCapture {
	return &SyntheticCapture{}
}

// DenyDevices makes UserMedia fail with ErrDeviceUnavailable.
func (c *SyntheticCapture) DenyDevices(deny bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.denyAll = deny
}

// DenyCamera makes any UserMedia request that includes video fail, while
// audio-only requests still succeed.
func (c *SyntheticCapture) DenyCamera(deny bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.denyVideo = deny
}

// CancelDisplay makes DisplayMedia behave as if the user closed the picker.
func (c *SyntheticCapture) CancelDisplay(cancel bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelDisplay = cancel
}

// Hold blocks every subsequent request until the returned func is called.
func (c *SyntheticCapture) Hold() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if c.gate == gate {
				c.gate = nil
			}
			c.mu.Unlock()
			close(gate)
		})
	}
}

// Issued returns every stream handed out so far.
func (c *SyntheticCapture) Issued() []*Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Stream, len(c.issued))
	copy(out, c.issued)
	return out
}

// Parked counts requests currently blocked by Hold.
func (c *SyntheticCapture) Parked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parked
}

func (c *SyntheticCapture) wait(ctx context.Context) error {
	c.mu.Lock()
	gate := c.gate
	if gate != nil {
		c.parked++
	}
	c.mu.Unlock()
	if gate == nil {
		return nil
	}
	defer func() {
		c.mu.Lock()
		c.parked--
		c.mu.Unlock()
	}()
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *SyntheticCapture) UserMedia(ctx context.Context, cons Constraints) (*Stream, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	denied := c.denyAll || (cons.Video && c.denyVideo)
	c.mu.Unlock()
	if denied {
		return nil, fmt.Errorf("%w: permission denied", ErrDeviceUnavailable)
	}
	if !cons.Audio && !cons.Video {
		return nil, fmt.Errorf("%w: no kinds requested", ErrDeviceUnavailable)
	}

	var tracks []Track
	streamID := "camera"
	if cons.Audio {
		t, err := NewLocalTrack(KindAudio, "synthetic microphone", streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if cons.Video {
		t, err := NewLocalTrack(KindVideo, "synthetic camera", streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return c.issue(NewStream(SourceCamera, tracks...)), nil
}

func (c *SyntheticCapture) DisplayMedia(ctx context.Context) (*Stream, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	cancelled := c.cancelDisplay
	c.mu.Unlock()
	if cancelled {
		return nil, ErrCaptureCancelled
	}

	t, err := NewLocalTrack(KindVideo, "synthetic screen", "screen")
	if err != nil {
		return nil, err
	}
	return c.issue(NewStream(SourceScreen, t)), nil
}

func (c *SyntheticCapture) issue(s *Stream) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.issued = append(c.issued, s)
	return s
}
