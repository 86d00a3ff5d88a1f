// Package share hands the room-wide outbound video slot between the camera
// and a screen capture, and keeps everyone agreeing on who is presenting.
package share

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/huddle/internal/media"
	"github.com/1ureka/huddle/internal/peer"
	"github.com/1ureka/huddle/internal/room"
	"github.com/1ureka/huddle/internal/signaling"
	"github.com/1ureka/huddle/internal/util"
)

// Options wires a Coordinator to the rest of a session.
type Options struct {
	RoomID  string
	Self    room.Self
	Media   *media.Controller
	Peers   *peer.Registry
	Room    *room.Reconciler
	Emitter peer.Emitter
	Stats   *util.Stats
	OnYield func(by signaling.ShareUpdate) // optional; a remote share replaced ours
}

// ErrAborted is returned by Start when the share was reset while the screen
// picker was open.
var ErrAborted = errors.New("screen share aborted")

// Coordinator runs the local start and stop sequences of a screen share.
//
// The relay echoes every screen-share:update to all members, the sender
// included, in one order. That order decides the presenter: whichever start
// the relay delivered last holds the spotlight. A local share yields to a
// remote start only once its own start has come back, since a remote start
// seen earlier was ordered before ours.
type Coordinator struct {
	opts Options
	log  util.Logger

	mu     sync.Mutex
	screen *media.Stream // nil when not sharing
	epoch  uint64        // bumped by Reset
	sent   int           // starts announced on the current connection
	echoed int           // starts the relay has delivered back to us
}

func New(opts Options) *Coordinator {
	return &Coordinator{opts: opts, log: util.NewLogger("share")}
}

// Sharing reports whether a local share is running.
func (c *Coordinator) Sharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screen != nil
}

// Start acquires a screen capture and puts it in the spotlight. It returns
// false with a nil error when the user dismisses the picker; nothing changes
// in that case.
//
// The picker runs without the coordinator lock held, so remote updates keep
// flowing while the user chooses. A Reset during the picker discards the
// capture and returns ErrAborted.
func (c *Coordinator) Start(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.screen != nil {
		c.mu.Unlock()
		return true, nil
	}
	epoch := c.epoch
	c.mu.Unlock()

	screen, err := c.opts.Media.AcquireScreenCapture(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire screen: %w", err)
	}
	if screen == nil {
		return false, nil
	}
	video := screen.VideoTrack()
	if video == nil {
		c.opts.Media.ReleaseScreen()
		return false, fmt.Errorf("acquire screen: %w: no video track", media.ErrDeviceUnavailable)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.screen != nil {
		// A concurrent Start committed first; the controller handed both the
		// same capture.
		return true, nil
	}
	if c.epoch != epoch {
		c.opts.Media.ReleaseScreen()
		c.log.Debug("discarded screen capture acquired across a reset", "stream", screen.ID())
		return false, ErrAborted
	}

	c.opts.Peers.ReplaceOutboundVideoTrack(video)
	c.opts.Room.SetLocalScreenSharing(true)
	c.screen = screen

	emitErr := c.opts.Emitter.Emit(signaling.EvShareStart, signaling.ShareStart{
		RoomID:   c.opts.RoomID,
		UserID:   c.opts.Self.UserID,
		UserName: c.opts.Self.Name,
		SocketID: c.opts.Room.LocalSocketID(),
	})
	if emitErr != nil {
		c.log.Warn("failed to announce screen share", "error", emitErr)
	} else {
		c.sent++
	}

	video.OnEnded(func() {
		c.log.Info("screen capture ended outside the app")
		if err := c.stopIf(screen); err != nil {
			c.log.Warn("stop after end of capture", "error", err)
		}
	})
	if video.Stopped() {
		// Ended before the callback was registered.
		go c.stopIf(screen)
	}

	c.log.Info("screen share started", "stream", screen.ID())
	return true, nil
}

// Stop hands the outbound video back to the camera (or detaches it when no
// camera is held), clears the local flag, announces the stop and releases
// the capture. Calling it when nothing is shared does nothing.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked(true)
}

// stopIf stops only while screen is still the running share, so a late
// end-of-capture from an earlier share cannot stop a newer one.
func (c *Coordinator) stopIf(screen *media.Stream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.screen != screen {
		return nil
	}
	return c.stopLocked(true)
}

func (c *Coordinator) stopLocked(announce bool) error {
	if c.screen == nil {
		return nil
	}
	c.screen = nil

	camera := c.opts.Media.CameraVideoTrack()
	c.opts.Peers.ReplaceOutboundVideoTrack(camera)
	c.opts.Room.SetLocalScreenSharing(false)

	var err error
	if announce {
		err = c.opts.Emitter.Emit(signaling.EvShareStop, signaling.ShareStop{
			RoomID:   c.opts.RoomID,
			UserID:   c.opts.Self.UserID,
			SocketID: c.opts.Room.LocalSocketID(),
		})
		if err != nil {
			err = fmt.Errorf("announce share stop: %w", err)
		}
	}
	c.opts.Media.ReleaseScreen()
	c.log.Info("screen share stopped", "camera", camera != nil)
	return err
}

// HandleRemoteUpdate applies a screen-share:update from the relay, in relay
// order. It never waits on the screen picker.
func (c *Coordinator) HandleRemoteUpdate(u signaling.ShareUpdate) {
	if u.SocketID == "" {
		return
	}
	local := c.opts.Room.LocalSocketID()

	c.mu.Lock()
	if u.SocketID == local {
		if u.IsSharing && c.echoed < c.sent {
			c.echoed++
			if c.screen != nil && c.echoed == c.sent {
				// Our start is the latest one the room has seen.
				c.opts.Room.SetLocalScreenSharing(true)
			}
		}
		c.mu.Unlock()
		return
	}

	c.opts.Room.SetScreenSharing(u.SocketID, u.IsSharing)
	yield := u.IsSharing && c.screen != nil && c.echoed == c.sent
	var err error
	if yield {
		err = c.stopLocked(true)
	}
	c.mu.Unlock()

	if !yield {
		return
	}
	c.opts.Stats.AddShareYield()
	c.log.Info("yielded screen share", "to", u.SocketID, "user", u.UserID)
	if err != nil && !errors.Is(err, signaling.ErrNotConnected) {
		c.log.Warn("yield", "error", err)
	}
	if c.opts.OnYield != nil {
		c.opts.OnYield(u)
	}
}

// Reset forgets a running share without announcing it, for a rejoin where
// the relay has already dropped our old connection. The capture is released
// and a Start still in its picker is aborted.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.sent, c.echoed = 0, 0
	if err := c.stopLocked(false); err != nil {
		c.log.Warn("reset", "error", err)
	}
}
