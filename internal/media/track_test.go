package media

import (
	"testing"

	"github.com/pion/rtp"
)

func TestLocalTrackStopDoesNotFireEnded(t *testing.T) {
	tr, err := NewLocalTrack(KindVideo, "cam", "s")
	if err != nil {
		t.Fatal(err)
	}
	fired := 0
	tr.OnEnded(func() { fired++ })

	tr.Stop()
	tr.Stop()
	tr.End()

	if fired != 0 {
		t.Errorf("ended fired %d times after a local stop, want 0", fired)
	}
	if !tr.Stopped() {
		t.Error("track should be stopped")
	}
}

func TestLocalTrackEndFiresOnce(t *testing.T) {
	tr, err := NewLocalTrack(KindVideo, "screen", "s")
	if err != nil {
		t.Fatal(err)
	}
	released := 0
	tr.onRelease(func() { released++ })
	fired := 0
	tr.OnEnded(func() { fired++ })

	tr.End()
	tr.End()

	if fired != 1 {
		t.Errorf("ended fired %d times, want 1", fired)
	}
	if released != 1 {
		t.Errorf("release hooks ran %d times, want 1", released)
	}
}

func TestLocalTrackWriteWhileDisabled(t *testing.T) {
	tr, err := NewLocalTrack(KindAudio, "mic", "s")
	if err != nil {
		t.Fatal(err)
	}
	if tr.Kind() != KindAudio {
		t.Errorf("Kind = %v", tr.Kind())
	}
	tr.SetEnabled(false)
	// Unbound and disabled: dropped silently.
	if err := tr.WriteRTP(&rtp.Packet{}); err != nil {
		t.Errorf("WriteRTP while disabled: %v", err)
	}
	tr.SetEnabled(true)
	if err := tr.WriteRTP(&rtp.Packet{Header: rtp.Header{Version: 2}}); err != nil {
		t.Errorf("WriteRTP with no bindings: %v", err)
	}
}

func TestStreamAccessors(t *testing.T) {
	a, _ := NewLocalTrack(KindAudio, "mic", "s")
	v, _ := NewLocalTrack(KindVideo, "cam", "s")
	s := NewStream(SourceCamera, a, v)

	if s.AudioTrack() != a || s.VideoTrack() != v {
		t.Error("accessors returned the wrong tracks")
	}
	if s.Source().String() != "camera" {
		t.Errorf("Source = %s", s.Source())
	}
	if s.Live() != 2 {
		t.Errorf("Live = %d", s.Live())
	}
	s.Stop()
	if s.Live() != 0 {
		t.Errorf("Live after Stop = %d", s.Live())
	}
}
