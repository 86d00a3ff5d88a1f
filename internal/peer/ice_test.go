package peer

import (
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/huddle/internal/config"
)

func TestConfiguration(t *testing.T) {
	cfg := Configuration(config.ICE{})
	if len(cfg.ICEServers) != 1 || len(cfg.ICEServers[0].URLs) != len(config.DefaultSTUN) {
		t.Errorf("default servers = %+v", cfg.ICEServers)
	}
	if cfg.ICETransportPolicy == webrtc.ICETransportPolicyRelay {
		t.Error("relay policy should be off by default")
	}

	cfg = Configuration(config.ICE{
		STUN:       []string{"stun:example.org:3478"},
		TURNURL:    "turn:example.org:3478",
		TURNUser:   "u",
		TURNPass:   "p",
		ForceRelay: true,
	})
	if len(cfg.ICEServers) != 2 {
		t.Fatalf("servers = %+v", cfg.ICEServers)
	}
	turn := cfg.ICEServers[1]
	if turn.Username != "u" || turn.Credential != "p" {
		t.Errorf("turn = %+v", turn)
	}
	if cfg.ICETransportPolicy != webrtc.ICETransportPolicyRelay {
		t.Error("force_relay should select the relay policy")
	}
}

func TestPionFactoryBuildsTransport(t *testing.T) {
	factory, err := NewPionFactory(config.ICE{STUN: []string{}})
	if err != nil {
		t.Fatal(err)
	}
	tr, err := factory()
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	if tr.SignalingState() != webrtc.SignalingStateStable {
		t.Errorf("state = %s", tr.SignalingState())
	}
	if err := tr.AttachTrack(webrtc.RTPCodecTypeVideo, nil); err != nil {
		t.Errorf("detach video: %v", err)
	}
	offer, err := tr.CreateOffer()
	if err != nil {
		t.Fatal(err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		t.Errorf("offer = %+v", offer)
	}
}
