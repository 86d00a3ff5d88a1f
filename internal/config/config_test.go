package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SignalURL == "" {
		t.Error("expected default signal_url")
	}
	if len(cfg.ICE.STUN) != len(DefaultSTUN) {
		t.Errorf("ICE.STUN = %v, want %v", cfg.ICE.STUN, DefaultSTUN)
	}
	if cfg.Signaling.AckTimeout != 10*time.Second {
		t.Errorf("AckTimeout = %v, want 10s", cfg.Signaling.AckTimeout)
	}
	if cfg.Signaling.ReconnectAttempts != 5 {
		t.Errorf("ReconnectAttempts = %d, want 5", cfg.Signaling.ReconnectAttempts)
	}
	if !cfg.Media.Audio || !cfg.Media.Video {
		t.Errorf("media defaults = %+v, want audio and video on", cfg.Media)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "huddle.yaml")
	body := []byte(`
signal_url: wss://relay.example/ws
user:
  id: u-1
  name: Ada
media:
  video: false
signaling:
  ack_timeout: 3s
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HUDDLE_USER_NAME", "Grace")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SignalURL != "wss://relay.example/ws" {
		t.Errorf("SignalURL = %q", cfg.SignalURL)
	}
	if cfg.User.ID != "u-1" {
		t.Errorf("User.ID = %q", cfg.User.ID)
	}
	if cfg.User.Name != "Grace" {
		t.Errorf("User.Name = %q, want env override Grace", cfg.User.Name)
	}
	if cfg.Media.Video {
		t.Error("Media.Video should be false from file")
	}
	if cfg.Signaling.AckTimeout != 3*time.Second {
		t.Errorf("AckTimeout = %v, want 3s", cfg.Signaling.AckTimeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"valid", Config{SignalURL: "ws://x"}, true},
		{"no signal url", Config{}, false},
		{"relay without turn", Config{SignalURL: "ws://x", ICE: ICE{ForceRelay: true}}, false},
		{"relay with turn", Config{SignalURL: "ws://x", ICE: ICE{ForceRelay: true, TURNURL: "turn:x"}}, true},
		{"negative attempts", Config{SignalURL: "ws://x", Signaling: Signaling{ReconnectAttempts: -1}}, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err == nil) != tc.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}
