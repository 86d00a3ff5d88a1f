package peer

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/huddle/internal/config"
)

// ICEServers converts the configured STUN/TURN hints. An empty STUN list
// falls back to config.DefaultSTUN.
func ICEServers(ice config.ICE) []webrtc.ICEServer {
	stun := ice.STUN
	if len(stun) == 0 {
		stun = config.DefaultSTUN
	}
	servers := []webrtc.ICEServer{{URLs: stun}}

	if ice.TURNURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:           []string{ice.TURNURL},
			Username:       ice.TURNUser,
			Credential:     ice.TURNPass,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return servers
}

// Configuration builds the PeerConnection configuration for every link.
func Configuration(ice config.ICE) webrtc.Configuration {
	cfg := webrtc.Configuration{ICEServers: ICEServers(ice)}
	if ice.ForceRelay {
		cfg.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return cfg
}
