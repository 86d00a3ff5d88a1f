// Package peer owns one negotiated media transport per remote participant
// and the SDP/ICE exchange that sets them up.
package peer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/huddle/internal/config"
	"github.com/1ureka/huddle/internal/media"
	"github.com/1ureka/huddle/internal/util"
)

// RemoteTrack is a track received from a peer. *webrtc.TrackRemote
// satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// Transport is one peer connection as the Registry drives it.
//
// Every Transport carries one audio and one video sender from construction,
// so AttachTrack only swaps the source of a sender and never renegotiates.
// Attaching nil leaves the sender without a source.
type Transport interface {
	AttachTrack(kind webrtc.RTPCodecType, track media.Track) error

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sdp webrtc.SessionDescription) error
	SetRemoteDescription(sdp webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(RemoteTrack))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))

	Close() error
}

// Factory builds a fresh Transport for a new link.
type Factory func() (Transport, error)

// NewPionFactory returns a Factory producing pion PeerConnections that share
// one API instance (default codecs and interceptors) and the given ICE
// configuration.
func NewPionFactory(ice config.ICE) (Factory, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithInterceptorRegistry(ir))
	cfg := Configuration(ice)

	return func() (Transport, error) {
		return newPionTransport(api, cfg)
	}, nil
}

var _ Transport = (*pionTransport)(nil)

type pionTransport struct {
	pc      *webrtc.PeerConnection
	senders map[webrtc.RTPCodecType]*webrtc.RTPSender
	log     util.Logger

	mu      sync.Mutex
	onTrack func(RemoteTrack)
}

func newPionTransport(api *webrtc.API, cfg webrtc.Configuration) (*pionTransport, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &pionTransport{
		pc:      pc,
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender, 2),
		log:     util.NewLogger("transport"),
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		tr, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		})
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add %s transceiver: %w", kind, err)
		}
		t.senders[kind] = tr.Sender()
		go drainRTCP(tr.Sender())
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go drainRemote(remote)
		t.mu.Lock()
		fn := t.onTrack
		t.mu.Unlock()
		if fn != nil {
			fn(remote)
		}
	})

	return t, nil
}

// drainRTCP reads sender reports so interceptors keep working; it returns
// once the sender is stopped.
func drainRTCP(s *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}

// drainRemote consumes a received track. Rendering is not this package's
// concern, but unread tracks stall the receiver.
func drainRemote(t *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := t.Read(buf); err != nil {
			return
		}
	}
}

func (t *pionTransport) AttachTrack(kind webrtc.RTPCodecType, track media.Track) error {
	s, ok := t.senders[kind]
	if !ok {
		return fmt.Errorf("no %s sender", kind)
	}
	var local webrtc.TrackLocal
	if track != nil {
		local = track.TrackLocal()
	}
	if err := s.ReplaceTrack(local); err != nil {
		return fmt.Errorf("failed to replace %s track: %w", kind, err)
	}
	return nil
}

// CreateOffer builds an offer covering both transceivers.
func (t *pionTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

// CreateAnswer answers the remote offer already applied.
func (t *pionTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

// SetLocalDescription applies sdp and starts candidate gathering.
func (t *pionTransport) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the other side's offer or answer.
func (t *pionTransport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sdp)
}

// AddICECandidate feeds a remote candidate. The remote description must be
// set first.
func (t *pionTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(c)
}

// SignalingState reports where the offer/answer exchange stands.
func (t *pionTransport) SignalingState() webrtc.SignalingState {
	return t.pc.SignalingState()
}

// OnICECandidate registers fn for gathered local candidates. The end of
// gathering is not reported.
func (t *pionTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			fn(c.ToJSON())
		}
	})
}

func (t *pionTransport) OnTrack(fn func(RemoteTrack)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTrack = fn
}

func (t *pionTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(fn)
}

// Close stops both senders and the PeerConnection.
func (t *pionTransport) Close() error {
	var errs []error
	for _, s := range t.senders {
		if err := s.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, t.pc.Close())
	return errors.Join(errs...)
}
