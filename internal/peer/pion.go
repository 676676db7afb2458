package peer

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/huddlekit/huddle/internal/signal"
)

// PionConfig carries the transport settings for real peer connections.
type PionConfig struct {
	ICEServers []webrtc.ICEServer
	// LoggerFactory routes pion's internal logging; nil uses pion's default.
	LoggerFactory logging.LoggerFactory
	// SettingEngine customizes the transport (port ranges, ip filters) before
	// the API is built. Optional.
	SettingEngine *webrtc.SettingEngine
}

// NewPionAPI builds the shared webrtc.API all sessions are created from.
func NewPionAPI(cfg PionConfig) *webrtc.API {
	se := webrtc.SettingEngine{}
	if cfg.SettingEngine != nil {
		se = *cfg.SettingEngine
	}
	if cfg.LoggerFactory != nil {
		se.LoggerFactory = cfg.LoggerFactory
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// LocalTrack adapts a pion local track to the engine's opaque Track handle.
type LocalTrack struct {
	track webrtc.TrackLocal
}

func WrapLocalTrack(track webrtc.TrackLocal) *LocalTrack {
	return &LocalTrack{track: track}
}

func (t *LocalTrack) ID() string { return t.track.ID() }

func (t *LocalTrack) Kind() TrackKind {
	if t.track.Kind() == webrtc.RTPCodecTypeAudio {
		return TrackKindAudio
	}
	return TrackKindVideo
}

// Unwrap returns the underlying pion track.
func (t *LocalTrack) Unwrap() webrtc.TrackLocal { return t.track }

// PionSession implements MediaSession over a real *webrtc.PeerConnection.
// Locking is left to the owning PeerLink; pion's own handlers fire on its
// transport goroutines and are forwarded through the registered callbacks.
type PionSession struct {
	pc *webrtc.PeerConnection
}

// NewPionSession creates the peer connection and registers initial outgoing
// tracks, one sender per kind.
func NewPionSession(api *webrtc.API, cfg PionConfig, tracks ...*LocalTrack) (*PionSession, error) {
	if api == nil {
		api = NewPionAPI(cfg)
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	for _, track := range tracks {
		if _, err := pc.AddTrack(track.Unwrap()); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
	}
	return &PionSession{pc: pc}, nil
}

// PeerConnection exposes the underlying connection for incoming-track and
// stats wiring that lives outside the negotiation engine.
func (s *PionSession) PeerConnection() *webrtc.PeerConnection { return s.pc }

func (s *PionSession) CreateOffer(opts OfferOptions) (signal.Description, error) {
	var pionOpts *webrtc.OfferOptions
	if opts.ICERestart {
		pionOpts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := s.pc.CreateOffer(pionOpts)
	if err != nil {
		return signal.Description{}, err
	}
	return signal.DescriptionFromPion(offer), nil
}

func (s *PionSession) CreateAnswer() (signal.Description, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return signal.Description{}, err
	}
	return signal.DescriptionFromPion(answer), nil
}

func (s *PionSession) SetLocalDescription(desc signal.Description) error {
	pion, err := desc.ToPion()
	if err != nil {
		return err
	}
	return s.pc.SetLocalDescription(pion)
}

func (s *PionSession) SetRemoteDescription(desc signal.Description) error {
	pion, err := desc.ToPion()
	if err != nil {
		return err
	}
	return s.pc.SetRemoteDescription(pion)
}

func (s *PionSession) AddICECandidate(cand signal.Candidate) error {
	return s.pc.AddICECandidate(cand.ToPion())
}

func (s *PionSession) SignalingState() SignalingState {
	switch s.pc.SignalingState() {
	case webrtc.SignalingStateHaveLocalOffer, webrtc.SignalingStateHaveRemotePranswer:
		return SignalingHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer, webrtc.SignalingStateHaveLocalPranswer:
		return SignalingHaveRemoteOffer
	case webrtc.SignalingStateClosed:
		return SignalingClosed
	default:
		return SignalingStable
	}
}

func (s *PionSession) HasRemoteDescription() bool {
	return s.pc.RemoteDescription() != nil
}

func (s *PionSession) OutgoingTrack(kind TrackKind) (Track, bool) {
	sender, ok := s.senderOf(kind)
	if !ok || sender.Track() == nil {
		return nil, false
	}
	return WrapLocalTrack(sender.Track()), true
}

func (s *PionSession) ReplaceOutgoingTrack(kind TrackKind, track Track) error {
	local, ok := track.(*LocalTrack)
	if !ok {
		return fmt.Errorf("track %q is not a pion local track", track.ID())
	}
	sender, found := s.senderOf(kind)
	if !found {
		return ErrNoSender
	}
	return sender.ReplaceTrack(local.Unwrap())
}

func (s *PionSession) senderOf(kind TrackKind) (*webrtc.RTPSender, bool) {
	want := webrtc.RTPCodecTypeVideo
	if kind == TrackKindAudio {
		want = webrtc.RTPCodecTypeAudio
	}
	for _, sender := range s.pc.GetSenders() {
		track := sender.Track()
		if track != nil && track.Kind() == want {
			return sender, true
		}
	}
	return nil, false
}

func (s *PionSession) OnLocalCandidate(fn func(signal.Candidate)) {
	s.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		// nil marks the end of gathering; trickle peers don't signal it.
		if cand == nil {
			return
		}
		fn(signal.CandidateFromPion(cand.ToJSON()))
	})
}

func (s *PionSession) OnTransportStateChange(fn func(TransportState)) {
	s.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		fn(transportStateFromPion(state))
	})
}

func (s *PionSession) OnNegotiationNeeded(fn func()) {
	s.pc.OnNegotiationNeeded(fn)
}

func (s *PionSession) Close() error {
	return s.pc.Close()
}

func transportStateFromPion(state webrtc.ICEConnectionState) TransportState {
	switch state {
	case webrtc.ICEConnectionStateChecking:
		return TransportChecking
	case webrtc.ICEConnectionStateConnected:
		return TransportConnected
	case webrtc.ICEConnectionStateCompleted:
		return TransportCompleted
	case webrtc.ICEConnectionStateDisconnected:
		return TransportDisconnected
	case webrtc.ICEConnectionStateFailed:
		return TransportFailed
	case webrtc.ICEConnectionStateClosed:
		return TransportClosed
	default:
		return TransportNew
	}
}
