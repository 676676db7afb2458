package peer

import (
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/huddlekit/huddle/internal/signal"
)

// TestPeerLinksNegotiateOverVirtualNetwork connects two real pion sessions
// through the full negotiation engine over an in-memory network. Both ends
// trigger simultaneously so the glare path is exercised with real SDP.
func TestPeerLinksNegotiateOverVirtualNetwork(t *testing.T) {
	if testing.Short() {
		t.Skip("virtual network test")
	}

	const (
		cidr = "10.0.0.0/24"
		ipA  = "10.0.0.1"
		ipB  = "10.0.0.2"
	)

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipA}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipB}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	sessionA := newVNetSession(t, netA, "camera-a")
	sessionB := newVNetSession(t, netB, "camera-b")

	quit := make(chan struct{})
	t.Cleanup(func() { close(quit) })

	var linkA, linkB *PeerLink
	linkA = newPeerLink(linkConfig{
		localID:  "peer-a",
		remoteID: "peer-b",
		channel:  ChannelCamera,
		session:  sessionA,
		send:     pump(t, quit, func() *PeerLink { return linkB }),
		log:      testLogger(),
	})
	linkB = newPeerLink(linkConfig{
		localID:  "peer-b",
		remoteID: "peer-a",
		channel:  ChannelCamera,
		session:  sessionB,
		send:     pump(t, quit, func() *PeerLink { return linkA }),
		log:      testLogger(),
	})
	t.Cleanup(func() {
		_ = linkA.Close()
		_ = linkB.Close()
	})

	connectedA := watchConnected(sessionA)
	connectedB := watchConnected(sessionB)

	// Simultaneous triggers: one side's offer is ignored, the other rolls
	// back; the engine must still converge.
	if err := linkA.TriggerNegotiation(); err != nil {
		t.Fatalf("trigger A: %v", err)
	}
	if err := linkB.TriggerNegotiation(); err != nil {
		t.Fatalf("trigger B: %v", err)
	}

	for name, ch := range map[string]chan struct{}{"A": connectedA, "B": connectedB} {
		select {
		case <-ch:
		case <-time.After(20 * time.Second):
			t.Fatalf("peer %s never connected", name)
		}
	}

	// Track replacement stays sender-level: the signaling state must be back
	// at stable and remain there across the swap.
	if sessionA.SignalingState() != SignalingStable {
		t.Fatalf("signaling state %s after convergence, want stable", sessionA.SignalingState())
	}
	replacement, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", "huddle")
	if err != nil {
		t.Fatalf("new replacement track: %v", err)
	}
	if err := linkA.ReplaceOutgoingTrack(TrackKindVideo, WrapLocalTrack(replacement)); err != nil {
		t.Fatalf("replace track: %v", err)
	}
	track, ok := linkA.OutgoingTrack(TrackKindVideo)
	if !ok || track.ID() != "screen" {
		t.Fatalf("outgoing track after replace = %v, want screen", track)
	}
	if sessionA.SignalingState() != SignalingStable {
		t.Errorf("track replacement disturbed signaling: %s", sessionA.SignalingState())
	}
}

func newVNetSession(t *testing.T, n *vnet.Net, trackID string) *PionSession {
	t.Helper()

	se := webrtc.SettingEngine{}
	se.SetNet(n)
	api := NewPionAPI(PionConfig{SettingEngine: &se})

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, trackID, "huddle")
	if err != nil {
		t.Fatalf("new track %s: %v", trackID, err)
	}

	session, err := NewPionSession(api, PionConfig{}, WrapLocalTrack(track))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session
}

// pump delivers envelopes to the other link on a dedicated goroutine, in
// order, the way the relay would.
func pump(t *testing.T, quit chan struct{}, other func() *PeerLink) func(signal.Envelope) {
	t.Helper()
	ch := make(chan signal.Envelope, 256)
	go func() {
		for {
			select {
			case env := <-ch:
				link := other()
				var err error
				switch env.Kind {
				case signal.KindOffer:
					err = link.HandleRemoteOffer(*env.Description)
				case signal.KindAnswer:
					err = link.HandleRemoteAnswer(*env.Description)
				case signal.KindCandidate:
					err = link.HandleRemoteCandidate(*env.Candidate)
				}
				if err != nil {
					t.Logf("deliver %s: %v", env.Kind, err)
				}
			case <-quit:
				return
			}
		}
	}()
	return func(env signal.Envelope) {
		select {
		case ch <- env:
		case <-quit:
		}
	}
}

func watchConnected(session *PionSession) chan struct{} {
	done := make(chan struct{})
	var closed bool
	session.PeerConnection().OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateConnected && !closed {
			closed = true
			close(done)
		}
	})
	return done
}
