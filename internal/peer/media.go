package peer

import (
	"errors"

	"github.com/huddlekit/huddle/internal/signal"
)

// SignalingState mirrors the media session's offer/answer state.
type SignalingState int

const (
	SignalingStable SignalingState = iota
	SignalingHaveLocalOffer
	SignalingHaveRemoteOffer
	SignalingClosed
)

func (s SignalingState) String() string {
	switch s {
	case SignalingStable:
		return "stable"
	case SignalingHaveLocalOffer:
		return "have-local-offer"
	case SignalingHaveRemoteOffer:
		return "have-remote-offer"
	case SignalingClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TransportState is the ICE connectivity state of the underlying transport.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportChecking
	TransportConnected
	TransportCompleted
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportChecking:
		return "checking"
	case TransportConnected:
		return "connected"
	case TransportCompleted:
		return "completed"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TrackKind distinguishes outgoing senders.
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// Track is an opaque media source handle. The negotiation engine only ever
// moves tracks between senders; it never touches their contents.
type Track interface {
	ID() string
	Kind() TrackKind
}

// OfferOptions tweaks offer generation.
type OfferOptions struct {
	// ICERestart requests fresh ICE credentials so connectivity checks rerun
	// on the existing session.
	ICERestart bool
}

// ErrNoSender is returned by ReplaceOutgoingTrack when the session has no
// sender of the requested kind.
var ErrNoSender = errors.New("peer: no outgoing sender of that kind")

// MediaSession is the opaque media capability a PeerLink drives. Implemented
// by PionSession for real transports and by fakes in tests.
//
// Calls are made with the owning link's lock held, so implementations never
// see concurrent calls from the engine; callbacks registered via the On*
// hooks may however fire from transport goroutines at any time.
type MediaSession interface {
	CreateOffer(opts OfferOptions) (signal.Description, error)
	CreateAnswer() (signal.Description, error)

	// SetLocalDescription applies a local description. A description with
	// Type "rollback" undoes a pending local offer.
	SetLocalDescription(desc signal.Description) error
	SetRemoteDescription(desc signal.Description) error

	AddICECandidate(cand signal.Candidate) error

	SignalingState() SignalingState
	// HasRemoteDescription reports whether a remote description has been
	// accepted; candidates arriving before that must be queued.
	HasRemoteDescription() bool

	// OutgoingTrack returns the current track of the sender of the given
	// kind. ok is false when no such sender is registered.
	OutgoingTrack(kind TrackKind) (Track, bool)
	// ReplaceOutgoingTrack swaps the sender's active track without any
	// renegotiation. Returns ErrNoSender when no sender of that kind exists.
	ReplaceOutgoingTrack(kind TrackKind, track Track) error

	// OnLocalCandidate registers the sink for locally gathered candidates.
	OnLocalCandidate(fn func(signal.Candidate))
	// OnTransportStateChange registers the ICE connectivity observer.
	OnTransportStateChange(fn func(TransportState))
	// OnNegotiationNeeded registers the local negotiation trigger (e.g. a
	// track was added).
	OnNegotiationNeeded(fn func())

	Close() error
}

// Rollback is the sentinel local description that undoes a pending offer.
func Rollback() signal.Description {
	return signal.Description{Type: "rollback"}
}
