package peer

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/huddlekit/huddle/internal/signal"
)

// Channel separates the camera negotiation from the screen-share negotiation.
// The two use disjoint envelope kinds, so a screen envelope can never reach a
// camera handler.
type Channel int

const (
	ChannelCamera Channel = iota
	ChannelScreen
)

func (c Channel) String() string {
	if c == ChannelScreen {
		return "screen"
	}
	return "camera"
}

func (c Channel) offerKind() signal.Kind {
	if c == ChannelScreen {
		return signal.KindScreenOffer
	}
	return signal.KindOffer
}

func (c Channel) answerKind() signal.Kind {
	if c == ChannelScreen {
		return signal.KindScreenAnswer
	}
	return signal.KindAnswer
}

func (c Channel) candidateKind() signal.Kind {
	if c == ChannelScreen {
		return signal.KindScreenCandidate
	}
	return signal.KindCandidate
}

// ErrLinkClosed is returned by operations on a torn-down link. Completion
// callbacks from stale async work hit this instead of mutating a replacement
// link's state.
var ErrLinkClosed = errors.New("peer: link closed")

// PeerLink bundles everything owned per remote participant on one channel:
// the media session, the negotiation state machine, the candidate queue and
// the health monitor. All negotiation events for a link serialize on its
// mutex; independent links run fully in parallel.
type PeerLink struct {
	localID  string
	remoteID string
	channel  Channel
	log      *slog.Logger

	send func(signal.Envelope)

	mu      sync.Mutex
	closed  bool
	session MediaSession
	neg     *negotiator
	queue   *candidateQueue
	health  *HealthMonitor
}

type linkConfig struct {
	localID   string
	remoteID  string
	channel   Channel
	session   MediaSession
	send      func(signal.Envelope)
	log       *slog.Logger
	health    HealthConfig
	onDegrade func(remoteID string)
}

func newPeerLink(cfg linkConfig) *PeerLink {
	log := cfg.log.With("remote", cfg.remoteID, "channel", cfg.channel.String())

	l := &PeerLink{
		localID:  cfg.localID,
		remoteID: cfg.remoteID,
		channel:  cfg.channel,
		log:      log,
		send:     cfg.send,
		session:  cfg.session,
		queue:    &candidateQueue{},
	}

	polite := Polite(cfg.localID, cfg.remoteID)
	l.neg = newNegotiator(log, cfg.session, l.queue, polite,
		func(desc signal.Description, iceRestart bool) {
			l.send(signal.Envelope{
				Kind:        cfg.channel.offerKind(),
				To:          cfg.remoteID,
				Description: &desc,
				IceRestart:  iceRestart,
			})
		},
		func(desc signal.Description) {
			l.send(signal.Envelope{
				Kind:        cfg.channel.answerKind(),
				To:          cfg.remoteID,
				Description: &desc,
			})
		},
	)

	hc := cfg.health
	hc.Restart = func() { _ = l.RestartICE() }
	if cfg.onDegrade != nil {
		remote := cfg.remoteID
		degrade := cfg.onDegrade
		hc.OnDegraded = func() { degrade(remote) }
	}
	l.health = NewHealthMonitor(log, hc)

	// Transport callbacks arrive on media goroutines at any time; each one
	// re-checks the link hasn't been closed and replaced before acting.
	cfg.session.OnLocalCandidate(func(cand signal.Candidate) {
		if l.isClosed() {
			return
		}
		l.send(signal.Envelope{
			Kind:      cfg.channel.candidateKind(),
			To:        cfg.remoteID,
			Candidate: &cand,
		})
	})
	cfg.session.OnTransportStateChange(func(state TransportState) {
		if l.isClosed() {
			return
		}
		l.health.HandleTransportState(state)
	})
	cfg.session.OnNegotiationNeeded(func() {
		if err := l.TriggerNegotiation(); err != nil && !errors.Is(err, ErrLinkClosed) {
			log.Error("negotiation trigger failed", "err", err)
		}
	})

	return l
}

func (l *PeerLink) RemoteID() string { return l.remoteID }
func (l *PeerLink) Channel() Channel { return l.channel }

// Polite reports which side of the glare decision this end takes.
func (l *PeerLink) Polite() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.neg.state.IsPolite
}

// State returns a copy of the negotiation flags, for observability only.
func (l *PeerLink) State() NegotiationState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.neg.state
}

// Degraded reports whether the transport exhausted its automatic restart
// budget and needs manual repair.
func (l *PeerLink) Degraded() bool {
	return l.health.Degraded()
}

// TriggerNegotiation runs the local negotiation event (spec: track added,
// or any local change requiring an offer).
func (l *PeerLink) TriggerNegotiation() error {
	return l.triggerWith(OfferOptions{})
}

// RestartICE issues an offer with fresh ICE credentials on the existing
// session. Subject to the same re-entry guard as any other offer.
func (l *PeerLink) RestartICE() error {
	return l.triggerWith(OfferOptions{ICERestart: true})
}

func (l *PeerLink) triggerWith(opts OfferOptions) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLinkClosed
	}
	return l.neg.trigger(opts)
}

// HandleRemoteOffer feeds an incoming offer through glare resolution.
func (l *PeerLink) HandleRemoteOffer(desc signal.Description) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLinkClosed
	}
	return l.neg.handleRemoteOffer(desc)
}

func (l *PeerLink) HandleRemoteAnswer(desc signal.Description) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLinkClosed
	}
	return l.neg.handleRemoteAnswer(desc)
}

func (l *PeerLink) HandleRemoteCandidate(cand signal.Candidate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLinkClosed
	}
	l.neg.handleRemoteCandidate(cand)
	return nil
}

// Repair re-runs the ICE restart path with a fresh attempt budget. Invoked
// from the UI after the link was surfaced as degraded.
func (l *PeerLink) Repair() {
	l.health.Repair()
}

// OutgoingTrack exposes the current outgoing track of the given kind, for
// the share controller.
func (l *PeerLink) OutgoingTrack(kind TrackKind) (Track, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, false
	}
	return l.session.OutgoingTrack(kind)
}

// ReplaceOutgoingTrack swaps a sender's track without renegotiation.
func (l *PeerLink) ReplaceOutgoingTrack(kind TrackKind, track Track) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLinkClosed
	}
	return l.session.ReplaceOutgoingTrack(kind, track)
}

func (l *PeerLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close enters the terminal state: pending queue entries and negotiation
// flags are discarded and no further events are processed. Idempotent.
func (l *PeerLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.neg.close()
	session := l.session
	l.mu.Unlock()

	l.health.Close()
	return session.Close()
}
