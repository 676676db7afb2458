package peer

import (
	"fmt"
	"log/slog"

	"github.com/huddlekit/huddle/internal/signal"
)

// NegotiationState holds the perfect-negotiation flags for one link. It is
// owned exclusively by the link's negotiator and mutated only by the event
// handlers below; nothing else may touch it.
type NegotiationState struct {
	MakingOffer   bool
	IgnoreOffer   bool
	IsPolite      bool
	AnswerPending bool
}

// Polite decides which end of a link yields on glare. Both ends evaluate it
// independently from the same pair of ids, so the result must be asymmetric
// and deterministic: the lexicographically lesser id is impolite, the other
// polite. (A symmetric assignment breaks glare resolution entirely: if both
// sides are polite both roll back, if both are impolite both ignore.)
func Polite(localID, remoteID string) bool {
	return localID > remoteID
}

// negotiator implements the perfect-negotiation state machine for one link.
// All methods are called with the owning link's lock held, so events for one
// link never interleave; different links are fully independent.
type negotiator struct {
	log     *slog.Logger
	session MediaSession
	queue   *candidateQueue
	state   NegotiationState

	// sendOffer and sendAnswer transmit the directed envelopes for this
	// link's channel namespace.
	sendOffer  func(desc signal.Description, iceRestart bool)
	sendAnswer func(desc signal.Description)
}

func newNegotiator(log *slog.Logger, session MediaSession, queue *candidateQueue, polite bool,
	sendOffer func(signal.Description, bool), sendAnswer func(signal.Description)) *negotiator {
	return &negotiator{
		log:        log,
		session:    session,
		queue:      queue,
		state:      NegotiationState{IsPolite: polite},
		sendOffer:  sendOffer,
		sendAnswer: sendAnswer,
	}
}

// trigger runs the local negotiation event: something changed locally (track
// added, ICE restart wanted) and the session needs a new offer or, if a
// remote offer is already pending, an answer.
//
// Re-entry while an offer is being produced is ignored, not queued.
func (n *negotiator) trigger(opts OfferOptions) error {
	if n.state.MakingOffer {
		return nil
	}
	n.state.MakingOffer = true
	defer func() { n.state.MakingOffer = false }()

	switch st := n.session.SignalingState(); st {
	case SignalingStable:
		offer, err := n.session.CreateOffer(opts)
		if err != nil {
			return fmt.Errorf("create offer: %w", err)
		}
		if err := n.session.SetLocalDescription(offer); err != nil {
			return fmt.Errorf("set local offer: %w", err)
		}
		n.state.AnswerPending = true
		n.sendOffer(offer, opts.ICERestart)
	case SignalingHaveRemoteOffer:
		// A remote offer arrived first and still wants a local answer.
		return n.answer()
	default:
		n.log.Debug("negotiation trigger ignored", "signaling_state", st.String())
	}
	return nil
}

// handleRemoteOffer resolves the glare decision for an incoming offer.
func (n *negotiator) handleRemoteOffer(desc signal.Description) error {
	collision := n.state.MakingOffer || n.session.SignalingState() != SignalingStable

	n.state.IgnoreOffer = !n.state.IsPolite && collision
	if n.state.IgnoreOffer {
		// The impolite end proceeds with its own offer; the remote side rolls
		// back and answers it. No reply, no error.
		n.log.Debug("ignoring colliding remote offer")
		return nil
	}

	if collision {
		// Polite end yields: undo the pending local offer and accept the
		// remote one. The two applications are back to back under the link
		// lock so no other event can observe the half-applied state.
		if err := n.session.SetLocalDescription(Rollback()); err != nil {
			return fmt.Errorf("rollback local offer: %w", err)
		}
	}
	if err := n.session.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	n.state.AnswerPending = false
	n.flushCandidates()
	return n.answer()
}

// handleRemoteAnswer accepts an answer to a previously sent offer. Answers
// arriving in any other state are stale (e.g. from before a rollback) and are
// dropped without error.
func (n *negotiator) handleRemoteAnswer(desc signal.Description) error {
	switch n.session.SignalingState() {
	case SignalingHaveLocalOffer, SignalingHaveRemoteOffer:
	default:
		n.log.Debug("dropping answer in signaling state", "signaling_state", n.session.SignalingState().String())
		return nil
	}
	if err := n.session.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	n.state.AnswerPending = false
	n.flushCandidates()
	return nil
}

// handleRemoteCandidate applies a candidate immediately once a remote
// description exists, and queues it otherwise.
func (n *negotiator) handleRemoteCandidate(cand signal.Candidate) {
	if !n.session.HasRemoteDescription() {
		n.queue.push(cand)
		return
	}
	if err := n.session.AddICECandidate(cand); err != nil {
		if n.state.IgnoreOffer {
			// Candidates belonging to an offer we ignored are expected to
			// fail; the link heals once the glare resolves.
			return
		}
		n.log.Warn("apply remote candidate", "err", err)
	}
}

func (n *negotiator) answer() error {
	answer, err := n.session.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := n.session.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	n.sendAnswer(answer)
	return nil
}

func (n *negotiator) flushCandidates() {
	n.queue.flush(n.session.AddICECandidate, n.log)
}

// close discards all pending negotiation state. The link owns the terminal
// transition; after close no further events reach this negotiator.
func (n *negotiator) close() {
	n.queue.clear()
	n.state = NegotiationState{IsPolite: n.state.IsPolite}
}
