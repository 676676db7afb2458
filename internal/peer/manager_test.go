package peer

import (
	"errors"
	"sync"
	"testing"

	"github.com/huddlekit/huddle/internal/signal"
)

type managerFixture struct {
	mgr *Manager
	rec *sendRecorder

	mu       sync.Mutex
	sessions map[linkKey][]*fakeSession
	failFor  map[string]error
}

func newManagerFixture() *managerFixture {
	f := &managerFixture{
		rec:      &sendRecorder{},
		sessions: make(map[linkKey][]*fakeSession),
		failFor:  make(map[string]error),
	}
	f.mgr = NewManager(ManagerConfig{
		Logger: testLogger(),
		NewSession: func(remoteID string, channel Channel) (MediaSession, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			if err := f.failFor[remoteID]; err != nil {
				return nil, err
			}
			session := newFakeSession()
			session.senders[TrackKindVideo] = &fakeTrack{id: "camera-" + remoteID, kind: TrackKindVideo}
			key := linkKey{remoteID, channel}
			f.sessions[key] = append(f.sessions[key], session)
			return session, nil
		},
		Send: f.rec.send,
	})
	return f
}

func (f *managerFixture) session(remoteID string, channel Channel) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	sessions := f.sessions[linkKey{remoteID, channel}]
	if len(sessions) == 0 {
		return nil
	}
	return sessions[len(sessions)-1]
}

func welcome(selfID string, others ...string) signal.Envelope {
	env := signal.Envelope{
		Kind: signal.KindExistingUsers,
		User: &signal.UserInfo{ID: selfID},
	}
	for _, id := range others {
		env.Users = append(env.Users, signal.UserInfo{ID: id})
	}
	return env
}

func TestManagerWelcomeInitiatesToExistingUsers(t *testing.T) {
	f := newManagerFixture()

	f.mgr.HandleEnvelope(welcome("self", "a", "b"))
	if got := f.mgr.LocalID(); got != "self" {
		t.Fatalf("local id = %q, want self", got)
	}

	offers := f.rec.byKind(signal.KindOffer)
	if len(offers) != 2 {
		t.Fatalf("got %d offers, want one per existing user", len(offers))
	}
	targets := map[string]bool{}
	for _, env := range offers {
		targets[env.To] = true
	}
	if !targets["a"] || !targets["b"] {
		t.Errorf("offer targets %v, want a and b", targets)
	}
	if len(f.mgr.CameraLinks()) != 2 {
		t.Errorf("got %d camera links, want 2", len(f.mgr.CameraLinks()))
	}
}

func TestManagerJoinerWaitsForOffer(t *testing.T) {
	f := newManagerFixture()
	f.mgr.HandleEnvelope(welcome("self"))

	f.mgr.HandleEnvelope(signal.Envelope{
		Kind: signal.KindUserJoined,
		User: &signal.UserInfo{ID: "newbie"},
	})

	if _, ok := f.mgr.Link("newbie"); !ok {
		t.Fatal("no link for joined participant")
	}
	if got := f.rec.byKind(signal.KindOffer); len(got) != 0 {
		t.Errorf("offered toward the joiner; the joiner initiates: %+v", got)
	}

	// The joiner's offer now flows in and gets answered.
	f.mgr.HandleEnvelope(signal.Envelope{
		Kind:        signal.KindOffer,
		From:        "newbie",
		Description: &signal.Description{Type: "offer", SDP: "o"},
	})
	answers := f.rec.byKind(signal.KindAnswer)
	if len(answers) != 1 || answers[0].To != "newbie" {
		t.Errorf("expected one answer to newbie, got %+v", answers)
	}
}

func TestManagerOfferCreatesLinkOnDemand(t *testing.T) {
	f := newManagerFixture()
	f.mgr.HandleEnvelope(welcome("self"))

	// The offer raced ahead of user-joined handling.
	f.mgr.HandleEnvelope(signal.Envelope{
		Kind:        signal.KindOffer,
		From:        "early",
		Description: &signal.Description{Type: "offer", SDP: "o"},
	})
	if _, ok := f.mgr.Link("early"); !ok {
		t.Fatal("offer did not create the link")
	}
	if got := f.rec.byKind(signal.KindAnswer); len(got) != 1 {
		t.Errorf("got %d answers, want 1", len(got))
	}
}

func TestManagerUserLeftTearsDownAllChannels(t *testing.T) {
	f := newManagerFixture()
	f.mgr.HandleEnvelope(welcome("self", "a"))
	if _, err := f.mgr.OpenScreenLink("a"); err != nil {
		t.Fatalf("open screen link: %v", err)
	}

	f.mgr.HandleEnvelope(signal.Envelope{
		Kind: signal.KindUserLeft,
		User: &signal.UserInfo{ID: "a"},
	})

	if _, ok := f.mgr.Link("a"); ok {
		t.Error("camera link survived user-left")
	}
	if !f.session("a", ChannelCamera).closed || !f.session("a", ChannelScreen).closed {
		t.Error("sessions not closed on user-left")
	}
}

func TestManagerReplacementClosesPredecessor(t *testing.T) {
	f := newManagerFixture()
	f.mgr.HandleEnvelope(welcome("self"))

	f.mgr.HandleEnvelope(signal.Envelope{Kind: signal.KindUserJoined, User: &signal.UserInfo{ID: "a"}})
	first, _ := f.mgr.Link("a")

	// The same participant reconnects before its departure was observed.
	f.mgr.HandleEnvelope(signal.Envelope{Kind: signal.KindUserJoined, User: &signal.UserInfo{ID: "a"}})
	second, _ := f.mgr.Link("a")

	if first == second {
		t.Fatal("link not replaced")
	}
	if err := first.TriggerNegotiation(); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("predecessor still live: %v", err)
	}
	if err := second.TriggerNegotiation(); err != nil {
		t.Errorf("replacement unusable: %v", err)
	}
	if got := len(f.mgr.CameraLinks()); got != 1 {
		t.Errorf("got %d camera links, want exactly 1 per remote", got)
	}
}

func TestManagerReplacementSilencesPredecessor(t *testing.T) {
	rec := &sendRecorder{}
	var first *fakeSession
	creations := 0
	mgr := NewManager(ManagerConfig{
		Logger: testLogger(),
		NewSession: func(remoteID string, channel Channel) (MediaSession, error) {
			creations++
			session := newFakeSession()
			if creations == 2 {
				// The previous connection's transport surfaces a candidate
				// while its successor is still coming up. The old link must
				// already be closed, so nothing may reach the relay.
				first.onCandidate(cand("left-over"))
			}
			if first == nil {
				first = session
			}
			return session, nil
		},
		Send: rec.send,
	})

	mgr.HandleEnvelope(welcome("self"))
	mgr.HandleEnvelope(signal.Envelope{Kind: signal.KindUserJoined, User: &signal.UserInfo{ID: "a"}})
	before := len(rec.byKind(signal.KindCandidate))

	// The same participant reconnects; its old transport is still chattering.
	mgr.HandleEnvelope(signal.Envelope{Kind: signal.KindUserJoined, User: &signal.UserInfo{ID: "a"}})

	if got := len(rec.byKind(signal.KindCandidate)); got != before {
		t.Fatalf("predecessor emitted %d candidate envelope(s) during re-creation", got-before)
	}
	if _, ok := mgr.Link("a"); !ok {
		t.Fatal("replacement link missing")
	}
}

func TestManagerSessionFailureIsolated(t *testing.T) {
	f := newManagerFixture()
	f.failFor["broken"] = errors.New("no camera")

	f.mgr.HandleEnvelope(welcome("self", "broken", "ok"))

	if _, ok := f.mgr.Link("broken"); ok {
		t.Error("link created despite capability failure")
	}
	if _, ok := f.mgr.Link("ok"); !ok {
		t.Error("healthy link not created")
	}
}

func TestManagerScreenChannelIndependent(t *testing.T) {
	f := newManagerFixture()
	f.mgr.HandleEnvelope(welcome("self", "a"))

	if _, err := f.mgr.OpenScreenLink("a"); err != nil {
		t.Fatalf("open screen link: %v", err)
	}
	if got := f.rec.byKind(signal.KindScreenOffer); len(got) != 1 || got[0].To != "a" {
		t.Fatalf("expected one screen offer to a, got %+v", got)
	}

	// Screen answers must never reach the camera negotiation.
	camera := f.session("a", ChannelCamera)
	f.mgr.HandleEnvelope(signal.Envelope{
		Kind:        signal.KindScreenAnswer,
		From:        "a",
		Description: &signal.Description{Type: "answer", SDP: "s"},
	})
	for _, desc := range camera.remotes {
		if desc.SDP == "s" {
			t.Error("screen answer applied to the camera session")
		}
	}
	screen := f.session("a", ChannelScreen)
	if len(screen.remotes) != 1 || screen.remotes[0].SDP != "s" {
		t.Errorf("screen answer not applied to the screen session: %+v", screen.remotes)
	}
}

func TestManagerIgnoresEventsBeforeWelcome(t *testing.T) {
	f := newManagerFixture()

	// No local id yet: nothing can be negotiated.
	f.mgr.HandleEnvelope(signal.Envelope{
		Kind:        signal.KindOffer,
		From:        "a",
		Description: &signal.Description{Type: "offer", SDP: "o"},
	})
	if _, ok := f.mgr.Link("a"); ok {
		t.Error("link created before the local id was known")
	}
}

func TestManagerCloseTearsDownEverything(t *testing.T) {
	f := newManagerFixture()
	f.mgr.HandleEnvelope(welcome("self", "a", "b"))

	f.mgr.Close()
	if got := len(f.mgr.CameraLinks()); got != 0 {
		t.Errorf("%d links after close", got)
	}
	for _, remote := range []string{"a", "b"} {
		if session := f.session(remote, ChannelCamera); !session.closed {
			t.Errorf("session for %s not closed", remote)
		}
	}
}
