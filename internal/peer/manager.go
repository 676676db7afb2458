package peer

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/huddlekit/huddle/internal/signal"
)

// SessionFactory creates the media capability for one link. An error means
// the capability is unavailable (e.g. no camera); the link is not created
// and the failure stays scoped to that one remote.
type SessionFactory func(remoteID string, channel Channel) (MediaSession, error)

// ManagerConfig wires a PeerLink manager.
type ManagerConfig struct {
	Logger     *slog.Logger
	NewSession SessionFactory
	// Send transmits envelopes to the relay.
	Send func(signal.Envelope)
	// OnDegraded surfaces a link that exhausted its restart budget.
	OnDegraded func(remoteID string)

	Health HealthConfig
}

// Manager owns every PeerLink of the local participant and routes inbound
// envelopes to the right one. It enforces the single-live-link invariant:
// creating a link for a remote id always closes and replaces any prior link
// for that id, so duplicate or zombie sessions cannot accumulate.
type Manager struct {
	log        *slog.Logger
	newSession SessionFactory
	send       func(signal.Envelope)
	onDegraded func(string)
	health     HealthConfig

	share *ShareController

	mu      sync.Mutex
	localID string
	links   map[linkKey]*PeerLink
}

type linkKey struct {
	remoteID string
	channel  Channel
}

func NewManager(cfg ManagerConfig) *Manager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		log:        log,
		newSession: cfg.NewSession,
		send:       cfg.Send,
		onDegraded: cfg.OnDegraded,
		health:     cfg.Health,
		links:      make(map[linkKey]*PeerLink),
	}
	m.share = NewShareController(log, m.CameraLinks)
	return m
}

// Share exposes the screen-share controller bound to this manager's links.
func (m *Manager) Share() *ShareController { return m.share }

// LocalID returns the relay-assigned id, empty before the join completed.
func (m *Manager) LocalID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localID
}

// HandleEnvelope dispatches one inbound envelope. Unroutable envelopes (for
// a departed remote, or an unknown kind) are logged and dropped; an error
// from one link never disturbs another.
func (m *Manager) HandleEnvelope(env signal.Envelope) {
	switch env.Kind {
	case signal.KindExistingUsers:
		m.handleWelcome(env)
	case signal.KindUserJoined:
		if env.User != nil {
			m.handleUserJoined(*env.User)
		}
	case signal.KindUserLeft:
		if env.User != nil {
			m.closeLinksFor(env.User.ID)
		}
	case signal.KindOffer, signal.KindScreenOffer:
		m.handleOffer(env)
	case signal.KindAnswer, signal.KindScreenAnswer:
		m.handleAnswer(env)
	case signal.KindCandidate, signal.KindScreenCandidate:
		m.handleCandidate(env)
	default:
		m.log.Debug("envelope not for the negotiation engine", "kind", env.Kind)
	}
}

// handleWelcome processes the join snapshot: learn the local id, then
// initiate a link to every participant that was already in the room. The
// remotes will do nothing until our offers arrive; politeness is computed
// independently on both ends from the same id pair.
func (m *Manager) handleWelcome(env signal.Envelope) {
	if env.User == nil {
		m.log.Warn("existing-users without own identity")
		return
	}

	m.mu.Lock()
	m.localID = env.User.ID
	m.mu.Unlock()

	for _, user := range env.Users {
		link, err := m.createLink(user.ID, ChannelCamera)
		if err != nil {
			m.log.Error("create link to existing participant", "remote", user.ID, "err", err)
			continue
		}
		if err := link.TriggerNegotiation(); err != nil {
			m.log.Error("initial negotiation", "remote", user.ID, "err", err)
		}
	}
}

// handleUserJoined creates the link for a newcomer but does not offer: the
// joiner initiates toward the snapshot it received, we answer.
func (m *Manager) handleUserJoined(user signal.UserInfo) {
	if _, err := m.createLink(user.ID, ChannelCamera); err != nil {
		m.log.Error("create link for joined participant", "remote", user.ID, "err", err)
	}
}

func (m *Manager) handleOffer(env signal.Envelope) {
	if env.Description == nil {
		m.log.Warn("offer without description", "remote", env.From)
		return
	}
	channel := channelForKind(env.Kind)
	// An offer may legitimately precede user-joined handling (or belong to a
	// screen channel we have not opened); create the link on demand.
	link, err := m.ensureLink(env.From, channel)
	if err != nil {
		m.log.Error("create link for remote offer", "remote", env.From, "err", err)
		return
	}
	if err := link.HandleRemoteOffer(*env.Description); err != nil {
		m.log.Error("handle remote offer", "remote", env.From, "channel", channel.String(), "err", err)
	}
}

func (m *Manager) handleAnswer(env signal.Envelope) {
	if env.Description == nil {
		m.log.Warn("answer without description", "remote", env.From)
		return
	}
	link, ok := m.lookup(env.From, channelForKind(env.Kind))
	if !ok {
		m.log.Warn("answer for unknown link", "remote", env.From)
		return
	}
	if err := link.HandleRemoteAnswer(*env.Description); err != nil {
		m.log.Error("handle remote answer", "remote", env.From, "err", err)
	}
}

func (m *Manager) handleCandidate(env signal.Envelope) {
	if env.Candidate == nil {
		m.log.Warn("candidate envelope without candidate", "remote", env.From)
		return
	}
	link, ok := m.lookup(env.From, channelForKind(env.Kind))
	if !ok {
		m.log.Warn("candidate for unknown link", "remote", env.From)
		return
	}
	if err := link.HandleRemoteCandidate(*env.Candidate); err != nil {
		m.log.Warn("handle remote candidate", "remote", env.From, "err", err)
	}
}

func channelForKind(kind signal.Kind) Channel {
	switch kind {
	case signal.KindScreenOffer, signal.KindScreenAnswer, signal.KindScreenCandidate:
		return ChannelScreen
	}
	return ChannelCamera
}

// OpenScreenLink starts a dedicated screen negotiation channel to a remote.
// Most screen sharing goes through the ShareController's track replacement
// instead; a dedicated channel is for sending screen and camera at once.
func (m *Manager) OpenScreenLink(remoteID string) (*PeerLink, error) {
	link, err := m.createLink(remoteID, ChannelScreen)
	if err != nil {
		return nil, err
	}
	if err := link.TriggerNegotiation(); err != nil {
		return nil, err
	}
	return link, nil
}

// Link returns the live link for a remote on the camera channel.
func (m *Manager) Link(remoteID string) (*PeerLink, bool) {
	return m.lookup(remoteID, ChannelCamera)
}

func (m *Manager) lookup(remoteID string, channel Channel) (*PeerLink, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[linkKey{remoteID, channel}]
	return link, ok
}

// CameraLinks snapshots the open camera links, sorted by remote id.
func (m *Manager) CameraLinks() []*PeerLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*PeerLink, 0, len(m.links))
	for key, link := range m.links {
		if key.channel == ChannelCamera {
			out = append(out, link)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID() < out[j].RemoteID() })
	return out
}

func (m *Manager) ensureLink(remoteID string, channel Channel) (*PeerLink, error) {
	if link, ok := m.lookup(remoteID, channel); ok {
		return link, nil
	}
	return m.createLink(remoteID, channel)
}

// createLink builds a fresh link, closing and replacing any prior link for
// the same remote and channel.
func (m *Manager) createLink(remoteID string, channel Channel) (*PeerLink, error) {
	m.mu.Lock()
	localID := m.localID
	m.mu.Unlock()
	if localID == "" {
		return nil, fmt.Errorf("peer: local id not yet assigned")
	}
	if remoteID == localID {
		return nil, fmt.Errorf("peer: refusing link to self")
	}

	// Single-live-link invariant: the predecessor is detached and closed
	// before the replacement even begins to come up, so nothing it emits
	// during re-creation can reach the relay.
	key := linkKey{remoteID, channel}
	m.mu.Lock()
	prior := m.links[key]
	delete(m.links, key)
	m.mu.Unlock()
	if prior != nil {
		_ = prior.Close()
	}

	session, err := m.newSession(remoteID, channel)
	if err != nil {
		return nil, fmt.Errorf("media capability unavailable: %w", err)
	}

	link := newPeerLink(linkConfig{
		localID:   localID,
		remoteID:  remoteID,
		channel:   channel,
		session:   session,
		send:      m.send,
		log:       m.log,
		health:    m.health,
		onDegrade: m.onDegraded,
	})

	m.mu.Lock()
	m.links[key] = link
	m.mu.Unlock()

	if channel == ChannelCamera {
		m.share.OnLinkOpened(link)
	}
	return link, nil
}

func (m *Manager) closeLinksFor(remoteID string) {
	m.mu.Lock()
	var closing []*PeerLink
	for key, link := range m.links {
		if key.remoteID == remoteID {
			closing = append(closing, link)
			delete(m.links, key)
		}
	}
	m.mu.Unlock()

	for _, link := range closing {
		_ = link.Close()
	}
	m.share.OnLinkClosed(remoteID)
}

// Close tears down every link.
func (m *Manager) Close() {
	m.mu.Lock()
	links := make([]*PeerLink, 0, len(m.links))
	for _, link := range m.links {
		links = append(links, link)
	}
	m.links = make(map[linkKey]*PeerLink)
	m.mu.Unlock()

	for _, link := range links {
		_ = link.Close()
	}
}
