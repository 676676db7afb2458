package relay

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/huddlekit/huddle/internal/metrics"
	"github.com/huddlekit/huddle/internal/signal"
)

// ErrInvalidParameters is returned by Join when the room id or display name
// is empty after normalization. No state is mutated in that case.
var ErrInvalidParameters = errors.New("relay: invalid parameters")

const (
	// DefaultHistoryLimit bounds the per-room chat log.
	DefaultHistoryLimit = 200
	// DefaultInactivityThreshold is how long an empty room may linger before
	// the sweep removes it.
	DefaultInactivityThreshold = 1 * time.Hour
)

// Sender delivers envelopes to a single connection. Send must not block: the
// registry calls it while holding its lock. The WebSocket transport satisfies
// this with a buffered outbound queue.
type Sender interface {
	Send(env signal.Envelope)
}

// RegistryConfig wires the registry's runtime dependencies. Zero values fall
// back to defaults.
type RegistryConfig struct {
	Logger              *slog.Logger
	Metrics             *metrics.Metrics
	HistoryLimit        int
	InactivityThreshold time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Registry is the single authoritative owner of rooms and participants. All
// mutating operations serialize on one mutex, so join/leave/relay/sweep are
// linearizable per room.
type Registry struct {
	log                 *slog.Logger
	metrics             *metrics.Metrics
	historyLimit        int
	inactivityThreshold time.Duration
	now                 func() time.Time

	mu      sync.Mutex
	rooms   map[string]*room
	members map[string]*member // connection id -> member
}

type member struct {
	id     string
	name   string
	room   *room
	sender Sender
}

func (m *member) info() signal.UserInfo {
	return signal.UserInfo{ID: m.id, Name: m.name}
}

func NewRegistry(cfg RegistryConfig) *Registry {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	inactivity := cfg.InactivityThreshold
	if inactivity <= 0 {
		inactivity = DefaultInactivityThreshold
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		log:                 log,
		metrics:             cfg.Metrics,
		historyLimit:        historyLimit,
		inactivityThreshold: inactivity,
		now:                 now,
		rooms:               make(map[string]*room),
		members:             make(map[string]*member),
	}
}

// NormalizeRoomID normalizes a room id for lookup: trimmed and case-folded,
// so "abc " and "ABC" name the same room.
func NormalizeRoomID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// JoinResult is what the joiner needs to start forming peer links: the
// membership snapshot taken before user-joined was broadcast, plus the
// retained chat state.
type JoinResult struct {
	RoomID   string
	Existing []signal.UserInfo
	History  []signal.ChatMessage
	Pinned   []string
}

// Join registers connID in the named room. If the connection is already a
// member of a different room it is atomically moved: removed from the old
// room (with a user-left broadcast and empty-room deletion) before being
// added to the new one. A connection is never a member of two rooms.
func (r *Registry) Join(connID, roomID, displayName string, sender Sender) (JoinResult, error) {
	normalized := NormalizeRoomID(roomID)
	name := strings.TrimSpace(displayName)
	if normalized == "" || name == "" {
		return JoinResult{}, ErrInvalidParameters
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// A connection is a member of at most one room: leave the old room first.
	// This also handles re-joining the same room as a fresh join.
	if existing, ok := r.members[connID]; ok {
		r.removeLocked(existing)
	}

	rm, ok := r.rooms[normalized]
	if !ok {
		rm = newRoom(normalized, r.now())
		r.rooms[normalized] = rm
		r.log.Info("room created", "room", normalized)
	}

	m := &member{id: connID, name: name, room: rm, sender: sender}

	// Snapshot before the membership mutation and broadcast: the joiner's view
	// and the user-joined event must agree on who was present first.
	snapshot := rm.memberInfos()
	history := rm.historyCopy()
	pinned := rm.pinnedIDs()

	rm.members[connID] = m
	r.members[connID] = m
	rm.touch(r.now())
	r.metrics.Inc(metrics.Joins)

	// Deliver the snapshot to the joiner while still holding the lock, so no
	// later membership event can be queued ahead of it on this connection.
	// existing-users doubles as the joiner's welcome: User carries the
	// relay-assigned identity the joiner needs for politeness ordering.
	sender.Send(signal.Envelope{Kind: signal.KindExistingUsers, User: ptr(m.info()), Users: snapshot})
	sender.Send(signal.Envelope{Kind: signal.KindChatHistory, Messages: history})
	sender.Send(signal.Envelope{Kind: signal.KindPinnedMessages, Pinned: pinned})

	joined := signal.Envelope{Kind: signal.KindUserJoined, User: ptr(m.info())}
	for _, other := range rm.members {
		if other.id == connID {
			continue
		}
		other.sender.Send(joined)
	}

	r.log.Info("participant joined", "room", normalized, "participant", connID, "name", name)

	return JoinResult{
		RoomID:   normalized,
		Existing: snapshot,
		History:  history,
		Pinned:   pinned,
	}, nil
}

// Leave removes the connection from its room, broadcasting user-left and
// deleting the room if it became empty. Unknown connections are a no-op:
// disconnect and explicit leave can race.
func (r *Registry) Leave(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[connID]
	if !ok {
		return
	}
	r.removeLocked(m)
	r.metrics.Inc(metrics.Leaves)
}

func (r *Registry) removeLocked(m *member) {
	rm := m.room
	delete(rm.members, m.id)
	delete(r.members, m.id)
	rm.touch(r.now())

	left := signal.Envelope{Kind: signal.KindUserLeft, User: ptr(m.info())}
	for _, other := range rm.members {
		other.sender.Send(left)
	}

	r.log.Info("participant left", "room", rm.id, "participant", m.id)

	if len(rm.members) == 0 {
		delete(r.rooms, rm.id)
		r.log.Info("room deleted", "room", rm.id)
	}
}

// Relay forwards a directed envelope to the recipient named in To, stamping
// From with the sender's id. A missing recipient is logged and counted, never
// surfaced: the sender's negotiation times out or retries on its own.
func (r *Registry) Relay(fromID string, env signal.Envelope) {
	if !env.Directed() {
		r.metrics.Inc(metrics.InvalidEnvelopes)
		r.log.Warn("dropping non-directed envelope in relay path", "kind", env.Kind, "from", fromID)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sender, ok := r.members[fromID]
	if !ok {
		r.metrics.Inc(metrics.RoutingFailures)
		r.log.Warn("relay from unknown connection", "kind", env.Kind, "from", fromID)
		return
	}
	recipient, ok := sender.room.members[env.To]
	if !ok {
		r.metrics.Inc(metrics.RoutingFailures)
		r.log.Warn("relay recipient not in room", "kind", env.Kind, "from", fromID, "to", env.To, "room", sender.room.id)
		return
	}

	env.From = fromID
	sender.room.touch(r.now())
	recipient.sender.Send(env)
	r.metrics.Inc(metrics.EnvelopesRelayed)
}

// Broadcast handles the room-scoped kinds (chat and presence). Chat kinds
// mutate the retained log before being fanned out.
func (r *Registry) Broadcast(fromID string, env signal.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[fromID]
	if !ok {
		r.metrics.Inc(metrics.RoutingFailures)
		return
	}
	rm := m.room
	env.From = fromID
	rm.touch(r.now())

	switch env.Kind {
	case signal.KindChatMessage:
		msg := *env.Chat
		if msg.ID == "" {
			msg.ID = signal.NewMessageID()
		}
		if msg.Time.IsZero() {
			msg.Time = r.now()
		}
		msg.Sender = m.name
		msg.SenderID = m.id
		if evicted := rm.appendMessage(msg, r.historyLimit); evicted {
			r.metrics.Inc(metrics.ChatMessagesEvicted)
		}
		env.Chat = &msg
	case signal.KindChatEdit:
		if !rm.editMessage(env.MessageID, m.id, env.Text) {
			return
		}
	case signal.KindChatDelete:
		if !rm.deleteMessage(env.MessageID, m.id) {
			return
		}
	case signal.KindChatReact:
		if !rm.toggleReaction(env.MessageID, m.id, env.Reaction) {
			return
		}
	case signal.KindChatPin:
		if !rm.setPinned(env.MessageID, *env.Pin) {
			return
		}
	case signal.KindToggleVideo, signal.KindToggleAudio:
		// Presence only; nothing retained.
	default:
		r.metrics.Inc(metrics.InvalidEnvelopes)
		r.log.Warn("dropping envelope with non-broadcast kind", "kind", env.Kind, "from", fromID)
		return
	}

	for _, other := range rm.members {
		if env.Kind == signal.KindToggleVideo || env.Kind == signal.KindToggleAudio {
			// The sender already knows its own state.
			if other.id == fromID {
				continue
			}
		}
		other.sender.Send(env)
	}
	r.metrics.Inc(metrics.EnvelopesBroadcast)
}

// Sweep removes rooms that are empty and inactive past the threshold. The
// common case (immediate delete when the last participant leaves) makes this
// a safety net against rooms abandoned without a clean leave. Returns the
// number of rooms removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for id, rm := range r.rooms {
		if len(rm.members) > 0 {
			continue
		}
		if now.Sub(rm.lastActivity) < r.inactivityThreshold {
			continue
		}
		delete(r.rooms, id)
		removed++
		r.metrics.Inc(metrics.RoomsSwept)
		r.log.Info("room swept", "room", id, "idle", now.Sub(rm.lastActivity).String())
	}
	return removed
}

// RunSweeper sweeps at the given interval until stop is closed.
func (r *Registry) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-stop:
			return
		}
	}
}

// Stats reports current registry occupancy.
type Stats struct {
	Rooms        int `json:"rooms"`
	Participants int `json:"participants"`
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Rooms: len(r.rooms), Participants: len(r.members)}
}

func ptr[T any](v T) *T { return &v }
