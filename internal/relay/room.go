package relay

import (
	"sort"
	"time"

	"github.com/huddlekit/huddle/internal/signal"
)

// room holds one room's membership and retained chat state. All access runs
// under the registry lock.
type room struct {
	id           string
	members      map[string]*member
	chat         []signal.ChatMessage
	pinned       map[string]struct{}
	lastActivity time.Time
}

func newRoom(id string, now time.Time) *room {
	return &room{
		id:           id,
		members:      make(map[string]*member),
		pinned:       make(map[string]struct{}),
		lastActivity: now,
	}
}

func (rm *room) touch(now time.Time) {
	rm.lastActivity = now
}

// memberInfos returns the current membership sorted by id so snapshots are
// deterministic.
func (rm *room) memberInfos() []signal.UserInfo {
	out := make([]signal.UserInfo, 0, len(rm.members))
	for _, m := range rm.members {
		out = append(out, m.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// appendMessage appends to the bounded FIFO, evicting the oldest entry first
// when at the limit. Reports whether an eviction happened.
func (rm *room) appendMessage(msg signal.ChatMessage, limit int) bool {
	evicted := false
	if len(rm.chat) >= limit {
		delete(rm.pinned, rm.chat[0].ID)
		rm.chat = append(rm.chat[:0], rm.chat[1:]...)
		evicted = true
	}
	rm.chat = append(rm.chat, msg)
	return evicted
}

func (rm *room) historyCopy() []signal.ChatMessage {
	out := make([]signal.ChatMessage, len(rm.chat))
	copy(out, rm.chat)
	return out
}

func (rm *room) pinnedIDs() []string {
	out := make([]string, 0, len(rm.pinned))
	for id := range rm.pinned {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (rm *room) findMessage(id string) *signal.ChatMessage {
	for i := range rm.chat {
		if rm.chat[i].ID == id {
			return &rm.chat[i]
		}
	}
	return nil
}

// editMessage updates a message's text. Only the author may edit.
func (rm *room) editMessage(id, senderID, text string) bool {
	msg := rm.findMessage(id)
	if msg == nil || msg.SenderID != senderID {
		return false
	}
	msg.Text = text
	msg.IsEdited = true
	return true
}

// deleteMessage removes a message from the log. Only the author may delete.
func (rm *room) deleteMessage(id, senderID string) bool {
	for i := range rm.chat {
		if rm.chat[i].ID != id {
			continue
		}
		if rm.chat[i].SenderID != senderID {
			return false
		}
		rm.chat = append(rm.chat[:i], rm.chat[i+1:]...)
		delete(rm.pinned, id)
		return true
	}
	return false
}

// toggleReaction adds the participant to the reaction set, or removes them if
// already present.
func (rm *room) toggleReaction(id, participantID, reaction string) bool {
	msg := rm.findMessage(id)
	if msg == nil {
		return false
	}
	if msg.Reactions == nil {
		msg.Reactions = make(map[string][]string)
	}
	who := msg.Reactions[reaction]
	for i, existing := range who {
		if existing == participantID {
			who = append(who[:i], who[i+1:]...)
			if len(who) == 0 {
				delete(msg.Reactions, reaction)
			} else {
				msg.Reactions[reaction] = who
			}
			return true
		}
	}
	msg.Reactions[reaction] = append(who, participantID)
	return true
}

func (rm *room) setPinned(id string, pinned bool) bool {
	msg := rm.findMessage(id)
	if msg == nil {
		return false
	}
	msg.IsPinned = pinned
	if pinned {
		rm.pinned[id] = struct{}{}
	} else {
		delete(rm.pinned, id)
	}
	return true
}
