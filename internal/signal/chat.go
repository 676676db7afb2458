package signal

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// FileRef points at an externally uploaded attachment. The relay never stores
// file contents, only the reference.
type FileRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size,omitempty"`
}

// ChatMessage is the retained chat record. Reactions maps an emoji to the
// participant ids that added it.
type ChatMessage struct {
	ID        string              `json:"id"`
	Sender    string              `json:"sender"`
	SenderID  string              `json:"senderId"`
	Text      string              `json:"text"`
	File      *FileRef            `json:"file,omitempty"`
	Time      time.Time           `json:"time"`
	Reactions map[string][]string `json:"reactions,omitempty"`
	IsPinned  bool                `json:"isPinned"`
	IsEdited  bool                `json:"isEdited"`
}

// NewMessageID returns a collision-resistant, roughly time-ordered message id:
// unix milliseconds plus a random hex suffix.
func NewMessageID() string {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), hex.EncodeToString(buf[:]))
}
