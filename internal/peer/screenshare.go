package peer

import (
	"errors"
	"log/slog"
	"sync"
)

// ShareController redirects the outgoing video track of every open camera
// link to a capture source and back, purely at the sender level: activation
// and deactivation never produce an offer, answer or candidate.
type ShareController struct {
	log *slog.Logger

	// links snapshots the currently open camera links.
	links func() []*PeerLink

	mu        sync.Mutex
	active    Track
	stop      func()
	originals map[string]Track // remote id -> camera track to restore
}

func NewShareController(log *slog.Logger, links func() []*PeerLink) *ShareController {
	if log == nil {
		log = slog.Default()
	}
	return &ShareController{
		log:       log,
		links:     links,
		originals: make(map[string]Track),
	}
}

// Active reports whether a share is in progress.
func (s *ShareController) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Activate swaps every link's outgoing video sender to the capture track.
// stop is invoked when the share ends (Deactivate), releasing the capture
// source. Repeated activation with a new track re-swaps but keeps the first
// recorded original per link, so deactivation restores the camera and not an
// earlier capture track.
func (s *ShareController) Activate(track Track, stop func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil && s.stop != nil {
		// Replacing the source of an in-progress share: release the old one.
		old := s.stop
		defer old()
	}
	s.active = track
	s.stop = stop

	for _, link := range s.links() {
		s.swapLocked(link, track)
	}
}

// OnLinkOpened joins a link created mid-share to the active capture. Its
// original below is whatever the sender holds at this moment, normally the
// camera track it was constructed with.
func (s *ShareController) OnLinkOpened(link *PeerLink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return
	}
	s.swapLocked(link, s.active)
}

// OnLinkClosed drops the recorded original for a link that went away
// mid-share. Nothing to restore; the sender is already gone.
func (s *ShareController) OnLinkClosed(remoteID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.originals, remoteID)
}

// Deactivate restores each link's recorded original track and stops the
// capture source. Safe to call when no share is active.
func (s *ShareController) Deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return
	}
	s.active = nil

	for _, link := range s.links() {
		original, ok := s.originals[link.RemoteID()]
		if !ok {
			continue
		}
		if err := link.ReplaceOutgoingTrack(TrackKindVideo, original); err != nil {
			// The link may have closed mid-share; restoring is best effort.
			if !errors.Is(err, ErrLinkClosed) && !errors.Is(err, ErrNoSender) {
				s.log.Warn("restore camera track", "remote", link.RemoteID(), "err", err)
			}
		}
	}
	s.originals = make(map[string]Track)

	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
}

// swapLocked records the link's current track (first recording wins) and
// replaces it with the capture track. Links without a video sender are
// skipped.
func (s *ShareController) swapLocked(link *PeerLink, track Track) {
	current, ok := link.OutgoingTrack(TrackKindVideo)
	if !ok {
		return
	}
	if _, recorded := s.originals[link.RemoteID()]; !recorded {
		s.originals[link.RemoteID()] = current
	}
	if err := link.ReplaceOutgoingTrack(TrackKindVideo, track); err != nil {
		if !errors.Is(err, ErrLinkClosed) && !errors.Is(err, ErrNoSender) {
			s.log.Warn("swap to capture track", "remote", link.RemoteID(), "err", err)
		}
	}
}
