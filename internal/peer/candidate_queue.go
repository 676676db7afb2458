package peer

import (
	"log/slog"

	"github.com/huddlekit/huddle/internal/signal"
)

// candidateQueue buffers remote ICE candidates that arrived before a remote
// description was accepted. Owned by a single PeerLink; all access runs under
// the link lock.
type candidateQueue struct {
	pending []signal.Candidate
}

func (q *candidateQueue) push(cand signal.Candidate) {
	q.pending = append(q.pending, cand)
}

func (q *candidateQueue) len() int {
	return len(q.pending)
}

// flush applies every queued candidate in arrival order and clears the queue
// after the pass. Individual apply failures are logged and skipped; WebRTC
// tolerates late or invalid candidates.
func (q *candidateQueue) flush(apply func(signal.Candidate) error, log *slog.Logger) {
	pending := q.pending
	q.pending = nil
	for _, cand := range pending {
		if err := apply(cand); err != nil {
			log.Warn("discarding queued ice candidate", "err", err)
		}
	}
}

func (q *candidateQueue) clear() {
	q.pending = nil
}
