package metrics

import "sync"

// Counter names incremented by the relay.
const (
	Joins               = "joins"
	Leaves              = "leaves"
	EnvelopesRelayed    = "envelopes_relayed"
	EnvelopesBroadcast  = "envelopes_broadcast"
	RoutingFailures     = "routing_failures"
	RateLimitedDrops    = "rate_limited"
	RoomsSwept          = "rooms_swept"
	ChatMessagesEvicted = "chat_messages_evicted"
	InvalidEnvelopes    = "invalid_envelopes"
)

// Metrics is a minimal, concurrency-safe counter registry. It keeps the
// routing and lifecycle paths observable without pulling in a full metrics
// backend; the /stats endpoint and PrometheusHandler expose snapshots.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc increments a counter. A nil receiver is a no-op so callers don't have
// to guard every increment.
func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
