package peer

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultFailedDebounce is how long a failed transport must stay failed
	// before a restart is attempted. Browsers flap through disconnected (and
	// occasionally failed) under network jitter; acting immediately would
	// race a self-healing transition.
	DefaultFailedDebounce = 1 * time.Second
	// DefaultRestartBudget is the number of automatic ICE restarts per link
	// before the link is surfaced as degraded.
	DefaultRestartBudget = 1
)

// HealthConfig wires a link's transport observer.
type HealthConfig struct {
	FailedDebounce time.Duration
	RestartBudget  int

	// Restart re-offers with an ICE restart; set by the owning link.
	Restart func()
	// OnDegraded is invoked once the budget is exhausted and the transport is
	// still failed; the UI surfaces it for manual repair.
	OnDegraded func()

	// afterFunc overrides timer creation in tests.
	afterFunc func(d time.Duration, fn func()) *time.Timer
}

// HealthMonitor watches one link's ICE connectivity and drives bounded
// automatic recovery: disconnected is transient (no action), failed gets a
// debounced restart up to the budget, then the link is flagged degraded
// until manually repaired. A connected transition resets everything.
type HealthMonitor struct {
	log      *slog.Logger
	debounce time.Duration
	budget   int

	restart    func()
	onDegraded func()
	afterFunc  func(d time.Duration, fn func()) *time.Timer

	mu       sync.Mutex
	closed   bool
	state    TransportState
	attempts int
	degraded bool
	pending  *time.Timer
}

func NewHealthMonitor(log *slog.Logger, cfg HealthConfig) *HealthMonitor {
	debounce := cfg.FailedDebounce
	if debounce <= 0 {
		debounce = DefaultFailedDebounce
	}
	budget := cfg.RestartBudget
	if budget <= 0 {
		budget = DefaultRestartBudget
	}
	afterFunc := cfg.afterFunc
	if afterFunc == nil {
		afterFunc = time.AfterFunc
	}
	return &HealthMonitor{
		log:        log,
		debounce:   debounce,
		budget:     budget,
		restart:    cfg.Restart,
		onDegraded: cfg.OnDegraded,
		afterFunc:  afterFunc,
		state:      TransportNew,
	}
}

// HandleTransportState feeds an ICE connectivity transition.
func (h *HealthMonitor) HandleTransportState(state TransportState) {
	h.mu.Lock()
	h.state = state

	switch state {
	case TransportConnected, TransportCompleted:
		h.attempts = 0
		h.degraded = false
		h.mu.Unlock()
	case TransportDisconnected:
		// Transient under jitter; do nothing.
		h.mu.Unlock()
	case TransportFailed:
		if h.closed || h.degraded || h.pending != nil {
			h.mu.Unlock()
			return
		}
		h.pending = h.afterFunc(h.debounce, h.debouncedRestart)
		h.mu.Unlock()
	default:
		h.mu.Unlock()
	}
}

// debouncedRestart fires after the debounce window; the transport may have
// recovered (or the link been replaced) in the meantime, so everything is
// re-checked before acting.
func (h *HealthMonitor) debouncedRestart() {
	h.mu.Lock()
	h.pending = nil
	if h.closed || h.state != TransportFailed {
		h.mu.Unlock()
		return
	}
	if h.attempts >= h.budget {
		h.degraded = true
		onDegraded := h.onDegraded
		h.mu.Unlock()
		h.log.Warn("transport degraded, manual repair required")
		if onDegraded != nil {
			onDegraded()
		}
		return
	}
	h.attempts++
	restart := h.restart
	h.mu.Unlock()

	h.log.Info("attempting ice restart")
	if restart != nil {
		restart()
	}
}

// Repair resets the attempt budget and re-invokes the restart path. Called
// on user action after the link was surfaced as degraded.
func (h *HealthMonitor) Repair() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.attempts = 0
	h.degraded = false
	restart := h.restart
	h.mu.Unlock()

	if restart != nil {
		restart()
	}
}

func (h *HealthMonitor) Degraded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degraded
}

func (h *HealthMonitor) Close() {
	h.mu.Lock()
	h.closed = true
	if h.pending != nil {
		h.pending.Stop()
		h.pending = nil
	}
	h.mu.Unlock()
}
