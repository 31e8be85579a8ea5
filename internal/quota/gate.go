// Package quota provides the admission gate and request queue that sit
// between the sync engine and the quota-limited remote API.
//
// The gate tracks the remote's request quota and decides whether a call
// may proceed immediately or must wait. The queue is a bounded,
// time-boxed waiting area for calls the gate turned away; a single
// serialized drain loop executes them in strict arrival order once
// quota is available.
package quota

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

// Gate defaults. The pause threshold is a floor kept in reserve for
// interactive operations; the warning threshold is where observers get
// notified that quota is running low.
const (
	DefaultLimit            = 5000
	DefaultWarningThreshold = 100
	DefaultPauseThreshold   = 50
)

// Status is a read-only snapshot of the quota state.
type Status struct {
	// Limit is the total quota per window.
	Limit int `json:"limit"`

	// Remaining is the number of requests left in the window.
	Remaining int `json:"remaining"`

	// ResetAt is when the window replenishes.
	ResetAt time.Time `json:"reset_at"`

	// UsedSinceReset counts requests observed in the current window.
	UsedSinceReset int `json:"used_since_reset"`
}

// Warning is emitted when remaining quota drops into the warning band
// (at or below the warning threshold, still above the pause threshold).
type Warning struct {
	Remaining int
	Limit     int
	ResetAt   time.Time
}

// GateConfig configures a Gate.
type GateConfig struct {
	// Limit is the assumed quota before the first response is seen.
	Limit int

	// WarningThreshold is where warnings start. Default 100.
	WarningThreshold int

	// PauseThreshold is the floor below which admission is denied
	// until the window resets. Default 50.
	PauseThreshold int

	// Logger for gate activity. Nil logs to stderr.
	Logger *log.Logger
}

// Gate tracks remaining request quota and its reset time.
//
// Quota state has exactly one writer path: UpdateFromHeaders after each
// remote response, plus the reset-crossing replenishment inside
// TryAdmit. Both run under the gate's mutex, so two concurrent
// admission checks can never both proceed on the last unit of quota.
type Gate struct {
	warningThreshold int
	pauseThreshold   int
	logger           *log.Logger

	mu        sync.Mutex
	limit     int
	remaining int
	resetAt   time.Time
	used      int
	warned    bool

	warnings chan Warning

	// now is replaceable for tests.
	now func() time.Time
}

// NewGate creates an admission gate. The gate assumes a full window
// until the first response headers arrive.
func NewGate(cfg GateConfig) *Gate {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = DefaultWarningThreshold
	}
	if cfg.PauseThreshold <= 0 {
		cfg.PauseThreshold = DefaultPauseThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[quota] ", log.LstdFlags)
	}
	return &Gate{
		warningThreshold: cfg.WarningThreshold,
		pauseThreshold:   cfg.PauseThreshold,
		logger:           cfg.Logger,
		limit:            cfg.Limit,
		remaining:        cfg.Limit,
		warnings:         make(chan Warning, 8),
		now:              time.Now,
	}
}

// TryAdmit reports whether a caller may make a remote call right now.
// When denied, the returned duration is how long to wait before the
// window resets (zero when the reset time is unknown).
func (g *Gate) TryAdmit() (allowed bool, wait time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if !g.resetAt.IsZero() && !now.Before(g.resetAt) {
		// The window has rolled over; treat quota as replenished
		// until the next response says otherwise.
		g.remaining = g.limit
		g.used = 0
		g.resetAt = time.Time{}
		g.warned = false
	}

	if g.remaining > g.pauseThreshold {
		return true, 0
	}

	if g.resetAt.IsZero() {
		return false, 0
	}
	return false, g.resetAt.Sub(now)
}

// UpdateFromHeaders overwrites the quota state from rate-limit response
// headers. Responses missing the headers leave the state untouched.
func (g *Gate) UpdateFromHeaders(h http.Header) {
	remaining, okRemaining := headerInt(h, "X-RateLimit-Remaining")
	limit, okLimit := headerInt(h, "X-RateLimit-Limit")
	if !okRemaining {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if okLimit && limit > 0 {
		g.limit = limit
	}
	if remaining > g.limit {
		remaining = g.limit
	}
	if remaining < 0 {
		remaining = 0
	}
	g.remaining = remaining
	g.used = g.limit - g.remaining

	if reset, ok := headerInt(h, "X-RateLimit-Reset"); ok && reset > 0 {
		g.resetAt = time.Unix(int64(reset), 0)
	}

	if g.remaining <= g.warningThreshold && g.remaining > g.pauseThreshold && !g.warned {
		g.warned = true
		w := Warning{Remaining: g.remaining, Limit: g.limit, ResetAt: g.resetAt}
		select {
		case g.warnings <- w:
		default:
			// Observers are behind; the warning is advisory, drop it.
		}
		g.logger.Printf("Quota warning: %d/%d remaining (resets %s)",
			g.remaining, g.limit, g.resetAt.Format(time.RFC3339))
	}
	if g.remaining > g.warningThreshold {
		g.warned = false
	}
}

// Warnings returns the channel low-quota warnings are delivered on.
// Delivery is at-most-once per crossing into the warning band; slow
// receivers miss warnings rather than blocking the gate.
func (g *Gate) Warnings() <-chan Warning {
	return g.warnings
}

// Snapshot returns the current quota state.
func (g *Gate) Snapshot() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Status{
		Limit:          g.limit,
		Remaining:      g.remaining,
		ResetAt:        g.resetAt,
		UsedSinceReset: g.used,
	}
}

func headerInt(h http.Header, key string) (int, bool) {
	raw := h.Get(key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
