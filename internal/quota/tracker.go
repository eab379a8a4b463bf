package quota

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/ommthree/cryptoclaude/internal/provider"
)

// VerdictState is the admission decision for one provider.
type VerdictState int

const (
	Allowed VerdictState = iota
	Wait
	DeniedDaily
	DeniedMonthly
)

func (v VerdictState) String() string {
	switch v {
	case Allowed:
		return "allowed"
	case Wait:
		return "wait"
	case DeniedDaily:
		return "denied_daily"
	case DeniedMonthly:
		return "denied_monthly"
	default:
		return "unknown"
	}
}

// Verdict is the result of MayRequest. WaitFor is meaningful only when
// State == Wait.
type Verdict struct {
	State   VerdictState
	WaitFor time.Duration
}

// Stats summarizes one provider's budget utilization.
type Stats struct {
	Provider         string    `json:"provider"`
	DailyUsed        int       `json:"daily_used"`
	DailyRemaining   int       `json:"daily_remaining"`
	MonthlyUsed      int       `json:"monthly_used"`
	MonthlyRemaining int       `json:"monthly_remaining"`
	UtilizationPct   float64   `json:"utilization_pct"`
	NextReset        time.Time `json:"next_reset"`
}

// Snapshot is the persisted form of one provider's counters, used for crash
// recovery across restarts.
type Snapshot struct {
	Provider      string    `db:"provider" json:"provider"`
	DailyUsed     int       `db:"daily_used" json:"daily_used"`
	MonthlyUsed   int       `db:"monthly_used" json:"monthly_used"`
	DayResetAt    time.Time `db:"day_reset_at" json:"day_reset_at"`
	MonthResetAt  time.Time `db:"month_reset_at" json:"month_reset_at"`
	LastRequestAt time.Time `db:"last_request_at" json:"last_request_at"`
}

const (
	ringCapMin = 64
	ringCapMax = 10000
)

type providerState struct {
	desc          provider.Descriptor
	dailyUsed     int
	monthlyUsed   int
	dayResetAt    time.Time
	monthResetAt  time.Time
	lastRequestAt time.Time
	recent        *timestampRing
	burst         *rate.Limiter
}

// Tracker owns the per-provider quota state. Counters are mutated only by
// Record, which the governor calls under its per-provider lock; MayRequest
// and Stats are pure reads.
type Tracker struct {
	mu     sync.RWMutex
	states map[string]*providerState
	now    func() time.Time
}

// NewTracker builds quota state for every provider in the registry.
func NewTracker(registry *provider.Registry) *Tracker {
	t := &Tracker{
		states: make(map[string]*providerState),
		now:    time.Now,
	}
	start := time.Now()
	for _, id := range registry.IDs() {
		desc, _ := registry.Get(id)

		rps := desc.MaxRequestsPerSecond
		if rps <= 0 && desc.MinInterval > 0 {
			rps = float64(time.Second) / float64(desc.MinInterval)
		}
		var burst *rate.Limiter
		if rps > 0 {
			burst = rate.NewLimiter(rate.Limit(rps), 1)
		}

		ringCap := desc.DailyCap
		if ringCap < ringCapMin {
			ringCap = ringCapMin
		}
		if ringCap > ringCapMax {
			ringCap = ringCapMax
		}

		t.states[id] = &providerState{
			desc:         desc,
			dayResetAt:   start.Add(24 * time.Hour),
			monthResetAt: start.Add(30 * 24 * time.Hour),
			recent:       newTimestampRing(ringCap),
			burst:        burst,
		}
	}
	return t
}

// Record accounts one dispatched request: appends the timestamp to the
// recent ring, bumps both counters and advances last_request_at. Rollovers
// shift the reset anchor by exactly 24h (30d) from the previous reset, never
// from now, so reset drift stays bounded.
func (t *Tracker) Record(providerID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.states[providerID]
	if !ok {
		return fmt.Errorf("quota: unknown provider %q", providerID)
	}

	now := t.now()
	t.rolloverLocked(s, now)

	s.recent.push(now)
	s.dailyUsed++
	s.monthlyUsed++
	s.lastRequestAt = now
	if s.burst != nil {
		// Spend the token; admission already happened in MayRequest.
		s.burst.ReserveN(now, 1)
	}

	if s.dailyUsed == s.desc.DailyCap {
		log.Warn().Str("provider", providerID).
			Int("daily_cap", s.desc.DailyCap).
			Time("resets", s.dayResetAt).
			Msg("Daily quota exhausted")
	}
	return nil
}

// MayRequest is a pure read answering whether a call to the provider may be
// dispatched now. Cap exhaustion wins over interval and RPS gating.
func (t *Tracker) MayRequest(providerID string) Verdict {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.states[providerID]
	if !ok {
		return Verdict{State: DeniedDaily}
	}

	now := t.now()
	dailyUsed, monthlyUsed := s.dailyUsed, s.monthlyUsed
	// A pending rollover counts as a reset for admission purposes even
	// though only Record mutates the stored counters.
	if !now.Before(s.dayResetAt) {
		dailyUsed = 0
	}
	if !now.Before(s.monthResetAt) {
		monthlyUsed = 0
	}

	if monthlyUsed >= s.desc.MonthlyCap {
		return Verdict{State: DeniedMonthly}
	}
	if dailyUsed >= s.desc.DailyCap {
		return Verdict{State: DeniedDaily}
	}

	if s.desc.MinInterval > 0 && !s.lastRequestAt.IsZero() {
		elapsed := now.Sub(s.lastRequestAt)
		if elapsed < s.desc.MinInterval {
			return Verdict{State: Wait, WaitFor: s.desc.MinInterval - elapsed}
		}
	}

	// RPS gate. The reservation is cancelled immediately so the check
	// consumes nothing; Record spends the token on dispatch.
	if s.burst != nil {
		r := s.burst.ReserveN(now, 1)
		delay := r.DelayFrom(now)
		r.CancelAt(now)
		if delay > 0 {
			return Verdict{State: Wait, WaitFor: delay}
		}
	}
	return Verdict{State: Allowed}
}

// Stats reports utilization for one provider.
func (t *Tracker) Stats(providerID string) (Stats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.states[providerID]
	if !ok {
		return Stats{}, false
	}
	return Stats{
		Provider:         providerID,
		DailyUsed:        s.dailyUsed,
		DailyRemaining:   max(0, s.desc.DailyCap-s.dailyUsed),
		MonthlyUsed:      s.monthlyUsed,
		MonthlyRemaining: max(0, s.desc.MonthlyCap-s.monthlyUsed),
		UtilizationPct:   100 * float64(s.dailyUsed) / float64(s.desc.DailyCap),
		NextReset:        s.dayResetAt,
	}, true
}

// StatsAll returns utilization keyed by provider id.
func (t *Tracker) StatsAll() map[string]Stats {
	t.mu.RLock()
	ids := make([]string, 0, len(t.states))
	for id := range t.states {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	out := make(map[string]Stats, len(ids))
	for _, id := range ids {
		if st, ok := t.Stats(id); ok {
			out[id] = st
		}
	}
	return out
}

// Utilization returns daily utilization in [0,1] for emergency-mode checks.
func (t *Tracker) Utilization(providerID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.states[providerID]
	if !ok {
		return 0
	}
	return float64(s.dailyUsed) / float64(s.desc.DailyCap)
}

// Snapshots exports counters for persistence.
func (t *Tracker) Snapshots() []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Snapshot, 0, len(t.states))
	for id, s := range t.states {
		out = append(out, Snapshot{
			Provider:      id,
			DailyUsed:     s.dailyUsed,
			MonthlyUsed:   s.monthlyUsed,
			DayResetAt:    s.dayResetAt,
			MonthResetAt:  s.monthResetAt,
			LastRequestAt: s.lastRequestAt,
		})
	}
	return out
}

// Restore reloads persisted counters after a restart. Snapshots whose reset
// anchors are already in the past are rolled forward before use.
func (t *Tracker) Restore(snaps []Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for _, snap := range snaps {
		s, ok := t.states[snap.Provider]
		if !ok {
			continue
		}
		s.dailyUsed = snap.DailyUsed
		s.monthlyUsed = snap.MonthlyUsed
		s.dayResetAt = snap.DayResetAt
		s.monthResetAt = snap.MonthResetAt
		s.lastRequestAt = snap.LastRequestAt
		t.rolloverLocked(s, now)
	}
	log.Info().Int("providers", len(snaps)).Msg("Quota snapshots restored")
}

func (t *Tracker) rolloverLocked(s *providerState, now time.Time) {
	for !now.Before(s.dayResetAt) {
		s.dailyUsed = 0
		s.dayResetAt = s.dayResetAt.Add(24 * time.Hour)
	}
	for !now.Before(s.monthResetAt) {
		s.monthlyUsed = 0
		s.monthResetAt = s.monthResetAt.Add(30 * 24 * time.Hour)
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
