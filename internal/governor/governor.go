package governor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/ommthree/cryptoclaude/internal/cache"
	"github.com/ommthree/cryptoclaude/internal/degrade"
	"github.com/ommthree/cryptoclaude/internal/metrics"
	"github.com/ommthree/cryptoclaude/internal/provider"
	"github.com/ommthree/cryptoclaude/internal/quality"
	"github.com/ommthree/cryptoclaude/internal/quota"
	"github.com/ommthree/cryptoclaude/internal/request"
)

// Config tunes governor retry and shutdown behavior.
type Config struct {
	MaxRetries               int
	RetryDelayBase           time.Duration
	BackoffMultiplier        float64
	CallTimeout              time.Duration
	ShutdownGrace            time.Duration
	EmergencyCriticalSymbols []string
}

// DefaultConfig returns the governor defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		RetryDelayBase:    500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		CallTimeout:       30 * time.Second,
		ShutdownGrace:     10 * time.Second,
	}
}

// pendingRequest is the governor's view of one submitted request as it
// moves through its degradation plan.
type pendingRequest struct {
	id          uint64
	seq         uint64
	req         *request.Request
	handle      *request.Handle
	plan        degrade.Plan
	stepIdx     int
	attempts    int
	scheduledAt time.Time
	cancelled   atomic.Bool
	inFlight    atomic.Bool
	belowFloor  bool
	done        sync.Once

	mu    sync.Mutex
	state request.State
}

func (p *pendingRequest) setState(s request.State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *pendingRequest) getState() request.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Governor is the single coordination point for all outbound provider
// traffic: one single-flight worker per provider, one shared worker for
// non-network fallback steps, admission control against the quota tracker,
// and the emergency-mode switch.
type Governor struct {
	cfg      Config
	registry *provider.Registry
	adapters map[string]provider.Adapter
	tracker  *quota.Tracker
	store    *cache.Store
	policies *cache.PolicyEngine
	planner  *degrade.Planner
	metrics  *metrics.Metrics
	breakers map[string]*gobreaker.CircuitBreaker

	queues    map[string]*requestQueue
	fallbackQ *requestQueue

	mu       sync.Mutex
	pending  map[uint64]*pendingRequest
	doneIDs  []uint64
	critical map[string]bool

	nextID    atomic.Uint64
	nextSeq   atomic.Uint64
	emergency atomic.Bool
	closed    atomic.Bool
	quiesce   chan struct{}
	wg        sync.WaitGroup
}

// doneRetention bounds how many terminal requests keep their state queryable.
const doneRetention = 4096

// New wires a governor over the given stores and starts its workers.
func New(cfg Config, registry *provider.Registry, adapters map[string]provider.Adapter,
	tracker *quota.Tracker, store *cache.Store, policies *cache.PolicyEngine,
	planner *degrade.Planner, m *metrics.Metrics) *Governor {

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = 500 * time.Millisecond
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 2.0
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if m == nil {
		m = metrics.New()
	}

	g := &Governor{
		cfg:      cfg,
		registry: registry,
		adapters: adapters,
		tracker:  tracker,
		store:    store,
		policies: policies,
		planner:  planner,
		metrics:  m,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		queues:   make(map[string]*requestQueue),
		pending:  make(map[uint64]*pendingRequest),
		critical: make(map[string]bool),
		quiesce:  make(chan struct{}),
	}
	g.fallbackQ = newRequestQueue()

	for _, symbol := range cfg.EmergencyCriticalSymbols {
		g.critical[symbol] = true
	}

	for _, id := range registry.IDs() {
		pid := id
		g.queues[pid] = newRequestQueue()
		g.breakers[pid] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        pid,
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("provider", name).
					Str("from", from.String()).Str("to", to.String()).
					Msg("Provider circuit breaker state change")
			},
		})

		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.providerWorker(pid)
		}()
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.fallbackWorker()
	}()

	return g
}

// Submit assigns an id, runs the cache fast path inline, applies
// emergency-mode admission, and enqueues the remaining plan. The returned
// handle receives exactly one terminal result.
func (g *Governor) Submit(req *request.Request) (*request.Handle, error) {
	if g.closed.Load() {
		return nil, request.NewError(request.KindCancelled, "governor is shut down")
	}

	id := g.nextID.Add(1)
	pr := &pendingRequest{
		id:          id,
		seq:         g.nextSeq.Add(1),
		req:         req,
		handle:      request.NewHandle(id),
		scheduledAt: time.Now(),
		state:       request.StateNew,
	}
	pr.plan = g.planner.Build(req, g.emergency.Load(), g.tracker.MayRequest)

	g.mu.Lock()
	g.pending[id] = pr
	g.mu.Unlock()

	// Cache fast path: never suspends the submitter beyond a bounded read.
	if len(pr.plan.Steps) > 0 && pr.plan.Steps[0].Kind == degrade.StepCache {
		pr.setState(request.StateCacheLookup)
		if g.tryCacheStep(pr, pr.plan.Steps[0]) {
			return pr.handle, nil
		}
		pr.stepIdx = 1
	}

	if g.emergency.Load() && !g.shouldServeInEmergency(req) {
		g.finish(pr, request.Result{Err: request.NewError(request.KindEmergencyDenied,
			"priority %s below emergency admission for %s", req.Priority, req.Symbol)})
		return pr.handle, nil
	}

	if pr.stepIdx >= len(pr.plan.Steps) {
		g.finish(pr, request.Result{Err: request.NewError(request.KindQuotaExhausted,
			"no viable degradation step for %s/%s", req.DataType, req.Symbol)})
		return pr.handle, nil
	}

	g.enqueue(pr)
	return pr.handle, nil
}

// Cancel is best-effort: a queued request fails with CANCELLED; one already
// in flight runs to completion with its delivery suppressed.
func (g *Governor) Cancel(id uint64) bool {
	g.mu.Lock()
	pr, ok := g.pending[id]
	g.mu.Unlock()
	if !ok {
		return false
	}

	state := pr.getState()
	if state == request.StateDone || state == request.StateFailed {
		return false
	}

	pr.cancelled.Store(true)
	if !pr.inFlight.Load() {
		g.finish(pr, request.Result{Err: request.NewError(request.KindCancelled,
			"cancelled by submitter")})
	}
	return true
}

// Status returns the lifecycle state for a request id.
func (g *Governor) Status(id uint64) (request.State, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pr, ok := g.pending[id]
	if !ok {
		return request.StateNew, false
	}
	return pr.getState(), true
}

// EmergencyActive reports whether emergency mode is on.
func (g *Governor) EmergencyActive() bool {
	return g.emergency.Load()
}

// EnterEmergency forces emergency mode on.
func (g *Governor) EnterEmergency() {
	if !g.emergency.Swap(true) {
		g.metrics.EmergencyMode.Set(1)
		log.Warn().Msg("Emergency mode entered")
	}
}

// ExitEmergency forces emergency mode off.
func (g *Governor) ExitEmergency() {
	if g.emergency.Swap(false) {
		g.metrics.EmergencyMode.Set(0)
		log.Info().Msg("Emergency mode exited")
	}
}

// QueueDepth returns the number of requests waiting across all queues.
func (g *Governor) QueueDepth() int {
	n := g.fallbackQ.len()
	for _, q := range g.queues {
		n += q.len()
	}
	return n
}

// Close refuses new submissions, lets workers finish in-flight calls up to
// the grace period, then cancels whatever is still queued.
func (g *Governor) Close() error {
	if g.closed.Swap(true) {
		return nil
	}
	close(g.quiesce)

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(g.cfg.ShutdownGrace):
		log.Warn().Dur("grace", g.cfg.ShutdownGrace).Msg("Governor shutdown grace expired")
	}

	// Whatever never reached a terminal state is cancelled.
	g.mu.Lock()
	remaining := make([]*pendingRequest, 0)
	for _, pr := range g.pending {
		st := pr.getState()
		if st != request.StateDone && st != request.StateFailed {
			remaining = append(remaining, pr)
		}
	}
	g.mu.Unlock()

	for _, pr := range remaining {
		g.finish(pr, request.Result{Err: request.NewError(request.KindCancelled,
			"governor shut down")})
	}
	log.Info().Int("cancelled", len(remaining)).Msg("Governor stopped")
	return nil
}

func (g *Governor) shouldServeInEmergency(req *request.Request) bool {
	return req.Priority <= request.PriorityHigh || g.critical[req.Symbol]
}

// refreshEmergency recomputes the emergency switch: entered when two or
// more providers are denied on daily budget, exited once fewer are denied
// and at least one provider sits below 80% daily utilization.
func (g *Governor) refreshEmergency() {
	deniedDaily := 0
	minUtilization := 1.0
	for _, id := range g.registry.IDs() {
		v := g.tracker.MayRequest(id)
		if v.State == quota.DeniedDaily {
			deniedDaily++
		}
		if u := g.tracker.Utilization(id); u < minUtilization {
			minUtilization = u
		}
		g.metrics.QuotaUtilization.WithLabelValues(id).Set(g.tracker.Utilization(id))
	}

	if deniedDaily >= 2 {
		g.EnterEmergency()
	} else if g.emergency.Load() && minUtilization < 0.8 {
		g.ExitEmergency()
	}
}

// enqueue routes the request to the queue owning its current step.
func (g *Governor) enqueue(pr *pendingRequest) {
	step := pr.plan.Steps[pr.stepIdx]
	switch step.Kind {
	case degrade.StepPrimary, degrade.StepAltProvider:
		q, ok := g.queues[step.Provider]
		if !ok {
			g.advance(pr)
			return
		}
		pr.setState(request.StateQueued)
		pr.scheduledAt = time.Now()
		q.push(pr)
	default:
		pr.setState(request.StateFallback)
		pr.scheduledAt = time.Now()
		g.fallbackQ.push(pr)
	}
	g.metrics.QueueDepth.Set(float64(g.QueueDepth()))
}

// advance moves the request past its current step; exhausting the plan is a
// terminal failure.
func (g *Governor) advance(pr *pendingRequest) {
	pr.stepIdx++
	pr.attempts = 0
	if pr.stepIdx >= len(pr.plan.Steps) {
		kind := request.KindQuotaExhausted
		detail := "all degradation steps exhausted"
		if pr.belowFloor {
			kind = request.KindQualityBelowFloor
			detail = "every step produced results below the quality floor"
		}
		g.finish(pr, request.Result{Err: request.NewError(kind, "%s for %s/%s",
			detail, pr.req.DataType, pr.req.Symbol)})
		return
	}
	g.enqueue(pr)
}

// finish delivers the terminal result exactly once. A cancelled in-flight
// request has its payload suppressed and resolves as CANCELLED.
func (g *Governor) finish(pr *pendingRequest, res request.Result) {
	pr.done.Do(func() {
		if pr.cancelled.Load() && res.Err == nil {
			res = request.Result{Err: request.NewError(request.KindCancelled,
				"cancelled by submitter")}
		}
		if res.Err != nil {
			pr.setState(request.StateFailed)
			g.metrics.RequestsTotal.WithLabelValues(request.KindOf(res.Err).String()).Inc()
		} else {
			pr.setState(request.StateDone)
			g.metrics.RequestsTotal.WithLabelValues(res.Source.String()).Inc()
		}
		pr.handle.Deliver(res)
		g.retireLocked(pr.id)
	})
}

func (g *Governor) retireLocked(id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.doneIDs = append(g.doneIDs, id)
	for len(g.doneIDs) > doneRetention {
		delete(g.pending, g.doneIDs[0])
		g.doneIDs = g.doneIDs[1:]
	}
}

// deadlineExceeded fails the request with TIMEOUT if its deadline passed.
func (g *Governor) deadlineExceeded(pr *pendingRequest) bool {
	if pr.req.Deadline.IsZero() || time.Now().Before(pr.req.Deadline) {
		return false
	}
	g.finish(pr, request.Result{Err: request.NewError(request.KindTimeout,
		"deadline exceeded for %s/%s", pr.req.DataType, pr.req.Symbol)})
	return true
}

// tryCacheStep executes the inline cache lookup. Returns true when the hit
// met the step's quality floor and was delivered.
func (g *Governor) tryCacheStep(pr *pendingRequest, step degrade.Step) bool {
	chain := g.planner.ChainFor(pr.req)
	key := cache.Key(pr.req.DataType, chain.Primary, pr.req.Symbol, pr.req.Params)

	entry, ok := g.store.Get(context.Background(), key)
	if !ok {
		g.metrics.CacheMisses.WithLabelValues(pr.req.DataType).Inc()
		return false
	}

	policy := g.policies.PolicyFor(pr.req.DataType)
	age := time.Since(entry.CachedAt)
	ttl := policy.DefaultTTL
	if entry.IsPermanent {
		ttl = 0
	}
	q := quality.Score(quality.SourceCache, age, ttl, -1)
	if !q.Meets(step.MinQuality) {
		pr.belowFloor = true
		g.metrics.FallbackSteps.WithLabelValues(step.Kind.String(), "below_floor").Inc()
		return false
	}

	g.metrics.CacheHits.WithLabelValues(pr.req.DataType).Inc()
	g.metrics.FallbackSteps.WithLabelValues(step.Kind.String(), "hit").Inc()
	go g.store.UpdateAccess(context.Background(), key)

	g.finish(pr, request.Result{
		Payload: entry.Blob,
		Quality: q,
		Source:  quality.SourceCache,
	})
	return true
}
