package governor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ommthree/cryptoclaude/internal/cache"
	"github.com/ommthree/cryptoclaude/internal/degrade"
	"github.com/ommthree/cryptoclaude/internal/provider"
	"github.com/ommthree/cryptoclaude/internal/quality"
	"github.com/ommthree/cryptoclaude/internal/quota"
	"github.com/ommthree/cryptoclaude/internal/request"
)

// providerWorker owns one provider's queue. Single-flight: the worker
// processes one request at a time, so at most one call per provider is ever
// outstanding.
func (g *Governor) providerWorker(providerID string) {
	q := g.queues[providerID]
	for {
		pr := q.pop()
		if pr == nil {
			select {
			case <-q.wake:
				continue
			case <-g.quiesce:
				return
			}
		}
		g.metrics.QueueDepth.Set(float64(g.QueueDepth()))
		g.processNetworkStep(providerID, pr)
	}
}

// processNetworkStep drives one request through its current network step:
// admission against the quota tracker, the provider call with retries, and
// plan advancement on denial or exhausted retries.
func (g *Governor) processNetworkStep(providerID string, pr *pendingRequest) {
	for {
		if pr.cancelled.Load() {
			g.finish(pr, request.Result{Err: request.NewError(request.KindCancelled,
				"cancelled by submitter")})
			return
		}
		if g.deadlineExceeded(pr) {
			return
		}

		verdict := g.tracker.MayRequest(providerID)
		switch verdict.State {
		case quota.Wait:
			pr.setState(request.StateReady)
			if !g.sleep(verdict.WaitFor, pr) {
				return
			}
			continue

		case quota.DeniedDaily, quota.DeniedMonthly:
			g.refreshEmergency()
			g.metrics.FallbackSteps.WithLabelValues(
				pr.plan.Steps[pr.stepIdx].Kind.String(), "denied").Inc()
			g.advance(pr)
			return

		case quota.Allowed:
		}

		done, retry := g.executeCall(providerID, pr)
		if done {
			return
		}
		if !retry {
			g.advance(pr)
			return
		}

		// Exponential backoff before the next attempt.
		delay := time.Duration(float64(g.cfg.RetryDelayBase) *
			math.Pow(g.cfg.BackoffMultiplier, float64(pr.attempts-1)))
		if !g.sleep(delay, pr) {
			return
		}
	}
}

// executeCall performs one provider call attempt. Returns (done, retry):
// done when the request reached a terminal state, retry when another
// attempt at this step is allowed.
func (g *Governor) executeCall(providerID string, pr *pendingRequest) (bool, bool) {
	adapter, ok := g.adapters[providerID]
	if !ok {
		log.Error().Str("provider", providerID).Msg("No adapter registered")
		g.advance(pr)
		return true, false
	}

	pr.setState(request.StateInFlight)
	pr.inFlight.Store(true)
	defer pr.inFlight.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), g.callTimeout(pr))
	defer cancel()

	start := time.Now()
	raw, err := g.breakers[providerID].Execute(func() (interface{}, error) {
		resp, callErr := adapter.Call(ctx, pr.req.Endpoint, pr.req.Params)
		if callErr != nil {
			return nil, callErr
		}
		if resp.Status < 200 || resp.Status >= 300 {
			return nil, &request.Error{
				Kind:   request.KindProviderFailure,
				Detail: fmt.Sprintf("%s returned HTTP %d", providerID, resp.Status),
				Status: resp.Status,
			}
		}
		return resp, nil
	})
	g.metrics.ProviderLatency.WithLabelValues(providerID).Observe(time.Since(start).Seconds())

	if err != nil {
		g.metrics.ProviderCalls.WithLabelValues(providerID, "error").Inc()
		pr.attempts++
		log.Warn().Str("provider", providerID).Err(err).
			Int("attempt", pr.attempts).Uint64("request", pr.id).
			Msg("Provider call failed")
		if pr.attempts > g.cfg.MaxRetries {
			return false, false
		}
		return false, true
	}

	resp := raw.(*provider.Response)
	g.metrics.ProviderCalls.WithLabelValues(providerID, "ok").Inc()

	if err := g.tracker.Record(providerID); err != nil {
		log.Error().Err(err).Msg("Quota record failed")
	}
	g.refreshEmergency()

	step := pr.plan.Steps[pr.stepIdx]
	source := quality.SourceFreshAPI
	if step.Kind == degrade.StepAltProvider {
		source = quality.SourceAltProvider
	}
	q := quality.Score(source, 0, 0, -1)
	if !q.Meets(step.MinQuality) {
		pr.belowFloor = true
		g.metrics.FallbackSteps.WithLabelValues(step.Kind.String(), "below_floor").Inc()
		g.advance(pr)
		return true, false
	}

	g.cacheResponse(providerID, pr, resp.Body)
	g.metrics.FallbackSteps.WithLabelValues(step.Kind.String(), "ok").Inc()
	g.finish(pr, request.Result{Payload: resp.Body, Quality: q, Source: source})
	return true, false
}

// cacheResponse writes a successful provider payload through the policy
// engine. A rejection is logged, never surfaced: caching is best effort.
func (g *Governor) cacheResponse(providerID string, pr *pendingRequest, body []byte) {
	chain := g.planner.ChainFor(pr.req)
	entry := cache.Entry{
		Key:      cache.Key(pr.req.DataType, chain.Primary, pr.req.Symbol, pr.req.Params),
		Blob:     body,
		DataType: pr.req.DataType,
		Provider: providerID,
		Symbol:   pr.req.Symbol,
	}
	if err := g.store.Put(context.Background(), entry); err != nil {
		log.Debug().Err(err).Str("key", entry.Key).Msg("Cache write rejected")
	}
}

func (g *Governor) callTimeout(pr *pendingRequest) time.Duration {
	timeout := g.cfg.CallTimeout
	if !pr.req.Deadline.IsZero() {
		if until := time.Until(pr.req.Deadline); until < timeout {
			timeout = until
		}
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	return timeout
}

// sleep pauses up to d, returning false when the request reached a terminal
// state (shutdown or deadline) during the pause.
func (g *Governor) sleep(d time.Duration, pr *pendingRequest) bool {
	if !pr.req.Deadline.IsZero() {
		if until := time.Until(pr.req.Deadline); until < d {
			d = until
		}
	}
	if d < 0 {
		d = 0
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return !g.deadlineExceeded(pr)
	case <-g.quiesce:
		g.finish(pr, request.Result{Err: request.NewError(request.KindCancelled,
			"governor shut down")})
		return false
	}
}

// fallbackWorker executes the non-network steps: interpolation and static
// projection. One shared worker is enough; neither step performs I/O beyond
// bounded cache reads.
func (g *Governor) fallbackWorker() {
	for {
		pr := g.fallbackQ.pop()
		if pr == nil {
			select {
			case <-g.fallbackQ.wake:
				continue
			case <-g.quiesce:
				return
			}
		}
		g.metrics.QueueDepth.Set(float64(g.QueueDepth()))

		if pr.cancelled.Load() {
			g.finish(pr, request.Result{Err: request.NewError(request.KindCancelled,
				"cancelled by submitter")})
			continue
		}
		if g.deadlineExceeded(pr) {
			continue
		}

		step := pr.plan.Steps[pr.stepIdx]
		switch step.Kind {
		case degrade.StepInterpolate:
			g.runInterpolation(pr, step)
		case degrade.StepStatic:
			g.runStatic(pr, step)
		default:
			g.advance(pr)
		}
	}
}

func (g *Governor) runInterpolation(pr *pendingRequest, step degrade.Step) {
	since := time.Now().Add(-24 * time.Hour)
	entries, err := g.store.RecentEntries(context.Background(),
		pr.req.DataType, pr.req.Symbol, since, 50)
	if err != nil {
		g.metrics.FallbackSteps.WithLabelValues(step.Kind.String(), "error").Inc()
		g.advance(pr)
		return
	}

	neighbors := make([]degrade.Neighbor, 0, len(entries))
	for _, e := range entries {
		if v, ok := extractValue(e.Blob); ok {
			neighbors = append(neighbors, degrade.Neighbor{Timestamp: e.CachedAt, Value: v})
		}
	}

	now := time.Now()
	value, err := degrade.Interpolate(neighbors, now)
	if err != nil {
		g.metrics.FallbackSteps.WithLabelValues(step.Kind.String(), "unavailable").Inc()
		g.advance(pr)
		return
	}

	q := quality.Score(quality.SourceInterpolated, 0, 0, -1)
	if !q.Meets(step.MinQuality) {
		pr.belowFloor = true
		g.metrics.FallbackSteps.WithLabelValues(step.Kind.String(), "below_floor").Inc()
		g.advance(pr)
		return
	}

	g.metrics.FallbackSteps.WithLabelValues(step.Kind.String(), "ok").Inc()
	g.finish(pr, request.Result{
		Payload: degrade.InterpolatedPayload(pr.req.Symbol, value, now),
		Quality: q,
		Source:  quality.SourceInterpolated,
	})
}

func (g *Governor) runStatic(pr *pendingRequest, step degrade.Step) {
	entry, ok := g.store.LastEntry(context.Background(), pr.req.DataType, pr.req.Symbol)
	if !ok {
		g.metrics.FallbackSteps.WithLabelValues(step.Kind.String(), "unavailable").Inc()
		g.advance(pr)
		return
	}

	q := quality.Score(quality.SourceStatic, 0, 0, -1)
	if !q.Meets(step.MinQuality) {
		pr.belowFloor = true
		g.metrics.FallbackSteps.WithLabelValues(step.Kind.String(), "below_floor").Inc()
		g.advance(pr)
		return
	}

	payload := entry.Blob
	if v, okv := extractValue(entry.Blob); okv {
		payload = degrade.StaticPayload(pr.req.Symbol, v, entry.CachedAt)
	}

	g.metrics.FallbackSteps.WithLabelValues(step.Kind.String(), "ok").Inc()
	g.finish(pr, request.Result{Payload: payload, Quality: q, Source: quality.SourceStatic})
}

// extractValue pulls a scalar out of an opaque cached payload. Adapters
// normalize to {"value": x} or {"points": [...]}; raw provider payloads
// commonly carry "p" or "price".
func extractValue(blob []byte) (float64, bool) {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(blob, &flat); err != nil {
		return 0, false
	}
	for _, field := range []string{"value", "p", "price", "close"} {
		if raw, ok := flat[field]; ok {
			var v float64
			if json.Unmarshal(raw, &v) == nil {
				return v, true
			}
		}
	}
	if raw, ok := flat["points"]; ok {
		var points []provider.Point
		if json.Unmarshal(raw, &points) == nil && len(points) > 0 {
			last := points[len(points)-1]
			if last.Value != 0 {
				return last.Value, true
			}
			return last.Close, last.Close != 0
		}
	}
	return 0, false
}
