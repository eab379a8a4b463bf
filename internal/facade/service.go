package facade

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ommthree/cryptoclaude/internal/cache"
	"github.com/ommthree/cryptoclaude/internal/governor"
	"github.com/ommthree/cryptoclaude/internal/histload"
	"github.com/ommthree/cryptoclaude/internal/quota"
	"github.com/ommthree/cryptoclaude/internal/request"
)

// maintenanceInterval paces expired-entry cleanup and quota snapshots.
const maintenanceInterval = 5 * time.Minute

// Service is the concrete API implementation wiring the store, tracker,
// governor and loader together.
type Service struct {
	store    *cache.Store
	tracker  *quota.Tracker
	governor *governor.Governor
	loader   *histload.Loader

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewService assembles the public API over prebuilt components.
func NewService(store *cache.Store, tracker *quota.Tracker, gov *governor.Governor, loader *histload.Loader) *Service {
	return &Service{
		store:    store,
		tracker:  tracker,
		governor: gov,
		loader:   loader,
		stopCh:   make(chan struct{}),
	}
}

// Start restores persisted quota counters and begins background
// maintenance: expired-entry cleanup on a coarse timer plus periodic quota
// snapshots for crash recovery.
func (s *Service) Start(ctx context.Context) error {
	if snaps, err := s.store.LoadQuotaSnapshots(ctx); err != nil {
		log.Warn().Err(err).Msg("Quota snapshot restore failed")
	} else if len(snaps) > 0 {
		s.tracker.Restore(snaps)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.maintenanceLoop()
	}()

	log.Info().Msg("Market data service started")
	return nil
}

func (s *Service) maintenanceLoop() {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if n, err := s.store.CleanupExpired(ctx); err != nil {
				log.Warn().Err(err).Msg("Cache cleanup failed")
			} else if n > 0 {
				log.Debug().Int64("removed", n).Msg("Cache cleanup removed expired entries")
			}
			if err := s.store.SaveQuotaSnapshots(ctx, s.tracker.Snapshots()); err != nil {
				log.Warn().Err(err).Msg("Quota snapshot persist failed")
			}
			cancel()
		case <-s.stopCh:
			return
		}
	}
}

// Close drains the governor, persists a final quota snapshot and closes the
// store.
func (s *Service) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	err := s.governor.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := s.store.SaveQuotaSnapshots(ctx, s.tracker.Snapshots()); serr != nil {
		log.Warn().Err(serr).Msg("Final quota snapshot failed")
	}
	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	log.Info().Msg("Market data service stopped")
	return err
}

// Fetch composes Submit and wait, bounded by the request deadline and the
// caller's context.
func (s *Service) Fetch(ctx context.Context, req *request.Request) request.Result {
	handle, err := s.governor.Submit(req)
	if err != nil {
		return request.Result{Err: err}
	}

	var deadlineCh <-chan time.Time
	if !req.Deadline.IsZero() {
		timer := time.NewTimer(time.Until(req.Deadline))
		defer timer.Stop()
		deadlineCh = timer.C
	}

	select {
	case res := <-handle.Done():
		return res
	case <-deadlineCh:
		s.governor.Cancel(handle.ID)
		return request.Result{Err: request.NewError(request.KindTimeout,
			"deadline exceeded waiting for %s/%s", req.DataType, req.Symbol)}
	case <-ctx.Done():
		s.governor.Cancel(handle.ID)
		return request.Result{Err: request.WrapError(request.KindCancelled, ctx.Err(),
			"context cancelled")}
	}
}

// Submit hands the request to the governor and returns its handle.
func (s *Service) Submit(req *request.Request) (*request.Handle, error) {
	return s.governor.Submit(req)
}

// Cancel is best-effort cancellation by request id.
func (s *Service) Cancel(id uint64) bool {
	return s.governor.Cancel(id)
}

// Status reports the lifecycle state for a request id.
func (s *Service) Status(id uint64) (request.State, bool) {
	return s.governor.Status(id)
}

// FetchBatch submits every request up front and collects results in input
// order, so cache fast paths coalesce while network steps queue behind the
// per-provider workers.
func (s *Service) FetchBatch(ctx context.Context, reqs []*request.Request) []request.Result {
	handles := make([]*request.Handle, len(reqs))
	results := make([]request.Result, len(reqs))

	for i, req := range reqs {
		h, err := s.governor.Submit(req)
		if err != nil {
			results[i] = request.Result{Err: err}
			continue
		}
		handles[i] = h
	}

	for i, h := range handles {
		if h == nil {
			continue
		}
		select {
		case res := <-h.Done():
			results[i] = res
		case <-ctx.Done():
			s.governor.Cancel(h.ID)
			results[i] = request.Result{Err: request.WrapError(request.KindCancelled,
				ctx.Err(), "context cancelled")}
		}
	}
	return results
}

// PutHistorical stores an immutable historical range as permanent.
func (s *Service) PutHistorical(ctx context.Context, symbol, providerID, timeframe string, blob []byte, start, end time.Time) error {
	return s.store.PutHistorical(ctx, symbol, providerID, timeframe, blob, start, end)
}

// GetHistorical returns the stored blob for the exact range.
func (s *Service) GetHistorical(ctx context.Context, symbol, providerID, timeframe string, start, end time.Time) ([]byte, bool) {
	return s.store.GetHistorical(ctx, symbol, providerID, timeframe, start, end)
}

// HasHistorical reports whether the exact range is stored.
func (s *Service) HasHistorical(ctx context.Context, symbol, providerID, timeframe string, start, end time.Time) bool {
	return s.store.HasHistorical(ctx, symbol, providerID, timeframe, start, end)
}

// StartHistoricalLoad begins a chunked back-fill.
func (s *Service) StartHistoricalLoad(rng histload.Range) (string, error) {
	return s.loader.Load(rng)
}

// LoadingStatus returns back-fill progress.
func (s *Service) LoadingStatus(loadingID string) (histload.Progress, bool) {
	return s.loader.Status(loadingID)
}

// PauseLoad suspends a back-fill.
func (s *Service) PauseLoad(loadingID string) bool {
	return s.loader.Pause(loadingID)
}

// ResumeLoad continues a paused back-fill.
func (s *Service) ResumeLoad(loadingID string) bool {
	return s.loader.Resume(loadingID)
}

// CancelLoad aborts a back-fill.
func (s *Service) CancelLoad(loadingID string) bool {
	return s.loader.Cancel(loadingID)
}

// Stats aggregates per-provider quota and cache statistics.
func (s *Service) Stats(ctx context.Context) Stats {
	return Stats{
		Providers:  s.tracker.StatsAll(),
		Cache:      s.store.Stats(ctx),
		Emergency:  s.governor.EmergencyActive(),
		QueueDepth: s.governor.QueueDepth(),
	}
}

var _ API = (*Service)(nil)
