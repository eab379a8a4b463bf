package facade

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ommthree/cryptoclaude/internal/cache"
	"github.com/ommthree/cryptoclaude/internal/degrade"
	"github.com/ommthree/cryptoclaude/internal/governor"
	"github.com/ommthree/cryptoclaude/internal/histload"
	"github.com/ommthree/cryptoclaude/internal/provider"
	"github.com/ommthree/cryptoclaude/internal/provider/adapters"
	"github.com/ommthree/cryptoclaude/internal/quality"
	"github.com/ommthree/cryptoclaude/internal/quota"
	"github.com/ommthree/cryptoclaude/internal/request"
)

func newTestService(t *testing.T) (*Service, map[string]*adapters.StubAdapter) {
	t.Helper()

	reg, err := provider.NewRegistry(
		provider.Descriptor{ID: "cc", BaseURL: "http://cc.test", DailyCap: 100, MonthlyCap: 1000},
		provider.Descriptor{ID: "av", BaseURL: "http://av.test", DailyCap: 100, MonthlyCap: 1000},
	)
	require.NoError(t, err)

	policies := cache.NewPolicyEngine(cache.StrategyBalanced)
	store, err := cache.Open(":memory:", policies)
	require.NoError(t, err)

	stubs := map[string]*adapters.StubAdapter{
		"cc": {ID: "cc", Body: []byte(`{"value":42}`)},
		"av": {ID: "av", Body: []byte(`{"value":43}`)},
	}
	adapterSet := map[string]provider.Adapter{"cc": stubs["cc"], "av": stubs["av"]}

	tracker := quota.NewTracker(reg)
	gov := governor.New(governor.DefaultConfig(), reg, adapterSet, tracker,
		store, policies, degrade.NewPlanner(), nil)
	loader := histload.NewLoader(histload.DefaultConfig(), store, gov)

	svc := NewService(store, tracker, gov, loader)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { svc.Close() })
	return svc, stubs
}

func TestService_FetchSynchronous(t *testing.T) {
	svc, stubs := newTestService(t)

	res := svc.Fetch(context.Background(), &request.Request{
		DataType: "price", Symbol: "BTC", Endpoint: "price", AllowCache: true,
	})
	require.NoError(t, res.Err)
	assert.Equal(t, quality.SourceFreshAPI, res.Source)
	assert.Equal(t, int64(1), stubs["cc"].Calls())

	// Second fetch within TTL is a pure cache hit.
	res = svc.Fetch(context.Background(), &request.Request{
		DataType: "price", Symbol: "BTC", Endpoint: "price", AllowCache: true,
	})
	require.NoError(t, res.Err)
	assert.Equal(t, quality.SourceCache, res.Source)
	assert.Equal(t, int64(1), stubs["cc"].Calls())
}

func TestService_FetchRespectsContext(t *testing.T) {
	svc, stubs := newTestService(t)

	release := make(chan struct{})
	defer close(release)
	stubs["cc"].CallFunc = func(ctx context.Context, endpoint string, params map[string]string) (*provider.Response, error) {
		<-release
		return &provider.Response{Status: 200, Body: []byte(`{"value":1}`)}, nil
	}
	stubs["av"].CallFunc = stubs["cc"].CallFunc

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res := svc.Fetch(ctx, &request.Request{
		DataType: "price", Symbol: "BTC", Endpoint: "price",
	})
	require.Error(t, res.Err)
	assert.True(t, request.IsKind(res.Err, request.KindCancelled))
}

func TestService_FetchBatchPreservesOrder(t *testing.T) {
	svc, stubs := newTestService(t)

	stubs["cc"].CallFunc = func(ctx context.Context, endpoint string, params map[string]string) (*provider.Response, error) {
		return &provider.Response{Status: 200,
			Body: []byte(fmt.Sprintf(`{"value":1,"symbol":%q}`, params["symbol"]))}, nil
	}

	symbols := []string{"BTC", "ETH", "SOL", "ADA"}
	reqs := make([]*request.Request, len(symbols))
	for i, sym := range symbols {
		reqs[i] = &request.Request{
			DataType: "price", Symbol: sym, Endpoint: "price",
			Params: map[string]string{"symbol": sym},
		}
	}

	results := svc.FetchBatch(context.Background(), reqs)
	require.Len(t, results, len(symbols))
	for i, sym := range symbols {
		require.NoError(t, results[i].Err, "result %d", i)
		assert.Contains(t, string(results[i].Payload), sym,
			"result %d matches submitted order", i)
	}
}

func TestService_SubmitCancelStatus(t *testing.T) {
	svc, stubs := newTestService(t)

	release := make(chan struct{})
	stubs["cc"].CallFunc = func(ctx context.Context, endpoint string, params map[string]string) (*provider.Response, error) {
		<-release
		return &provider.Response{Status: 200, Body: []byte(`{"value":1}`)}, nil
	}

	first, err := svc.Submit(&request.Request{DataType: "price", Symbol: "BTC", Endpoint: "price"})
	require.NoError(t, err)
	second, err := svc.Submit(&request.Request{DataType: "price", Symbol: "ETH", Endpoint: "price"})
	require.NoError(t, err)

	require.True(t, svc.Cancel(second.ID))
	res := <-second.Done()
	assert.True(t, request.IsKind(res.Err, request.KindCancelled))

	state, ok := svc.Status(second.ID)
	require.True(t, ok)
	assert.Equal(t, request.StateFailed, state)

	close(release)
	require.NoError(t, (<-first.Done()).Err)
}

func TestService_HistoricalPassthrough(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)
	blob := []byte(`{"points":[{"close":100}]}`)

	require.NoError(t, svc.PutHistorical(ctx, "BTC", "cc", "1d", blob, start, end))
	assert.True(t, svc.HasHistorical(ctx, "BTC", "cc", "1d", start, end))

	got, ok := svc.GetHistorical(ctx, "BTC", "cc", "1d", start, end)
	require.True(t, ok)
	assert.Equal(t, blob, got)
}

func TestService_HistoricalLoadLifecycle(t *testing.T) {
	svc, _ := newTestService(t)

	id, err := svc.StartHistoricalLoad(histload.Range{
		Symbol: "BTC", Provider: "cc", Timeframe: "1d",
		Start: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2023, 3, 2, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	deadline := time.Now().Add(10 * time.Second)
	var p histload.Progress
	for time.Now().Before(deadline) {
		var ok bool
		p, ok = svc.LoadingStatus(id)
		require.True(t, ok)
		if p.Status == histload.StatusCompleted || p.Status == histload.StatusCompletedWithErrors {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 2, p.TotalChunks)
	assert.Equal(t, 2, p.Completed+p.Failed)

	assert.False(t, svc.PauseLoad("unknown"))
	assert.False(t, svc.ResumeLoad("unknown"))
	assert.False(t, svc.CancelLoad("unknown"))
}

func TestService_Stats(t *testing.T) {
	svc, _ := newTestService(t)

	res := svc.Fetch(context.Background(), &request.Request{
		DataType: "price", Symbol: "BTC", Endpoint: "price", AllowCache: true,
	})
	require.NoError(t, res.Err)

	st := svc.Stats(context.Background())
	require.Contains(t, st.Providers, "cc")
	assert.Equal(t, 1, st.Providers["cc"].DailyUsed)
	assert.Equal(t, int64(1), st.Cache.TotalEntries)
	assert.False(t, st.Emergency)
}
