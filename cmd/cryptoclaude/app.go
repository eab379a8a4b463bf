package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ommthree/cryptoclaude/internal/cache"
	"github.com/ommthree/cryptoclaude/internal/config"
	"github.com/ommthree/cryptoclaude/internal/degrade"
	"github.com/ommthree/cryptoclaude/internal/facade"
	"github.com/ommthree/cryptoclaude/internal/governor"
	"github.com/ommthree/cryptoclaude/internal/histload"
	"github.com/ommthree/cryptoclaude/internal/metrics"
	"github.com/ommthree/cryptoclaude/internal/provider"
	"github.com/ommthree/cryptoclaude/internal/provider/adapters"
	"github.com/ommthree/cryptoclaude/internal/quota"
)

// defaultDescriptors are the free-tier provider limits. Config overrides
// take precedence per provider.
func defaultDescriptors() []provider.Descriptor {
	return []provider.Descriptor{
		{
			ID: "cc", BaseURL: "https://min-api.cryptocompare.com",
			DailyCap: 3200, MonthlyCap: 100000,
			MaxRequestsPerSecond: 2, MinInterval: 500 * time.Millisecond,
			AuthRequired: false, AllowParallel: false,
		},
		{
			ID: "cg", BaseURL: "https://api.coingecko.com/api/v3",
			DailyCap: 1000, MonthlyCap: 10000,
			MaxRequestsPerSecond: 1, MinInterval: 1200 * time.Millisecond,
			AuthRequired: false, AllowParallel: false,
		},
		{
			ID: "av", BaseURL: "https://www.alphavantage.co/query",
			DailyCap: 25, MonthlyCap: 750,
			MaxRequestsPerSecond: 1, MinInterval: 12 * time.Second,
			AuthRequired: true, AllowParallel: false,
		},
		{
			ID: "news", BaseURL: "https://newsapi.org/v2",
			DailyCap: 100, MonthlyCap: 3000,
			MaxRequestsPerSecond: 1, MinInterval: time.Second,
			AuthRequired: true, AllowParallel: false,
		},
	}
}

// app holds the assembled service and the handles main needs for
// serving and shutdown.
type app struct {
	service  *facade.Service
	registry *prometheus.Registry
}

// buildApp wires the full stack from a validated config.
func buildApp(cfg *config.Config, sealKey []byte) (*app, error) {
	descs := cfg.ApplyOverrides(defaultDescriptors())
	registry, err := provider.NewRegistry(descs...)
	if err != nil {
		return nil, err
	}

	policies := cache.NewPolicyEngine(cache.Strategy(cfg.CacheStrategy))
	store, err := cache.Open(cfg.DBPath, policies)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]string, len(descs))
	for _, d := range descs {
		k, err := cfg.APIKey(d.ID, sealKey)
		if err != nil {
			store.Close()
			return nil, err
		}
		keys[d.ID] = k
	}

	adapterSet := map[string]provider.Adapter{
		"cc":   adapters.NewCryptoCompareAdapter("", keys["cc"]),
		"cg":   adapters.NewCoinGeckoAdapter("", keys["cg"]),
		"av":   adapters.NewAlphaVantageAdapter("", keys["av"]),
		"news": adapters.NewNewsAPIAdapter("", keys["news"]),
	}

	tracker := quota.NewTracker(registry)
	planner := degrade.NewPlanner()

	m := metrics.New()
	promReg := prometheus.NewRegistry()
	m.Register(promReg)

	govCfg := governor.DefaultConfig()
	govCfg.EmergencyCriticalSymbols = cfg.EmergencyCriticalSymbols
	gov := governor.New(govCfg, registry, adapterSet, tracker, store, policies, planner, m)

	preset := cfg.LoadingPreset()
	loadCfg := histload.DefaultConfig()
	loadCfg.ChunkDelay = preset.ChunkDelay
	loadCfg.MaxDailyCalls = preset.MaxDailyCalls
	loader := histload.NewLoader(loadCfg, store, gov)

	return &app{
		service:  facade.NewService(store, tracker, gov, loader),
		registry: promReg,
	}, nil
}
