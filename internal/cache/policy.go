package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Policy is the per-data-type cache rule set. Immutable after registration.
type Policy struct {
	DataType       string        `yaml:"data_type"`
	DefaultTTL     time.Duration `yaml:"default_ttl"`
	AllowPermanent bool          `yaml:"allow_permanent"`
	MaxEntrySize   int64         `yaml:"max_entry_size"`
	MaxEntries     int           `yaml:"max_entries"`
	Dedupe         bool          `yaml:"dedupe"`
	Compress       bool          `yaml:"compress"`
}

// Strategy selects a preset of per-data-type policies.
type Strategy string

const (
	StrategyConservative   Strategy = "conservative"
	StrategyBalanced       Strategy = "balanced"
	StrategyAggressive     Strategy = "aggressive"
	StrategyHistoricalOnly Strategy = "historical_only"
)

const (
	kib = 1024
	mib = 1024 * kib
)

// defaultPolicies are the balanced per-data-type rules.
var defaultPolicies = map[string]Policy{
	"historical": {
		DataType:       "historical",
		DefaultTTL:     365 * 24 * time.Hour,
		AllowPermanent: true,
		MaxEntrySize:   20 * mib,
		MaxEntries:     500,
		Dedupe:         true,
		Compress:       true,
	},
	"price": {
		DataType:     "price",
		DefaultTTL:   15 * time.Minute,
		MaxEntrySize: 1 * mib,
		MaxEntries:   500,
	},
	"news": {
		DataType:     "news",
		DefaultTTL:   6 * time.Hour,
		MaxEntrySize: 5 * mib,
		MaxEntries:   200,
		Dedupe:       true,
		Compress:     true,
	},
	"sentiment": {
		DataType:     "sentiment",
		DefaultTTL:   12 * time.Hour,
		MaxEntrySize: 512 * kib,
		MaxEntries:   100,
	},
}

// fallbackPolicy covers unregistered data types.
var fallbackPolicy = Policy{
	DefaultTTL:   time.Hour,
	MaxEntrySize: 1 * mib,
	MaxEntries:   10000,
	Dedupe:       true,
}

// PolicyEngine resolves and enforces cache policies per data type.
type PolicyEngine struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewPolicyEngine builds an engine carrying the preset for the strategy.
func NewPolicyEngine(strategy Strategy) *PolicyEngine {
	e := &PolicyEngine{policies: make(map[string]Policy, len(defaultPolicies))}
	for dt, p := range defaultPolicies {
		e.policies[dt] = applyStrategy(p, strategy)
	}
	log.Debug().Str("strategy", string(strategy)).Msg("Cache policy engine initialized")
	return e
}

func applyStrategy(p Policy, s Strategy) Policy {
	switch s {
	case StrategyConservative:
		// Hold on to data longer and cap footprint tighter to stretch
		// free-tier budgets.
		if p.DataType != "historical" {
			p.DefaultTTL = p.DefaultTTL * 2
		}
		p.MaxEntries = p.MaxEntries / 2
		if p.MaxEntries < 50 {
			p.MaxEntries = 50
		}
		p.Compress = true
	case StrategyAggressive:
		// Prefer freshness: shorter TTLs, larger entry counts.
		if p.DataType != "historical" {
			p.DefaultTTL = p.DefaultTTL / 2
		}
		p.MaxEntries = p.MaxEntries * 2
	case StrategyHistoricalOnly:
		if p.DataType != "historical" {
			p.DefaultTTL = time.Minute
			p.MaxEntries = 10
		}
	}
	return p
}

// Register installs or overrides the policy for a data type.
func (e *PolicyEngine) Register(p Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[p.DataType] = p
}

// PolicyFor returns the registered policy, or the safe default for unknown
// data types.
func (e *PolicyEngine) PolicyFor(dataType string) Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if p, ok := e.policies[dataType]; ok {
		return p
	}
	p := fallbackPolicy
	p.DataType = dataType
	return p
}

// Enforce validates an entry against its data-type policy before insertion.
func (e *PolicyEngine) Enforce(dataType string, entry *Entry) error {
	p := e.PolicyFor(dataType)

	if entry.SizeBytes > p.MaxEntrySize {
		return fmt.Errorf("entry %s exceeds max size: %d > %d bytes",
			entry.Key, entry.SizeBytes, p.MaxEntrySize)
	}
	if entry.IsPermanent && !p.AllowPermanent {
		return fmt.Errorf("policy for %s forbids permanent entries", dataType)
	}
	return nil
}
