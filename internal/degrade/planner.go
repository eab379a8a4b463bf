package degrade

import (
	"github.com/ommthree/cryptoclaude/internal/quality"
	"github.com/ommthree/cryptoclaude/internal/quota"
	"github.com/ommthree/cryptoclaude/internal/request"
)

// StepKind identifies one element of the ordered fallback chain.
type StepKind int

const (
	StepCache StepKind = iota
	StepPrimary
	StepAltProvider
	StepInterpolate
	StepStatic
)

func (k StepKind) String() string {
	switch k {
	case StepCache:
		return "cache"
	case StepPrimary:
		return "primary"
	case StepAltProvider:
		return "alt_provider"
	case StepInterpolate:
		return "interpolate"
	case StepStatic:
		return "static"
	default:
		return "unknown"
	}
}

// Step is one fallback element. Provider is set for network steps only.
// Results scoring below MinQuality are recorded and the chain advances.
type Step struct {
	Kind       StepKind
	Provider   string
	MinQuality quality.Floor
}

// Plan is the ordered fallback chain for one request.
type Plan struct {
	Steps []Step
}

// Chain names the primary provider and its fallbacks for a data type.
type Chain struct {
	Primary   string
	Fallbacks []string
}

// defaultChains routes each data type through the free-tier providers in
// priority order.
var defaultChains = map[string]Chain{
	"price":      {Primary: "cc", Fallbacks: []string{"cg", "av"}},
	"historical": {Primary: "cc", Fallbacks: []string{"cg", "av"}},
	"news":       {Primary: "news", Fallbacks: []string{"cc"}},
	"sentiment":  {Primary: "news", Fallbacks: []string{"cg"}},
}

// interpolatable marks price-like data types where gap-filling between two
// cached neighbors is meaningful.
var interpolatable = map[string]bool{
	"price":      true,
	"historical": true,
}

// Planner builds degradation plans. It performs no I/O of its own: quota
// state is injected as a pure verdict function so planning stays
// deterministic for a given (request, chains, verdicts) triple.
type Planner struct {
	chains map[string]Chain
}

// NewPlanner returns a planner with the default per-data-type chains.
func NewPlanner() *Planner {
	chains := make(map[string]Chain, len(defaultChains))
	for dt, c := range defaultChains {
		chains[dt] = c
	}
	return &Planner{chains: chains}
}

// SetChain overrides the provider chain for a data type.
func (p *Planner) SetChain(dataType string, chain Chain) {
	p.chains[dataType] = chain
}

// ChainFor returns the chain for a data type, honoring the request's
// provider hint as primary when present.
func (p *Planner) ChainFor(req *request.Request) Chain {
	chain, ok := p.chains[req.DataType]
	if !ok {
		chain = Chain{Primary: req.ProviderHint}
	}
	if req.ProviderHint != "" && req.ProviderHint != chain.Primary {
		// Hinted provider leads; the configured chain demotes to fallback.
		fallbacks := make([]string, 0, len(chain.Fallbacks)+1)
		fallbacks = append(fallbacks, chain.Primary)
		for _, f := range chain.Fallbacks {
			if f != req.ProviderHint {
				fallbacks = append(fallbacks, f)
			}
		}
		chain = Chain{Primary: req.ProviderHint, Fallbacks: fallbacks}
	}
	return chain
}

// Build produces the ordered fallback chain for the request. verdicts must
// be a pure read of quota state; denied providers are skipped at plan time.
// In emergency mode the cache step accepts any age.
func (p *Planner) Build(req *request.Request, emergency bool, verdicts func(providerID string) quota.Verdict) Plan {
	var plan Plan

	if req.AllowCache {
		floor := quality.Floor{Freshness: 0.3}
		if emergency {
			floor = quality.Floor{}
		}
		plan.Steps = append(plan.Steps, Step{Kind: StepCache, MinQuality: floor})
	}

	chain := p.ChainFor(req)

	if chain.Primary != "" && !denied(verdicts(chain.Primary)) {
		plan.Steps = append(plan.Steps, Step{Kind: StepPrimary, Provider: chain.Primary})
	}
	for _, alt := range chain.Fallbacks {
		if alt == "" || denied(verdicts(alt)) {
			continue
		}
		plan.Steps = append(plan.Steps, Step{Kind: StepAltProvider, Provider: alt})
	}

	if interpolatable[req.DataType] {
		plan.Steps = append(plan.Steps, Step{
			Kind:       StepInterpolate,
			MinQuality: quality.Floor{Completeness: 0.8},
		})
	}

	plan.Steps = append(plan.Steps, Step{Kind: StepStatic})
	return plan
}

// denied reports whether the provider is out of budget entirely. WAIT is
// not a denial; the governor sleeps through it.
func denied(v quota.Verdict) bool {
	return v.State == quota.DeniedDaily || v.State == quota.DeniedMonthly
}
