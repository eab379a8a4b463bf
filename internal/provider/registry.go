package provider

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ommthree/cryptoclaude/internal/request"
)

// Descriptor is the static description of one upstream data provider.
// Immutable for the process lifetime.
type Descriptor struct {
	ID                   string        `yaml:"id"`
	BaseURL              string        `yaml:"base_url"`
	DailyCap             int           `yaml:"daily_cap"`
	MonthlyCap           int           `yaml:"monthly_cap"`
	MaxRequestsPerSecond float64       `yaml:"max_requests_per_second"`
	MinInterval          time.Duration `yaml:"min_interval"`
	AuthRequired         bool          `yaml:"auth_required"`
	AllowParallel        bool          `yaml:"allow_parallel"`
	Symbols              []string      `yaml:"symbols,omitempty"`
	Timeframes           []string      `yaml:"timeframes,omitempty"`
}

// Registry is the read-only provider table shared by every component.
type Registry struct {
	descriptors map[string]Descriptor
	order       []string
}

// NewRegistry validates and registers the given descriptors. Registration
// fails with an invalid_config error on non-positive caps, negative
// min-interval, or an empty base URL.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{descriptors: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		if err := validate(d); err != nil {
			return nil, err
		}
		if _, dup := r.descriptors[d.ID]; dup {
			return nil, request.NewError(request.KindInvalidConfig,
				"duplicate provider id %q", d.ID)
		}
		r.descriptors[d.ID] = d
		r.order = append(r.order, d.ID)
	}
	sort.Strings(r.order)

	log.Debug().Int("providers", len(r.order)).Msg("Provider registry initialized")
	return r, nil
}

func validate(d Descriptor) error {
	switch {
	case d.ID == "":
		return request.NewError(request.KindInvalidConfig, "provider id is empty")
	case d.BaseURL == "":
		return request.NewError(request.KindInvalidConfig,
			"provider %s: base_url is empty", d.ID)
	case d.DailyCap <= 0:
		return request.NewError(request.KindInvalidConfig,
			"provider %s: daily_cap must be positive, got %d", d.ID, d.DailyCap)
	case d.MonthlyCap <= 0:
		return request.NewError(request.KindInvalidConfig,
			"provider %s: monthly_cap must be positive, got %d", d.ID, d.MonthlyCap)
	case d.MinInterval < 0:
		return request.NewError(request.KindInvalidConfig,
			"provider %s: min_interval is negative", d.ID)
	}
	return nil
}

// Get returns the descriptor for the given provider id.
func (r *Registry) Get(id string) (Descriptor, bool) {
	d, ok := r.descriptors[id]
	return d, ok
}

// IDs returns all registered provider ids in stable order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	return len(r.descriptors)
}
