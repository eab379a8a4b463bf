package quality

import "time"

// SourceKind tags every returned payload with its provenance.
type SourceKind int

const (
	SourceFreshAPI SourceKind = iota
	SourceCache
	SourceAltProvider
	SourceInterpolated
	SourceStatic
)

func (s SourceKind) String() string {
	switch s {
	case SourceFreshAPI:
		return "fresh_api"
	case SourceCache:
		return "cache"
	case SourceAltProvider:
		return "alt_provider"
	case SourceInterpolated:
		return "interpolated"
	case SourceStatic:
		return "static"
	default:
		return "unknown"
	}
}

// Quality is the (freshness, accuracy, completeness) annotation attached
// to every produced datum. All dimensions are in [0,1].
type Quality struct {
	Freshness    float64    `json:"freshness"`
	Accuracy     float64    `json:"accuracy"`
	Completeness float64    `json:"completeness"`
	Source       SourceKind `json:"-"`
	SourceName   string     `json:"source"`
	ProducedAt   time.Time  `json:"produced_at"`
}

// Floor is a per-consumer minimum acceptable quality tuple.
type Floor struct {
	Freshness    float64
	Accuracy     float64
	Completeness float64
}

// Meets reports whether q is at or above the floor on every dimension.
func (q Quality) Meets(f Floor) bool {
	return q.Freshness >= f.Freshness &&
		q.Accuracy >= f.Accuracy &&
		q.Completeness >= f.Completeness
}

// Overall collapses the three dimensions into a single score for ranking.
func (q Quality) Overall() float64 {
	return (q.Freshness + q.Accuracy + q.Completeness) / 3.0
}

// Score assigns the quality annotation for a datum produced by the given
// source. age and ttl are only consulted for cached data; completenessHint
// overrides the table completeness when the producer measured it (pass a
// negative value to keep the default).
func Score(source SourceKind, age, ttl time.Duration, completenessHint float64) Quality {
	q := Quality{Source: source, SourceName: source.String(), ProducedAt: time.Now()}

	switch source {
	case SourceFreshAPI:
		q.Freshness, q.Accuracy, q.Completeness = 1.0, 1.0, 1.0
	case SourceCache:
		q.Freshness = cacheFreshness(age, ttl)
		q.Accuracy = 0.95
		q.Completeness = 1.0
	case SourceAltProvider:
		q.Freshness, q.Accuracy, q.Completeness = 1.0, 0.9, 1.0
	case SourceInterpolated:
		q.Freshness, q.Accuracy, q.Completeness = 1.0, 0.7, 0.9
	case SourceStatic:
		q.Freshness, q.Accuracy, q.Completeness = 0.3, 0.6, 0.8
	}

	if completenessHint >= 0 && completenessHint <= 1 {
		q.Completeness = completenessHint
	}
	return q
}

func cacheFreshness(age, ttl time.Duration) float64 {
	if ttl <= 0 {
		// Permanent entries do not decay.
		return 1.0
	}
	f := 1.0 - age.Seconds()/ttl.Seconds()
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
