package degrade

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Neighbor is one cached observation used for gap filling.
type Neighbor struct {
	Timestamp time.Time
	Value     float64
}

// neighborWindow bounds how far back cached neighbors may come from.
const neighborWindow = 24 * time.Hour

// Interpolate linearly estimates the value at target from at least two
// cached neighbors observed within the preceding 24 hours. The two
// neighbors closest in time bracket the estimate.
func Interpolate(neighbors []Neighbor, target time.Time) (float64, error) {
	cutoff := target.Add(-neighborWindow)
	recent := neighbors[:0:0]
	for _, n := range neighbors {
		if !n.Timestamp.Before(cutoff) {
			recent = append(recent, n)
		}
	}
	if len(recent) < 2 {
		return 0, fmt.Errorf("interpolation needs >= 2 neighbors within 24h, have %d", len(recent))
	}

	sort.Slice(recent, func(i, j int) bool {
		return recent[i].Timestamp.Before(recent[j].Timestamp)
	})

	a, b := recent[len(recent)-2], recent[len(recent)-1]
	span := b.Timestamp.Sub(a.Timestamp).Seconds()
	if span <= 0 {
		return b.Value, nil
	}
	slope := (b.Value - a.Value) / span
	return b.Value + slope*target.Sub(b.Timestamp).Seconds(), nil
}

// InterpolatedPayload renders an interpolated estimate in the same JSON
// shape adapters use for spot values.
func InterpolatedPayload(symbol string, value float64, at time.Time) []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"symbol":       symbol,
		"value":        value,
		"ts":           at.Unix(),
		"interpolated": true,
	})
	return payload
}

// StaticPayload renders the conservative no-change projection from the last
// known value.
func StaticPayload(symbol string, value float64, observedAt time.Time) []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"symbol":      symbol,
		"value":       value,
		"observed_at": observedAt.Unix(),
		"projected":   true,
	})
	return payload
}
