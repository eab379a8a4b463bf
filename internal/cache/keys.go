package cache

import (
	"sort"
	"strings"
)

// Key builds the canonical cache key for a request: data type, provider and
// symbol, with any extra parameters appended in sorted order so equivalent
// requests always collide.
func Key(dataType, providerID, symbol string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(dataType)
	b.WriteByte(':')
	b.WriteString(providerID)
	b.WriteByte(':')
	b.WriteString(symbol)

	if len(params) > 0 {
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteByte(':')
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(params[k])
		}
	}
	return b.String()
}
