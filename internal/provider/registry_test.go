package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ommthree/cryptoclaude/internal/request"
)

func validDesc(id string) Descriptor {
	return Descriptor{
		ID: id, BaseURL: "http://" + id + ".test",
		DailyCap: 100, MonthlyCap: 1000,
	}
}

func TestNewRegistry(t *testing.T) {
	r, err := NewRegistry(validDesc("cc"), validDesc("av"), validDesc("cg"))
	require.NoError(t, err)

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []string{"av", "cc", "cg"}, r.IDs(), "ids come back sorted")

	d, ok := r.Get("cc")
	require.True(t, ok)
	assert.Equal(t, "http://cc.test", d.BaseURL)

	_, ok = r.Get("nope")
	assert.False(t, ok)
}

func TestNewRegistry_Validation(t *testing.T) {
	tests := []struct {
		name string
		desc Descriptor
	}{
		{"empty_id", Descriptor{BaseURL: "http://x.test", DailyCap: 1, MonthlyCap: 1}},
		{"empty_base_url", Descriptor{ID: "cc", DailyCap: 1, MonthlyCap: 1}},
		{"zero_daily_cap", Descriptor{ID: "cc", BaseURL: "http://x.test", MonthlyCap: 1}},
		{"negative_daily_cap", Descriptor{ID: "cc", BaseURL: "http://x.test", DailyCap: -1, MonthlyCap: 1}},
		{"zero_monthly_cap", Descriptor{ID: "cc", BaseURL: "http://x.test", DailyCap: 1}},
		{"negative_min_interval", Descriptor{
			ID: "cc", BaseURL: "http://x.test", DailyCap: 1, MonthlyCap: 1,
			MinInterval: -time.Second,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.desc)
			require.Error(t, err)
			assert.True(t, request.IsKind(err, request.KindInvalidConfig))
		})
	}
}

func TestNewRegistry_DuplicateID(t *testing.T) {
	_, err := NewRegistry(validDesc("cc"), validDesc("cc"))
	require.Error(t, err)
	assert.True(t, request.IsKind(err, request.KindInvalidConfig))
}

func TestRegistry_IDsReturnsCopy(t *testing.T) {
	r, err := NewRegistry(validDesc("cc"), validDesc("av"))
	require.NoError(t, err)

	ids := r.IDs()
	ids[0] = "mutated"
	assert.Equal(t, []string{"av", "cc"}, r.IDs())
}
