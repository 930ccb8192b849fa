package tiers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyauction/pkg/market"
	"github.com/nicktill/tinyauction/pkg/storage/memory"
)

func items(pairs ...any) []market.Item {
	var out []market.Item
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, market.Item{ID: int64(pairs[i].(int)), Name: pairs[i+1].(string)})
	}
	return out
}

func TestInfer(t *testing.T) {
	tests := []struct {
		name  string
		items []market.Item
		want  map[int64]Tier
	}{
		{
			name:  "three close ids",
			items: items(100, "Potion", 101, "Potion", 103, "Potion"),
			want: map[int64]Tier{
				100: {1, 3, "Potion"},
				101: {2, 3, "Potion"},
				103: {3, 3, "Potion"},
			},
		},
		{
			name:  "gap too large",
			items: items(100, "Potion", 101, "Potion", 110, "Potion"),
			want:  map[int64]Tier{},
		},
		{
			name:  "gap at tolerance",
			items: items(100, "Ore", 105, "Ore", 110, "Ore"),
			want: map[int64]Tier{
				100: {1, 3, "Ore"},
				105: {2, 3, "Ore"},
				110: {3, 3, "Ore"},
			},
		},
		{
			name:  "two members",
			items: items(100, "Potion", 101, "Potion"),
			want:  map[int64]Tier{},
		},
		{
			name:  "four members",
			items: items(100, "Potion", 101, "Potion", 102, "Potion", 103, "Potion"),
			want:  map[int64]Tier{},
		},
		{
			name:  "unsorted input, mixed names",
			items: items(7, "Herb", 302, "Leaf", 5, "Herb", 300, "Leaf", 6, "Herb", 1, "Anvil"),
			want: map[int64]Tier{
				5: {1, 3, "Herb"},
				6: {2, 3, "Herb"},
				7: {3, 3, "Herb"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Infer(tt.items, 5))
		})
	}
}

func TestCacheRefreshAndLookup(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	for _, it := range items(100, "Potion", 101, "Potion", 102, "Potion") {
		_, err := store.PutItemIfAbsent(ctx, it)
		require.NoError(t, err)
	}

	c := NewCache(store, 5)

	// Cold cache fills on first lookup.
	tier, ok, err := c.Lookup(ctx, 101)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, tier.Tier)
	assert.False(t, c.RefreshedAt().IsZero())

	changed, err := c.Refresh(ctx)
	require.NoError(t, err)
	assert.False(t, changed)

	// A fourth same-name item breaks the group, but only after Refresh.
	_, err = store.PutItemIfAbsent(ctx, market.Item{ID: 103, Name: "Potion"})
	require.NoError(t, err)
	_, ok, _ = c.Lookup(ctx, 101)
	assert.True(t, ok)

	changed, err = c.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	_, ok, _ = c.Lookup(ctx, 101)
	assert.False(t, ok)

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)
}
