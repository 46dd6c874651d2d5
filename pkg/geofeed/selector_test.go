package geofeed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBBoxSelector(t *testing.T) {
	tests := []struct {
		name                     string
		left, right, top, bottom float64
		wantErr                  bool
	}{
		{"valid box", -1, 1, 1, -1, false},
		{"left equals right", 1, 1, 1, -1, true},
		{"left greater than right", 2, 1, 1, -1, true},
		{"bottom equals top", -1, 1, 1, 1, true},
		{"bottom greater than top", -1, 1, -1, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := NewBBoxSelector(tt.left, tt.right, tt.top, tt.bottom)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsInvalidSelector(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.left, sel.Left)
			assert.Equal(t, tt.right, sel.Right)
		})
	}
}

func TestBBoxSelectorPredicateFragment(t *testing.T) {
	sel, err := NewBBoxSelector(-1, 1, 2, -2)
	require.NoError(t, err)

	assert.Equal(t, "geom && ST_MakeEnvelope($1, $2, $3, $4, 4326)", sel.PredicateFragment(1))
	assert.Equal(t, []any{-1.0, -2.0, 1.0, 2.0}, sel.BoundParameters())

	poly := sel.forPolylines()
	assert.Equal(t, "linestring && ST_MakeEnvelope($1, $2, $3, $4, 4326)", poly.PredicateFragment(1))
	// forPolylines must not mutate the receiver.
	assert.Equal(t, "geom && ST_MakeEnvelope($1, $2, $3, $4, 4326)", sel.PredicateFragment(1))

	cached := sel.forCachedBBoxColumn()
	assert.Equal(t, "bbox && ST_MakeEnvelope($1, $2, $3, $4, 4326)", cached.PredicateFragment(1))
}

func TestNewTagCompare(t *testing.T) {
	_, err := NewTagCompare("lanes", CompareOp("!~"), 2)
	require.Error(t, err)
	assert.True(t, IsInvalidSelector(err))

	sel, err := NewTagCompare("lanes", OpGE, 2)
	require.NoError(t, err)
	assert.Equal(t, "(tags->>$1)::double precision >= $2", sel.predicateFragment(1))
	assert.Equal(t, []any{"lanes", 2.0}, sel.boundParameters())
}

func TestComposeBBoxPredicateEmpty(t *testing.T) {
	frag, params := composeBBoxPredicate(nil, 1)
	assert.Equal(t, "(1=1)", frag)
	assert.Nil(t, params)
}

func TestComposeBBoxPredicateOR(t *testing.T) {
	a, err := NewBBoxSelector(-1, 1, 1, -1)
	require.NoError(t, err)
	b, err := NewBBoxSelector(10, 11, 11, 10)
	require.NoError(t, err)

	frag, params := composeBBoxPredicate([]*BBoxSelector{a, b}, 1)
	assert.Equal(t,
		"((geom && ST_MakeEnvelope($1, $2, $3, $4, 4326)) OR (geom && ST_MakeEnvelope($5, $6, $7, $8, 4326)))",
		frag)
	assert.Len(t, params, 8)
}

func TestComposeAttrPredicateEmpty(t *testing.T) {
	frag, params := composeAttrPredicate(nil, 1)
	assert.Equal(t, "(1=1)", frag)
	assert.Nil(t, params)
}

func TestNewTagAnyRenumbers(t *testing.T) {
	sel := NewTagAny("tags->>'highway' = ? AND tags->>'name' IS NOT ?", "primary", nil)
	frag := sel.predicateFragment(3)
	assert.Equal(t, "tags->>'highway' = $3 AND tags->>'name' IS NOT $4", frag)
}
