package geofeed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stageNames(stages []Stage) []string {
	var names []string
	for _, s := range stages {
		names = append(names, s.Name)
	}
	return names
}

func TestBuildPlanAllOrdersNodesBeforePolylinesBeforeGroups(t *testing.T) {
	stages, err := buildPlan(planRequest{kind: KindTypedAll}, capabilitySet{})
	require.NoError(t, err)

	names := stageNames(stages)
	assert.Contains(t, names, "materialize_nodes")
	assert.Contains(t, names, "materialize_polylines")
	assert.Contains(t, names, "seed_groups_from_members")
	assert.Contains(t, names, "close_groups_over_groups")

	idxOf := func(name string) int {
		for i, n := range names {
			if n == name {
				return i
			}
		}
		return -1
	}
	assert.Less(t, idxOf("materialize_nodes"), idxOf("materialize_polylines"))
	assert.Less(t, idxOf("materialize_polylines"), idxOf("seed_groups_from_members"))
	assert.Less(t, idxOf("seed_groups_from_members"), idxOf("close_groups_over_groups"))
}

func TestBuildPlanNodesOnlySkipsPolylineAndGroupStages(t *testing.T) {
	stages, err := buildPlan(planRequest{kind: KindTypedNodes}, capabilitySet{})
	require.NoError(t, err)

	names := stageNames(stages)
	assert.Equal(t, []string{"materialize_nodes"}, names)
}

func TestBuildPlanCompleteWaysAppendsExpansionStages(t *testing.T) {
	stages, err := buildPlan(planRequest{kind: KindTypedPolylines, completeWays: true}, capabilitySet{completeWays: true})
	require.NoError(t, err)

	names := stageNames(stages)
	assert.Contains(t, names, "complete_ways_expand")
	assert.Contains(t, names, "materialize_missing_way_nodes")
	assert.Contains(t, names, "merge_missing_way_nodes")
}

func TestBuildByIDPlanTargetsByKind(t *testing.T) {
	stages, err := buildPlan(planRequest{kind: KindByIDNodes, ids: []uint64{1, 2, 3}}, capabilitySet{})
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, "bbox_nodes", stages[0].TargetSet)
	assert.Equal(t, []any{[]uint64{1, 2, 3}}, stages[0].Params)
}

func TestPolylineStageSQLChoosesPhysicalStrategyByCapability(t *testing.T) {
	sel, err := NewBBoxSelector(-1, 1, 1, -1)
	require.NoError(t, err)
	req := planRequest{kind: KindTypedPolylines, bboxes: []*BBoxSelector{sel}}

	sql, _ := polylineStageSQL(req, capabilitySet{linestring: true})
	assert.Contains(t, sql, "linestring &&")

	sql, _ = polylineStageSQL(req, capabilitySet{bbox: true})
	assert.Contains(t, sql, "bbox &&")
	assert.Contains(t, sql, "ST_MakeLine")

	sql, _ = polylineStageSQL(req, capabilitySet{})
	assert.Contains(t, sql, "way_nodes")
	assert.Contains(t, sql, "bbox_nodes")
}

func TestNodePredicateForFalseWhenNodesNotWanted(t *testing.T) {
	pred, params := nodePredicateFor(planRequest{kind: KindTypedPolylines})
	assert.Equal(t, "false", pred)
	assert.Nil(t, params)
}
