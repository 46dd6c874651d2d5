package geofeed

import (
	"fmt"
	"strings"
)

// QueryKind identifies the physical query shape a Session entry point
// maps onto. It drives both which entity kinds a stream carries and
// which stages the planner emits.
type QueryKind int

const (
	KindAll QueryKind = iota
	KindBBoxLegacy
	KindTypedNodes
	KindTypedPolylines
	KindTypedGroups
	KindTypedAll
	KindByIDNodes
	KindByIDPolylines
	KindByIDGroups
)

func (k QueryKind) wantsNodes() bool {
	switch k {
	case KindAll, KindBBoxLegacy, KindTypedNodes, KindTypedAll, KindByIDNodes:
		return true
	default:
		return false
	}
}

func (k QueryKind) wantsPolylines() bool {
	switch k {
	case KindAll, KindBBoxLegacy, KindTypedPolylines, KindTypedAll, KindByIDPolylines:
		return true
	default:
		return false
	}
}

func (k QueryKind) wantsGroups() bool {
	switch k {
	case KindAll, KindBBoxLegacy, KindTypedGroups, KindTypedAll, KindByIDGroups:
		return true
	default:
		return false
	}
}

func (k QueryKind) isByID() bool {
	switch k {
	case KindByIDNodes, KindByIDPolylines, KindByIDGroups:
		return true
	default:
		return false
	}
}

// planRequest carries everything the planner needs to choose stages. A
// zero-value BBoxes/Attrs list degenerates each predicate to "(1=1)".
type planRequest struct {
	kind         QueryKind
	bboxes       []*BBoxSelector
	attrs        []AttributeSelector
	ids          []uint64
	completeWays bool
}

type stageExecKind int

const (
	stageOneShot stageExecKind = iota
	stageLoop
)

// Stage is a single named, capability-aware SQL statement the executor
// runs in sequence. TargetSet names the scratch table this stage
// materializes or grows, so the executor can follow it with a primary
// key and ANALYZE; it is empty for the complete-ways stages that call
// the helper procedure or merge into an already-keyed bbox_nodes.
type Stage struct {
	Name      string
	Exec      stageExecKind
	TargetSet string
	SQL       string
	Params    []any
}

// buildPlan produces the ordered stage list for req against caps. The
// ordering rule from SPEC_FULL.md §4.4 is enforced by construction:
// nodes before the polyline fallback, polylines before group seeding,
// group-over-group closure before complete-ways expansion.
func buildPlan(req planRequest, caps capabilitySet) ([]Stage, error) {
	var stages []Stage

	if req.kind.isByID() {
		return buildByIDPlan(req)
	}

	nodePredicate, nodeParams := nodePredicateFor(req)
	stages = append(stages, Stage{
		Name:      "materialize_nodes",
		TargetSet: "bbox_nodes",
		SQL: fmt.Sprintf(
			`CREATE TEMP TABLE bbox_nodes ON COMMIT DROP AS
			 SELECT id, version, user_id, tstamp, changeset_id, tags, geom
			 FROM nodes WHERE %s`, nodePredicate),
		Params: nodeParams,
	})

	needPolylineSet := req.kind.wantsPolylines() || req.kind.wantsGroups() || req.completeWays
	if needPolylineSet {
		sql, params := polylineStageSQL(req, caps)
		stages = append(stages, Stage{Name: "materialize_polylines", TargetSet: "bbox_ways", SQL: sql, Params: params})
	}

	if req.kind.wantsGroups() {
		stages = append(stages, Stage{
			Name:      "seed_groups_from_members",
			TargetSet: "bbox_relations",
			SQL: `CREATE TEMP TABLE bbox_relations ON COMMIT DROP AS
				  SELECT DISTINCT r.id, r.version, r.user_id, r.tstamp, r.changeset_id, r.tags
				  FROM relations r
				  JOIN relation_members rm ON rm.relation_id = r.id
				  WHERE (rm.member_type = 'N' AND rm.member_id IN (SELECT id FROM bbox_nodes))
				     OR (rm.member_type = 'W' AND rm.member_id IN (SELECT id FROM bbox_ways))`,
		})
		stages = append(stages, Stage{
			Name:      "close_groups_over_groups",
			Exec:      stageLoop,
			TargetSet: "bbox_relations",
			SQL: `INSERT INTO bbox_relations
				  SELECT DISTINCT r.id, r.version, r.user_id, r.tstamp, r.changeset_id, r.tags
				  FROM relations r
				  JOIN relation_members rm ON rm.relation_id = r.id
				  WHERE rm.member_type = 'R' AND rm.member_id IN (SELECT id FROM bbox_relations)
				    AND r.id NOT IN (SELECT id FROM bbox_relations)`,
		})
	}

	if req.completeWays {
		stages = append(stages,
			Stage{
				Name: "complete_ways_expand",
				SQL:  `CALL complete_ways('bbox_ways')`,
			},
			Stage{
				Name:      "materialize_missing_way_nodes",
				TargetSet: "bbox_missing_way_nodes",
				SQL: `CREATE TEMP TABLE bbox_missing_way_nodes ON COMMIT DROP AS
					  SELECT DISTINCT node_id AS id FROM bbox_way_nodes
					  WHERE node_id NOT IN (SELECT id FROM bbox_nodes)`,
			},
			Stage{
				Name: "merge_missing_way_nodes",
				SQL: `INSERT INTO bbox_nodes
					  SELECT id, version, user_id, tstamp, changeset_id, tags, geom
					  FROM nodes WHERE id IN (SELECT id FROM bbox_missing_way_nodes)`,
			},
		)
	}

	return stages, nil
}

func buildByIDPlan(req planRequest) ([]Stage, error) {
	var table, targetSet string
	switch req.kind {
	case KindByIDNodes:
		table, targetSet = "nodes", "bbox_nodes"
		return []Stage{{
			Name:      "materialize_by_id",
			TargetSet: targetSet,
			SQL: fmt.Sprintf(
				`CREATE TEMP TABLE %s ON COMMIT DROP AS
				 SELECT id, version, user_id, tstamp, changeset_id, tags, geom
				 FROM %s WHERE id = ANY($1)`, targetSet, table),
			Params: []any{req.ids},
		}}, nil
	case KindByIDPolylines:
		table, targetSet = "ways", "bbox_ways"
		return []Stage{{
			Name:      "materialize_by_id",
			TargetSet: targetSet,
			SQL: fmt.Sprintf(
				`CREATE TEMP TABLE %s ON COMMIT DROP AS
				 SELECT id, version, user_id, tstamp, changeset_id, tags
				 FROM %s WHERE id = ANY($1)`, targetSet, table),
			Params: []any{req.ids},
		}}, nil
	case KindByIDGroups:
		table, targetSet = "relations", "bbox_relations"
		return []Stage{{
			Name:      "materialize_by_id",
			TargetSet: targetSet,
			SQL: fmt.Sprintf(
				`CREATE TEMP TABLE %s ON COMMIT DROP AS
				 SELECT id, version, user_id, tstamp, changeset_id, tags
				 FROM %s WHERE id = ANY($1)`, targetSet, table),
			Params: []any{req.ids},
		}}, nil
	default:
		return nil, fmt.Errorf("buildByIDPlan: unexpected kind %v", req.kind)
	}
}

func nodePredicateFor(req planRequest) (string, []any) {
	if !req.kind.wantsNodes() {
		return "false", nil
	}
	return bboxAndAttrPredicate(req.bboxes, req.attrs, 1)
}

// polylineStageSQL implements the three physical strategies from
// SPEC_FULL.md §4.4, chosen by capability.
func polylineStageSQL(req planRequest, caps capabilitySet) (string, []any) {
	if !req.kind.wantsPolylines() {
		// Groups/complete-ways still need an (empty) bbox_ways set to
		// join against.
		return `CREATE TEMP TABLE bbox_ways ON COMMIT DROP AS
			     SELECT id, version, user_id, tstamp, changeset_id, tags
			     FROM ways WHERE false`, nil
	}

	switch {
	case caps.linestring:
		polyBBoxes := rewriteForPolylines(req.bboxes)
		pred, params := bboxAndAttrPredicate(polyBBoxes, req.attrs, 1)
		return fmt.Sprintf(
			`CREATE TEMP TABLE bbox_ways ON COMMIT DROP AS
			 SELECT id, version, user_id, tstamp, changeset_id, tags
			 FROM ways WHERE %s`, pred), params

	case caps.bbox:
		candidatePred, candidateParams := bboxAndAttrPredicate(rewriteForBBoxColumn(req.bboxes), req.attrs, 1)
		outerFrag, outerParams := composeBBoxPredicate(rewriteForPolylines(req.bboxes), len(candidateParams)+1)
		params := append(candidateParams, outerParams...)
		// Candidate rows pass the cached-bbox index first (inner);
		// the linestring is reassembled from way_nodes for survivors
		// only (middle); the outer query re-filters against the
		// rebuilt geometry so a bbox-only false positive (rectangle
		// overlaps but the actual path doesn't) can't leak through.
		outerFrag = rewriteLinestringAttr(outerFrag, "candidate.built_line")
		return fmt.Sprintf(`
			CREATE TEMP TABLE bbox_ways ON COMMIT DROP AS
			SELECT w.id, w.version, w.user_id, w.tstamp, w.changeset_id, w.tags
			FROM ways w
			WHERE w.id IN (
				SELECT candidate.id FROM (
					SELECT w2.id,
					       ST_MakeLine(n.geom ORDER BY wn.sequence_id) AS built_line
					FROM ways w2
					JOIN way_nodes wn ON wn.way_id = w2.id
					JOIN nodes n ON n.id = wn.node_id
					WHERE %s
					GROUP BY w2.id
				) candidate
				WHERE %s
			)`, candidatePred, outerFrag), params

	default:
		return `
			CREATE TEMP TABLE bbox_ways ON COMMIT DROP AS
			SELECT w.id, w.version, w.user_id, w.tstamp, w.changeset_id, w.tags
			FROM ways w
			WHERE EXISTS (
				SELECT 1 FROM way_nodes wn
				WHERE wn.way_id = w.id AND wn.node_id IN (SELECT id FROM bbox_nodes)
			)`, nil
	}
}

// rewriteLinestringAttr substitutes the literal "linestring" column
// reference a linestring-targeted predicate fragment contains with an
// arbitrary expression — used to point the outer re-check of the
// polyline-bbox plan at the subquery's rebuilt geometry column instead
// of a real table column.
func rewriteLinestringAttr(fragment, expr string) string {
	return strings.ReplaceAll(fragment, string(geomPolyline), expr)
}

func rewriteForPolylines(bboxes []*BBoxSelector) []*BBoxSelector {
	out := make([]*BBoxSelector, len(bboxes))
	for i, b := range bboxes {
		out[i] = b.forPolylines()
	}
	return out
}

// rewriteForBBoxColumn targets the cached ways.bbox column instead of
// ways.linestring for the inner candidate-selection predicate.
func rewriteForBBoxColumn(bboxes []*BBoxSelector) []*BBoxSelector {
	out := make([]*BBoxSelector, len(bboxes))
	for i, b := range bboxes {
		out[i] = b.forCachedBBoxColumn()
	}
	return out
}

// bboxAndAttrPredicate composes the bbox-list and the attribute-list
// with AND, each list itself OR-composed (SPEC_FULL.md §4.1).
func bboxAndAttrPredicate(bboxes []*BBoxSelector, attrs []AttributeSelector, startIndex int) (string, []any) {
	bboxFrag, bboxParams := composeBBoxPredicate(bboxes, startIndex)
	attrFrag, attrParams := composeAttrPredicate(attrs, startIndex+len(bboxParams))
	return fmt.Sprintf("%s AND %s", bboxFrag, attrFrag), append(bboxParams, attrParams...)
}
