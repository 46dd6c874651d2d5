package geofeed

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// entityCursor is what an entity adapter hands back: a forward-only
// cursor over decoded domain records in ascending id order, releasing
// store resources on Close.
type entityCursor interface {
	Next(ctx context.Context) bool
	Record() Record
	Err() error
	Close()
}

// entityAdapter is the external-collaborator contract the core consumes
// for each entity kind: open a cursor reading from a named backing set.
// prefix is "" for the full table or "bbox_" for a scratch set.
type entityAdapter interface {
	open(ctx context.Context, tx pgx.Tx, prefix string, batchSize int) (entityCursor, error)
}

// declaredCursor implements the declare/fetch/close rhythm used by
// nodeAdapter: a server-side DECLARE CURSOR, drained in batches via
// FETCH, row-scanned by a caller-supplied function.
type declaredCursor struct {
	tx         pgx.Tx
	name       string
	batchSize  int
	scan       func(rows pgx.Rows) (Record, error)
	batch      pgx.Rows
	current    Record
	err        error
	exhausted  bool
	fetchCount int
}

func declareAndOpen(ctx context.Context, tx pgx.Tx, cursorName, selectSQL string, scan func(pgx.Rows) (Record, error), batchSize int) (*declaredCursor, error) {
	if _, err := tx.Exec(ctx, fmt.Sprintf("DECLARE %s CURSOR FOR %s", cursorName, selectSQL)); err != nil {
		return nil, queryFailedf("declare "+cursorName, err)
	}
	return &declaredCursor{tx: tx, name: cursorName, batchSize: batchSize, scan: scan}, nil
}

func (c *declaredCursor) Next(ctx context.Context) bool {
	if c.exhausted {
		return false
	}
	for {
		if c.batch != nil {
			if c.batch.Next() {
				rec, err := c.scan(c.batch)
				if err != nil {
					c.err = &CursorBroken{GeofeedError{Op: "declaredCursor.Next", Err: err}}
					c.exhausted = true
					return false
				}
				c.current = rec
				return true
			}
			if err := c.batch.Err(); err != nil {
				c.err = &CursorBroken{GeofeedError{Op: "declaredCursor.Next", Err: err}}
			}
			c.batch.Close()
			c.batch = nil
			c.fetchCount++
		}

		rows, err := c.tx.Query(ctx, fmt.Sprintf("FETCH %d FROM %s", c.batchSize, c.name))
		if err != nil {
			c.err = &CursorBroken{GeofeedError{Op: "declaredCursor.Next", Err: fmt.Errorf("fetch from %s: %w", c.name, err)}}
			c.exhausted = true
			return false
		}
		c.batch = rows
		if !rows.Next() {
			c.exhausted = true
			c.batch.Close()
			c.batch = nil
			return false
		}
		rec, err := c.scan(c.batch)
		if err != nil {
			c.err = &CursorBroken{GeofeedError{Op: "declaredCursor.Next", Err: err}}
			c.exhausted = true
			return false
		}
		c.current = rec
		return true
	}
}

func (c *declaredCursor) Record() Record { return c.current }
func (c *declaredCursor) Err() error     { return c.err }

func (c *declaredCursor) Close() {
	if c.batch != nil {
		c.batch.Close()
		c.batch = nil
	}
	_, _ = c.tx.Exec(context.Background(), fmt.Sprintf("CLOSE %s", c.name))
}

// declaredBatchCursor is declaredCursor's counterpart for adapters whose
// rows need a second, batched query to hydrate child data (polyline node
// sequences, group member lists). Unlike declaredCursor, which scans one
// row at a time as the caller calls Next, declaredBatchCursor reads an
// entire FETCH batch into memory, hydrates it in one shot via parentIDs,
// and serves the resulting records one at a time. This keeps the child
// fetch at one query per FETCH batch instead of one per row.
type declaredBatchCursor struct {
	tx        pgx.Tx
	name      string
	batchSize int
	parseRow  func(rows pgx.Rows) (any, error)
	hydrate   func(ctx context.Context, tx pgx.Tx, parents []any) ([]Record, error)
	pending   []Record
	current   Record
	err       error
	exhausted bool
}

func declareAndOpenBatch(ctx context.Context, tx pgx.Tx, cursorName, selectSQL string,
	parseRow func(pgx.Rows) (any, error),
	hydrate func(context.Context, pgx.Tx, []any) ([]Record, error),
	batchSize int,
) (*declaredBatchCursor, error) {
	if _, err := tx.Exec(ctx, fmt.Sprintf("DECLARE %s CURSOR FOR %s", cursorName, selectSQL)); err != nil {
		return nil, queryFailedf("declare "+cursorName, err)
	}
	return &declaredBatchCursor{tx: tx, name: cursorName, batchSize: batchSize, parseRow: parseRow, hydrate: hydrate}, nil
}

func (c *declaredBatchCursor) Next(ctx context.Context) bool {
	if len(c.pending) > 0 {
		c.current = c.pending[0]
		c.pending = c.pending[1:]
		return true
	}
	if c.exhausted {
		return false
	}

	rows, err := c.tx.Query(ctx, fmt.Sprintf("FETCH %d FROM %s", c.batchSize, c.name))
	if err != nil {
		c.err = &CursorBroken{GeofeedError{Op: "declaredBatchCursor.Next", Err: fmt.Errorf("fetch from %s: %w", c.name, err)}}
		c.exhausted = true
		return false
	}

	var parents []any
	for rows.Next() {
		p, err := c.parseRow(rows)
		if err != nil {
			rows.Close()
			c.err = &CursorBroken{GeofeedError{Op: "declaredBatchCursor.Next", Err: err}}
			c.exhausted = true
			return false
		}
		parents = append(parents, p)
	}
	rowsErr := rows.Err()
	rows.Close()
	if rowsErr != nil {
		c.err = &CursorBroken{GeofeedError{Op: "declaredBatchCursor.Next", Err: rowsErr}}
		c.exhausted = true
		return false
	}
	if len(parents) == 0 {
		c.exhausted = true
		return false
	}

	recs, err := c.hydrate(ctx, c.tx, parents)
	if err != nil {
		c.err = &CursorBroken{GeofeedError{Op: "declaredBatchCursor.Next", Err: err}}
		c.exhausted = true
		return false
	}
	if len(recs) == 0 {
		c.exhausted = true
		return false
	}
	c.current = recs[0]
	c.pending = recs[1:]
	return true
}

func (c *declaredBatchCursor) Record() Record { return c.current }
func (c *declaredBatchCursor) Err() error     { return c.err }

func (c *declaredBatchCursor) Close() {
	_, _ = c.tx.Exec(context.Background(), fmt.Sprintf("CLOSE %s", c.name))
}

// nodeAdapter reads from {prefix}nodes.
type nodeAdapter struct{}

func (nodeAdapter) open(ctx context.Context, tx pgx.Tx, prefix string, batchSize int) (entityCursor, error) {
	sql := fmt.Sprintf(
		`SELECT id, version, user_id, tstamp, changeset_id, tags, ST_X(geom), ST_Y(geom)
		 FROM %snodes ORDER BY id`, prefix)
	scan := func(rows pgx.Rows) (Record, error) {
		var n Node
		var tags map[string]string
		if err := rows.Scan(&n.ID, &n.Version, &n.UserID, &n.Timestamp, &n.ChangesetID, &tags, &n.Lon, &n.Lat); err != nil {
			return Record{}, fmt.Errorf("scan node row: %w", err)
		}
		n.Tags = tagsFromMap(tags)
		return Record{Node: &n}, nil
	}
	cur, err := declareAndOpen(ctx, tx, "geofeed_nodes", sql, scan, batchSize)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

// polylineAdapter reads from {prefix}ways, hydrating each FETCH batch's
// node sequences with a single batched query against way_nodes (which
// has no scratch-prefixed variant: the member-ordering table is always
// read in full, filtered by the ids materialized in the current batch).
type polylineAdapter struct{}

func (polylineAdapter) open(ctx context.Context, tx pgx.Tx, prefix string, batchSize int) (entityCursor, error) {
	sql := fmt.Sprintf(
		`SELECT id, version, user_id, tstamp, changeset_id, tags
		 FROM %sways ORDER BY id`, prefix)
	parseRow := func(rows pgx.Rows) (any, error) {
		var p Polyline
		var tags map[string]string
		if err := rows.Scan(&p.ID, &p.Version, &p.UserID, &p.Timestamp, &p.ChangesetID, &tags); err != nil {
			return nil, fmt.Errorf("scan polyline row: %w", err)
		}
		p.Tags = tagsFromMap(tags)
		return p, nil
	}
	hydrate := func(ctx context.Context, tx pgx.Tx, parents []any) ([]Record, error) {
		ids := make([]uint64, len(parents))
		for i, p := range parents {
			ids[i] = p.(Polyline).ID
		}
		nodesByWay, err := fetchWayNodesBatch(ctx, tx, ids)
		if err != nil {
			return nil, err
		}
		recs := make([]Record, len(parents))
		for i, p := range parents {
			poly := p.(Polyline)
			poly.NodeIDs = nodesByWay[poly.ID]
			recs[i] = Record{Polyline: &poly}
		}
		return recs, nil
	}
	cur, err := declareAndOpenBatch(ctx, tx, "geofeed_ways", sql, parseRow, hydrate, batchSize)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

// fetchWayNodes returns the ordered node ids of a single way, for the
// PolylineByID point lookup.
func fetchWayNodes(ctx context.Context, tx pgx.Tx, wayID uint64) ([]uint64, error) {
	rows, err := tx.Query(ctx,
		`SELECT node_id FROM way_nodes WHERE way_id = $1 ORDER BY sequence_id`, wayID)
	if err != nil {
		return nil, fmt.Errorf("fetch way_nodes for way %d: %w", wayID, err)
	}
	defer rows.Close()

	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan way_nodes row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// fetchWayNodesBatch returns the ordered node ids of every way in
// wayIDs in a single round trip, keyed by way id. Used to hydrate a
// whole FETCH batch of polylines at once instead of one query per row.
func fetchWayNodesBatch(ctx context.Context, tx pgx.Tx, wayIDs []uint64) (map[uint64][]uint64, error) {
	rows, err := tx.Query(ctx,
		`SELECT way_id, node_id FROM way_nodes WHERE way_id = ANY($1) ORDER BY way_id, sequence_id`, wayIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch way_nodes for %d ways: %w", len(wayIDs), err)
	}
	defer rows.Close()

	out := make(map[uint64][]uint64, len(wayIDs))
	for rows.Next() {
		var wayID, nodeID uint64
		if err := rows.Scan(&wayID, &nodeID); err != nil {
			return nil, fmt.Errorf("scan way_nodes row: %w", err)
		}
		out[wayID] = append(out[wayID], nodeID)
	}
	return out, rows.Err()
}

// groupAdapter reads from {prefix}relations, hydrating each FETCH
// batch's member lists with a single batched query against
// relation_members (always the full table, as with polylineAdapter).
type groupAdapter struct{}

func (groupAdapter) open(ctx context.Context, tx pgx.Tx, prefix string, batchSize int) (entityCursor, error) {
	sql := fmt.Sprintf(
		`SELECT id, version, user_id, tstamp, changeset_id, tags
		 FROM %srelations ORDER BY id`, prefix)
	parseRow := func(rows pgx.Rows) (any, error) {
		var g Group
		var tags map[string]string
		if err := rows.Scan(&g.ID, &g.Version, &g.UserID, &g.Timestamp, &g.ChangesetID, &tags); err != nil {
			return nil, fmt.Errorf("scan group row: %w", err)
		}
		g.Tags = tagsFromMap(tags)
		return g, nil
	}
	hydrate := func(ctx context.Context, tx pgx.Tx, parents []any) ([]Record, error) {
		ids := make([]uint64, len(parents))
		for i, g := range parents {
			ids[i] = g.(Group).ID
		}
		membersByGroup, err := fetchRelationMembersBatch(ctx, tx, ids)
		if err != nil {
			return nil, err
		}
		recs := make([]Record, len(parents))
		for i, g := range parents {
			grp := g.(Group)
			grp.Members = membersByGroup[grp.ID]
			recs[i] = Record{Group: &grp}
		}
		return recs, nil
	}
	cur, err := declareAndOpenBatch(ctx, tx, "geofeed_relations", sql, parseRow, hydrate, batchSize)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func decodeMemberType(memberType string) (MemberKind, error) {
	switch memberType {
	case "N":
		return MemberNode, nil
	case "W":
		return MemberPolyline, nil
	case "R":
		return MemberGroup, nil
	default:
		return 0, fmt.Errorf("unknown member_type %q", memberType)
	}
}

// fetchRelationMembers returns the ordered member list of a single
// group, for the GroupByID point lookup.
func fetchRelationMembers(ctx context.Context, tx pgx.Tx, relationID uint64) ([]Member, error) {
	rows, err := tx.Query(ctx,
		`SELECT member_id, member_type, role FROM relation_members
		 WHERE relation_id = $1 ORDER BY sequence_id`, relationID)
	if err != nil {
		return nil, fmt.Errorf("fetch relation_members for relation %d: %w", relationID, err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var id uint64
		var memberType, role string
		if err := rows.Scan(&id, &memberType, &role); err != nil {
			return nil, fmt.Errorf("scan relation_members row: %w", err)
		}
		kind, err := decodeMemberType(memberType)
		if err != nil {
			return nil, err
		}
		members = append(members, Member{Kind: kind, Referent: id, Role: role})
	}
	return members, rows.Err()
}

// fetchRelationMembersBatch returns the ordered member list of every
// group in relationIDs in a single round trip, keyed by group id. Used
// to hydrate a whole FETCH batch of groups at once instead of one query
// per row.
func fetchRelationMembersBatch(ctx context.Context, tx pgx.Tx, relationIDs []uint64) (map[uint64][]Member, error) {
	rows, err := tx.Query(ctx,
		`SELECT relation_id, member_id, member_type, role FROM relation_members
		 WHERE relation_id = ANY($1) ORDER BY relation_id, sequence_id`, relationIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch relation_members for %d relations: %w", len(relationIDs), err)
	}
	defer rows.Close()

	out := make(map[uint64][]Member, len(relationIDs))
	for rows.Next() {
		var relationID, id uint64
		var memberType, role string
		if err := rows.Scan(&relationID, &id, &memberType, &role); err != nil {
			return nil, fmt.Errorf("scan relation_members row: %w", err)
		}
		kind, err := decodeMemberType(memberType)
		if err != nil {
			return nil, err
		}
		out[relationID] = append(out[relationID], Member{Kind: kind, Referent: id, Role: role})
	}
	return out, rows.Err()
}

func tagsFromMap(m map[string]string) []Tag {
	if len(m) == 0 {
		return nil
	}
	tags := make([]Tag, 0, len(m))
	for k, v := range m {
		tags = append(tags, Tag{Key: k, Value: v})
	}
	return tags
}
