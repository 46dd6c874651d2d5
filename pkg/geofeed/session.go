package geofeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// implementationVersion identifies this implementation in the bounds
// marker's origin tag (spec.md §6: literal "Osmosis " + version).
const implementationVersion = "go-geofeed 0.1"

// boundsMarkerOrigin is the literal origin tag every bounds marker
// carries, regardless of what produced the bounding rectangle.
const boundsMarkerOrigin = "Osmosis " + implementationVersion

// Session is a single query transaction against a Store. It is not safe
// for concurrent use: exactly one stream may be open at a time, and all
// operations run against the same underlying pgx.Tx.
//
// A Session is constructed eagerly but initialized lazily: NewSession
// cannot fail. The first call to a point lookup, an Iterate* method, or
// Complete opens the transaction, validates the dataset's schema version
// against cfg.SchemaVersion, and probes optional capabilities. A failure
// at that point poisons the Session; every later call returns
// LifecycleViolation wrapping the original cause.
type Session struct {
	store    *Store
	cfg      SessionConfig
	tx       pgx.Tx
	caps     capabilitySet
	poisoned error
	active   *Stream
	done     bool
}

// NewSession returns a Session that has not yet opened a transaction.
// It cannot fail; store connectivity, schema validation, and capability
// probing are all deferred to the first call that needs them.
func NewSession(store *Store, cfg SessionConfig) *Session {
	return &Session{store: store, cfg: cfg.withDefaults()}
}

// initialize opens the transaction, validates the schema version, and
// probes capabilities. Called at most once per Session, by checkUsable
// on the first call that needs the transaction.
func (s *Session) initialize(ctx context.Context) error {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return s.poison(err)
	}

	var version int
	if err := tx.QueryRow(ctx, `SELECT version FROM schema_info LIMIT 1`).Scan(&version); err != nil {
		_ = tx.Rollback(ctx)
		return s.poison(&SchemaIncompatible{
			GeofeedError: GeofeedError{Op: "NewSession", Err: fmt.Errorf("read schema_info: %w", err)},
			Expected:     s.cfg.SchemaVersion,
		})
	}
	if version != s.cfg.SchemaVersion {
		_ = tx.Rollback(ctx)
		return s.poison(&SchemaIncompatible{
			GeofeedError: GeofeedError{Op: "NewSession", Err: fmt.Errorf("dataset schema version %d does not match expected %d", version, s.cfg.SchemaVersion)},
			Expected:     s.cfg.SchemaVersion,
			Actual:       version,
		})
	}

	caps, err := probeCapabilities(ctx, tx)
	if err != nil {
		_ = tx.Rollback(ctx)
		return s.poison(&StoreUnavailable{GeofeedError{Op: "NewSession", Err: err}})
	}

	s.tx = tx
	s.caps = caps
	return nil
}

func (s *Session) checkUsable(ctx context.Context, op string) error {
	if s.poisoned != nil {
		return lifecycleViolationf(op, "session poisoned by earlier error: %v", s.poisoned)
	}
	if s.done {
		return lifecycleViolationf(op, "session already completed or released")
	}
	if s.active != nil && !s.active.closed {
		return lifecycleViolationf(op, "previous stream not yet closed")
	}
	if s.tx == nil {
		if err := s.initialize(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) poison(err error) error {
	s.poisoned = err
	if s.tx != nil {
		_ = s.tx.Rollback(context.Background())
	}
	return err
}

// NodeByID returns the node with the given id, or NotFound.
func (s *Session) NodeByID(ctx context.Context, id uint64) (Node, error) {
	if err := s.checkUsable(ctx, "NodeByID"); err != nil {
		return Node{}, err
	}
	var n Node
	var tags map[string]string
	n.ID = id
	err := s.tx.QueryRow(ctx, `
		SELECT version, user_id, tstamp, changeset_id, tags, ST_X(geom), ST_Y(geom)
		FROM nodes WHERE id = $1`, id,
	).Scan(&n.Version, &n.UserID, &n.Timestamp, &n.ChangesetID, &tags, &n.Lon, &n.Lat)
	if errors.Is(err, pgx.ErrNoRows) {
		return Node{}, notFoundf("NodeByID", KindNode, id)
	}
	if err != nil {
		return Node{}, s.poison(queryFailedf("node_by_id", err))
	}
	n.Tags = tagsFromMap(tags)
	return n, nil
}

// PolylineByID returns the polyline with the given id, or NotFound.
func (s *Session) PolylineByID(ctx context.Context, id uint64) (Polyline, error) {
	if err := s.checkUsable(ctx, "PolylineByID"); err != nil {
		return Polyline{}, err
	}
	var p Polyline
	var tags map[string]string
	p.ID = id
	err := s.tx.QueryRow(ctx, `
		SELECT version, user_id, tstamp, changeset_id, tags
		FROM ways WHERE id = $1`, id,
	).Scan(&p.Version, &p.UserID, &p.Timestamp, &p.ChangesetID, &tags)
	if errors.Is(err, pgx.ErrNoRows) {
		return Polyline{}, notFoundf("PolylineByID", KindPolyline, id)
	}
	if err != nil {
		return Polyline{}, s.poison(queryFailedf("polyline_by_id", err))
	}
	p.Tags = tagsFromMap(tags)
	nodeIDs, err := fetchWayNodes(ctx, s.tx, id)
	if err != nil {
		return Polyline{}, s.poison(err)
	}
	p.NodeIDs = nodeIDs
	return p, nil
}

// GroupByID returns the group with the given id, or NotFound.
func (s *Session) GroupByID(ctx context.Context, id uint64) (Group, error) {
	if err := s.checkUsable(ctx, "GroupByID"); err != nil {
		return Group{}, err
	}
	var g Group
	var tags map[string]string
	g.ID = id
	err := s.tx.QueryRow(ctx, `
		SELECT version, user_id, tstamp, changeset_id, tags
		FROM relations WHERE id = $1`, id,
	).Scan(&g.Version, &g.UserID, &g.Timestamp, &g.ChangesetID, &tags)
	if errors.Is(err, pgx.ErrNoRows) {
		return Group{}, notFoundf("GroupByID", KindGroup, id)
	}
	if err != nil {
		return Group{}, s.poison(queryFailedf("group_by_id", err))
	}
	g.Tags = tagsFromMap(tags)
	members, err := fetchRelationMembers(ctx, s.tx, id)
	if err != nil {
		return Group{}, s.poison(err)
	}
	g.Members = members
	return g, nil
}

// IterateAll streams every node, polyline and group in the dataset, in
// that order, preceded by the bounds and last-update markers. No scratch
// sets are built; entity adapters read the base tables directly.
func (s *Session) IterateAll(ctx context.Context) (*Stream, error) {
	return s.openStream(ctx, planRequest{kind: KindAll}, "")
}

// IterateBBox streams every node, polyline and group whose geometry
// intersects box. This is the legacy single-box query shape; completeWays
// requests the complete-ways expansion when the store supports it.
func (s *Session) IterateBBox(ctx context.Context, box *BBoxSelector, completeWays bool) (*Stream, error) {
	req := planRequest{kind: KindBBoxLegacy, bboxes: []*BBoxSelector{box}, completeWays: completeWays}
	return s.openStream(ctx, req, "bbox_")
}

// IterateSelectedNodes streams only the nodes matching the bbox and
// attribute selectors.
func (s *Session) IterateSelectedNodes(ctx context.Context, bboxes []*BBoxSelector, attrs []AttributeSelector) (*Stream, error) {
	return s.openStream(ctx, planRequest{kind: KindTypedNodes, bboxes: bboxes, attrs: attrs}, "bbox_")
}

// IterateSelectedPolylines streams only the polylines matching the bbox
// and attribute selectors.
func (s *Session) IterateSelectedPolylines(ctx context.Context, bboxes []*BBoxSelector, attrs []AttributeSelector) (*Stream, error) {
	return s.openStream(ctx, planRequest{kind: KindTypedPolylines, bboxes: bboxes, attrs: attrs}, "bbox_")
}

// IterateSelectedGroups streams only the groups reachable from matching
// nodes or polylines, closed transitively over group membership.
func (s *Session) IterateSelectedGroups(ctx context.Context, bboxes []*BBoxSelector, attrs []AttributeSelector) (*Stream, error) {
	return s.openStream(ctx, planRequest{kind: KindTypedGroups, bboxes: bboxes, attrs: attrs}, "bbox_")
}

// IterateSelectedAll streams nodes, polylines and groups matching the
// bbox and attribute selectors, with completeWays controlling whether
// partially-included polylines are expanded to their full node set.
func (s *Session) IterateSelectedAll(ctx context.Context, bboxes []*BBoxSelector, attrs []AttributeSelector, completeWays bool) (*Stream, error) {
	req := planRequest{kind: KindTypedAll, bboxes: bboxes, attrs: attrs, completeWays: completeWays}
	return s.openStream(ctx, req, "bbox_")
}

// IterateNodesByID streams the nodes with the given ids, in ascending id
// order, skipping ids that don't exist.
func (s *Session) IterateNodesByID(ctx context.Context, ids []uint64) (*Stream, error) {
	return s.openStream(ctx, planRequest{kind: KindByIDNodes, ids: ids}, "bbox_")
}

// IteratePolylinesByID streams the polylines with the given ids.
func (s *Session) IteratePolylinesByID(ctx context.Context, ids []uint64) (*Stream, error) {
	return s.openStream(ctx, planRequest{kind: KindByIDPolylines, ids: ids}, "bbox_")
}

// IterateGroupsByID streams the groups with the given ids.
func (s *Session) IterateGroupsByID(ctx context.Context, ids []uint64) (*Stream, error) {
	return s.openStream(ctx, planRequest{kind: KindByIDGroups, ids: ids}, "bbox_")
}

func (s *Session) openStream(ctx context.Context, req planRequest, prefix string) (*Stream, error) {
	if err := s.checkUsable(ctx, "Iterate"); err != nil {
		return nil, err
	}

	if prefix != "" {
		req.completeWays = req.completeWays && s.caps.completeWays
		stages, err := buildPlan(req, s.caps)
		if err != nil {
			return nil, s.poison(err)
		}
		stageCtx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
		err = runStages(stageCtx, s.tx, stages, !s.cfg.DisablePlannerHints)
		cancel()
		if err != nil {
			return nil, s.poison(err)
		}
	}

	bounds, err := s.boundsMarkerFor(ctx, req, prefix)
	if err != nil {
		return nil, s.poison(err)
	}
	lastUpdate, err := fetchLastUpdate(ctx, s.tx)
	if err != nil {
		return nil, s.poison(err)
	}

	batch := s.cfg.StreamBatchSize
	var openers []cursorOpener
	openers = append(openers, singletonOpener(Record{Bounds: &bounds}))
	openers = append(openers, singletonOpener(Record{LastUpdate: &lastUpdate}))

	if req.kind.wantsNodes() {
		openers = append(openers, adapterOpener(nodeAdapter{}, s.tx, prefix, batch))
	}
	if req.kind.wantsPolylines() {
		openers = append(openers, adapterOpener(polylineAdapter{}, s.tx, prefix, batch))
	}
	if req.kind.wantsGroups() {
		openers = append(openers, adapterOpener(groupAdapter{}, s.tx, prefix, batch))
	}

	cc := newConcatCursor(openers)
	stream := &Stream{session: s, cursor: cc}
	s.active = stream
	return stream, nil
}

func singletonOpener(rec Record) cursorOpener {
	return func(ctx context.Context) (entityCursor, error) {
		return newSingletonCursor(rec), nil
	}
}

func adapterOpener(a entityAdapter, tx pgx.Tx, prefix string, batchSize int) cursorOpener {
	return func(ctx context.Context) (entityCursor, error) {
		return a.open(ctx, tx, prefix, batchSize)
	}
}

// boundsMarkerFor reports the rectangle a stream's bounds marker
// describes: the union of the request's boxes when any were given, or
// the dataset's actual node extent for a full-table iteration.
func (s *Session) boundsMarkerFor(ctx context.Context, req planRequest, prefix string) (BoundsMarker, error) {
	if len(req.bboxes) > 0 {
		m := BoundsMarker{Origin: boundsMarkerOrigin}
		m.Left, m.Bottom, m.Right, m.Top = req.bboxes[0].Left, req.bboxes[0].Bottom, req.bboxes[0].Right, req.bboxes[0].Top
		for _, b := range req.bboxes[1:] {
			m.Left = min(m.Left, b.Left)
			m.Bottom = min(m.Bottom, b.Bottom)
			m.Right = max(m.Right, b.Right)
			m.Top = max(m.Top, b.Top)
		}
		return m, nil
	}

	var left, bottom, right, top *float64
	err := s.tx.QueryRow(ctx, `SELECT ST_XMin(e), ST_YMin(e), ST_XMax(e), ST_YMax(e) FROM (SELECT ST_Extent(geom) AS e FROM nodes) x`).
		Scan(&left, &bottom, &right, &top)
	if err != nil {
		return BoundsMarker{}, queryFailedf("dataset_extent", err)
	}
	m := BoundsMarker{Origin: boundsMarkerOrigin}
	if left != nil {
		m.Left, m.Bottom, m.Right, m.Top = *left, *bottom, *right, *top
	}
	return m, nil
}

// fetchLastUpdate reads the dataset's single last-modification record.
// An empty table (never-replicated dataset) yields the zero time rather
// than an error: the marker is always emitted, even when no meaningful
// timestamp is available yet.
func fetchLastUpdate(ctx context.Context, tx pgx.Tx) (LastUpdateMarker, error) {
	var ts time.Time
	err := tx.QueryRow(ctx, `SELECT last_update FROM dataset_state LIMIT 1`).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return LastUpdateMarker{}, nil
	}
	if err != nil {
		return LastUpdateMarker{}, queryFailedf("last_update", err)
	}
	return LastUpdateMarker{Timestamp: ts}, nil
}

// Complete commits the Session's transaction. It fails with
// LifecycleViolation if a stream is still open.
func (s *Session) Complete(ctx context.Context) error {
	if err := s.checkUsable(ctx, "Complete"); err != nil {
		return err
	}
	s.done = true
	if err := s.tx.Commit(ctx); err != nil {
		return &StoreUnavailable{GeofeedError{Op: "Complete", Err: err}}
	}
	return nil
}

// Release rolls back the Session's transaction if it has not already
// been completed. Idempotent; safe to call after Complete or a prior
// Release, and safe to defer unconditionally.
func (s *Session) Release(ctx context.Context) {
	if s.done {
		return
	}
	s.done = true
	if s.active != nil {
		s.active.Close()
	}
	if s.tx != nil {
		_ = s.tx.Rollback(ctx)
	}
}

// Stream is the cursor a Session's iterate method hands back. Exactly
// one Stream may be open per Session at a time.
type Stream struct {
	session *Session
	cursor  *concatCursor
	closed  bool
}

func (st *Stream) Next(ctx context.Context) bool { return st.cursor.Next(ctx) }
func (st *Stream) Record() Record                { return st.cursor.Record() }
func (st *Stream) Err() error                    { return st.cursor.Err() }

// Close releases the stream's cursor resources. Idempotent; must be
// called before the owning Session can open another stream or Complete.
func (st *Stream) Close() {
	if st.closed {
		return
	}
	st.closed = true
	st.cursor.Close()
}
