package geofeed

import (
	"fmt"
	"strings"
)

// geomAttr names the geometry column a BBoxSelector addresses. The
// planner rewrites this when a selector built for nodes is applied to a
// polyline stage; selectors themselves stay oblivious to which table
// they'll run against.
type geomAttr string

const (
	geomNode      geomAttr = "geom"
	geomPolyline  geomAttr = "linestring"
	geomCachedBox geomAttr = "bbox"
)

// BBoxSelector is a geographic bounding-box predicate. Coordinates are
// unprojected degrees; Left < Right and Bottom < Top.
type BBoxSelector struct {
	Left, Right, Top, Bottom float64
	attr                     geomAttr
}

// NewBBoxSelector constructs a selector addressing the node geometry
// column. Fails with InvalidSelector if the box is degenerate.
func NewBBoxSelector(left, right, top, bottom float64) (*BBoxSelector, error) {
	if left >= right {
		return nil, invalidSelectorf("NewBBoxSelector", "left/right", "left (%v) must be < right (%v)", left, right)
	}
	if bottom >= top {
		return nil, invalidSelectorf("NewBBoxSelector", "bottom/top", "bottom (%v) must be < top (%v)", bottom, top)
	}
	return &BBoxSelector{Left: left, Right: right, Top: top, Bottom: bottom, attr: geomNode}, nil
}

// forPolylines returns a copy of s rewritten to address the polyline
// geometry attribute. Used only by the planner — never by callers.
func (s *BBoxSelector) forPolylines() *BBoxSelector {
	c := *s
	c.attr = geomPolyline
	return &c
}

// forCachedBBoxColumn returns a copy of s rewritten to address the
// ways.bbox cached-rectangle column, used for the candidate-selection
// predicate of the polyline-bbox physical plan. Used only by the
// planner.
func (s *BBoxSelector) forCachedBBoxColumn() *BBoxSelector {
	c := *s
	c.attr = geomCachedBox
	return &c
}

// PredicateFragment returns a SQL fragment with four positional
// placeholders, numbered from paramIndex, for the envelope corners.
func (s *BBoxSelector) PredicateFragment(paramIndex int) string {
	attr := s.attr
	if attr == "" {
		attr = geomNode
	}
	return fmt.Sprintf("%s && ST_MakeEnvelope($%d, $%d, $%d, $%d, 4326)", attr, paramIndex, paramIndex+1, paramIndex+2, paramIndex+3)
}

// BoundParameters returns the ordered parameters for PredicateFragment:
// left, bottom, right, top (the ST_MakeEnvelope argument order).
func (s *BBoxSelector) BoundParameters() []any {
	return []any{s.Left, s.Bottom, s.Right, s.Top}
}

// AttributeSelector is a predicate over an entity's tag mapping. The set
// of concrete variants is closed; callers construct them via the NewXxx
// functions below and combine a slice of them with OR.
type AttributeSelector interface {
	predicateFragment(paramIndex int) string
	boundParameters() []any
	isAttributeSelector()
}

type tagEquals struct{ key, value string }

func NewTagEquals(key, value string) AttributeSelector { return &tagEquals{key, value} }

func (t *tagEquals) predicateFragment(i int) string { return fmt.Sprintf("tags->>$%d = $%d", i, i+1) }
func (t *tagEquals) boundParameters() []any         { return []any{t.key, t.value} }
func (t *tagEquals) isAttributeSelector()           {}

type tagPresent struct{ key string }

func NewTagPresent(key string) AttributeSelector { return &tagPresent{key} }

func (t *tagPresent) predicateFragment(i int) string { return fmt.Sprintf("tags ? $%d", i) }
func (t *tagPresent) boundParameters() []any         { return []any{t.key} }
func (t *tagPresent) isAttributeSelector()           {}

// CompareOp is a numeric comparison operator for TagCompare selectors.
type CompareOp string

const (
	OpLT CompareOp = "<"
	OpLE CompareOp = "<="
	OpEQ CompareOp = "="
	OpNE CompareOp = "<>"
	OpGE CompareOp = ">="
	OpGT CompareOp = ">"
)

func (op CompareOp) valid() bool {
	switch op {
	case OpLT, OpLE, OpEQ, OpNE, OpGE, OpGT:
		return true
	default:
		return false
	}
}

type tagCompare struct {
	key string
	op  CompareOp
	num float64
}

// NewTagCompare builds a numeric comparison selector. Fails with
// InvalidSelector if op is not one of the six recognized comparators.
func NewTagCompare(key string, op CompareOp, num float64) (AttributeSelector, error) {
	if !op.valid() {
		return nil, invalidSelectorf("NewTagCompare", "op", "malformed comparison operator %q", op)
	}
	return &tagCompare{key: key, op: op, num: num}, nil
}

func (t *tagCompare) predicateFragment(i int) string {
	return fmt.Sprintf("(tags->>$%d)::double precision %s $%d", i, t.op, i+1)
}
func (t *tagCompare) boundParameters() []any { return []any{t.key, t.num} }
func (t *tagCompare) isAttributeSelector()   {}

// tagAny is the free-form disjunction escape hatch: a raw fragment with
// its own positional parameters, spliced in verbatim.
type tagAny struct {
	fragment string
	params   []any
}

// NewTagAny builds a free-form attribute selector from a raw SQL
// fragment using "?" placeholders, renumbered to the surrounding
// statement's position when composed.
func NewTagAny(fragment string, params ...any) AttributeSelector {
	return &tagAny{fragment: fragment, params: params}
}

func (t *tagAny) predicateFragment(i int) string {
	out := t.fragment
	for range t.params {
		out = strings.Replace(out, "?", fmt.Sprintf("$%d", i), 1)
		i++
	}
	return out
}
func (t *tagAny) boundParameters() []any { return t.params }
func (t *tagAny) isAttributeSelector()   {}

// composeAttrPredicate ORs a slice of AttributeSelectors together and
// returns the combined fragment plus its ordered parameters, starting
// numbering at startIndex. An empty slice degenerates to "(1=1)".
func composeAttrPredicate(selectors []AttributeSelector, startIndex int) (string, []any) {
	if len(selectors) == 0 {
		return "(1=1)", nil
	}
	var parts []string
	var params []any
	idx := startIndex
	for _, s := range selectors {
		parts = append(parts, "("+s.predicateFragment(idx)+")")
		p := s.boundParameters()
		params = append(params, p...)
		idx += len(p)
	}
	return "(" + strings.Join(parts, " OR ") + ")", params
}

// composeBBoxPredicate ORs a slice of BBoxSelectors together and returns
// the combined fragment plus its ordered parameters, starting numbering
// at startIndex. An empty slice degenerates to "(1=1)".
func composeBBoxPredicate(selectors []*BBoxSelector, startIndex int) (string, []any) {
	if len(selectors) == 0 {
		return "(1=1)", nil
	}
	var parts []string
	var params []any
	idx := startIndex
	for _, s := range selectors {
		parts = append(parts, "("+s.PredicateFragment(idx)+")")
		p := s.BoundParameters()
		params = append(params, p...)
		idx += len(p)
	}
	return "(" + strings.Join(parts, " OR ") + ")", params
}
