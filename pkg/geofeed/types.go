package geofeed

import "time"

// EntityKind identifies one of the three entity types a stream may carry.
// The constants are declared in the stream's emission order (node,
// polyline, group).
type EntityKind int

const (
	KindNode EntityKind = iota
	KindPolyline
	KindGroup
)

func (k EntityKind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindPolyline:
		return "polyline"
	case KindGroup:
		return "group"
	default:
		return "unknown"
	}
}

// Tag is a single key/value attribute. Keys are unique within an entity's
// attribute mapping.
type Tag struct {
	Key   string
	Value string
}

// Node is a point entity.
type Node struct {
	ID          uint64
	Version     uint32
	Timestamp   time.Time
	UserID      int64
	ChangesetID int64
	Lon         float64
	Lat         float64
	Tags        []Tag
}

// Polyline is an ordered sequence of node references forming a path.
type Polyline struct {
	ID          uint64
	Version     uint32
	Timestamp   time.Time
	UserID      int64
	ChangesetID int64
	Tags        []Tag
	NodeIDs     []uint64
}

// MemberKind identifies what a Group member refers to.
type MemberKind int

const (
	MemberNode MemberKind = iota
	MemberPolyline
	MemberGroup
)

// Member is a single typed, roled reference inside a Group.
type Member struct {
	Kind     MemberKind
	Referent uint64
	Role     string
}

// Group is an unordered collection of typed member references.
type Group struct {
	ID          uint64
	Version     uint32
	Timestamp   time.Time
	UserID      int64
	ChangesetID int64
	Tags        []Tag
	Members     []Member
}

// BoundsMarker is the singleton envelope record emitted first in every
// stream, describing the query's bounding rectangle. Origin is always
// the literal "Osmosis " + an implementation version string; it is
// informational only, but every marker must carry it.
type BoundsMarker struct {
	Left, Right, Top, Bottom float64
	Origin                   string
}

// LastUpdateMarker is the singleton envelope record emitted second in
// every stream, recording the dataset's last modification time.
type LastUpdateMarker struct {
	Timestamp time.Time
}

// Record is whatever a stream yields: exactly one of the envelope markers
// or one of the three entity kinds, never more than one field set.
type Record struct {
	Bounds     *BoundsMarker
	LastUpdate *LastUpdateMarker
	Node       *Node
	Polyline   *Polyline
	Group      *Group
}
