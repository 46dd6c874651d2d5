package geofeed

import (
	"errors"
	"fmt"
)

type (
	// GeofeedError is the base error type embedded by every error kind
	// the core raises.
	GeofeedError struct {
		Op  string // operation that failed
		Err error  // underlying error, if any
	}

	// InvalidSelector is raised by the selector constructors
	// (NewBBoxSelector, NewTagCompare), before any store interaction,
	// when a selector is malformed or self-contradictory.
	InvalidSelector struct {
		GeofeedError
		Field string
	}

	// SchemaIncompatible is raised at Session initialization when the
	// schema-version probe fails. No transaction is opened.
	SchemaIncompatible struct {
		GeofeedError
		Expected int
		Actual   int
	}

	// StoreUnavailable is raised at any stage on connection failure.
	StoreUnavailable struct {
		GeofeedError
	}

	// QueryFailed carries the name of the stage whose store statement
	// returned an error. The transaction has been rolled back.
	QueryFailed struct {
		GeofeedError
		Stage string
	}

	// CursorBroken is raised mid-iteration on a store error. The cursor
	// is closed; the caller must stop draining and release the Session.
	CursorBroken struct {
		GeofeedError
	}

	// LifecycleViolation is raised when a caller opens a second iterate
	// method on a Session with an unfinished stream, or uses a Session
	// after release or poisoning.
	LifecycleViolation struct {
		GeofeedError
	}

	// NotFound is raised by a point lookup (NodeByID, PolylineByID,
	// GroupByID) when no entity with the given id exists.
	NotFound struct {
		GeofeedError
		Kind EntityKind
		ID   uint64
	}
)

func (e *GeofeedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

func (e *GeofeedError) Unwrap() error { return e.Err }

// IsInvalidSelector reports whether err is (or wraps) an InvalidSelector.
func IsInvalidSelector(err error) bool {
	var e *InvalidSelector
	return errors.As(err, &e)
}

// GetInvalidSelector extracts an InvalidSelector from err's chain.
func GetInvalidSelector(err error) (*InvalidSelector, bool) {
	var e *InvalidSelector
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsSchemaIncompatible reports whether err is (or wraps) a SchemaIncompatible.
func IsSchemaIncompatible(err error) bool {
	var e *SchemaIncompatible
	return errors.As(err, &e)
}

// GetSchemaIncompatible extracts a SchemaIncompatible from err's chain.
func GetSchemaIncompatible(err error) (*SchemaIncompatible, bool) {
	var e *SchemaIncompatible
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsStoreUnavailable reports whether err is (or wraps) a StoreUnavailable.
func IsStoreUnavailable(err error) bool {
	var e *StoreUnavailable
	return errors.As(err, &e)
}

// IsQueryFailed reports whether err is (or wraps) a QueryFailed.
func IsQueryFailed(err error) bool {
	var e *QueryFailed
	return errors.As(err, &e)
}

// GetQueryFailed extracts a QueryFailed from err's chain.
func GetQueryFailed(err error) (*QueryFailed, bool) {
	var e *QueryFailed
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCursorBroken reports whether err is (or wraps) a CursorBroken.
func IsCursorBroken(err error) bool {
	var e *CursorBroken
	return errors.As(err, &e)
}

// IsLifecycleViolation reports whether err is (or wraps) a LifecycleViolation.
func IsLifecycleViolation(err error) bool {
	var e *LifecycleViolation
	return errors.As(err, &e)
}

// IsNotFound reports whether err is (or wraps) a NotFound.
func IsNotFound(err error) bool {
	var e *NotFound
	return errors.As(err, &e)
}

// GetNotFound extracts a NotFound from err's chain.
func GetNotFound(err error) (*NotFound, bool) {
	var e *NotFound
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func invalidSelectorf(op, field, format string, a ...any) *InvalidSelector {
	return &InvalidSelector{
		GeofeedError: GeofeedError{Op: op, Err: fmt.Errorf(format, a...)},
		Field:        field,
	}
}

func queryFailedf(stage string, cause error) *QueryFailed {
	return &QueryFailed{
		GeofeedError: GeofeedError{Op: "executeStage", Err: fmt.Errorf("stage %q: %w", stage, cause)},
		Stage:        stage,
	}
}

func lifecycleViolationf(op, format string, a ...any) *LifecycleViolation {
	return &LifecycleViolation{
		GeofeedError: GeofeedError{Op: op, Err: fmt.Errorf(format, a...)},
	}
}

func notFoundf(op string, kind EntityKind, id uint64) *NotFound {
	return &NotFound{
		GeofeedError: GeofeedError{Op: op, Err: fmt.Errorf("%s %d not found", kind, id)},
		Kind:         kind,
		ID:           id,
	}
}
