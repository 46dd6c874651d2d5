package geofeed

import (
	"context"
)

// singletonCursor yields exactly one Record then reports exhaustion.
// Used for the bounds and last-update envelope markers.
type singletonCursor struct {
	rec   Record
	done  bool
	yield bool
}

func newSingletonCursor(rec Record) *singletonCursor {
	return &singletonCursor{rec: rec, yield: true}
}

func (c *singletonCursor) Next(ctx context.Context) bool {
	if !c.yield {
		return false
	}
	c.yield = false
	c.done = true
	return true
}
func (c *singletonCursor) Record() Record { return c.rec }
func (c *singletonCursor) Err() error     { return nil }
func (c *singletonCursor) Close()         {}

// cursorOpener lazily produces the next underlying cursor in a
// concatenation. Returning (nil, nil) means "this stage contributes no
// cursor" (e.g. no groups requested) and concatCursor skips it.
type cursorOpener func(ctx context.Context) (entityCursor, error)

// concatCursor concatenates a fixed, ordered list of lazily-opened
// sub-cursors into a single stream. The next opener does not run until
// the previous cursor reports exhaustion. Close closes every
// already-opened sub-cursor exactly once, even if called concurrently
// with in-flight iteration from a single goroutine (the Session's
// single-threaded contract, not a concurrency guarantee).
type concatCursor struct {
	openers []cursorOpener
	index   int
	current entityCursor
	opened  []entityCursor
	err     error
	closed  bool
}

func newConcatCursor(openers []cursorOpener) *concatCursor {
	return &concatCursor{openers: openers}
}

func (c *concatCursor) Next(ctx context.Context) bool {
	if c.closed || c.err != nil {
		return false
	}
	for {
		if c.current != nil {
			if c.current.Next(ctx) {
				return true
			}
			if err := c.current.Err(); err != nil {
				c.err = err
				return false
			}
			c.current = nil
		}

		if c.index >= len(c.openers) {
			return false
		}

		opener := c.openers[c.index]
		c.index++

		cur, err := opener(ctx)
		if err != nil {
			c.err = err
			return false
		}
		if cur == nil {
			continue
		}
		c.opened = append(c.opened, cur)
		c.current = cur
	}
}

func (c *concatCursor) Record() Record {
	if c.current == nil {
		return Record{}
	}
	return c.current.Record()
}

func (c *concatCursor) Err() error { return c.err }

// Close closes every sub-cursor that has been opened so far, each
// exactly once. Idempotent.
func (c *concatCursor) Close() {
	if c.closed {
		return
	}
	c.closed = true
	for _, cur := range c.opened {
		cur.Close()
	}
}
