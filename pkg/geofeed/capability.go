package geofeed

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// capabilitySet records the optional schema features probed once per
// Session and cached for its lifetime. A missing feature only downgrades
// the plan; probing itself never fails the query.
type capabilitySet struct {
	linestring   bool // ways.linestring cached geometry column
	bbox         bool // ways.bbox cached bounding-rectangle column
	completeWays bool // complete_ways(...) stored procedure
}

// probeCapabilities inspects schema metadata once inside tx and returns
// the capability set for the remainder of the Session.
func probeCapabilities(ctx context.Context, tx pgx.Tx) (capabilitySet, error) {
	var caps capabilitySet

	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_name = 'ways' AND column_name = 'linestring'
		)`).Scan(&caps.linestring)
	if err != nil {
		return capabilitySet{}, fmt.Errorf("probe linestring capability: %w", err)
	}

	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_name = 'ways' AND column_name = 'bbox'
		)`).Scan(&caps.bbox)
	if err != nil {
		return capabilitySet{}, fmt.Errorf("probe bbox capability: %w", err)
	}

	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_proc WHERE proname = 'complete_ways'
		)`).Scan(&caps.completeWays)
	if err != nil {
		return capabilitySet{}, fmt.Errorf("probe complete-ways capability: %w", err)
	}

	return caps, nil
}
