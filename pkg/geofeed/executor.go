package geofeed

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/jackc/pgx/v5"
)

// maxClosureIterations bounds the group-over-group closure loop so a
// misbehaving store (one that never reports zero affected rows) cannot
// hang the query forever. The set is finite (bounded by the number of
// groups in the dataset), so a real store always terminates well below
// this.
const maxClosureIterations = 10_000

// runStages executes plan stages in order against tx. Any store error
// aborts the query with QueryFailed, naming the failing stage; the
// caller is responsible for rolling back tx.
func runStages(ctx context.Context, tx pgx.Tx, stages []Stage, hints bool) error {
	if hints {
		if err := applyPlannerHints(ctx, tx); err != nil {
			return err
		}
	}

	for _, stage := range stages {
		switch stage.Exec {
		case stageLoop:
			if err := runClosureLoop(ctx, tx, stage); err != nil {
				return err
			}
		default:
			tag, err := tx.Exec(ctx, stage.SQL, stage.Params...)
			if err != nil {
				return queryFailedf(stage.Name, err)
			}
			log.Printf("geofeed: stage %s affected %d rows", stage.Name, tag.RowsAffected())
		}

		if stage.TargetSet != "" {
			if err := indexAndAnalyze(ctx, tx, stage.TargetSet); err != nil {
				return err
			}
		}
	}
	return nil
}

// runClosureLoop repeats stage.SQL until an iteration inserts zero rows.
// The zero-rows termination condition is enforced strictly; a hard
// iteration cap guards against a store bug that never reports zero.
func runClosureLoop(ctx context.Context, tx pgx.Tx, stage Stage) error {
	for i := 0; i < maxClosureIterations; i++ {
		tag, err := tx.Exec(ctx, stage.SQL, stage.Params...)
		if err != nil {
			return queryFailedf(stage.Name, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
	}
	return queryFailedf(stage.Name, fmt.Errorf("closure loop did not converge within %d iterations", maxClosureIterations))
}

// indexAndAnalyze adds a primary key on id and refreshes statistics for
// a freshly materialized scratch set, so subsequent joins in later
// stages have accurate row-count estimates.
func indexAndAnalyze(ctx context.Context, tx pgx.Tx, table string) error {
	// The ALTER runs under a savepoint so that its one expected failure
	// (below) does not abort the enclosing transaction.
	sp, err := tx.Begin(ctx)
	if err != nil {
		return queryFailedf("index_"+table, err)
	}
	if _, err := sp.Exec(ctx, fmt.Sprintf("ALTER TABLE %s ADD PRIMARY KEY (id)", table)); err != nil {
		_ = sp.Rollback(ctx)
		// A stage that only grows an existing set (the group-over-group
		// closure) re-targets a table that already has its key; ignore
		// that one expected failure mode and let ANALYZE still run.
		if !isDuplicateConstraint(err) {
			return queryFailedf("index_"+table, err)
		}
	} else if err := sp.Commit(ctx); err != nil {
		return queryFailedf("index_"+table, err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("ANALYZE %s", table)); err != nil {
		return queryFailedf("analyze_"+table, err)
	}
	return nil
}

func isDuplicateConstraint(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "multiple primary keys") || strings.Contains(msg, "already exists")
}

// applyPlannerHints biases the planner toward index-driven plans for
// the remainder of the transaction, scoped with SET LOCAL so other
// sessions are unaffected. See SPEC_FULL.md §4.3 for why these exist
// and when it's safe to disable them.
func applyPlannerHints(ctx context.Context, tx pgx.Tx) error {
	for _, setting := range []string{
		"SET LOCAL enable_seqscan = off",
		"SET LOCAL enable_mergejoin = off",
		"SET LOCAL enable_hashjoin = off",
	} {
		if _, err := tx.Exec(ctx, setting); err != nil {
			return queryFailedf("planner_hints", err)
		}
	}
	return nil
}
