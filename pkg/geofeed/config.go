package geofeed

import "time"

// SessionConfig tunes a Session's timeouts and resource usage. The zero
// value is not valid; use DefaultSessionConfig and override as needed.
type SessionConfig struct {
	// QueryTimeout bounds the materialization phase of each Iterate*
	// call: all of its plan stages together.
	QueryTimeout time.Duration

	// StreamBatchSize is the FETCH size used by entity cursor adapters
	// (how many rows are pulled from the store per round trip).
	StreamBatchSize int

	// DisablePlannerHints skips the SET LOCAL enable_seqscan/mergejoin/
	// hashjoin hints the executor otherwise issues once per transaction.
	// See the design note in SPEC_FULL.md §4.3: the hints are a
	// workaround for particular store-version statistics issues, not a
	// correctness requirement.
	DisablePlannerHints bool

	// SchemaVersion is the version this Session expects the dataset's
	// schema_info table to report. A mismatch raises SchemaIncompatible.
	SchemaVersion int
}

// DefaultSessionConfig returns the configuration used when none is
// supplied to NewSession.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		QueryTimeout:    30 * time.Second,
		StreamBatchSize: 1000,
		SchemaVersion:   1,
	}
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 30 * time.Second
	}
	if c.StreamBatchSize <= 0 {
		c.StreamBatchSize = 1000
	}
	return c
}
