// Package runlog persists one durable record per node execution for
// post-hoc inspection, independent of the ephemeral shared run state.
package runlog

import (
	"context"
	"unicode/utf8"

	"github.com/theuselessai/pipelit/types"
)

// MaxDetail caps how many bytes of output or error detail a record keeps.
// Raw detail is never silently swallowed, only truncated.
const MaxDetail = 2048

// Record is one node execution.
type Record struct {
	RunID        types.RunID  `json:"run_id"`
	NodeID       types.NodeID `json:"node_id"`
	Status       string       `json:"status"`
	AttemptCount int          `json:"attempt_count"`
	DurationMs   int64        `json:"duration_ms"`
	Output       string       `json:"output,omitempty"`
	Error        string       `json:"error,omitempty"`
	At           int64        `json:"at"`
}

// Truncate caps s at MaxDetail bytes, marking the cut. The cut backs up to
// a rune boundary so a multi-byte character is never split.
func Truncate(s string) string {
	if len(s) <= MaxDetail {
		return s
	}
	cut := MaxDetail
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...(truncated)"
}

// Store persists execution records.
type Store interface {
	// Append adds a record to a run's log.
	Append(ctx context.Context, rec Record) error

	// Records returns a run's log in append order.
	Records(ctx context.Context, id types.RunID) ([]Record, error)
}
