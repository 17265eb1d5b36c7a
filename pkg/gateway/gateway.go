// Package gateway is the client to the remote execution-record service. It
// owns the wire contract only: records are created, patched, fetched, and
// deleted here, while all session semantics live in pkg/session.
package gateway

import (
	"context"
	"time"

	"github.com/planrun/planrun/pkg/results"
)

// Status is the server-side state of an execution record.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Active reports whether a record in this status is still producing
// progress, which gates the poll fallback and the live relay.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusQueued
}

// Record is the persisted state of one execution session.
type Record struct {
	SessionID  string                 `json:"sessionId"`
	PlanID     string                 `json:"planId"`
	CaseIDs    []string               `json:"caseIds"`
	Status     Status                 `json:"status"`
	StartedAt  time.Time              `json:"startedAt"`
	FinishedAt *time.Time             `json:"finishedAt,omitempty"`
	Stats      results.AggregateStats `json:"stats"`
	Results    []results.CaseResult   `json:"results"`
	Message    string                 `json:"message,omitempty"`
}

// Patch is a partial record update. Nil fields are left untouched by the
// server; the endpoint is idempotent, so resending an identical patch is
// safe. Per the single-write contract, Stats and Results always travel
// together when either changes.
type Patch struct {
	Status     *Status                 `json:"status,omitempty"`
	FinishedAt *time.Time              `json:"finishedAt,omitempty"`
	Stats      *results.AggregateStats `json:"stats,omitempty"`
	Results    []results.CaseResult    `json:"results,omitempty"`
	Message    *string                 `json:"message,omitempty"`

	// ResetResults clears all persisted results before applying the rest of
	// the patch. Re-execute starts send this; an absent Results slice alone
	// means "leave existing results untouched".
	ResetResults bool `json:"resetResults,omitempty"`
}

// Gateway is the execution-record service contract.
type Gateway interface {
	// Create registers a new run and returns its server-assigned session id.
	Create(ctx context.Context, planID string, caseIDs []string) (string, error)

	// Update applies a partial record patch. Must be idempotent.
	Update(ctx context.Context, sessionID string, patch Patch) error

	// Fetch returns the current record.
	Fetch(ctx context.Context, sessionID string) (*Record, error)

	// Delete removes the record outright. Used only for abandoned sessions
	// that never produced a completed result.
	Delete(ctx context.Context, sessionID string) error
}
