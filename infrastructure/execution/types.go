// Package execution tracks the lifecycle of batch query runs submitted to
// the executor: one record per batch, from acceptance through completion.
package execution

import (
	"time"
)

// Status represents the lifecycle state of a batch run.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
)

// Run represents a single batch execution record: the queries submitted,
// and the outcome of routing and running them.
type Run struct {
	ID           int64          `json:"id,omitempty"`
	BatchID      string         `json:"batch_id"`
	QueryCount   int            `json:"query_count"`
	Status       Status         `json:"status"`
	ComputeMs    int64          `json:"compute_ms,omitempty"`
	IOMs         int64          `json:"io_ms,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    *time.Time     `json:"created_at,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// CreateRequest is the request to register a new batch run.
type CreateRequest struct {
	BatchID    string         `json:"batch_id"`
	QueryCount int            `json:"query_count"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// UpdateRequest is the request to update a batch run in place.
type UpdateRequest struct {
	Status       *Status    `json:"status,omitempty"`
	ComputeMs    *int64     `json:"compute_ms,omitempty"`
	IOMs         *int64     `json:"io_ms,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	ErrorKind    *string    `json:"error_kind,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}
