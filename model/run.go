package model

import "time"

// RunWindow is the half-open instant range [Start, End) covering one
// civil day after timezone resolution. Both bounds are absolute
// instants, never civil times.
type RunWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window (inclusive start,
// exclusive end).
func (w RunWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// RunStatus is the terminal state of a pipeline run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunAborted   RunStatus = "aborted"
)

// DeliveryStatus records how notification dispatch ended.
type DeliveryStatus string

const (
	// DeliverySkipped means there was nothing relevant to send.
	DeliverySkipped   DeliveryStatus = "skipped"
	DeliveryDelivered DeliveryStatus = "delivered"
	// DeliveryRejected is a non-retryable rejection by the transport.
	DeliveryRejected DeliveryStatus = "rejected"
	// DeliveryFailed means retries were exhausted on transient errors.
	DeliveryFailed DeliveryStatus = "failed"
)

// DeliveryOutcome summarizes notification dispatch for one run.
type DeliveryOutcome struct {
	Status   DeliveryStatus `json:"status"`
	Messages int            `json:"messages,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// ItemFailure records one per-item failure inside a run.
type ItemFailure struct {
	MessageID string      `json:"message_id"`
	Kind      FailureKind `json:"kind"`
	Error     string      `json:"error"`
}

// RunReport is the per-run outcome record. Exactly one is produced per
// orchestrator invocation, even when the run aborts, and it is
// inspectable independently of notification delivery.
type RunReport struct {
	RunID       string          `json:"run_id"`
	Window      RunWindow       `json:"window"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
	Status      RunStatus       `json:"status"`
	AbortReason string          `json:"abort_reason,omitempty"`
	Candidates  int             `json:"candidates"`
	Succeeded   int             `json:"succeeded"`
	Skipped     int             `json:"skipped"`
	Failures    []ItemFailure   `json:"failures,omitempty"`
	Delivery    DeliveryOutcome `json:"delivery"`
}

// Failed returns the number of per-item failures.
func (r *RunReport) Failed() int {
	return len(r.Failures)
}

// LogAttrs returns the report as slog key/value pairs.
func (r *RunReport) LogAttrs() []any {
	attrs := []any{
		"runID", r.RunID,
		"status", string(r.Status),
		"windowStart", r.Window.Start,
		"windowEnd", r.Window.End,
		"candidates", r.Candidates,
		"succeeded", r.Succeeded,
		"skipped", r.Skipped,
		"failed", r.Failed(),
		"delivery", string(r.Delivery.Status),
		"duration", r.FinishedAt.Sub(r.StartedAt),
	}
	if r.AbortReason != "" {
		attrs = append(attrs, "abortReason", r.AbortReason)
	}
	return attrs
}
