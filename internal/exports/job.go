// Package exports implements asynchronous CSV export jobs over the users
// dataset: the in-memory job registry, the export pipeline, and the CSV
// encoder they share.
package exports

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an export job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Progress tracks row-level completion of a running export.
type Progress struct {
	TotalRows     int64 `json:"totalRows"`
	ProcessedRows int64 `json:"processedRows"`
	Percentage    int   `json:"percentage"`
}

// Filters is the normalized set of predicates applied to the users table.
// Zero values mean the predicate is absent.
type Filters struct {
	CountryCode      string
	SubscriptionTier string
	MinLTV           *float64
}

// Spec captures the validated parameters of an export request.
type Spec struct {
	Filters Filters
	Columns []string
	Dialect Dialect
}

// Job is one export request and its associated state. Values returned by the
// registry are snapshots; mutation happens only through registry operations.
type Job struct {
	ID          uuid.UUID
	Status      Status
	Spec        Spec
	Progress    Progress
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	// Error is populated iff Status == StatusFailed.
	Error string

	// FilePath is the absolute artifact path, populated iff Status == StatusCompleted.
	FilePath string

	// Optional object-storage delivery results, set after completion when
	// an S3 adapter is configured.
	OutputURI string
	Checksum  string
}
