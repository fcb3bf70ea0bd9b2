package convert

import (
	"context"
	"time"
)

// CounterField is the fan-in counter IncPageCounter mutates.
type CounterField string

const (
	CounterCompleted CounterField = "completed"
	CounterFailed    CounterField = "failed"
)

// ListFilter narrows ListJobsByOwner to a job type and/or status.
type ListFilter struct {
	Type   JobType
	Status Status
}

// Page is the pagination window for ListJobsByOwner.
type Page struct {
	Number int // 1-based
	Size   int
}

// PagedJobs is the paged result of ListJobsByOwner.
type PagedJobs struct {
	Jobs       []*Job `json:"jobs"`
	Total      int    `json:"total"`
	Page       int    `json:"page"`
	PageSize   int    `json:"page_size"`
	TotalPages int    `json:"total_pages"`
}

// StateStore is the authoritative persistence layer for Jobs, Pages, and
// Results, scoped by owner (spec.md §4.1). Every operation is idempotent
// when retried with the same inputs; AddChild, IncPageCounter, and the
// merge latch (TryLatchMerge) must be atomic with respect to concurrent
// callers.
type StateStore interface {
	PutJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, ownerID, id string) (*Job, error)

	// GetJobUnscoped looks up a job by ID without an ownerID filter. It
	// exists only for internal worker-side handlers, which receive a
	// WorkItem carrying a job ID but no caller-supplied owner; every
	// API-facing read goes through GetJob instead (§8 property 3).
	GetJobUnscoped(ctx context.Context, id string) (*Job, error)

	// AddChild atomically appends childID to the parent's child list for
	// the given kind ("split", "page", "merge").
	AddChild(ctx context.Context, parentID string, kind JobType, childID string) error

	// IncPageCounter atomically adjusts a main job's fan-in counter by
	// delta (which may be negative, per the retry decrement in §4.3.9
	// step 5) and returns the new value.
	IncPageCounter(ctx context.Context, mainID string, field CounterField, delta int) (int, error)

	// ListPages returns all page jobs of mainID ordered by page_number,
	// including superseded history (I4).
	ListPages(ctx context.Context, ownerID, mainID string) ([]*Job, error)

	// TryLatchMerge is the merge-latch CAS from §4.3.4 step 5: it sets
	// mainID's merge_id from unset to mergeID exactly once, and reports
	// whether THIS call won the race.
	TryLatchMerge(ctx context.Context, mainID, mergeID string) (won bool, err error)

	PutResult(ctx context.Context, jobID string, result *Result, ttl time.Duration) error
	GetResult(ctx context.Context, ownerID, jobID string) (*Result, error)

	// DeleteSubtree removes a main job, its split/page/merge children, and
	// all associated results (I6).
	DeleteSubtree(ctx context.Context, ownerID, mainID string) error

	ListJobsByOwner(ctx context.Context, ownerID string, filter ListFilter, page Page) (*PagedJobs, error)

	// Close releases resources held by the store.
	Close() error
}
