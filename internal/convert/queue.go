package convert

import (
	"context"
	"errors"

	"docmd/internal/apperrors"
)

// Kind tags a WorkItem's variant.
type Kind string

const (
	KindConvertWhole Kind = "convert_whole"
	KindSplitPdf     Kind = "split_pdf"
	KindConvertPage  Kind = "convert_page"
	KindMergePages   Kind = "merge_pages"
	KindRetryPage    Kind = "retry_page"
)

// WorkItem is the tagged-variant payload the Work Queue moves between the
// orchestrator and its workers (spec.md §4.2). Only the fields relevant to
// Kind are populated; this mirrors the teacher's pkg/cloudevent.Payload
// shape of "one envelope, many payloads" rather than five separate queues.
type WorkItem struct {
	Kind Kind `json:"kind"`

	MainID    string   `json:"main_id"`
	PageJobID string   `json:"page_job_id,omitempty"`
	PagePath  string   `json:"page_path,omitempty"`
	PagePaths []string `json:"page_paths,omitempty"` // split_pdf: already-split pages, computed once by handleConvertWhole

	PageNumber int    `json:"page_number,omitempty"`
	LocalPath  string `json:"local_path,omitempty"`

	SourceSpec SourceSpec `json:"source_spec,omitempty"`
	Options    Options    `json:"options,omitempty"`

	MergeID string `json:"merge_id,omitempty"`

	OriginalPageJobID string `json:"original_page_job_id,omitempty"`

	Attempt int `json:"attempt"` // incremented by the queue on each redelivery
}

// IsRetriable classifies a handler error per spec.md §7's last paragraph:
// fetch_failed, store_unavailable, queue_unavailable, timeout, and generic
// internal errors are retried at the queue layer; validation,
// convert_failed, and split_failed are permanent.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, apperrors.ErrFetchFailed),
		errors.Is(err, apperrors.ErrStoreUnavailable),
		errors.Is(err, apperrors.ErrQueueUnavailable),
		errors.Is(err, apperrors.ErrTimeout):
		return true
	case errors.Is(err, apperrors.ErrValidation),
		errors.Is(err, apperrors.ErrConvertFailed),
		errors.Is(err, apperrors.ErrSplitFailed),
		errors.Is(err, apperrors.ErrConflict),
		errors.Is(err, apperrors.ErrNotFound),
		errors.Is(err, apperrors.ErrAuth):
		return false
	default:
		return true // generic internal error: retry per §7
	}
}

// DeadLetterNotifier is implemented by WorkQueue backends that support a
// dead-letter callback (MemoryQueue, RabbitMQQueue). Wiring code sets it
// once the Orchestrator exists, since a fresh WorkQueue predates its
// Orchestrator's construction; without it a dead-lettered item's job would
// never reach a terminal status (spec.md §5).
type DeadLetterNotifier interface {
	OnDeadLetter(fn func(ctx context.Context, item WorkItem, err error))
}

// WorkQueue is durable-enough at-least-once hand-off of WorkItems to
// workers, with per-item retry and a dead-letter terminal state once the
// retry budget is exhausted (spec.md §4.2).
type WorkQueue interface {
	// Enqueue hands off item for asynchronous processing. It must return
	// quickly; Submit's bounded-time contract (§4.3.1 step 4) depends on it.
	Enqueue(item WorkItem) error

	// Handle registers the callback invoked for every dequeued item. Queues
	// call it from worker goroutines with a context scoped to the
	// per-work-item timeout (spec.md §5); it is not safe to call Handle
	// more than once per queue instance.
	Handle(fn func(ctx context.Context, item WorkItem) error)

	// Run starts delivering queued items to the registered handler until
	// ctx is cancelled, then drains in-flight work before returning.
	Run(ctx context.Context) error

	// Close stops delivery and releases resources.
	Close() error
}
