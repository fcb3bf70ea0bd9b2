package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"docmd/internal/apperrors"
	"docmd/internal/dispatcher"
)

// OrchestratorConfig holds the tunables of spec.md §6.3 the orchestrator
// itself consumes.
type OrchestratorConfig struct {
	MinSplitPages     int
	ConversionTimeout time.Duration
	ResultTTL         time.Duration
	TempDir           string
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.MinSplitPages <= 0 {
		c.MinSplitPages = 2
	}
	if c.ConversionTimeout <= 0 {
		c.ConversionTimeout = 5 * time.Minute
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = time.Hour
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	return c
}

// MetricsRecorder is the optional metrics sink the orchestrator reports
// through; nil is a valid no-op recorder.
type MetricsRecorder interface {
	RecordJobSubmitted(ctx context.Context, jobType string)
	RecordJobCompleted(ctx context.Context, jobType string, durationSeconds float64)
	RecordJobFailed(ctx context.Context, jobType, reason string)
	RecordPageOutcome(ctx context.Context, success bool)
	RecordMergeLatchWon(ctx context.Context)
}

// Orchestrator drives the job state machine (spec.md §4.3). It processes
// one work item per invocation and is stateless across invocations: every
// decision is computed from the StateStore.
type Orchestrator struct {
	store     StateStore
	queue     WorkQueue
	converter Converter
	splitter  Splitter
	fetcher   Fetcher

	dispatch dispatcher.Dispatcher
	metrics  MetricsRecorder
	logger   *slog.Logger

	cfg OrchestratorConfig
}

// New constructs an Orchestrator. dispatch and metrics may be nil.
func New(store StateStore, queue WorkQueue, converter Converter, splitter Splitter, fetcher Fetcher, dispatch dispatcher.Dispatcher, metrics MetricsRecorder, cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		store:     store,
		queue:     queue,
		converter: converter,
		splitter:  splitter,
		fetcher:   fetcher,
		dispatch:  dispatch,
		metrics:   metrics,
		logger:    slog.With("component", "orchestrator"),
		cfg:       cfg.withDefaults(),
	}
}

// HandleWorkItem dispatches item to its handler. Registered with the
// WorkQueue via Handle.
func (o *Orchestrator) HandleWorkItem(ctx context.Context, item WorkItem) error {
	switch item.Kind {
	case KindConvertWhole:
		return o.handleConvertWhole(ctx, item)
	case KindSplitPdf:
		return o.handleSplitPdf(ctx, item)
	case KindConvertPage:
		return o.handleConvertPage(ctx, item)
	case KindMergePages:
		return o.handleMergePages(ctx, item)
	case KindRetryPage:
		return o.handleRetryPage(ctx, item)
	default:
		return apperrors.Internal("orchestrator.HandleWorkItem", fmt.Errorf("unknown work item kind %q", item.Kind))
	}
}

// Submit allocates a main job, persists it queued, and enqueues
// ConvertWhole. It returns as soon as the queue accepts the item — no
// converter work happens on this call (§4.3.1).
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	mainID := uuid.New().String()
	now := time.Now()
	job := &Job{
		ID:         mainID,
		OwnerID:    req.OwnerID,
		Type:       TypeMain,
		Status:     StatusQueued,
		Progress:   0,
		CreatedAt:  now,
		Name:       req.Name,
		SourceSpec: req.Source,
		Options:    req.Options,
		Callback:   req.Callback,
	}
	if err := o.store.PutJob(ctx, job); err != nil {
		return "", apperrors.StoreUnavailable("orchestrator.Submit", err)
	}
	if err := o.queue.Enqueue(WorkItem{Kind: KindConvertWhole, MainID: mainID, SourceSpec: req.Source, Options: req.Options}); err != nil {
		return "", apperrors.QueueUnavailable("orchestrator.Submit", err)
	}
	if o.metrics != nil {
		o.metrics.RecordJobSubmitted(ctx, string(TypeMain))
	}
	o.logger.Info("job submitted", "job_id", mainID, "owner_id", req.OwnerID, "source_type", req.Source.Type)
	o.notify(job, EventTypeMainQueued)
	return mainID, nil
}

func (o *Orchestrator) handleConvertWhole(ctx context.Context, item WorkItem) error {
	main, err := o.store.GetJobUnscoped(ctx, item.MainID)
	if err != nil {
		return nil // job deleted mid-flight: discard silently per §5
	}
	if main.Status != StatusQueued && main.Status != StatusProcessing {
		return nil // idempotent skip: already terminal
	}

	now := time.Now()
	main.Status = StatusProcessing
	main.StartedAt = &now
	main.Progress = 0
	if err := o.store.PutJob(ctx, main); err != nil {
		return apperrors.StoreUnavailable("orchestrator.handleConvertWhole", err)
	}
	o.notify(main, EventTypeMainProcessing)

	localPath, err := o.fetcher.Fetch(ctx, main.SourceSpec, filepath.Join(o.cfg.TempDir, main.ID))
	if err != nil {
		return o.failMain(ctx, main, apperrors.FetchFailed("fetch", err))
	}

	info, err := DetectDocument(localPath)
	if err != nil {
		return o.failMain(ctx, main, apperrors.FetchFailed("detect", err))
	}
	main.DocumentInfo = &info

	pageCount := 1
	var pagePaths []string
	if info.MimeType == "application/pdf" {
		if paths, n, err := o.splitter.Split(ctx, localPath); err == nil {
			pagePaths, pageCount = paths, n
		}
	}

	if info.MimeType == "application/pdf" && pageCount >= o.cfg.MinSplitPages {
		return o.startSplit(ctx, main, localPath, pagePaths)
	}
	return o.convertDirect(ctx, main, localPath)
}

// startSplit implements §4.3.3 steps 1-2; the actual split work happens in
// handleSplitPdf, which may run inline in the same worker invocation.
// pagePaths is already known from handleConvertWhole's own page-count probe
// and is threaded through so the document is never split twice.
func (o *Orchestrator) startSplit(ctx context.Context, main *Job, localPath string, pagePaths []string) error {
	splitID := uuid.New().String()
	now := time.Now()
	split := &Job{
		ID:        splitID,
		OwnerID:   main.OwnerID,
		Type:      TypeSplit,
		Status:    StatusProcessing,
		ParentID:  main.ID,
		CreatedAt: now,
		StartedAt: &now,
	}
	if err := o.store.PutJob(ctx, split); err != nil {
		return apperrors.StoreUnavailable("orchestrator.startSplit", err)
	}
	if err := o.store.AddChild(ctx, main.ID, TypeSplit, splitID); err != nil {
		return apperrors.StoreUnavailable("orchestrator.startSplit", err)
	}
	return o.handleSplitPdf(ctx, WorkItem{Kind: KindSplitPdf, MainID: main.ID, LocalPath: localPath, PagePaths: pagePaths})
}

func (o *Orchestrator) handleSplitPdf(ctx context.Context, item WorkItem) error {
	main, err := o.store.GetJobUnscoped(ctx, item.MainID)
	if err != nil {
		return nil
	}

	pagePaths, n := item.PagePaths, len(item.PagePaths)
	if pagePaths == nil {
		// No pre-computed split was threaded through (e.g. a requeued item
		// that lost its in-memory WorkItem fields) — split now instead of
		// failing the job.
		paths, count, err := o.splitter.Split(ctx, item.LocalPath)
		if err != nil {
			return o.failMain(ctx, main, apperrors.SplitFailed("split", err))
		}
		pagePaths, n = paths, count
	}

	total := n
	main.TotalPages = &total
	main.PagesCompleted = 0
	main.PagesFailed = 0
	main.Progress = 10
	if err := o.store.PutJob(ctx, main); err != nil {
		return apperrors.StoreUnavailable("orchestrator.handleSplitPdf", err)
	}

	now := time.Now()
	for i, path := range pagePaths {
		pageNumber := i + 1
		pageID := uuid.New().String()
		page := &Job{
			ID:           pageID,
			OwnerID:      main.OwnerID,
			Type:         TypePage,
			Status:       StatusQueued,
			ParentID:     main.ID,
			PageNumber:   pageNumber,
			PageFilePath: path,
			CreatedAt:    now,
		}
		if err := o.store.PutJob(ctx, page); err != nil {
			return apperrors.StoreUnavailable("orchestrator.handleSplitPdf", err)
		}
		if err := o.store.AddChild(ctx, main.ID, TypePage, pageID); err != nil {
			return apperrors.StoreUnavailable("orchestrator.handleSplitPdf", err)
		}
		if err := o.queue.Enqueue(WorkItem{Kind: KindConvertPage, MainID: main.ID, PageJobID: pageID, PagePath: path, PageNumber: pageNumber, Options: main.Options}); err != nil {
			return apperrors.QueueUnavailable("orchestrator.handleSplitPdf", err)
		}
	}

	if main.ChildIDs.SplitID != "" {
		if split, err := o.store.GetJob(ctx, main.OwnerID, main.ChildIDs.SplitID); err == nil {
			completedAt := time.Now()
			split.Status = StatusCompleted
			split.CompletedAt = &completedAt
			_ = o.store.PutJob(ctx, split)
		}
	}
	return nil
}

func (o *Orchestrator) handleConvertPage(ctx context.Context, item WorkItem) error {
	page, err := o.store.GetJobUnscoped(ctx, item.PageJobID)
	if err != nil {
		return nil // deleted mid-flight
	}
	if page.Status != StatusQueued {
		return nil // idempotent skip
	}

	now := time.Now()
	page.Status = StatusProcessing
	page.StartedAt = &now
	if err := o.store.PutJob(ctx, page); err != nil {
		return apperrors.StoreUnavailable("orchestrator.handleConvertPage", err)
	}

	markdown, meta, convErr := o.converter.Convert(ctx, item.PagePath, item.Options)
	success := convErr == nil

	completedAt := time.Now()
	page.CompletedAt = &completedAt
	if success {
		if err := o.store.PutResult(ctx, page.ID, &Result{JobID: page.ID, Markdown: markdown, Metadata: meta, CreatedAt: completedAt}, o.cfg.ResultTTL); err != nil {
			return apperrors.StoreUnavailable("orchestrator.handleConvertPage", err)
		}
		page.Status = StatusCompleted
		page.CharCount = len(markdown)
	} else {
		page.Status = StatusFailed
		page.Error = convErr.Error()
	}
	if err := o.store.PutJob(ctx, page); err != nil {
		return apperrors.StoreUnavailable("orchestrator.handleConvertPage", err)
	}
	if success {
		// A failed page keeps its file so RetryPage can convert it again.
		_ = os.Remove(item.PagePath)
	}

	if o.metrics != nil {
		o.metrics.RecordPageOutcome(ctx, success)
	}
	eventType := EventTypePageCompleted
	if !success {
		eventType = EventTypePageFailed
	}
	o.notifyPage(ctx, item.MainID, page, eventType)

	return o.fanIn(ctx, item.MainID, success)
}

// fanIn implements §4.3.4 step 5: atomic counter update, progress
// recompute, and the CAS-guarded merge-latch. The completion check below
// uses IncPageCounter's own atomic return values, not the job blob's
// cached PagesCompleted/PagesFailed fields: on the Redis backend those
// fields are written back to the blob by a non-atomic read-modify-write,
// so two concurrent final-page completions could otherwise both observe a
// stale cached count and never see total reached.
func (o *Orchestrator) fanIn(ctx context.Context, mainID string, success bool) error {
	field, other := CounterFailed, CounterCompleted
	if success {
		field, other = CounterCompleted, CounterFailed
	}
	newCount, err := o.store.IncPageCounter(ctx, mainID, field, 1)
	if err != nil {
		return apperrors.StoreUnavailable("orchestrator.fanIn", err)
	}
	otherCount, err := o.store.IncPageCounter(ctx, mainID, other, 0)
	if err != nil {
		return apperrors.StoreUnavailable("orchestrator.fanIn", err)
	}
	completed, failed := newCount, otherCount
	if !success {
		completed, failed = otherCount, newCount
	}

	main, err := o.store.GetJobUnscoped(ctx, mainID)
	if err != nil {
		return nil
	}
	if main.TotalPages == nil {
		return nil
	}
	total := *main.TotalPages

	if total > 0 {
		main.Progress = 10 + int(70*float64(completed)/float64(total))
		if err := o.store.PutJob(ctx, main); err != nil {
			return apperrors.StoreUnavailable("orchestrator.fanIn", err)
		}
	}

	if completed+failed != total {
		return nil
	}

	mergeID := uuid.New().String()
	won, err := o.store.TryLatchMerge(ctx, mainID, mergeID)
	if err != nil {
		return apperrors.StoreUnavailable("orchestrator.fanIn", err)
	}
	if won {
		if o.metrics != nil {
			o.metrics.RecordMergeLatchWon(ctx)
		}
		now := time.Now()
		merge := &Job{ID: mergeID, OwnerID: main.OwnerID, Type: TypeMerge, Status: StatusQueued, ParentID: mainID, CreatedAt: now}
		if err := o.store.PutJob(ctx, merge); err != nil {
			return apperrors.StoreUnavailable("orchestrator.fanIn", err)
		}
		if err := o.store.AddChild(ctx, mainID, TypeMerge, mergeID); err != nil {
			return apperrors.StoreUnavailable("orchestrator.fanIn", err)
		}
		return o.enqueueMerge(mainID, mergeID)
	}

	// Lost the latch: either another caller is finalizing this completion
	// right now (nothing to do), or a prior merge already ran and this
	// fan-in is the tail of a RetryPage re-completion, in which case the
	// existing merge job is re-run to re-finalize the main (§4.3.9 step 6).
	current, err := o.store.GetJob(ctx, main.OwnerID, mainID)
	if err != nil || current.ChildIDs.MergeID == "" {
		return nil
	}
	if current.Status == StatusCompleted {
		return o.enqueueMerge(mainID, current.ChildIDs.MergeID)
	}
	return nil
}

func (o *Orchestrator) enqueueMerge(mainID, mergeID string) error {
	if err := o.queue.Enqueue(WorkItem{Kind: KindMergePages, MainID: mainID, MergeID: mergeID}); err != nil {
		return apperrors.QueueUnavailable("orchestrator.enqueueMerge", err)
	}
	return nil
}

const mergeDelimiter = "\n\n---\n\n"

func (o *Orchestrator) handleMergePages(ctx context.Context, item WorkItem) error {
	main, err := o.store.GetJobUnscoped(ctx, item.MainID)
	if err != nil {
		return nil
	}
	pages, err := o.store.ListPages(ctx, main.OwnerID, item.MainID)
	if err != nil {
		return apperrors.StoreUnavailable("orchestrator.handleMergePages", err)
	}
	latest := latestPagesByNumber(pages)

	var parts []string
	var words int
	var size int64
	perPageErrors := map[int]string{}
	for n := 1; n <= len(latest); n++ {
		page, ok := latest[n]
		if !ok || page.Status != StatusCompleted {
			placeholder := fmt.Sprintf("*page %d unavailable*", n)
			if ok && page.Error != "" {
				perPageErrors[n] = page.Error
			}
			parts = append(parts, placeholder)
			continue
		}
		result, err := o.store.GetResult(ctx, main.OwnerID, page.ID)
		if err != nil {
			parts = append(parts, fmt.Sprintf("*page %d unavailable*", n))
			continue
		}
		parts = append(parts, result.Markdown)
		words += result.Metadata.Words
		size += result.Metadata.SizeBytes
	}

	combined := strings.Join(parts, mergeDelimiter)
	totalPages := len(latest)
	meta := Metadata{
		Pages:     &totalPages,
		Words:     words,
		SizeBytes: size,
		Format:    "markdown",
	}
	if len(perPageErrors) > 0 {
		meta.PerPageErrors = perPageErrors
	}

	now := time.Now()
	if err := o.store.PutResult(ctx, main.ID, &Result{JobID: main.ID, Markdown: combined, Metadata: meta, CreatedAt: now}, o.cfg.ResultTTL); err != nil {
		return apperrors.StoreUnavailable("orchestrator.handleMergePages", err)
	}

	if merge, err := o.store.GetJob(ctx, main.OwnerID, item.MergeID); err == nil {
		merge.Status = StatusCompleted
		merge.CompletedAt = &now
		_ = o.store.PutJob(ctx, merge)
	}

	main.Status = StatusCompleted
	main.Progress = 100 // I2: progress = 100 iff status = completed
	main.CompletedAt = &now
	if err := o.store.PutJob(ctx, main); err != nil {
		return apperrors.StoreUnavailable("orchestrator.handleMergePages", err)
	}
	if o.metrics != nil {
		o.metrics.RecordJobCompleted(ctx, string(TypeMain), time.Since(jobStart(main)).Seconds())
	}
	o.notify(main, EventTypeMainCompleted)
	o.cleanupTempDir(main.ID)
	return nil
}

// latestPagesByNumber collapses superseded history to the most recent
// record per page_number (I4 keeps history; the merge step only cares
// about the latest).
func latestPagesByNumber(pages []*Job) map[int]*Job {
	out := make(map[int]*Job, len(pages))
	for _, p := range pages {
		existing, ok := out[p.PageNumber]
		if !ok || p.CreatedAt.After(existing.CreatedAt) {
			out[p.PageNumber] = p
		}
	}
	return out
}

func (o *Orchestrator) convertDirect(ctx context.Context, main *Job, localPath string) error {
	main.Progress = 50
	if err := o.store.PutJob(ctx, main); err != nil {
		return apperrors.StoreUnavailable("orchestrator.convertDirect", err)
	}

	markdown, meta, err := o.converter.Convert(ctx, localPath, main.Options)
	if err != nil {
		return o.failMain(ctx, main, apperrors.ConvertFailed("convert", err))
	}

	now := time.Now()
	if err := o.store.PutResult(ctx, main.ID, &Result{JobID: main.ID, Markdown: markdown, Metadata: meta, CreatedAt: now}, o.cfg.ResultTTL); err != nil {
		return apperrors.StoreUnavailable("orchestrator.convertDirect", err)
	}
	main.Status = StatusCompleted
	main.Progress = 100
	main.CompletedAt = &now
	if err := o.store.PutJob(ctx, main); err != nil {
		return apperrors.StoreUnavailable("orchestrator.convertDirect", err)
	}
	if o.metrics != nil {
		o.metrics.RecordJobCompleted(ctx, string(TypeMain), time.Since(jobStart(main)).Seconds())
	}
	o.notify(main, EventTypeMainCompleted)
	o.cleanupTempDir(main.ID)
	return nil
}

func (o *Orchestrator) failMain(ctx context.Context, main *Job, cause error) error {
	now := time.Now()
	main.Status = StatusFailed
	main.Error = cause.Error()
	main.CompletedAt = &now
	if err := o.store.PutJob(ctx, main); err != nil {
		return apperrors.StoreUnavailable("orchestrator.failMain", err)
	}
	if o.metrics != nil {
		o.metrics.RecordJobFailed(ctx, string(TypeMain), errorKind(cause))
	}
	o.logger.Error("job failed", "job_id", main.ID, "reason", errorKind(cause), "cause", cause)
	o.notify(main, EventTypeMainFailed)
	o.cleanupTempDir(main.ID)
	return nil // failure is a terminal state, not a handler error to retry
}

// RetryPage implements §4.3.9 steps 1-4 synchronously (fast, store-only
// work safe on the request path) and enqueues the remaining steps as a
// RetryPage work item, mirroring Submit's "persist + enqueue, return fast"
// shape.
func (o *Orchestrator) RetryPage(ctx context.Context, ownerID, mainID string, pageNumber int) (string, error) {
	if _, err := o.store.GetJob(ctx, ownerID, mainID); err != nil {
		return "", err
	}
	pages, err := o.store.ListPages(ctx, ownerID, mainID)
	if err != nil {
		return "", apperrors.StoreUnavailable("orchestrator.RetryPage", err)
	}
	latest := latestPagesByNumber(pages)
	old, ok := latest[pageNumber]
	if !ok {
		return "", apperrors.NotFound("page", fmt.Sprintf("%s#%d", mainID, pageNumber))
	}
	if old.Status != StatusFailed {
		return "", apperrors.Conflict("page", old.ID, "retry requires a failed page")
	}

	now := time.Now()
	old.Status = StatusSuperseded
	if err := o.store.PutJob(ctx, old); err != nil {
		return "", apperrors.StoreUnavailable("orchestrator.RetryPage", err)
	}

	newID := uuid.New().String()
	page := &Job{
		ID:           newID,
		OwnerID:      ownerID,
		Type:         TypePage,
		Status:       StatusQueued,
		ParentID:     mainID,
		PageNumber:   pageNumber,
		PageFilePath: old.PageFilePath,
		CreatedAt:    now,
	}
	if err := o.store.PutJob(ctx, page); err != nil {
		return "", apperrors.StoreUnavailable("orchestrator.RetryPage", err)
	}
	if err := o.store.AddChild(ctx, mainID, TypePage, newID); err != nil {
		return "", apperrors.StoreUnavailable("orchestrator.RetryPage", err)
	}

	if err := o.queue.Enqueue(WorkItem{Kind: KindRetryPage, MainID: mainID, PageJobID: newID, OriginalPageJobID: old.ID, PagePath: old.PageFilePath, PageNumber: pageNumber}); err != nil {
		return "", apperrors.QueueUnavailable("orchestrator.RetryPage", err)
	}
	return newID, nil
}

func (o *Orchestrator) handleRetryPage(ctx context.Context, item WorkItem) error {
	if _, err := o.store.IncPageCounter(ctx, item.MainID, CounterFailed, -1); err != nil {
		return apperrors.StoreUnavailable("orchestrator.handleRetryPage", err)
	}
	if err := o.queue.Enqueue(WorkItem{Kind: KindConvertPage, MainID: item.MainID, PageJobID: item.PageJobID, PagePath: item.PagePath, PageNumber: item.PageNumber}); err != nil {
		return apperrors.QueueUnavailable("orchestrator.handleRetryPage", err)
	}
	return nil
}

// MarkWorkItemFailed is the dead-letter hook a WorkQueue backend invokes
// once item exhausts its retry budget or hits a non-retriable error that
// never reached a job-level failure inside the handler itself — this only
// fires for queue/store-outage-class errors (handler-classified failures
// like fetch/convert/split already persist a failed job via failMain or
// handleConvertPage before returning). Without this hook a dead-lettered
// item would leave its job stuck queued/processing forever with no
// caller-visible failure (spec.md §5's terminal-state invariant). The
// write is best-effort: if the store is still unavailable it simply logs,
// since that's the same condition that caused the dead-letter in the
// first place.
func (o *Orchestrator) MarkWorkItemFailed(ctx context.Context, item WorkItem, cause error) {
	switch item.Kind {
	case KindConvertWhole, KindSplitPdf:
		main, err := o.store.GetJobUnscoped(ctx, item.MainID)
		if err != nil || main.Status.Terminal() {
			return
		}
		_ = o.failMain(ctx, main, apperrors.Internal("workqueue.deadLetter", cause))

	case KindConvertPage, KindRetryPage:
		page, err := o.store.GetJobUnscoped(ctx, item.PageJobID)
		if err != nil || page.Status.Terminal() {
			return
		}
		now := time.Now()
		page.Status = StatusFailed
		page.Error = cause.Error()
		page.CompletedAt = &now
		if err := o.store.PutJob(ctx, page); err != nil {
			o.logger.Error("dead-letter mark-failed write failed", "job_id", page.ID, "error", err)
			return
		}
		_ = o.fanIn(ctx, item.MainID, false)

	case KindMergePages:
		main, err := o.store.GetJobUnscoped(ctx, item.MainID)
		if err != nil || main.Status.Terminal() {
			return
		}
		_ = o.failMain(ctx, main, apperrors.Internal("workqueue.deadLetter", cause))
	}
}

// Delete removes a main job and its subtree (§4.3.10; I6).
func (o *Orchestrator) Delete(ctx context.Context, ownerID, id string) error {
	main, err := o.store.GetJob(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if main.Type != TypeMain {
		return apperrors.Conflict("job", id, "only main jobs may be deleted")
	}
	if err := o.store.DeleteSubtree(ctx, ownerID, id); err != nil {
		return err
	}
	o.cleanupTempDir(id)
	return nil
}

// cleanupTempDir removes the fetched-source/split-page working directory
// for a main job once it no longer needs it (spec.md §5: "the merge
// handler (or a periodic cleanup) deletes the directory after merge
// completion"). Best-effort: a failure here never fails the job itself.
func (o *Orchestrator) cleanupTempDir(mainID string) {
	dir := filepath.Join(o.cfg.TempDir, mainID)
	if err := os.RemoveAll(dir); err != nil {
		o.logger.Warn("temp dir cleanup failed", "job_id", mainID, "dir", dir, "error", err)
	}
}

func jobStart(job *Job) time.Time {
	if job.StartedAt != nil {
		return *job.StartedAt
	}
	return job.CreatedAt
}

// errorKind maps cause to one of the reason labels the error taxonomy names
// (spec.md §7), used as the metrics "reason" attribute.
func errorKind(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrFetchFailed):
		return "fetch_failed"
	case errors.Is(err, apperrors.ErrConvertFailed):
		return "convert_failed"
	case errors.Is(err, apperrors.ErrSplitFailed):
		return "split_failed"
	case errors.Is(err, apperrors.ErrTimeout):
		return "timeout"
	case errors.Is(err, apperrors.ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, apperrors.ErrQueueUnavailable):
		return "queue_unavailable"
	case errors.Is(err, apperrors.ErrValidation):
		return "validation"
	default:
		return "internal"
	}
}

func (o *Orchestrator) notify(main *Job, eventType string) {
	if o.dispatch == nil || main.Callback == nil || main.Callback.URL == "" {
		return
	}
	if !FilteredEvents(eventType, main.Callback.Events) {
		return
	}
	builder := NewEventBuilder(main.ID, "docmd")
	ce := builder.BuildMainEvent(eventType, main)
	_ = o.dispatch.Dispatch(&dispatcher.Event{
		Payload:     ce,
		Destination: main.Callback.URL,
		SigningKey:  main.Callback.Key,
	})
}

func (o *Orchestrator) notifyPage(ctx context.Context, mainID string, page *Job, eventType string) {
	if o.dispatch == nil {
		return
	}
	main, err := o.store.GetJobUnscoped(ctx, mainID)
	if err != nil || main.Callback == nil || main.Callback.URL == "" {
		return
	}
	if !FilteredEvents(eventType, main.Callback.Events) {
		return
	}
	builder := NewEventBuilder(mainID, "docmd")
	ce := builder.BuildPageEvent(eventType, page)
	_ = o.dispatch.Dispatch(&dispatcher.Event{
		Payload:     ce,
		Destination: main.Callback.URL,
		SigningKey:  main.Callback.Key,
	})
}
