package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"docmd/internal/testutil"
)

// multiPageSplitter splits a file into n fixed page files under the same
// directory as path, for exercising the fan-out/fan-in path without a real
// PDF splitter.
type multiPageSplitter struct {
	pages int
}

func (s multiPageSplitter) Split(_ context.Context, path string) ([]string, int, error) {
	dir := filepath.Dir(path)
	paths := make([]string, s.pages)
	for i := 0; i < s.pages; i++ {
		p := filepath.Join(dir, fmt.Sprintf("page-%d.txt", i+1))
		if err := os.WriteFile(p, []byte(fmt.Sprintf("page %d content", i+1)), 0o644); err != nil {
			return nil, 0, err
		}
		paths[i] = p
	}
	return paths, s.pages, nil
}

// failOnceConverter fails the first call whose path has base name target,
// then succeeds on every subsequent call (including for every
// other path), for exercising RetryPage against a single known-bad page.
type failOnceConverter struct {
	target string
	failed bool
}

func newFailOnceConverter(target string) *failOnceConverter {
	return &failOnceConverter{target: target}
}

func (c *failOnceConverter) Convert(ctx context.Context, path string, opts Options) (string, Metadata, error) {
	if !c.failed && filepath.Base(path) == c.target {
		c.failed = true
		return "", Metadata{}, fmt.Errorf("simulated conversion failure")
	}
	return NewStubConverter().Convert(ctx, path, opts)
}

func newTestOrchestrator(t *testing.T, converter Converter, splitter Splitter) (*Orchestrator, StateStore, *MemoryQueue) {
	t.Helper()
	store := NewMemoryStore(MemoryStoreConfig{})
	t.Cleanup(func() { _ = store.Close() })

	queue := NewMemoryQueue(MemoryQueueConfig{BufferSize: 256, Workers: 2})
	t.Cleanup(func() { _ = queue.Close() })

	orch := New(store, queue, converter, splitter, NewLocalFetcher(0), nil, nil, OrchestratorConfig{
		MinSplitPages: 2,
		TempDir:       t.TempDir(),
	})
	queue.Handle(orch.HandleWorkItem)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = queue.Run(ctx) }()

	return orch, store, queue
}

func writeSourceFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOrchestrator_DirectConversion(t *testing.T) {
	t.Parallel()
	orch, store, _ := newTestOrchestrator(t, NewStubConverter(), NewStubSplitter())

	path := writeSourceFile(t, "hello world")
	mainID, err := orch.Submit(context.Background(), SubmitRequest{
		OwnerID: "owner-1",
		Source:  SourceSpec{Type: "file", Path: path},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	testutil.MustWaitFor(t, func() bool {
		job, err := store.GetJob(context.Background(), "owner-1", mainID)
		return err == nil && job.Status.Terminal()
	}, testutil.WithTimeout(5*time.Second))

	job, err := store.GetJob(context.Background(), "owner-1", mainID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (error=%s)", job.Status, job.Error)
	}
	if job.Progress != 100 {
		t.Errorf("expected progress 100 on completion (I2), got %d", job.Progress)
	}

	result, err := store.GetResult(context.Background(), "owner-1", mainID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if result.Markdown == "" {
		t.Error("expected non-empty markdown")
	}
}

func TestOrchestrator_SplitFanOutFanIn(t *testing.T) {
	t.Parallel()
	// A PDF-typed source with MinSplitPages<=pageCount takes the split path;
	// since DetectDocument sniffs real content, a minimal PDF header is
	// enough for mimetype to classify it as application/pdf.
	orch, store, _ := newTestOrchestrator(t, NewStubConverter(), multiPageSplitter{pages: 3})

	path := filepath.Join(t.TempDir(), "doc.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4\n%fake pdf content for mimetype sniffing\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	mainID, err := orch.Submit(context.Background(), SubmitRequest{
		OwnerID: "owner-1",
		Source:  SourceSpec{Type: "file", Path: path},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	testutil.MustWaitFor(t, func() bool {
		job, err := store.GetJob(context.Background(), "owner-1", mainID)
		return err == nil && job.Status.Terminal()
	}, testutil.WithTimeout(5*time.Second))

	job, err := store.GetJob(context.Background(), "owner-1", mainID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (error=%s)", job.Status, job.Error)
	}
	if job.TotalPages == nil || *job.TotalPages != 3 {
		t.Fatalf("expected total_pages=3, got %v", job.TotalPages)
	}
	if job.PagesCompleted != 3 || job.PagesFailed != 0 {
		t.Fatalf("expected 3 completed/0 failed, got %d/%d", job.PagesCompleted, job.PagesFailed)
	}
	if job.ChildIDs.MergeID == "" {
		t.Error("expected a merge job to have been latched (I4)")
	}

	pages, err := store.ListPages(context.Background(), "owner-1", mainID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 3 {
		t.Fatalf("expected 3 page jobs, got %d", len(pages))
	}

	result, err := store.GetResult(context.Background(), "owner-1", mainID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if result.Metadata.Pages == nil || *result.Metadata.Pages != 3 {
		t.Fatalf("expected merged metadata pages=3, got %v", result.Metadata.Pages)
	}
}

func TestOrchestrator_RetryPage(t *testing.T) {
	t.Parallel()
	converter := newFailOnceConverter("page-1.txt")
	orch, store, _ := newTestOrchestrator(t, converter, multiPageSplitter{pages: 2})

	path := filepath.Join(t.TempDir(), "doc.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4\nfake content\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	mainID, err := orch.Submit(context.Background(), SubmitRequest{
		OwnerID: "owner-1",
		Source:  SourceSpec{Type: "file", Path: path},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// page-1 fails its first conversion attempt; page-2 succeeds, so the
	// main job completes with one page failed and one completed.
	testutil.MustWaitFor(t, func() bool {
		job, err := store.GetJob(context.Background(), "owner-1", mainID)
		return err == nil && job.Status.Terminal()
	}, testutil.WithTimeout(5*time.Second))

	pages, err := store.ListPages(context.Background(), "owner-1", mainID)
	if err != nil {
		t.Fatal(err)
	}
	var failedPageNumber int
	for _, p := range pages {
		if p.Status == StatusFailed {
			failedPageNumber = p.PageNumber
			break
		}
	}
	if failedPageNumber == 0 {
		t.Fatal("expected at least one failed page")
	}

	newPageID, err := orch.RetryPage(context.Background(), "owner-1", mainID, failedPageNumber)
	if err != nil {
		t.Fatalf("RetryPage: %v", err)
	}
	if newPageID == "" {
		t.Fatal("expected a new page job ID")
	}

	testutil.MustWaitFor(t, func() bool {
		job, err := store.GetJob(context.Background(), "owner-1", mainID)
		if err != nil || job.Status != StatusCompleted {
			return false
		}
		retried, err := store.GetJob(context.Background(), "owner-1", newPageID)
		return err == nil && retried.Status == StatusCompleted
	}, testutil.WithTimeout(5*time.Second))

	latest, err := store.ListPages(context.Background(), "owner-1", mainID)
	if err != nil {
		t.Fatal(err)
	}
	supersededCount, completedCount := 0, 0
	for _, p := range latest {
		switch p.Status {
		case StatusSuperseded:
			supersededCount++
		case StatusCompleted:
			completedCount++
		}
	}
	if supersededCount != 1 {
		t.Errorf("expected exactly 1 superseded page (I4 keeps history), got %d", supersededCount)
	}
	if completedCount != 2 {
		t.Errorf("expected 2 completed pages after retry, got %d", completedCount)
	}
}

func TestOrchestrator_RetryPage_RejectsNonFailedPage(t *testing.T) {
	t.Parallel()
	orch, store, _ := newTestOrchestrator(t, NewStubConverter(), multiPageSplitter{pages: 2})

	path := filepath.Join(t.TempDir(), "doc.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4\nfake content\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	mainID, err := orch.Submit(context.Background(), SubmitRequest{
		OwnerID: "owner-1",
		Source:  SourceSpec{Type: "file", Path: path},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	testutil.MustWaitFor(t, func() bool {
		job, err := store.GetJob(context.Background(), "owner-1", mainID)
		return err == nil && job.Status == StatusCompleted
	}, testutil.WithTimeout(5*time.Second))

	if _, err := orch.RetryPage(context.Background(), "owner-1", mainID, 1); err == nil {
		t.Fatal("expected retrying a completed page to fail")
	}
}

func TestOrchestrator_Delete(t *testing.T) {
	t.Parallel()
	orch, store, _ := newTestOrchestrator(t, NewStubConverter(), NewStubSplitter())

	path := writeSourceFile(t, "hello world")
	mainID, err := orch.Submit(context.Background(), SubmitRequest{
		OwnerID: "owner-1",
		Source:  SourceSpec{Type: "file", Path: path},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	testutil.MustWaitFor(t, func() bool {
		job, err := store.GetJob(context.Background(), "owner-1", mainID)
		return err == nil && job.Status.Terminal()
	}, testutil.WithTimeout(5*time.Second))

	if err := orch.Delete(context.Background(), "owner-1", mainID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.GetJob(context.Background(), "owner-1", mainID); err == nil {
		t.Fatal("expected job to be gone after Delete (I6)")
	}
	if _, err := store.GetResult(context.Background(), "owner-1", mainID); err == nil {
		t.Fatal("expected result to be gone after Delete (I6)")
	}
}

// TestOrchestrator_MergeLatchWinsExactlyOnce calls the store's
// TryLatchMerge concurrently from many goroutines, as racing final page
// completions would, and asserts the merge-latch CAS lets exactly one of
// them win, per §4.3.4 step 5.
func TestOrchestrator_MergeLatchWinsExactlyOnce(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore(MemoryStoreConfig{})
	t.Cleanup(func() { _ = store.Close() })

	mainID := "main-race"
	total := 1
	if err := store.PutJob(context.Background(), &Job{
		ID: mainID, OwnerID: "owner-1", Type: TypeMain, Status: StatusProcessing,
		TotalPages: &total,
	}); err != nil {
		t.Fatal(err)
	}

	const racers = 8
	results := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		go func(n int) {
			won, err := store.TryLatchMerge(context.Background(), mainID, fmt.Sprintf("merge-%d", n))
			if err != nil {
				results <- false
				return
			}
			results <- won
		}(i)
	}
	var wonCount int
	for i := 0; i < racers; i++ {
		if <-results {
			wonCount++
		}
	}

	if wonCount != 1 {
		t.Fatalf("expected exactly 1 winner of the merge latch, got %d", wonCount)
	}
}
