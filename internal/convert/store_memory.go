package convert

import (
	"context"
	"sort"
	"sync"
	"time"

	"docmd/internal/apperrors"
)

// MemoryStoreConfig configures the in-memory StateStore.
type MemoryStoreConfig struct {
	StatusTTL     time.Duration // live job state retention, default 24h
	SweepInterval time.Duration // janitor cadence, default 1m
}

func (c MemoryStoreConfig) withDefaults() MemoryStoreConfig {
	if c.StatusTTL <= 0 {
		c.StatusTTL = 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

type resultEntry struct {
	result    *Result
	expiresAt time.Time
}

// MemoryStore is a mutex-guarded, in-process StateStore. It is grounded on
// the teacher's internal/orchestrator/docker.stateRepo (reserve/commit
// pattern over a map[string]*jobState), generalized from one Docker
// container's runtime handle to the full Job/Page/Result record set, with
// the CAS-guarded merge latch and atomic fan-in counters §4.3.4/§4.3.9
// require added on top — the teacher's Docker state never needed either
// because container state doesn't fan in.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	results map[string]*resultEntry
	expiry  map[string]time.Time // jobID -> status expiry

	cfg  MemoryStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewMemoryStore creates a new in-memory StateStore and starts its
// background expiry janitor.
func NewMemoryStore(cfg MemoryStoreConfig) *MemoryStore {
	cfg = cfg.withDefaults()
	s := &MemoryStore{
		jobs:    make(map[string]*Job),
		results: make(map[string]*resultEntry),
		expiry:  make(map[string]time.Time),
		cfg:     cfg,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.sweep()
	return s
}

func (s *MemoryStore) sweep() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.expireOnce(time.Now())
		}
	}
}

func (s *MemoryStore) expireOnce(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, exp := range s.expiry {
		if now.After(exp) {
			delete(s.jobs, id)
			delete(s.expiry, id)
			delete(s.results, id)
		}
	}
	for id, entry := range s.results {
		if now.After(entry.expiresAt) {
			delete(s.results, id)
		}
	}
}

// Close stops the janitor goroutine.
func (s *MemoryStore) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return nil
}

func (s *MemoryStore) PutJob(_ context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return apperrors.Internal("memstore.PutJob", errNilJob)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	s.expiry[job.ID] = time.Now().Add(s.cfg.StatusTTL)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, ownerID, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok || job.OwnerID != ownerID {
		return nil, apperrors.NotFound("job", id)
	}
	return job.Clone(), nil
}

func (s *MemoryStore) GetJobUnscoped(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return job.Clone(), nil
}

func (s *MemoryStore) AddChild(_ context.Context, parentID string, kind JobType, childID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, ok := s.jobs[parentID]
	if !ok {
		return apperrors.NotFound("job", parentID)
	}
	switch kind {
	case TypeSplit:
		parent.ChildIDs.SplitID = childID
	case TypePage:
		parent.ChildIDs.PageIDs = append(parent.ChildIDs.PageIDs, childID)
	case TypeMerge:
		parent.ChildIDs.MergeID = childID
	}
	return nil
}

func (s *MemoryStore) IncPageCounter(_ context.Context, mainID string, field CounterField, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[mainID]
	if !ok {
		return 0, apperrors.NotFound("job", mainID)
	}
	switch field {
	case CounterCompleted:
		job.PagesCompleted += delta
		return job.PagesCompleted, nil
	case CounterFailed:
		job.PagesFailed += delta
		return job.PagesFailed, nil
	default:
		return 0, apperrors.Internal("memstore.IncPageCounter", errBadCounterField)
	}
}

func (s *MemoryStore) ListPages(_ context.Context, ownerID, mainID string) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	main, ok := s.jobs[mainID]
	if !ok || main.OwnerID != ownerID {
		return nil, apperrors.NotFound("job", mainID)
	}
	pages := make([]*Job, 0, len(main.ChildIDs.PageIDs))
	for _, pid := range main.ChildIDs.PageIDs {
		if p, ok := s.jobs[pid]; ok {
			pages = append(pages, p.Clone())
		}
	}
	sort.SliceStable(pages, func(i, j int) bool {
		if pages[i].PageNumber != pages[j].PageNumber {
			return pages[i].PageNumber < pages[j].PageNumber
		}
		return pages[i].CreatedAt.Before(pages[j].CreatedAt)
	})
	return pages, nil
}

func (s *MemoryStore) TryLatchMerge(_ context.Context, mainID, mergeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	main, ok := s.jobs[mainID]
	if !ok {
		return false, apperrors.NotFound("job", mainID)
	}
	if main.ChildIDs.MergeID != "" {
		return false, nil
	}
	main.ChildIDs.MergeID = mergeID
	return true, nil
}

func (s *MemoryStore) PutResult(_ context.Context, jobID string, result *Result, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[jobID] = &resultEntry{result: result, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) GetResult(_ context.Context, ownerID, jobID string) (*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok || job.OwnerID != ownerID {
		return nil, apperrors.NotFound("result", jobID)
	}
	entry, ok := s.results[jobID]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, apperrors.NotFound("result", jobID)
	}
	return entry.result, nil
}

func (s *MemoryStore) DeleteSubtree(_ context.Context, ownerID, mainID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	main, ok := s.jobs[mainID]
	if !ok || main.OwnerID != ownerID {
		return apperrors.NotFound("job", mainID)
	}
	if main.Type != TypeMain {
		return apperrors.Conflict("job", mainID, "only main jobs may be deleted")
	}

	victims := []string{mainID}
	if main.ChildIDs.SplitID != "" {
		victims = append(victims, main.ChildIDs.SplitID)
	}
	victims = append(victims, main.ChildIDs.PageIDs...)
	if main.ChildIDs.MergeID != "" {
		victims = append(victims, main.ChildIDs.MergeID)
	}

	for _, id := range victims {
		delete(s.jobs, id)
		delete(s.expiry, id)
		delete(s.results, id)
	}
	return nil
}

func (s *MemoryStore) ListJobsByOwner(_ context.Context, ownerID string, filter ListFilter, page Page) (*PagedJobs, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if page.Size <= 0 {
		page.Size = 20
	}
	if page.Number <= 0 {
		page.Number = 1
	}

	var matched []*Job
	for _, job := range s.jobs {
		if job.OwnerID != ownerID {
			continue
		}
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		matched = append(matched, job.Clone())
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	totalPages := (total + page.Size - 1) / page.Size
	start := (page.Number - 1) * page.Size
	if start > total {
		start = total
	}
	end := start + page.Size
	if end > total {
		end = total
	}

	return &PagedJobs{
		Jobs:       matched[start:end],
		Total:      total,
		Page:       page.Number,
		PageSize:   page.Size,
		TotalPages: totalPages,
	}, nil
}

var _ StateStore = (*MemoryStore)(nil)
