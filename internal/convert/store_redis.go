package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"docmd/internal/apperrors"
)

// RedisStoreConfig configures the Redis-backed StateStore.
type RedisStoreConfig struct {
	Addr        string
	Password    string
	DB          int
	StatusTTL   time.Duration // job:{id}:status retention, default 24h
	DialTimeout time.Duration
}

func (c RedisStoreConfig) withDefaults() RedisStoreConfig {
	if c.StatusTTL <= 0 {
		c.StatusTTL = 24 * time.Hour
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	return c
}

// RedisStore is a Redis-backed StateStore implementing the key layout of
// spec.md §6.2. The teacher never used Redis (its job state is an
// in-process map); the connection lifecycle here — dial, then ping before
// returning, context-scoped calls throughout — is grounded on
// yungbote-neurobridge-backend's internal/realtime/bus.redisBus. Every key
// this store touches is specific to job orchestration, since that bus only
// ever published ephemeral SSE messages. IncPageCounter and TryLatchMerge
// lean on Redis's native atomics (INCRBY with a signed delta, SETNX) and
// AddChild appends page IDs with RPUSH, instead of the teacher's in-process
// mutex; the copies of these values kept in the job record itself are
// updated by read-modify-write.
type RedisStore struct {
	rdb *goredis.Client
	cfg RedisStoreConfig
}

// NewRedisStore dials Redis and pings it before returning, matching
// yungbote-neurobridge-backend's NewRedisBus dial-then-ping-then-fail-fast
// shape (the teacher's own stores never dial out to anything).
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redisstore: missing addr")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redisstore: ping: %w", err)
	}

	return &RedisStore{rdb: rdb, cfg: cfg}, nil
}

func statusKey(id string) string       { return fmt.Sprintf("job:%s:status", id) }
func resultKey(id string) string       { return fmt.Sprintf("job:%s:result", id) }
func pagesKey(mainID string) string    { return fmt.Sprintf("job:%s:pages", mainID) }
func counterKey(mainID string, field CounterField) string {
	return fmt.Sprintf("job:%s:counter:%s", mainID, field)
}
func mergeLatchKey(mainID string) string { return fmt.Sprintf("job:%s:merge_latch", mainID) }
func ownerIndexKey(ownerID string) string { return fmt.Sprintf("owner:%s:jobs", ownerID) }

func (s *RedisStore) Close() error { return s.rdb.Close() }

// Ping implements Pinger for readiness probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) PutJob(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return apperrors.Internal("redisstore.PutJob", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, statusKey(job.ID), raw, s.cfg.StatusTTL)
	pipe.SAdd(ctx, ownerIndexKey(job.OwnerID), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.StoreUnavailable("redisstore.PutJob", err)
	}
	return nil
}

func (s *RedisStore) getJobRaw(ctx context.Context, id string) (*Job, error) {
	raw, err := s.rdb.Get(ctx, statusKey(id)).Bytes()
	if err == goredis.Nil {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.StoreUnavailable("redisstore.getJobRaw", err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, apperrors.Internal("redisstore.getJobRaw", err)
	}
	return &job, nil
}

func (s *RedisStore) GetJobUnscoped(ctx context.Context, id string) (*Job, error) {
	return s.getJobRaw(ctx, id)
}

func (s *RedisStore) GetJob(ctx context.Context, ownerID, id string) (*Job, error) {
	job, err := s.getJobRaw(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, apperrors.NotFound("job", id)
	}
	return job, nil
}

// AddChild performs a read-modify-write under the status TTL; Redis has no
// native "append to a JSON field" primitive, so this mirrors the teacher's
// own read-modify-write convention for compound records rather than
// reaching for a Lua script.
func (s *RedisStore) AddChild(ctx context.Context, parentID string, kind JobType, childID string) error {
	parent, err := s.getJobRaw(ctx, parentID)
	if err != nil {
		return err
	}
	switch kind {
	case TypeSplit:
		parent.ChildIDs.SplitID = childID
	case TypePage:
		parent.ChildIDs.PageIDs = append(parent.ChildIDs.PageIDs, childID)
		if err := s.rdb.RPush(ctx, pagesKey(parentID), childID).Err(); err != nil {
			return apperrors.StoreUnavailable("redisstore.AddChild", err)
		}
	case TypeMerge:
		parent.ChildIDs.MergeID = childID
	}
	return s.PutJob(ctx, parent)
}

func (s *RedisStore) IncPageCounter(ctx context.Context, mainID string, field CounterField, delta int) (int, error) {
	n, err := s.rdb.IncrBy(ctx, counterKey(mainID, field), int64(delta)).Result()
	if err != nil {
		return 0, apperrors.StoreUnavailable("redisstore.IncPageCounter", err)
	}
	s.rdb.Expire(ctx, counterKey(mainID, field), s.cfg.StatusTTL)

	job, err := s.getJobRaw(ctx, mainID)
	if err != nil {
		return int(n), nil //nolint:nilerr // the counter key is authoritative even if the cached job record has expired
	}
	switch field {
	case CounterCompleted:
		job.PagesCompleted = int(n)
	case CounterFailed:
		job.PagesFailed = int(n)
	}
	_ = s.PutJob(ctx, job)
	return int(n), nil
}

func (s *RedisStore) ListPages(ctx context.Context, ownerID, mainID string) ([]*Job, error) {
	if _, err := s.GetJob(ctx, ownerID, mainID); err != nil {
		return nil, err
	}
	ids, err := s.rdb.LRange(ctx, pagesKey(mainID), 0, -1).Result()
	if err != nil {
		return nil, apperrors.StoreUnavailable("redisstore.ListPages", err)
	}
	pages := make([]*Job, 0, len(ids))
	for _, id := range ids {
		p, err := s.getJobRaw(ctx, id)
		if err != nil {
			continue // superseded pages may have already expired out of status TTL
		}
		pages = append(pages, p)
	}
	sort.SliceStable(pages, func(i, j int) bool {
		if pages[i].PageNumber != pages[j].PageNumber {
			return pages[i].PageNumber < pages[j].PageNumber
		}
		return pages[i].CreatedAt.Before(pages[j].CreatedAt)
	})
	return pages, nil
}

// TryLatchMerge implements the merge-latch CAS with Redis SETNX: the first
// caller to SETNX the latch key wins the race and is the only one that
// proceeds to enqueue the merge job (spec.md §4.3.4 step 5).
func (s *RedisStore) TryLatchMerge(ctx context.Context, mainID, mergeID string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, mergeLatchKey(mainID), mergeID, s.cfg.StatusTTL).Result()
	if err != nil {
		return false, apperrors.StoreUnavailable("redisstore.TryLatchMerge", err)
	}
	if ok {
		if job, err := s.getJobRaw(ctx, mainID); err == nil {
			job.ChildIDs.MergeID = mergeID
			_ = s.PutJob(ctx, job)
		}
	}
	return ok, nil
}

func (s *RedisStore) PutResult(ctx context.Context, jobID string, result *Result, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return apperrors.Internal("redisstore.PutResult", err)
	}
	if err := s.rdb.Set(ctx, resultKey(jobID), raw, ttl).Err(); err != nil {
		return apperrors.StoreUnavailable("redisstore.PutResult", err)
	}
	return nil
}

func (s *RedisStore) GetResult(ctx context.Context, ownerID, jobID string) (*Result, error) {
	if _, err := s.GetJob(ctx, ownerID, jobID); err != nil {
		return nil, err
	}
	raw, err := s.rdb.Get(ctx, resultKey(jobID)).Bytes()
	if err == goredis.Nil {
		return nil, apperrors.NotFound("result", jobID)
	}
	if err != nil {
		return nil, apperrors.StoreUnavailable("redisstore.GetResult", err)
	}
	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, apperrors.Internal("redisstore.GetResult", err)
	}
	return &result, nil
}

func (s *RedisStore) DeleteSubtree(ctx context.Context, ownerID, mainID string) error {
	main, err := s.GetJob(ctx, ownerID, mainID)
	if err != nil {
		return err
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

	pipe := s.rdb.TxPipeline()
	for _, id := range victims {
		pipe.Del(ctx, statusKey(id))
		pipe.Del(ctx, resultKey(id))
	}
	pipe.Del(ctx, pagesKey(mainID))
	pipe.Del(ctx, counterKey(mainID, CounterCompleted))
	pipe.Del(ctx, counterKey(mainID, CounterFailed))
	pipe.Del(ctx, mergeLatchKey(mainID))
	pipe.SRem(ctx, ownerIndexKey(ownerID), mainID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.StoreUnavailable("redisstore.DeleteSubtree", err)
	}
	return nil
}

func (s *RedisStore) ListJobsByOwner(ctx context.Context, ownerID string, filter ListFilter, page Page) (*PagedJobs, error) {
	if page.Size <= 0 {
		page.Size = 20
	}
	if page.Number <= 0 {
		page.Number = 1
	}

	ids, err := s.rdb.SMembers(ctx, ownerIndexKey(ownerID)).Result()
	if err != nil {
		return nil, apperrors.StoreUnavailable("redisstore.ListJobsByOwner", err)
	}

	var matched []*Job
	for _, id := range ids {
		job, err := s.getJobRaw(ctx, id)
		if err != nil {
			continue // expired from status TTL; prune lazily rather than on every list
		}
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		matched = append(matched, job)
	}

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

var _ StateStore = (*RedisStore)(nil)
