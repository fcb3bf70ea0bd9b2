package convert

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"docmd/internal/apperrors"
)

// Validation limits (spec.md §6.1/§6.3).
const (
	maxOwnerIDLength   = 128
	maxNameLength      = 256
	maxFileSizeDefault = 100 << 20 // 100MB, overridden by Service.maxFileSize
	maxCallbackEvents  = 16
	maxPageNumber      = 1 << 20 // defensive upper bound, not a real document size
)

// Service is the API-facing front of the orchestrator: it validates
// requests and applies defaults before delegating to the Orchestrator and
// StateStore, mirroring the teacher's job.Service ("stateless, all state
// lives one layer down") generalized to conversion requests.
type Service struct {
	orchestrator *Orchestrator
	store        StateStore
	maxFileSize  int64
}

// ServiceConfig holds the request-validation tunables of spec.md §6.3 that
// Service itself enforces (the orchestrator-side tunables live in
// OrchestratorConfig).
type ServiceConfig struct {
	MaxFileSizeBytes int64
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.MaxFileSizeBytes <= 0 {
		c.MaxFileSizeBytes = maxFileSizeDefault
	}
	return c
}

// NewService constructs a Service over an already-wired Orchestrator.
func NewService(orchestrator *Orchestrator, store StateStore, cfg ServiceConfig) *Service {
	cfg = cfg.withDefaults()
	return &Service{orchestrator: orchestrator, store: store, maxFileSize: cfg.MaxFileSizeBytes}
}

// Submit validates req, applies defaults, and starts a conversion job.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	applyRequestDefaults(&req)
	if err := s.validateSubmit(&req); err != nil {
		return "", err
	}

	logger := slog.With("owner_id", req.OwnerID, "source_type", req.Source.Type)
	id, err := s.orchestrator.Submit(ctx, req)
	if err != nil {
		logger.Error("submit failed", "error", err)
		return "", err
	}
	return id, nil
}

// Get returns the current state of a job, owner-scoped.
func (s *Service) Get(ctx context.Context, ownerID, jobID string) (*Job, error) {
	if ownerID == "" {
		return nil, apperrors.Auth("owner ID required")
	}
	return s.store.GetJob(ctx, ownerID, jobID)
}

// ListPages summarizes every page job of a main job, most recent per page
// number only — superseded retries are hidden from this view (§6.1).
func (s *Service) ListPages(ctx context.Context, ownerID, mainID string) ([]PageInfo, error) {
	if ownerID == "" {
		return nil, apperrors.Auth("owner ID required")
	}
	pages, err := s.store.ListPages(ctx, ownerID, mainID)
	if err != nil {
		return nil, err
	}
	latest := latestPagesByNumber(pages)
	retryCounts := make(map[int]int, len(latest))
	for _, p := range pages {
		if p.Status == StatusSuperseded {
			retryCounts[p.PageNumber]++
		}
	}

	out := make([]PageInfo, 0, len(latest))
	for n := 1; n <= len(latest); n++ {
		p, ok := latest[n]
		if !ok {
			continue
		}
		out = append(out, PageInfo{
			PageNumber: p.PageNumber,
			JobID:      p.ID,
			Status:     p.Status,
			Error:      p.Error,
			RetryCount: retryCounts[n],
		})
	}
	return out, nil
}

// PageStatus returns the latest job record for a single page number.
func (s *Service) PageStatus(ctx context.Context, ownerID, mainID string, pageNumber int) (*Job, error) {
	pages, err := s.store.ListPages(ctx, ownerID, mainID)
	if err != nil {
		return nil, err
	}
	page, ok := latestPagesByNumber(pages)[pageNumber]
	if !ok {
		return nil, apperrors.NotFound("page", fmt.Sprintf("%s#%d", mainID, pageNumber))
	}
	return page, nil
}

// Result returns a main job's merged conversion output.
func (s *Service) Result(ctx context.Context, ownerID, jobID string) (*Result, error) {
	if ownerID == "" {
		return nil, apperrors.Auth("owner ID required")
	}
	return s.store.GetResult(ctx, ownerID, jobID)
}

// PageResult returns a single page's conversion output.
func (s *Service) PageResult(ctx context.Context, ownerID, mainID string, pageNumber int) (*Result, error) {
	page, err := s.PageStatus(ctx, ownerID, mainID, pageNumber)
	if err != nil {
		return nil, err
	}
	return s.store.GetResult(ctx, ownerID, page.ID)
}

// RetryPage validates the page number and delegates to the orchestrator.
func (s *Service) RetryPage(ctx context.Context, ownerID, mainID string, pageNumber int) (string, error) {
	if pageNumber <= 0 || pageNumber > maxPageNumber {
		return "", apperrors.Validation("page_number", "page number must be positive")
	}
	return s.orchestrator.RetryPage(ctx, ownerID, mainID, pageNumber)
}

// Delete removes a main job and its subtree.
func (s *Service) Delete(ctx context.Context, ownerID, jobID string) error {
	return s.orchestrator.Delete(ctx, ownerID, jobID)
}

// List returns a page of an owner's jobs, optionally filtered.
func (s *Service) List(ctx context.Context, ownerID string, filter ListFilter, page Page) (*PagedJobs, error) {
	if ownerID == "" {
		return nil, apperrors.Auth("owner ID required")
	}
	return s.store.ListJobsByOwner(ctx, ownerID, filter, page)
}

// applyRequestDefaults mirrors the teacher's applyDefaults: fills in
// unspecified optional fields without touching required ones.
func applyRequestDefaults(req *SubmitRequest) {
	if req.Options.Format == "" {
		req.Options.Format = "markdown"
	}
}

// validateSubmit validates a SubmitRequest. Does not modify req.
func (s *Service) validateSubmit(req *SubmitRequest) error {
	if req.OwnerID == "" {
		return apperrors.Validation("owner_id", "owner ID is required")
	}
	if len(req.OwnerID) > maxOwnerIDLength {
		return apperrors.Validation("owner_id", fmt.Sprintf("owner ID exceeds maximum length of %d", maxOwnerIDLength))
	}
	if len(req.Name) > maxNameLength {
		return apperrors.Validation("name", fmt.Sprintf("name exceeds maximum length of %d", maxNameLength))
	}

	switch req.Source.Type {
	case "file":
		if req.Source.Path == "" {
			return apperrors.Validation("source", "file source requires a path")
		}
	case "url":
		if err := validateSourceURL(req.Source.Path); err != nil {
			return apperrors.Validation("source", fmt.Sprintf("invalid source URL: %v", err))
		}
	default:
		return apperrors.Validation("source_type", fmt.Sprintf("unsupported source type %q", req.Source.Type))
	}

	if req.Callback != nil {
		if req.Callback.URL != "" {
			if err := validateSourceURL(req.Callback.URL); err != nil {
				return apperrors.Validation("callback.url", fmt.Sprintf("invalid callback URL: %v", err))
			}
		}
		if len(req.Callback.Events) > maxCallbackEvents {
			return apperrors.Validation("callback.events", fmt.Sprintf("callback events exceed maximum of %d", maxCallbackEvents))
		}
	}

	if req.Source.Type == "file" {
		info, err := DetectDocument(req.Source.Path)
		if err != nil {
			return apperrors.Validation("source", fmt.Sprintf("cannot read source file: %v", err))
		}
		if info.SizeBytes > s.maxFileSize {
			return apperrors.PayloadTooLarge("source", fmt.Sprintf("file size %d exceeds maximum of %d bytes", info.SizeBytes, s.maxFileSize))
		}
		if !IsAllowedMime(info.MimeType) {
			return apperrors.UnsupportedType("source", fmt.Sprintf("unsupported document type %q", info.MimeType))
		}
	}

	return nil
}

func validateSourceURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
