// Package convert implements the job orchestration core: job identity, the
// state machine, fan-out/fan-in across split/page/merge jobs, and the
// progress arithmetic that ties them back to a single user-visible request.
package convert

import "time"

// JobType identifies where a job sits in the main/split/page/merge tree.
type JobType string

const (
	TypeMain  JobType = "main"
	TypeSplit JobType = "split"
	TypePage  JobType = "page"
	TypeMerge JobType = "merge"
)

// Status is the job state machine's current state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusSuperseded Status = "superseded" // page-only: replaced by a retry
)

// Terminal reports whether status no longer accepts further transitions
// (I1: a terminal job never transitions again except via explicit retry,
// which replaces the page's record rather than mutating it).
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSuperseded:
		return true
	default:
		return false
	}
}

// Callback carries optional webhook delivery configuration for a job's
// lifecycle events, generalizing original_source's bare callback_url to
// include event filtering and HMAC signing.
type Callback struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
	Key    string   `json:"key,omitempty"`
}

// DocumentInfo is derived once Fetch resolves the source (§4.3.2 step 4).
type DocumentInfo struct {
	MimeType         string `json:"mime_type"`
	SizeBytes        int64  `json:"size_bytes"`
	OriginalFilename string `json:"original_filename,omitempty"`
}

// ChildIDs is the main job's authoritative child membership (I4): the
// parent's list is the source of truth, a page's ParentID is a
// back-reference only.
type ChildIDs struct {
	SplitID string   `json:"split_id,omitempty"`
	PageIDs []string `json:"page_ids,omitempty"`
	MergeID string   `json:"merge_id,omitempty"`
}

// Options controls how a document is converted. Fields mirror
// original_source's ConversionOptions; unknown/unsupported fields are
// accepted and ignored by the stub Converter.
type Options struct {
	Format          string         `json:"format,omitempty"`
	IncludeImages   bool           `json:"include_images,omitempty"`
	PreserveTables  bool           `json:"preserve_tables,omitempty"`
	ExtractMetadata bool           `json:"extract_metadata,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// Job is the unified record for main/split/page/merge jobs. Kind-specific
// fields are zero-valued when not applicable; see the invariants in §3.
type Job struct {
	ID       string  `json:"id"`
	OwnerID  string  `json:"owner_id"`
	Type     JobType `json:"type"`
	Status   Status  `json:"status"`
	Progress int     `json:"progress"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ParentID   string `json:"parent_id,omitempty"`   // present iff Type != main
	PageNumber int    `json:"page_number,omitempty"` // present iff Type == page

	Name  string `json:"name,omitempty"`
	Error string `json:"error,omitempty"`

	// Main-only.
	TotalPages     *int          `json:"total_pages,omitempty"`
	PagesCompleted int           `json:"pages_completed"`
	PagesFailed    int           `json:"pages_failed"`
	ChildIDs       ChildIDs      `json:"child_ids"`
	DocumentInfo   *DocumentInfo `json:"document_info,omitempty"`
	SourceSpec     SourceSpec    `json:"source_spec,omitempty"`
	Options        Options       `json:"options,omitempty"`
	Callback       *Callback     `json:"callback,omitempty"`

	// Page-only.
	PageFilePath string `json:"page_file_path,omitempty"`
	CharCount    int    `json:"char_count,omitempty"`
}

// Clone returns a deep-enough copy for read-modify-write callers; the
// store's contract (§4.1) requires PutJob callers to read-modify-write
// rather than mutate a shared record in place.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.TotalPages != nil {
		n := *j.TotalPages
		c.TotalPages = &n
	}
	if j.DocumentInfo != nil {
		d := *j.DocumentInfo
		c.DocumentInfo = &d
	}
	c.ChildIDs.PageIDs = append([]string(nil), j.ChildIDs.PageIDs...)
	return &c
}

// Metadata describes a converted document or page.
type Metadata struct {
	Pages     *int    `json:"pages,omitempty"`
	Words     int     `json:"words"`
	SizeBytes int64   `json:"size_bytes"`
	Format    string  `json:"format"`
	Title     *string `json:"title,omitempty"`
	Author    *string `json:"author,omitempty"`
	// PerPageErrors records page numbers merged as placeholders because
	// their conversion never succeeded (§7, partially-failed merge).
	PerPageErrors map[int]string `json:"per_page_errors,omitempty"`
}

// Result is the converted output, stored only for main and page jobs (I5).
type Result struct {
	JobID     string    `json:"job_id"`
	Markdown  string    `json:"markdown"`
	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
}

// SourceSpec names where the document to convert comes from. The adapter
// that resolves it (Fetch) is an external collaborator per spec.md §1.
type SourceSpec struct {
	Type string `json:"source_type"` // "file", "url"
	Path string `json:"source"`      // local path or URL, depending on Type
}

// SubmitRequest is the orchestrator-facing shape of a conversion request.
type SubmitRequest struct {
	OwnerID  string
	Source   SourceSpec
	Name     string
	Options  Options
	Callback *Callback
}

// PageInfo is the per-page summary returned by ListPages.
type PageInfo struct {
	PageNumber int    `json:"page_number"`
	JobID      string `json:"job_id"`
	Status     Status `json:"status"`
	Error      string `json:"error,omitempty"`
	RetryCount int    `json:"retry_count"`
}
