package convert

import (
	"fmt"
	"slices"
	"time"

	"docmd/pkg/cloudevent"
)

// Event types for job lifecycle callbacks, delivered through the callback
// dispatcher when a job carries a Callback (expansion of spec.md's core
// scope; not one of its invariants).
const (
	EventTypeMainQueued     = "docmd.job.main.queued"
	EventTypeMainProcessing = "docmd.job.main.processing"
	EventTypeMainCompleted  = "docmd.job.main.completed"
	EventTypeMainFailed     = "docmd.job.main.failed"
	EventTypePageCompleted  = "docmd.job.page.completed"
	EventTypePageFailed     = "docmd.job.page.failed"
)

// FilteredEvents reports whether eventType should be sent given filter. An
// empty filter allows every event type.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventBuilder builds CloudEvents for a single main job's lifecycle.
type EventBuilder struct {
	source  string
	subject string
}

// NewEventBuilder creates an EventBuilder scoped to mainID.
func NewEventBuilder(mainID, source string) *EventBuilder {
	return &EventBuilder{source: source, subject: mainID}
}

func (b *EventBuilder) build(eventType string, data map[string]any) *cloudevent.CloudEvent {
	eventID := fmt.Sprintf("%s-%d", b.subject, time.Now().UnixNano())
	return cloudevent.New(eventType, b.source, b.subject, eventID, data)
}

// BuildMainEvent reports a status transition on the main job.
func (b *EventBuilder) BuildMainEvent(eventType string, job *Job) *cloudevent.CloudEvent {
	data := map[string]any{
		"job_id":   job.ID,
		"status":   string(job.Status),
		"progress": job.Progress,
	}
	if job.Error != "" {
		data["error"] = job.Error
	}
	return b.build(eventType, data)
}

// BuildPageEvent reports a leaf page's completion or failure.
func (b *EventBuilder) BuildPageEvent(eventType string, page *Job) *cloudevent.CloudEvent {
	data := map[string]any{
		"job_id":      page.ID,
		"page_number": page.PageNumber,
		"status":      string(page.Status),
	}
	if page.Error != "" {
		data["error"] = page.Error
	}
	return b.build(eventType, data)
}
