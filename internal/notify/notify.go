// Package notify fans job status changes out to interested listeners.
package notify

import (
	"context"
	"time"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/domain"
)

// Event is published whenever a job changes status.
type Event struct {
	JobID     string `json:"job_id"`
	TenantID  string `json:"tenant_id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// NewEvent snapshots the job's current status.
func NewEvent(job *domain.Job, at time.Time) Event {
	return Event{
		JobID:     job.ID.String(),
		TenantID:  job.TenantID,
		Type:      string(job.Type),
		Status:    string(job.Status),
		Timestamp: at.UnixMilli(),
	}
}

// Notifier publishes status events. Failures never affect the job itself.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Subscriber streams a tenant's events until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, tenantID string) (<-chan Event, error)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
