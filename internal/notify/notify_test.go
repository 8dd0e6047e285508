package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/domain"
)

func TestNewEvent(t *testing.T) {
	at := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	job := domain.NewJob("tenant-a", "user-1", "Alice", domain.JobTypeDecode, "foo.png", nil, at)
	job.Status = domain.JobStatusRunning

	event := NewEvent(job, at)

	assert.Equal(t, job.ID.String(), event.JobID)
	assert.Equal(t, "tenant-a", event.TenantID)
	assert.Equal(t, "DECODE", event.Type)
	assert.Equal(t, "RUNNING", event.Status)
	assert.Equal(t, at.UnixMilli(), event.Timestamp)
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "watermark:jobs:tenant-a", channelName("watermark:jobs", "tenant-a"))
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"valid", `{"job_id":"j1","tenant_id":"t","type":"EMBED","status":"DONE","timestamp":1}`, false},
		{"not json", `DONE`, true},
		{"missing status", `{"job_id":"j1"}`, true},
		{"missing job id", `{"status":"DONE"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := decodeEvent(tt.payload)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "j1", event.JobID)
			assert.Equal(t, "DONE", event.Status)
		})
	}
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Notify(context.Background(), Event{}))
}
