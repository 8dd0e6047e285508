package service

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/k-yamada-dev/codecheck-202507-sub000/internal/storage"
)

// DecodeJobCursor parses an opaque "<startedAt nanos>|<id>" cursor. An empty
// string means the first page.
func DecodeJobCursor(cursorStr string) (*storage.JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(cursorStr, "="))
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	nanos, id, ok := strings.Cut(string(decoded), "|")
	if !ok {
		return nil, fmt.Errorf("invalid cursor format")
	}

	startedAt, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid startedAt in cursor: %w", err)
	}

	jobID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid id in cursor: %w", err)
	}

	return &storage.JobCursor{
		StartedAt: time.Unix(0, startedAt).UTC(),
		ID:        jobID,
	}, nil
}

func EncodeJobCursor(cursor *storage.JobCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.StartedAt.UnixNano(), cursor.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(cs))
}
