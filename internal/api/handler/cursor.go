package handler

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cloudweav/jobcore/internal/engine/domain"
)

func DecodeJobCursor(cursorStr string) (*domain.JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	parts := strings.Split(string(decoded), "|")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid cursor format")
	}

	createdAt, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid created timestamp in cursor: %w", err)
	}
	jobID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid job id in cursor: %w", err)
	}

	return &domain.JobCursor{
		Created: time.Unix(0, createdAt),
		ID:      jobID,
	}, nil
}

func EncodeJobCursor(cursor *domain.JobCursor) string {
	cs := fmt.Sprintf("%d|%d", cursor.Created.UnixNano(), cursor.ID)
	return base64.StdEncoding.EncodeToString([]byte(cs))
}
