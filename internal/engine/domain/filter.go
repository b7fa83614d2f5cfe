package domain

import "time"

// JobCursor is a keyset pagination cursor over (created, id) descending.
type JobCursor struct {
	Created time.Time
	ID      int64
}

// JobFilter narrows job listings. Zero-valued fields are ignored.
type JobFilter struct {
	Status       JobStatus
	Dispatcher   string
	InstanceType string
	InstanceID   int64
	PageSize     int
	Cursor       *JobCursor
}
