package store

import (
	"time"

	"relay/internal/domain"
)

type MessageInsert struct {
	Record domain.MessageRecord
	Now    time.Time
}

type StatusUpdate struct {
	ID          string
	Status      domain.Status
	ProcessedAt *time.Time
	Now         time.Time
}

type MetadataUpdate struct {
	ID     string
	Values map[string]string
	Now    time.Time
}

type GroupTouch struct {
	ID string
	At time.Time
}
