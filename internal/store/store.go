package store

import (
	"context"
	"errors"

	"relay/internal/domain"
)

var ErrNotFound = errors.New("not found")

// RuleStore persists groups and their embedded rule sets.
type RuleStore interface {
	FindGroupByID(ctx context.Context, id string) (domain.Group, error)
	SaveGroup(ctx context.Context, g domain.Group) error
	// EnsureGroup inserts g unless a group with the same id exists, then returns the stored group.
	EnsureGroup(ctx context.Context, g domain.Group) (stored domain.Group, created bool, err error)
	FindGroupsByRuleActionType(ctx context.Context, kind domain.ActionKind) ([]domain.Group, error)
	ListGroups(ctx context.Context) ([]domain.Group, error)
	TouchLastMessage(ctx context.Context, in GroupTouch) error
}

// MessageStore persists one record per classified inbound message.
type MessageStore interface {
	// CreateMessage returns created=false when a record with the same id already exists.
	CreateMessage(ctx context.Context, in MessageInsert) (created bool, err error)
	GetMessage(ctx context.Context, id string) (domain.MessageRecord, error)
	UpdateStatus(ctx context.Context, in StatusUpdate) error
	MergeMetadata(ctx context.Context, in MetadataUpdate) error
}

type Store interface {
	RuleStore
	MessageStore
	Ping(ctx context.Context) error
	Close() error
}
