package store

import (
	"context"
	"errors"
	"time"

	"github.com/globus/action-provider-tools/internal/provider/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the root data access interface implemented by the drivers.
type Store interface {
	Actions() Actions

	ApplyMigrations() error

	// WithTx runs fn in a transaction, committing only if fn returns nil.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	Close() error
	Ping(ctx context.Context) error
}

type Actions interface {
	// CreateAction fails with ErrAlreadyExists when the creator already used
	// the request id.
	CreateAction(ctx context.Context, a domain.Action) error

	GetAction(ctx context.Context, actionID string) (domain.Action, error)

	// GetActionByRequest supports idempotent /run.
	GetActionByRequest(ctx context.Context, creatorID, requestID string) (domain.Action, error)

	// UpdateAction replaces the mutable fields: status, display status,
	// details and completion time.
	UpdateAction(ctx context.Context, a domain.Action) error

	// DeleteAction also removes the action's log.
	DeleteAction(ctx context.Context, actionID string) error

	// DeleteExpiredActions removes terminal actions whose release_after has
	// elapsed at now.
	DeleteExpiredActions(ctx context.Context, now time.Time) (int64, error)

	AppendLog(ctx context.Context, actionID string, e domain.LogEntry) error

	// ListLog returns up to limit entries, oldest first.
	ListLog(ctx context.Context, actionID string, limit int) ([]domain.LogEntry, error)
}
