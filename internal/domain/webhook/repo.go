package webhook

import (
	"context"

	"github.com/google/uuid"
)

// RequestRepository persists the webhook request ledger.
type RequestRepository interface {
	// Create inserts r with a new id and status processing.
	Create(ctx context.Context, r *Request) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status RequestStatus, detail *string) error
	// ListByStatus returns the customer's entries in ledger order, oldest
	// first.
	ListByStatus(ctx context.Context, cxID uuid.UUID, status RequestStatus) ([]*Request, error)
	// MarkProcessing flips the given failure entries to processing and
	// returns the ids it actually changed.
	MarkProcessing(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error)
	CountOpen(ctx context.Context, cxID uuid.UUID) (StatusCounts, error)
	// List pages through the ledger, newest first.
	List(ctx context.Context, cxID uuid.UUID, limit, offset int) ([]*Request, int, error)
}

// SettingsRepository persists per-customer webhook settings.
type SettingsRepository interface {
	// Get returns apperr.NotFoundError when the customer has no settings.
	Get(ctx context.Context, cxID uuid.UUID) (*Settings, error)
	GetOrCreate(ctx context.Context, cxID uuid.UUID) (*Settings, error)
	UpdateWebhook(ctx context.Context, cxID uuid.UUID, url, key *string) (*Settings, error)
	UpdateHealth(ctx context.Context, cxID uuid.UUID, enabled bool, detail *string) error
}
