package store

import (
	"context"

	"dealroom/pkg/domain"
)

// KV is the durable key-value surface holding the persisted session entry.
type KV interface {
	// Get returns ok=false when the key is absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	// Delete is a no-op for absent keys.
	Delete(ctx context.Context, key string) error
}

// DataSource supplies the initial collections for an identity, in display order.
type DataSource interface {
	LoadDeals(ctx context.Context, user domain.User) ([]domain.Deal, error)
	LoadMessages(ctx context.Context, user domain.User) ([]domain.Message, error)
	LoadNotifications(ctx context.Context, user domain.User) ([]domain.Notification, error)
}

// Persister receives every committed mutation so a restart reloads the same state.
type Persister interface {
	SaveUser(ctx context.Context, user domain.User) error
	SaveDeal(ctx context.Context, deal domain.Deal) error
	AppendMessage(ctx context.Context, msg domain.Message) error
	SaveNotification(ctx context.Context, userID string, n domain.Notification) error
	MarkNotificationsRead(ctx context.Context, userID string, ids []string) error
}
