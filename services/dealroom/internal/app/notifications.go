package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"dealroom/internal/util"
	"dealroom/pkg/domain"
	"dealroom/services/dealroom/internal/store"
)

// NotificationStore holds the notifications of the current identity.
type NotificationStore struct {
	source    store.DataSource
	persister store.Persister
	publisher Publisher
	observer  Observer
	now       func() time.Time

	mu            sync.RWMutex
	gen           uint64
	identity      *domain.User
	notifications []domain.Notification
}

// IdentityChanged resets the collection and reloads it for a non-nil user.
// Notifications pushed while the load is in flight stay in front.
func (n *NotificationStore) IdentityChanged(ctx context.Context, user *domain.User) error {
	n.mu.Lock()
	n.gen++
	gen := n.gen
	n.identity = user
	n.notifications = nil
	n.mu.Unlock()

	if user == nil {
		return nil
	}
	loaded, err := n.source.LoadNotifications(ctx, *user)
	if err != nil {
		return fmt.Errorf("load notifications: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.gen != gen {
		return nil
	}
	pushed := make(map[string]bool, len(n.notifications))
	for _, item := range n.notifications {
		pushed[item.ID] = true
	}
	for _, item := range loaded {
		if !pushed[item.ID] {
			n.notifications = append(n.notifications, item)
		}
	}
	return nil
}

func (n *NotificationStore) Notifications() []domain.Notification {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]domain.Notification(nil), n.notifications...)
}

// UnreadCount is computed from the collection on every call.
func (n *NotificationStore) UnreadCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return UnreadCount(n.notifications)
}

// MarkAsRead marks one notification read. Unknown ids are ignored.
func (n *NotificationStore) MarkAsRead(ctx context.Context, id string) (err error) {
	defer n.observe(OpMarkRead, time.Now(), &err)
	changed := false
	err = n.commit(func() error {
		for i := range n.notifications {
			if n.notifications[i].ID != id || n.notifications[i].Read {
				continue
			}
			if err := n.persistRead(ctx, []string{id}); err != nil {
				return err
			}
			n.notifications[i].Read = true
			changed = true
			return nil
		}
		return nil
	})
	if err == nil && changed {
		n.publish(domain.EventNotificationsRead, "", []string{id})
	}
	return err
}

// MarkAllAsRead marks every notification in the collection read.
func (n *NotificationStore) MarkAllAsRead(ctx context.Context) (err error) {
	defer n.observe(OpMarkAllRead, time.Now(), &err)
	var ids []string
	err = n.commit(func() error {
		for _, item := range n.notifications {
			if !item.Read {
				ids = append(ids, item.ID)
			}
		}
		if len(ids) == 0 {
			return nil
		}
		if err := n.persistRead(ctx, ids); err != nil {
			return err
		}
		for i := range n.notifications {
			n.notifications[i].Read = true
		}
		return nil
	})
	if err == nil && len(ids) > 0 {
		n.publish(domain.EventNotificationsRead, "", ids)
	}
	return err
}

// Push adds a notification delivered by an external event source. A missing
// id or timestamp is filled in; new notifications go to the front.
func (n *NotificationStore) Push(ctx context.Context, item domain.Notification) (out domain.Notification, err error) {
	defer n.observe(OpPushNotice, time.Now(), &err)
	if !item.Type.Valid() {
		return domain.Notification{}, fmt.Errorf("notification type %q: %w", item.Type, ErrInvalidNotification)
	}
	if strings.TrimSpace(item.ID) == "" {
		item.ID = util.NewID("notif")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = n.now()
	}
	err = n.commit(func() error {
		if n.identity == nil {
			return ErrUnauthenticated
		}
		if n.persister != nil {
			if err := n.persister.SaveNotification(ctx, n.identity.ID, item); err != nil {
				return fmt.Errorf("save notification: %w", err)
			}
		}
		for i := range n.notifications {
			if n.notifications[i].ID == item.ID {
				n.notifications[i] = item
				return nil
			}
		}
		n.notifications = append([]domain.Notification{item}, n.notifications...)
		return nil
	})
	if err != nil {
		return domain.Notification{}, err
	}
	n.publish(domain.EventNotificationAdded, item.DealID, item)
	return item, nil
}

// persistRead must be called with n.mu held.
func (n *NotificationStore) persistRead(ctx context.Context, ids []string) error {
	if n.persister == nil || n.identity == nil {
		return nil
	}
	if err := n.persister.MarkNotificationsRead(ctx, n.identity.ID, ids); err != nil {
		return fmt.Errorf("mark notifications read: %w", err)
	}
	return nil
}

func (n *NotificationStore) commit(fn func() error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return fn()
}

func (n *NotificationStore) publish(t domain.EventType, dealID string, payload any) {
	n.publisher.Publish(domain.Event{Type: t, DealID: dealID, At: n.now(), Payload: payload})
}

func (n *NotificationStore) observe(op Op, start time.Time, errp *error) {
	n.observer.ObserveOp(op, *errp, time.Since(start))
}
