package app

import (
	"context"
	"io"
	"time"

	"dealroom/pkg/domain"
)

// IdentityListener is told about every change of the current identity.
// user is nil after logout.
type IdentityListener interface {
	IdentityChanged(ctx context.Context, user *domain.User) error
}

// Authenticator checks login credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, email, password string) (domain.User, error)
}

// DocumentStorage keeps uploaded document bytes.
type DocumentStorage interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
}

// Publisher receives an event after each committed mutation. Publish must not block.
type Publisher interface {
	Publish(evt domain.Event)
}

// Observer records the outcome of store operations.
type Observer interface {
	ObserveOp(op Op, err error, elapsed time.Duration)
}

type nopPublisher struct{}

func (nopPublisher) Publish(domain.Event) {}

type nopObserver struct{}

func (nopObserver) ObserveOp(Op, error, time.Duration) {}
