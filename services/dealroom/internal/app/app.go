package app

import (
	"context"
	"fmt"
	"time"

	"dealroom/services/dealroom/internal/store"
)

// Config holds the collaborators of a workspace. Only KV is required; every
// other field has a working default.
type Config struct {
	KV store.KV
	// Source defaults to the built-in fixture.
	Source store.DataSource
	// Persister receives committed mutations; nil keeps state in memory only.
	Persister store.Persister
	// Documents stores upload bytes; nil records the placeholder locator.
	Documents DocumentStorage
	// Authenticator defaults to the fixture demo identity.
	Authenticator Authenticator
	Latency       Latency
	Publisher     Publisher
	Observer      Observer
	// StrictTransitions enforces pending -> in_progress -> completed, with
	// cancellation from pending or in_progress.
	StrictTransitions bool
	Now               func() time.Time
}

// Workspace bundles the stores of one current identity.
type Workspace struct {
	Session       *Session
	Deals         *DealStore
	Notifications *NotificationStore
}

// New wires the stores, subscribes them to identity changes and restores the
// persisted session.
func New(ctx context.Context, cfg Config) (*Workspace, error) {
	if cfg.KV == nil {
		return nil, fmt.Errorf("session kv required")
	}
	if cfg.Source == nil {
		cfg.Source = store.NewFixtureSource()
	}
	if cfg.Authenticator == nil {
		demo, _ := store.FixtureUser("user-1")
		a, err := NewStaticAuthenticator(demo, store.DemoPassword)
		if err != nil {
			return nil, fmt.Errorf("demo authenticator: %w", err)
		}
		cfg.Authenticator = a
	}
	if cfg.Latency == nil {
		cfg.Latency = NoLatency{}
	}
	if cfg.Publisher == nil {
		cfg.Publisher = nopPublisher{}
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	session := &Session{
		kv:        cfg.KV,
		auth:      cfg.Authenticator,
		latency:   cfg.Latency,
		persister: cfg.Persister,
		publisher: cfg.Publisher,
		observer:  cfg.Observer,
		now:       cfg.Now,
	}
	deals := &DealStore{
		source:    cfg.Source,
		persister: cfg.Persister,
		documents: cfg.Documents,
		latency:   cfg.Latency,
		publisher: cfg.Publisher,
		observer:  cfg.Observer,
		now:       cfg.Now,
		strict:    cfg.StrictTransitions,
	}
	notifications := &NotificationStore{
		source:    cfg.Source,
		persister: cfg.Persister,
		publisher: cfg.Publisher,
		observer:  cfg.Observer,
		now:       cfg.Now,
	}
	session.Subscribe(deals)
	session.Subscribe(notifications)
	session.Restore(ctx)

	return &Workspace{Session: session, Deals: deals, Notifications: notifications}, nil
}
