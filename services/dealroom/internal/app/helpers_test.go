package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"dealroom/pkg/auth"
	"dealroom/pkg/domain"
	"dealroom/services/dealroom/internal/store"
)

func testAuthenticator(t *testing.T) Authenticator {
	t.Helper()
	demo, _ := store.FixtureUser("user-1")
	hash, err := auth.HashPasswordCost(store.DemoPassword, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash demo password: %v", err)
	}
	return NewStaticAuthenticatorHash(demo, hash)
}

func newWorkspace(t *testing.T, cfg Config) *Workspace {
	t.Helper()
	if cfg.KV == nil {
		cfg.KV = store.NewMemoryKV()
	}
	if cfg.Authenticator == nil {
		cfg.Authenticator = testAuthenticator(t)
	}
	ws, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new workspace: %v", err)
	}
	return ws
}

func loggedInWorkspace(t *testing.T, cfg Config) *Workspace {
	t.Helper()
	ws := newWorkspace(t, cfg)
	if _, err := ws.Session.Login(context.Background(), store.DemoEmail, store.DemoPassword); err != nil {
		t.Fatalf("login: %v", err)
	}
	return ws
}

// fakeClock returns queued instants in order and repeats the last one.
type fakeClock struct {
	mu    sync.Mutex
	times []time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.times[0]
	if len(c.times) > 1 {
		c.times = c.times[1:]
	}
	return t
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(evt domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

var errBoom = errors.New("boom")

// failingPersister fails every write once armed.
type failingPersister struct {
	mu    sync.Mutex
	armed bool
	users []domain.User
	deals []domain.Deal
}

func (p *failingPersister) arm() {
	p.mu.Lock()
	p.armed = true
	p.mu.Unlock()
}

func (p *failingPersister) check() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.armed {
		return errBoom
	}
	return nil
}

func (p *failingPersister) SaveUser(_ context.Context, u domain.User) error {
	if err := p.check(); err != nil {
		return err
	}
	p.mu.Lock()
	p.users = append(p.users, u)
	p.mu.Unlock()
	return nil
}

func (p *failingPersister) SaveDeal(_ context.Context, d domain.Deal) error {
	if err := p.check(); err != nil {
		return err
	}
	p.mu.Lock()
	p.deals = append(p.deals, d)
	p.mu.Unlock()
	return nil
}

func (p *failingPersister) AppendMessage(context.Context, domain.Message) error { return p.check() }

func (p *failingPersister) SaveNotification(context.Context, string, domain.Notification) error {
	return p.check()
}

func (p *failingPersister) MarkNotificationsRead(context.Context, string, []string) error {
	return p.check()
}

type memoryDocuments struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
}

func newMemoryDocuments() *memoryDocuments {
	return &memoryDocuments{objects: make(map[string][]byte)}
}

func (m *memoryDocuments) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = buf.Bytes()
	return nil
}

func (m *memoryDocuments) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

type failingSource struct{}

func (failingSource) LoadDeals(context.Context, domain.User) ([]domain.Deal, error) {
	return nil, errBoom
}

func (failingSource) LoadMessages(context.Context, domain.User) ([]domain.Message, error) {
	return nil, errBoom
}

func (failingSource) LoadNotifications(context.Context, domain.User) ([]domain.Notification, error) {
	return nil, errBoom
}
