package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"dealroom/internal/util"
	"dealroom/pkg/domain"
	"dealroom/services/dealroom/internal/store"
)

// SessionKey is the KV key holding the JSON-encoded current identity.
const SessionKey = "dealroom:session:user"

// Session owns the current identity and its persisted copy.
type Session struct {
	kv        store.KV
	auth      Authenticator
	latency   Latency
	persister store.Persister
	publisher Publisher
	observer  Observer
	now       func() time.Time

	// switchMu serialises identity changes together with listener notification,
	// so listeners see changes in the order they were committed.
	switchMu  sync.Mutex
	mu        sync.RWMutex
	current   *domain.User
	listeners []IdentityListener
}

// Subscribe registers l for identity changes. Call before Restore.
func (s *Session) Subscribe(l IdentityListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Current returns the current identity, if any.
func (s *Session) Current() (domain.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return domain.User{}, false
	}
	return *s.current, true
}

// Restore loads the persisted identity. Absent, unreadable or malformed
// entries leave the session logged out.
func (s *Session) Restore(ctx context.Context) {
	logger := util.LoggerFromContext(ctx)
	var restored *domain.User
	raw, ok, err := s.kv.Get(ctx, SessionKey)
	switch {
	case err != nil:
		logger.Warn("session restore failed", "err", err)
	case ok:
		user, err := DecodeSessionUser(raw)
		if err != nil {
			logger.Warn("ignoring malformed session entry", "err", err)
			break
		}
		restored = &user
		logger.Info("session restored", "user_id", user.ID)
	}
	_ = s.switchTo(ctx, restored, nil)
}

// DecodeSessionUser parses a persisted session entry the way Restore accepts it.
func DecodeSessionUser(raw []byte) (domain.User, error) {
	var user domain.User
	if err := json.Unmarshal(raw, &user); err != nil {
		return domain.User{}, fmt.Errorf("decode session: %w", err)
	}
	if strings.TrimSpace(user.ID) == "" || strings.TrimSpace(user.Email) == "" {
		return domain.User{}, fmt.Errorf("session entry missing id or email")
	}
	if !user.Role.Valid() {
		return domain.User{}, fmt.Errorf("session entry has unknown role %q", user.Role)
	}
	return user, nil
}

// Login checks the credentials and makes the matching identity current.
func (s *Session) Login(ctx context.Context, email, password string) (user domain.User, err error) {
	defer s.observe(OpLogin, time.Now(), &err)
	if err := s.latency.Wait(ctx, OpLogin); err != nil {
		return domain.User{}, err
	}
	user, err = s.auth.Authenticate(ctx, email, password)
	if err != nil {
		util.LoggerFromContext(ctx).Info("login rejected", "email", normalizeEmail(email))
		return domain.User{}, err
	}
	if err := s.establish(ctx, user); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// Register makes a new identity current. No uniqueness check is made and the
// password is not kept; an unknown role falls back to buyer.
func (s *Session) Register(ctx context.Context, name, email, _ string, role domain.UserRole) (user domain.User, err error) {
	defer s.observe(OpRegister, time.Now(), &err)
	if err := s.latency.Wait(ctx, OpRegister); err != nil {
		return domain.User{}, err
	}
	if !role.Valid() {
		role = domain.RoleBuyer
	}
	user = domain.User{
		ID:    util.NewID("user"),
		Name:  strings.TrimSpace(name),
		Email: strings.TrimSpace(email),
		Role:  role,
	}
	if err := s.establish(ctx, user); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// Logout clears the current identity and its persisted entry. Calling it while
// logged out is a no-op.
func (s *Session) Logout(ctx context.Context) (err error) {
	defer s.observe(OpLogout, time.Now(), &err)
	if _, ok := s.Current(); !ok {
		return nil
	}
	return s.switchTo(ctx, nil, func() error {
		if err := s.kv.Delete(ctx, SessionKey); err != nil {
			return fmt.Errorf("remove session: %w", err)
		}
		return nil
	})
}

func (s *Session) establish(ctx context.Context, user domain.User) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return s.switchTo(ctx, &user, func() error {
		if s.persister != nil {
			if err := s.persister.SaveUser(ctx, user); err != nil {
				return fmt.Errorf("save user: %w", err)
			}
		}
		if err := s.kv.Set(ctx, SessionKey, raw); err != nil {
			return fmt.Errorf("persist session: %w", err)
		}
		return nil
	})
}

// switchTo runs persist, then commits user as current and notifies listeners.
// A persist failure leaves the current identity untouched.
func (s *Session) switchTo(ctx context.Context, user *domain.User, persist func() error) error {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	if persist != nil {
		if err := persist(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.current = user
	listeners := append([]IdentityListener(nil), s.listeners...)
	s.mu.Unlock()

	s.notify(ctx, user, listeners)

	var payload any
	if user != nil {
		payload = *user
	}
	s.publisher.Publish(domain.Event{Type: domain.EventSessionChanged, At: s.now(), Payload: payload})
	return nil
}

// notify runs every listener concurrently. Failures are logged only; the
// identity change has already been committed.
func (s *Session) notify(ctx context.Context, user *domain.User, listeners []IdentityListener) {
	logger := util.LoggerFromContext(ctx)
	// Reloads finish even if the triggering request goes away.
	ctx = context.WithoutCancel(ctx)
	var g errgroup.Group
	for _, l := range listeners {
		g.Go(func() error {
			var u *domain.User
			if user != nil {
				copied := *user
				u = &copied
			}
			if err := l.IdentityChanged(ctx, u); err != nil {
				logger.Error("identity listener failed", "listener", fmt.Sprintf("%T", l), "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Session) observe(op Op, start time.Time, errp *error) {
	s.observer.ObserveOp(op, *errp, time.Since(start))
}
