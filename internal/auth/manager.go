// Package auth owns the CM bearer token: who holds it, when it expires and
// how it is renewed.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrRenewalFailed is returned (wrapped) whenever a usable token could not be
// obtained. Callers treat it as "back off", not "retry the operation".
var ErrRenewalFailed = errors.New("token renewal failed")

const renewTimeout = 30 * time.Second

// Token is a bearer credential. A zero ExpiresAt means it never expires.
type Token struct {
	Value      string
	ExpiresAt  time.Time
	Generation uint64
}

// Renewal is what a Renewer hands back. A zero ExpiresIn means the CM did not
// say and the configured default validity applies.
type Renewal struct {
	Value     string
	ExpiresIn time.Duration
}

// Renewer fetches a fresh token from the CM login endpoint.
type Renewer interface {
	Renew(ctx context.Context) (Renewal, error)
}

// Options configures a Manager.
type Options struct {
	Renewer   Renewer // nil when only a static token is configured
	Static    string
	Threshold time.Duration
	Validity  time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

// Manager hands out valid tokens and serializes renewals.
type Manager struct {
	mu    sync.RWMutex
	token Token

	renewer   Renewer
	threshold time.Duration
	validity  time.Duration
	flight    singleflight.Group
	renewals  atomic.Int64
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager seeds the manager with the static token, if any. A static token
// with a renewer is assumed to be fresh; without one it never expires.
func NewManager(opts Options) *Manager {
	m := &Manager{
		renewer:   opts.Renewer,
		threshold: opts.Threshold,
		validity:  opts.Validity,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	if opts.Static != "" {
		m.token = Token{Value: opts.Static, Generation: 1}
		if m.renewer != nil {
			m.token.ExpiresAt = m.now().Add(m.validity)
		}
	}
	return m
}

// Token returns a token that stays valid for longer than the threshold,
// renewing first when necessary.
func (m *Manager) Token(ctx context.Context) (Token, error) {
	m.mu.RLock()
	cur := m.token
	m.mu.RUnlock()
	if m.usable(cur) {
		return cur, nil
	}
	return m.renew(ctx, 0, false)
}

// Refresh forces a renewal after the CM rejected the token of generation
// gen. If another caller already replaced that token, the current one is
// returned without a new renewal call.
func (m *Manager) Refresh(ctx context.Context, gen uint64) (Token, error) {
	tok, err := m.renew(ctx, gen, true)
	if err != nil || tok.Generation != gen {
		return tok, err
	}
	// Joined a flight that did not renew; go again once.
	return m.renew(ctx, gen, true)
}

// Current returns the held token without renewing it.
func (m *Manager) Current() Token {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// Renewals reports how many renewal calls were made.
func (m *Manager) Renewals() int64 {
	return m.renewals.Load()
}

func (m *Manager) usable(t Token) bool {
	if t.Value == "" {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return t.ExpiresAt.Sub(m.now()) > m.threshold
}

func (m *Manager) renew(ctx context.Context, gen uint64, force bool) (Token, error) {
	ch := m.flight.DoChan("renew", func() (interface{}, error) {
		m.mu.RLock()
		cur := m.token
		m.mu.RUnlock()

		if force && cur.Generation != gen && m.usable(cur) {
			return cur, nil
		}
		if !force && m.usable(cur) {
			return cur, nil
		}
		if m.renewer == nil {
			return Token{}, fmt.Errorf("%w: no renewal endpoint configured", ErrRenewalFailed)
		}

		// The flight is shared; one caller giving up must not fail the others.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), renewTimeout)
		defer cancel()

		m.renewals.Add(1)
		r, err := m.renewer.Renew(rctx)
		if err != nil {
			m.logger.Warn("token renewal failed", "error", err)
			return Token{}, fmt.Errorf("%w: %v", ErrRenewalFailed, err)
		}
		if r.Value == "" {
			return Token{}, fmt.Errorf("%w: empty token", ErrRenewalFailed)
		}
		lifetime := r.ExpiresIn
		if lifetime <= 0 {
			lifetime = m.validity
		}
		next := Token{
			Value:     r.Value,
			ExpiresAt: m.now().Add(lifetime),
		}
		if !m.usable(next) {
			return Token{}, fmt.Errorf("%w: token lifetime %s within expiry threshold %s",
				ErrRenewalFailed, lifetime, m.threshold)
		}

		m.mu.Lock()
		next.Generation = m.token.Generation + 1
		m.token = next
		m.mu.Unlock()

		m.logger.Info("token renewed", "generation", next.Generation, "expires_at", next.ExpiresAt)
		return next, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	case <-ctx.Done():
		return Token{}, ctx.Err()
	}
}
