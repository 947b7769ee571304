package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/CheeseBout/storefront-checkout/internal/obs"
)

// ErrSessionNotFound is returned when a session id is unknown or expired.
var ErrSessionNotFound = errors.New("reconcile: session not found")

// Registry holds live reconciler sessions in memory. Sessions are scoped to
// the payment screen's lifetime and expire after their TTL.
type Registry struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Logger        zerolog.Logger
	Now           func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry builds an empty registry with the given session TTL.
func NewRegistry(ttl time.Duration, logger zerolog.Logger) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Registry{
		TTL:      ttl,
		Logger:   logger,
		Now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session for the user and returns it.
func (r *Registry) Create(userID, orderRef, paymentURL string, amount float64) *Session {
	now := r.now()
	session := newSession(uuid.NewString(), userID, orderRef, paymentURL, amount, r.TTL, now)
	r.mu.Lock()
	r.sessions[session.ID] = session
	size := len(r.sessions)
	r.mu.Unlock()
	r.setGauge(size)
	return session
}

// Get returns the session owned by userID, or ErrSessionNotFound. Ownership is
// part of the lookup so one user can never observe another's session.
func (r *Registry) Get(sessionID, userID string) (*Session, error) {
	r.mu.RLock()
	session, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok || session.UserID != userID {
		return nil, ErrSessionNotFound
	}
	if session.expired(r.now()) {
		r.remove(sessionID)
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Run sweeps expired sessions until the context is cancelled.
func (r *Registry) Run(ctx context.Context) {
	interval := r.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	now := r.now()
	r.mu.Lock()
	var removed int
	for id, session := range r.sessions {
		if session.expired(now) {
			delete(r.sessions, id)
			removed++
		}
	}
	size := len(r.sessions)
	r.mu.Unlock()
	if removed > 0 {
		r.Logger.Debug().Int("removed", removed).Int("active", size).Msg("swept expired checkout sessions")
	}
	r.setGauge(size)
}

func (r *Registry) remove(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	size := len(r.sessions)
	r.mu.Unlock()
	r.setGauge(size)
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Registry) setGauge(size int) {
	if obs.ActiveSessions != nil {
		obs.ActiveSessions.Set(float64(size))
	}
}
