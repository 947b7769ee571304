package reconcile

import (
	"sync"
	"time"
)

// Phase tracks where a checkout session sits in the payment reconciliation
// lifecycle. Succeeded and Cancelled are terminal.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseProcessing Phase = "processing"
	PhaseSucceeded  Phase = "succeeded"
	PhaseFailed     Phase = "failed"
	PhaseRetrying   Phase = "retrying"
	PhaseCancelled  Phase = "cancelled"
)

// FailureKind distinguishes retryable from non-retryable verification failures.
type FailureKind string

const (
	// FailureTransient covers network and server errors. The user may retry.
	FailureTransient FailureKind = "transient"
	// FailureBusiness is an authenticated decline from the gateway. The only
	// way forward is a fresh checkout.
	FailureBusiness FailureKind = "business"
)

// Failure describes why verification did not succeed.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Retryable reports whether the retry affordance should be offered.
func (f Failure) Retryable() bool { return f.Kind == FailureTransient }

// Result captures the confirmed payment outcome.
type Result struct {
	OrderRef      string `json:"orderRef"`
	TransactionID string `json:"transactionId,omitempty"`
	Message       string `json:"message,omitempty"`
}

// Session is one checkout attempt being reconciled. All state transitions go
// through the session mutex; navigation events may race the verification
// callback and user actions.
type Session struct {
	ID         string
	UserID     string
	OrderRef   string
	PaymentURL string
	Amount     float64

	mu              sync.Mutex
	phase           Phase
	processed       map[string]struct{}
	failure         *Failure
	result          *Result
	cartSyncPending bool
	reloadRequired  bool

	createdAt time.Time
	updatedAt time.Time
	expiresAt time.Time
}

// Snapshot is a point-in-time copy of session state safe to serialize.
type Snapshot struct {
	ID              string    `json:"sessionId"`
	OrderRef        string    `json:"orderRef"`
	PaymentURL      string    `json:"paymentUrl"`
	Amount          float64   `json:"amount"`
	Phase           Phase     `json:"phase"`
	Failure         *Failure  `json:"failure,omitempty"`
	Result          *Result   `json:"result,omitempty"`
	CartSyncPending bool      `json:"cartSyncPending"`
	ReloadRequired  bool      `json:"reloadRequired"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

func newSession(id, userID, orderRef, paymentURL string, amount float64, ttl time.Duration, now time.Time) *Session {
	return &Session{
		ID:         id,
		UserID:     userID,
		OrderRef:   orderRef,
		PaymentURL: paymentURL,
		Amount:     amount,
		phase:      PhaseIdle,
		processed:  make(map[string]struct{}),
		createdAt:  now,
		updatedAt:  now,
		expiresAt:  now.Add(ttl),
	}
}

// Snapshot returns a consistent copy of the session's mutable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:              s.ID,
		OrderRef:        s.OrderRef,
		PaymentURL:      s.PaymentURL,
		Amount:          s.Amount,
		Phase:           s.phase,
		CartSyncPending: s.cartSyncPending,
		ReloadRequired:  s.reloadRequired,
		CreatedAt:       s.createdAt,
		UpdatedAt:       s.updatedAt,
		ExpiresAt:       s.expiresAt,
	}
	if s.failure != nil {
		f := *s.failure
		snap.Failure = &f
	}
	if s.result != nil {
		r := *s.result
		snap.Result = &r
	}
	return snap
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.After(s.expiresAt)
}

func (s *Session) touch(now time.Time) {
	s.updatedAt = now
}
