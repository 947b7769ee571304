package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/CheeseBout/storefront-checkout/internal/events"
	"github.com/CheeseBout/storefront-checkout/internal/gateway"
	"github.com/CheeseBout/storefront-checkout/internal/obs"
)

// Verification is the authenticated outcome returned by the backend for a
// terminal return URL.
type Verification struct {
	Approved      bool
	OrderRef      string
	TransactionID string
	Message       string
}

// Verifier submits a terminal return URL for server-side authentication. Any
// returned error is treated as transient; an authenticated decline is a nil
// error with Approved=false.
type Verifier interface {
	VerifyReturn(ctx context.Context, userID, returnURL string) (Verification, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, userID, returnURL string) (Verification, error)

func (f VerifierFunc) VerifyReturn(ctx context.Context, userID, returnURL string) (Verification, error) {
	return f(ctx, userID, returnURL)
}

// Finalizer converts the user's selection into a server-side cart mutation
// after a confirmed payment.
type Finalizer interface {
	Finalize(ctx context.Context, userID string) error
}

// FinalizerFunc adapts a function to the Finalizer interface.
type FinalizerFunc func(ctx context.Context, userID string) error

func (f FinalizerFunc) Finalize(ctx context.Context, userID string) error { return f(ctx, userID) }

// SelectionProber reads the user's committed selection. The reconciler only
// probes it to resolve a pending cart sync: the deferred finalize worker
// cannot reach the in-memory session, so an emptied selection is the signal
// that its replay went through.
type SelectionProber interface {
	Get(ctx context.Context, userID string) ([]string, error)
}

// Decision reports how a navigation event was handled.
type Decision string

const (
	DecisionAccepted          Decision = "accepted"
	DecisionIgnoredNoTerminal Decision = "ignored_not_terminal"
	DecisionIgnoredDuplicate  Decision = "ignored_duplicate"
	DecisionIgnoredInFlight   Decision = "ignored_in_flight"
	DecisionIgnoredTerminal   Decision = "ignored_terminal_phase"
)

// Service drives payment reconciliation for live checkout sessions.
type Service struct {
	Classifier gateway.Classifier
	Verifier   Verifier
	Finalizer  Finalizer
	Selection  SelectionProber
	Bus        *events.Bus
	Logger     zerolog.Logger
	Now        func() time.Time
}

// OnNavigation processes one navigation event from the embedded browser.
//
// The processed-URL set and the phase are updated under the session lock
// before verification is dispatched, so a second event arriving while the
// first verification is still in flight always observes the updated state.
func (s *Service) OnNavigation(ctx context.Context, session *Session, rawURL string) Decision {
	decision := s.applyNavigation(ctx, session, rawURL)
	s.countNavigation(decision)
	return decision
}

func (s *Service) applyNavigation(ctx context.Context, session *Session, rawURL string) Decision {
	session.mu.Lock()
	defer session.mu.Unlock()

	// Succeeded absorbs everything: gateways keep redirecting internally
	// after showing a success page.
	switch session.phase {
	case PhaseSucceeded, PhaseCancelled:
		return DecisionIgnoredTerminal
	}
	// any event after a retry means the browser came back up
	if session.phase == PhaseRetrying && session.reloadRequired {
		session.reloadRequired = false
	}
	if !s.Classifier.Terminal(rawURL) {
		return DecisionIgnoredNoTerminal
	}
	if _, seen := session.processed[rawURL]; seen {
		return DecisionIgnoredDuplicate
	}
	// One logical attempt at a time. A different terminal URL arriving while
	// verification is in flight is still ignored.
	if session.phase == PhaseProcessing {
		return DecisionIgnoredInFlight
	}

	session.processed[rawURL] = struct{}{}
	session.phase = PhaseProcessing
	session.failure = nil
	session.touch(s.now())

	// The verification must outlive the navigation request that triggered it.
	verifyCtx := context.WithoutCancel(ctx)
	go s.runVerification(verifyCtx, session, rawURL)
	return DecisionAccepted
}

func (s *Service) runVerification(ctx context.Context, session *Session, rawURL string) {
	start := s.now()
	verification, err := s.Verifier.VerifyReturn(ctx, session.UserID, rawURL)
	result := verificationResultLabel(verification, err)
	s.observeVerification(result, s.now().Sub(start))

	session.mu.Lock()
	if session.phase != PhaseProcessing {
		// The user cancelled while the call was in flight. The result is
		// dropped; the call had no client-side effects.
		session.mu.Unlock()
		s.Logger.Info().Str("session_id", session.ID).Str("result", result).
			Msg("dropping verification result for inactive session")
		return
	}

	switch {
	case err != nil:
		session.phase = PhaseFailed
		session.failure = &Failure{Kind: FailureTransient, Message: "payment verification failed, please retry"}
		session.touch(s.now())
		session.mu.Unlock()
		s.Logger.Warn().Err(err).Str("session_id", session.ID).Str("order_ref", session.OrderRef).
			Msg("payment verification transient failure")

	case !verification.Approved:
		session.phase = PhaseFailed
		session.failure = &Failure{Kind: FailureBusiness, Message: verification.Message}
		session.touch(s.now())
		session.mu.Unlock()
		s.Logger.Info().Str("session_id", session.ID).Str("order_ref", session.OrderRef).
			Str("message", verification.Message).Msg("payment declined by gateway")
		s.emit(ctx, events.TopicPaymentDeclined, session.OrderRef, map[string]string{
			"sessionId": session.ID,
			"message":   verification.Message,
		})

	default:
		session.phase = PhaseSucceeded
		session.result = &Result{
			OrderRef:      firstNonEmpty(verification.OrderRef, session.OrderRef),
			TransactionID: verification.TransactionID,
			Message:       verification.Message,
		}
		session.touch(s.now())
		session.mu.Unlock()
		s.Logger.Info().Str("session_id", session.ID).Str("order_ref", session.OrderRef).
			Str("transaction_id", verification.TransactionID).Msg("payment verified")
		s.emit(ctx, events.TopicPaymentVerified, session.OrderRef, map[string]string{
			"sessionId":     session.ID,
			"transactionId": verification.TransactionID,
		})
		s.finalize(ctx, session)
	}
}

// finalize runs cart finalization after a confirmed payment. A failure here is
// never a payment error: the order already exists server-side, so the session
// only records that the cart sync is pending a deferred retry.
func (s *Service) finalize(ctx context.Context, session *Session) {
	if s.Finalizer == nil {
		return
	}
	if err := s.Finalizer.Finalize(ctx, session.UserID); err != nil {
		s.Logger.Warn().Err(err).Str("session_id", session.ID).Str("user_id", session.UserID).
			Msg("cart finalization deferred after confirmed payment")
		session.mu.Lock()
		session.cartSyncPending = true
		session.mu.Unlock()
		return
	}
	session.mu.Lock()
	session.cartSyncPending = false
	session.mu.Unlock()
}

// RefreshCartSync resolves a pending cart sync flag against the selection
// store. An empty selection means the deferred finalization already ran to
// completion on the worker.
func (s *Service) RefreshCartSync(ctx context.Context, session *Session) {
	session.mu.Lock()
	pending := session.cartSyncPending
	session.mu.Unlock()
	if !pending || s.Selection == nil {
		return
	}
	ids, err := s.Selection.Get(ctx, session.UserID)
	if err != nil || len(ids) > 0 {
		return
	}
	session.mu.Lock()
	session.cartSyncPending = false
	session.mu.Unlock()
}

// Retry restarts a transiently failed attempt: the processed-URL set is
// cleared so the same terminal URL can be reprocessed after the browser
// reloads the gateway session.
func (s *Service) Retry(ctx context.Context, session *Session) error {
	session.mu.Lock()
	if session.phase != PhaseFailed || session.failure == nil || !session.failure.Retryable() {
		phase := session.phase
		session.mu.Unlock()
		return &RetryNotAvailableError{Phase: phase}
	}
	session.processed = make(map[string]struct{})
	session.failure = nil
	session.phase = PhaseRetrying
	session.reloadRequired = true
	session.touch(s.now())
	session.mu.Unlock()
	return nil
}

// Cancel abandons the attempt. An in-flight verification is not interrupted;
// its result is discarded when it lands.
func (s *Service) Cancel(ctx context.Context, session *Session) error {
	session.mu.Lock()
	switch session.phase {
	case PhaseSucceeded:
		session.mu.Unlock()
		return &CancelNotAvailableError{Phase: PhaseSucceeded}
	case PhaseCancelled:
		session.mu.Unlock()
		return nil
	}
	session.phase = PhaseCancelled
	session.reloadRequired = false
	session.touch(s.now())
	session.mu.Unlock()

	s.emit(ctx, events.TopicPaymentCancelled, session.OrderRef, map[string]string{
		"sessionId": session.ID,
	})
	return nil
}

// RetryNotAvailableError is returned when retry is requested outside a
// retryable failed state.
type RetryNotAvailableError struct {
	Phase Phase
}

func (e *RetryNotAvailableError) Error() string {
	return "reconcile: retry not available in phase " + string(e.Phase)
}

// CancelNotAvailableError is returned when cancel is requested after success.
type CancelNotAvailableError struct {
	Phase Phase
}

func (e *CancelNotAvailableError) Error() string {
	return "reconcile: cancel not available in phase " + string(e.Phase)
}

func (s *Service) emit(ctx context.Context, topic, orderRef string, payload any) {
	if s.Bus == nil {
		return
	}
	if _, err := s.Bus.Emit(ctx, topic, orderRef, payload); err != nil {
		s.Logger.Warn().Err(err).Str("topic", topic).Msg("emit event failed")
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) countNavigation(decision Decision) {
	if obs.NavigationEventsTotal != nil {
		obs.NavigationEventsTotal.WithLabelValues(string(decision)).Inc()
	}
}

func (s *Service) observeVerification(result string, elapsed time.Duration) {
	if obs.VerificationTotal != nil {
		obs.VerificationTotal.WithLabelValues(result).Inc()
	}
	if obs.VerificationDuration != nil {
		obs.VerificationDuration.WithLabelValues(result).Observe(obs.DurationMillis(elapsed))
	}
}

func verificationResultLabel(v Verification, err error) string {
	switch {
	case err != nil:
		return "transient_error"
	case !v.Approved:
		return "declined"
	default:
		return "approved"
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
