package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CheeseBout/storefront-checkout/internal/gateway"
)

const (
	terminalURL      = "https://app.example/payment-result?vnp_ResponseCode=00&vnp_TxnRef=ORD-100&vnp_TransactionNo=14650971"
	otherTerminalURL = "https://app.example/payment-result?vnp_ResponseCode=00&vnp_TxnRef=ORD-101"
	intermediateURL  = "https://gateway.example/paymentv2/vpcpay.html?step=2"
	bareReturnURL    = "https://app.example/payment-result"
)

type verifyCall struct {
	userID string
	url    string
}

type stubVerifier struct {
	mu      sync.Mutex
	calls   []verifyCall
	queue   []func() (Verification, error)
	release chan struct{}
}

func (v *stubVerifier) VerifyReturn(_ context.Context, userID, returnURL string) (Verification, error) {
	v.mu.Lock()
	v.calls = append(v.calls, verifyCall{userID: userID, url: returnURL})
	var next func() (Verification, error)
	if len(v.queue) > 0 {
		next = v.queue[0]
		v.queue = v.queue[1:]
	}
	v.mu.Unlock()
	if v.release != nil {
		<-v.release
	}
	if next == nil {
		return Verification{Approved: true, OrderRef: "ORD-100", TransactionID: "14650971"}, nil
	}
	return next()
}

func (v *stubVerifier) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.calls)
}

type stubFinalizer struct {
	mu    sync.Mutex
	users []string
	err   error
}

func (f *stubFinalizer) Finalize(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
	return f.err
}

func (f *stubFinalizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users)
}

type stubSelection struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (s *stubSelection) Get(_ context.Context, _ string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids, s.err
}

func (s *stubSelection) set(ids []string) {
	s.mu.Lock()
	s.ids = ids
	s.mu.Unlock()
}

func newTestService(verifier Verifier, finalizer Finalizer) *Service {
	return &Service{
		Classifier: gateway.NewClassifier("/payment-result", "vnp_"),
		Verifier:   verifier,
		Finalizer:  finalizer,
		Logger:     zerolog.Nop(),
	}
}

func newLiveSession(t *testing.T) *Session {
	t.Helper()
	registry := NewRegistry(time.Hour, zerolog.Nop())
	return registry.Create("user-1", "ORD-100", "https://gateway.example/pay", 125000)
}

func waitForPhase(t *testing.T, session *Session, want Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return session.Phase() == want },
		2*time.Second, 5*time.Millisecond, "phase never reached %s", want)
}

func TestNonTerminalEventsAreFilteredWithoutVerification(t *testing.T) {
	verifier := &stubVerifier{}
	svc := newTestService(verifier, &stubFinalizer{})
	session := newLiveSession(t)

	assert.Equal(t, DecisionIgnoredNoTerminal, svc.OnNavigation(context.Background(), session, intermediateURL))
	// return path without outcome parameters is still not terminal
	assert.Equal(t, DecisionIgnoredNoTerminal, svc.OnNavigation(context.Background(), session, bareReturnURL))
	assert.Equal(t, DecisionIgnoredNoTerminal, svc.OnNavigation(context.Background(), session, "::::not a url"))

	assert.Equal(t, PhaseIdle, session.Phase())
	assert.Equal(t, 0, verifier.callCount())
}

func TestTerminalURLVerifiedExactlyOnce(t *testing.T) {
	verifier := &stubVerifier{}
	finalizer := &stubFinalizer{}
	svc := newTestService(verifier, finalizer)
	session := newLiveSession(t)

	assert.Equal(t, DecisionAccepted, svc.OnNavigation(context.Background(), session, terminalURL))
	waitForPhase(t, session, PhaseSucceeded)

	// duplicate delivery of the same redirect after success
	assert.Equal(t, DecisionIgnoredTerminal, svc.OnNavigation(context.Background(), session, terminalURL))

	assert.Equal(t, 1, verifier.callCount())
	require.Eventually(t, func() bool { return finalizer.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"user-1"}, finalizer.users)

	snap := session.Snapshot()
	require.NotNil(t, snap.Result)
	assert.Equal(t, "ORD-100", snap.Result.OrderRef)
	assert.Equal(t, "14650971", snap.Result.TransactionID)
	assert.False(t, snap.CartSyncPending)
}

func TestVerificationInFlightActsAsMutex(t *testing.T) {
	verifier := &stubVerifier{release: make(chan struct{})}
	svc := newTestService(verifier, &stubFinalizer{})
	session := newLiveSession(t)

	assert.Equal(t, DecisionAccepted, svc.OnNavigation(context.Background(), session, terminalURL))
	require.Eventually(t, func() bool { return verifier.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	// same URL again while in flight
	assert.Equal(t, DecisionIgnoredDuplicate, svc.OnNavigation(context.Background(), session, terminalURL))
	// a different terminal URL while in flight is also ignored
	assert.Equal(t, DecisionIgnoredInFlight, svc.OnNavigation(context.Background(), session, otherTerminalURL))

	close(verifier.release)
	waitForPhase(t, session, PhaseSucceeded)
	assert.Equal(t, 1, verifier.callCount())
}

func TestSucceededAbsorbsAllFurtherEvents(t *testing.T) {
	verifier := &stubVerifier{}
	svc := newTestService(verifier, &stubFinalizer{})
	session := newLiveSession(t)

	svc.OnNavigation(context.Background(), session, terminalURL)
	waitForPhase(t, session, PhaseSucceeded)

	for _, raw := range []string{terminalURL, otherTerminalURL, intermediateURL} {
		assert.Equal(t, DecisionIgnoredTerminal, svc.OnNavigation(context.Background(), session, raw))
	}
	assert.Equal(t, 1, verifier.callCount())
}

func TestTransientFailureThenRetrySucceeds(t *testing.T) {
	verifier := &stubVerifier{queue: []func() (Verification, error){
		func() (Verification, error) { return Verification{}, errors.New("dial tcp: connection refused") },
		func() (Verification, error) {
			return Verification{Approved: true, OrderRef: "ORD-100", TransactionID: "14650971"}, nil
		},
	}}
	finalizer := &stubFinalizer{}
	svc := newTestService(verifier, finalizer)
	session := newLiveSession(t)

	svc.OnNavigation(context.Background(), session, terminalURL)
	waitForPhase(t, session, PhaseFailed)

	snap := session.Snapshot()
	require.NotNil(t, snap.Failure)
	assert.Equal(t, FailureTransient, snap.Failure.Kind)
	assert.True(t, snap.Failure.Retryable())

	require.NoError(t, svc.Retry(context.Background(), session))
	snap = session.Snapshot()
	assert.Equal(t, PhaseRetrying, snap.Phase)
	assert.True(t, snap.ReloadRequired)
	assert.Nil(t, snap.Failure)

	// after reload the browser reports the same terminal URL again; the
	// processed set was cleared, so it is reprocessed
	assert.Equal(t, DecisionAccepted, svc.OnNavigation(context.Background(), session, terminalURL))
	assert.False(t, session.Snapshot().ReloadRequired)
	waitForPhase(t, session, PhaseSucceeded)
	assert.Equal(t, 2, verifier.callCount())
	require.Eventually(t, func() bool { return finalizer.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestBusinessFailureIsNotRetryable(t *testing.T) {
	verifier := &stubVerifier{queue: []func() (Verification, error){
		func() (Verification, error) {
			return Verification{Approved: false, Message: "customer cancelled the transaction"}, nil
		},
	}}
	finalizer := &stubFinalizer{}
	svc := newTestService(verifier, finalizer)
	session := newLiveSession(t)

	svc.OnNavigation(context.Background(), session,
		"https://app.example/payment-result?vnp_ResponseCode=24&vnp_TxnRef=ORD-100")
	waitForPhase(t, session, PhaseFailed)

	snap := session.Snapshot()
	require.NotNil(t, snap.Failure)
	assert.Equal(t, FailureBusiness, snap.Failure.Kind)
	assert.False(t, snap.Failure.Retryable())
	assert.Equal(t, 0, finalizer.callCount())

	var notAvailable *RetryNotAvailableError
	err := svc.Retry(context.Background(), session)
	require.Error(t, err)
	assert.True(t, errors.As(err, &notAvailable))

	require.NoError(t, svc.Cancel(context.Background(), session))
	assert.Equal(t, PhaseCancelled, session.Phase())
}

func TestCancelDuringProcessingDropsVerificationResult(t *testing.T) {
	verifier := &stubVerifier{release: make(chan struct{})}
	finalizer := &stubFinalizer{}
	svc := newTestService(verifier, finalizer)
	session := newLiveSession(t)

	svc.OnNavigation(context.Background(), session, terminalURL)
	require.Eventually(t, func() bool { return verifier.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, svc.Cancel(context.Background(), session))
	assert.Equal(t, PhaseCancelled, session.Phase())

	// the in-flight call resolves successfully, but the session was
	// cancelled; the result must be discarded and the cart untouched
	close(verifier.release)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, PhaseCancelled, session.Phase())
	assert.Equal(t, 0, finalizer.callCount())
}

func TestCancelAfterSuccessIsRejected(t *testing.T) {
	verifier := &stubVerifier{}
	svc := newTestService(verifier, &stubFinalizer{})
	session := newLiveSession(t)

	svc.OnNavigation(context.Background(), session, terminalURL)
	waitForPhase(t, session, PhaseSucceeded)

	var notAvailable *CancelNotAvailableError
	err := svc.Cancel(context.Background(), session)
	require.Error(t, err)
	assert.True(t, errors.As(err, &notAvailable))
}

func TestFinalizeFailureIsDeferredNotSurfacedAsPaymentError(t *testing.T) {
	verifier := &stubVerifier{}
	finalizer := &stubFinalizer{err: errors.New("cart service unavailable")}
	svc := newTestService(verifier, finalizer)
	session := newLiveSession(t)

	svc.OnNavigation(context.Background(), session, terminalURL)
	waitForPhase(t, session, PhaseSucceeded)

	require.Eventually(t, func() bool {
		snap := session.Snapshot()
		return snap.CartSyncPending
	}, 2*time.Second, 5*time.Millisecond)

	snap := session.Snapshot()
	assert.Equal(t, PhaseSucceeded, snap.Phase)
	assert.Nil(t, snap.Failure)
}

func TestRefreshCartSyncClearsPendingOnceSelectionDrains(t *testing.T) {
	finalizer := &stubFinalizer{err: errors.New("cart service unavailable")}
	svc := newTestService(&stubVerifier{}, finalizer)
	prober := &stubSelection{ids: []string{"P1", "P2"}}
	svc.Selection = prober
	session := newLiveSession(t)

	svc.OnNavigation(context.Background(), session, terminalURL)
	waitForPhase(t, session, PhaseSucceeded)
	require.Eventually(t, func() bool { return session.Snapshot().CartSyncPending },
		2*time.Second, 5*time.Millisecond)

	// the selection still holds items, so the deferred replay has not run yet
	svc.RefreshCartSync(context.Background(), session)
	assert.True(t, session.Snapshot().CartSyncPending)

	// the worker emptied the selection; the next probe resolves the flag
	prober.set(nil)
	svc.RefreshCartSync(context.Background(), session)
	assert.False(t, session.Snapshot().CartSyncPending)
}

func TestRetryWithoutFailureIsRejected(t *testing.T) {
	svc := newTestService(&stubVerifier{}, &stubFinalizer{})
	session := newLiveSession(t)

	err := svc.Retry(context.Background(), session)
	var notAvailable *RetryNotAvailableError
	require.Error(t, err)
	assert.True(t, errors.As(err, &notAvailable))
	assert.Equal(t, PhaseIdle, notAvailable.Phase)
}
