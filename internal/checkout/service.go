package checkout

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/CheeseBout/storefront-checkout/internal/backend"
	"github.com/CheeseBout/storefront-checkout/internal/common"
	"github.com/CheeseBout/storefront-checkout/internal/events"
	"github.com/CheeseBout/storefront-checkout/internal/obs"
	"github.com/CheeseBout/storefront-checkout/internal/reconcile"
	"github.com/CheeseBout/storefront-checkout/internal/selection"
)

// SessionCreator is the backend operation that opens a gateway payment session.
type SessionCreator interface {
	CreateCheckoutSession(ctx context.Context, req backend.CreateSessionRequest) (*backend.CheckoutSession, error)
}

// Service initiates checkout: it reserves the user's selection, asks the
// backend for a gateway redirect and registers a reconciler session to track
// the attempt.
type Service struct {
	Selection *selection.Store
	Backend   SessionCreator
	Registry  *reconcile.Registry
	Bus       *events.Bus
	Logger    zerolog.Logger
}

// CreateInput is the payload for starting a checkout attempt.
type CreateInput struct {
	ProductIDs []string `json:"productIds" validate:"required,min=1,max=100,dive,required,max=64"`
	BankCode   string   `json:"bankCode" validate:"omitempty,alphanum,max=20"`
	Language   string   `json:"language" validate:"omitempty,oneof=vn en"`
}

// Create starts a new checkout attempt for the user.
func (s *Service) Create(ctx context.Context, userID string, in CreateInput) (*reconcile.Session, error) {
	ids := selection.Normalize(in.ProductIDs)
	if len(ids) == 0 {
		s.countSession("invalid")
		return nil, common.NewAppError("VALIDATION_FAILED", "at least one product id is required", http.StatusBadRequest, nil)
	}

	// the selection is persisted before the gateway session exists so the
	// finalizer can read it even if the app process restarts mid-payment
	if err := s.Selection.Set(ctx, userID, ids); err != nil {
		s.countSession("error")
		return nil, common.NewAppError("SELECTION_STORE_FAILED", "could not persist selection", http.StatusInternalServerError, err)
	}

	created, err := s.Backend.CreateCheckoutSession(ctx, backend.CreateSessionRequest{
		UserID:     userID,
		ProductIDs: ids,
		BankCode:   in.BankCode,
		Language:   in.Language,
	})
	if err != nil {
		s.countSession("error")
		s.Logger.Warn().Err(err).Str("user_id", userID).Msg("checkout session creation failed")
		if errors.Is(err, backend.ErrUnavailable) {
			return nil, common.NewAppError("BACKEND_UNAVAILABLE", "payment service is temporarily unavailable", http.StatusBadGateway, err)
		}
		return nil, common.NewAppError("CHECKOUT_REJECTED", "checkout request was rejected", http.StatusUnprocessableEntity, err)
	}

	session := s.Registry.Create(userID, created.OrderRef, created.PaymentURL, created.Amount)
	s.countSession("ok")
	s.Logger.Info().Str("user_id", userID).Str("session_id", session.ID).
		Str("order_ref", created.OrderRef).Int("items", len(ids)).Msg("checkout session created")

	if s.Bus != nil {
		if _, err := s.Bus.Emit(ctx, events.TopicCheckoutSessionCreated, created.OrderRef, map[string]any{
			"sessionId": session.ID,
			"items":     len(ids),
			"amount":    created.Amount,
		}); err != nil {
			s.Logger.Warn().Err(err).Msg("emit event failed")
		}
	}
	return session, nil
}

func (s *Service) countSession(result string) {
	if obs.CheckoutSessionsTotal != nil {
		obs.CheckoutSessionsTotal.WithLabelValues(result).Inc()
	}
}
