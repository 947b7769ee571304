package reconcile

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/CheeseBout/storefront-checkout/internal/common"
	"github.com/CheeseBout/storefront-checkout/internal/gateway"
)

// Handlers exposes the reconciler over HTTP for the mobile client.
type Handlers struct {
	Registry *Registry
	Service  *Service
	Validate *validator.Validate
	Logger   zerolog.Logger
}

// Mount registers the session routes on the router. The caller is expected to
// have authentication middleware applied already.
func (h *Handlers) Mount(r chi.Router) {
	r.Get("/checkout/sessions/{sessionID}", h.Status)
	r.Post("/checkout/sessions/{sessionID}/navigations", h.Navigation)
	r.Post("/checkout/sessions/{sessionID}/retry", h.Retry)
	r.Post("/checkout/sessions/{sessionID}/cancel", h.Cancel)
}

type navigationRequest struct {
	URL string `json:"url" validate:"required,max=4096"`
}

type navigationResponse struct {
	Decision Decision `json:"decision"`
	Phase    Phase    `json:"phase"`
	// Hint is the coarse outcome embedded in a terminal URL, for display
	// while verification is pending. Never authoritative.
	Hint string `json:"hint,omitempty"`
}

// Status returns the current session snapshot. The app polls this while the
// embedded browser is working through the gateway.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	h.Service.RefreshCartSync(r.Context(), session)
	common.JSON(w, http.StatusOK, session.Snapshot())
}

// Navigation ingests one navigation event reported by the embedded browser.
func (h *Handlers) Navigation(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	var req navigationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "request body must be valid JSON", nil)
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_FAILED", "url is required", nil)
		return
	}

	decision := h.Service.OnNavigation(r.Context(), session, req.URL)
	resp := navigationResponse{Decision: decision, Phase: session.Phase()}
	if h.Service.Classifier.Terminal(req.URL) {
		resp.Hint = gateway.ParseOutcome(req.URL).Hint()
	}
	common.JSON(w, http.StatusOK, resp)
}

// Retry restarts a transiently failed payment attempt.
func (h *Handlers) Retry(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := h.Service.Retry(r.Context(), session); err != nil {
		var notAvailable *RetryNotAvailableError
		if errors.As(err, &notAvailable) {
			common.JSONError(w, http.StatusConflict, "RETRY_NOT_AVAILABLE",
				"retry is only available after a transient verification failure", map[string]string{
					"phase": string(notAvailable.Phase),
				})
			return
		}
		h.Logger.Error().Err(err).Msg("retry failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "retry failed", nil)
		return
	}
	common.JSON(w, http.StatusOK, session.Snapshot())
}

// Cancel abandons the payment attempt.
func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := h.Service.Cancel(r.Context(), session); err != nil {
		var notAvailable *CancelNotAvailableError
		if errors.As(err, &notAvailable) {
			common.JSONError(w, http.StatusConflict, "ALREADY_SUCCEEDED",
				"payment already succeeded, nothing to cancel", nil)
			return
		}
		h.Logger.Error().Err(err).Msg("cancel failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cancel failed", nil)
		return
	}
	common.JSON(w, http.StatusOK, session.Snapshot())
}

func (h *Handlers) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	userID, ok := common.UserID(r.Context())
	if !ok || userID == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
		return nil, false
	}
	sessionID := chi.URLParam(r, "sessionID")
	session, err := h.Registry.Get(sessionID, userID)
	if err != nil {
		common.JSONError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "checkout session not found", nil)
		return nil, false
	}
	return session, true
}
