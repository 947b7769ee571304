package checkout

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/CheeseBout/storefront-checkout/internal/common"
)

// Handlers exposes checkout initiation over HTTP.
type Handlers struct {
	Service  *Service
	Validate *validator.Validate
	Logger   zerolog.Logger
}

// Mount registers the checkout routes on the router.
func (h *Handlers) Mount(r chi.Router) {
	r.Post("/checkout/sessions", h.Create)
}

type createResponse struct {
	SessionID  string  `json:"sessionId"`
	OrderRef   string  `json:"orderRef"`
	PaymentURL string  `json:"paymentUrl"`
	Amount     float64 `json:"amount"`
}

// Create opens a new checkout session and returns the gateway redirect target.
func (h *Handlers) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := common.UserID(r.Context())
	if !ok || userID == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
		return
	}

	var in CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "request body must be valid JSON", nil)
		return
	}
	if err := h.Validate.Struct(in); err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_FAILED", "invalid checkout request", validationDetails(err))
		return
	}

	session, err := h.Service.Create(r.Context(), userID, in)
	if err != nil {
		var appErr *common.AppError
		if errors.As(err, &appErr) {
			common.JSONError(w, appErr.HTTPStatus, appErr.Code, appErr.Message, appErr.Details)
			return
		}
		h.Logger.Error().Err(err).Msg("create checkout session failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "could not create checkout session", nil)
		return
	}

	common.JSON(w, http.StatusCreated, createResponse{
		SessionID:  session.ID,
		OrderRef:   session.OrderRef,
		PaymentURL: session.PaymentURL,
		Amount:     session.Amount,
	})
}

func validationDetails(err error) any {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return nil
	}
	details := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		details[fe.Field()] = fe.Tag()
	}
	return details
}
