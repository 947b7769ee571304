package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/CheeseBout/storefront-checkout/internal/resilience"
)

// ErrUnavailable marks transient failures: network errors, timeouts, 5xx
// responses and malformed envelopes. Callers may retry these.
var ErrUnavailable = errors.New("backend unavailable")

const userHeader = "X-Storefront-User"

// Client talks to the storefront backend REST API on behalf of a user.
type Client struct {
	BaseURL      string
	ServiceToken string
	HTTP         resilience.HTTPClient
	// Verify calls must not be retried automatically. VerifyHTTP is the
	// single-attempt variant used for them.
	VerifyHTTP resilience.HTTPClient
	Logger     zerolog.Logger
}

// CreateSessionRequest describes a checkout session to be opened with the
// payment gateway.
type CreateSessionRequest struct {
	UserID     string   `json:"-"`
	ProductIDs []string `json:"productIds"`
	BankCode   string   `json:"bankCode,omitempty"`
	Language   string   `json:"language,omitempty"`
}

// CheckoutSession is the backend's answer to a session creation request.
type CheckoutSession struct {
	PaymentURL string  `json:"paymentUrl"`
	OrderRef   string  `json:"orderRef"`
	Amount     float64 `json:"amount"`
}

// VerifyResult is the authenticated payment outcome.
type VerifyResult struct {
	Approved      bool   `json:"isSuccess"`
	OrderRef      string `json:"orderRef"`
	TransactionID string `json:"transactionId"`
	Message       string `json:"message"`
}

// CartItem is a single line of the server-side cart.
type CartItem struct {
	ProductID string  `json:"productId"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
}

// CartSnapshot is the cart state after a mutation.
type CartSnapshot struct {
	Items []CartItem `json:"items"`
	Total float64    `json:"total"`
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// CreateCheckoutSession asks the backend to open a gateway payment session for
// the user's selected items.
func (c *Client) CreateCheckoutSession(ctx context.Context, req CreateSessionRequest) (*CheckoutSession, error) {
	if len(req.ProductIDs) == 0 {
		return nil, errors.New("backend: product ids are required")
	}
	var session CheckoutSession
	if err := c.doJSON(ctx, c.HTTP, http.MethodPost, "/api/checkout/sessions", req.UserID, req, &session); err != nil {
		return nil, err
	}
	if session.PaymentURL == "" || session.OrderRef == "" {
		return nil, fmt.Errorf("backend: incomplete checkout session: %w", ErrUnavailable)
	}
	return &session, nil
}

// VerifyReturn submits the gateway return URL for server-side authentication of
// the payment outcome. The backend re-derives the result from the embedded
// parameters; nothing parsed on the client side is trusted here.
//
// A nil error with Approved=false is an authenticated decline. Errors wrapping
// ErrUnavailable are transient and may be retried by the caller.
func (c *Client) VerifyReturn(ctx context.Context, userID, returnURL string) (*VerifyResult, error) {
	parsed, err := url.Parse(returnURL)
	if err != nil {
		return nil, fmt.Errorf("backend: parse return url: %w", err)
	}
	path := "/api/payments/verify-return"
	if parsed.RawQuery != "" {
		path += "?" + parsed.RawQuery
	}
	var result VerifyResult
	if err := c.doJSON(ctx, c.verifyClient(), http.MethodGet, path, userID, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RemoveSelected removes the given product identifiers from the user's
// server-side cart. Identifiers form a set, so repeating the call with the
// same arguments is harmless.
func (c *Client) RemoveSelected(ctx context.Context, userID string, productIDs []string) (*CartSnapshot, error) {
	if len(productIDs) == 0 {
		return &CartSnapshot{}, nil
	}
	body := struct {
		ProductIDs []string `json:"productIds"`
	}{ProductIDs: productIDs}
	var snapshot CartSnapshot
	if err := c.doJSON(ctx, c.HTTP, http.MethodPost, "/api/cart/remove-selected", userID, body, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (c *Client) verifyClient() resilience.HTTPClient {
	if c.VerifyHTTP.Client != nil {
		return c.VerifyHTTP
	}
	cl := c.HTTP
	cl.MaxAttempts = 1
	return cl
}

func (c *Client) doJSON(ctx context.Context, hc resilience.HTTPClient, method, path, userID string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("backend: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, body)
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.ServiceToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.ServiceToken)
	}
	if userID != "" {
		req.Header.Set(userHeader, userID)
	}

	resp, err := hc.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %v: %w", method, path, err, ErrUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("backend: read response: %v: %w", err, ErrUnavailable)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("backend: %s %s returned %d: %w", method, path, resp.StatusCode, ErrUnavailable)
	}
	if resp.StatusCode >= 400 {
		var env envelope
		if jsonErr := json.Unmarshal(raw, &env); jsonErr == nil && env.Message != "" {
			return fmt.Errorf("backend: %s %s: %s", method, path, env.Message)
		}
		return fmt.Errorf("backend: %s %s returned %d", method, path, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("backend: decode response: %v: %w", err, ErrUnavailable)
	}
	if !env.Success {
		c.Logger.Warn().Str("path", path).Str("message", env.Message).Msg("backend call rejected")
		return fmt.Errorf("backend: %s %s rejected: %s: %w", method, path, env.Message, ErrUnavailable)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("backend: decode payload: %v: %w", err, ErrUnavailable)
		}
	}
	return nil
}
