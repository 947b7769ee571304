package gateway

import (
	"net/url"
	"strings"
)

// Outcome parameter names attached by the gateway to its final redirect.
const (
	ParamResponseCode      = "vnp_ResponseCode"
	ParamTransactionStatus = "vnp_TransactionStatus"
	ParamTxnRef            = "vnp_TxnRef"
	ParamTransactionNo     = "vnp_TransactionNo"
)

// Classifier decides whether a navigated-to URL is the gateway's terminal
// redirect. A URL qualifies only when its path matches the configured return
// path and it carries at least one outcome-bearing query parameter; the
// gateway bounces through intermediate pages that share the return path
// prefix before outcome data is attached, and those must not be acted on.
type Classifier struct {
	ReturnPath  string
	ParamPrefix string
}

// NewClassifier constructs a classifier with the gateway defaults.
func NewClassifier(returnPath, paramPrefix string) Classifier {
	if strings.TrimSpace(returnPath) == "" {
		returnPath = "/payment-result"
	}
	if strings.TrimSpace(paramPrefix) == "" {
		paramPrefix = "vnp_"
	}
	return Classifier{ReturnPath: returnPath, ParamPrefix: paramPrefix}
}

// Terminal reports whether the URL represents the gateway's final redirect.
// Pure classification, no side effects.
func (c Classifier) Terminal(rawURL string) bool {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	if !strings.Contains(parsed.Path, c.returnPath()) {
		return false
	}
	query := parsed.Query()
	if query.Has(ParamResponseCode) || query.Has(ParamTransactionStatus) {
		return true
	}
	for key := range query {
		if strings.HasPrefix(key, c.paramPrefix()) {
			return true
		}
	}
	return false
}

func (c Classifier) returnPath() string {
	if strings.TrimSpace(c.ReturnPath) == "" {
		return "/payment-result"
	}
	return c.ReturnPath
}

func (c Classifier) paramPrefix() string {
	if strings.TrimSpace(c.ParamPrefix) == "" {
		return "vnp_"
	}
	return c.ParamPrefix
}

// Outcome carries the gateway parameters extracted from a terminal URL. It is
// used for UI branching and telemetry only; the authoritative success
// decision always comes from backend verification.
type Outcome struct {
	ResponseCode      string
	TransactionStatus string
	OrderRef          string
	TransactionNo     string
}

// ParseOutcome extracts outcome parameters from a return URL.
func ParseOutcome(rawURL string) Outcome {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Outcome{}
	}
	query := parsed.Query()
	return Outcome{
		ResponseCode:      strings.TrimSpace(query.Get(ParamResponseCode)),
		TransactionStatus: strings.TrimSpace(query.Get(ParamTransactionStatus)),
		OrderRef:          strings.TrimSpace(query.Get(ParamTxnRef)),
		TransactionNo:     strings.TrimSpace(query.Get(ParamTransactionNo)),
	}
}

// Hint maps the embedded response code to a coarse outcome label for display
// while backend verification is pending.
func (o Outcome) Hint() string {
	switch o.ResponseCode {
	case "00":
		return "approved"
	case "24":
		return "cancelled"
	case "09", "10", "11", "12", "13", "51", "65", "75", "79":
		return "declined"
	case "":
		return "unknown"
	default:
		return "declined"
	}
}
