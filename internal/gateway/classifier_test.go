package gateway_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CheeseBout/storefront-checkout/internal/gateway"
)

func TestTerminal(t *testing.T) {
	c := gateway.NewClassifier("/payment-result", "vnp_")

	cases := []struct {
		name string
		url  string
		want bool
	}{
		{"return path without outcome params", "https://pay.example.com/payment-result", false},
		{"return path with response code", "https://pay.example.com/payment-result?vnp_ResponseCode=00&vnp_TxnRef=ORD-100", true},
		{"return path with transaction status only", "https://pay.example.com/payment-result?vnp_TransactionStatus=00", true},
		{"return path with prefixed param only", "https://pay.example.com/payment-result?vnp_SecureHash=abc", true},
		{"intermediate gateway page", "https://pay.example.com/paymentv2/vpcpay.html?token=xyz", false},
		{"unrelated page with outcome-like params", "https://pay.example.com/landing?vnp_ResponseCode=00", false},
		{"garbage input", "://not-a-url", false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, c.Terminal(tc.url))
		})
	}
}

func TestParseOutcome(t *testing.T) {
	o := gateway.ParseOutcome("https://pay.example.com/payment-result?vnp_ResponseCode=00&vnp_TxnRef=ORD-100&vnp_TransactionNo=14423612")
	require.Equal(t, "00", o.ResponseCode)
	require.Equal(t, "ORD-100", o.OrderRef)
	require.Equal(t, "14423612", o.TransactionNo)
	require.Equal(t, "approved", o.Hint())
}

func TestOutcomeHint(t *testing.T) {
	require.Equal(t, "cancelled", gateway.Outcome{ResponseCode: "24"}.Hint())
	require.Equal(t, "declined", gateway.Outcome{ResponseCode: "51"}.Hint())
	require.Equal(t, "declined", gateway.Outcome{ResponseCode: "99"}.Hint())
	require.Equal(t, "unknown", gateway.Outcome{}.Hint())
}
