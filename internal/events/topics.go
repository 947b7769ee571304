package events

// Topic constants for domain events emitted during a checkout attempt.
const (
	TopicCheckoutSessionCreated = "checkout.session_created"
	TopicPaymentVerified        = "payment.verified"
	TopicPaymentDeclined        = "payment.declined"
	TopicPaymentCancelled       = "payment.cancelled"
	TopicCartFinalized          = "cart.finalized"
	TopicCartFinalizeDeferred   = "cart.finalize_deferred"
)
