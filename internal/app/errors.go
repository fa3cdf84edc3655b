/**
 * @description
 * Sentinel errors for the billing-service's reconciliation paths. Handlers
 * map these onto HTTP codes; everything else is treated as an internal error.
 */
package app

import "errors"

var (
	// ErrSessionOwnership means the checkout session belongs to a different
	// payer than the caller.
	ErrSessionOwnership = errors.New("checkout session does not belong to caller")

	// ErrPaymentIncomplete means the checkout session exists but its payment
	// has not completed.
	ErrPaymentIncomplete = errors.New("payment not completed")

	// ErrUnknownSubscription means an event referenced a remote subscription
	// id never seen locally. Logged and ignored, never fatal.
	ErrUnknownSubscription = errors.New("event references unknown subscription")

	// ErrProcessorUnavailable means an outbound processor call failed in a
	// retryable way (network error, timeout, 5xx). The caller should retry;
	// it must not be interpreted as "not subscribed".
	ErrProcessorUnavailable = errors.New("payment processor unavailable")
)
