/**
 * @description
 * This file defines the Go structs that model the incoming webhook payloads
 * from the payment processor. These structures are essential for safely
 * unmarshaling the JSON delivered to the webhook endpoint and routing it to
 * the reconciler in a type-safe manner.
 *
 * @notes
 * - The processor delivers events at-least-once and out of order. Every event
 *   carries its own delivery id and creation timestamp; the reconciler relies
 *   on those rather than on arrival order.
 * - Timestamps arrive as unix seconds and are converted with the helpers below.
 */
package domain

import (
	"encoding/json"
	"time"
)

// Processor event types handled by the reconciler.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventInvoicePaid         = "invoice.payment_succeeded"
	EventInvoiceFailed       = "invoice.payment_failed"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// Invoice billing reasons. Only renewal-cycle invoices extend the period and
// bump the renewal counter; the first invoice of a subscription is already
// covered by the checkout-completed path.
const (
	BillingReasonSubscriptionCycle  = "subscription_cycle"
	BillingReasonSubscriptionCreate = "subscription_create"
)

// ProcessorEvent is the top-level webhook payload. Data.Object is decoded a
// second time into the event-specific struct once the type is known.
type ProcessorEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// CheckoutSessionObject is the payload of a checkout.session.completed event,
// and also the shape returned by the processor's session-retrieval endpoint.
type CheckoutSessionObject struct {
	ID             string `json:"id"`
	Mode           string `json:"mode"` // 'subscription' or 'payment'
	PaymentStatus  string `json:"payment_status"`
	CustomerID     string `json:"customer"`
	SubscriptionID string `json:"subscription"`
	ClientRefID    string `json:"client_reference_id"` // internal payer id set at session creation
	Metadata       struct {
		PayerID         string `json:"payer_id"`
		ListingID       string `json:"listing_id"`
		FeatureDuration string `json:"feature_duration_days"`
	} `json:"metadata"`
}

// SubscriptionObject is the processor's subscription resource as embedded in
// subscription.updated / subscription.deleted events.
type SubscriptionObject struct {
	ID                 string `json:"id"`
	CustomerID         string `json:"customer"`
	Status             string `json:"status"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CanceledAt         int64  `json:"canceled_at"`
}

// InvoiceObject is the processor's invoice resource as embedded in
// invoice.payment_succeeded / invoice.payment_failed events.
type InvoiceObject struct {
	ID             string `json:"id"`
	CustomerID     string `json:"customer"`
	SubscriptionID string `json:"subscription"`
	BillingReason  string `json:"billing_reason"`
	PeriodStart    int64  `json:"period_start"`
	PeriodEnd      int64  `json:"period_end"`
	Paid           bool   `json:"paid"`
}

// BillingEvent is the internal event published to RabbitMQ after a
// reconciliation changes subscription state, consumed by the notification
// layer for owner-facing messages and internal alerting.
type BillingEvent struct {
	OwnerID              string `json:"owner_id"`
	RemoteSubscriptionID string `json:"remote_subscription_id"`
	Status               string `json:"status"`
	Reason               string `json:"reason,omitempty"`
}

// UnixTime converts a processor unix-seconds timestamp to time.Time.
// Zero stays the zero time so optional fields map to nil downstream.
func UnixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// UnixTimePtr is UnixTime for nullable timestamp columns.
func UnixTimePtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
