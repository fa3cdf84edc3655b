/**
 * @description
 * This file defines the core domain models for the billing-service.
 * It includes the main Subscription struct that maps to the database table
 * and the DTO returned to clients asking for their current billing state.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Subscription statuses, mirroring the payment processor's lifecycle states.
// The local record is a mirror of the processor's subscription object; the
// processor is authoritative for these values.
const (
	SubscriptionActive     = "active"
	SubscriptionTrialing   = "trialing"
	SubscriptionPastDue    = "past_due"
	SubscriptionCanceled   = "canceled"
	SubscriptionUnpaid     = "unpaid"
	SubscriptionIncomplete = "incomplete"
)

// Subscription represents a payer's subscription in the database. Exactly one
// row exists per remote subscription id; a payer has at most one non-canceled
// subscription at a time. Rows are never deleted, cancellation is a status
// transition.
type Subscription struct {
	ID                    uuid.UUID  `json:"id"`
	OwnerID               uuid.UUID  `json:"owner_id"`
	RemoteSubscriptionID  string     `json:"remote_subscription_id"`
	RemoteCustomerID      string     `json:"remote_customer_id"`
	Status                string     `json:"status"`
	CurrentPeriodStart    time.Time  `json:"current_period_start"`
	CurrentPeriodEnd      time.Time  `json:"current_period_end"`
	CancelAtPeriodEnd     bool       `json:"cancel_at_period_end"`
	CanceledAt            *time.Time `json:"canceled_at,omitempty"`
	RenewalCount          int        `json:"renewal_count"`
	LastPaymentDate       *time.Time `json:"last_payment_date,omitempty"`
	LastFailedPaymentDate *time.Time `json:"last_failed_payment_date,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// SubscriptionState is the DTO returned by the API when a payer asks for
// their current subscription.
type SubscriptionState struct {
	Status            string     `json:"status"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	IsActive          bool       `json:"is_active"`
}

// ListingSubscriptionStatus maps a processor subscription status onto the
// simplified status projected onto the payer's listings.
func ListingSubscriptionStatus(processorStatus string) string {
	switch processorStatus {
	case SubscriptionActive:
		return ListingSubscriptionActive
	case SubscriptionTrialing:
		return ListingSubscriptionTrial
	case SubscriptionPastDue, SubscriptionUnpaid:
		return ListingSubscriptionPastDue
	case SubscriptionCanceled:
		return ListingSubscriptionExpired
	default:
		// 'incomplete' and anything unrecognized stays non-visible.
		return ListingSubscriptionExpired
	}
}

// State converts a stored Subscription into the client-facing DTO.
func (s *Subscription) State(now time.Time) SubscriptionState {
	state := SubscriptionState{
		Status:            s.Status,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		IsActive:          (s.Status == SubscriptionActive || s.Status == SubscriptionTrialing) && s.CurrentPeriodEnd.After(now),
	}
	if state.IsActive {
		end := s.CurrentPeriodEnd
		state.CurrentPeriodEnd = &end
	}
	return state
}
