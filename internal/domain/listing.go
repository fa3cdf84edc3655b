/**
 * @description
 * This file defines the Listing domain model for the billing-service.
 * A listing is a directory entry (service or product) owned by a payer.
 * The subscription fields on the listing are a denormalized projection of the
 * owner's Subscription record, kept in sync by the reconciliation layer so the
 * public read path never needs a join against the subscriptions table.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Listing publication statuses, controlled by the owner through the CRUD layer.
const (
	ListingStatusDraft     = "draft"
	ListingStatusPublished = "published"
	ListingStatusSuspended = "suspended"
)

// Listing subscription statuses. These mirror the owner's Subscription
// lifecycle in a simplified form suitable for the visibility predicate.
const (
	ListingSubscriptionTrial    = "trial"
	ListingSubscriptionActive   = "active"
	ListingSubscriptionPastDue  = "past_due"
	ListingSubscriptionExpired  = "expired"
	ListingSubscriptionCanceled = "canceled"
)

// Listing represents a directory entry gated by its owner's subscription.
type Listing struct {
	ID                    uuid.UUID  `json:"id"`
	OwnerID               uuid.UUID  `json:"owner_id"`
	Status                string     `json:"status"` // 'draft', 'published', 'suspended'
	IsActive              bool       `json:"is_active"`
	SubscriptionStatus    string     `json:"subscription_status"`
	SubscriptionStartDate *time.Time `json:"subscription_start_date,omitempty"`
	SubscriptionEndDate   *time.Time `json:"subscription_end_date,omitempty"`
	IsFeatured            bool       `json:"is_featured"`
	FeatureExpiration     *time.Time `json:"feature_expiration,omitempty"`
	ViewCount             int64      `json:"view_count"`
	ClickCount            int64      `json:"click_count"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}
