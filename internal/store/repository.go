/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract
 * for all data access operations required by the billing-service. By defining
 * an interface, we decouple the reconciliation logic from the PostgreSQL
 * implementation, making the verifier and reconciler testable with stubs.
 */
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/happylife/billing-service/internal/domain"
)

var (
	// ErrSubscriptionNotFound is returned when no subscription row matches.
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrListingNotFound is returned when no listing row matches.
	ErrListingNotFound = errors.New("listing not found")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Subscription methods. All writes that create or overwrite a
	// subscription converge on UpsertSubscriptionByRemoteID so the webhook
	// path and the checkout-verification path cannot race into duplicates.
	GetSubscriptionByOwnerID(ctx context.Context, ownerID uuid.UUID) (*domain.Subscription, error)
	GetSubscriptionByRemoteID(ctx context.Context, remoteSubscriptionID string) (*domain.Subscription, error)
	UpsertSubscriptionByRemoteID(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error)

	// ExtendSubscriptionPeriod applies a renewal invoice. The invoice id is
	// the dedupe key: a replayed invoice returns extended=false and leaves
	// the row untouched. The period end only ever moves forward.
	ExtendSubscriptionPeriod(ctx context.Context, remoteSubscriptionID, invoiceID string, periodEnd, paidAt time.Time) (extended bool, err error)

	MarkSubscriptionPastDue(ctx context.Context, remoteSubscriptionID string, failedAt time.Time) (*domain.Subscription, error)
	CancelSubscription(ctx context.Context, remoteSubscriptionID string, canceledAt time.Time) (*domain.Subscription, error)

	// Listing projection and read methods.
	GetListingByID(ctx context.Context, listingID uuid.UUID) (*domain.Listing, error)
	UpdateListingsSubscriptionStatus(ctx context.Context, ownerID uuid.UUID, status string, periodStart, periodEnd *time.Time) (int64, error)
	IncrementListingViewCount(ctx context.Context, listingID uuid.UUID) error

	// Feature grant methods. The checkout session id is the dedupe key so a
	// replayed feature verification never stacks extra time.
	GrantListingFeature(ctx context.Context, listingID, ownerID uuid.UUID, sessionID string, expiresAt time.Time) (granted bool, err error)

	// Storage-hygiene sweeps. Read correctness never depends on these; they
	// only fold lazily-expired state back into the stored columns.
	ExpireStaleFeatureFlags(ctx context.Context, now time.Time) (int64, error)
	ExpireLapsedListings(ctx context.Context, now time.Time) (int64, error)
}
