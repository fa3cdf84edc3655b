/**
 * @description
 * This file implements the listing projection step: the single place that
 * copies a subscription's state onto the denormalized subscription columns of
 * every listing the payer owns. Both the checkout verifier and the event
 * reconciler call this after a subscription write commits.
 *
 * The projection is best-effort by design. The subscription row is the source
 * of truth and has already committed; if the projection fails the caller
 * surfaces a non-success response so the processor redelivers (webhook path)
 * or the user retries (verification path). A reader can therefore observe a
 * listing whose denormalized status lags the subscription by at most one
 * redelivery interval.
 */
package app

import (
	"context"
	"fmt"
	"log"

	"github.com/happylife/billing-service/internal/domain"
	"github.com/happylife/billing-service/internal/store"
)

// projectSubscription updates the subscription columns of every listing owned
// by the subscription's payer to reflect the given subscription state.
func projectSubscription(ctx context.Context, repo store.Repository, sub *domain.Subscription) error {
	status := domain.ListingSubscriptionStatus(sub.Status)
	start := sub.CurrentPeriodStart
	end := sub.CurrentPeriodEnd

	touched, err := repo.UpdateListingsSubscriptionStatus(ctx, sub.OwnerID, status, &start, &end)
	if err != nil {
		return fmt.Errorf("failed to project subscription %s onto listings: %w", sub.RemoteSubscriptionID, err)
	}

	log.Printf("projected subscription %s status=%s onto %d listings for owner %s",
		sub.RemoteSubscriptionID, status, touched, sub.OwnerID)
	return nil
}
