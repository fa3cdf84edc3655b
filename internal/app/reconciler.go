/**
 * @description
 * This file implements the event reconciler: the asynchronous path that folds
 * the payment processor's webhook events into local subscription and listing
 * state. Delivery is at-least-once and out of order, so every apply function
 * must tolerate duplicates and stale redeliveries.
 *
 * Two deliberately distinct apply strategies are used:
 * - Snapshot events (checkout completed, subscription updated/deleted)
 *   overwrite local state from the remote snapshot. The remote is
 *   authoritative; replaying a snapshot re-applies the same values.
 * - Renewal invoices accumulate (renewal_count, period extension) and are
 *   therefore deduped per invoice id in the store, with a monotonic max on
 *   the period end so a stale invoice can never shrink an extension a newer
 *   snapshot already granted.
 */
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/happylife/billing-service/internal/domain"
	"github.com/happylife/billing-service/internal/store"
	"github.com/happylife/billing-service/pkg/paymentclient"
	"github.com/happylife/billing-service/pkg/rabbitmq"
)

// Reconciler applies processor webhook events to local state.
type Reconciler struct {
	repo     store.Repository
	payments PaymentClient
	producer rabbitmq.Publisher
	dedupe   DeliveryDeduper
}

// NewReconciler creates a new event reconciler.
func NewReconciler(repo store.Repository, payments PaymentClient, producer rabbitmq.Publisher, dedupe DeliveryDeduper) *Reconciler {
	return &Reconciler{repo: repo, payments: payments, producer: producer, dedupe: dedupe}
}

// HandleEvent applies a single signature-verified processor event. Returning
// a non-nil error tells the webhook handler to respond non-2xx so the
// processor redelivers; the whole function is safe to re-invoke with the same
// event.
func (r *Reconciler) HandleEvent(ctx context.Context, event domain.ProcessorEvent) error {
	if r.dedupe != nil && event.ID != "" {
		seen, err := r.dedupe.AlreadyProcessed(ctx, event.ID)
		if err != nil {
			// Dedupe is an optimization; every apply below is idempotent,
			// so fall through rather than failing the delivery.
			log.Printf("delivery dedupe check failed for %s: %v", event.ID, err)
		} else if seen {
			log.Printf("duplicate delivery %s (%s) ignored", event.ID, event.Type)
			return nil
		}
	}

	var err error
	switch event.Type {
	case domain.EventCheckoutCompleted:
		err = r.applyCheckoutCompleted(ctx, event)
	case domain.EventInvoicePaid:
		err = r.applyInvoicePaid(ctx, event)
	case domain.EventInvoiceFailed:
		err = r.applyInvoiceFailed(ctx, event)
	case domain.EventSubscriptionUpdated:
		err = r.applySubscriptionSnapshot(ctx, event, false)
	case domain.EventSubscriptionDeleted:
		err = r.applySubscriptionSnapshot(ctx, event, true)
	default:
		log.Printf("unhandled event type %s (delivery %s)", event.Type, event.ID)
		return nil
	}

	if errors.Is(err, ErrUnknownSubscription) {
		// An event for a subscription never seen locally is logged and
		// swallowed: redelivery would not help, and failing the callback
		// would only make the processor retry forever.
		log.Printf("ignoring %s for unknown subscription (delivery %s)", event.Type, event.ID)
		return nil
	}
	if err != nil {
		return err
	}

	// Marked only after a successful apply so that a failed delivery is
	// reprocessed in full when the processor retries it.
	if r.dedupe != nil && event.ID != "" {
		if err := r.dedupe.MarkProcessed(ctx, event.ID); err != nil {
			log.Printf("failed to mark delivery %s processed: %v", event.ID, err)
		}
	}
	return nil
}

// applyCheckoutCompleted handles a completed hosted checkout. Subscription
// checkouts mirror the remote subscription into local state; one-time feature
// purchases grant the time-boxed featured window instead.
func (r *Reconciler) applyCheckoutCompleted(ctx context.Context, event domain.ProcessorEvent) error {
	var session domain.CheckoutSessionObject
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return fmt.Errorf("malformed checkout session payload: %w", err)
	}
	if session.PaymentStatus != paymentclient.PaymentStatusPaid {
		log.Printf("checkout session %s completed without payment, ignoring", session.ID)
		return nil
	}

	payerID, err := sessionObjectPayerID(session)
	if err != nil {
		log.Printf("checkout session %s carries no payer reference: %v", session.ID, err)
		return nil
	}

	if session.Mode == paymentclient.ModePayment {
		return r.applyFeaturePurchase(ctx, session, payerID)
	}
	if session.SubscriptionID == "" {
		log.Printf("checkout session %s has no subscription, ignoring", session.ID)
		return nil
	}

	// The event only names the subscription; fetch the full remote snapshot
	// so the local mirror starts from authoritative period bounds.
	remote, err := r.payments.GetSubscription(ctx, session.SubscriptionID)
	if err != nil {
		return fmt.Errorf("fetching subscription %s: %w", session.SubscriptionID, err)
	}

	sub, err := r.repo.UpsertSubscriptionByRemoteID(ctx, subscriptionFromRemote(payerID, remote))
	if err != nil {
		return err
	}
	if err := projectSubscription(ctx, r.repo, sub); err != nil {
		return err
	}

	publishBillingEvent(ctx, r.producer, "subscription.activated", sub, "")
	return nil
}

// applyFeaturePurchase grants the featured window for a one-time purchase
// delivered via webhook, sharing the per-session dedupe with the synchronous
// verification path.
func (r *Reconciler) applyFeaturePurchase(ctx context.Context, session domain.CheckoutSessionObject, payerID uuid.UUID) error {
	listingID, err := uuid.Parse(session.Metadata.ListingID)
	if err != nil {
		log.Printf("feature session %s carries no valid listing id, ignoring", session.ID)
		return nil
	}

	days := defaultFeatureDurationDays
	if session.Metadata.FeatureDuration != "" {
		if parsed, parseErr := parsePositiveInt(session.Metadata.FeatureDuration); parseErr == nil {
			days = parsed
		}
	}

	expiresAt := time.Now().UTC().AddDate(0, 0, days)
	granted, err := r.repo.GrantListingFeature(ctx, listingID, payerID, session.ID, expiresAt)
	if err != nil {
		if errors.Is(err, store.ErrListingNotFound) {
			log.Printf("feature session %s names unknown listing %s, ignoring", session.ID, listingID)
			return nil
		}
		return err
	}
	if !granted {
		log.Printf("feature session %s already applied", session.ID)
	}
	return nil
}

// applyInvoicePaid extends the billing period for renewal-cycle invoices.
// The first invoice of a subscription is already covered by the checkout
// path, and replayed invoices are absorbed by the per-invoice dedupe key.
func (r *Reconciler) applyInvoicePaid(ctx context.Context, event domain.ProcessorEvent) error {
	var invoice domain.InvoiceObject
	if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
		return fmt.Errorf("malformed invoice payload: %w", err)
	}
	if invoice.BillingReason != domain.BillingReasonSubscriptionCycle {
		log.Printf("invoice %s billing_reason=%s does not extend the period, ignoring", invoice.ID, invoice.BillingReason)
		return nil
	}
	if invoice.SubscriptionID == "" {
		log.Printf("invoice %s has no subscription, ignoring", invoice.ID)
		return nil
	}

	extended, err := r.repo.ExtendSubscriptionPeriod(ctx,
		invoice.SubscriptionID,
		invoice.ID,
		domain.UnixTime(invoice.PeriodEnd),
		domain.UnixTime(event.Created),
	)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			return ErrUnknownSubscription
		}
		return err
	}
	if !extended {
		log.Printf("invoice %s already applied to subscription %s", invoice.ID, invoice.SubscriptionID)
		return nil
	}

	sub, err := r.repo.GetSubscriptionByRemoteID(ctx, invoice.SubscriptionID)
	if err != nil {
		return err
	}
	if err := projectSubscription(ctx, r.repo, sub); err != nil {
		return err
	}

	publishBillingEvent(ctx, r.producer, "subscription.renewed", sub, "")
	return nil
}

// applyInvoiceFailed marks the subscription past due and propagates the state
// to the owner's listings so they drop out of public results.
func (r *Reconciler) applyInvoiceFailed(ctx context.Context, event domain.ProcessorEvent) error {
	var invoice domain.InvoiceObject
	if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
		return fmt.Errorf("malformed invoice payload: %w", err)
	}
	if invoice.SubscriptionID == "" {
		log.Printf("failed invoice %s has no subscription, ignoring", invoice.ID)
		return nil
	}

	sub, err := r.repo.MarkSubscriptionPastDue(ctx, invoice.SubscriptionID, domain.UnixTime(event.Created))
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			return ErrUnknownSubscription
		}
		return err
	}
	if err := projectSubscription(ctx, r.repo, sub); err != nil {
		return err
	}

	publishBillingEvent(ctx, r.producer, "payment.failed", sub, "invoice "+invoice.ID+" failed")
	return nil
}

// applySubscriptionSnapshot handles subscription.updated and
// subscription.deleted. The embedded remote snapshot wins over any local
// state: the reconciler is a mirror, not a negotiator, and trusts the
// snapshot's own timestamps over local accumulation.
func (r *Reconciler) applySubscriptionSnapshot(ctx context.Context, event domain.ProcessorEvent, deleted bool) error {
	var remote domain.SubscriptionObject
	if err := json.Unmarshal(event.Data.Object, &remote); err != nil {
		return fmt.Errorf("malformed subscription payload: %w", err)
	}

	existing, err := r.repo.GetSubscriptionByRemoteID(ctx, remote.ID)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			return ErrUnknownSubscription
		}
		return err
	}

	if deleted {
		canceledAt := domain.UnixTime(remote.CanceledAt)
		if canceledAt.IsZero() {
			canceledAt = time.Now().UTC()
		}
		sub, err := r.repo.CancelSubscription(ctx, remote.ID, canceledAt)
		if err != nil {
			return err
		}
		if err := projectSubscription(ctx, r.repo, sub); err != nil {
			return err
		}
		publishBillingEvent(ctx, r.producer, "subscription.canceled", sub, "")
		return nil
	}

	updated := &domain.Subscription{
		OwnerID:              existing.OwnerID,
		RemoteSubscriptionID: remote.ID,
		RemoteCustomerID:     remote.CustomerID,
		Status:               remote.Status,
		CurrentPeriodStart:   domain.UnixTime(remote.CurrentPeriodStart),
		CurrentPeriodEnd:     domain.UnixTime(remote.CurrentPeriodEnd),
		CancelAtPeriodEnd:    remote.CancelAtPeriodEnd,
		CanceledAt:           domain.UnixTimePtr(remote.CanceledAt),
	}
	sub, err := r.repo.UpsertSubscriptionByRemoteID(ctx, updated)
	if err != nil {
		return err
	}
	return projectSubscription(ctx, r.repo, sub)
}

// sessionObjectPayerID resolves the internal payer id recorded on the session
// at creation time, preferring the client reference over metadata.
func sessionObjectPayerID(session domain.CheckoutSessionObject) (uuid.UUID, error) {
	ref := session.ClientRefID
	if ref == "" {
		ref = session.Metadata.PayerID
	}
	return uuid.Parse(ref)
}

func parsePositiveInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("value %d is not positive", n)
	}
	return n, nil
}
