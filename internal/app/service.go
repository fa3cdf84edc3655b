/**
 * @description
 * This file contains the synchronous business logic of the billing-service:
 * checkout verification after a payer returns from the processor's hosted
 * checkout, feature-purchase verification, and the read-side operations that
 * back the public API.
 *
 * Checkout verification is idempotent: both it and the webhook reconciler
 * converge on the same upsert keyed by remote subscription id, so a retry or
 * a racing webhook can never produce a duplicate subscription.
 */
package app

import (
	"context"
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

const (
	// BillingExchange is the RabbitMQ exchange for billing lifecycle events.
	BillingExchange = "billing_events"

	defaultFeatureDurationDays = 30
)

// PaymentClient is the subset of the processor API the service depends on.
type PaymentClient interface {
	GetCheckoutSession(ctx context.Context, sessionID string) (*paymentclient.CheckoutSession, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*paymentclient.Subscription, error)
}

// Service provides the synchronous billing operations.
type Service struct {
	repo     store.Repository
	payments PaymentClient
	producer rabbitmq.Publisher
}

// NewService creates a new billing service.
func NewService(repo store.Repository, payments PaymentClient, producer rabbitmq.Publisher) Service {
	return Service{repo: repo, payments: payments, producer: producer}
}

// VerifyCheckout reconciles a completed subscription checkout into local
// state. It is safe to call any number of times with the same session
// reference: the first call creates the subscription, subsequent calls return
// the current state as a successful no-op.
func (s Service) VerifyCheckout(ctx context.Context, sessionRef string, payerID uuid.UUID) (*domain.Subscription, error) {
	session, err := s.fetchSession(ctx, sessionRef, payerID)
	if err != nil {
		return nil, err
	}

	if session.Mode != paymentclient.ModeSubscription || session.SubscriptionID == "" {
		return nil, fmt.Errorf("session %s did not create a subscription: %w", sessionRef, ErrPaymentIncomplete)
	}

	// Idempotency check: the webhook reconciler or an earlier verification
	// call may have created the subscription already. Re-running the
	// projection here lets a retry converge listings even if the earlier
	// call failed between the subscription write and the projection.
	existing, err := s.repo.GetSubscriptionByRemoteID(ctx, session.SubscriptionID)
	if err == nil {
		log.Printf("checkout session %s already reconciled to subscription %s", sessionRef, existing.ID)
		if err := projectSubscription(ctx, s.repo, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}
	if !errors.Is(err, store.ErrSubscriptionNotFound) {
		return nil, err
	}

	remote, err := s.payments.GetSubscription(ctx, session.SubscriptionID)
	if err != nil {
		if paymentclient.IsRetryable(err) {
			return nil, fmt.Errorf("fetching subscription %s: %w", session.SubscriptionID, ErrProcessorUnavailable)
		}
		return nil, err
	}

	sub, err := s.repo.UpsertSubscriptionByRemoteID(ctx, subscriptionFromRemote(payerID, remote))
	if err != nil {
		return nil, err
	}

	if err := projectSubscription(ctx, s.repo, sub); err != nil {
		// The subscription row committed; surface the projection failure so
		// the caller retries and the retry converges via the upsert.
		return nil, err
	}

	publishBillingEvent(ctx, s.producer, "subscription.activated", sub, "")
	return sub, nil
}

// VerifyFeatureCheckout reconciles a one-time feature purchase into a
// time-boxed featured grant on the listing named in the session metadata.
// The session id is the dedupe key, so a replay never stacks extra time.
func (s Service) VerifyFeatureCheckout(ctx context.Context, sessionRef string, payerID uuid.UUID) (*domain.Listing, error) {
	session, err := s.fetchSession(ctx, sessionRef, payerID)
	if err != nil {
		return nil, err
	}

	if session.Mode != paymentclient.ModePayment {
		return nil, fmt.Errorf("session %s is not a feature purchase: %w", sessionRef, ErrPaymentIncomplete)
	}

	listingID, err := uuid.Parse(session.Metadata.ListingID)
	if err != nil {
		return nil, fmt.Errorf("session %s carries no valid listing id", sessionRef)
	}

	days := defaultFeatureDurationDays
	if session.Metadata.FeatureDuration != "" {
		if parsed, parseErr := parsePositiveInt(session.Metadata.FeatureDuration); parseErr == nil {
			days = parsed
		}
	}

	expiresAt := time.Now().UTC().AddDate(0, 0, days)
	granted, err := s.repo.GrantListingFeature(ctx, listingID, payerID, session.ID, expiresAt)
	if err != nil {
		return nil, err
	}
	if !granted {
		log.Printf("feature session %s already applied to listing %s", sessionRef, listingID)
	}

	return s.repo.GetListingByID(ctx, listingID)
}

// GetSubscriptionState returns the payer's current billing state. Payers who
// never checked out have no subscription row; they are reported as status
// "none" rather than having a record created for them, since only the
// verifier and reconciler may create subscriptions.
func (s Service) GetSubscriptionState(ctx context.Context, payerID uuid.UUID) (*domain.SubscriptionState, error) {
	sub, err := s.repo.GetSubscriptionByOwnerID(ctx, payerID)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			return &domain.SubscriptionState{Status: "none"}, nil
		}
		return nil, err
	}
	state := sub.State(time.Now())
	return &state, nil
}

// ListingVisibility evaluates the public visibility predicate for a listing
// and bumps its view counter. The counter bump is best-effort and never
// affects the returned result.
func (s Service) ListingVisibility(ctx context.Context, listingID uuid.UUID) (domain.Visibility, error) {
	listing, err := s.repo.GetListingByID(ctx, listingID)
	if err != nil {
		return domain.Visibility{}, err
	}

	visibility := domain.EvaluateVisibility(listing, time.Now())
	if visibility.Visible {
		if err := s.repo.IncrementListingViewCount(ctx, listingID); err != nil {
			log.Printf("failed to increment view count for listing %s: %v", listingID, err)
		}
	}
	return visibility, nil
}

// fetchSession retrieves a checkout session and applies the ownership and
// payment-completion checks shared by both verification paths.
func (s Service) fetchSession(ctx context.Context, sessionRef string, payerID uuid.UUID) (*paymentclient.CheckoutSession, error) {
	session, err := s.payments.GetCheckoutSession(ctx, sessionRef)
	if err != nil {
		if paymentclient.IsRetryable(err) {
			return nil, fmt.Errorf("fetching session %s: %w", sessionRef, ErrProcessorUnavailable)
		}
		return nil, err
	}

	if sessionPayerID(session) != payerID.String() {
		return nil, ErrSessionOwnership
	}
	if session.PaymentStatus != paymentclient.PaymentStatusPaid {
		return nil, ErrPaymentIncomplete
	}
	return session, nil
}

// sessionPayerID resolves the payer recorded on a session at creation time.
func sessionPayerID(session *paymentclient.CheckoutSession) string {
	if session.ClientRefID != "" {
		return session.ClientRefID
	}
	return session.Metadata.PayerID
}

// subscriptionFromRemote mirrors a processor subscription object into a local
// record for the given payer.
func subscriptionFromRemote(ownerID uuid.UUID, remote *paymentclient.Subscription) *domain.Subscription {
	return &domain.Subscription{
		OwnerID:              ownerID,
		RemoteSubscriptionID: remote.ID,
		RemoteCustomerID:     remote.CustomerID,
		Status:               remote.Status,
		CurrentPeriodStart:   domain.UnixTime(remote.CurrentPeriodStart),
		CurrentPeriodEnd:     domain.UnixTime(remote.CurrentPeriodEnd),
		CancelAtPeriodEnd:    remote.CancelAtPeriodEnd,
		CanceledAt:           domain.UnixTimePtr(remote.CanceledAt),
	}
}

// publishBillingEvent emits an internal lifecycle event. Publishing is
// best-effort: reconciliation state has already committed and alerting must
// not block or fail the billing path.
func publishBillingEvent(ctx context.Context, producer rabbitmq.Publisher, routingKey string, sub *domain.Subscription, reason string) {
	if producer == nil {
		return
	}
	event := domain.BillingEvent{
		OwnerID:              sub.OwnerID.String(),
		RemoteSubscriptionID: sub.RemoteSubscriptionID,
		Status:               sub.Status,
		Reason:               reason,
	}
	if err := producer.Publish(ctx, BillingExchange, routingKey, event); err != nil {
		log.Printf("failed to publish %s for subscription %s: %v", routingKey, sub.RemoteSubscriptionID, err)
	}
}
