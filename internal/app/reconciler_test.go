package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/happylife/billing-service/internal/domain"
)

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	return raw
}

func processorEvent(t *testing.T, id, eventType string, created time.Time, object interface{}) domain.ProcessorEvent {
	t.Helper()
	event := domain.ProcessorEvent{ID: id, Type: eventType, Created: created.Unix()}
	event.Data.Object = mustMarshal(t, object)
	return event
}

func seedActiveSubscription(repo *fakeRepo, ownerID uuid.UUID, remoteID string, periodEnd time.Time) {
	repo.subs[remoteID] = &domain.Subscription{
		ID:                   uuid.New(),
		OwnerID:              ownerID,
		RemoteSubscriptionID: remoteID,
		RemoteCustomerID:     "cus_123",
		Status:               domain.SubscriptionActive,
		CurrentPeriodStart:   periodEnd.AddDate(0, -1, 0),
		CurrentPeriodEnd:     periodEnd,
		CreatedAt:            time.Now(),
	}
}

func TestHandleEvent_CheckoutCompletedCreatesSubscriptionAndProjects(t *testing.T) {
	ownerID := uuid.New()
	repo := newFakeRepo()
	repo.addListing(&domain.Listing{
		OwnerID:            ownerID,
		Status:             domain.ListingStatusPublished,
		IsActive:           true,
		SubscriptionStatus: domain.ListingSubscriptionTrial,
	})

	payments := newFakePayments()
	periodEnd := time.Now().AddDate(0, 1, 0)
	payments.subs["sub_new"] = newRemoteSubscription("sub_new", domain.SubscriptionActive, periodEnd)

	publisher := &fakePublisher{}
	reconciler := NewReconciler(repo, payments, publisher, nil)

	session := domain.CheckoutSessionObject{
		ID:             "cs_1",
		Mode:           "subscription",
		PaymentStatus:  "paid",
		CustomerID:     "cus_123",
		SubscriptionID: "sub_new",
		ClientRefID:    ownerID.String(),
	}
	event := processorEvent(t, "evt_1", domain.EventCheckoutCompleted, time.Now(), session)

	if err := reconciler.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	sub, err := repo.GetSubscriptionByRemoteID(context.Background(), "sub_new")
	if err != nil {
		t.Fatalf("expected subscription to exist: %v", err)
	}
	if sub.Status != domain.SubscriptionActive {
		t.Fatalf("expected active subscription, got %q", sub.Status)
	}
	for _, l := range repo.listings {
		if l.SubscriptionStatus != domain.ListingSubscriptionActive {
			t.Fatalf("expected listing projected to active, got %q", l.SubscriptionStatus)
		}
	}
	if len(publisher.events) != 1 || publisher.events[0] != "subscription.activated" {
		t.Fatalf("expected subscription.activated to be published, got %v", publisher.events)
	}
}

func TestHandleEvent_DeletedTwiceYieldsCanceledWithoutError(t *testing.T) {
	ownerID := uuid.New()
	repo := newFakeRepo()
	repo.addListing(&domain.Listing{
		OwnerID:            ownerID,
		Status:             domain.ListingStatusPublished,
		IsActive:           true,
		SubscriptionStatus: domain.ListingSubscriptionActive,
	})
	seedActiveSubscription(repo, ownerID, "sub_1", time.Now().AddDate(0, 1, 0))

	reconciler := NewReconciler(repo, newFakePayments(), &fakePublisher{}, nil)

	canceledAt := time.Now().Add(-time.Hour)
	deleted := domain.SubscriptionObject{
		ID:         "sub_1",
		CustomerID: "cus_123",
		Status:     domain.SubscriptionCanceled,
		CanceledAt: canceledAt.Unix(),
	}

	for i := 0; i < 2; i++ {
		// Distinct delivery ids: this is a processor-side re-emit, not a
		// duplicate delivery, so the dedupe guard does not absorb it.
		event := processorEvent(t, "evt_del_"+string(rune('a'+i)), domain.EventSubscriptionDeleted, time.Now(), deleted)
		if err := reconciler.HandleEvent(context.Background(), event); err != nil {
			t.Fatalf("delivery %d: expected nil error, got %v", i+1, err)
		}
	}

	sub, err := repo.GetSubscriptionByRemoteID(context.Background(), "sub_1")
	if err != nil {
		t.Fatalf("expected subscription to exist: %v", err)
	}
	if sub.Status != domain.SubscriptionCanceled {
		t.Fatalf("expected canceled, got %q", sub.Status)
	}
	if sub.CanceledAt == nil || !sub.CanceledAt.Equal(time.Unix(canceledAt.Unix(), 0).UTC()) {
		t.Fatalf("expected canceled_at to keep its first value, got %v", sub.CanceledAt)
	}
	for _, l := range repo.listings {
		if l.SubscriptionStatus != domain.ListingSubscriptionExpired {
			t.Fatalf("expected listing projected to non-visible terminal state, got %q", l.SubscriptionStatus)
		}
		if vis := domain.EvaluateVisibility(l, time.Now()); vis.Visible {
			t.Fatal("expected canceled owner's listing to be invisible")
		}
	}
}

func TestHandleEvent_ResumedSubscriptionClearsCancellation(t *testing.T) {
	ownerID := uuid.New()
	repo := newFakeRepo()
	seedActiveSubscription(repo, ownerID, "sub_1", time.Now().AddDate(0, 1, 0))

	reconciler := NewReconciler(repo, newFakePayments(), &fakePublisher{}, nil)

	// The owner schedules a cancellation at period end.
	canceledAt := time.Now().Add(-time.Hour)
	pending := domain.SubscriptionObject{
		ID:                 "sub_1",
		CustomerID:         "cus_123",
		Status:             domain.SubscriptionActive,
		CurrentPeriodStart: time.Now().AddDate(0, -1, 0).Unix(),
		CurrentPeriodEnd:   time.Now().AddDate(0, 1, 0).Unix(),
		CancelAtPeriodEnd:  true,
		CanceledAt:         canceledAt.Unix(),
	}
	if err := reconciler.HandleEvent(context.Background(), processorEvent(t, "evt_pend", domain.EventSubscriptionUpdated, time.Now(), pending)); err != nil {
		t.Fatalf("pending-cancel event: %v", err)
	}

	sub, err := repo.GetSubscriptionByRemoteID(context.Background(), "sub_1")
	if err != nil {
		t.Fatalf("subscription lookup: %v", err)
	}
	if sub.CanceledAt == nil || !sub.CancelAtPeriodEnd {
		t.Fatalf("expected pending cancellation to be mirrored, got %+v", sub)
	}

	// Then resumes before the period ends; the resumed snapshot carries no
	// cancellation, and the local mirror must drop it too.
	resumed := pending
	resumed.CancelAtPeriodEnd = false
	resumed.CanceledAt = 0
	if err := reconciler.HandleEvent(context.Background(), processorEvent(t, "evt_res", domain.EventSubscriptionUpdated, time.Now(), resumed)); err != nil {
		t.Fatalf("resumed event: %v", err)
	}

	sub, err = repo.GetSubscriptionByRemoteID(context.Background(), "sub_1")
	if err != nil {
		t.Fatalf("subscription lookup: %v", err)
	}
	if sub.CanceledAt != nil {
		t.Fatalf("expected the resumed snapshot to clear canceled_at, got %v", sub.CanceledAt)
	}
	if sub.CancelAtPeriodEnd {
		t.Fatal("expected the resumed snapshot to clear cancel_at_period_end")
	}
}

func TestHandleEvent_StaleRenewalDoesNotRegressPeriodEnd(t *testing.T) {
	ownerID := uuid.New()
	repo := newFakeRepo()
	seedActiveSubscription(repo, ownerID, "sub_1", time.Now())

	reconciler := NewReconciler(repo, newFakePayments(), &fakePublisher{}, nil)

	// A subscription.updated snapshot arrives first with the period pushed
	// out thirty days.
	futureEnd := time.Now().AddDate(0, 0, 30).Truncate(time.Second)
	updated := domain.SubscriptionObject{
		ID:                 "sub_1",
		CustomerID:         "cus_123",
		Status:             domain.SubscriptionActive,
		CurrentPeriodStart: time.Now().Unix(),
		CurrentPeriodEnd:   futureEnd.Unix(),
	}
	if err := reconciler.HandleEvent(context.Background(), processorEvent(t, "evt_upd", domain.EventSubscriptionUpdated, time.Now(), updated)); err != nil {
		t.Fatalf("updated event: %v", err)
	}

	// Then a stale renewal invoice from before the snapshot straggles in.
	staleEnd := time.Now().Truncate(time.Second)
	invoice := domain.InvoiceObject{
		ID:             "in_stale",
		SubscriptionID: "sub_1",
		BillingReason:  domain.BillingReasonSubscriptionCycle,
		PeriodEnd:      staleEnd.Unix(),
		Paid:           true,
	}
	if err := reconciler.HandleEvent(context.Background(), processorEvent(t, "evt_inv", domain.EventInvoicePaid, time.Now(), invoice)); err != nil {
		t.Fatalf("stale invoice event: %v", err)
	}

	sub, err := repo.GetSubscriptionByRemoteID(context.Background(), "sub_1")
	if err != nil {
		t.Fatalf("expected subscription to exist: %v", err)
	}
	if sub.CurrentPeriodEnd.Before(time.Unix(futureEnd.Unix(), 0)) {
		t.Fatalf("period end regressed below the snapshot: %v < %v", sub.CurrentPeriodEnd, futureEnd)
	}
	if sub.RenewalCount != 1 {
		t.Fatalf("expected the new invoice to count one renewal, got %d", sub.RenewalCount)
	}
}

func TestHandleEvent_ReplayedInvoiceAppliesOnce(t *testing.T) {
	ownerID := uuid.New()
	repo := newFakeRepo()
	seedActiveSubscription(repo, ownerID, "sub_1", time.Now())

	reconciler := NewReconciler(repo, newFakePayments(), &fakePublisher{}, nil)

	invoice := domain.InvoiceObject{
		ID:             "in_1",
		SubscriptionID: "sub_1",
		BillingReason:  domain.BillingReasonSubscriptionCycle,
		PeriodEnd:      time.Now().AddDate(0, 1, 0).Unix(),
		Paid:           true,
	}
	for _, deliveryID := range []string{"evt_a", "evt_b"} {
		if err := reconciler.HandleEvent(context.Background(), processorEvent(t, deliveryID, domain.EventInvoicePaid, time.Now(), invoice)); err != nil {
			t.Fatalf("delivery %s: %v", deliveryID, err)
		}
	}

	sub, _ := repo.GetSubscriptionByRemoteID(context.Background(), "sub_1")
	if sub.RenewalCount != 1 {
		t.Fatalf("expected exactly one renewal despite replay, got %d", sub.RenewalCount)
	}
}

func TestHandleEvent_InvoiceFailedMarksPastDueAndHidesListings(t *testing.T) {
	ownerID := uuid.New()
	repo := newFakeRepo()
	repo.addListing(&domain.Listing{
		OwnerID:            ownerID,
		Status:             domain.ListingStatusPublished,
		IsActive:           true,
		SubscriptionStatus: domain.ListingSubscriptionActive,
	})
	seedActiveSubscription(repo, ownerID, "sub_1", time.Now().AddDate(0, 1, 0))

	publisher := &fakePublisher{}
	reconciler := NewReconciler(repo, newFakePayments(), publisher, nil)

	invoice := domain.InvoiceObject{ID: "in_fail", SubscriptionID: "sub_1"}
	if err := reconciler.HandleEvent(context.Background(), processorEvent(t, "evt_fail", domain.EventInvoiceFailed, time.Now(), invoice)); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	sub, _ := repo.GetSubscriptionByRemoteID(context.Background(), "sub_1")
	if sub.Status != domain.SubscriptionPastDue {
		t.Fatalf("expected past_due, got %q", sub.Status)
	}
	if sub.LastFailedPaymentDate == nil {
		t.Fatal("expected last failed payment date to be recorded")
	}
	for _, l := range repo.listings {
		if vis := domain.EvaluateVisibility(l, time.Now()); vis.Visible {
			t.Fatal("expected past_due owner's listing to be invisible")
		}
	}
	if len(publisher.events) != 1 || publisher.events[0] != "payment.failed" {
		t.Fatalf("expected payment.failed alert, got %v", publisher.events)
	}
}

func TestHandleEvent_UnknownSubscriptionIsIgnored(t *testing.T) {
	repo := newFakeRepo()
	reconciler := NewReconciler(repo, newFakePayments(), &fakePublisher{}, nil)

	invoice := domain.InvoiceObject{ID: "in_x", SubscriptionID: "sub_never_seen"}
	err := reconciler.HandleEvent(context.Background(), processorEvent(t, "evt_x", domain.EventInvoiceFailed, time.Now(), invoice))
	if err != nil {
		t.Fatalf("unknown subscription must not fail the delivery, got %v", err)
	}
	if len(repo.subs) != 0 {
		t.Fatal("unknown subscription event must not create state")
	}
}

func TestHandleEvent_DuplicateDeliveryIdIsNoOp(t *testing.T) {
	ownerID := uuid.New()
	repo := newFakeRepo()
	seedActiveSubscription(repo, ownerID, "sub_1", time.Now().AddDate(0, 1, 0))

	dedupe := newFakeDeduper()
	reconciler := NewReconciler(repo, newFakePayments(), &fakePublisher{}, dedupe)

	invoice := domain.InvoiceObject{ID: "in_dup", SubscriptionID: "sub_1"}
	event := processorEvent(t, "evt_same", domain.EventInvoiceFailed, time.Now(), invoice)

	if err := reconciler.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	failedAt := repo.subs["sub_1"].LastFailedPaymentDate

	if err := reconciler.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if repo.subs["sub_1"].LastFailedPaymentDate != failedAt {
		t.Fatal("duplicate delivery must not reapply the event")
	}
}

func TestHandleEvent_UnhandledTypeIsAcknowledged(t *testing.T) {
	reconciler := NewReconciler(newFakeRepo(), newFakePayments(), &fakePublisher{}, nil)
	event := domain.ProcessorEvent{ID: "evt_odd", Type: "charge.refunded"}
	if err := reconciler.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("unhandled types must be acknowledged, got %v", err)
	}
}
