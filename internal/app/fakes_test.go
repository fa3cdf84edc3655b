package app

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/happylife/billing-service/internal/domain"
	"github.com/happylife/billing-service/internal/store"
	"github.com/happylife/billing-service/pkg/paymentclient"
)

// fakeRepo is an in-memory Repository mirroring the SQL semantics the
// reconciliation paths rely on: upsert keyed by remote id, per-invoice
// dedupe, monotonic period extension, snapshot-wins cancellation on the
// upsert, and the first-seen cancellation timestamp on the deleted path.
type fakeRepo struct {
	mu sync.Mutex

	subs              map[string]*domain.Subscription // keyed by remote subscription id
	listings          map[uuid.UUID]*domain.Listing
	processedInvoices map[string]bool
	featureSessions   map[string]bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		subs:              make(map[string]*domain.Subscription),
		listings:          make(map[uuid.UUID]*domain.Listing),
		processedInvoices: make(map[string]bool),
		featureSessions:   make(map[string]bool),
	}
}

func (f *fakeRepo) addListing(l *domain.Listing) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	f.listings[l.ID] = l
}

func copySub(s *domain.Subscription) *domain.Subscription {
	out := *s
	return &out
}

func (f *fakeRepo) GetSubscriptionByOwnerID(ctx context.Context, ownerID uuid.UUID) (*domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *domain.Subscription
	for _, sub := range f.subs {
		if sub.OwnerID != ownerID {
			continue
		}
		if latest == nil || sub.CreatedAt.After(latest.CreatedAt) {
			latest = sub
		}
	}
	if latest == nil {
		return nil, store.ErrSubscriptionNotFound
	}
	return copySub(latest), nil
}

func (f *fakeRepo) GetSubscriptionByRemoteID(ctx context.Context, remoteID string) (*domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[remoteID]
	if !ok {
		return nil, store.ErrSubscriptionNotFound
	}
	return copySub(sub), nil
}

func (f *fakeRepo) UpsertSubscriptionByRemoteID(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.subs[sub.RemoteSubscriptionID]
	if !ok {
		created := copySub(sub)
		created.ID = uuid.New()
		created.CreatedAt = time.Now()
		created.UpdatedAt = created.CreatedAt
		f.subs[sub.RemoteSubscriptionID] = created
		return copySub(created), nil
	}
	existing.Status = sub.Status
	existing.CurrentPeriodStart = sub.CurrentPeriodStart
	existing.CurrentPeriodEnd = sub.CurrentPeriodEnd
	existing.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	existing.CanceledAt = sub.CanceledAt
	existing.UpdatedAt = time.Now()
	return copySub(existing), nil
}

func (f *fakeRepo) ExtendSubscriptionPeriod(ctx context.Context, remoteID, invoiceID string, periodEnd, paidAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[remoteID]
	if !ok {
		return false, store.ErrSubscriptionNotFound
	}
	if f.processedInvoices[invoiceID] {
		return false, nil
	}
	f.processedInvoices[invoiceID] = true
	sub.Status = domain.SubscriptionActive
	if periodEnd.After(sub.CurrentPeriodEnd) {
		sub.CurrentPeriodEnd = periodEnd
	}
	sub.RenewalCount++
	sub.LastPaymentDate = &paidAt
	return true, nil
}

func (f *fakeRepo) MarkSubscriptionPastDue(ctx context.Context, remoteID string, failedAt time.Time) (*domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[remoteID]
	if !ok {
		return nil, store.ErrSubscriptionNotFound
	}
	sub.Status = domain.SubscriptionPastDue
	sub.LastFailedPaymentDate = &failedAt
	return copySub(sub), nil
}

func (f *fakeRepo) CancelSubscription(ctx context.Context, remoteID string, canceledAt time.Time) (*domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[remoteID]
	if !ok {
		return nil, store.ErrSubscriptionNotFound
	}
	sub.Status = domain.SubscriptionCanceled
	if sub.CanceledAt == nil {
		sub.CanceledAt = &canceledAt
	}
	return copySub(sub), nil
}

func (f *fakeRepo) GetListingByID(ctx context.Context, listingID uuid.UUID) (*domain.Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.listings[listingID]
	if !ok {
		return nil, store.ErrListingNotFound
	}
	out := *l
	return &out, nil
}

func (f *fakeRepo) UpdateListingsSubscriptionStatus(ctx context.Context, ownerID uuid.UUID, status string, periodStart, periodEnd *time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var touched int64
	for _, l := range f.listings {
		if l.OwnerID != ownerID {
			continue
		}
		l.SubscriptionStatus = status
		if periodStart != nil {
			l.SubscriptionStartDate = periodStart
		}
		if periodEnd != nil {
			l.SubscriptionEndDate = periodEnd
		}
		touched++
	}
	return touched, nil
}

func (f *fakeRepo) IncrementListingViewCount(ctx context.Context, listingID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.listings[listingID]
	if !ok {
		return store.ErrListingNotFound
	}
	l.ViewCount++
	return nil
}

func (f *fakeRepo) GrantListingFeature(ctx context.Context, listingID, ownerID uuid.UUID, sessionID string, expiresAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.listings[listingID]
	if !ok || l.OwnerID != ownerID {
		return false, store.ErrListingNotFound
	}
	if f.featureSessions[sessionID] {
		return false, nil
	}
	f.featureSessions[sessionID] = true
	l.IsFeatured = true
	if l.FeatureExpiration == nil || expiresAt.After(*l.FeatureExpiration) {
		l.FeatureExpiration = &expiresAt
	}
	return true, nil
}

func (f *fakeRepo) ExpireStaleFeatureFlags(ctx context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, l := range f.listings {
		if l.IsFeatured && l.FeatureExpiration != nil && !l.FeatureExpiration.After(now) {
			l.IsFeatured = false
			count++
		}
	}
	return count, nil
}

func (f *fakeRepo) ExpireLapsedListings(ctx context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, l := range f.listings {
		if l.SubscriptionStatus == domain.ListingSubscriptionTrial &&
			l.SubscriptionEndDate != nil && !l.SubscriptionEndDate.After(now) {
			l.SubscriptionStatus = domain.ListingSubscriptionExpired
			count++
		}
	}
	return count, nil
}

// fakePayments is an in-memory PaymentClient.
type fakePayments struct {
	sessions map[string]*paymentclient.CheckoutSession
	subs     map[string]*paymentclient.Subscription

	sessionErr error
	subErr     error

	sessionCalls int
	subCalls     int
}

func newFakePayments() *fakePayments {
	return &fakePayments{
		sessions: make(map[string]*paymentclient.CheckoutSession),
		subs:     make(map[string]*paymentclient.Subscription),
	}
}

func (f *fakePayments) GetCheckoutSession(ctx context.Context, sessionID string) (*paymentclient.CheckoutSession, error) {
	f.sessionCalls++
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	session, ok := f.sessions[sessionID]
	if !ok {
		return nil, &paymentclient.APIError{StatusCode: 404, Message: "no such session"}
	}
	return session, nil
}

func (f *fakePayments) GetSubscription(ctx context.Context, subscriptionID string) (*paymentclient.Subscription, error) {
	f.subCalls++
	if f.subErr != nil {
		return nil, f.subErr
	}
	sub, ok := f.subs[subscriptionID]
	if !ok {
		return nil, &paymentclient.APIError{StatusCode: 404, Message: "no such subscription"}
	}
	return sub, nil
}

func newRemoteSubscription(id, status string, periodEnd time.Time) *paymentclient.Subscription {
	return &paymentclient.Subscription{
		ID:                 id,
		CustomerID:         "cus_123",
		Status:             status,
		CurrentPeriodStart: periodEnd.AddDate(0, -1, 0).Unix(),
		CurrentPeriodEnd:   periodEnd.Unix(),
	}
}

// fakePublisher records published billing events.
type fakePublisher struct {
	mu     sync.Mutex
	events []string // routing keys in publish order
}

func (f *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, routingKey)
	return nil
}

func (f *fakePublisher) Close() {}

// fakeDeduper is an in-memory DeliveryDeduper.
type fakeDeduper struct {
	seen map[string]bool
}

func newFakeDeduper() *fakeDeduper {
	return &fakeDeduper{seen: make(map[string]bool)}
}

func (f *fakeDeduper) AlreadyProcessed(ctx context.Context, deliveryID string) (bool, error) {
	return f.seen[deliveryID], nil
}

func (f *fakeDeduper) MarkProcessed(ctx context.Context, deliveryID string) error {
	f.seen[deliveryID] = true
	return nil
}
