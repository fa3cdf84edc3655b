/**
 * @description
 * This file implements the data access layer for the billing-service against
 * PostgreSQL using pgx. It contains all the SQL for subscriptions, the
 * listing projection, renewal dedupe, feature grants, and the hygiene sweeps.
 *
 * Key properties:
 * - UpsertSubscriptionByRemoteID is a single atomic statement keyed on the
 *   remote subscription id, so concurrent writers serialize at the row.
 * - Renewal extension uses GREATEST so a stale redelivery can never move the
 *   period end backwards, and dedupes per invoice inside one transaction.
 */
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/happylife/billing-service/internal/domain"
)

// PostgresRepository is the pgx-backed implementation of Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new repository backed by the given pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const subscriptionColumns = `
	id, owner_id, remote_subscription_id, remote_customer_id, status,
	current_period_start, current_period_end, cancel_at_period_end, canceled_at,
	renewal_count, last_payment_date, last_failed_payment_date, created_at, updated_at
`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := row.Scan(
		&sub.ID,
		&sub.OwnerID,
		&sub.RemoteSubscriptionID,
		&sub.RemoteCustomerID,
		&sub.Status,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd,
		&sub.CanceledAt,
		&sub.RenewalCount,
		&sub.LastPaymentDate,
		&sub.LastFailedPaymentDate,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// GetSubscriptionByOwnerID retrieves the most recent subscription for a payer.
func (r *PostgresRepository) GetSubscriptionByOwnerID(ctx context.Context, ownerID uuid.UUID) (*domain.Subscription, error) {
	query := `
        SELECT ` + subscriptionColumns + `
        FROM subscriptions
        WHERE owner_id = $1
        ORDER BY created_at DESC
        LIMIT 1
    `
	return scanSubscription(r.db.QueryRow(ctx, query, ownerID))
}

// GetSubscriptionByRemoteID retrieves a subscription by the processor's id.
func (r *PostgresRepository) GetSubscriptionByRemoteID(ctx context.Context, remoteSubscriptionID string) (*domain.Subscription, error) {
	query := `
        SELECT ` + subscriptionColumns + `
        FROM subscriptions
        WHERE remote_subscription_id = $1
    `
	return scanSubscription(r.db.QueryRow(ctx, query, remoteSubscriptionID))
}

// UpsertSubscriptionByRemoteID creates the subscription row for a remote id or
// overwrites the mutable fields from the remote snapshot if it already exists.
// Both the checkout verifier and the webhook reconciler go through this
// statement, so whichever arrives second simply re-applies the same snapshot.
// canceled_at is overwritten too: a resumed subscription's snapshot carries no
// cancellation and must clear the local one. Only the deleted path pins the
// first-seen value, in CancelSubscription.
func (r *PostgresRepository) UpsertSubscriptionByRemoteID(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	query := `
        INSERT INTO subscriptions (
            owner_id, remote_subscription_id, remote_customer_id, status,
            current_period_start, current_period_end, cancel_at_period_end, canceled_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (remote_subscription_id) DO UPDATE SET
            status = EXCLUDED.status,
            current_period_start = EXCLUDED.current_period_start,
            current_period_end = EXCLUDED.current_period_end,
            cancel_at_period_end = EXCLUDED.cancel_at_period_end,
            canceled_at = EXCLUDED.canceled_at,
            updated_at = NOW()
        RETURNING ` + subscriptionColumns + `
    `
	return scanSubscription(r.db.QueryRow(ctx, query,
		sub.OwnerID,
		sub.RemoteSubscriptionID,
		sub.RemoteCustomerID,
		sub.Status,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.CanceledAt,
	))
}

// ExtendSubscriptionPeriod applies a renewal invoice exactly once. The insert
// into processed_invoices and the period extension commit together; a replayed
// invoice hits the ON CONFLICT DO NOTHING and reports extended=false.
func (r *PostgresRepository) ExtendSubscriptionPeriod(ctx context.Context, remoteSubscriptionID, invoiceID string, periodEnd, paidAt time.Time) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	dedupe := `
        INSERT INTO processed_invoices (invoice_id, remote_subscription_id)
        VALUES ($1, $2)
        ON CONFLICT (invoice_id) DO NOTHING
    `
	tag, err := tx.Exec(ctx, dedupe, invoiceID, remoteSubscriptionID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		// Invoice already applied; nothing to do.
		return false, nil
	}

	extend := `
        UPDATE subscriptions SET
            status = $2,
            current_period_end = GREATEST(current_period_end, $3),
            renewal_count = renewal_count + 1,
            last_payment_date = $4,
            updated_at = NOW()
        WHERE remote_subscription_id = $1
    `
	tag, err = tx.Exec(ctx, extend, remoteSubscriptionID, domain.SubscriptionActive, periodEnd, paidAt)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, ErrSubscriptionNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// MarkSubscriptionPastDue records a failed renewal payment.
func (r *PostgresRepository) MarkSubscriptionPastDue(ctx context.Context, remoteSubscriptionID string, failedAt time.Time) (*domain.Subscription, error) {
	query := `
        UPDATE subscriptions SET
            status = $2,
            last_failed_payment_date = $3,
            updated_at = NOW()
        WHERE remote_subscription_id = $1
        RETURNING ` + subscriptionColumns + `
    `
	return scanSubscription(r.db.QueryRow(ctx, query, remoteSubscriptionID, domain.SubscriptionPastDue, failedAt))
}

// CancelSubscription marks a subscription canceled. Re-delivery is a no-op:
// the status write is absorbing and canceled_at keeps its first value.
func (r *PostgresRepository) CancelSubscription(ctx context.Context, remoteSubscriptionID string, canceledAt time.Time) (*domain.Subscription, error) {
	query := `
        UPDATE subscriptions SET
            status = $2,
            canceled_at = COALESCE(canceled_at, $3),
            updated_at = NOW()
        WHERE remote_subscription_id = $1
        RETURNING ` + subscriptionColumns + `
    `
	return scanSubscription(r.db.QueryRow(ctx, query, remoteSubscriptionID, domain.SubscriptionCanceled, canceledAt))
}

// GetListingByID retrieves a single listing snapshot.
func (r *PostgresRepository) GetListingByID(ctx context.Context, listingID uuid.UUID) (*domain.Listing, error) {
	var l domain.Listing
	query := `
        SELECT id, owner_id, status, is_active, subscription_status,
               subscription_start_date, subscription_end_date,
               is_featured, feature_expiration, view_count, click_count,
               created_at, updated_at
        FROM listings
        WHERE id = $1
    `
	err := r.db.QueryRow(ctx, query, listingID).Scan(
		&l.ID,
		&l.OwnerID,
		&l.Status,
		&l.IsActive,
		&l.SubscriptionStatus,
		&l.SubscriptionStartDate,
		&l.SubscriptionEndDate,
		&l.IsFeatured,
		&l.FeatureExpiration,
		&l.ViewCount,
		&l.ClickCount,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrListingNotFound
		}
		return nil, err
	}
	return &l, nil
}

// UpdateListingsSubscriptionStatus projects a subscription state change onto
// every listing owned by the payer. Returns the number of listings touched.
func (r *PostgresRepository) UpdateListingsSubscriptionStatus(ctx context.Context, ownerID uuid.UUID, status string, periodStart, periodEnd *time.Time) (int64, error) {
	query := `
        UPDATE listings SET
            subscription_status = $2,
            subscription_start_date = COALESCE($3, subscription_start_date),
            subscription_end_date = COALESCE($4, subscription_end_date),
            updated_at = NOW()
        WHERE owner_id = $1
    `
	tag, err := r.db.Exec(ctx, query, ownerID, status, periodStart, periodEnd)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// IncrementListingViewCount bumps the monotonic view counter.
func (r *PostgresRepository) IncrementListingViewCount(ctx context.Context, listingID uuid.UUID) error {
	query := `UPDATE listings SET view_count = view_count + 1 WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, listingID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrListingNotFound
	}
	return nil
}

// GrantListingFeature records a paid feature promotion. The checkout session
// id dedupes replays inside the same transaction as the grant, and GREATEST
// means a replay can never shorten an expiration already granted.
func (r *PostgresRepository) GrantListingFeature(ctx context.Context, listingID, ownerID uuid.UUID, sessionID string, expiresAt time.Time) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	dedupe := `
        INSERT INTO processed_feature_sessions (session_id, listing_id)
        VALUES ($1, $2)
        ON CONFLICT (session_id) DO NOTHING
    `
	tag, err := tx.Exec(ctx, dedupe, sessionID, listingID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	grant := `
        UPDATE listings SET
            is_featured = TRUE,
            feature_expiration = GREATEST(COALESCE(feature_expiration, $3), $3),
            updated_at = NOW()
        WHERE id = $1 AND owner_id = $2
    `
	tag, err = tx.Exec(ctx, grant, listingID, ownerID, expiresAt)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, ErrListingNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ExpireStaleFeatureFlags flips is_featured off for listings whose feature
// window has lapsed. Readers already treat those as unfeatured; this only
// keeps the stored flags tidy.
func (r *PostgresRepository) ExpireStaleFeatureFlags(ctx context.Context, now time.Time) (int64, error) {
	query := `
        UPDATE listings SET
            is_featured = FALSE,
            updated_at = NOW()
        WHERE is_featured = TRUE
          AND feature_expiration IS NOT NULL
          AND feature_expiration <= $1
    `
	tag, err := r.db.Exec(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ExpireLapsedListings folds lapsed trial windows into the stored
// subscription_status column. Paying subscriptions are left to the
// reconciler, which hears about their lifecycle from the processor.
func (r *PostgresRepository) ExpireLapsedListings(ctx context.Context, now time.Time) (int64, error) {
	query := `
        UPDATE listings SET
            subscription_status = $2,
            updated_at = NOW()
        WHERE subscription_status = $3
          AND subscription_end_date IS NOT NULL
          AND subscription_end_date <= $1
    `
	tag, err := r.db.Exec(ctx, query, now,
		domain.ListingSubscriptionExpired,
		domain.ListingSubscriptionTrial,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
