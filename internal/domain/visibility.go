/**
 * @description
 * This file implements the visibility evaluator: the single predicate that
 * decides whether a listing is publicly visible and whether it is currently
 * featured. Every read path goes through this function instead of trusting
 * stored boolean flags, so time-bounded grants (feature promotions, trial
 * windows) expire lazily at read time without a background writer.
 */
package domain

import "time"

// Visibility is the evaluator's output for a single listing snapshot.
type Visibility struct {
	Visible  bool `json:"visible"`
	Featured bool `json:"featured"`
}

// EvaluateVisibility computes public visibility and featured status from a
// listing snapshot at the given instant. It is a pure function: no I/O, no
// mutation of the snapshot.
//
// A listing is visible only while its owner's subscription projection is in a
// paying or trialing state. Time-bounded grants lapse at read time: a trial
// whose window has passed and a stored is_featured flag past its expiration
// both read as false even if the batch sweep has not flipped them yet.
func EvaluateVisibility(l *Listing, now time.Time) Visibility {
	if l == nil {
		return Visibility{}
	}

	subscribed := l.SubscriptionStatus == ListingSubscriptionActive ||
		(l.SubscriptionStatus == ListingSubscriptionTrial && trialCurrent(l, now))

	visible := l.IsActive &&
		l.Status == ListingStatusPublished &&
		subscribed

	featured := l.IsFeatured &&
		l.FeatureExpiration != nil &&
		l.FeatureExpiration.After(now)

	return Visibility{Visible: visible, Featured: featured}
}

// trialCurrent reports whether a trial window is still running. A trial with
// no recorded end date has no bound to enforce and stays current.
func trialCurrent(l *Listing, now time.Time) bool {
	return l.SubscriptionEndDate == nil || l.SubscriptionEndDate.After(now)
}
