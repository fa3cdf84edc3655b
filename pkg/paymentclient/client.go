/**
 * @description
 * This package provides a client for the payment processor's API. It
 * encapsulates the logic for making authenticated HTTP requests to retrieve
 * checkout sessions and subscription objects, and for classifying failures so
 * callers can tell a definitive rejection from a retryable outage.
 *
 * @dependencies
 * - context, encoding/json, errors, fmt, io, net/http, net/url, time: Standard Go libraries.
 */
package paymentclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"
)

// Payment status values on a checkout session.
const (
	PaymentStatusPaid   = "paid"
	PaymentStatusUnpaid = "unpaid"
)

// Checkout session modes.
const (
	ModeSubscription = "subscription"
	ModePayment      = "payment"
)

// Client is a client for the payment processor API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new payment processor API client. The timeout bounds
// every outbound call; callers must treat a timeout as retryable, never as
// "not subscribed".
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CheckoutSession is the processor's checkout session resource.
type CheckoutSession struct {
	ID             string `json:"id"`
	Mode           string `json:"mode"`
	PaymentStatus  string `json:"payment_status"`
	CustomerID     string `json:"customer"`
	SubscriptionID string `json:"subscription"`
	ClientRefID    string `json:"client_reference_id"`
	Metadata       struct {
		PayerID         string `json:"payer_id"`
		ListingID       string `json:"listing_id"`
		FeatureDuration string `json:"feature_duration_days"`
	} `json:"metadata"`
}

// Subscription is the processor's subscription resource.
type Subscription struct {
	ID                 string `json:"id"`
	CustomerID         string `json:"customer"`
	Status             string `json:"status"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CanceledAt         int64  `json:"canceled_at"`
}

// APIError represents a non-2xx response from the processor.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("payment api error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("payment api error (status %d)", e.StatusCode)
}

// IsRetryable reports whether the error is a transient processor failure
// (network error, timeout, or 5xx) rather than a definitive rejection.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	// Anything that never produced a processor response is transient.
	return true
}

// GetCheckoutSession retrieves a checkout session by its reference.
func (c *Client) GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	var session CheckoutSession
	path := "/v1/checkout/sessions/" + url.PathEscape(sessionID)
	if err := c.doGet(ctx, path, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// GetSubscription retrieves a subscription object by its remote id.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var sub Subscription
	path := "/v1/subscriptions/" + url.PathEscape(subscriptionID)
	if err := c.doGet(ctx, path, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// doGet executes an authenticated GET and decodes the response into out.
func (c *Client) doGet(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, apiErr); err != nil {
			log.Printf("level=warn component=payment_client path=%s status=%d msg=\"non-2xx response (unparsable error body)\"", path, resp.StatusCode)
		}
		return apiErr
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
