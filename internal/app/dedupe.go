/**
 * @description
 * Distributed dedupe guard for webhook delivery ids, backed by Redis. The
 * guard is a fast-path optimization on top of apply-level idempotency: a
 * missing or unreachable Redis never blocks reconciliation, it only lets a
 * duplicate delivery reach the (idempotent) apply functions.
 */
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeliveryDeduper tracks processed webhook delivery ids.
type DeliveryDeduper interface {
	AlreadyProcessed(ctx context.Context, deliveryID string) (bool, error)
	MarkProcessed(ctx context.Context, deliveryID string) error
}

// RedisDeliveryDeduper implements DeliveryDeduper on Redis with a TTL per
// delivery id. The processor only redelivers for a bounded window, so expired
// keys are harmless.
type RedisDeliveryDeduper struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisDeliveryDeduper creates a deduper with the given key prefix and
// retention window.
func NewRedisDeliveryDeduper(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisDeliveryDeduper {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "billing:webhook_delivery"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	if ttl <= 0 {
		ttl = 72 * time.Hour
	}

	return &RedisDeliveryDeduper{
		client: client,
		prefix: trimmedPrefix,
		ttl:    ttl,
	}
}

func (d *RedisDeliveryDeduper) key(deliveryID string) string {
	return fmt.Sprintf("%s:%s", d.prefix, deliveryID)
}

// AlreadyProcessed reports whether the delivery id was marked processed
// within the retention window.
func (d *RedisDeliveryDeduper) AlreadyProcessed(ctx context.Context, deliveryID string) (bool, error) {
	if d == nil || d.client == nil || deliveryID == "" {
		return false, nil
	}
	n, err := d.client.Exists(ctx, d.key(deliveryID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkProcessed records a delivery id after its event has been fully applied.
// Marking happens after the apply on purpose: a delivery that failed halfway
// must be reprocessed in full when the processor retries it.
func (d *RedisDeliveryDeduper) MarkProcessed(ctx context.Context, deliveryID string) error {
	if d == nil || d.client == nil || deliveryID == "" {
		return nil
	}
	return d.client.Set(ctx, d.key(deliveryID), 1, d.ttl).Err()
}
