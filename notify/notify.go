/*
notify.go - Outbound wallet notifications

PURPOSE:
  The engine emits WalletCredited after each commission credit lands in the
  ledger. Delivery is best effort: a failed publish is logged by the caller
  and never rolls back or blocks the credit.

IMPLEMENTATIONS:
  LogNotifier    writes the event to the structured log (default)
  RedisNotifier  pushes JSON onto a Redis list for the notification service
  Nop            discards events (tests)
*/
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// WalletCredited tells the notification collaborator that a wallet received
// a commission.
type WalletCredited struct {
	OwnerID       string    `json:"owner_id"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	SourceEventID string    `json:"source_event_id"`
	Level         int       `json:"level"`
	TransactionID string    `json:"transaction_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// Notifier publishes WalletCredited events.
type Notifier interface {
	WalletCredited(ctx context.Context, ev WalletCredited) error
}

// =============================================================================
// LOG
// =============================================================================

type LogNotifier struct {
	Log logrus.FieldLogger
}

func NewLogNotifier(log logrus.FieldLogger) *LogNotifier {
	return &LogNotifier{Log: log}
}

func (n *LogNotifier) WalletCredited(_ context.Context, ev WalletCredited) error {
	n.Log.WithFields(logrus.Fields{
		"owner_id":       ev.OwnerID,
		"amount":         ev.Amount,
		"currency":       ev.Currency,
		"event_id":       ev.SourceEventID,
		"level":          ev.Level,
		"transaction_id": ev.TransactionID,
	}).Info("wallet credited")
	return nil
}

// =============================================================================
// REDIS
// =============================================================================

// DefaultQueueKey is the Redis list consumed by the notification service.
const DefaultQueueKey = "commission:wallet_credited"

type RedisNotifier struct {
	client *redis.Client
	key    string
}

// NewRedisNotifier dials addr lazily; the first publish opens the connection.
func NewRedisNotifier(addr string) *RedisNotifier {
	return NewRedisNotifierWithClient(redis.NewClient(&redis.Options{Addr: addr}), DefaultQueueKey)
}

func NewRedisNotifierWithClient(client *redis.Client, key string) *RedisNotifier {
	return &RedisNotifier{client: client, key: key}
}

func (n *RedisNotifier) WalletCredited(ctx context.Context, ev WalletCredited) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal wallet credited: %w", err)
	}
	if err := n.client.LPush(ctx, n.key, data).Err(); err != nil {
		return fmt.Errorf("push wallet credited for %s: %w", ev.OwnerID, err)
	}
	return nil
}

// Pending returns how many notifications wait in the queue.
func (n *RedisNotifier) Pending(ctx context.Context) (int64, error) {
	return n.client.LLen(ctx, n.key).Result()
}

func (n *RedisNotifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

// =============================================================================
// NOP
// =============================================================================

type Nop struct{}

func (Nop) WalletCredited(context.Context, WalletCredited) error { return nil }
