package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mariomuja/interface-configurator-sub002/internal/log"

	_ "github.com/lib/pq"
)

// SubscriptionStore is the per-subscriber completion ledger of the
// fan-out. A subscription row is only ever mutated by the consumer owning
// that subscriber identity and never deleted on its own; cleanup happens
// by cascade when the parent message is removed.
type SubscriptionStore struct {
	db     *sql.DB
	logger *log.Logger
}

func NewSubscriptionStore(db *sql.DB, logger *log.Logger) *SubscriptionStore {
	return &SubscriptionStore{db: db, logger: logger}
}

// Create inserts the (message, subscriber) pair in Pending state.
// Inserting twice for the same pair is a no-op.
func (s *SubscriptionStore) Create(ctx context.Context, msgID int64, interfaceName, subscriberName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (message_id, interface_name, subscriber_name, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (message_id, subscriber_name) DO NOTHING
	`, msgID, interfaceName, subscriberName, SubStatusPending, time.Now())
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

// MarkProcessed records that one subscriber consumed the message. Other
// subscribers' rows are untouched.
func (s *SubscriptionStore) MarkProcessed(ctx context.Context, msgID int64, subscriberName, details string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET status = $1, processing_details = $2, processed_at = $3, error_message = NULL
		WHERE message_id = $4 AND subscriber_name = $5
	`, SubStatusProcessed, nullable(details), time.Now(), msgID, subscriberName)
	if err != nil {
		return fmt.Errorf("mark subscription processed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark subscription processed rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SubscriptionStore) MarkError(ctx context.Context, msgID int64, subscriberName, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET status = $1, error_message = $2
		WHERE message_id = $3 AND subscriber_name = $4
	`, SubStatusError, nullable(errMsg), msgID, subscriberName)
	if err != nil {
		return fmt.Errorf("mark subscription error: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark subscription error rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// AllProcessed reports whether the message's consumer set has drained:
// true with zero subscriptions (no one needed it) or when every
// subscription reached Processed.
func (s *SubscriptionStore) AllProcessed(ctx context.Context, msgID int64) (bool, error) {
	var remaining int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM subscriptions WHERE message_id = $1 AND status <> $2
	`, msgID, SubStatusProcessed).Scan(&remaining)
	if err != nil {
		return false, fmt.Errorf("drain check: %w", err)
	}
	return remaining == 0, nil
}

// PendingSubscribers lists subscriber identities that still have to
// consume the message.
func (s *SubscriptionStore) PendingSubscribers(ctx context.Context, msgID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subscriber_name FROM subscriptions
		WHERE message_id = $1 AND status <> $2
		ORDER BY subscriber_name
	`, msgID, SubStatusProcessed)
	if err != nil {
		return nil, fmt.Errorf("pending subscribers: %w", err)
	}
	defer rows.Close()

	var subscribers []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		subscribers = append(subscribers, name)
	}
	return subscribers, rows.Err()
}

func (s *SubscriptionStore) ListForMessage(ctx context.Context, msgID int64) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, interface_name, subscriber_name, status, processing_details,
			error_message, created_at, processed_at
		FROM subscriptions WHERE message_id = $1
		ORDER BY subscriber_name
	`, msgID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.MessageID, &sub.InterfaceName, &sub.SubscriberName, &sub.Status,
			&sub.ProcessingDetails, &sub.ErrorMessage, &sub.CreatedAt, &sub.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
