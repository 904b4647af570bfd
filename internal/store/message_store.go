package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mariomuja/interface-configurator-sub002/internal/config"
	"github.com/mariomuja/interface-configurator-sub002/internal/id"
	"github.com/mariomuja/interface-configurator-sub002/internal/log"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const messageColumns = `id, interface_name, producer_adapter_name, producer_adapter_type,
	producer_adapter_instance_id, payload, content_hash, status, retry_count, max_retries,
	lease_expires_at, last_retry_at, error_message, is_dead_letter, created_at, processed_at`

// MessageStore owns the message lifecycle: idempotent debatched writes,
// consumer reads, status transitions and lease primitives. Every mutation
// is a single conditional UPDATE scoped to the row's primary key, so
// competing workers coordinate purely through affected-row counts.
type MessageStore struct {
	db     *sql.DB
	redis  *redis.Client
	ids    *id.Node
	cfg    *config.Config
	logger *log.Logger
}

func NewMessageStore(dbURL string, redisClient *redis.Client, cfg *config.Config, logger *log.Logger) (*MessageStore, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)

	node, err := id.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("init id generator: %w", err)
	}
	return &MessageStore{
		db:     db,
		redis:  redisClient,
		ids:    node,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// NewMessageStoreWithDB wraps an existing connection. Used by tests and by
// callers that share one pool between the message and subscription stores.
func NewMessageStoreWithDB(db *sql.DB, redisClient *redis.Client, cfg *config.Config, logger *log.Logger) (*MessageStore, error) {
	node, err := id.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("init id generator: %w", err)
	}
	return &MessageStore{db: db, redis: redisClient, ids: node, cfg: cfg, logger: logger}, nil
}

func (s *MessageStore) DB() *sql.DB {
	return s.db
}

func (s *MessageStore) Redis() *redis.Client {
	return s.redis
}

// Write debatches one producer batch into individual messages. Each record
// is serialized deterministically, hashed, and deduplicated against the
// rolling window before insert. A serialization failure is isolated to its
// record; only store-level I/O failures abort the batch.
func (s *MessageStore) Write(ctx context.Context, req WriteRequest) ([]WriteResult, error) {
	results := make([]WriteResult, 0, len(req.Records))
	for _, record := range req.Records {
		payload, err := serializeRecord(req.Headers, record)
		if err != nil {
			s.logger.Error("Failed to serialize record", zap.String("interface", req.InterfaceName), zap.Error(err))
			results = append(results, WriteResult{Err: err})
			continue
		}
		hash := contentHash(payload)

		if existing, ok, err := s.dedupLookup(ctx, req, hash); err != nil {
			return results, err
		} else if ok {
			s.logger.Info("Deduplicated message write",
				zap.String("interface", req.InterfaceName), zap.Int64("message_id", existing))
			results = append(results, WriteResult{MessageID: existing, Dedup: true})
			continue
		}

		msgID := s.ids.Generate()
		now := time.Now()
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO messages (id, interface_name, producer_adapter_name, producer_adapter_type,
				producer_adapter_instance_id, payload, content_hash, status, retry_count, max_retries,
				is_dead_letter, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, FALSE, $10)
		`, msgID, req.InterfaceName, req.ProducerAdapterName, req.ProducerAdapterType,
			req.ProducerAdapterInstanceID, payload, hash, StatusPending, s.cfg.MaxRetries, now)
		if err != nil {
			return results, fmt.Errorf("insert message: %w", err)
		}
		s.cacheDedup(ctx, req, hash, msgID)
		results = append(results, WriteResult{MessageID: msgID})
	}
	return results, nil
}

func (s *MessageStore) dedupKey(req WriteRequest, hash string) string {
	return fmt.Sprintf("msgbox:dedup:%s:%s:%s:%s",
		req.InterfaceName, req.ProducerAdapterName, req.ProducerAdapterInstanceID, hash)
}

// dedupLookup consults the redis fast path first, then the authoritative
// SQL window query. Redis failures degrade to SQL, never to an error.
func (s *MessageStore) dedupLookup(ctx context.Context, req WriteRequest, hash string) (int64, bool, error) {
	if s.redis != nil {
		val, err := s.redis.Get(ctx, s.dedupKey(req, hash)).Result()
		if err == nil {
			if msgID, perr := strconv.ParseInt(val, 10, 64); perr == nil {
				return msgID, true, nil
			}
		} else if err != redis.Nil {
			s.logger.Warn("Dedup cache lookup failed", zap.Error(err))
		}
	}

	var msgID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM messages
		WHERE content_hash = $1 AND interface_name = $2
		AND producer_adapter_name = $3 AND producer_adapter_instance_id = $4
		AND created_at >= $5
		ORDER BY created_at DESC
		LIMIT 1
	`, hash, req.InterfaceName, req.ProducerAdapterName, req.ProducerAdapterInstanceID,
		time.Now().Add(-s.cfg.DedupWindow)).Scan(&msgID)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("dedup lookup: %w", err)
	}
	return msgID, true, nil
}

func (s *MessageStore) cacheDedup(ctx context.Context, req WriteRequest, hash string, msgID int64) {
	if s.redis == nil {
		return
	}
	key := s.dedupKey(req, hash)
	if err := s.redis.Set(ctx, key, strconv.FormatInt(msgID, 10), s.cfg.DedupWindow).Err(); err != nil {
		s.logger.Warn("Failed to cache dedup key", zap.String("key", key), zap.Error(err))
	}
}

// ReadPending returns messages a consumer may work on: Pending rows plus
// Error rows whose backoff has elapsed and retry budget remains. Without a
// status filter, rows under an unexpired lease are excluded. Ordering gives
// never-failed messages priority, oldest first within equal retry counts.
func (s *MessageStore) ReadPending(ctx context.Context, interfaceName, statusFilter string, limit int) ([]Message, error) {
	now := time.Now()
	var rows *sql.Rows
	var err error
	if statusFilter != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE interface_name = $1 AND status = $2 AND NOT is_dead_letter
			ORDER BY retry_count ASC, created_at ASC
			LIMIT $3
		`, interfaceName, statusFilter, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE interface_name = $1 AND NOT is_dead_letter
			AND (lease_expires_at IS NULL OR lease_expires_at <= $2)
			AND (
				status = 'Pending'
				OR (
					status = 'Error' AND retry_count < max_retries
					AND (last_retry_at IS NULL OR last_retry_at + power(2, retry_count) * interval '1 minute' <= $2)
				)
			)
			ORDER BY retry_count ASC, created_at ASC
			LIMIT $3
		`, interfaceName, now, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("read pending: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ReadRetryable returns Error messages whose exponential backoff and the
// caller's minimum-delay floor have both elapsed.
func (s *MessageStore) ReadRetryable(ctx context.Context, interfaceName string, minDelay time.Duration, limit int) ([]Message, error) {
	now := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE interface_name = $1 AND status = 'Error' AND NOT is_dead_letter
		AND retry_count < max_retries
		AND (lease_expires_at IS NULL OR lease_expires_at <= $2)
		AND last_retry_at IS NOT NULL
		AND last_retry_at + power(2, retry_count) * interval '1 minute' <= $2
		AND last_retry_at <= $3
		ORDER BY retry_count ASC, created_at ASC
		LIMIT $4
	`, interfaceName, now, now.Add(-minDelay), limit)
	if err != nil {
		return nil, fmt.Errorf("read retryable: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ReadDeadLetters lists terminal failures. Dead letters stay queryable
// indefinitely with their failure reason attached. Empty interfaceName
// returns dead letters across all interfaces.
func (s *MessageStore) ReadDeadLetters(ctx context.Context, interfaceName string, limit int) ([]Message, error) {
	var rows *sql.Rows
	var err error
	if interfaceName == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE is_dead_letter
			ORDER BY created_at ASC
			LIMIT $1
		`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE interface_name = $1 AND is_dead_letter
			ORDER BY created_at ASC
			LIMIT $2
		`, interfaceName, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *MessageStore) Get(ctx context.Context, msgID int64) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE id = $1
	`, msgID)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// AcquireLease grants a time-boxed exclusive claim via one conditional
// update: only non-terminal rows that are not currently held (or whose
// lease has expired) transition to InProgress. A false return means
// another worker won the race or the row reached a terminal state.
func (s *MessageStore) AcquireLease(ctx context.Context, msgID int64, duration time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status = 'InProgress', lease_expires_at = $1
		WHERE id = $2 AND NOT is_dead_letter
		AND status NOT IN ('Processed', 'DeadLetter')
		AND (status <> 'InProgress' OR lease_expires_at IS NULL OR lease_expires_at <= $3)
	`, now.Add(duration), msgID, now)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease rows: %w", err)
	}
	if affected == 0 {
		if _, err := s.Get(ctx, msgID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ReleaseLease voluntarily abandons work without recording an outcome,
// reverting the message to revertStatus (Pending when empty). Only an
// InProgress row is touched; anything else is a benign race.
func (s *MessageStore) ReleaseLease(ctx context.Context, msgID int64, revertStatus string) error {
	if revertStatus == "" {
		revertStatus = StatusPending
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = $1, lease_expires_at = NULL
		WHERE id = $2 AND status = 'InProgress'
	`, revertStatus, msgID)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release lease rows: %w", err)
	}
	if affected == 0 {
		if _, err := s.Get(ctx, msgID); err != nil {
			return err
		}
	}
	return nil
}

// MarkProcessed transitions the message to Processed, then deletes it when
// every subscriber has drained. Repeated calls are no-ops; a dead-lettered
// message refuses the transition.
func (s *MessageStore) MarkProcessed(ctx context.Context, msgID int64, details string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = 'Processed', processed_at = $1, lease_expires_at = NULL
		WHERE id = $2 AND NOT is_dead_letter AND status IN ('Pending', 'InProgress', 'Error')
	`, time.Now(), msgID)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark processed rows: %w", err)
	}
	if affected == 0 {
		msg, err := s.Get(ctx, msgID)
		if err != nil {
			return err
		}
		if msg.IsDeadLetter {
			return fmt.Errorf("mark processed message %d: %w", msgID, ErrTerminal)
		}
		// Already Processed: idempotent, fall through to the drain check.
	}
	if details != "" {
		s.logger.Info("Message processed", zap.Int64("message_id", msgID), zap.String("details", details))
	}
	if _, err := s.DeleteIfDrained(ctx, msgID); err != nil {
		return err
	}
	return nil
}

// MarkError records a failed processing attempt: the retry count is
// incremented, the lease cleared, and the message either re-enters the
// retry pool or, once the budget is exhausted, dead-letters. The whole
// decision is one UPDATE so concurrent reporters cannot double-count.
// Returns the resulting status.
func (s *MessageStore) MarkError(ctx context.Context, msgID int64, errMsg string) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		UPDATE messages SET
			retry_count = retry_count + 1,
			last_retry_at = $1,
			lease_expires_at = NULL,
			status = CASE WHEN retry_count + 1 >= max_retries THEN 'DeadLetter' ELSE 'Error' END,
			is_dead_letter = (retry_count + 1 >= max_retries),
			error_message = CASE WHEN retry_count + 1 >= max_retries THEN 'Dead Letter: ' || $2 ELSE $2 END
		WHERE id = $3 AND status NOT IN ('Processed', 'DeadLetter')
		RETURNING status
	`, time.Now(), errMsg, msgID).Scan(&status)
	if err == sql.ErrNoRows {
		msg, gerr := s.Get(ctx, msgID)
		if gerr != nil {
			return "", gerr
		}
		// Terminal already; whoever got there first wins.
		return msg.Status, nil
	}
	if err != nil {
		return "", fmt.Errorf("mark error: %w", err)
	}
	return status, nil
}

// MoveToDeadLetter is the unconditional terminal transition, used by the
// administrative path. The retry machinery goes through MarkError instead.
func (s *MessageStore) MoveToDeadLetter(ctx context.Context, msgID int64, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = 'DeadLetter', is_dead_letter = TRUE,
			lease_expires_at = NULL, error_message = 'Dead Letter: ' || $1
		WHERE id = $2
	`, reason, msgID)
	if err != nil {
		return fmt.Errorf("move to dead letter: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("move to dead letter rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	s.logger.Info("Moved message to dead letter", zap.Int64("message_id", msgID), zap.String("reason", reason))
	return nil
}

// ReclaimStaleLeases reverts InProgress rows whose lease expired more than
// timeout ago back to Pending. This is the safety net for workers that
// crashed mid-processing; a reclaim is expected self-healing, so it logs a
// warning rather than an error, and the retry count is untouched.
func (s *MessageStore) ReclaimStaleLeases(ctx context.Context, timeout time.Duration) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE messages SET status = 'Pending', lease_expires_at = NULL
		WHERE status = 'InProgress' AND lease_expires_at IS NOT NULL AND lease_expires_at < $1
		RETURNING id
	`, time.Now().Add(-timeout))
	if err != nil {
		return 0, fmt.Errorf("reclaim stale leases: %w", err)
	}
	defer rows.Close()

	var count int64
	for rows.Next() {
		var msgID int64
		if err := rows.Scan(&msgID); err != nil {
			return count, fmt.Errorf("scan reclaimed id: %w", err)
		}
		s.logger.Warn("Reclaimed stale lease", zap.Int64("message_id", msgID))
		count++
	}
	return count, rows.Err()
}

// DeleteIfDrained removes a Processed message once no subscription remains
// unprocessed. Subscriptions are removed by cascade; zero subscriptions
// means no one needed the message and it goes immediately.
func (s *MessageStore) DeleteIfDrained(ctx context.Context, msgID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE id = $1 AND status = 'Processed'
		AND NOT EXISTS (
			SELECT 1 FROM subscriptions WHERE message_id = $1 AND status <> 'Processed'
		)
	`, msgID)
	if err != nil {
		return false, fmt.Errorf("delete drained message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete drained rows: %w", err)
	}
	if affected > 0 {
		s.logger.Info("Deleted drained message", zap.Int64("message_id", msgID))
		return true, nil
	}
	return false, nil
}

// StatusCount is one (interface, status) depth sample for metrics.
type StatusCount struct {
	InterfaceName string
	Status        string
	Count         int64
}

func (s *MessageStore) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT interface_name, status, COUNT(*) FROM messages GROUP BY interface_name, status
	`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	var counts []StatusCount
	for rows.Next() {
		var c StatusCount
		if err := rows.Scan(&c.InterfaceName, &c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// RegisterAdapter upserts adapter metadata. Best-effort sink for the
// notifier; failures here never touch the write path.
func (s *MessageStore) RegisterAdapter(ctx context.Context, info AdapterInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO adapters (name, instance_id, adapter_type, direction, last_seen)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name, instance_id) DO UPDATE
		SET adapter_type = EXCLUDED.adapter_type,
			direction = EXCLUDED.direction,
			last_seen = EXCLUDED.last_seen
	`, info.Name, info.InstanceID, info.Type, info.Direction, info.LastSeen)
	if err != nil {
		return fmt.Errorf("register adapter: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.InterfaceName, &m.ProducerAdapterName, &m.ProducerAdapterType,
		&m.ProducerAdapterInstanceID, &m.Payload, &m.ContentHash, &m.Status, &m.RetryCount,
		&m.MaxRetries, &m.LeaseExpiresAt, &m.LastRetryAt, &m.ErrorMessage, &m.IsDeadLetter,
		&m.CreatedAt, &m.ProcessedAt)
	return m, err
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return messages, nil
}
