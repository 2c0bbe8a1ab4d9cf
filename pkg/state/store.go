// Package state persists per-saga progress and terminal results in Redis.
// Records live under saga:<saga_id> with a bounded TTL; the terminal write
// is the point at which a saga outcome becomes visible to pollers.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nadermedhet148/sql-insight-engine/pkg/config"
	"github.com/nadermedhet148/sql-insight-engine/pkg/metrics"
	"github.com/nadermedhet148/sql-insight-engine/pkg/saga"
)

// Saga statuses as seen by pollers.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// DefaultTTL bounds the lifetime of a saga record. A saga still pending
// after the TTL expires is lost and must be treated as unknown.
const DefaultTTL = time.Hour

// Record is the JSON document stored per saga.
type Record struct {
	Result    map[string]any `json:"result"`
	Status    string         `json:"status"`
	StartedAt string         `json:"started_at,omitempty"`
	UpdatedAt string         `json:"updated_at"`
}

// Store is the saga state store. Safe for concurrent use; all access goes
// through the client's connection pool.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a Store with a pooled Redis client.
func New(cfg config.RedisConfig) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	return NewWithClient(client, DefaultTTL)
}

// NewWithClient wraps an existing Redis client (used by tests).
func NewWithClient(client *redis.Client, ttl time.Duration) *Store {
	return &Store{
		client: client,
		ttl:    ttl,
		logger: slog.Default(),
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping verifies the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func key(sagaID string) string {
	return "saga:" + sagaID
}

// MarkPending creates the saga record with status pending. Both timestamps
// are set to now; started_at is preserved by every later write so terminal
// metrics can derive the end-to-end duration.
func (s *Store) MarkPending(ctx context.Context, sagaID string, initial map[string]any) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if initial == nil {
		initial = map[string]any{}
	}
	rec := Record{
		Result:    asMap(saga.Sanitize(initial)),
		Status:    StatusPending,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := s.write(ctx, sagaID, rec); err != nil {
		return err
	}
	s.logger.Info("Marked saga as pending", "saga_id", sagaID)
	return nil
}

// UpdateResult merges patch into the stored result, refreshing updated_at
// and the TTL. A non-empty status transitions the record; a transition to a
// terminal status records completion metrics. A record already terminal is
// never moved back to pending.
func (s *Store) UpdateResult(ctx context.Context, sagaID string, patch map[string]any, status string) error {
	rec, err := s.read(ctx, sagaID)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Record expired or was never created; nothing to merge into.
			return nil
		}
		return err
	}

	if rec.Result == nil {
		rec.Result = map[string]any{}
	}
	for k, v := range asMap(saga.Sanitize(patch)) {
		rec.Result[k] = v
	}
	rec.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)

	if status != "" && !(isTerminal(rec.Status) && status == StatusPending) {
		if status != rec.Status && isTerminal(status) {
			s.recordCompletion(status, rec.StartedAt)
		}
		rec.Status = status
	}

	if err := s.write(ctx, sagaID, rec); err != nil {
		return err
	}
	s.logger.Info("Updated saga progress", "saga_id", sagaID, "status", rec.Status)
	return nil
}

// StoreResult overwrites the stored result and sets the status, preserving
// started_at from any existing record. Terminal statuses record completion
// metrics. Overwriting an already-terminal record with the same terminal
// status is idempotent from the poller's perspective.
func (s *Store) StoreResult(ctx context.Context, sagaID string, result map[string]any, status string) error {
	startedAt := ""
	prevStatus := ""
	if existing, err := s.read(ctx, sagaID); err == nil {
		startedAt = existing.StartedAt
		prevStatus = existing.Status
	} else if !errors.Is(err, redis.Nil) {
		return err
	}

	if status == "" {
		status = StatusError
		if success, _ := result["success"].(bool); success {
			status = StatusCompleted
		}
	}
	if isTerminal(prevStatus) && status == StatusPending {
		status = prevStatus
	}

	rec := Record{
		Result:    asMap(saga.Sanitize(result)),
		Status:    status,
		StartedAt: startedAt,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.write(ctx, sagaID, rec); err != nil {
		return err
	}
	s.logger.Info("Stored saga result", "saga_id", sagaID, "status", status)

	if isTerminal(status) && prevStatus != status {
		s.recordCompletion(status, startedAt)
	}
	return nil
}

// GetStatus returns the saga status, or pending when no record exists
// (unknown sagas and TTL-expired sagas are indistinguishable from pending).
func (s *Store) GetStatus(ctx context.Context, sagaID string) (string, error) {
	rec, err := s.read(ctx, sagaID)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return StatusPending, nil
		}
		return "", err
	}
	if rec.Status == "" {
		return StatusPending, nil
	}
	return rec.Status, nil
}

// GetResult returns the stored result document, or nil when absent.
func (s *Store) GetResult(ctx context.Context, sagaID string) (map[string]any, error) {
	rec, err := s.read(ctx, sagaID)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return rec.Result, nil
}

// Clear removes the saga record.
func (s *Store) Clear(ctx context.Context, sagaID string) error {
	return s.client.Del(ctx, key(sagaID)).Err()
}

func (s *Store) read(ctx context.Context, sagaID string) (Record, error) {
	data, err := s.client.Get(ctx, key(sagaID)).Result()
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return Record{}, fmt.Errorf("corrupt saga record %q: %w", sagaID, err)
	}
	return rec, nil
}

func (s *Store) write(ctx context.Context, sagaID string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling saga record %q: %w", sagaID, err)
	}
	if err := s.client.Set(ctx, key(sagaID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("writing saga record %q: %w", sagaID, err)
	}
	return nil
}

// recordCompletion emits saga completion metrics on terminal transitions.
func (s *Store) recordCompletion(status, startedAt string) {
	label := "failed"
	if status == StatusCompleted {
		label = "success"
	}
	metrics.SagaCompletionTotal.WithLabelValues(label).Inc()

	if startedAt == "" {
		return
	}
	start, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		s.logger.Warn("Failed to parse started_at for duration metric", "started_at", startedAt, "error", err)
		return
	}
	metrics.SagaDurationSeconds.WithLabelValues(label).Observe(time.Since(start).Seconds())
}

func isTerminal(status string) bool {
	return status == StatusCompleted || status == StatusError
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
