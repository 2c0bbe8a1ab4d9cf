package account

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"

	"github.com/nadermedhet148/sql-insight-engine/pkg/saga"
)

// Store errors surfaced to the API layer.
var (
	ErrUserNotFound  = errors.New("user not found")
	ErrNoDBConfig    = errors.New("database not configured for this user")
	ErrQuotaExceeded = errors.New("query quota exceeded")
)

// User is one account user with a query quota.
type User struct {
	ID        int64
	AccountID string
	Quota     int
}

// Store reads and writes account metadata.
type Store struct {
	client *Client
}

// NewStore creates a Store over the accounts database.
func NewStore(client *Client) *Store {
	return &Store{client: client}
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, userID int64) (*User, error) {
	var u User
	err := s.client.db.QueryRowContext(ctx,
		`SELECT id, account_id, quota FROM users WHERE id = $1`, userID).
		Scan(&u.ID, &u.AccountID, &u.Quota)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user %d: %w", userID, err)
	}
	return &u, nil
}

// GetDBConfig fetches the user's target database configuration.
func (s *Store) GetDBConfig(ctx context.Context, userID int64) (saga.DBConfig, error) {
	var cfg saga.DBConfig
	err := s.client.db.QueryRowContext(ctx,
		`SELECT host, port, db_name, username, password, db_type
		 FROM db_configs WHERE user_id = $1`, userID).
		Scan(&cfg.Host, &cfg.Port, &cfg.DBName, &cfg.Username, &cfg.Password, &cfg.DBType)
	if errors.Is(err, stdsql.ErrNoRows) {
		return saga.DBConfig{}, ErrNoDBConfig
	}
	if err != nil {
		return saga.DBConfig{}, fmt.Errorf("querying db config for user %d: %w", userID, err)
	}
	return cfg, nil
}

// DecrementQuota atomically consumes one quota unit. Returns
// ErrQuotaExceeded when none remain.
func (s *Store) DecrementQuota(ctx context.Context, userID int64) error {
	res, err := s.client.db.ExecContext(ctx,
		`UPDATE users SET quota = quota - 1 WHERE id = $1 AND quota > 0`, userID)
	if err != nil {
		return fmt.Errorf("decrementing quota for user %d: %w", userID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking quota update for user %d: %w", userID, err)
	}
	if affected == 0 {
		return ErrQuotaExceeded
	}
	return nil
}

// RefundQuota returns one quota unit (after a failed publish).
func (s *Store) RefundQuota(ctx context.Context, userID int64) error {
	_, err := s.client.db.ExecContext(ctx,
		`UPDATE users SET quota = quota + 1 WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("refunding quota for user %d: %w", userID, err)
	}
	return nil
}

// LogUsage writes an audit row for a submitted question.
func (s *Store) LogUsage(ctx context.Context, userID int64, queryText string) error {
	_, err := s.client.db.ExecContext(ctx,
		`INSERT INTO usage_logs (user_id, query_text) VALUES ($1, $2)`, userID, queryText)
	if err != nil {
		return fmt.Errorf("logging usage for user %d: %w", userID, err)
	}
	return nil
}
