package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mrmushfiq/api-gateway/internal/shared/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an insert violates a unique constraint
	ErrConflict = errors.New("record already exists")
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation
const uniqueViolation = "23505"

// maxLogRowsPerInsert keeps a single INSERT under PostgreSQL's 65535 bind parameter cap
const maxLogRowsPerInsert = 1000

type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Wrap adapts an already opened connection pool
func Wrap(conn *sql.DB) *DB {
	return &DB{conn: conn}
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Migrate creates the gateway tables if they do not exist yet
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

// CreateCredential inserts a newly issued credential
func (db *DB) CreateCredential(ctx context.Context, cred *models.Credential) error {
	query := `
		INSERT INTO api_keys (
			id, user_id, public_id, hashed_secret, is_active, created_at,
			expires_at, requests_per_minute_limit
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := db.conn.ExecContext(ctx,
		query,
		cred.ID,
		cred.UserID,
		cred.PublicID,
		cred.HashedSecret,
		cred.IsActive,
		cred.CreatedAt,
		cred.ExpiresAt,
		cred.RequestsPerMinute,
	)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
	}
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	return nil
}

// GetCredentialByPublicID retrieves a credential by its public identifier
func (db *DB) GetCredentialByPublicID(ctx context.Context, publicID string) (*models.Credential, error) {
	query := `
		SELECT id, user_id, public_id, hashed_secret, is_active, created_at,
		       expires_at, requests_per_minute_limit
		FROM api_keys
		WHERE public_id = $1
	`

	var cred models.Credential
	var expiresAt sql.NullTime
	err := db.conn.QueryRowContext(ctx, query, publicID).Scan(
		&cred.ID,
		&cred.UserID,
		&cred.PublicID,
		&cred.HashedSecret,
		&cred.IsActive,
		&cred.CreatedAt,
		&expiresAt,
		&cred.RequestsPerMinute,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	if expiresAt.Valid {
		t := expiresAt.Time
		cred.ExpiresAt = &t
	}

	return &cred, nil
}

// InsertLogs persists a batch of log events in one transaction
func (db *DB) InsertLogs(ctx context.Context, events []models.LogEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin log batch: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(events); start += maxLogRowsPerInsert {
		end := start + maxLogRowsPerInsert
		if end > len(events) {
			end = len(events)
		}
		query, args := buildLogInsert(events[start:end])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert log batch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit log batch: %w", err)
	}
	return nil
}

func buildLogInsert(events []models.LogEvent) (string, []interface{}) {
	const cols = 6
	var sb strings.Builder
	sb.WriteString("INSERT INTO gateway_logs (id, timestamp_utc, user_id, method, request_path, status_code) VALUES ")

	args := make([]interface{}, 0, len(events)*cols)
	for i, ev := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * cols
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5, base+6)
		args = append(args, ev.ID, ev.TimestampUTC.UTC(), ev.UserID, ev.Method, ev.RequestPath, ev.StatusCode)
	}
	return sb.String(), args
}
