package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Audit actions written by the auth core.
const (
	AuditRoleAssigned       = "ROLE_ASSIGNED"
	AuditRoleRemoved        = "ROLE_REMOVED"
	AuditCustomRoleCreated  = "CUSTOM_ROLE_CREATED"
	AuditRolePermsUpdated   = "ROLE_PERMISSIONS_UPDATED"
	AuditSessionsRevokedAll = "SESSIONS_REVOKED_ALL"
)

// AuditLog represents an append-only record stored in audit_logs.
type AuditLog struct {
	ID      string
	UserID  int64
	Action  string
	Details map[string]any
	At      time.Time
}

// Execer is satisfied by pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.pool == nil {
		return errors.New("audit logger not initialised")
	}
	return InsertAuditLog(ctx, l.pool, log)
}

// InsertAuditLog appends the entry using exec, which may be a transaction.
func InsertAuditLog(ctx context.Context, exec Execer, log AuditLog) error {
	if log.Action == "" {
		return errors.New("audit log requires action")
	}
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.At.IsZero() {
		log.At = time.Now().UTC()
	}
	details, err := json.Marshal(log.Details)
	if err != nil {
		return err
	}
	_, err = exec.Exec(ctx, `INSERT INTO audit_logs (id, user_id, action, details, occurred_at) VALUES ($1, $2, $3, $4, $5)`,
		log.ID, log.UserID, log.Action, details, log.At)
	return err
}
