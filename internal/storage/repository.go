// Package storage implements the AccountRepository contract (spec §4.1) on
// top of an embedded, pure-Go modernc.org/sqlite database. It is the
// durable counterpart to the in-memory account state the scheduler mutates
// on the hot path: account identity, token credentials, quota snapshots,
// disable flags, protected-model sets, and an append-only event log.
//
// Every mutation here runs inside a single transaction that touches only
// the columns it needs to change, plus one insert into account_events —
// never a full-row read, mutate, and write-back of the accounts row.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // driver registered under "sqlite"

	"github.com/poemonsense/antigravity-proxy-go/internal/errors"
)

// EventType identifies what kind of account_events row was written.
type EventType string

const (
	EventTokenRefreshed   EventType = "token_refreshed"
	EventQuotaUpdated     EventType = "quota_updated"
	EventDisabled         EventType = "disabled"
	EventEnabled          EventType = "enabled"
	EventModelProtected   EventType = "model_protected"
	EventModelUnprotected EventType = "model_unprotected"
)

// Account is the durable projection of spec §3's Account entity.
type Account struct {
	ID                 string
	Email              string
	Source             string
	Enabled            bool
	ProxyDisabled      bool
	ProxyDisabledReason string
	ProxyDisabledAt    int64
	ProtectedModels    []string
	ProxyURL           string
	ProjectID          string
	Quota              QuotaData
	CreatedAt          int64
	LastUsed           int64
	Token              Token
}

// Token is the durable projection of spec §3's Token entity.
type Token struct {
	AccessToken     string
	RefreshToken    string
	ExpiryTimestamp int64
	SessionID       string
}

// QuotaData is a free-form last-known per-model quota snapshot, persisted
// as JSON since its shape varies by upstream provider.
type QuotaData map[string]interface{}

// Repository implements spec §4.1's AccountRepository against SQLite.
type Repository struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite file at dbPath and applies
// pending migrations.
func Open(dbPath string) (*Repository, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer connection avoids SQLITE_BUSY under WAL

	if err := runMigrations(db, dbPath); err != nil {
		db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close releases the underlying database handle.
func (r *Repository) Close() error {
	return r.db.Close()
}

// ListAccounts returns every persisted account.
func (r *Repository) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.id, a.email, a.source, a.enabled, a.proxy_disabled, a.proxy_disabled_reason,
		       a.proxy_disabled_at, a.protected_models, a.proxy_url, a.project_id, a.quota,
		       a.created_at, a.last_used,
		       COALESCE(t.access_token, ''), COALESCE(t.refresh_token, ''),
		       COALESCE(t.expiry_timestamp, 0), COALESCE(t.session_id, '')
		FROM accounts a
		LEFT JOIN tokens t ON t.account_id = a.id
		ORDER BY a.created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("storage: list accounts: %w", err)
	}
	defer rows.Close()

	var result []*Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, acc)
	}
	return result, rows.Err()
}

// GetAccount looks up a single account by ID, returning a NotFoundError
// (via errors.NewNoAccountsError-style typed error) when absent.
func (r *Repository) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT a.id, a.email, a.source, a.enabled, a.proxy_disabled, a.proxy_disabled_reason,
		       a.proxy_disabled_at, a.protected_models, a.proxy_url, a.project_id, a.quota,
		       a.created_at, a.last_used,
		       COALESCE(t.access_token, ''), COALESCE(t.refresh_token, ''),
		       COALESCE(t.expiry_timestamp, 0), COALESCE(t.session_id, '')
		FROM accounts a
		LEFT JOIN tokens t ON t.account_id = a.id
		WHERE a.id = ?
	`, id)

	acc, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("storage: account %s: %w", id, errors.ErrAccountNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get account %s: %w", id, err)
	}
	return acc, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(s rowScanner) (*Account, error) {
	var (
		acc             Account
		protectedJSON   string
		quotaJSON       string
		enabledInt      int
		proxyDisabledInt int
	)
	if err := s.Scan(
		&acc.ID, &acc.Email, &acc.Source, &enabledInt, &proxyDisabledInt, &acc.ProxyDisabledReason,
		&acc.ProxyDisabledAt, &protectedJSON, &acc.ProxyURL, &acc.ProjectID, &quotaJSON,
		&acc.CreatedAt, &acc.LastUsed,
		&acc.Token.AccessToken, &acc.Token.RefreshToken, &acc.Token.ExpiryTimestamp, &acc.Token.SessionID,
	); err != nil {
		return nil, err
	}
	acc.Enabled = enabledInt != 0
	acc.ProxyDisabled = proxyDisabledInt != 0

	if protectedJSON != "" {
		_ = json.Unmarshal([]byte(protectedJSON), &acc.ProtectedModels)
	}
	if quotaJSON != "" {
		_ = json.Unmarshal([]byte(quotaJSON), &acc.Quota)
	}
	return &acc, nil
}

// CreateAccount inserts a brand-new account row plus its token row, both
// inside one transaction.
func (r *Repository) CreateAccount(ctx context.Context, acc *Account) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		protectedJSON, _ := json.Marshal(acc.ProtectedModels)
		quotaJSON, _ := json.Marshal(acc.Quota)
		now := acc.CreatedAt
		if now == 0 {
			now = time.Now().UnixMilli()
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (id, email, source, enabled, protected_models, proxy_url, project_id, quota, created_at, last_used)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, acc.ID, acc.Email, acc.Source, boolToInt(acc.Enabled), string(protectedJSON), acc.ProxyURL, acc.ProjectID, string(quotaJSON), now, now); err != nil {
			return fmt.Errorf("insert account: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tokens (account_id, access_token, refresh_token, expiry_timestamp, session_id)
			VALUES (?, ?, ?, ?, ?)
		`, acc.ID, acc.Token.AccessToken, acc.Token.RefreshToken, acc.Token.ExpiryTimestamp, acc.Token.SessionID); err != nil {
			return fmt.Errorf("insert token: %w", err)
		}

		return writeEvent(ctx, tx, acc.ID, EventEnabled, nil)
	})
}

// UpdateTokenCredentials field-scopes its write to the tokens row only.
func (r *Repository) UpdateTokenCredentials(ctx context.Context, id, accessToken, refreshToken string, expiry int64) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tokens SET access_token = ?, refresh_token = COALESCE(NULLIF(?, ''), refresh_token), expiry_timestamp = ?
			WHERE account_id = ?
		`, accessToken, refreshToken, expiry, id)
		if err != nil {
			return fmt.Errorf("update token: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("storage: account %s: %w", id, errors.ErrAccountNotFound)
		}
		return writeEvent(ctx, tx, id, EventTokenRefreshed, map[string]interface{}{"expiry": expiry})
	})
}

// UpdateQuota field-scopes its write to the accounts.quota column only.
func (r *Repository) UpdateQuota(ctx context.Context, id string, quota QuotaData) error {
	quotaJSON, err := json.Marshal(quota)
	if err != nil {
		return fmt.Errorf("storage: marshal quota: %w", err)
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE accounts SET quota = ? WHERE id = ?`, string(quotaJSON), id); err != nil {
			return fmt.Errorf("update quota: %w", err)
		}
		return writeEvent(ctx, tx, id, EventQuotaUpdated, nil)
	})
}

// SetDisabled field-scopes its write to the three proxy_disabled* columns.
func (r *Repository) SetDisabled(ctx context.Context, id, reason string, when time.Time) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE accounts SET proxy_disabled = 1, proxy_disabled_reason = ?, proxy_disabled_at = ? WHERE id = ?
		`, reason, when.UnixMilli(), id); err != nil {
			return fmt.Errorf("set disabled: %w", err)
		}
		return writeEvent(ctx, tx, id, EventDisabled, map[string]interface{}{"reason": reason})
	})
}

// ClearDisabled resets the proxy_disabled flag.
func (r *Repository) ClearDisabled(ctx context.Context, id string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE accounts SET proxy_disabled = 0, proxy_disabled_reason = '', proxy_disabled_at = 0 WHERE id = ?
		`, id); err != nil {
			return fmt.Errorf("clear disabled: %w", err)
		}
		return writeEvent(ctx, tx, id, EventEnabled, nil)
	})
}

// ProtectModel adds model to the account's protected set. The current set
// is read only within this transaction (never the whole account row) and
// written back atomically with the event insert.
func (r *Repository) ProtectModel(ctx context.Context, id, model string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		models, err := readProtectedModels(ctx, tx, id)
		if err != nil {
			return err
		}
		for _, m := range models {
			if m == model {
				return nil // already protected
			}
		}
		models = append(models, model)
		return writeProtectedModels(ctx, tx, id, models, EventModelProtected)
	})
}

// UnprotectModel removes model from the account's protected set.
func (r *Repository) UnprotectModel(ctx context.Context, id, model string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		models, err := readProtectedModels(ctx, tx, id)
		if err != nil {
			return err
		}
		out := models[:0]
		for _, m := range models {
			if m != model {
				out = append(out, m)
			}
		}
		return writeProtectedModels(ctx, tx, id, out, EventModelUnprotected)
	})
}

func readProtectedModels(ctx context.Context, tx *sql.Tx, id string) ([]string, error) {
	var protectedJSON string
	err := tx.QueryRowContext(ctx, `SELECT protected_models FROM accounts WHERE id = ?`, id).Scan(&protectedJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("storage: account %s: %w", id, errors.ErrAccountNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read protected_models: %w", err)
	}
	var models []string
	if protectedJSON != "" {
		_ = json.Unmarshal([]byte(protectedJSON), &models)
	}
	return models, nil
}

func writeProtectedModels(ctx context.Context, tx *sql.Tx, id string, models []string, evt EventType) error {
	data, err := json.Marshal(models)
	if err != nil {
		return fmt.Errorf("marshal protected_models: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET protected_models = ? WHERE id = ?`, string(data), id); err != nil {
		return fmt.Errorf("write protected_models: %w", err)
	}
	return writeEvent(ctx, tx, id, evt, nil)
}

// LogEvent appends a standalone event row, for callers outside this
// package that still want the mutation-plus-event-log guarantee (e.g. the
// scheduler recording a rotation decision).
func (r *Repository) LogEvent(ctx context.Context, id string, eventType EventType, metadata map[string]interface{}) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return writeEvent(ctx, tx, id, eventType, metadata)
	})
}

func writeEvent(ctx context.Context, tx *sql.Tx, accountID string, eventType EventType, metadata map[string]interface{}) error {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO account_events (account_id, event_type, metadata, created_at) VALUES (?, ?, ?, ?)
	`, accountID, string(eventType), string(metaJSON), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (r *Repository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
