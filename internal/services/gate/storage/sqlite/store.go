// Package sqlite provides a SQLite-backed gate storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/verigate/verigate/internal/platform/storage/sqlitemigrate"
	"github.com/verigate/verigate/internal/services/gate/domain"
	"github.com/verigate/verigate/internal/services/gate/storage"
	"github.com/verigate/verigate/internal/services/gate/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists gate state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite gate store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// PutOrder upserts one canonical order record.
func (s *Store) PutOrder(ctx context.Context, order domain.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return fmt.Errorf("order id is required")
	}
	if !order.Status.Valid() {
		return fmt.Errorf("order status %d is not a known status", order.Status)
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO orders (
		   id, token, tenant_id, identity, total, status,
		   cred_code, cred_expiry, cred_secret, sms_code, pin,
		   client_addr, client_descriptor, created_at, updated_at
		 )
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   tenant_id = excluded.tenant_id,
		   identity = excluded.identity,
		   total = excluded.total,
		   status = excluded.status,
		   cred_code = excluded.cred_code,
		   cred_expiry = excluded.cred_expiry,
		   cred_secret = excluded.cred_secret,
		   sms_code = excluded.sms_code,
		   pin = excluded.pin,
		   client_addr = excluded.client_addr,
		   client_descriptor = excluded.client_descriptor,
		   updated_at = excluded.updated_at`,
		orderID,
		order.Token,
		order.TenantID,
		order.Identity,
		order.Total,
		order.Status.Label(),
		order.Credential.Code,
		order.Credential.Expiry,
		order.Credential.Secret,
		order.SMSCode,
		order.PIN,
		order.ClientAddr,
		order.ClientDescriptor,
		toMillis(order.CreatedAt),
		toMillis(order.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put order: %w", err)
	}
	return nil
}

const orderColumns = `id, token, tenant_id, identity, total, status,
	cred_code, cred_expiry, cred_secret, sms_code, pin,
	client_addr, client_descriptor, created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (domain.Order, error) {
	var order domain.Order
	var statusLabel string
	var createdAt int64
	var updatedAt int64
	err := row.Scan(
		&order.ID,
		&order.Token,
		&order.TenantID,
		&order.Identity,
		&order.Total,
		&statusLabel,
		&order.Credential.Code,
		&order.Credential.Expiry,
		&order.Credential.Secret,
		&order.SMSCode,
		&order.PIN,
		&order.ClientAddr,
		&order.ClientDescriptor,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	status, err := domain.StatusFromLabel(statusLabel)
	if err != nil {
		return domain.Order{}, fmt.Errorf("parse stored status %q: %w", statusLabel, err)
	}
	order.Status = status
	order.CreatedAt = fromMillis(createdAt)
	order.UpdatedAt = fromMillis(updatedAt)
	return order, nil
}

// GetOrder returns one order by id.
func (s *Store) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Order{}, fmt.Errorf("storage is not configured")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("order id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`,
		orderID,
	)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, storage.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

// FindActiveByAddress returns the newest order from clientAddr that can
// still absorb a merge.
func (s *Store) FindActiveByAddress(ctx context.Context, clientAddr string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Order{}, fmt.Errorf("storage is not configured")
	}
	clientAddr = strings.TrimSpace(clientAddr)
	if clientAddr == "" {
		return domain.Order{}, fmt.Errorf("client address is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE client_addr = ? AND status NOT IN (?, ?, ?)
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		clientAddr,
		domain.StatusCompleted.Label(),
		domain.StatusRejected.Label(),
		domain.StatusAutoRejected.Label(),
	)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, storage.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("find active order by address: %w", err)
	}
	return order, nil
}

// ListRecentOrders returns up to limit orders, newest first.
func (s *Store) ListRecentOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT `+orderColumns+` FROM orders
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list recent orders: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list recent orders: %w", err)
	}
	return orders, nil
}

// AppendCredentialAttempt records one superseded credential triple.
func (s *Store) AppendCredentialAttempt(ctx context.Context, attempt storage.CredentialAttempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	orderID := strings.TrimSpace(attempt.OrderID)
	if orderID == "" {
		return fmt.Errorf("order id is required")
	}
	if strings.TrimSpace(attempt.Code) == "" {
		return fmt.Errorf("credential code is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO credential_attempts (order_id, code, expiry, secret, captured_at)
		 VALUES (?, ?, ?, ?, ?)`,
		orderID,
		attempt.Code,
		attempt.Expiry,
		attempt.Secret,
		toMillis(attempt.CapturedAt),
	)
	if err != nil {
		return fmt.Errorf("append credential attempt: %w", err)
	}
	return nil
}

// AppendCodeAttempt records one submitted one-time code.
func (s *Store) AppendCodeAttempt(ctx context.Context, attempt storage.CodeAttempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	orderID := strings.TrimSpace(attempt.OrderID)
	if orderID == "" {
		return fmt.Errorf("order id is required")
	}
	if strings.TrimSpace(attempt.Code) == "" {
		return fmt.Errorf("code is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO code_attempts (order_id, code, captured_at)
		 VALUES (?, ?, ?)`,
		orderID,
		attempt.Code,
		toMillis(attempt.CapturedAt),
	)
	if err != nil {
		return fmt.Errorf("append code attempt: %w", err)
	}
	return nil
}

// ListCredentialAttempts returns attempts for one order, oldest first.
func (s *Store) ListCredentialAttempts(ctx context.Context, orderID string) ([]storage.CredentialAttempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("order id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT order_id, code, expiry, secret, captured_at
		 FROM credential_attempts
		 WHERE order_id = ?
		 ORDER BY seq ASC`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("list credential attempts: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var attempts []storage.CredentialAttempt
	for rows.Next() {
		var attempt storage.CredentialAttempt
		var capturedAt int64
		if err := rows.Scan(&attempt.OrderID, &attempt.Code, &attempt.Expiry, &attempt.Secret, &capturedAt); err != nil {
			return nil, fmt.Errorf("scan credential attempt: %w", err)
		}
		attempt.CapturedAt = fromMillis(capturedAt)
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credential attempts: %w", err)
	}
	return attempts, nil
}

// ListCodeAttempts returns attempts for one order, oldest first.
func (s *Store) ListCodeAttempts(ctx context.Context, orderID string) ([]storage.CodeAttempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("order id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT order_id, code, captured_at
		 FROM code_attempts
		 WHERE order_id = ?
		 ORDER BY seq ASC`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("list code attempts: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var attempts []storage.CodeAttempt
	for rows.Next() {
		var attempt storage.CodeAttempt
		var capturedAt int64
		if err := rows.Scan(&attempt.OrderID, &attempt.Code, &capturedAt); err != nil {
			return nil, fmt.Errorf("scan code attempt: %w", err)
		}
		attempt.CapturedAt = fromMillis(capturedAt)
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list code attempts: %w", err)
	}
	return attempts, nil
}
