package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

const (
	stockLineColumns   = `variant_id, total_quantity, reserved_quantity, sold_quantity, serialized, version, created_at, updated_at`
	reservationColumns = `id, variant_id, cart_session_id, quantity, serial_numbers, status, created_at, expires_at, updated_at`
)

// SQLStore persists stock lines, units and reservations in MySQL, PostgreSQL
// or SQLite. Timestamps are stored as Unix nanoseconds.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// OpenSQLStore connects to the database, checks it is reachable and applies
// the schema.
func OpenSQLStore(ctx context.Context, dialectName, dsn string) (*SQLStore, error) {
	dialect, err := DialectFor(dialectName)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.Name, err)
	}
	if dialect.Name == SQLite.Name {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect.Name, err)
	}

	store := NewSQLStore(db, dialect)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx port.StockTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &sqlTx{tx: tx, dialect: s.dialect}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit aborted: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLStore) GetStockLine(ctx context.Context, variantID string) (*domain.StockLine, error) {
	return getStockLine(ctx, s.db, s.dialect, variantID, "")
}

func (s *SQLStore) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	return getReservation(ctx, s.db, s.dialect, id, "")
}

func (s *SQLStore) ListSessionReservations(ctx context.Context, cartSessionID string) ([]domain.Reservation, error) {
	return s.queryReservations(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE cart_session_id = ? AND status = ?
		ORDER BY created_at`,
		cartSessionID, string(domain.ReservationStatusActive),
	)
}

func (s *SQLStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	return s.queryReservations(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE status = ? AND expires_at <= ?
		ORDER BY expires_at
		LIMIT ?`,
		string(domain.ReservationStatusActive), now.UnixNano(), limit,
	)
}

func (s *SQLStore) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		DELETE FROM reservations
		WHERE status <> ? AND updated_at < ?`),
		string(domain.ReservationStatusActive), before.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge reservations: %w", err)
	}

	rows, _ := result.RowsAffected()
	return int(rows), nil
}

func (s *SQLStore) queryReservations(ctx context.Context, query string, args ...any) ([]domain.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservations: %w", err)
	}
	return out, nil
}

type sqlTx struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t *sqlTx) LockStockLine(ctx context.Context, variantID string) (*domain.StockLine, error) {
	return getStockLine(ctx, t.tx, t.dialect, variantID, t.dialect.ForUpdate)
}

func (t *sqlTx) InsertStockLine(ctx context.Context, line *domain.StockLine) error {
	_, err := t.tx.ExecContext(ctx, t.dialect.Rebind(`
		INSERT INTO stock_lines (`+stockLineColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		line.VariantID, line.TotalQuantity, line.ReservedQuantity, line.SoldQuantity,
		line.Serialized, line.Version, line.CreatedAt.UnixNano(), line.UpdatedAt.UnixNano(),
	)
	if t.dialect.IsDuplicate(err) {
		return fmt.Errorf("stock line %s: %w", line.VariantID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert stock line: %w", err)
	}
	return nil
}

func (t *sqlTx) UpdateStockLine(ctx context.Context, line *domain.StockLine) error {
	result, err := t.tx.ExecContext(ctx, t.dialect.Rebind(`
		UPDATE stock_lines
		SET total_quantity = ?, reserved_quantity = ?, sold_quantity = ?,
		    version = version + 1, updated_at = ?
		WHERE variant_id = ? AND version = ?`),
		line.TotalQuantity, line.ReservedQuantity, line.SoldQuantity,
		line.UpdatedAt.UnixNano(), line.VariantID, line.Version,
	)
	if err != nil {
		return fmt.Errorf("update stock line: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("stock line %s: %w", line.VariantID, domain.ErrVersionConflict)
	}
	line.Version++
	return nil
}

func (t *sqlTx) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	return getReservation(ctx, t.tx, t.dialect, id, t.dialect.ForUpdate)
}

func (t *sqlTx) InsertReservation(ctx context.Context, r domain.Reservation) error {
	serials, err := encodeSerials(r.SerialNumbers)
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(ctx, t.dialect.Rebind(`
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.VariantID, r.CartSessionID, r.Quantity, serials, string(r.Status),
		r.CreatedAt.UnixNano(), r.ExpiresAt.UnixNano(), r.UpdatedAt.UnixNano(),
	)
	if t.dialect.IsDuplicate(err) {
		return fmt.Errorf("reservation %s: %w", r.ID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (t *sqlTx) UpdateReservation(ctx context.Context, r domain.Reservation) error {
	serials, err := encodeSerials(r.SerialNumbers)
	if err != nil {
		return err
	}

	result, err := t.tx.ExecContext(ctx, t.dialect.Rebind(`
		UPDATE reservations
		SET quantity = ?, serial_numbers = ?, status = ?, expires_at = ?, updated_at = ?
		WHERE id = ?`),
		r.Quantity, serials, string(r.Status), r.ExpiresAt.UnixNano(), r.UpdatedAt.UnixNano(), r.ID,
	)
	if err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("reservation %s: %w", r.ID, domain.ErrNotFound)
	}
	return nil
}

func (t *sqlTx) ListUnits(ctx context.Context, variantID string) ([]domain.StockUnit, error) {
	rows, err := t.tx.QueryContext(ctx, t.dialect.Rebind(`
		SELECT serial_number, reservation_id, sold
		FROM stock_units
		WHERE variant_id = ?
		ORDER BY serial_number`+t.dialect.ForUpdate),
		variantID,
	)
	if err != nil {
		return nil, fmt.Errorf("query units: %w", err)
	}
	defer rows.Close()

	var units []domain.StockUnit
	for rows.Next() {
		u := domain.StockUnit{VariantID: variantID}
		if err := rows.Scan(&u.SerialNumber, &u.ReservationID, &u.Sold); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate units: %w", err)
	}
	return units, nil
}

func (t *sqlTx) InsertUnits(ctx context.Context, units []domain.StockUnit) error {
	query := t.dialect.Rebind(`
		INSERT INTO stock_units (variant_id, serial_number, reservation_id, sold)
		VALUES (?, ?, ?, ?)`)

	for _, u := range units {
		_, err := t.tx.ExecContext(ctx, query, u.VariantID, u.SerialNumber, u.ReservationID, u.Sold)
		if t.dialect.IsDuplicate(err) {
			return fmt.Errorf("unit %s: %w", u.SerialNumber, domain.ErrAlreadyExists)
		}
		if err != nil {
			return fmt.Errorf("insert unit %s: %w", u.SerialNumber, err)
		}
	}
	return nil
}

func (t *sqlTx) UpdateUnits(ctx context.Context, units []domain.StockUnit) error {
	query := t.dialect.Rebind(`
		UPDATE stock_units
		SET reservation_id = ?, sold = ?
		WHERE variant_id = ? AND serial_number = ?`)

	for _, u := range units {
		result, err := t.tx.ExecContext(ctx, query, u.ReservationID, u.Sold, u.VariantID, u.SerialNumber)
		if err != nil {
			return fmt.Errorf("update unit %s: %w", u.SerialNumber, err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("unit %s: %w", u.SerialNumber, domain.ErrNotFound)
		}
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func getStockLine(ctx context.Context, q queryer, d Dialect, variantID, suffix string) (*domain.StockLine, error) {
	var (
		line             domain.StockLine
		created, updated int64
	)
	err := q.QueryRowContext(ctx, d.Rebind(`
		SELECT `+stockLineColumns+`
		FROM stock_lines WHERE variant_id = ?`+suffix), variantID,
	).Scan(&line.VariantID, &line.TotalQuantity, &line.ReservedQuantity, &line.SoldQuantity,
		&line.Serialized, &line.Version, &created, &updated)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stock line %s: %w", variantID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query stock line: %w", err)
	}

	line.CreatedAt = fromNanos(created)
	line.UpdatedAt = fromNanos(updated)
	return &line, nil
}

func getReservation(ctx context.Context, q queryer, d Dialect, id, suffix string) (*domain.Reservation, error) {
	row := q.QueryRowContext(ctx, d.Rebind(`
		SELECT `+reservationColumns+`
		FROM reservations WHERE id = ?`+suffix), id)

	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reservation %s: %w", id, domain.ErrNotFound)
	}
	return r, err
}

func scanReservation(s scanner) (*domain.Reservation, error) {
	var (
		r                         domain.Reservation
		serials, status           string
		created, expires, updated int64
	)
	err := s.Scan(&r.ID, &r.VariantID, &r.CartSessionID, &r.Quantity, &serials, &status,
		&created, &expires, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan reservation: %w", err)
	}

	if err := json.Unmarshal([]byte(serials), &r.SerialNumbers); err != nil {
		return nil, fmt.Errorf("decode serial numbers of %s: %w", r.ID, err)
	}
	r.Status = domain.ReservationStatus(status)
	r.CreatedAt = fromNanos(created)
	r.ExpiresAt = fromNanos(expires)
	r.UpdatedAt = fromNanos(updated)
	return &r, nil
}

func encodeSerials(serials []string) (string, error) {
	if serials == nil {
		serials = []string{}
	}
	b, err := json.Marshal(serials)
	if err != nil {
		return "", fmt.Errorf("encode serial numbers: %w", err)
	}
	return string(b), nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
