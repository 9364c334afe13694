// Package sqlstore implements the ledger repository on SQLite (modernc.org/sqlite)
// or PostgreSQL (lib/pq).
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/muvusoft/talkscribe-license/internal/ledger"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

var _ ledger.Repository = (*Store)(nil)

// Store is a ledger.Repository backed by database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQLite opens (or creates) ledger.db in dir.
func OpenSQLite(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	dbPath := filepath.Join(dir, "ledger.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return newStore(db, DialectSQLite)
}

// OpenPostgres connects to a PostgreSQL database using a lib/pq DSN.
func OpenPostgres(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres DSN is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return newStore(db, DialectPostgres)
}

func newStore(db *sql.DB, dialect Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id               TEXT PRIMARY KEY,
			fingerprint_hash TEXT NOT NULL DEFAULT '',
			first_seen       BIGINT NOT NULL,
			last_seen        BIGINT NOT NULL,
			trial_start      BIGINT NOT NULL,
			trial_extended   INTEGER NOT NULL DEFAULT 0,
			account_id       TEXT NOT NULL DEFAULT '',
			daily            TEXT NOT NULL DEFAULT '{}',
			version          BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_fingerprint ON devices(fingerprint_hash)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id                  TEXT PRIMARY KEY,
			email               TEXT NOT NULL UNIQUE,
			pro_until           BIGINT NOT NULL DEFAULT 0,
			subscription_active INTEGER NOT NULL DEFAULT 0,
			created_at          BIGINT NOT NULL,
			notes               TEXT NOT NULL DEFAULT '',
			version             BIGINT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init ledger schema: %w", err)
		}
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const deviceColumns = `id, fingerprint_hash, first_seen, last_seen, trial_start,
	trial_extended, account_id, daily, version`

func (s *Store) GetDevice(ctx context.Context, id string) (*ledger.Device, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+deviceColumns+` FROM devices WHERE id = ?`), id)
	return scanDevice(row)
}

func (s *Store) PutDevice(ctx context.Context, d *ledger.Device) error {
	if d == nil || d.ID == "" {
		return ledger.ErrDeviceIDRequired
	}
	daily, err := json.Marshal(d.Daily)
	if err != nil {
		return fmt.Errorf("encode daily usage: %w", err)
	}
	if d.Daily == nil {
		daily = []byte("{}")
	}

	var res sql.Result
	if d.Version == 0 {
		res, err = s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO devices (`+deviceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT DO NOTHING`),
			d.ID, d.FingerprintHash, timeToUnix(d.FirstSeen), timeToUnix(d.LastSeen), timeToUnix(d.TrialStart),
			boolToInt(d.TrialExtended), d.AccountID, string(daily),
		)
	} else {
		res, err = s.db.ExecContext(ctx, s.rebind(`
			UPDATE devices SET
				fingerprint_hash = ?, first_seen = ?, last_seen = ?, trial_start = ?,
				trial_extended = ?, account_id = ?, daily = ?, version = version + 1
			WHERE id = ? AND version = ?`),
			d.FingerprintHash, timeToUnix(d.FirstSeen), timeToUnix(d.LastSeen), timeToUnix(d.TrialStart),
			boolToInt(d.TrialExtended), d.AccountID, string(daily),
			d.ID, d.Version,
		)
	}
	if err != nil {
		return fmt.Errorf("put device: %w", err)
	}
	if err := checkApplied(res); err != nil {
		return err
	}
	d.Version++
	return nil
}

func (s *Store) ListDevicesByFingerprint(ctx context.Context, hash string, firstSeenSince time.Time) ([]*ledger.Device, error) {
	if hash == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+deviceColumns+`
		FROM devices WHERE fingerprint_hash = ? AND first_seen >= ? ORDER BY id`),
		hash, firstSeenSince.Unix())
	if err != nil {
		return nil, fmt.Errorf("list devices by fingerprint: %w", err)
	}
	defer rows.Close()

	var devices []*ledger.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

const accountColumns = `id, email, pro_until, subscription_active, created_at, notes, version`

func (s *Store) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`), id)
	return scanAccount(row)
}

func (s *Store) FindAccountByEmail(ctx context.Context, email string) (*ledger.Account, error) {
	if email == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+accountColumns+` FROM accounts WHERE email = ?`), email)
	return scanAccount(row)
}

func (s *Store) PutAccount(ctx context.Context, a *ledger.Account) error {
	if a == nil || a.ID == "" {
		return errors.New("account id is required")
	}

	var (
		res sql.Result
		err error
	)
	if a.Version == 0 {
		res, err = s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO accounts (`+accountColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT DO NOTHING`),
			a.ID, a.Email, timeToUnix(a.ProUntil), boolToInt(a.SubscriptionActive), timeToUnix(a.CreatedAt), a.Notes,
		)
	} else {
		res, err = s.db.ExecContext(ctx, s.rebind(`
			UPDATE accounts SET
				email = ?, pro_until = ?, subscription_active = ?, notes = ?, version = version + 1
			WHERE id = ? AND version = ?`),
			a.Email, timeToUnix(a.ProUntil), boolToInt(a.SubscriptionActive), a.Notes,
			a.ID, a.Version,
		)
	}
	if err != nil {
		return fmt.Errorf("put account: %w", err)
	}
	if err := checkApplied(res); err != nil {
		return err
	}
	a.Version++
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func checkApplied(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ledger.ErrVersionConflict
	}
	return nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(s scanner) (*ledger.Device, error) {
	var d ledger.Device
	var firstSeen, lastSeen, trialStart int64
	var extended int
	var daily string

	err := s.Scan(&d.ID, &d.FingerprintHash, &firstSeen, &lastSeen, &trialStart,
		&extended, &d.AccountID, &daily, &d.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan device: %w", err)
	}

	d.FirstSeen = unixToTime(firstSeen)
	d.LastSeen = unixToTime(lastSeen)
	d.TrialStart = unixToTime(trialStart)
	d.TrialExtended = extended != 0
	d.Daily = map[string]int64{}
	if daily != "" {
		if err := json.Unmarshal([]byte(daily), &d.Daily); err != nil {
			return nil, fmt.Errorf("decode daily usage for %s: %w", d.ID, err)
		}
	}
	return &d, nil
}

func scanAccount(s scanner) (*ledger.Account, error) {
	var a ledger.Account
	var proUntil, createdAt int64
	var active int

	err := s.Scan(&a.ID, &a.Email, &proUntil, &active, &createdAt, &a.Notes, &a.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.ProUntil = unixToTime(proUntil)
	a.SubscriptionActive = active != 0
	a.CreatedAt = unixToTime(createdAt)
	return &a, nil
}

func timeToUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func unixToTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
