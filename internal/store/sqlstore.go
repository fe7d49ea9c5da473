package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	// Drivers for the two supported backends.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/credlink/keyops/internal/errors"
	"github.com/credlink/keyops/pkg/credential"
)

// driverMap normalizes config-level database type names onto
// registered driver names.
var driverMap = map[string]string{
	"postgresql": "postgres",
	"postgres":   "postgres",
	"mysql":      "mysql",
	"mariadb":    "mysql",
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS credential_records (
	identity                TEXT        NOT NULL,
	version                 BIGINT      NOT NULL,
	kind                    TEXT        NOT NULL,
	certificate_pem         TEXT        NOT NULL DEFAULT '',
	fingerprint             TEXT        NOT NULL DEFAULT '',
	secret_hash             TEXT        NOT NULL DEFAULT '',
	hint                    TEXT        NOT NULL DEFAULT '',
	lifecycle_state         TEXT        NOT NULL,
	created_at              TIMESTAMP   NOT NULL,
	expires_at              TIMESTAMP   NULL,
	superseded_at           TIMESTAMP   NULL,
	rotation_interval_hours INTEGER     NOT NULL DEFAULT 0,
	last_used_at            TIMESTAMP   NULL,
	PRIMARY KEY (identity, version)
)`

const recordColumns = "identity, version, kind, certificate_pem, fingerprint, secret_hash, hint, lifecycle_state, created_at, expires_at, superseded_at, rotation_interval_hours, last_used_at"

// SQLStore persists credential records in a relational database.
// Every commit is a single transaction with an optimistic version
// guard, so concurrent writers against a shared database resolve the
// same way concurrent goroutines do against the file store: one wins,
// the rest see a version conflict.
type SQLStore struct {
	db     *sql.DB
	driver string
	clock  func() time.Time
}

// NewSQLStore opens a connection for the given database type
// (postgres, postgresql, mysql, mariadb) and DSN.
func NewSQLStore(dbType, dsn string) (*SQLStore, error) {
	driver, ok := driverMap[strings.ToLower(dbType)]
	if !ok {
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	return NewSQLStoreFromDB(db, driver), nil
}

// NewSQLStoreFromDB wraps an existing connection. driver must be
// "postgres" or "mysql"; it selects the placeholder dialect.
func NewSQLStoreFromDB(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{
		db:     db,
		driver: driver,
		clock:  time.Now,
	}
}

// EnsureSchema creates the credential_records table if missing.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to the $n form when talking to
// postgres. Queries in this file are written in the mysql dialect.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// GetActive returns the identity's active record.
func (s *SQLStore) GetActive(ctx context.Context, identity credential.Identity) (*credential.Record, error) {
	rec, err := s.queryOne(ctx, s.db,
		"SELECT "+recordColumns+" FROM credential_records WHERE identity = ? AND lifecycle_state = ?",
		string(identity), string(credential.StateActive))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.NotFoundError{Identity: string(identity)}
	}
	return rec, nil
}

// GetPrevious returns the identity's previous-generation record.
func (s *SQLStore) GetPrevious(ctx context.Context, identity credential.Identity) (*credential.Record, error) {
	rec, err := s.queryOne(ctx, s.db,
		"SELECT "+recordColumns+" FROM credential_records WHERE identity = ? AND lifecycle_state = ?",
		string(identity), string(credential.StatePrevious))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.NoPreviousCredentialError{Identity: string(identity)}
	}
	return rec, nil
}

// GetVersion returns one specific generation of the identity.
func (s *SQLStore) GetVersion(ctx context.Context, identity credential.Identity, version int64) (*credential.Record, error) {
	rec, err := s.queryOne(ctx, s.db,
		"SELECT "+recordColumns+" FROM credential_records WHERE identity = ? AND version = ?",
		string(identity), version)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.NotFoundError{Identity: string(identity)}
	}
	return rec, nil
}

// History returns every record of the identity, newest version first.
func (s *SQLStore) History(ctx context.Context, identity credential.Identity) ([]*credential.Record, error) {
	records, err := s.queryMany(ctx,
		"SELECT "+recordColumns+" FROM credential_records WHERE identity = ? ORDER BY version DESC",
		string(identity))
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.NotFoundError{Identity: string(identity)}
	}
	return records, nil
}

// ListActive returns the active record of every identity.
func (s *SQLStore) ListActive(ctx context.Context) ([]*credential.Record, error) {
	return s.queryMany(ctx,
		"SELECT "+recordColumns+" FROM credential_records WHERE lifecycle_state = ? ORDER BY identity",
		string(credential.StateActive))
}

// ListPrevious returns every previous-state record across identities.
func (s *SQLStore) ListPrevious(ctx context.Context) ([]*credential.Record, error) {
	return s.queryMany(ctx,
		"SELECT "+recordColumns+" FROM credential_records WHERE lifecycle_state = ? ORDER BY identity",
		string(credential.StatePrevious))
}

// ListNeedingRotation returns active records that are expired, expire
// within the horizon, or are overdue per their rotation interval.
func (s *SQLStore) ListNeedingRotation(ctx context.Context, kind credential.Kind, within time.Duration) ([]*credential.Record, error) {
	active, err := s.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	var due []*credential.Record
	for _, rec := range active {
		if needsRotation(rec, kind, within, now) {
			due = append(due, rec)
		}
	}
	return due, nil
}

// CommitRotation installs newRec as active in one transaction: retire
// any existing previous, demote the active guarded by the expected
// version, insert the new record. A guard miss rolls everything back
// and surfaces a version conflict.
func (s *SQLStore) CommitRotation(ctx context.Context, newRec *credential.Record, expectedPriorVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.queryOne(ctx, tx,
		"SELECT "+recordColumns+" FROM credential_records WHERE identity = ? AND lifecycle_state = ? FOR UPDATE",
		string(newRec.Identity), string(credential.StateActive))
	if err != nil {
		return err
	}
	if err := validateRotation(current, newRec, expectedPriorVersion); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, s.rebind(
		"UPDATE credential_records SET lifecycle_state = ? WHERE identity = ? AND lifecycle_state = ?"),
		string(credential.StateRetired), string(newRec.Identity), string(credential.StatePrevious)); err != nil {
		return fmt.Errorf("failed to retire previous record: %w", err)
	}

	if expectedPriorVersion > 0 {
		res, err := tx.ExecContext(ctx, s.rebind(
			"UPDATE credential_records SET lifecycle_state = ?, superseded_at = ? WHERE identity = ? AND lifecycle_state = ? AND version = ?"),
			string(credential.StatePrevious), s.clock(), string(newRec.Identity), string(credential.StateActive), expectedPriorVersion)
		if err != nil {
			return fmt.Errorf("failed to demote active record: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read demotion result: %w", err)
		}
		if affected != 1 {
			return errors.VersionConflictError{Identity: string(newRec.Identity), ExpectedVersion: expectedPriorVersion}
		}
	}

	if err := s.insertRecord(ctx, tx, newRec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rotation: %w", err)
	}
	return nil
}

// CommitRollback promotes the previous record back to active through
// the transient rollback_target state and retires the current active,
// all in one transaction.
func (s *SQLStore) CommitRollback(ctx context.Context, identity credential.Identity) (*credential.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.queryOne(ctx, tx,
		"SELECT "+recordColumns+" FROM credential_records WHERE identity = ? AND lifecycle_state = ? FOR UPDATE",
		string(identity), string(credential.StateActive))
	if err != nil {
		return nil, err
	}
	prev, err := s.queryOne(ctx, tx,
		"SELECT "+recordColumns+" FROM credential_records WHERE identity = ? AND lifecycle_state = ? FOR UPDATE",
		string(identity), string(credential.StatePrevious))
	if err != nil {
		return nil, err
	}
	if current == nil && prev == nil {
		return nil, errors.NotFoundError{Identity: string(identity)}
	}
	if prev == nil {
		return nil, errors.NoPreviousCredentialError{Identity: string(identity)}
	}
	if !prev.State.CanTransitionTo(credential.StateRollbackTarget) {
		return nil, fmt.Errorf("record %s/v%d cannot become rollback target from %q", prev.Identity, prev.Version, prev.State)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(
		"UPDATE credential_records SET lifecycle_state = ? WHERE identity = ? AND version = ?"),
		string(credential.StateRollbackTarget), string(identity), prev.Version); err != nil {
		return nil, fmt.Errorf("failed to stage rollback target: %w", err)
	}

	if current != nil {
		if _, err := tx.ExecContext(ctx, s.rebind(
			"UPDATE credential_records SET lifecycle_state = ?, superseded_at = ? WHERE identity = ? AND version = ?"),
			string(credential.StateRetired), s.clock(), string(identity), current.Version); err != nil {
			return nil, fmt.Errorf("failed to retire active record: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, s.rebind(
		"UPDATE credential_records SET lifecycle_state = ?, superseded_at = NULL WHERE identity = ? AND version = ?"),
		string(credential.StateActive), string(identity), prev.Version); err != nil {
		return nil, fmt.Errorf("failed to promote rollback target: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit rollback: %w", err)
	}

	promoted := prev.Clone()
	promoted.State = credential.StateActive
	promoted.SupersededAt = nil
	return promoted, nil
}

// Retire moves one previous- or active-state record to retired,
// following the lifecycle transition table. Retiring the active
// record is the recovery path for a failed initial issuance.
func (s *SQLStore) Retire(ctx context.Context, identity credential.Identity, version int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		"UPDATE credential_records SET lifecycle_state = ?, superseded_at = COALESCE(superseded_at, ?) WHERE identity = ? AND version = ? AND lifecycle_state IN (?, ?)"),
		string(credential.StateRetired), s.clock(), string(identity), version,
		string(credential.StatePrevious), string(credential.StateActive))
	if err != nil {
		return fmt.Errorf("failed to retire record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read retire result: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("cannot retire %s/v%d: no retirable record matched", identity, version)
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (s *SQLStore) queryOne(ctx context.Context, q querier, query string, args ...interface{}) (*credential.Record, error) {
	rows, err := q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}
	rec, err := scanRecord(rows)
	if err != nil {
		return nil, err
	}
	return rec, rows.Err()
}

func (s *SQLStore) queryMany(ctx context.Context, query string, args ...interface{}) ([]*credential.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*credential.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLStore) insertRecord(ctx context.Context, tx *sql.Tx, rec *credential.Record) error {
	var expiresAt, supersededAt, lastUsedAt sql.NullTime
	if rec.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: *rec.ExpiresAt, Valid: true}
	}
	if rec.SupersededAt != nil {
		supersededAt = sql.NullTime{Time: *rec.SupersededAt, Valid: true}
	}
	if rec.LastUsedAt != nil {
		lastUsedAt = sql.NullTime{Time: *rec.LastUsedAt, Valid: true}
	}

	_, err := tx.ExecContext(ctx, s.rebind(
		"INSERT INTO credential_records ("+recordColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"),
		string(rec.Identity), rec.Version, string(rec.Kind),
		rec.Material.CertificatePEM, rec.Material.Fingerprint,
		rec.Material.SecretHash, rec.Material.Hint,
		string(rec.State), rec.CreatedAt, expiresAt, supersededAt,
		rec.RotationIntervalHours, lastUsedAt)
	if err != nil {
		return fmt.Errorf("failed to insert record %s/v%d: %w", rec.Identity, rec.Version, err)
	}
	return nil
}

func scanRecord(rows *sql.Rows) (*credential.Record, error) {
	var (
		rec          credential.Record
		identity     string
		kind         string
		state        string
		expiresAt    sql.NullTime
		supersededAt sql.NullTime
		lastUsedAt   sql.NullTime
	)

	err := rows.Scan(&identity, &rec.Version, &kind,
		&rec.Material.CertificatePEM, &rec.Material.Fingerprint,
		&rec.Material.SecretHash, &rec.Material.Hint,
		&state, &rec.CreatedAt, &expiresAt, &supersededAt,
		&rec.RotationIntervalHours, &lastUsedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	rec.Identity = credential.Identity(identity)
	rec.Kind = credential.Kind(kind)
	rec.State = credential.LifecycleState(state)
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.ExpiresAt = &t
	}
	if supersededAt.Valid {
		t := supersededAt.Time
		rec.SupersededAt = &t
	}
	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		rec.LastUsedAt = &t
	}
	return &rec, nil
}
