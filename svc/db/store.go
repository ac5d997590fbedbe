package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"strings"
	"time"

	"snipbin/pkg/domain"

	"github.com/pkg/errors"
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second

	// DefaultMinLookupTime pads lookups so hits and misses take similar time.
	DefaultMinLookupTime = 50 * time.Millisecond
	lookupJitter         = 20 * time.Millisecond
)

type Options struct {
	MaxOpenConns  int
	MaxIdleConns  int
	QueryTimeout  time.Duration
	MinLookupTime time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = defaultMaxOpenConns
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = defaultMaxIdleConns
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = defaultQueryTimeout
	}
	return o
}

type dialect struct {
	name        string
	isDuplicate func(error) bool
}

// Store is the durable paste metadata table. Both SQLite and MySQL share
// the same queries; only connection setup and error codes differ.
type Store struct {
	db      *sql.DB
	dialect dialect
	opts    Options
	cb      breaker
}

func (s *Store) Dialect() string {
	return s.dialect.name
}

func newStore(db *sql.DB, d dialect, o Options) *Store {
	db.SetMaxOpenConns(o.MaxOpenConns)
	db.SetMaxIdleConns(o.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	return &Store{db: db, dialect: d, opts: o}
}

func (s *Store) exec(ctx context.Context, stmts []string) error {
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return errors.Wrapf(err, "exec %q", firstLine(q))
		}
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, shortlink string) (bool, error) {
	if err := s.cb.check(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM pastes WHERE shortlink = ? LIMIT 1`, shortlink).Scan(&one)
	s.cb.record(err)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return true, nil
}

// Insert commits a new record. A duplicate shortlink yields domain.ErrConflict.
func (s *Store) Insert(ctx context.Context, r *domain.Record) error {
	if err := s.cb.check(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()
	var hash sql.NullString
	if r.PasswordHash != "" {
		hash = sql.NullString{String: r.PasswordHash, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO pastes (shortlink, blob_path, created_at, expires_at, size, burn_after_read, password_hash)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Shortlink, r.BlobPath, r.CreatedAt.UTC(), r.ExpiresAt.UTC(), r.Size, r.BurnAfterRead, hash,
	)
	if err != nil && s.dialect.isDuplicate(err) {
		s.cb.record(nil)
		return errors.Wrapf(domain.ErrConflict, "insert %s", r.Shortlink)
	}
	s.cb.record(err)
	return errors.Wrap(err, "db insert")
}

// Lookup returns the record whether or not it has expired.
func (s *Store) Lookup(ctx context.Context, shortlink string) (*domain.Record, error) {
	start := time.Now()
	defer s.padLookup(start)
	if err := s.cb.check(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `
	SELECT shortlink, blob_path, created_at, expires_at, size, burn_after_read, password_hash
	FROM pastes WHERE shortlink = ?`, shortlink)
	r, err := scanRecord(row)
	s.cb.record(err)
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "db lookup")
	}
	return r, nil
}

// Delete removes the record and reports whether this call removed it.
func (s *Store) Delete(ctx context.Context, shortlink string) (bool, error) {
	if err := s.cb.check(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `DELETE FROM pastes WHERE shortlink = ?`, shortlink)
	s.cb.record(err)
	if err != nil {
		return false, errors.Wrap(err, "delete paste")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n > 0, nil
}

// ListExpired returns up to limit records whose expiry is at or before t,
// oldest first.
func (s *Store) ListExpired(ctx context.Context, t time.Time, limit int) ([]*domain.Record, error) {
	if err := s.cb.check(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
	SELECT shortlink, blob_path, created_at, expires_at, size, burn_after_read, password_hash
	FROM pastes WHERE expires_at <= ? ORDER BY expires_at LIMIT ?`, t.UTC(), limit)
	if err != nil {
		s.cb.record(err)
		return nil, errors.Wrap(err, "list expired")
	}
	defer rows.Close()
	var out []*domain.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan expired")
		}
		out = append(out, r)
	}
	err = rows.Err()
	s.cb.record(err)
	return out, errors.Wrap(err, "iterate expired")
}

func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(sc scanner) (*domain.Record, error) {
	var r domain.Record
	var hash sql.NullString
	if err := sc.Scan(&r.Shortlink, &r.BlobPath, &r.CreatedAt, &r.ExpiresAt, &r.Size, &r.BurnAfterRead, &hash); err != nil {
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.ExpiresAt = r.ExpiresAt.UTC()
	r.PasswordHash = hash.String
	return &r, nil
}

func (s *Store) padLookup(start time.Time) {
	if s.opts.MinLookupTime <= 0 {
		return
	}
	var b [8]byte
	jitter := lookupJitter
	if _, err := rand.Read(b[:]); err == nil {
		jitter = time.Duration(binary.BigEndian.Uint64(b[:]) % uint64(lookupJitter))
	}
	if d := s.opts.MinLookupTime + jitter - time.Since(start); d > 0 {
		time.Sleep(d)
	}
}

func firstLine(q string) string {
	q = strings.TrimSpace(q)
	if i := strings.IndexByte(q, '\n'); i >= 0 {
		return q[:i]
	}
	return q
}
