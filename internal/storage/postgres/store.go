// Package postgres provides the Postgres-backed scan.Store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/channelscan/internal/scan"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	ChannelsTable   string
	JobLogTable     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// Store keeps channels keyed by identity key and an append-only job log.
//
// Expected schema:
//
//	CREATE TABLE channels (
//	  key text PRIMARY KEY, link text, title text, description text,
//	  subscribers bigint, tags text[], admin text, verified boolean,
//	  discovered_by text, first_seen timestamptz, last_seen timestamptz);
//	CREATE TABLE scan_job_log (
//	  id bigserial PRIMARY KEY, job_id text, category text, tag text,
//	  status text, progress int, channels_found int, started_at timestamptz,
//	  updated_at timestamptz, finished_at timestamptz, reason text,
//	  logged_at timestamptz DEFAULT now());
type Store struct {
	pool     pool
	channels string
	jobLog   string
}

// New creates a pgxpool-backed Store from cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("storage.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg.ChannelsTable, cfg.JobLogTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(p pool, channelsTable, jobLogTable string) (*Store, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if channelsTable == "" {
		channelsTable = "channels"
	}
	if jobLogTable == "" {
		jobLogTable = "scan_job_log"
	}
	for _, name := range []string{channelsTable, jobLogTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	return &Store{pool: p, channels: channelsTable, jobLog: jobLogTable}, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertChannels writes records by identity key in one transaction.
func (s *Store) UpsertChannels(ctx context.Context, records []scan.ChannelRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin channel upsert: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
			}
		}
	}()

	query := fmt.Sprintf(`
INSERT INTO %s (
	key, link, title, description, subscribers, tags, admin, verified,
	discovered_by, first_seen, last_seen
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (key) DO UPDATE SET
	link = EXCLUDED.link,
	title = EXCLUDED.title,
	description = EXCLUDED.description,
	subscribers = EXCLUDED.subscribers,
	tags = EXCLUDED.tags,
	admin = EXCLUDED.admin,
	verified = EXCLUDED.verified,
	last_seen = EXCLUDED.last_seen
WHERE %s.last_seen <= EXCLUDED.last_seen`, s.channels, s.channels)

	for _, rec := range records {
		if _, err = tx.Exec(ctx, query, channelArgs(rec)...); err != nil {
			return fmt.Errorf("upsert channel %s: %w", rec.Key, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit channel upsert: %w", err)
	}
	return nil
}

func channelArgs(rec scan.ChannelRecord) []any {
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}
	return []any{
		rec.Key,
		rec.Link,
		rec.Title,
		rec.Description,
		rec.Subscribers,
		tags,
		rec.Admin,
		rec.Verified,
		rec.DiscoveredBy,
		rec.FirstSeen,
		rec.LastSeen,
	}
}

// AppendJobLog appends the job's current state to the log.
func (s *Store) AppendJobLog(ctx context.Context, job scan.ScanJob) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id, category, tag, status, progress, channels_found,
	started_at, updated_at, finished_at, reason
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, s.jobLog)
	if _, err := s.pool.Exec(ctx, query, jobArgs(job)...); err != nil {
		return fmt.Errorf("append job log %s: %w", job.ID, err)
	}
	return nil
}

func jobArgs(job scan.ScanJob) []any {
	return []any{
		job.ID,
		job.Category,
		job.Tag,
		string(job.Status),
		job.Progress,
		job.ChannelsFound,
		job.StartedAt,
		job.UpdatedAt,
		job.FinishedAt,
		job.Reason,
	}
}

// LoadChannels returns every stored channel in discovery order.
func (s *Store) LoadChannels(ctx context.Context) ([]scan.ChannelRecord, error) {
	query := fmt.Sprintf(`
SELECT key, link, title, description, subscribers, tags, admin, verified,
	discovered_by, first_seen, last_seen
FROM %s
ORDER BY first_seen, key`, s.channels)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load channels: %w", err)
	}
	defer rows.Close()

	var out []scan.ChannelRecord
	for rows.Next() {
		var rec scan.ChannelRecord
		if err := rows.Scan(
			&rec.Key,
			&rec.Link,
			&rec.Title,
			&rec.Description,
			&rec.Subscribers,
			&rec.Tags,
			&rec.Admin,
			&rec.Verified,
			&rec.DiscoveredBy,
			&rec.FirstSeen,
			&rec.LastSeen,
		); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return out, nil
}

// LoadJobs returns the newest logged state of every job. Terminal rows win
// over running rows regardless of append order.
func (s *Store) LoadJobs(ctx context.Context) ([]scan.ScanJob, error) {
	query := fmt.Sprintf(`
SELECT DISTINCT ON (job_id)
	job_id, category, tag, status, progress, channels_found,
	started_at, updated_at, finished_at, reason
FROM %s
ORDER BY job_id, (status <> 'running') DESC, updated_at DESC, id DESC`, s.jobLog)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	defer rows.Close()

	var out []scan.ScanJob
	for rows.Next() {
		var (
			job    scan.ScanJob
			status string
		)
		if err := rows.Scan(
			&job.ID,
			&job.Category,
			&job.Tag,
			&status,
			&job.Progress,
			&job.ChannelsFound,
			&job.StartedAt,
			&job.UpdatedAt,
			&job.FinishedAt,
			&job.Reason,
		); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job.Status = scan.JobStatus(status)
		if !job.Status.Valid() {
			return nil, fmt.Errorf("job %s has unknown status %q", job.ID, status)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}
