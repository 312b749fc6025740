package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/dunamismax/pagemill/internal/domain"
	"github.com/lib/pq"
)

const jobSchemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	page_count INTEGER,
	error_detail TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	lease_owner TEXT,
	lease_expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS jobs_claim_idx ON jobs (status, updated_at);
`

const jobColumns = `id, title, status, page_count, error_detail, attempts, lease_owner, lease_expires_at, created_at, updated_at`

// claimSQL picks the oldest eligible row, skipping rows other claimants hold
// locked, and flips it to processing in the same statement.
const claimSQL = `
UPDATE jobs
SET status = 'processing',
	attempts = attempts + 1,
	lease_owner = $1,
	lease_expires_at = now() + ($2::double precision * interval '1 millisecond'),
	updated_at = now()
WHERE id = (
	SELECT id FROM jobs
	WHERE status = 'pending'
	   OR (status = 'error' AND ($3::integer = 0 OR attempts < $3::integer))
	   OR (status = 'processing' AND (lease_expires_at IS NULL OR lease_expires_at < now()))
	ORDER BY updated_at ASC, id ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns

// OpenPostgres opens and pings a connection pool. The caller owns Close.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, wrapStoreError("ping postgres", err)
	}
	return db, nil
}

type PostgresJobStore struct {
	db   *sql.DB
	opts Options
}

func NewPostgresJobStore(ctx context.Context, db *sql.DB, opts Options) (*PostgresJobStore, error) {
	if db == nil {
		return nil, errors.New("postgres connection is required")
	}
	s := &PostgresJobStore{db: db, opts: opts}
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, jobSchemaSQL); err != nil {
		return wrapStoreError("ensure jobs schema", err)
	}
	return nil
}

func (s *PostgresJobStore) Claim(ctx context.Context, owner string, lease time.Duration) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, claimSQL, owner, lease.Milliseconds(), s.opts.MaxAttempts)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, wrapStoreError("claim job", err)
	}
	return job, true, nil
}

func (s *PostgresJobStore) RenewLease(ctx context.Context, id, owner string, lease time.Duration) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
		 SET lease_expires_at = now() + ($3::double precision * interval '1 millisecond')
		 WHERE id = $1 AND status = 'processing' AND lease_owner = $2`,
		id,
		owner,
		lease.Milliseconds(),
	)
	if err != nil {
		return wrapStoreError("renew lease", err)
	}
	return leaseResult(res)
}

func (s *PostgresJobStore) Release(ctx context.Context, id, owner string) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
		 SET lease_expires_at = now()
		 WHERE id = $1 AND status = 'processing' AND lease_owner = $2`,
		id,
		owner,
	)
	if err != nil {
		return wrapStoreError("release lease", err)
	}
	return leaseResult(res)
}

func (s *PostgresJobStore) MarkDone(ctx context.Context, id string, pageCount int) error {
	return s.Update(ctx, id, domain.DoneUpdate(pageCount))
}

func (s *PostgresJobStore) MarkError(ctx context.Context, id, message string) error {
	return s.Update(ctx, id, domain.ErrorUpdate(message))
}

// Update writes only the fields present in upd plus updated_at.
func (s *PostgresJobStore) Update(ctx context.Context, id string, upd domain.JobUpdate) error {
	if upd.Empty() {
		return nil
	}

	query, args := buildUpdate(id, upd)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapStoreError("update job", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapStoreError("update job", err)
	}
	if affected == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func buildUpdate(id string, upd domain.JobUpdate) (string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if upd.Status != nil {
		add("status", string(*upd.Status))
	}
	if upd.PageCount != nil {
		add("page_count", *upd.PageCount)
	}
	if upd.ErrorDetail != nil {
		add("error_detail", *upd.ErrorDetail)
	}
	if upd.ClearLease {
		sets = append(sets, "lease_owner = NULL", "lease_expires_at = NULL")
	}
	sets = append(sets, "updated_at = now()")

	args = append(args, id)
	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	return query, args
}

func (s *PostgresJobStore) Requeue(ctx context.Context, id, reason string) error {
	upd := domain.RequeueUpdate(reason)
	query, args := buildUpdate(id, upd)
	query += " AND (status <> 'processing' OR lease_expires_at IS NULL OR lease_expires_at < now())"

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapStoreError("requeue job", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapStoreError("requeue job", err)
	}
	if affected > 0 {
		return nil
	}

	job, ok, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrJobNotFound
	}
	return fmt.Errorf("%w: job %s is held by %s", domain.ErrInvalidStatusTransition, id, job.LeaseOwner)
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	if err := domain.ValidateJobID(job.ID); err != nil {
		return err
	}
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (id, title, status, created_at, updated_at)
		 VALUES ($1, $2, $3, now(), now())`,
		job.ID,
		job.Title,
		string(job.Status),
	)
	if err != nil {
		return wrapStoreError("insert job", err)
	}
	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, wrapStoreError("query job", err)
	}
	return job, true, nil
}

func (s *PostgresJobStore) List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE ($1::text = '' OR status = $1::text) AND id > $2
		 ORDER BY id ASC
		 LIMIT $3`,
		string(filter.Status),
		filter.AfterID,
		filter.EffectiveLimit(),
	)
	if err != nil {
		return nil, wrapStoreError("list jobs", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, wrapStoreError("scan job", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError("list jobs", err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job         domain.Job
		status      string
		pageCount   sql.NullInt64
		errorDetail sql.NullString
		leaseOwner  sql.NullString
		leaseExpiry sql.NullTime
	)
	if err := row.Scan(
		&job.ID,
		&job.Title,
		&status,
		&pageCount,
		&errorDetail,
		&job.Attempts,
		&leaseOwner,
		&leaseExpiry,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return domain.Job{}, err
	}

	job.Status = domain.JobStatus(status)
	if pageCount.Valid {
		n := int(pageCount.Int64)
		job.PageCount = &n
	}
	if errorDetail.Valid {
		detail := errorDetail.String
		job.ErrorDetail = &detail
	}
	job.LeaseOwner = leaseOwner.String
	if leaseExpiry.Valid {
		expires := leaseExpiry.Time.UTC()
		job.LeaseExpiresAt = &expires
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func leaseResult(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapStoreError("lease rows affected", err)
	}
	if affected == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

func wrapStoreError(op string, err error) error {
	return domain.NewStoreError(op, err, isTransient(err))
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53":
			return true
		}
		switch pqErr.Code {
		case "40001", "40P01", "57P01", "57P02", "57P03":
			return true
		}
	}
	return false
}
