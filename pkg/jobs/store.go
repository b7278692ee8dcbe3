package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gr8monk3ys/blog-ai/pkg/models"
)

// ErrDuplicateKey indicates an insert collided with another active job
// holding the same (subject, idempotency key). Callers re-fetch the
// winner and return it.
var ErrDuplicateKey = errors.New("active job with idempotency key exists")

// Store is the durable side of the registry.
type Store interface {
	Insert(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)
	ListBySubject(ctx context.Context, subject string) ([]*Job, error)
	// FindActive returns the subject's non-terminal job with the
	// idempotency key, or ErrNotFound.
	FindActive(ctx context.Context, subject, idempotencyKey string) (*Job, error)
	// ClaimNext atomically claims the oldest queued job for a worker,
	// transitioning it to running. ErrNoJobsAvailable when the queue is
	// empty.
	ClaimNext(ctx context.Context, podID, workerID string) (*Job, error)
	// MarkRunning transitions queued → running outside the claim path.
	MarkRunning(ctx context.Context, jobID string) error
	// MarkTerminal records a terminal status. Returns false when the
	// job was already terminal; only the true return owns terminal
	// side effects (events, slot release).
	MarkTerminal(ctx context.Context, jobID string, status Status, errMsg string) (bool, error)
	// CancelQueued cancels a job only if it is still queued, so a
	// concurrent claim wins cleanly.
	CancelQueued(ctx context.Context, jobID string) (bool, error)
	// RequestCancel durably flags a running job for cancellation; the
	// owning worker observes the flag on its next heartbeat. Returns
	// whether a running row was flagged.
	RequestCancel(ctx context.Context, jobID string) (bool, error)
	UpdateProgress(ctx context.Context, jobID string, progress models.JobProgress) error
	// Heartbeat refreshes the running job's liveness timestamp and
	// reports whether cancellation has been requested.
	Heartbeat(ctx context.Context, jobID string) (bool, error)
	CountByStatus(ctx context.Context, status Status) (int, error)
	// FindStaleRunning returns running jobs whose heartbeat predates
	// the cutoff, for orphan recovery.
	FindStaleRunning(ctx context.Context, cutoff time.Time) ([]*Job, error)
	// FindRunningByPod returns running jobs owned by a pod, for
	// startup recovery after a crash.
	FindRunningByPod(ctx context.Context, podID string) ([]*Job, error)
	// DeleteTerminalBefore removes terminal jobs completed before the
	// cutoff. Returns the number deleted.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// idemIndexName is the partial unique index enforcing one active job
// per (subject, idempotency_key). Must match the migration.
const idemIndexName = "jobs_active_idempotency_key"

const jobColumns = `id, subject, kind, spec, conversation_id, idempotency_key, status, error,
	pod_id, worker_id, cancel_requested, progress_stage, progress_completed, progress_total,
	created_at, started_at, completed_at, last_heartbeat_at`

// PostgresStore persists jobs in the jobs table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store on an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, job *Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, subject, kind, spec, conversation_id, idempotency_key, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)`,
		job.ID, job.Subject, string(job.Kind), []byte(job.Spec), job.ConversationID,
		job.IdempotencyKey, string(job.Status), job.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == idemIndexName {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

func (s *PostgresStore) ListBySubject(ctx context.Context, subject string) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE subject = $1 ORDER BY created_at DESC`, subject)
	if err != nil {
		return nil, fmt.Errorf("list jobs for %s: %w", subject, err)
	}
	defer func() { _ = rows.Close() }()
	return scanJobs(rows)
}

func (s *PostgresStore) FindActive(ctx context.Context, subject, idempotencyKey string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE subject = $1 AND idempotency_key = $2 AND status IN ('queued', 'running')
		 LIMIT 1`,
		subject, idempotencyKey)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active job for %s: %w", subject, err)
	}
	return job, nil
}

func (s *PostgresStore) ClaimNext(ctx context.Context, podID, workerID string) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Oldest queued job first; SKIP LOCKED keeps concurrent workers
	// from blocking on each other's claims.
	var jobID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM jobs WHERE status = 'queued'
		 ORDER BY created_at ASC LIMIT 1
		 FOR UPDATE SKIP LOCKED`).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoJobsAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("query queued job: %w", err)
	}

	row := tx.QueryRowContext(ctx,
		`UPDATE jobs SET status = 'running', pod_id = $2, worker_id = $3,
			started_at = now(), last_heartbeat_at = now()
		 WHERE id = $1
		 RETURNING `+jobColumns,
		jobID, podID, workerID)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", jobID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) MarkRunning(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'running', started_at = now(), last_heartbeat_at = now()
		 WHERE id = $1 AND status = 'queued'`, jobID)
	if err != nil {
		return fmt.Errorf("mark job %s running: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, jobID); err != nil {
		return err
	}
	return fmt.Errorf("job %s is not queued: %w", jobID, ErrInvalidTransition)
}

func (s *PostgresStore) MarkTerminal(ctx context.Context, jobID string, status Status, errMsg string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $2, error = NULLIF($3, ''), completed_at = now(),
			progress_stage = NULL, progress_completed = NULL, progress_total = NULL
		 WHERE id = $1 AND status IN ('queued', 'running')`,
		jobID, string(status), errMsg)
	if err != nil {
		return false, fmt.Errorf("mark job %s %s: %w", jobID, status, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, jobID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) CancelQueued(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'canceled', completed_at = now(),
			progress_stage = NULL, progress_completed = NULL, progress_total = NULL
		 WHERE id = $1 AND status = 'queued'`, jobID)
	if err != nil {
		return false, fmt.Errorf("cancel queued job %s: %w", jobID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, jobID string, progress models.JobProgress) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET progress_stage = $2, progress_completed = $3, progress_total = $4
		 WHERE id = $1 AND status = 'running'`,
		jobID, progress.Stage, progress.Completed, progress.Total)
	if err != nil {
		return fmt.Errorf("update progress for job %s: %w", jobID, err)
	}
	return nil
}

func (s *PostgresStore) RequestCancel(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET cancel_requested = true WHERE id = $1 AND status = 'running'`, jobID)
	if err != nil {
		return false, fmt.Errorf("request cancel for job %s: %w", jobID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, jobID string) (bool, error) {
	var cancelRequested bool
	err := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET last_heartbeat_at = now()
		 WHERE id = $1 AND status = 'running'
		 RETURNING cancel_requested`, jobID).Scan(&cancelRequested)
	if errors.Is(err, sql.ErrNoRows) {
		// No longer running; the caller's job is already terminal.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("heartbeat for job %s: %w", jobID, err)
	}
	return cancelRequested, nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context, status Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = $1`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s jobs: %w", status, err)
	}
	return n, nil
}

func (s *PostgresStore) FindStaleRunning(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'running' AND last_heartbeat_at IS NOT NULL AND last_heartbeat_at < $1`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale running jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanJobs(rows)
}

func (s *PostgresStore) FindRunningByPod(ctx context.Context, podID string) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'running' AND pod_id = $1`, podID)
	if err != nil {
		return nil, fmt.Errorf("query running jobs for pod %s: %w", podID, err)
	}
	defer func() { _ = rows.Close() }()
	return scanJobs(rows)
}

func (s *PostgresStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs
		 WHERE status IN ('succeeded', 'failed', 'canceled') AND completed_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted jobs: %w", err)
	}
	return n, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                 Job
		kind, status      string
		spec              []byte
		idemKey, errMsg   sql.NullString
		podID, workerID   sql.NullString
		progressStage     sql.NullString
		progressCompleted sql.NullInt64
		progressTotal     sql.NullInt64
		startedAt         sql.NullTime
		completedAt       sql.NullTime
		lastHeartbeatAt   sql.NullTime
	)
	err := row.Scan(&j.ID, &j.Subject, &kind, &spec, &j.ConversationID, &idemKey, &status, &errMsg,
		&podID, &workerID, &j.CancelRequested, &progressStage, &progressCompleted, &progressTotal,
		&j.CreatedAt, &startedAt, &completedAt, &lastHeartbeatAt)
	if err != nil {
		return nil, err
	}

	j.Kind = models.ArtifactKind(kind)
	j.Status = Status(status)
	j.Spec = spec
	j.IdempotencyKey = idemKey.String
	j.Error = errMsg.String
	j.PodID = podID.String
	j.WorkerID = workerID.String
	if progressStage.Valid {
		j.Progress = &models.JobProgress{
			Stage:     progressStage.String,
			Completed: int(progressCompleted.Int64),
			Total:     int(progressTotal.Int64),
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	if lastHeartbeatAt.Valid {
		t := lastHeartbeatAt.Time
		j.LastHeartbeatAt = &t
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return out, nil
}
