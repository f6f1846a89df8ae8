package uws

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Defaults applied by the store when CreateOptions leave fields zero.
// Callers with a service manifest normally resolve these themselves.
const (
	DefaultExecutionDuration = time.Hour
	DefaultLifetime          = 48 * time.Hour
	DefaultLockLease         = 2 * time.Minute
)

// acquirePollInterval is the claim retry cadence inside Acquire.
const acquirePollInterval = 25 * time.Millisecond

// sqlTimeLayout is the stored timestamp format: UTC with fixed-width
// fractional seconds, so lexicographic order matches chronological order.
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqlTimeLayout)
}

// parseSQLTime accepts any RFC 3339 fraction width, so hand-written rows
// stay readable.
func parseSQLTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Config configures a job store.
type Config struct {
	// DataDir is the root of durable local storage. Job working
	// directories live under DataDir/jobs/<jobId>; the database file
	// defaults to DataDir/stratus.db.
	DataDir string

	// Path overrides the database file location.
	Path string

	// URL is a libsql/Turso URL, e.g. libsql://your-db.turso.io.
	// Requires a cgo-enabled build.
	URL string

	// AuthToken is appended to URL-based DSNs as authToken=... when not
	// already present.
	AuthToken string

	// LockLease bounds how long a crashed claim holder can block a job.
	// Zero uses DefaultLockLease.
	LockLease time.Duration

	// ReadOnly rejects every mutation with ErrReadOnly.
	ReadOnly bool

	// Logger defaults to a nop logger.
	Logger *zap.Logger
}

// Store is the durable job table plus per-job working directories.
//
// Mutations of a job go through Acquire/Update/Release; the exclusive claim
// lives in the jobs row itself, so it holds across OS processes (server,
// workers, reaper). Reads outside a claim are best-effort snapshots and
// never block writers.
type Store struct {
	db        *sql.DB
	dataDir   string
	lockLease time.Duration
	readOnly  bool
	logger    *zap.Logger

	// writeMu serializes this process's writers. SQLite allows only one
	// writer at a time; funneling writes avoids busy errors between our
	// own goroutines.
	writeMu sync.Mutex
}

// OpenStore opens (creating if needed) the job database and working
// directory root, and migrates the schema.
func OpenStore(ctx context.Context, cfg Config) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(cfg.DataDir) == "" && strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("job store data dir is required")
	}

	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := openDB(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:        db,
		dataDir:   filepath.Clean(cfg.DataDir),
		lockLease: cfg.LockLease,
		readOnly:  cfg.ReadOnly,
		logger:    cfg.Logger,
	}
	if s.lockLease <= 0 {
		s.lockLease = DefaultLockLease
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	if cfg.DataDir != "" {
		if err := os.MkdirAll(s.jobsDir(), 0755); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create jobs directory: %w", err)
		}
	}

	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WorkDir returns the private working directory for a job id.
func (s *Store) WorkDir(jobID string) string {
	return filepath.Join(s.jobsDir(), jobID)
}

func (s *Store) jobsDir() string {
	return filepath.Join(s.dataDir, "jobs")
}

func buildDSN(cfg Config) (string, error) {
	if u := strings.TrimSpace(cfg.URL); u != "" {
		return addAuthToken(u, cfg.AuthToken)
	}

	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = filepath.Join(cfg.DataDir, "stratus.db")
	}
	if path == ":memory:" {
		return path, nil
	}

	if strings.HasPrefix(path, "file:") || strings.HasPrefix(path, "libsql:") {
		if strings.HasPrefix(path, "file:") {
			localPath, err := extractFilePath(path)
			if err != nil {
				return "", err
			}
			if err := ensureStoreDir(localPath); err != nil {
				return "", err
			}
		}
		return path, nil
	}

	if err := ensureStoreDir(path); err != nil {
		return "", err
	}

	return "file:" + filepath.Clean(path), nil
}

func addAuthToken(dsn string, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return dsn, nil
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store url: %w", err)
	}

	query := parsed.Query()
	if query.Get("authToken") == "" {
		query.Set("authToken", token)
		parsed.RawQuery = query.Encode()
	}

	return parsed.String(), nil
}

func extractFilePath(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store path: %w", err)
	}

	if parsed.Path != "" {
		return strings.TrimPrefix(parsed.Path, "//"), nil
	}

	return strings.TrimPrefix(parsed.Opaque, "//"), nil
}

func configureLocalSQLite(ctx context.Context, db *sql.DB, dsn string) error {
	if db == nil {
		return errors.New("store connection is nil")
	}
	if dsn == ":memory:" {
		return nil
	}
	if !strings.HasPrefix(dsn, "file:") {
		return nil
	}

	// Keep a single connection and use WAL to reduce lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}

	return nil
}

func ensureStoreDir(path string) error {
	if strings.TrimSpace(path) == "" || path == ":memory:" {
		return nil
	}

	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}

// Create inserts a new PENDING job and its working directory. The two are
// created together: if the row insert fails, the directory is removed.
func (s *Store) Create(ctx context.Context, service string, opts CreateOptions) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.readOnly {
		return "", &JobError{Op: "Create", Err: ErrReadOnly}
	}
	if strings.TrimSpace(service) == "" {
		return "", &JobError{Op: "Create", Err: errors.New("service is required")}
	}

	now := time.Now().UTC()
	jobID := uuid.New().String()

	duration := opts.ExecutionDuration
	if duration <= 0 {
		duration = DefaultExecutionDuration
	}
	destruction := opts.DestructionTime
	if destruction.IsZero() {
		destruction = now.Add(DefaultLifetime)
	}

	params := opts.Parameters
	if params == nil {
		params = map[string]string{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode parameters: %w", err)
	}

	wd := s.WorkDir(jobID)
	if err := os.MkdirAll(wd, 0755); err != nil {
		return "", fmt.Errorf("create job directory: %w", err)
	}

	s.writeMu.Lock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs
		 (job_id, service, phase, owner, run_id, execution_duration,
		  destruction_time, pid, parameters, created)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		jobID, service, string(PhasePending),
		nullString(opts.Owner), nullString(opts.RunID),
		int64(duration.Seconds()), fmtTime(destruction), string(paramsJSON), fmtTime(now))
	s.writeMu.Unlock()

	if err != nil {
		_ = os.RemoveAll(wd)
		return "", fmt.Errorf("insert job: %w", err)
	}

	return jobID, nil
}

// Acquire takes the exclusive claim on a job, waiting up to timeout for the
// current holder to release. It fails with ErrLocked after the timeout and
// ErrJobNotFound when the row is absent.
//
// The claim is a row-level lease: claiming succeeds when the row is
// unclaimed or the previous holder's lease expired. Holders renew the lease
// on every Update.
func (s *Store) Acquire(ctx context.Context, jobID string, timeout time.Duration) (*JobHandle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.readOnly {
		return nil, &JobError{Op: "Acquire", JobID: jobID, Err: ErrReadOnly}
	}

	token := uuid.New().String()
	deadline := time.Now().Add(timeout)

	for {
		claimed, err := s.tryClaim(ctx, jobID, token)
		if err != nil {
			return nil, err
		}
		if claimed {
			job, err := s.getJob(ctx, jobID)
			if err != nil {
				return nil, err
			}
			return &JobHandle{store: s, job: job, token: token}, nil
		}

		if !time.Now().Before(deadline) {
			return nil, &JobError{Op: "Acquire", JobID: jobID, Err: ErrLocked}
		}

		select {
		case <-ctx.Done():
			return nil, &JobError{Op: "Acquire", JobID: jobID, Err: ctx.Err()}
		case <-time.After(acquirePollInterval):
		}
	}
}

func (s *Store) tryClaim(ctx context.Context, jobID, token string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET lock_token=?, lock_expires=?
		 WHERE job_id=? AND (lock_token IS NULL OR lock_token='' OR lock_expires < ?)`,
		token, now.Add(s.lockLease).UnixMilli(), jobID, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	// Claim failed: either the row is gone or another holder has it.
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE job_id=?`, jobID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, &JobError{Op: "Acquire", JobID: jobID, Err: ErrJobNotFound}
	}
	if err != nil {
		return false, fmt.Errorf("check job: %w", err)
	}
	return false, nil
}

// JobHandle is an exclusive claim on one job. Exactly one holder exists at
// a time; mutations go through Update and become durable before it returns.
type JobHandle struct {
	store    *Store
	job      *Job
	token    string
	released bool
}

// Job returns the claimed record. Treat it as read-only; mutate through
// Update.
func (h *JobHandle) Job() *Job {
	return h.job
}

// Update applies mutate to the job and persists every field in one write,
// renewing the claim lease. If the lease was lost (expired and reclaimed),
// Update fails with ErrLocked and nothing is written.
//
// Whenever the phase leaves the worker-carrying states the pid is cleared,
// keeping the record consistent no matter what mutate did.
func (h *JobHandle) Update(ctx context.Context, mutate func(*Job)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if h.released {
		return &JobError{Op: "Update", JobID: h.job.ID, Err: errors.New("handle already released")}
	}

	mutate(h.job)
	if !h.job.Phase.HasWorker() {
		h.job.PID = 0
	}

	paramsJSON, err := json.Marshal(h.job.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	var errText any
	if h.job.Error != nil {
		encoded, err := h.job.Error.encode()
		if err != nil {
			return err
		}
		errText = encoded
	}

	s := h.store
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
			phase=?, owner=?, run_id=?, quote=?, execution_duration=?,
			destruction_time=?, start_time=?, end_time=?, pid=?,
			parameters=?, error=?, lock_expires=?
		 WHERE job_id=? AND lock_token=?`,
		string(h.job.Phase), nullString(h.job.Owner), nullString(h.job.RunID),
		nullTime(h.job.Quote), int64(h.job.ExecutionDuration.Seconds()),
		fmtTime(h.job.DestructionTime), nullTime(h.job.StartTime), nullTime(h.job.EndTime),
		h.job.PID, string(paramsJSON), errText,
		time.Now().Add(s.lockLease).UnixMilli(),
		h.job.ID, h.token)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n == 0 {
		return &JobError{Op: "Update", JobID: h.job.ID, Err: fmt.Errorf("%w: claim lost", ErrLocked)}
	}
	return nil
}

// Release drops the claim. Idempotent; safe to defer.
func (h *JobHandle) Release(ctx context.Context) error {
	if h.released {
		return nil
	}
	h.released = true

	if ctx == nil {
		ctx = context.Background()
	}

	s := h.store
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET lock_token=NULL, lock_expires=0 WHERE job_id=? AND lock_token=?`,
		h.job.ID, h.token)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return nil
}

// Get returns a snapshot of one job without claiming it.
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.getJob(ctx, jobID)
}

const jobColumns = `job_id, service, phase, owner, run_id, quote,
	execution_duration, destruction_time, start_time, end_time, pid,
	parameters, error, created`

func (s *Store) getJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id=?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &JobError{Op: "Get", JobID: jobID, Err: ErrJobNotFound}
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns a snapshot of jobs matching the filter, oldest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	var conds []string
	var args []any
	if f.Phase != "" {
		conds = append(conds, "phase = ?")
		args = append(args, string(f.Phase))
	}
	if f.Service != "" {
		conds = append(conds, "service = ?")
		args = append(args, f.Service)
	}
	if f.Owner != "" {
		conds = append(conds, "owner = ?")
		args = append(args, f.Owner)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created ASC, job_id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// CountRunning counts jobs occupying a concurrency slot (EXECUTING plus
// launched-but-unconfirmed UNKNOWN).
func (s *Store) CountRunning(ctx context.Context) (int, error) {
	return s.countPhases(ctx, PhaseExecuting, PhaseUnknown)
}

// CountQueued counts QUEUED jobs.
func (s *Store) CountQueued(ctx context.Context) (int, error) {
	return s.countPhases(ctx, PhaseQueued)
}

func (s *Store) countPhases(ctx context.Context, phases ...Phase) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	marks := make([]string, len(phases))
	args := make([]any, len(phases))
	for i, p := range phases {
		marks[i] = "?"
		args[i] = string(p)
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE phase IN (`+strings.Join(marks, ",")+`)`,
		args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// PhaseCounts returns the job population per phase, zero-filled for every
// known phase so gauge consumers reset emptied phases.
func (s *Store) PhaseCounts(ctx context.Context) (map[Phase]int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	counts := make(map[Phase]int, len(AllPhases()))
	for _, p := range AllPhases() {
		counts[p] = 0
	}

	rows, err := s.db.QueryContext(ctx, `SELECT phase, COUNT(*) FROM jobs GROUP BY phase`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by phase: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var phase string
		var n int
		if err := rows.Scan(&phase, &n); err != nil {
			return nil, fmt.Errorf("scan phase count: %w", err)
		}
		counts[Phase(phase)] = n
	}
	return counts, rows.Err()
}

// QueuedJobIDs returns QUEUED job ids in admission order. Ordering happens
// here in one place so the policy stays swappable.
func (s *Store) QueuedJobIDs(ctx context.Context, order QueueOrder) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, destruction_time, created FROM jobs WHERE phase=?`,
		string(PhaseQueued))
	if err != nil {
		return nil, fmt.Errorf("list queued jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type entry struct {
		id          string
		destruction time.Time
		created     time.Time
	}
	var entries []entry
	for rows.Next() {
		var e entry
		var destruction, created string
		if err := rows.Scan(&e.id, &destruction, &created); err != nil {
			return nil, fmt.Errorf("scan queued job: %w", err)
		}
		if e.destruction, err = parseSQLTime(destruction); err != nil {
			return nil, err
		}
		if e.created, err = parseSQLTime(created); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		switch order {
		case OrderCreated:
			return entries[i].created.Before(entries[j].created)
		default:
			return entries[i].destruction.Before(entries[j].destruction)
		}
	})

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids, nil
}

// ExpiredJobIDs returns ids of jobs whose destruction time has passed,
// whatever their phase.
func (s *Store) ExpiredJobIDs(ctx context.Context, now time.Time) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx, `SELECT job_id, destruction_time FROM jobs`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		destruction, err := parseSQLTime(raw)
		if err != nil {
			return nil, err
		}
		if destruction.Before(now) {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

// RunningJobs returns a snapshot of every job holding a concurrency slot.
// Used by the liveness pass, which needs the pids.
func (s *Store) RunningJobs(ctx context.Context) ([]Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE phase IN (?, ?) ORDER BY created ASC`,
		string(PhaseExecuting), string(PhaseUnknown))
	if err != nil {
		return nil, fmt.Errorf("list running jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// Delete removes the job's rows and working directory. Directory removal is
// best-effort: its failure never blocks the row deletion. Callers normally
// route through the DESTROYED transition first.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.readOnly {
		return &JobError{Op: "Delete", JobID: jobID, Err: ErrReadOnly}
	}

	s.writeMu.Lock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.writeMu.Unlock()
		return fmt.Errorf("begin tx: %w", err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM results WHERE job_id=?`, jobID)
	if err != nil {
		_ = tx.Rollback()
		s.writeMu.Unlock()
		return fmt.Errorf("delete results: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id=?`, jobID)
	if err != nil {
		_ = tx.Rollback()
		s.writeMu.Unlock()
		return fmt.Errorf("delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		s.writeMu.Unlock()
		return fmt.Errorf("delete job: %w", err)
	}
	if n == 0 {
		_ = tx.Rollback()
		s.writeMu.Unlock()
		return &JobError{Op: "Delete", JobID: jobID, Err: ErrJobNotFound}
	}
	if err := tx.Commit(); err != nil {
		s.writeMu.Unlock()
		return fmt.Errorf("commit delete: %w", err)
	}
	s.writeMu.Unlock()

	if err := os.RemoveAll(s.WorkDir(jobID)); err != nil {
		s.logger.Warn("Failed to remove job directory",
			zap.String("job_id", jobID),
			zap.Error(err))
	}
	return nil
}

// AddResult registers a named artifact for a job.
func (s *Store) AddResult(ctx context.Context, rec ResultRecord) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.readOnly {
		return &JobError{Op: "AddResult", JobID: rec.JobID, Err: ErrReadOnly}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO results (job_id, name, mime_type, created) VALUES (?, ?, ?, ?)`,
		rec.JobID, rec.Name, rec.MimeType, fmtTime(time.Now()))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return &JobError{Op: "AddResult", JobID: rec.JobID, Err: fmt.Errorf("%w: %s", ErrResultExists, rec.Name)}
		}
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// Results lists a job's result records in name order.
func (s *Store) Results(ctx context.Context, jobID string) ([]ResultRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, name, mime_type FROM results WHERE job_id=? ORDER BY name ASC`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []ResultRecord
	for rows.Next() {
		var r ResultRecord
		if err := rows.Scan(&r.JobID, &r.Name, &r.MimeType); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// GetResult returns one result record by name.
func (s *Store) GetResult(ctx context.Context, jobID, name string) (*ResultRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var r ResultRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, name, mime_type FROM results WHERE job_id=? AND name=?`,
		jobID, name).Scan(&r.JobID, &r.Name, &r.MimeType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &JobError{Op: "GetResult", JobID: jobID, Err: fmt.Errorf("%w: %s", ErrResultNotFound, name)}
	}
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	return &r, nil
}

// ConsumeError retrieves the one-shot error payload and marks it consumed.
// The second retrieval fails with ErrErrorConsumed; jobs without a payload
// fail with ErrNoErrorPayload.
func (s *Store) ConsumeError(ctx context.Context, jobID string) (*ErrorPayload, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.readOnly {
		return nil, &JobError{Op: "ConsumeError", JobID: jobID, Err: ErrReadOnly}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var errText sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT error FROM jobs WHERE job_id=?`, jobID).Scan(&errText)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &JobError{Op: "ConsumeError", JobID: jobID, Err: ErrJobNotFound}
	}
	if err != nil {
		return nil, fmt.Errorf("read error payload: %w", err)
	}
	if !errText.Valid || errText.String == "" {
		return nil, &JobError{Op: "ConsumeError", JobID: jobID, Err: ErrNoErrorPayload}
	}

	payload, err := decodeErrorPayload(errText.String)
	if err != nil {
		return nil, err
	}
	if payload.Consumed {
		return nil, &JobError{Op: "ConsumeError", JobID: jobID, Err: ErrErrorConsumed}
	}

	consumed := *payload
	consumed.Consumed = true
	encoded, err := consumed.encode()
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET error=? WHERE job_id=?`, encoded, jobID); err != nil {
		return nil, fmt.Errorf("mark error consumed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return payload, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j           Job
		owner       sql.NullString
		runID       sql.NullString
		quote       sql.NullString
		durationSec int64
		destruction string
		startTime   sql.NullString
		endTime     sql.NullString
		paramsJSON  string
		errText     sql.NullString
		created     string
	)

	err := row.Scan(
		&j.ID, &j.Service, &j.Phase, &owner, &runID, &quote,
		&durationSec, &destruction, &startTime, &endTime, &j.PID,
		&paramsJSON, &errText, &created)
	if err != nil {
		return nil, err
	}

	if owner.Valid {
		j.Owner = owner.String
	}
	if runID.Valid {
		j.RunID = runID.String
	}
	if j.DestructionTime, err = parseSQLTime(destruction); err != nil {
		return nil, err
	}
	if j.Created, err = parseSQLTime(created); err != nil {
		return nil, err
	}
	if j.Quote, err = scanNullTime(quote); err != nil {
		return nil, err
	}
	j.ExecutionDuration = time.Duration(durationSec) * time.Second
	if j.StartTime, err = scanNullTime(startTime); err != nil {
		return nil, err
	}
	if j.EndTime, err = scanNullTime(endTime); err != nil {
		return nil, err
	}
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &j.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters: %w", err)
		}
	}
	if j.Parameters == nil {
		j.Parameters = map[string]string{}
	}
	if errText.Valid && errText.String != "" {
		payload, err := decodeErrorPayload(errText.String)
		if err != nil {
			return nil, err
		}
		j.Error = payload
	}

	return &j, nil
}

func scanNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseSQLTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}
