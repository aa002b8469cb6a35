// Package sqlstore implements leasecron.LeaseStore and leasecron.Ledger on
// a relational database through database/sql.
//
// PostgreSQL (lib/pq), SQL Server (go-mssqldb) and SQLite (go-sqlite3) are
// supported. Every lease transition is a single conditional statement, so
// the database row lock is the only synchronization between instances.
// Times are stored as BIGINT unix nanoseconds taken from the store clock.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/DEEJ4Y/leasecron"
	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	mssql "github.com/microsoft/go-mssqldb"
)

var (
	_ leasecron.LeaseStore = (*Store)(nil)
	_ leasecron.Ledger     = (*Store)(nil)
)

// Dialect selects SQL syntax and error decoding for one database.
type Dialect int

const (
	Postgres Dialect = iota + 1
	SQLServer
	SQLite
)

func (d Dialect) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case SQLServer:
		return "sqlserver"
	case SQLite:
		return "sqlite3"
	default:
		return "dialect(" + strconv.Itoa(int(d)) + ")"
	}
}

// DriverName is the database/sql driver registered for d.
func (d Dialect) DriverName() string {
	return d.String()
}

// ParseDialect maps a driver name to a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	case "sqlserver", "mssql":
		return SQLServer, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return 0, fmt.Errorf("unsupported sql dialect %q", name)
}

// Open opens a database handle for dialect.
func Open(dialect Dialect, dsn string) (*sql.DB, error) {
	if dialect < Postgres || dialect > SQLite {
		return nil, fmt.Errorf("unsupported sql dialect %v", dialect)
	}
	return sql.Open(dialect.DriverName(), dsn)
}

const (
	DefaultLeaseTable     = "leasecron_leases"
	DefaultExecutionTable = "leasecron_executions"
)

// Config holds the configuration for a Store.
type Config struct {
	DB      *sql.DB
	Dialect Dialect

	// Table names. Defaults: leasecron_leases, leasecron_executions
	LeaseTable     string
	ExecutionTable string

	// Clock supplies "now" for expiry checks. All instances must have
	// reasonably synchronized clocks. Default: real clock.
	Clock clockwork.Clock
}

// Store implements leasecron.LeaseStore and leasecron.Ledger.
type Store struct {
	db      *sql.DB
	dialect Dialect
	clock   clockwork.Clock
	q       queries
}

type queries struct {
	migrate       []string
	acquireUpdate string
	acquireInsert string
	renew         string
	release       string
	lookup        string
	insertRecord  string
	updateRecord  string
	getRecord     string
	recordsByJob  string
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// NewStore creates a new SQL-backed store. Call Migrate to create the
// tables if they do not exist yet.
func NewStore(config Config) (*Store, error) {
	if config.DB == nil {
		return nil, errors.New("db is required")
	}
	if config.Dialect < Postgres || config.Dialect > SQLite {
		return nil, fmt.Errorf("unsupported sql dialect %v", config.Dialect)
	}
	if config.LeaseTable == "" {
		config.LeaseTable = DefaultLeaseTable
	}
	if config.ExecutionTable == "" {
		config.ExecutionTable = DefaultExecutionTable
	}
	for _, table := range []string{config.LeaseTable, config.ExecutionTable} {
		if !identifier.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}

	return &Store{
		db:      config.DB,
		dialect: config.Dialect,
		clock:   config.Clock,
		q:       buildQueries(config.Dialect, config.LeaseTable, config.ExecutionTable),
	}, nil
}

func buildQueries(d Dialect, leases, executions string) queries {
	var q queries

	switch d {
	case SQLServer:
		q.migrate = []string{
			fmt.Sprintf(`IF OBJECT_ID(N'%[1]s', N'U') IS NULL
CREATE TABLE %[1]s (
  job_name      NVARCHAR(200) NOT NULL PRIMARY KEY,
  holder_id     NVARCHAR(200) NOT NULL DEFAULT N'',
  fencing_token BIGINT NOT NULL,
  expires_at    BIGINT NOT NULL
)`, leases),
			fmt.Sprintf(`IF OBJECT_ID(N'%[1]s', N'U') IS NULL
CREATE TABLE %[1]s (
  execution_id  NVARCHAR(400) NOT NULL PRIMARY KEY,
  job_name      NVARCHAR(200) NOT NULL,
  occurrence    BIGINT NOT NULL,
  holder_id     NVARCHAR(200) NOT NULL,
  fencing_token BIGINT NOT NULL,
  status        NVARCHAR(16) NOT NULL,
  started_at    BIGINT NOT NULL,
  completed_at  BIGINT NOT NULL DEFAULT 0,
  error_message NVARCHAR(MAX) NOT NULL DEFAULT N''
)`, executions),
			fmt.Sprintf(`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'ix_%[2]s_job' AND object_id = OBJECT_ID(N'%[1]s'))
CREATE INDEX ix_%[2]s_job ON %[1]s (job_name, occurrence)`, executions, indexSuffix(executions)),
		}
		q.acquireUpdate = fmt.Sprintf(`UPDATE %s
   SET holder_id = ?, fencing_token = fencing_token + 1, expires_at = ?
OUTPUT inserted.fencing_token
 WHERE job_name = ? AND expires_at <= ?`, leases)

	default:
		text, bigint := "TEXT", "BIGINT"
		if d == SQLite {
			bigint = "INTEGER"
		}
		q.migrate = []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  job_name      VARCHAR(200) NOT NULL PRIMARY KEY,
  holder_id     VARCHAR(200) NOT NULL DEFAULT '',
  fencing_token %[2]s NOT NULL,
  expires_at    %[2]s NOT NULL
)`, leases, bigint),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  execution_id  VARCHAR(400) NOT NULL PRIMARY KEY,
  job_name      VARCHAR(200) NOT NULL,
  occurrence    %[2]s NOT NULL,
  holder_id     VARCHAR(200) NOT NULL,
  fencing_token %[2]s NOT NULL,
  status        VARCHAR(16) NOT NULL,
  started_at    %[2]s NOT NULL,
  completed_at  %[2]s NOT NULL DEFAULT 0,
  error_message %[3]s NOT NULL DEFAULT ''
)`, executions, bigint, text),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS ix_%s_job ON %s (job_name, occurrence)`, indexSuffix(executions), executions),
		}
		q.acquireUpdate = fmt.Sprintf(`UPDATE %s
   SET holder_id = ?, fencing_token = fencing_token + 1, expires_at = ?
 WHERE job_name = ? AND expires_at <= ?
RETURNING fencing_token`, leases)
	}

	q.acquireInsert = fmt.Sprintf(`INSERT INTO %s (job_name, holder_id, fencing_token, expires_at) VALUES (?, ?, 1, ?)`, leases)
	q.renew = fmt.Sprintf(`UPDATE %s
   SET expires_at = ?
 WHERE job_name = ? AND holder_id = ? AND fencing_token = ? AND expires_at > ?`, leases)
	q.release = fmt.Sprintf(`UPDATE %s
   SET holder_id = '', expires_at = 0
 WHERE job_name = ? AND holder_id = ? AND fencing_token = ?`, leases)
	q.lookup = fmt.Sprintf(`SELECT holder_id, fencing_token, expires_at FROM %s WHERE job_name = ?`, leases)

	q.insertRecord = fmt.Sprintf(`INSERT INTO %s
  (execution_id, job_name, occurrence, holder_id, fencing_token, status, started_at, completed_at, error_message)
VALUES (?, ?, ?, ?, ?, ?, ?, 0, '')`, executions)
	q.updateRecord = fmt.Sprintf(`UPDATE %s
   SET status = ?, completed_at = ?, error_message = ?
 WHERE execution_id = ? AND fencing_token = ?`, executions)
	const recordColumns = `execution_id, job_name, occurrence, holder_id, fencing_token, status, started_at, completed_at, error_message`
	q.getRecord = fmt.Sprintf(`SELECT %s FROM %s WHERE execution_id = ?`, recordColumns, executions)
	q.recordsByJob = fmt.Sprintf(`SELECT %s FROM %s WHERE job_name = ? ORDER BY occurrence DESC`, recordColumns, executions)

	for i := range q.migrate {
		q.migrate[i] = d.rebind(q.migrate[i])
	}
	q.acquireUpdate = d.rebind(q.acquireUpdate)
	q.acquireInsert = d.rebind(q.acquireInsert)
	q.renew = d.rebind(q.renew)
	q.release = d.rebind(q.release)
	q.lookup = d.rebind(q.lookup)
	q.insertRecord = d.rebind(q.insertRecord)
	q.updateRecord = d.rebind(q.updateRecord)
	q.getRecord = d.rebind(q.getRecord)
	q.recordsByJob = d.rebind(q.recordsByJob)
	return q
}

func indexSuffix(table string) string {
	return strings.ReplaceAll(table, ".", "_")
}

// rebind rewrites "?" placeholders into the dialect's bind syntax.
func (d Dialect) rebind(query string) string {
	var prefix string
	switch d {
	case Postgres:
		prefix = "$"
	case SQLServer:
		prefix = "@p"
	default:
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r != '?' {
			b.WriteRune(r)
			continue
		}
		n++
		b.WriteString(prefix)
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

// Migrate creates the lease and execution tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.q.migrate {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.dialect, err)
		}
	}
	return nil
}

// Acquire claims jobName if it is free or expired.
func (s *Store) Acquire(ctx context.Context, jobName, holderID string, ttl time.Duration) (leasecron.Lease, bool, error) {
	now := s.clock.Now()
	expiresAt := now.Add(ttl)

	var token int64
	err := s.db.QueryRowContext(ctx, s.q.acquireUpdate,
		holderID, expiresAt.UnixNano(), jobName, now.UnixNano(),
	).Scan(&token)
	switch {
	case err == nil:
		return newLease(jobName, holderID, token, expiresAt), true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return leasecron.Lease{}, false, fmt.Errorf("acquire lease %q: %w", jobName, err)
	}

	// Either the lease is live or it has never been created.
	if _, err := s.db.ExecContext(ctx, s.q.acquireInsert, jobName, holderID, expiresAt.UnixNano()); err != nil {
		if s.isUniqueViolation(err) {
			return leasecron.Lease{}, false, nil
		}
		return leasecron.Lease{}, false, fmt.Errorf("create lease %q: %w", jobName, err)
	}
	return newLease(jobName, holderID, 1, expiresAt), true, nil
}

// Renew extends a live lease still held by holderID under token.
func (s *Store) Renew(ctx context.Context, jobName, holderID string, token int64, ttl time.Duration) (leasecron.Lease, bool, error) {
	now := s.clock.Now()
	expiresAt := now.Add(ttl)

	res, err := s.db.ExecContext(ctx, s.q.renew, expiresAt.UnixNano(), jobName, holderID, token, now.UnixNano())
	if err != nil {
		return leasecron.Lease{}, false, fmt.Errorf("renew lease %q: %w", jobName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return leasecron.Lease{}, false, fmt.Errorf("renew lease %q: %w", jobName, err)
	}
	if n == 0 {
		return leasecron.Lease{}, false, nil
	}
	return newLease(jobName, holderID, token, expiresAt), true, nil
}

// Release frees the lease if holderID and token still match. The row and
// its fencing token are kept.
func (s *Store) Release(ctx context.Context, jobName, holderID string, token int64) error {
	if _, err := s.db.ExecContext(ctx, s.q.release, jobName, holderID, token); err != nil {
		return fmt.Errorf("release lease %q: %w", jobName, err)
	}
	return nil
}

// Lookup returns the stored lease for jobName.
func (s *Store) Lookup(ctx context.Context, jobName string) (leasecron.Lease, bool, error) {
	var (
		holderID  string
		token     int64
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, s.q.lookup, jobName).Scan(&holderID, &token, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return leasecron.Lease{}, false, nil
		}
		return leasecron.Lease{}, false, fmt.Errorf("lookup lease %q: %w", jobName, err)
	}
	return newLease(jobName, holderID, token, fromUnixNano(expiresAt)), true, nil
}

// InsertIfAbsent stores rec unless its execution id is already known.
func (s *Store) InsertIfAbsent(ctx context.Context, rec leasecron.ExecutionRecord) (bool, error) {
	_, err := s.db.ExecContext(ctx, s.q.insertRecord,
		rec.ExecutionID,
		rec.JobName,
		toUnixNano(rec.Occurrence),
		rec.HolderID,
		rec.FencingToken,
		string(rec.Status),
		toUnixNano(rec.StartedAt),
	)
	if err != nil {
		if s.isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert execution %s: %w", rec.ExecutionID, err)
	}
	return true, nil
}

// Update writes the terminal state of an execution owned by update.FencingToken.
func (s *Store) Update(ctx context.Context, executionID string, update leasecron.ExecutionUpdate) error {
	res, err := s.db.ExecContext(ctx, s.q.updateRecord,
		string(update.Status),
		toUnixNano(update.CompletedAt),
		update.Error,
		executionID,
		update.FencingToken,
	)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", executionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update execution %s: %w", executionID, err)
	}
	if n == 0 {
		return leasecron.ErrRecordNotOwned
	}
	return nil
}

// Get returns the record stored for executionID.
func (s *Store) Get(ctx context.Context, executionID string) (leasecron.ExecutionRecord, bool, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, s.q.getRecord, executionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return leasecron.ExecutionRecord{}, false, nil
		}
		return leasecron.ExecutionRecord{}, false, fmt.Errorf("get execution %s: %w", executionID, err)
	}
	return rec, true, nil
}

// Executions returns the records of jobName, most recent occurrence first.
func (s *Store) Executions(ctx context.Context, jobName string) ([]leasecron.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q.recordsByJob, jobName)
	if err != nil {
		return nil, fmt.Errorf("list executions of %q: %w", jobName, err)
	}
	defer rows.Close()

	var out []leasecron.ExecutionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list executions of %q: %w", jobName, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (leasecron.ExecutionRecord, error) {
	var rec leasecron.ExecutionRecord
	var status string
	var occurrence, startedAt, completedAt int64
	err := row.Scan(
		&rec.ExecutionID,
		&rec.JobName,
		&occurrence,
		&rec.HolderID,
		&rec.FencingToken,
		&status,
		&startedAt,
		&completedAt,
		&rec.Error,
	)
	if err != nil {
		return leasecron.ExecutionRecord{}, err
	}
	rec.Status = leasecron.ExecutionStatus(status)
	rec.Occurrence = fromUnixNano(occurrence)
	rec.StartedAt = fromUnixNano(startedAt)
	rec.CompletedAt = fromUnixNano(completedAt)
	return rec, nil
}

func (s *Store) isUniqueViolation(err error) bool {
	switch s.dialect {
	case Postgres:
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == "23505"
	case SQLServer:
		var mssqlErr mssql.Error
		return errors.As(err, &mssqlErr) && (mssqlErr.Number == 2627 || mssqlErr.Number == 2601)
	case SQLite:
		var sqliteErr sqlite3.Error
		return errors.As(err, &sqliteErr) &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique)
	}
	return false
}

func newLease(jobName, holderID string, token int64, expiresAt time.Time) leasecron.Lease {
	return leasecron.Lease{
		JobName:      jobName,
		HolderID:     holderID,
		ExpiresAt:    expiresAt,
		FencingToken: token,
	}
}

// Zero times are stored as 0 so that a released lease reads as expired.
func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
