/*
Package sqlite provides a SQLite-backed implementation of the pipeline store contracts.

PURPOSE:
  Implements pipeline.TxStore and pipeline.RunLog on SQLite. In production
  the same patterns apply to PostgreSQL with minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  pipeline.Store:   entries, stage history, open-row scans, group-by totals
  pipeline.TxStore: WithTx over a single *sql.Tx
  pipeline.RunLog:  reconciliation run records

STORAGE BOUNDARY:
  Money is stored as INTEGER cents and decoded into decimal.Decimal here, so
  SUM() stays exact and the core never inspects driver values. Timestamps are
  fixed-width UTC text, which keeps lexical and chronological order equal.

KEY TABLES:
  entries:             pipeline entries with the denormalized expected disbursement
  stage_history:       one row per stage occupancy, cascaded on entry delete
  reconciliation_runs: one row per reconciliation pass

INDEXES:
  - idx_stage_history_one_open: at most one open row per entry, enforced by the database
  - idx_stage_history_entry:    history listing in entry order
  - idx_stage_history_open:     reconciliation scans of open rows
  - idx_entries_status_created: default listing (Active, newest first)

CONCURRENCY:
  The pool is limited to one connection. SQLite serializes writers anyway,
  and ":memory:" databases exist per connection.

USAGE:
  store, err := sqlite.New("./data/pipeline.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc, err := pipeline.NewService(store, stage.Default())

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - pipeline/store.go: Interface definitions
  - pipeline/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/loan-pipeline/pipeline"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	ops
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", pipeline.ErrStoreUnavailable, err)
	}

	store := &Store{ops: ops{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrStoreUnavailable, err)
	}
	return nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		entity_name TEXT NOT NULL DEFAULT '',
		contact_name TEXT NOT NULL DEFAULT '',
		contact_phone TEXT NOT NULL DEFAULT '',
		loan_stage TEXT NOT NULL DEFAULT '',
		loan_stage_entered_at TEXT NOT NULL,
		amount_cents INTEGER NOT NULL DEFAULT 0,
		supplemental_cents INTEGER NOT NULL DEFAULT 0,
		expected_cents INTEGER NOT NULL DEFAULT 0,
		region TEXT NOT NULL DEFAULT '',
		product TEXT NOT NULL DEFAULT '',
		client_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'Active',
		estimated_closing_date TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_status_created
		ON entries(status, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_entries_region
		ON entries(region);

	-- Stage history (append-only apart from exit and delay fields)
	CREATE TABLE IF NOT EXISTS stage_history (
		id TEXT PRIMARY KEY,
		entry_id TEXT NOT NULL REFERENCES entries(id) ON DELETE CASCADE,
		stage_name TEXT NOT NULL DEFAULT '',
		entered_at TEXT NOT NULL,
		exited_at TEXT,
		was_delayed INTEGER NOT NULL DEFAULT 0,
		delay_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_stage_history_entry
		ON stage_history(entry_id, entered_at);
	CREATE INDEX IF NOT EXISTS idx_stage_history_open
		ON stage_history(entered_at) WHERE exited_at IS NULL;

	-- CRITICAL: at most one open row per entry
	CREATE UNIQUE INDEX IF NOT EXISTS idx_stage_history_one_open
		ON stage_history(entry_id) WHERE exited_at IS NULL;

	-- Reconciliation Runs (for scheduled reconciliation)
	CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		as_of TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		scanned INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		now_delayed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_started
		ON reconciliation_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (pipeline.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store pipeline.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{ops: ops{q: sqlTx}}); err != nil {
		return err
	}

	return wrapErr("commit transaction", sqlTx.Commit())
}

type txStore struct {
	ops
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ops holds every query; Store runs them on the pool, txStore inside one transaction.
type ops struct {
	q querier
}

// =============================================================================
// ENTRIES
// =============================================================================

const entryColumns = `e.id, e.entity_name, e.contact_name, e.contact_phone, e.loan_stage,
	e.loan_stage_entered_at, e.amount_cents, e.supplemental_cents, e.expected_cents,
	e.region, e.product, e.client_type, e.status, e.estimated_closing_date,
	e.created_at, e.updated_at`

func (o ops) CreateEntry(ctx context.Context, e pipeline.Entry) error {
	query := `
		INSERT INTO entries
		(id, entity_name, contact_name, contact_phone, loan_stage, loan_stage_entered_at,
		 amount_cents, supplemental_cents, expected_cents, region, product, client_type,
		 status, estimated_closing_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := o.q.ExecContext(ctx, query,
		string(e.ID),
		e.EntityName,
		e.ContactName,
		e.ContactPhone,
		e.LoanStage,
		formatTime(e.LoanStageEnteredAt),
		toCents(e.Amount),
		toCents(e.SupplementalAmount),
		toCents(e.ExpectedDisbursement),
		e.Region,
		e.Product,
		e.ClientType,
		string(e.Status),
		nullTime(e.EstimatedClosingDate),
		formatTime(e.CreatedAt),
		formatTime(e.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return pipeline.ErrDuplicateEntry
		}
		return wrapErr("insert entry", err)
	}
	return nil
}

func (o ops) GetEntry(ctx context.Context, id pipeline.EntryID) (*pipeline.Entry, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries e WHERE e.id = ?`, string(id))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get entry", err)
	}
	return &e, nil
}

// UpdateEntry reads, patches and rewrites the row. Run it inside WithTx when
// the read-modify-write must be atomic.
func (o ops) UpdateEntry(ctx context.Context, id pipeline.EntryID, patch pipeline.EntryPatch) (*pipeline.Entry, error) {
	e, err := o.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, pipeline.ErrEntryNotFound
	}
	patch.Apply(e)

	query := `
		UPDATE entries SET
			entity_name = ?, contact_name = ?, contact_phone = ?,
			loan_stage = ?, loan_stage_entered_at = ?,
			amount_cents = ?, supplemental_cents = ?, expected_cents = ?,
			region = ?, product = ?, client_type = ?, status = ?,
			estimated_closing_date = ?, updated_at = ?
		WHERE id = ?
	`
	_, err = o.q.ExecContext(ctx, query,
		e.EntityName, e.ContactName, e.ContactPhone,
		e.LoanStage, formatTime(e.LoanStageEnteredAt),
		toCents(e.Amount), toCents(e.SupplementalAmount), toCents(e.ExpectedDisbursement),
		e.Region, e.Product, e.ClientType, string(e.Status),
		nullTime(e.EstimatedClosingDate), formatTime(e.UpdatedAt),
		string(id),
	)
	if err != nil {
		return nil, wrapErr("update entry", err)
	}
	return e, nil
}

// DeleteEntry removes the entry; ON DELETE CASCADE removes its history.
func (o ops) DeleteEntry(ctx context.Context, id pipeline.EntryID) error {
	res, err := o.q.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, string(id))
	if err != nil {
		return wrapErr("delete entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pipeline.ErrEntryNotFound
	}
	return nil
}

func (o ops) ListEntries(ctx context.Context, filter pipeline.Filter, page pipeline.Page) ([]pipeline.Entry, int, error) {
	where, args := buildWhere(filter)
	page = page.Normalized()

	var total int
	if err := o.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries e`+where, args...).Scan(&total); err != nil {
		return nil, 0, wrapErr("count entries", err)
	}

	query := `SELECT ` + entryColumns + ` FROM entries e` + where +
		` ORDER BY e.created_at DESC, e.id ASC LIMIT ? OFFSET ?`
	rows, err := o.q.QueryContext(ctx, query, append(args, page.Size, page.Offset())...)
	if err != nil {
		return nil, 0, wrapErr("list entries", err)
	}
	defer rows.Close()

	entries := []pipeline.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, wrapErr("scan entry", err)
		}
		entries = append(entries, e)
	}
	return entries, total, wrapErr("list entries", rows.Err())
}

// =============================================================================
// STAGE HISTORY
// =============================================================================

const historyColumns = `h.id, h.entry_id, h.stage_name, h.entered_at, h.exited_at, h.was_delayed, h.delay_message`

func (o ops) CreateHistoryRow(ctx context.Context, r pipeline.HistoryRow) error {
	query := `
		INSERT INTO stage_history (id, entry_id, stage_name, entered_at, exited_at, was_delayed, delay_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := o.q.ExecContext(ctx, query,
		string(r.ID),
		string(r.EntryID),
		r.StageName,
		formatTime(r.EnteredAt),
		nullTime(r.ExitedAt),
		r.WasDelayed,
		nullString(r.DelayMessage),
	)
	if err != nil {
		if isForeignKeyError(err) {
			return pipeline.ErrEntryNotFound
		}
		return wrapErr("insert history row", err)
	}
	return nil
}

func (o ops) FindOpenHistoryRow(ctx context.Context, entryID pipeline.EntryID) (*pipeline.HistoryRow, error) {
	query := `SELECT ` + historyColumns + ` FROM stage_history h
		WHERE h.entry_id = ? AND h.exited_at IS NULL
		ORDER BY h.entered_at DESC LIMIT 1`

	r, err := scanHistoryRow(o.q.QueryRowContext(ctx, query, string(entryID)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("find open history row", err)
	}
	return &r, nil
}

// UpdateHistoryRow patches the delay fields and, when set, the exit time.
// With RequireOpen the write only applies while exited_at IS NULL.
func (o ops) UpdateHistoryRow(ctx context.Context, id pipeline.RowID, patch pipeline.HistoryPatch) error {
	query := `
		UPDATE stage_history SET
			exited_at = COALESCE(?, exited_at),
			was_delayed = ?,
			delay_message = ?
		WHERE id = ?
	`
	if patch.RequireOpen {
		query += ` AND exited_at IS NULL`
	}

	res, err := o.q.ExecContext(ctx, query,
		nullTime(patch.ExitedAt),
		patch.WasDelayed,
		nullString(patch.DelayMessage),
		string(id),
	)
	if err != nil {
		return wrapErr("update history row", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists int
	err = o.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM stage_history WHERE id = ?`, string(id)).Scan(&exists)
	if err != nil {
		return wrapErr("check history row", err)
	}
	if exists == 0 {
		return pipeline.ErrHistoryRowNotFound
	}
	return pipeline.ErrHistoryRowClosed
}

func (o ops) ListHistory(ctx context.Context, entryID pipeline.EntryID) ([]pipeline.HistoryRow, error) {
	query := `SELECT ` + historyColumns + ` FROM stage_history h
		WHERE h.entry_id = ? ORDER BY h.entered_at ASC, h.rowid ASC`

	rows, err := o.q.QueryContext(ctx, query, string(entryID))
	if err != nil {
		return nil, wrapErr("list history", err)
	}
	defer rows.Close()

	out := []pipeline.HistoryRow{}
	for rows.Next() {
		r, err := scanHistoryRow(rows)
		if err != nil {
			return nil, wrapErr("scan history row", err)
		}
		out = append(out, r)
	}
	return out, wrapErr("list history", rows.Err())
}

func (o ops) FindOpenHistoryRows(ctx context.Context, q pipeline.OpenRowQuery) ([]pipeline.OpenRow, error) {
	conds := []string{"h.exited_at IS NULL"}
	var args []any
	if q.DelayedOnly {
		conds = append(conds, "h.was_delayed = 1")
	}
	if q.Entries != nil {
		c, a := filterConditions(*q.Entries)
		conds = append(conds, c...)
		args = append(args, a...)
	}

	query := `SELECT ` + historyColumns + `, ` + entryColumns + `
		FROM stage_history h JOIN entries e ON e.id = h.entry_id
		WHERE ` + strings.Join(conds, " AND ") + `
		ORDER BY h.entered_at ASC, h.id ASC`

	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("find open history rows", err)
	}
	defer rows.Close()

	out := []pipeline.OpenRow{}
	for rows.Next() {
		var hs historyScan
		var es entryScan
		if err := rows.Scan(append(hs.dest(), es.dest()...)...); err != nil {
			return nil, wrapErr("scan open row", err)
		}
		out = append(out, pipeline.OpenRow{Row: hs.row(), Entry: es.entry()})
	}
	return out, wrapErr("find open history rows", rows.Err())
}

// =============================================================================
// GROUP-BY AGGREGATION
// =============================================================================

var groupColumns = map[pipeline.GroupField]string{
	pipeline.GroupRegion:     "e.region",
	pipeline.GroupStage:      "e.loan_stage",
	pipeline.GroupProduct:    "e.product",
	pipeline.GroupClientType: "e.client_type",
}

func (o ops) GroupTotals(ctx context.Context, filter pipeline.Filter, fields ...pipeline.GroupField) ([]pipeline.GroupTotal, error) {
	cols := make([]string, 0, len(fields))
	for _, f := range fields {
		col, ok := groupColumns[f]
		if !ok {
			return nil, fmt.Errorf("group totals: unsupported field %q", f)
		}
		cols = append(cols, col)
	}

	where, args := buildWhere(filter)
	selectCols := append(append([]string{}, cols...),
		"COALESCE(SUM(e.expected_cents), 0)",
		"COALESCE(SUM(e.amount_cents + e.supplemental_cents), 0)",
		"COUNT(*)",
	)
	query := `SELECT ` + strings.Join(selectCols, ", ") + ` FROM entries e` + where
	if len(cols) > 0 {
		list := strings.Join(cols, ", ")
		query += ` GROUP BY ` + list + ` ORDER BY ` + list
	}

	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("group totals", err)
	}
	defer rows.Close()

	out := []pipeline.GroupTotal{}
	for rows.Next() {
		keys := make([]string, len(fields))
		var expected, raw int64
		var count int

		dest := make([]any, 0, len(fields)+3)
		for i := range keys {
			dest = append(dest, &keys[i])
		}
		dest = append(dest, &expected, &raw, &count)
		if err := rows.Scan(dest...); err != nil {
			return nil, wrapErr("scan group totals", err)
		}

		g := pipeline.GroupTotal{
			Keys:                 make(map[pipeline.GroupField]string, len(fields)),
			ExpectedDisbursement: fromCents(expected),
			PipelineAmount:       fromCents(raw),
			Count:                count,
		}
		for i, f := range fields {
			g.Keys[f] = keys[i]
		}
		out = append(out, g)
	}
	return out, wrapErr("group totals", rows.Err())
}

// =============================================================================
// FILTERS
// =============================================================================

func buildWhere(f pipeline.Filter) (string, []any) {
	conds, args := filterConditions(f)
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func filterConditions(f pipeline.Filter) ([]string, []any) {
	var conds []string
	var args []any

	in := func(col string, values []string) {
		if len(values) == 0 {
			return
		}
		conds = append(conds, col+" IN ("+placeholders(len(values))+")")
		for _, v := range values {
			args = append(args, v)
		}
	}
	bound := func(cond string, t *time.Time) {
		if t != nil {
			conds = append(conds, cond)
			args = append(args, formatTime(*t))
		}
	}

	if !f.AnyStatus && len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		in("e.status", statuses)
	}
	in("e.region", f.Regions)
	in("e.product", f.Products)
	in("e.loan_stage", f.Stages)
	in("e.client_type", f.ClientTypes)

	bound("e.created_at >= ?", f.CreatedFrom)
	bound("e.created_at <= ?", f.CreatedTo)
	bound("e.estimated_closing_date >= ?", f.ClosingFrom)
	bound("e.estimated_closing_date <= ?", f.ClosingTo)

	return conds, args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// =============================================================================
// RECONCILIATION RUNS (pipeline.RunLog interface)
// =============================================================================

// SaveReconciliationRun inserts a run or updates it in place by ID.
func (o ops) SaveReconciliationRun(ctx context.Context, r pipeline.ReconciliationRun) error {
	query := `
		INSERT INTO reconciliation_runs (id, as_of, status, scanned, updated, skipped,
			now_delayed, failed, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			scanned = excluded.scanned,
			updated = excluded.updated,
			skipped = excluded.skipped,
			now_delayed = excluded.now_delayed,
			failed = excluded.failed,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	_, err := o.q.ExecContext(ctx, query,
		r.ID, formatTime(r.AsOf), string(r.Status),
		r.Scanned, r.Updated, r.Skipped, r.NowDelayed, r.Failed,
		nullString(r.Error), formatTime(r.StartedAt), nullTime(r.CompletedAt),
	)
	return wrapErr("save reconciliation run", err)
}

// ListReconciliationRuns returns runs, latest first; limit <= 0 means all.
func (o ops) ListReconciliationRuns(ctx context.Context, limit int) ([]pipeline.ReconciliationRun, error) {
	query := `
		SELECT id, as_of, status, scanned, updated, skipped, now_delayed, failed,
			error, started_at, completed_at
		FROM reconciliation_runs
		ORDER BY started_at DESC, id DESC
	`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list reconciliation runs", err)
	}
	defer rows.Close()

	runs := []pipeline.ReconciliationRun{}
	for rows.Next() {
		var r pipeline.ReconciliationRun
		var status, asOf, startedAt string
		var runErr, completedAt sql.NullString
		if err := rows.Scan(
			&r.ID, &asOf, &status, &r.Scanned, &r.Updated, &r.Skipped, &r.NowDelayed, &r.Failed,
			&runErr, &startedAt, &completedAt,
		); err != nil {
			return nil, wrapErr("scan reconciliation run", err)
		}

		r.Status = pipeline.RunStatus(status)
		r.Error = runErr.String
		r.AsOf = parseTime(asOf)
		r.StartedAt = parseTime(startedAt)
		r.CompletedAt = parseNullTime(completedAt)
		runs = append(runs, r)
	}
	return runs, wrapErr("list reconciliation runs", rows.Err())
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

type entryScan struct {
	id, entityName, contactName, contactPhone, stage string
	enteredAt                                         string
	amount, supplemental, expected                    int64
	region, product, clientType, status               string
	closing                                           sql.NullString
	createdAt, updatedAt                              string
}

func (s *entryScan) dest() []any {
	return []any{
		&s.id, &s.entityName, &s.contactName, &s.contactPhone, &s.stage,
		&s.enteredAt, &s.amount, &s.supplemental, &s.expected,
		&s.region, &s.product, &s.clientType, &s.status, &s.closing,
		&s.createdAt, &s.updatedAt,
	}
}

func (s *entryScan) entry() pipeline.Entry {
	return pipeline.Entry{
		ID:                   pipeline.EntryID(s.id),
		EntityName:           s.entityName,
		ContactName:          s.contactName,
		ContactPhone:         s.contactPhone,
		LoanStage:            s.stage,
		LoanStageEnteredAt:   parseTime(s.enteredAt),
		Amount:               fromCents(s.amount),
		SupplementalAmount:   fromCents(s.supplemental),
		ExpectedDisbursement: fromCents(s.expected),
		Region:               s.region,
		Product:              s.product,
		ClientType:           s.clientType,
		Status:               pipeline.Status(s.status),
		EstimatedClosingDate: parseNullTime(s.closing),
		CreatedAt:            parseTime(s.createdAt),
		UpdatedAt:            parseTime(s.updatedAt),
	}
}

func scanEntry(sc scanner) (pipeline.Entry, error) {
	var s entryScan
	if err := sc.Scan(s.dest()...); err != nil {
		return pipeline.Entry{}, err
	}
	return s.entry(), nil
}

type historyScan struct {
	id, entryID, stage, enteredAt string
	exitedAt, message             sql.NullString
	delayed                       bool
}

func (s *historyScan) dest() []any {
	return []any{&s.id, &s.entryID, &s.stage, &s.enteredAt, &s.exitedAt, &s.delayed, &s.message}
}

func (s *historyScan) row() pipeline.HistoryRow {
	return pipeline.HistoryRow{
		ID:           pipeline.RowID(s.id),
		EntryID:      pipeline.EntryID(s.entryID),
		StageName:    s.stage,
		EnteredAt:    parseTime(s.enteredAt),
		ExitedAt:     parseNullTime(s.exitedAt),
		WasDelayed:   s.delayed,
		DelayMessage: s.message.String,
	}
}

func scanHistoryRow(sc scanner) (pipeline.HistoryRow, error) {
	var s historyScan
	if err := sc.Scan(s.dest()...); err != nil {
		return pipeline.HistoryRow{}, err
	}
	return s.row(), nil
}

// =============================================================================
// HELPERS
// =============================================================================

func toCents(d decimal.Decimal) int64 {
	return d.Round(2).Shift(2).IntPart()
}

func fromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

// wrapErr adds the operation name and marks connectivity failures.
func wrapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrConnDone), errors.Is(err, driver.ErrBadConn):
		return fmt.Errorf("%s: %w: %v", op, pipeline.ErrStoreUnavailable, err)
	default:
		return fmt.Errorf("failed to %s: %w", op, err)
	}
}
