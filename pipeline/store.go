/*
store.go - Persistence contracts consumed by the pipeline core

PURPOSE:
  Defines what the core needs from its datastore. Implementations decode
  monetary columns into decimal.Decimal at the adapter boundary so the core
  never inspects raw driver values.

KEY INTERFACES:
  Store:   entries, history rows, open-row scans and group-by totals
  TxStore: Store plus atomic multi-statement units of work
  RunLog:  reconciliation run records

HISTORY CONTRACT:
  History rows are created and patched, never deleted individually. They
  disappear only through DeleteEntry, which removes the entry and all of
  its rows together.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (database/sql)
  - pipeline/store/memory.go: in-memory, for tests and development
*/
package pipeline

import "context"

// Store handles persistence of entries and their stage history.
type Store interface {
	CreateEntry(ctx context.Context, e Entry) error

	// GetEntry returns (nil, nil) when the entry doesn't exist.
	GetEntry(ctx context.Context, id EntryID) (*Entry, error)

	// UpdateEntry applies patch and returns the stored result.
	// Returns ErrEntryNotFound when the entry doesn't exist.
	UpdateEntry(ctx context.Context, id EntryID, patch EntryPatch) (*Entry, error)

	// DeleteEntry removes the entry and all of its history rows.
	DeleteEntry(ctx context.Context, id EntryID) error

	// ListEntries returns one page of matching entries, newest first, and the total match count.
	ListEntries(ctx context.Context, filter Filter, page Page) ([]Entry, int, error)

	CreateHistoryRow(ctx context.Context, row HistoryRow) error

	// FindOpenHistoryRow returns the entry's open row, or (nil, nil) if none.
	FindOpenHistoryRow(ctx context.Context, entryID EntryID) (*HistoryRow, error)

	// UpdateHistoryRow patches a row. Returns ErrHistoryRowNotFound for an unknown
	// row and ErrHistoryRowClosed when patch.RequireOpen is set and the row is closed.
	UpdateHistoryRow(ctx context.Context, id RowID, patch HistoryPatch) error

	// ListHistory returns every row of an entry ordered by EnteredAt.
	ListHistory(ctx context.Context, entryID EntryID) ([]HistoryRow, error)

	// FindOpenHistoryRows returns open rows joined to their entries, ordered by EnteredAt.
	FindOpenHistoryRows(ctx context.Context, q OpenRowQuery) ([]OpenRow, error)

	// GroupTotals sums ExpectedDisbursement and PipelineAmount and counts
	// entries matching filter, grouped by fields. With no fields it returns
	// exactly one bucket, zeroed when nothing matches.
	GroupTotals(ctx context.Context, filter Filter, fields ...GroupField) ([]GroupTotal, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back; otherwise committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// RunLog stores reconciliation run records.
type RunLog interface {
	SaveReconciliationRun(ctx context.Context, run ReconciliationRun) error

	// ListReconciliationRuns returns the latest runs first; limit <= 0 means all.
	ListReconciliationRuns(ctx context.Context, limit int) ([]ReconciliationRun, error)
}
