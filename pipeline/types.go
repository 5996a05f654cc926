/*
Package pipeline tracks loan-pipeline entries through the stage workflow.

PURPOSE:
  Owns the pipeline entry and stage-history model, the transition protocol
  that keeps the history consistent, the delay reconciliation job and the
  metrics aggregation that turns filtered entries into a forecasting report.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry:      a sales opportunity with amounts and a current stage
  - HistoryRow: one continuous occupancy of a stage by an entry
  - Filter:     the selection used by listing and reporting
  - GroupTotal: one bucket returned by the store's group-by primitive

HISTORY INVARIANTS:
  1. At most one open row (ExitedAt == nil) per entry, exactly one while Active
  2. Rows are append-only; only ExitedAt, WasDelayed and DelayMessage change
  3. Rows are ordered by EnteredAt and deleted together with their entry

SEE ALSO:
  - store.go:     persistence contracts the core consumes
  - service.go:   create / update / transition
  - reconcile.go: periodic delay refresh
  - metrics.go:   report aggregation
*/
package pipeline

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS / ENUMS
// =============================================================================

type EntryID string
type RowID string

type Status string

const (
	StatusActive Status = "Active"
	StatusClosed Status = "Closed"
)

// Valid reports whether s is a declared status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusClosed
}

// =============================================================================
// ENTRY
// =============================================================================

// Entry is a pipeline opportunity. ExpectedDisbursement is derived from the
// stage and amounts and is rewritten whenever either changes.
type Entry struct {
	ID EntryID

	EntityName   string
	ContactName  string
	ContactPhone string

	LoanStage          string // empty = unset
	LoanStageEnteredAt time.Time

	Amount               decimal.Decimal
	SupplementalAmount   decimal.Decimal
	ExpectedDisbursement decimal.Decimal

	Region     string
	Product    string
	ClientType string
	Status     Status

	EstimatedClosingDate *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PipelineAmount is the raw requested amount (principal plus top-up).
func (e Entry) PipelineAmount() decimal.Decimal {
	return e.Amount.Add(e.SupplementalAmount)
}

// EntryPatch lists entry fields to overwrite. Nil pointers are left alone.
type EntryPatch struct {
	EntityName   *string
	ContactName  *string
	ContactPhone *string

	LoanStage          *string
	LoanStageEnteredAt *time.Time

	Amount               *decimal.Decimal
	SupplementalAmount   *decimal.Decimal
	ExpectedDisbursement *decimal.Decimal

	Region     *string
	Product    *string
	ClientType *string
	Status     *Status

	EstimatedClosingDate      *time.Time
	ClearEstimatedClosingDate bool

	UpdatedAt time.Time
}

// Apply writes the patch onto e. Stores call this so every backend shares
// the same patch semantics.
func (p EntryPatch) Apply(e *Entry) {
	setString(&e.EntityName, p.EntityName)
	setString(&e.ContactName, p.ContactName)
	setString(&e.ContactPhone, p.ContactPhone)
	setString(&e.LoanStage, p.LoanStage)
	setString(&e.Region, p.Region)
	setString(&e.Product, p.Product)
	setString(&e.ClientType, p.ClientType)

	if p.LoanStageEnteredAt != nil {
		e.LoanStageEnteredAt = *p.LoanStageEnteredAt
	}
	if p.Amount != nil {
		e.Amount = *p.Amount
	}
	if p.SupplementalAmount != nil {
		e.SupplementalAmount = *p.SupplementalAmount
	}
	if p.ExpectedDisbursement != nil {
		e.ExpectedDisbursement = *p.ExpectedDisbursement
	}
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.ClearEstimatedClosingDate {
		e.EstimatedClosingDate = nil
	} else if p.EstimatedClosingDate != nil {
		d := *p.EstimatedClosingDate
		e.EstimatedClosingDate = &d
	}
	if !p.UpdatedAt.IsZero() {
		e.UpdatedAt = p.UpdatedAt
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

// =============================================================================
// STAGE HISTORY
// =============================================================================

// HistoryRow records one occupancy of a stage. DelayMessage is empty when
// the row is not delayed.
type HistoryRow struct {
	ID           RowID
	EntryID      EntryID
	StageName    string
	EnteredAt    time.Time
	ExitedAt     *time.Time // nil while open
	WasDelayed   bool
	DelayMessage string
}

func (r HistoryRow) IsOpen() bool { return r.ExitedAt == nil }

// HistoryPatch updates the mutable fields of a history row. The delay fields
// are always written together.
type HistoryPatch struct {
	ExitedAt     *time.Time
	WasDelayed   bool
	DelayMessage string

	// RequireOpen makes the store refuse the write with ErrHistoryRowClosed
	// when the row has been closed since it was read.
	RequireOpen bool
}

// OpenRow is an open history row joined to its owning entry.
type OpenRow struct {
	Row   HistoryRow
	Entry Entry
}

// Basis returns the stage and entry time used to evaluate the row: the
// entry's current fields, falling back to the row's own when absent.
func (o OpenRow) Basis() (string, time.Time) {
	stageName := o.Entry.LoanStage
	if stageName == "" {
		stageName = o.Row.StageName
	}
	enteredAt := o.Entry.LoanStageEnteredAt
	if enteredAt.IsZero() {
		enteredAt = o.Row.EnteredAt
	}
	return stageName, enteredAt
}

// OpenRowQuery selects open history rows.
type OpenRowQuery struct {
	DelayedOnly bool    // only rows whose persisted flag is delayed
	Entries     *Filter // restrict to entries matching the filter; nil = every entry
}

// =============================================================================
// FILTER / PAGING
// =============================================================================

// Filter selects entries. Each set-valued field matches any of its values;
// an empty set matches everything. Date ranges are inclusive.
type Filter struct {
	Statuses    []Status // empty = Active only
	AnyStatus   bool     // ignore Statuses entirely
	Regions     []string
	Products    []string
	Stages      []string
	ClientTypes []string

	CreatedFrom *time.Time
	CreatedTo   *time.Time
	ClosingFrom *time.Time // estimated closing date
	ClosingTo   *time.Time
}

// Normalized applies the Active default to the status selection.
func (f Filter) Normalized() Filter {
	if !f.AnyStatus && len(f.Statuses) == 0 {
		f.Statuses = []Status{StatusActive}
	}
	return f
}

// Matches evaluates the filter in memory. Call on a normalized filter.
func (f Filter) Matches(e Entry) bool {
	if !f.AnyStatus && len(f.Statuses) > 0 && !containsStatus(f.Statuses, e.Status) {
		return false
	}
	if !matchAny(f.Regions, e.Region) || !matchAny(f.Products, e.Product) ||
		!matchAny(f.Stages, e.LoanStage) || !matchAny(f.ClientTypes, e.ClientType) {
		return false
	}
	if !inRange(e.CreatedAt, f.CreatedFrom, f.CreatedTo) {
		return false
	}
	if f.ClosingFrom != nil || f.ClosingTo != nil {
		if e.EstimatedClosingDate == nil || !inRange(*e.EstimatedClosingDate, f.ClosingFrom, f.ClosingTo) {
			return false
		}
	}
	return true
}

func containsStatus(set []Status, s Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func matchAny(set []string, v string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func inRange(t time.Time, from, to *time.Time) bool {
	if from != nil && t.Before(*from) {
		return false
	}
	if to != nil && t.After(*to) {
		return false
	}
	return true
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Page is a 1-based page request.
type Page struct {
	Number int
	Size   int
}

func (p Page) Normalized() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

func (p Page) Offset() int { return (p.Number - 1) * p.Size }

// =============================================================================
// GROUP-BY
// =============================================================================

// GroupField names an entry attribute the store can group by.
type GroupField string

const (
	GroupRegion     GroupField = "region"
	GroupStage      GroupField = "loan_stage"
	GroupProduct    GroupField = "product"
	GroupClientType GroupField = "client_type"
)

// GroupTotal is one bucket of a group-by query.
type GroupTotal struct {
	Keys                 map[GroupField]string
	ExpectedDisbursement decimal.Decimal
	PipelineAmount       decimal.Decimal
	Count                int
}

func (g GroupTotal) Key(f GroupField) string { return g.Keys[f] }

// =============================================================================
// RECONCILIATION RUNS
// =============================================================================

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ReconciliationRun records one execution of the delay reconciliation job.
type ReconciliationRun struct {
	ID          string
	AsOf        time.Time
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      RunStatus
	Scanned     int
	Updated     int
	Skipped     int
	NowDelayed  int
	Failed      int
	Error       string
}
