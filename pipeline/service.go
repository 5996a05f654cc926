/*
service.go - Entry lifecycle and the stage transition protocol

PURPOSE:
  Service is what callers (the HTTP layer, the CLI) use to create, change,
  read and remove pipeline entries. Every change that touches the stage
  history runs inside a single store transaction so the "one open row per
  Active entry" invariant is never observable as broken.

TRANSITION PROTOCOL (stage A -> B at time now):
  1. Find the open row for the entry; freeze its delay status as of now
     using the entry's previous stage and entry time, set ExitedAt = now
  2. Set LoanStage = B, LoanStageEnteredAt = now
  3. Recompute ExpectedDisbursement for B
  4. Insert a new open row for B (WasDelayed = false)
  A missing open row in step 1 is logged as an integrity warning and the
  transition carries on.

STATUS LIFECYCLE:
  Active -> Closed closes the open row. Closed -> Active opens a new row for
  the current stage and restarts LoanStageEnteredAt. Closed entries hold no
  open row.

SEE ALSO:
  - stage/progress.go: delay and disbursement rules
  - reconcile.go:      refreshes open rows between transitions
*/
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/loan-pipeline/logger"
	"github.com/warp/loan-pipeline/stage"
)

// =============================================================================
// SERVICE
// =============================================================================

// Vocabulary lists the declared values for descriptive dimensions.
type Vocabulary struct {
	Regions     []string
	Products    []string
	ClientTypes []string
}

type Service struct {
	store        TxStore
	table        *stage.Table
	defaultStage string
	vocab        Vocabulary
	log          *logger.Logger
	now          func() time.Time
	newID        func() string
}

type ServiceOption func(*Service)

// WithDefaultStage sets the stage assigned to entries created without one.
func WithDefaultStage(name string) ServiceOption {
	return func(s *Service) { s.defaultStage = strings.TrimSpace(name) }
}

func WithVocabulary(v Vocabulary) ServiceOption {
	return func(s *Service) { s.vocab = v }
}

func WithLogger(l *logger.Logger) ServiceOption {
	return func(s *Service) { s.log = logger.OrNop(l) }
}

// WithClock replaces the time source used by Create and Update.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(newID func() string) ServiceOption {
	return func(s *Service) { s.newID = newID }
}

// NewService creates a service. The default stage falls back to the first
// declared stage and must exist in the table.
func NewService(store TxStore, table *stage.Table, opts ...ServiceOption) (*Service, error) {
	s := &Service{
		store: store,
		table: table,
		log:   logger.Nop(),
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.defaultStage == "" {
		s.defaultStage = table.First()
	}
	if !table.Has(s.defaultStage) {
		return nil, &UnknownStageError{Stage: s.defaultStage}
	}
	s.log = s.log.With("component", "pipeline.service")
	return s, nil
}

// Table returns the policy table the service evaluates against.
func (s *Service) Table() *stage.Table { return s.table }

// =============================================================================
// INPUTS / VIEWS
// =============================================================================

// CreateInput describes a new entry. An empty LoanStage means the default stage.
type CreateInput struct {
	ID                   EntryID // optional; generated when empty
	EntityName           string
	ContactName          string
	ContactPhone         string
	LoanStage            string
	Amount               decimal.Decimal
	SupplementalAmount   decimal.Decimal
	Region               string
	Product              string
	ClientType           string
	EstimatedClosingDate *time.Time
}

// UpdateInput lists fields to change. Nil pointers are left alone.
type UpdateInput struct {
	EntityName                *string
	ContactName               *string
	ContactPhone              *string
	LoanStage                 *string
	Amount                    *decimal.Decimal
	SupplementalAmount        *decimal.Decimal
	Region                    *string
	Product                   *string
	ClientType                *string
	Status                    *Status
	EstimatedClosingDate      *time.Time
	ClearEstimatedClosingDate bool
}

// EntryView is an entry with its live stage progress.
type EntryView struct {
	Entry    Entry
	Progress stage.Progress
}

// EntryList is one page of entries.
type EntryList struct {
	Items    []EntryView
	Total    int
	Page     int
	PageSize int
}

// HistoryView is a history row with its progress: frozen at ExitedAt for
// closed rows, evaluated at the request time for the open one.
type HistoryView struct {
	Row      HistoryRow
	Progress stage.Progress
}

// OptionSet is the static vocabulary offered to clients.
type OptionSet struct {
	Stages       []stage.Policy
	DefaultStage string
	Regions      []string
	Products     []string
	ClientTypes  []string
	Statuses     []Status
}

// =============================================================================
// WRITES
// =============================================================================

// Create persists a new Active entry and opens its first history row.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Entry, error) {
	now := s.now()

	stageName := strings.TrimSpace(in.LoanStage)
	if stageName == "" {
		stageName = s.defaultStage
	}
	if err := s.validateStage(stageName); err != nil {
		return nil, err
	}
	if err := validateAmounts(&in.Amount, &in.SupplementalAmount); err != nil {
		return nil, err
	}
	in.Amount = stage.RoundMoney(in.Amount)
	in.SupplementalAmount = stage.RoundMoney(in.SupplementalAmount)

	id := in.ID
	if id == "" {
		id = EntryID(s.newID())
	}

	e := Entry{
		ID:                   id,
		EntityName:           in.EntityName,
		ContactName:          in.ContactName,
		ContactPhone:         in.ContactPhone,
		LoanStage:            stageName,
		LoanStageEnteredAt:   now,
		Amount:               in.Amount,
		SupplementalAmount:   in.SupplementalAmount,
		ExpectedDisbursement: s.table.Disbursement(stageName, in.Amount, in.SupplementalAmount),
		Region:               in.Region,
		Product:              in.Product,
		ClientType:           in.ClientType,
		Status:               StatusActive,
		EstimatedClosingDate: in.EstimatedClosingDate,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	err := s.store.WithTx(ctx, func(st Store) error {
		if err := st.CreateEntry(ctx, e); err != nil {
			return err
		}
		return s.openRow(ctx, st, e.ID, stageName, now)
	})
	if err != nil {
		return nil, fmt.Errorf("create entry: %w", err)
	}

	s.log.Info("entry created", "entry_id", e.ID, "stage", stageName)
	return &e, nil
}

// Update changes an entry. A stage change runs the transition protocol, a
// status change opens or closes history, and amount changes recompute the
// expected disbursement. All of it commits as one unit.
func (s *Service) Update(ctx context.Context, id EntryID, in UpdateInput) (*Entry, error) {
	if err := s.validateUpdate(&in); err != nil {
		return nil, err
	}
	now := s.now()

	var out *Entry
	err := s.store.WithTx(ctx, func(st Store) error {
		e, err := s.mustGet(ctx, st, id)
		if err != nil {
			return err
		}
		out, err = s.apply(ctx, st, *e, in, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update entry %s: %w", id, err)
	}
	return out, nil
}

// Transition moves an entry to newStage at now. Moving to the current stage is a no-op.
func (s *Service) Transition(ctx context.Context, id EntryID, newStage string, now time.Time) (*Entry, error) {
	newStage = strings.TrimSpace(newStage)

	var out *Entry
	err := s.store.WithTx(ctx, func(st Store) error {
		e, err := s.mustGet(ctx, st, id)
		if err != nil {
			return err
		}
		if e.LoanStage == newStage {
			out = e
			return nil
		}
		if err := s.validateStage(newStage); err != nil {
			return err
		}
		if now.Before(e.LoanStageEnteredAt) {
			return &ValidationError{Field: "now", Message: fmt.Sprintf("precedes stage entry at %s", e.LoanStageEnteredAt.Format(time.RFC3339))}
		}
		out, err = s.apply(ctx, st, *e, UpdateInput{LoanStage: &newStage}, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("transition entry %s: %w", id, err)
	}
	return out, nil
}

// UpdateAmounts changes amounts and recomputes the expected disbursement
// against the current stage. History is untouched.
func (s *Service) UpdateAmounts(ctx context.Context, id EntryID, amount, supplemental *decimal.Decimal) (*Entry, error) {
	if err := validateAmounts(amount, supplemental); err != nil {
		return nil, err
	}
	amount, supplemental = roundedMoney(amount), roundedMoney(supplemental)
	now := s.now()

	var out *Entry
	err := s.store.WithTx(ctx, func(st Store) error {
		e, err := s.mustGet(ctx, st, id)
		if err != nil {
			return err
		}
		changed := (amount != nil && !amount.Equal(e.Amount)) ||
			(supplemental != nil && !supplemental.Equal(e.SupplementalAmount))
		if !changed {
			out = e
			return nil
		}
		out, err = s.apply(ctx, st, *e, UpdateInput{Amount: amount, SupplementalAmount: supplemental}, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update amounts %s: %w", id, err)
	}
	return out, nil
}

// Remove deletes an entry together with its history.
func (s *Service) Remove(ctx context.Context, id EntryID) error {
	err := s.store.WithTx(ctx, func(st Store) error {
		if _, err := s.mustGet(ctx, st, id); err != nil {
			return err
		}
		return st.DeleteEntry(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("remove entry %s: %w", id, err)
	}
	s.log.Info("entry removed", "entry_id", id)
	return nil
}

// apply writes in onto e within st. Callers have validated in.
func (s *Service) apply(ctx context.Context, st Store, e Entry, in UpdateInput, now time.Time) (*Entry, error) {
	patch := EntryPatch{
		EntityName:                in.EntityName,
		ContactName:               in.ContactName,
		ContactPhone:              in.ContactPhone,
		Region:                    in.Region,
		Product:                   in.Product,
		ClientType:                in.ClientType,
		EstimatedClosingDate:      in.EstimatedClosingDate,
		ClearEstimatedClosingDate: in.ClearEstimatedClosingDate,
		UpdatedAt:                 now,
	}

	amount, supplemental := e.Amount, e.SupplementalAmount
	if in.Amount != nil {
		amount = *in.Amount
		patch.Amount = in.Amount
	}
	if in.SupplementalAmount != nil {
		supplemental = *in.SupplementalAmount
		patch.SupplementalAmount = in.SupplementalAmount
	}

	targetStage := e.LoanStage
	if in.LoanStage != nil {
		targetStage = *in.LoanStage
	}
	targetStatus := e.Status
	if in.Status != nil {
		targetStatus = *in.Status
	}

	stageChanged := targetStage != e.LoanStage
	wasActive := e.Status == StatusActive
	nowActive := targetStatus == StatusActive
	reopened := !wasActive && nowActive

	if wasActive && (stageChanged || !nowActive) {
		if err := s.closeOpenRow(ctx, st, e, targetStage, now); err != nil {
			return nil, err
		}
	}
	if stageChanged || reopened {
		patch.LoanStage = &targetStage
		patch.LoanStageEnteredAt = &now
	}
	if stageChanged || !amount.Equal(e.Amount) || !supplemental.Equal(e.SupplementalAmount) {
		expected := s.table.Disbursement(targetStage, amount, supplemental)
		patch.ExpectedDisbursement = &expected
	}
	if targetStatus != e.Status {
		patch.Status = &targetStatus
	}

	updated, err := st.UpdateEntry(ctx, e.ID, patch)
	if err != nil {
		return nil, err
	}

	if nowActive && (stageChanged || reopened) {
		if err := s.openRow(ctx, st, e.ID, targetStage, now); err != nil {
			return nil, err
		}
	}

	if stageChanged {
		s.log.Info("entry transitioned", "entry_id", e.ID, "from_stage", e.LoanStage, "to_stage", targetStage)
	}
	if targetStatus != e.Status {
		s.log.Info("entry status changed", "entry_id", e.ID, "from_status", e.Status, "to_status", targetStatus)
	}
	return updated, nil
}

// closeOpenRow freezes the delay status of the entry's open row at now.
func (s *Service) closeOpenRow(ctx context.Context, st Store, e Entry, toStage string, now time.Time) error {
	row, err := st.FindOpenHistoryRow(ctx, e.ID)
	if err != nil {
		return fmt.Errorf("find open history row: %w", err)
	}
	if row == nil {
		s.log.Warn("no open history row to close",
			"entry_id", e.ID,
			"from_stage", e.LoanStage,
			"to_stage", toStage,
			"invariant", "single_open_row",
		)
		return nil
	}

	stageName, enteredAt := OpenRow{Row: *row, Entry: e}.Basis()
	p := s.table.Progress(stageName, enteredAt, now)
	exitedAt := now
	if err := st.UpdateHistoryRow(ctx, row.ID, HistoryPatch{
		ExitedAt:     &exitedAt,
		WasDelayed:   p.IsDelayed,
		DelayMessage: p.DelayMessage,
	}); err != nil {
		return fmt.Errorf("close history row %s: %w", row.ID, err)
	}
	return nil
}

func (s *Service) openRow(ctx context.Context, st Store, id EntryID, stageName string, now time.Time) error {
	row := HistoryRow{
		ID:        RowID(s.newID()),
		EntryID:   id,
		StageName: stageName,
		EnteredAt: now,
	}
	if err := st.CreateHistoryRow(ctx, row); err != nil {
		return fmt.Errorf("open history row: %w", err)
	}
	return nil
}

func (s *Service) mustGet(ctx context.Context, st Store, id EntryID) (*Entry, error) {
	e, err := st.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrEntryNotFound
	}
	return e, nil
}

// =============================================================================
// READS
// =============================================================================

// FindOne returns an entry with its progress as of asOf.
func (s *Service) FindOne(ctx context.Context, id EntryID, asOf time.Time) (*EntryView, error) {
	e, err := s.store.GetEntry(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get entry %s: %w", id, err)
	}
	if e == nil {
		return nil, ErrEntryNotFound
	}
	view := s.view(*e, asOf)
	return &view, nil
}

// FindAll returns one page of entries matching filter.
func (s *Service) FindAll(ctx context.Context, filter Filter, page Page, asOf time.Time) (*EntryList, error) {
	page = page.Normalized()
	entries, total, err := s.store.ListEntries(ctx, filter.Normalized(), page)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	list := &EntryList{
		Items:    make([]EntryView, 0, len(entries)),
		Total:    total,
		Page:     page.Number,
		PageSize: page.Size,
	}
	for _, e := range entries {
		list.Items = append(list.Items, s.view(e, asOf))
	}
	return list, nil
}

// History returns the entry's stage history in entry order.
func (s *Service) History(ctx context.Context, id EntryID, asOf time.Time) ([]HistoryView, error) {
	e, err := s.store.GetEntry(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get entry %s: %w", id, err)
	}
	if e == nil {
		return nil, ErrEntryNotFound
	}

	rows, err := s.store.ListHistory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list history %s: %w", id, err)
	}

	views := make([]HistoryView, 0, len(rows))
	for _, r := range rows {
		at := asOf
		if r.ExitedAt != nil {
			at = *r.ExitedAt
		}
		views = append(views, HistoryView{Row: r, Progress: s.table.Progress(r.StageName, r.EnteredAt, at)})
	}
	return views, nil
}

// DelayedRows lists open rows whose persisted flag says delayed, for entries matching filter.
func (s *Service) DelayedRows(ctx context.Context, filter Filter) ([]OpenRow, error) {
	f := filter.Normalized()
	rows, err := s.store.FindOpenHistoryRows(ctx, OpenRowQuery{DelayedOnly: true, Entries: &f})
	if err != nil {
		return nil, fmt.Errorf("find delayed rows: %w", err)
	}
	return rows, nil
}

// Options returns the declared vocabularies. Pure data.
func (s *Service) Options() OptionSet {
	return OptionSet{
		Stages:       s.table.Policies(),
		DefaultStage: s.defaultStage,
		Regions:      append([]string(nil), s.vocab.Regions...),
		Products:     append([]string(nil), s.vocab.Products...),
		ClientTypes:  append([]string(nil), s.vocab.ClientTypes...),
		Statuses:     []Status{StatusActive, StatusClosed},
	}
}

func (s *Service) view(e Entry, asOf time.Time) EntryView {
	return EntryView{Entry: e, Progress: s.table.Progress(e.LoanStage, e.LoanStageEnteredAt, asOf)}
}

// =============================================================================
// VALIDATION
// =============================================================================

func (s *Service) validateStage(name string) error {
	if name == "" {
		return &ValidationError{Field: "loan_stage", Message: "must not be empty"}
	}
	if !s.table.Has(name) {
		return &UnknownStageError{Stage: name}
	}
	return nil
}

func (s *Service) validateUpdate(in *UpdateInput) error {
	if in.LoanStage != nil {
		trimmed := strings.TrimSpace(*in.LoanStage)
		in.LoanStage = &trimmed
		if err := s.validateStage(trimmed); err != nil {
			return err
		}
	}
	if in.Status != nil && !in.Status.Valid() {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("unsupported value %q", *in.Status)}
	}
	if err := validateAmounts(in.Amount, in.SupplementalAmount); err != nil {
		return err
	}
	in.Amount, in.SupplementalAmount = roundedMoney(in.Amount), roundedMoney(in.SupplementalAmount)
	return nil
}

func roundedMoney(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	r := stage.RoundMoney(*d)
	return &r
}

func validateAmounts(amount, supplemental *decimal.Decimal) error {
	if amount != nil && amount.IsNegative() {
		return &ValidationError{Field: "amount", Message: "must not be negative"}
	}
	if supplemental != nil && supplemental.IsNegative() {
		return &ValidationError{Field: "supplemental_amount", Message: "must not be negative"}
	}
	return nil
}
