// Package store provides an in-memory pipeline.TxStore.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/warp/loan-pipeline/pipeline"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	entries  map[pipeline.EntryID]pipeline.Entry
	history  map[pipeline.EntryID][]pipeline.HistoryRow // ordered by EnteredAt
	rowOwner map[pipeline.RowID]pipeline.EntryID
	runs     []pipeline.ReconciliationRun
}

func NewMemory() *Memory {
	return &Memory{
		entries:  make(map[pipeline.EntryID]pipeline.Entry),
		history:  make(map[pipeline.EntryID][]pipeline.HistoryRow),
		rowOwner: make(map[pipeline.RowID]pipeline.EntryID),
	}
}

func (m *Memory) CreateEntry(_ context.Context, e pipeline.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createEntryLocked(e)
}

func (m *Memory) GetEntry(_ context.Context, id pipeline.EntryID) (*pipeline.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getEntryLocked(id), nil
}

func (m *Memory) UpdateEntry(_ context.Context, id pipeline.EntryID, patch pipeline.EntryPatch) (*pipeline.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateEntryLocked(id, patch)
}

func (m *Memory) DeleteEntry(_ context.Context, id pipeline.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteEntryLocked(id)
}

func (m *Memory) ListEntries(_ context.Context, filter pipeline.Filter, page pipeline.Page) ([]pipeline.Entry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items, total := m.listEntriesLocked(filter, page)
	return items, total, nil
}

func (m *Memory) CreateHistoryRow(_ context.Context, row pipeline.HistoryRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createHistoryRowLocked(row)
}

func (m *Memory) FindOpenHistoryRow(_ context.Context, entryID pipeline.EntryID) (*pipeline.HistoryRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findOpenLocked(entryID), nil
}

func (m *Memory) UpdateHistoryRow(_ context.Context, id pipeline.RowID, patch pipeline.HistoryPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateHistoryRowLocked(id, patch)
}

func (m *Memory) ListHistory(_ context.Context, entryID pipeline.EntryID) ([]pipeline.HistoryRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listHistoryLocked(entryID), nil
}

func (m *Memory) FindOpenHistoryRows(_ context.Context, q pipeline.OpenRowQuery) ([]pipeline.OpenRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findOpenRowsLocked(q), nil
}

func (m *Memory) GroupTotals(_ context.Context, filter pipeline.Filter, fields ...pipeline.GroupField) ([]pipeline.GroupTotal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groupTotalsLocked(filter, fields), nil
}

// SaveReconciliationRun inserts or replaces a run by ID.
func (m *Memory) SaveReconciliationRun(_ context.Context, run pipeline.ReconciliationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *Memory) ListReconciliationRuns(_ context.Context, limit int) ([]pipeline.ReconciliationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := append([]pipeline.ReconciliationRun(nil), m.runs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// LOCKED OPERATIONS (caller holds mu)
// =============================================================================

func (m *Memory) createEntryLocked(e pipeline.Entry) error {
	if _, exists := m.entries[e.ID]; exists {
		return pipeline.ErrDuplicateEntry
	}
	m.entries[e.ID] = cloneEntry(e)
	return nil
}

func (m *Memory) getEntryLocked(id pipeline.EntryID) *pipeline.Entry {
	e, ok := m.entries[id]
	if !ok {
		return nil
	}
	c := cloneEntry(e)
	return &c
}

func (m *Memory) updateEntryLocked(id pipeline.EntryID, patch pipeline.EntryPatch) (*pipeline.Entry, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, pipeline.ErrEntryNotFound
	}
	patch.Apply(&e)
	m.entries[id] = cloneEntry(e)
	c := cloneEntry(e)
	return &c, nil
}

func (m *Memory) deleteEntryLocked(id pipeline.EntryID) error {
	if _, ok := m.entries[id]; !ok {
		return pipeline.ErrEntryNotFound
	}
	for _, r := range m.history[id] {
		delete(m.rowOwner, r.ID)
	}
	delete(m.history, id)
	delete(m.entries, id)
	return nil
}

func (m *Memory) listEntriesLocked(filter pipeline.Filter, page pipeline.Page) ([]pipeline.Entry, int) {
	matched := m.matchingLocked(filter)
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	page = page.Normalized()
	start := page.Offset()
	if start >= total {
		return []pipeline.Entry{}, total
	}
	end := start + page.Size
	if end > total {
		end = total
	}
	return matched[start:end], total
}

func (m *Memory) matchingLocked(filter pipeline.Filter) []pipeline.Entry {
	var out []pipeline.Entry
	for _, e := range m.entries {
		if filter.Matches(e) {
			out = append(out, cloneEntry(e))
		}
	}
	return out
}

func (m *Memory) createHistoryRowLocked(row pipeline.HistoryRow) error {
	if _, ok := m.entries[row.EntryID]; !ok {
		return pipeline.ErrEntryNotFound
	}
	rows := m.history[row.EntryID]

	i := sort.Search(len(rows), func(i int) bool {
		return rows[i].EnteredAt.After(row.EnteredAt)
	})
	rows = append(rows, pipeline.HistoryRow{})
	copy(rows[i+1:], rows[i:])
	rows[i] = cloneRow(row)

	m.history[row.EntryID] = rows
	m.rowOwner[row.ID] = row.EntryID
	return nil
}

func (m *Memory) findOpenLocked(entryID pipeline.EntryID) *pipeline.HistoryRow {
	rows := m.history[entryID]
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].IsOpen() {
			c := cloneRow(rows[i])
			return &c
		}
	}
	return nil
}

func (m *Memory) updateHistoryRowLocked(id pipeline.RowID, patch pipeline.HistoryPatch) error {
	owner, ok := m.rowOwner[id]
	if !ok {
		return pipeline.ErrHistoryRowNotFound
	}
	rows := m.history[owner]
	for i := range rows {
		if rows[i].ID != id {
			continue
		}
		if patch.RequireOpen && !rows[i].IsOpen() {
			return pipeline.ErrHistoryRowClosed
		}
		if patch.ExitedAt != nil {
			t := *patch.ExitedAt
			rows[i].ExitedAt = &t
		}
		rows[i].WasDelayed = patch.WasDelayed
		rows[i].DelayMessage = patch.DelayMessage
		return nil
	}
	return pipeline.ErrHistoryRowNotFound
}

func (m *Memory) listHistoryLocked(entryID pipeline.EntryID) []pipeline.HistoryRow {
	rows := m.history[entryID]
	out := make([]pipeline.HistoryRow, len(rows))
	for i, r := range rows {
		out[i] = cloneRow(r)
	}
	return out
}

func (m *Memory) findOpenRowsLocked(q pipeline.OpenRowQuery) []pipeline.OpenRow {
	var out []pipeline.OpenRow
	for id, rows := range m.history {
		e := m.entries[id]
		if q.Entries != nil && !q.Entries.Matches(e) {
			continue
		}
		for _, r := range rows {
			if !r.IsOpen() || (q.DelayedOnly && !r.WasDelayed) {
				continue
			}
			out = append(out, pipeline.OpenRow{Row: cloneRow(r), Entry: cloneEntry(e)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Row.EnteredAt.Equal(out[j].Row.EnteredAt) {
			return out[i].Row.EnteredAt.Before(out[j].Row.EnteredAt)
		}
		return out[i].Row.ID < out[j].Row.ID
	})
	return out
}

func (m *Memory) groupTotalsLocked(filter pipeline.Filter, fields []pipeline.GroupField) []pipeline.GroupTotal {
	buckets := make(map[string]*pipeline.GroupTotal)
	var order []string

	for _, e := range m.matchingLocked(filter) {
		keys := make(map[pipeline.GroupField]string, len(fields))
		parts := make([]string, len(fields))
		for i, f := range fields {
			keys[f] = fieldValue(e, f)
			parts[i] = keys[f]
		}
		k := strings.Join(parts, "\x00")

		b, ok := buckets[k]
		if !ok {
			b = &pipeline.GroupTotal{Keys: keys, ExpectedDisbursement: decimal.Zero, PipelineAmount: decimal.Zero}
			buckets[k] = b
			order = append(order, k)
		}
		b.ExpectedDisbursement = b.ExpectedDisbursement.Add(e.ExpectedDisbursement)
		b.PipelineAmount = b.PipelineAmount.Add(e.PipelineAmount())
		b.Count++
	}

	if len(fields) == 0 && len(order) == 0 {
		return []pipeline.GroupTotal{{
			Keys:                 map[pipeline.GroupField]string{},
			ExpectedDisbursement: decimal.Zero,
			PipelineAmount:       decimal.Zero,
		}}
	}

	sort.Strings(order)
	out := make([]pipeline.GroupTotal, 0, len(order))
	for _, k := range order {
		out = append(out, *buckets[k])
	}
	return out
}

func fieldValue(e pipeline.Entry, f pipeline.GroupField) string {
	switch f {
	case pipeline.GroupRegion:
		return e.Region
	case pipeline.GroupStage:
		return e.LoanStage
	case pipeline.GroupProduct:
		return e.Product
	case pipeline.GroupClientType:
		return e.ClientType
	default:
		return ""
	}
}

func cloneEntry(e pipeline.Entry) pipeline.Entry {
	if e.EstimatedClosingDate != nil {
		d := *e.EstimatedClosingDate
		e.EstimatedClosingDate = &d
	}
	return e
}

func cloneRow(r pipeline.HistoryRow) pipeline.HistoryRow {
	if r.ExitedAt != nil {
		t := *r.ExitedAt
		r.ExitedAt = &t
	}
	return r
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(_ context.Context, fn func(pipeline.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	entries  map[pipeline.EntryID]pipeline.Entry
	history  map[pipeline.EntryID][]pipeline.HistoryRow
	rowOwner map[pipeline.RowID]pipeline.EntryID
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		entries:  make(map[pipeline.EntryID]pipeline.Entry, len(tm.entries)),
		history:  make(map[pipeline.EntryID][]pipeline.HistoryRow, len(tm.history)),
		rowOwner: make(map[pipeline.RowID]pipeline.EntryID, len(tm.rowOwner)),
	}
	for k, v := range tm.entries {
		s.entries[k] = cloneEntry(v)
	}
	for k, rows := range tm.history {
		cp := make([]pipeline.HistoryRow, len(rows))
		for i, r := range rows {
			cp[i] = cloneRow(r)
		}
		s.history[k] = cp
	}
	for k, v := range tm.rowOwner {
		s.rowOwner[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.entries = s.entries
	tm.history = s.history
	tm.rowOwner = s.rowOwner
}

// txMemoryView runs the locked operations directly; WithTx holds the lock.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) CreateEntry(_ context.Context, e pipeline.Entry) error {
	return tv.parent.createEntryLocked(e)
}

func (tv *txMemoryView) GetEntry(_ context.Context, id pipeline.EntryID) (*pipeline.Entry, error) {
	return tv.parent.getEntryLocked(id), nil
}

func (tv *txMemoryView) UpdateEntry(_ context.Context, id pipeline.EntryID, patch pipeline.EntryPatch) (*pipeline.Entry, error) {
	return tv.parent.updateEntryLocked(id, patch)
}

func (tv *txMemoryView) DeleteEntry(_ context.Context, id pipeline.EntryID) error {
	return tv.parent.deleteEntryLocked(id)
}

func (tv *txMemoryView) ListEntries(_ context.Context, filter pipeline.Filter, page pipeline.Page) ([]pipeline.Entry, int, error) {
	items, total := tv.parent.listEntriesLocked(filter, page)
	return items, total, nil
}

func (tv *txMemoryView) CreateHistoryRow(_ context.Context, row pipeline.HistoryRow) error {
	return tv.parent.createHistoryRowLocked(row)
}

func (tv *txMemoryView) FindOpenHistoryRow(_ context.Context, entryID pipeline.EntryID) (*pipeline.HistoryRow, error) {
	return tv.parent.findOpenLocked(entryID), nil
}

func (tv *txMemoryView) UpdateHistoryRow(_ context.Context, id pipeline.RowID, patch pipeline.HistoryPatch) error {
	return tv.parent.updateHistoryRowLocked(id, patch)
}

func (tv *txMemoryView) ListHistory(_ context.Context, entryID pipeline.EntryID) ([]pipeline.HistoryRow, error) {
	return tv.parent.listHistoryLocked(entryID), nil
}

func (tv *txMemoryView) FindOpenHistoryRows(_ context.Context, q pipeline.OpenRowQuery) ([]pipeline.OpenRow, error) {
	return tv.parent.findOpenRowsLocked(q), nil
}

func (tv *txMemoryView) GroupTotals(_ context.Context, filter pipeline.Filter, fields ...pipeline.GroupField) ([]pipeline.GroupTotal, error) {
	return tv.parent.groupTotalsLocked(filter, fields), nil
}
