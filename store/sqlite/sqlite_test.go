package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-pipeline/pipeline"
	"github.com/warp/loan-pipeline/stage"
	"github.com/warp/loan-pipeline/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newService(t *testing.T, store *sqlite.Store, now *time.Time) *pipeline.Service {
	svc, err := pipeline.NewService(store, stage.Default(),
		pipeline.WithClock(func() time.Time { return *now }))
	require.NoError(t, err)
	return svc
}

// =============================================================================
// ROUND TRIP
// =============================================================================

func TestStore_EntryRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	closing := time.Date(2026, time.June, 30, 0, 0, 0, 0, time.UTC)

	in := pipeline.Entry{
		ID:                   "e-1",
		EntityName:           "Acme Ltd",
		ContactName:          "J. Doe",
		ContactPhone:         "+254700000000",
		LoanStage:            "Documentation",
		LoanStageEnteredAt:   t0.Add(1500 * time.Millisecond),
		Amount:               dec("1000000.50"),
		SupplementalAmount:   dec("0.25"),
		ExpectedDisbursement: dec("100000.08"),
		Region:               "Western",
		Product:              "Asset finance",
		ClientType:           "SME",
		Status:               pipeline.StatusActive,
		EstimatedClosingDate: &closing,
		CreatedAt:            t0,
		UpdatedAt:            t0,
	}
	require.NoError(t, store.CreateEntry(ctx, in))

	got, err := store.GetEntry(ctx, "e-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, in.LoanStageEnteredAt, got.LoanStageEnteredAt)
	assert.True(t, in.Amount.Equal(got.Amount))
	assert.True(t, in.ExpectedDisbursement.Equal(got.ExpectedDisbursement))
	assert.Equal(t, "1000000.75", got.PipelineAmount().StringFixed(2))
	require.NotNil(t, got.EstimatedClosingDate)
	assert.Equal(t, closing, *got.EstimatedClosingDate)

	missing, err := store.GetEntry(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	assert.ErrorIs(t, store.CreateEntry(ctx, in), pipeline.ErrDuplicateEntry)
}

func TestStore_UpdateEntryAndClearClosingDate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	closing := t0.Add(30 * 24 * time.Hour)
	require.NoError(t, store.CreateEntry(ctx, pipeline.Entry{
		ID: "e-1", Status: pipeline.StatusActive, EstimatedClosingDate: &closing,
		LoanStageEnteredAt: t0, CreatedAt: t0, UpdatedAt: t0,
	}))

	region := "Coast"
	out, err := store.UpdateEntry(ctx, "e-1", pipeline.EntryPatch{Region: &region, ClearEstimatedClosingDate: true, UpdatedAt: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, "Coast", out.Region)
	assert.Nil(t, out.EstimatedClosingDate)

	got, err := store.GetEntry(ctx, "e-1")
	require.NoError(t, err)
	assert.Nil(t, got.EstimatedClosingDate)
	assert.Equal(t, t0.Add(time.Hour), got.UpdatedAt)

	_, err = store.UpdateEntry(ctx, "nope", pipeline.EntryPatch{})
	assert.ErrorIs(t, err, pipeline.ErrEntryNotFound)
}

// =============================================================================
// HISTORY
// =============================================================================

func TestStore_TransitionThroughService(t *testing.T) {
	// GIVEN: An entry in Documentation since T
	// WHEN: It transitions to TL review at T+6 days
	// THEN: SQLite holds a closed delayed row and a fresh open row

	store := newTestStore(t)
	ctx := context.Background()
	now := t0
	svc := newService(t, store, &now)

	e, err := svc.Create(ctx, pipeline.CreateInput{LoanStage: "Documentation", Amount: dec("1000000")})
	require.NoError(t, err)
	assert.Equal(t, "100000.00", e.ExpectedDisbursement.StringFixed(2))

	_, err = svc.Transition(ctx, e.ID, "TL review", t0.Add(6*24*time.Hour))
	require.NoError(t, err)

	rows, err := store.ListHistory(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].WasDelayed)
	assert.Equal(t, "Documentation outstanding for more than 4 days", rows[0].DelayMessage)
	require.NotNil(t, rows[0].ExitedAt)
	assert.True(t, rows[1].IsOpen())
	assert.False(t, rows[1].WasDelayed)

	open, err := store.FindOpenHistoryRow(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, "TL review", open.StageName)
}

func TestStore_HistoryKeepsInsertOrderForSameInstant(t *testing.T) {
	// GIVEN: Entries created and moved on at the very same instant
	// WHEN: Their history is listed
	// THEN: The row written first comes first every time

	store := newTestStore(t)
	ctx := context.Background()
	now := t0
	svc := newService(t, store, &now)

	for rep := 0; rep < 20; rep++ {
		e, err := svc.Create(ctx, pipeline.CreateInput{LoanStage: "Documentation"})
		require.NoError(t, err)
		_, err = svc.Transition(ctx, e.ID, "TL review", t0)
		require.NoError(t, err)

		rows, err := store.ListHistory(ctx, e.ID)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "Documentation", rows[0].StageName)
		assert.Equal(t, "TL review", rows[1].StageName)
		assert.True(t, rows[1].IsOpen())
	}
}

func TestStore_OneOpenRowEnforced(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateEntry(ctx, pipeline.Entry{ID: "e-1", Status: pipeline.StatusActive, LoanStageEnteredAt: t0, CreatedAt: t0, UpdatedAt: t0}))

	require.NoError(t, store.CreateHistoryRow(ctx, pipeline.HistoryRow{ID: "r-1", EntryID: "e-1", StageName: "Lead", EnteredAt: t0}))
	err := store.CreateHistoryRow(ctx, pipeline.HistoryRow{ID: "r-2", EntryID: "e-1", StageName: "Documentation", EnteredAt: t0.Add(time.Hour)})
	assert.Error(t, err, "second open row must be rejected")

	err = store.CreateHistoryRow(ctx, pipeline.HistoryRow{ID: "r-3", EntryID: "ghost", EnteredAt: t0})
	assert.ErrorIs(t, err, pipeline.ErrEntryNotFound)
}

func TestStore_RequireOpen(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateEntry(ctx, pipeline.Entry{ID: "e-1", Status: pipeline.StatusActive, LoanStageEnteredAt: t0, CreatedAt: t0, UpdatedAt: t0}))
	require.NoError(t, store.CreateHistoryRow(ctx, pipeline.HistoryRow{ID: "r-1", EntryID: "e-1", StageName: "Lead", EnteredAt: t0}))

	require.NoError(t, store.UpdateHistoryRow(ctx, "r-1", pipeline.HistoryPatch{WasDelayed: true, DelayMessage: "late", RequireOpen: true}))

	exited := t0.Add(time.Hour)
	require.NoError(t, store.UpdateHistoryRow(ctx, "r-1", pipeline.HistoryPatch{ExitedAt: &exited}))

	err := store.UpdateHistoryRow(ctx, "r-1", pipeline.HistoryPatch{WasDelayed: true, RequireOpen: true})
	assert.ErrorIs(t, err, pipeline.ErrHistoryRowClosed)

	err = store.UpdateHistoryRow(ctx, "r-404", pipeline.HistoryPatch{})
	assert.ErrorIs(t, err, pipeline.ErrHistoryRowNotFound)

	rows, err := store.ListHistory(ctx, "e-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, exited, *rows[0].ExitedAt, "unset ExitedAt leaves the stored value")
	assert.False(t, rows[0].WasDelayed)
}

func TestStore_DeleteCascadesHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := t0
	svc := newService(t, store, &now)

	e, err := svc.Create(ctx, pipeline.CreateInput{})
	require.NoError(t, err)
	require.NoError(t, svc.Remove(ctx, e.ID))

	rows, err := store.ListHistory(ctx, e.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.ErrorIs(t, store.DeleteEntry(ctx, e.ID), pipeline.ErrEntryNotFound)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(st pipeline.Store) error {
		require.NoError(t, st.CreateEntry(ctx, pipeline.Entry{ID: "e-1", Status: pipeline.StatusActive, LoanStageEnteredAt: t0, CreatedAt: t0, UpdatedAt: t0}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.GetEntry(ctx, "e-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

// =============================================================================
// QUERIES
// =============================================================================

func seedReport(t *testing.T, store *sqlite.Store) {
	t.Helper()
	ctx := context.Background()
	now := t0
	svc := newService(t, store, &now)

	inputs := []pipeline.CreateInput{
		{Region: "Nairobi East", Product: "Asset finance", LoanStage: "Documentation", Amount: dec("1000000")},
		{Region: "Western", Product: "Working capital", LoanStage: "Offer letter", Amount: dec("400000")},
		{Region: "Western", Product: "Asset finance", LoanStage: "Documentation", Amount: dec("0.10")},
	}
	for i, in := range inputs {
		now = t0.Add(time.Duration(i) * time.Minute)
		_, err := svc.Create(ctx, in)
		require.NoError(t, err)
	}
}

func TestStore_GroupTotals(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedReport(t, store)
	f := pipeline.Filter{}.Normalized()

	grand, err := store.GroupTotals(ctx, f)
	require.NoError(t, err)
	require.Len(t, grand, 1)
	assert.Equal(t, 3, grand[0].Count)
	assert.Equal(t, "400000.01", grand[0].ExpectedDisbursement.StringFixed(2))
	assert.Equal(t, "1400000.10", grand[0].PipelineAmount.StringFixed(2))

	byRegionStage, err := store.GroupTotals(ctx, f, pipeline.GroupRegion, pipeline.GroupStage)
	require.NoError(t, err)
	require.Len(t, byRegionStage, 3)
	assert.Equal(t, "Nairobi East", byRegionStage[0].Key(pipeline.GroupRegion))
	assert.Equal(t, "Documentation", byRegionStage[0].Key(pipeline.GroupStage))

	none, err := store.GroupTotals(ctx, pipeline.Filter{Regions: []string{"Coast"}}.Normalized())
	require.NoError(t, err)
	require.Len(t, none, 1)
	assert.Zero(t, none[0].Count)
	assert.True(t, none[0].ExpectedDisbursement.IsZero())

	_, err = store.GroupTotals(ctx, f, pipeline.GroupField("entity_name; DROP TABLE entries"))
	assert.Error(t, err)
}

func TestStore_ListEntriesFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedReport(t, store)

	items, total, err := store.ListEntries(ctx, pipeline.Filter{Regions: []string{"Western"}}.Normalized(), pipeline.Page{Size: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, items, 1)
	assert.Equal(t, "Asset finance", items[0].Product, "newest first")

	from := t0.Add(30 * time.Second)
	items, total, err = store.ListEntries(ctx, pipeline.Filter{CreatedFrom: &from, Products: []string{"Working capital"}}.Normalized(), pipeline.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, items, 1)

	_, total, err = store.ListEntries(ctx, pipeline.Filter{Statuses: []pipeline.Status{pipeline.StatusClosed}}, pipeline.Page{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestStore_ReportMatchesMemoryScenario(t *testing.T) {
	store := newTestStore(t)
	seedReport(t, store)

	agg := pipeline.NewAggregator(store, stage.Default(), nil)
	r, err := agg.Report(context.Background(), pipeline.Filter{}, t0.Add(5*24*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 3, r.GrandTotal.EntryCount)
	require.NotEmpty(t, r.Regions)
	assert.Equal(t, "Western", r.Regions[0].Key)
	assert.Equal(t, 75, r.Regions[0].PercentOfTotal)

	assert.Equal(t, 3, r.Delays.DelayedEntryCount, "all three overstayed at T+5d")
}

func TestStore_Reconcile(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedReport(t, store)

	r := pipeline.NewReconciler(store, stage.Default(), pipeline.WithRunLog(store))
	res, err := r.Run(ctx, t0.Add(5*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 3, res.Updated)

	delayed, err := store.FindOpenHistoryRows(ctx, pipeline.OpenRowQuery{DelayedOnly: true})
	require.NoError(t, err)
	assert.Len(t, delayed, 3)

	again, err := r.Run(ctx, t0.Add(5*24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, again.Updated)

	runs, err := store.ListReconciliationRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, pipeline.RunCompleted, runs[0].Status)

	all, err := store.ListReconciliationRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
