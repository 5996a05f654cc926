package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-pipeline/pipeline"
	memstore "github.com/warp/loan-pipeline/pipeline/store"
	"github.com/warp/loan-pipeline/stage"
)

// =============================================================================
// CREATE
// =============================================================================

func TestService_Create_OpensFirstHistoryRow(t *testing.T) {
	// GIVEN: An empty pipeline
	// WHEN: An entry is created in Documentation with amount 1,000,000
	// THEN: Expected disbursement is 100,000 and exactly one open row exists

	h := newHarness(t)

	e := h.create(t, pipeline.CreateInput{
		EntityName: "Acme Ltd",
		LoanStage:  "Documentation",
		Amount:     dec("1000000"),
		Region:     "Western",
	})

	assert.Equal(t, pipeline.StatusActive, e.Status)
	assert.True(t, dec("100000").Equal(e.ExpectedDisbursement), e.ExpectedDisbursement.String())
	assert.Equal(t, t0, e.LoanStageEnteredAt)

	rows := h.history(t, e.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, "Documentation", rows[0].StageName)
	assert.Equal(t, t0, rows[0].EnteredAt)
	assert.Nil(t, rows[0].ExitedAt)
	assert.False(t, rows[0].WasDelayed)
	assert.Empty(t, rows[0].DelayMessage)
}

func TestService_Create_DefaultsStage(t *testing.T) {
	h := newHarness(t)

	e := h.create(t, pipeline.CreateInput{EntityName: "No stage", Amount: dec("5000")})

	assert.Equal(t, "Lead", e.LoanStage)
	assert.True(t, e.ExpectedDisbursement.IsZero())
	assert.Equal(t, "Lead", h.history(t, e.ID)[0].StageName)
}

func TestService_Create_ConfiguredDefaultStage(t *testing.T) {
	svc, err := pipeline.NewService(memstore.NewTxMemory(), stage.Default(),
		pipeline.WithDefaultStage("Documentation"))
	require.NoError(t, err)

	e, err := svc.Create(context.Background(), pipeline.CreateInput{Amount: dec("200")})
	require.NoError(t, err)
	assert.Equal(t, "Documentation", e.LoanStage)
	assert.True(t, dec("20").Equal(e.ExpectedDisbursement))
}

func TestNewService_RejectsUnknownDefaultStage(t *testing.T) {
	_, err := pipeline.NewService(memstore.NewTxMemory(), stage.Default(),
		pipeline.WithDefaultStage("Prospecting"))

	var stageErr *pipeline.UnknownStageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "Prospecting", stageErr.Stage)
}

func TestService_Create_RejectsInvalidInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.Create(ctx, pipeline.CreateInput{LoanStage: "Prospecting"})
	assert.ErrorIs(t, err, pipeline.ErrUnknownStage)
	assert.True(t, pipeline.IsClientError(err))

	_, err = h.service.Create(ctx, pipeline.CreateInput{Amount: dec("-1")})
	var vErr *pipeline.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "amount", vErr.Field)
	assert.ErrorIs(t, err, pipeline.ErrInvalidEntry)
}

func TestService_Create_DuplicateID(t *testing.T) {
	h := newHarness(t)

	h.create(t, pipeline.CreateInput{ID: "e-1"})
	_, err := h.service.Create(context.Background(), pipeline.CreateInput{ID: "e-1"})

	assert.ErrorIs(t, err, pipeline.ErrDuplicateEntry)
	require.Len(t, h.history(t, "e-1"), 1, "failed create must not leave a second row")
}

func TestService_Create_RoundsAmountsToCents(t *testing.T) {
	h := newHarness(t)

	e := h.create(t, pipeline.CreateInput{LoanStage: "Credit analysis", Amount: dec("1000.005"), SupplementalAmount: dec("0.004")})

	assert.Equal(t, "1000.01", e.Amount.StringFixed(2))
	assert.Equal(t, "0.00", e.SupplementalAmount.StringFixed(2))
	assert.Equal(t, "250.00", e.ExpectedDisbursement.StringFixed(2))
}

// =============================================================================
// TRANSITION
// =============================================================================

func TestService_Transition_ClosesDelayedRow(t *testing.T) {
	// GIVEN: An entry in Documentation (limit 4 days) since now-6days
	// WHEN: It transitions to TL review
	// THEN: The Documentation row closes delayed and a fresh TL review row opens

	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, pipeline.CreateInput{LoanStage: "Documentation", Amount: dec("1000000")})

	now := t0.Add(days(6))
	updated, err := h.service.Transition(ctx, e.ID, "TL review", now)
	require.NoError(t, err)

	assert.Equal(t, "TL review", updated.LoanStage)
	assert.Equal(t, now, updated.LoanStageEnteredAt)
	assert.Equal(t, "400000.00", updated.ExpectedDisbursement.StringFixed(2))

	rows := h.history(t, e.ID)
	require.Len(t, rows, 2)

	closed := rows[0]
	assert.Equal(t, "Documentation", closed.StageName)
	require.NotNil(t, closed.ExitedAt)
	assert.Equal(t, now, *closed.ExitedAt)
	assert.True(t, closed.WasDelayed)
	assert.Equal(t, "Documentation outstanding for more than 4 days", closed.DelayMessage)

	open := rows[1]
	assert.Equal(t, "TL review", open.StageName)
	assert.Equal(t, now, open.EnteredAt)
	assert.Nil(t, open.ExitedAt)
	assert.False(t, open.WasDelayed)
	assert.Empty(t, open.DelayMessage)
}

func TestService_Transition_WithinLimitClosesOnTime(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, pipeline.CreateInput{LoanStage: "Documentation"})

	_, err := h.service.Transition(context.Background(), e.ID, "Credit analysis", t0.Add(days(4)))
	require.NoError(t, err)

	rows := h.history(t, e.ID)
	require.Len(t, rows, 2)
	assert.False(t, rows[0].WasDelayed, "exactly at the limit is not delayed")
	assert.Empty(t, rows[0].DelayMessage)
}

func TestService_Transition_SameStageIsNoOp(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, pipeline.CreateInput{LoanStage: "Documentation"})

	out, err := h.service.Transition(context.Background(), e.ID, "Documentation", t0.Add(days(10)))
	require.NoError(t, err)

	assert.Equal(t, t0, out.LoanStageEnteredAt)
	assert.Len(t, h.history(t, e.ID), 1)
}

func TestService_Transition_UnknownEntryAndStage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.Transition(ctx, "missing", "TL review", t0)
	assert.ErrorIs(t, err, pipeline.ErrEntryNotFound)
	assert.True(t, pipeline.IsNotFound(err))

	e := h.create(t, pipeline.CreateInput{LoanStage: "Documentation"})
	_, err = h.service.Transition(ctx, e.ID, "Prospecting", t0.Add(time.Hour))
	assert.ErrorIs(t, err, pipeline.ErrUnknownStage)
	assert.Len(t, h.history(t, e.ID), 1)
}

func TestService_Transition_RejectsTimeBeforeStageEntry(t *testing.T) {
	// GIVEN: An entry that entered Documentation at t0
	// WHEN: A transition is requested for an instant before t0
	// THEN: It is rejected and history is untouched

	h := newHarness(t)
	e := h.create(t, pipeline.CreateInput{LoanStage: "Documentation"})

	_, err := h.service.Transition(context.Background(), e.ID, "Credit analysis", t0.Add(-time.Hour))
	var vErr *pipeline.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "now", vErr.Field)
	assert.ErrorIs(t, err, pipeline.ErrInvalidEntry)

	rows := h.history(t, e.ID)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].IsOpen())

	_, err = h.service.Transition(context.Background(), e.ID, "Credit analysis", t0)
	assert.NoError(t, err, "the entry instant itself is allowed")
}

func TestService_SingleOpenRowInvariant(t *testing.T) {
	// GIVEN: An Active entry
	// WHEN: It moves through every stage, including a repeat of an earlier one
	// THEN: After each step exactly one row is open and rows stay ordered

	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, pipeline.CreateInput{Amount: dec("1000")})

	path := []string{"Documentation", "Credit analysis", "Documentation", "TL review",
		"Credit committee", "Offer letter", "Security perfection", "Disbursed"}
	at := t0
	for _, next := range path {
		at = at.Add(36 * time.Hour)
		_, err := h.service.Transition(ctx, e.ID, next, at)
		require.NoError(t, err)

		rows := h.history(t, e.ID)
		assert.Equal(t, 1, openRows(rows), "after transition to %s", next)
		assert.Equal(t, next, rows[len(rows)-1].StageName)
		for i := 1; i < len(rows); i++ {
			assert.False(t, rows[i].EnteredAt.Before(rows[i-1].EnteredAt))
		}
	}
	assert.Len(t, h.history(t, e.ID), len(path)+1)
}

func TestService_Transition_MissingOpenRowWarnsAndProceeds(t *testing.T) {
	// GIVEN: An entry whose open row was closed out of band
	// WHEN: It transitions
	// THEN: A single_open_row warning is logged and the new row still opens

	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, pipeline.CreateInput{LoanStage: "Documentation"})

	rows := h.history(t, e.ID)
	exited := t0.Add(time.Hour)
	require.NoError(t, h.store.UpdateHistoryRow(ctx, rows[0].ID, pipeline.HistoryPatch{ExitedAt: &exited}))

	_, err := h.service.Transition(ctx, e.ID, "Credit analysis", t0.Add(days(1)))
	require.NoError(t, err)

	rows = h.history(t, e.ID)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, openRows(rows))
	assert.Equal(t, "Credit analysis", rows[1].StageName)

	warnings := h.logs.FilterMessage("no open history row to close").All()
	require.Len(t, warnings, 1)
	fields := warnings[0].ContextMap()
	assert.Equal(t, "single_open_row", fields["invariant"])
	assert.Equal(t, "Documentation", fields["from_stage"])
	assert.Equal(t, "Credit analysis", fields["to_stage"])
}

// =============================================================================
// UPDATE / AMOUNTS / STATUS
// =============================================================================

func TestService_UpdateAmounts_RecomputesWithoutHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, pipeline.CreateInput{LoanStage: "Credit committee", Amount: dec("100000")})
	assert.Equal(t, "60000.00", e.ExpectedDisbursement.StringFixed(2))

	top := dec("50000")
	out, err := h.service.UpdateAmounts(ctx, e.ID, nil, &top)
	require.NoError(t, err)

	assert.Equal(t, "90000.00", out.ExpectedDisbursement.StringFixed(2))
	assert.Equal(t, "150000.00", out.PipelineAmount().StringFixed(2))
	assert.Len(t, h.history(t, e.ID), 1)
	assert.Equal(t, t0, out.LoanStageEnteredAt)
}

func TestService_UpdateAmounts_NoChangeIsNoOp(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, pipeline.CreateInput{LoanStage: "Lead", Amount: dec("10")})

	h.clock.Advance(time.Hour)
	same := dec("10.00")
	out, err := h.service.UpdateAmounts(context.Background(), e.ID, &same, nil)
	require.NoError(t, err)
	assert.Equal(t, t0, out.UpdatedAt)
}

func TestService_Update_StageChangeRunsTransition(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, pipeline.CreateInput{LoanStage: "Documentation", Amount: dec("1000")})

	h.clock.Advance(days(5))
	next := " Credit analysis "
	name := "Acme Holdings"
	out, err := h.service.Update(context.Background(), e.ID, pipeline.UpdateInput{LoanStage: &next, EntityName: &name})
	require.NoError(t, err)

	assert.Equal(t, "Credit analysis", out.LoanStage)
	assert.Equal(t, "Acme Holdings", out.EntityName)
	assert.Equal(t, "250.00", out.ExpectedDisbursement.StringFixed(2))

	rows := h.history(t, e.ID)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].WasDelayed)
}

func TestService_Update_CloseAndReopen(t *testing.T) {
	// GIVEN: An Active entry in Documentation
	// WHEN: It is Closed, then reopened a week later
	// THEN: Closing leaves no open row; reopening starts a fresh row at reopen time

	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, pipeline.CreateInput{LoanStage: "Documentation"})

	h.clock.Advance(days(2))
	closed := pipeline.StatusClosed
	_, err := h.service.Update(ctx, e.ID, pipeline.UpdateInput{Status: &closed})
	require.NoError(t, err)

	rows := h.history(t, e.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, 0, openRows(rows))
	assert.False(t, rows[0].WasDelayed)

	h.clock.Advance(days(7))
	active := pipeline.StatusActive
	out, err := h.service.Update(ctx, e.ID, pipeline.UpdateInput{Status: &active})
	require.NoError(t, err)

	assert.Equal(t, h.clock.Now(), out.LoanStageEnteredAt)
	rows = h.history(t, e.ID)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, openRows(rows))
	assert.Equal(t, "Documentation", rows[1].StageName)
}

func TestService_Update_RejectsBadStatus(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, pipeline.CreateInput{})

	bogus := pipeline.Status("Paused")
	_, err := h.service.Update(context.Background(), e.ID, pipeline.UpdateInput{Status: &bogus})

	var vErr *pipeline.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "status", vErr.Field)
}

// =============================================================================
// READS / REMOVE
// =============================================================================

func TestService_FindOne_WithProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, pipeline.CreateInput{LoanStage: "Documentation", Amount: dec("1000000")})

	view, err := h.service.FindOne(ctx, e.ID, t0.Add(days(5)))
	require.NoError(t, err)
	assert.True(t, view.Progress.IsDelayed)
	assert.Equal(t, "5", view.Progress.DaysInStage.String())

	_, err = h.service.FindOne(ctx, "missing", t0)
	assert.ErrorIs(t, err, pipeline.ErrEntryNotFound)
}

func TestService_FindAll_FiltersAndPages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		h.clock.Advance(time.Minute)
		region := "Western"
		if i%2 == 0 {
			region = "Nairobi East"
		}
		h.create(t, pipeline.CreateInput{Region: region, Amount: dec("100")})
	}
	closedEntry := h.create(t, pipeline.CreateInput{Region: "Western"})
	closed := pipeline.StatusClosed
	_, err := h.service.Update(ctx, closedEntry.ID, pipeline.UpdateInput{Status: &closed})
	require.NoError(t, err)

	list, err := h.service.FindAll(ctx, pipeline.Filter{Regions: []string{"Western"}}, pipeline.Page{}, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, list.Total, "closed entries are excluded by default")
	assert.Equal(t, 1, list.Page)
	assert.Equal(t, pipeline.DefaultPageSize, list.PageSize)

	list, err = h.service.FindAll(ctx, pipeline.Filter{AnyStatus: true}, pipeline.Page{Number: 2, Size: 4}, t0)
	require.NoError(t, err)
	assert.Equal(t, 6, list.Total)
	assert.Len(t, list.Items, 2)

	list, err = h.service.FindAll(ctx, pipeline.Filter{}, pipeline.Page{Size: 2}, t0)
	require.NoError(t, err)
	require.Len(t, list.Items, 2)
	assert.True(t, list.Items[0].Entry.CreatedAt.After(list.Items[1].Entry.CreatedAt), "newest first")
}

func TestService_History_FreezesClosedRows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, pipeline.CreateInput{LoanStage: "Documentation"})

	_, err := h.service.Transition(ctx, e.ID, "TL review", t0.Add(days(3)))
	require.NoError(t, err)

	views, err := h.service.History(ctx, e.ID, t0.Add(days(30)))
	require.NoError(t, err)
	require.Len(t, views, 2)

	assert.Equal(t, "3", views[0].Progress.DaysInStage.String())
	assert.False(t, views[0].Progress.IsDelayed)
	assert.Equal(t, "27", views[1].Progress.DaysInStage.String())
	assert.True(t, views[1].Progress.IsDelayed)

	_, err = h.service.History(ctx, "missing", t0)
	assert.ErrorIs(t, err, pipeline.ErrEntryNotFound)
}

func TestService_Remove_DeletesHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, pipeline.CreateInput{})

	require.NoError(t, h.service.Remove(ctx, e.ID))

	got, err := h.store.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, h.history(t, e.ID))

	assert.ErrorIs(t, h.service.Remove(ctx, e.ID), pipeline.ErrEntryNotFound)
}

func TestService_Options(t *testing.T) {
	h := newHarness(t)

	opts := h.service.Options()
	assert.Equal(t, "Lead", opts.DefaultStage)
	assert.Len(t, opts.Stages, 8)
	assert.Equal(t, []string{"Nairobi East", "Western"}, opts.Regions)
	assert.Equal(t, []pipeline.Status{pipeline.StatusActive, pipeline.StatusClosed}, opts.Statuses)
}
