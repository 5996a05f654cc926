package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-pipeline/pipeline"
	"github.com/warp/loan-pipeline/stage"
)

func newAggregator(h *harness) *pipeline.Aggregator {
	return pipeline.NewAggregator(h.store, stage.Default(), h.log)
}

func TestAggregator_RegionalShare(t *testing.T) {
	// GIVEN: Nairobi East with 100,000 expected and Western with 300,000, both Active
	// WHEN: The report is built with no filter
	// THEN: Grand total is 400,000 over 2 entries and Western holds 75%

	h := newHarness(t)
	h.create(t, pipeline.CreateInput{Region: "Nairobi East", LoanStage: "Documentation", Amount: dec("1000000")})
	h.create(t, pipeline.CreateInput{Region: "Western", LoanStage: "Offer letter", Amount: dec("400000")})

	r, err := newAggregator(h).Report(context.Background(), pipeline.Filter{}, t0)
	require.NoError(t, err)

	assert.Equal(t, "400000.00", r.GrandTotal.ExpectedDisbursement.StringFixed(2))
	assert.Equal(t, "1400000.00", r.GrandTotal.PipelineAmount.StringFixed(2))
	assert.Equal(t, 2, r.GrandTotal.EntryCount)
	assert.Equal(t, "200000.00", r.GrandTotal.AverageDisbursement.StringFixed(2))
	assert.Equal(t, "700000.00", r.GrandTotal.AveragePipelineAmount.StringFixed(2))

	require.Len(t, r.Regions, 2)
	assert.Equal(t, "Western", r.Regions[0].Key, "sorted by expected disbursement desc")
	assert.Equal(t, 75, r.Regions[0].PercentOfTotal)
	assert.Equal(t, "Nairobi East", r.Regions[1].Key)
	assert.Equal(t, 25, r.Regions[1].PercentOfTotal)
}

func TestAggregator_EmptySelection(t *testing.T) {
	h := newHarness(t)
	h.create(t, pipeline.CreateInput{Region: "Western", LoanStage: "Documentation"})

	r, err := newAggregator(h).Report(context.Background(), pipeline.Filter{Regions: []string{"Coast"}}, t0.Add(days(30)))
	require.NoError(t, err)

	assert.Zero(t, r.GrandTotal.EntryCount)
	assert.True(t, r.GrandTotal.ExpectedDisbursement.IsZero())
	assert.True(t, r.GrandTotal.AverageDisbursement.IsZero())
	assert.Empty(t, r.Regions)
	assert.Empty(t, r.Stages)
	assert.Empty(t, r.Products)
	assert.Empty(t, r.RegionalByStage)

	assert.Zero(t, r.Delays.DelayedEntryCount)
	assert.True(t, r.Delays.TotalDelayDays.IsZero())
	assert.NotNil(t, r.Delays.ByStage)
	assert.Empty(t, r.Delays.ByStage)
}

func TestAggregator_StagesAndMatrix(t *testing.T) {
	// GIVEN: Entries across two regions and three stages
	// WHEN: The report is built
	// THEN: Stage buckets sort by total and every region row carries every stage column

	h := newHarness(t)
	h.create(t, pipeline.CreateInput{Region: "Western", LoanStage: "Documentation", Amount: dec("1000")})
	h.create(t, pipeline.CreateInput{Region: "Western", LoanStage: "Credit committee", Amount: dec("1000")})
	h.create(t, pipeline.CreateInput{Region: "Nairobi East", LoanStage: "Documentation", Amount: dec("3000")})
	h.create(t, pipeline.CreateInput{Region: "Nairobi East", LoanStage: "Disbursed", Amount: dec("50")})

	r, err := newAggregator(h).Report(context.Background(), pipeline.Filter{}, t0)
	require.NoError(t, err)

	require.Len(t, r.Stages, 3)
	assert.Equal(t, "Credit committee", r.Stages[0].Key)
	assert.Equal(t, "600.00", r.Stages[0].Totals.ExpectedDisbursement.StringFixed(2))
	assert.Equal(t, "Documentation", r.Stages[1].Key)
	assert.Equal(t, 2, r.Stages[1].Totals.EntryCount)
	assert.Equal(t, "Disbursed", r.Stages[2].Key)

	assert.Equal(t, []string{"Documentation", "Credit committee", "Disbursed"}, r.StageColumns)
	require.Len(t, r.RegionalByStage, 2)

	ne := r.RegionalByStage[0]
	assert.Equal(t, "Nairobi East", ne.Region)
	require.Len(t, ne.Cells, 3)
	assert.Equal(t, "300.00", ne.Cells[0].ExpectedDisbursement.StringFixed(2))
	assert.Equal(t, "Credit committee", ne.Cells[1].Stage)
	assert.True(t, ne.Cells[1].ExpectedDisbursement.IsZero(), "missing stage reports zero")
	assert.Equal(t, "350.00", ne.Total.StringFixed(2))

	w := r.RegionalByStage[1]
	assert.Equal(t, "Western", w.Region)
	assert.True(t, w.Cells[2].ExpectedDisbursement.IsZero())
}

func TestAggregator_UnassignedBuckets(t *testing.T) {
	// GIVEN: An entry without region/product and an entry on a retired stage name
	// WHEN: The report is built
	// THEN: Both show up under Unassigned instead of being dropped

	h := newHarness(t)
	ctx := context.Background()
	h.create(t, pipeline.CreateInput{LoanStage: "Documentation", Amount: dec("100")})

	retired := h.create(t, pipeline.CreateInput{Region: "Western", Product: "Asset finance", Amount: dec("100")})
	legacy := "Pre-screening"
	_, err := h.store.UpdateEntry(ctx, retired.ID, pipeline.EntryPatch{LoanStage: &legacy})
	require.NoError(t, err)

	r, err := newAggregator(h).Report(ctx, pipeline.Filter{}, t0)
	require.NoError(t, err)

	keys := func(bs []pipeline.BucketSummary) []string {
		out := make([]string, 0, len(bs))
		for _, b := range bs {
			out = append(out, b.Key)
		}
		return out
	}
	assert.ElementsMatch(t, []string{"Western", stage.Unassigned}, keys(r.Regions))
	assert.ElementsMatch(t, []string{"Asset finance", stage.Unassigned}, keys(r.Products))
	assert.ElementsMatch(t, []string{"Documentation", stage.Unassigned}, keys(r.Stages))
	assert.Equal(t, stage.Unassigned, r.StageColumns[len(r.StageColumns)-1])
}

func TestAggregator_DelayStatsEvaluatedAtReportTime(t *testing.T) {
	// GIVEN: Two Documentation entries 6 days in and one fresh TL review entry
	// WHEN: The report is built without any reconciliation having run
	// THEN: Delay stats reflect report-time evaluation, not the stale persisted flag

	h := newHarness(t)
	h.create(t, pipeline.CreateInput{Region: "Western", LoanStage: "Documentation", Amount: dec("1000")})
	h.create(t, pipeline.CreateInput{Region: "Western", LoanStage: "Documentation", Amount: dec("500"), SupplementalAmount: dec("500")})
	h.clock.Advance(days(5) + 12*time.Hour)
	h.create(t, pipeline.CreateInput{Region: "Western", LoanStage: "TL review", Amount: dec("10000")})

	asOf := t0.Add(days(6))
	r, err := newAggregator(h).Report(context.Background(), pipeline.Filter{}, asOf)
	require.NoError(t, err)

	d := r.Delays
	assert.Equal(t, 2, d.DelayedEntryCount)
	assert.Equal(t, "200.00", d.ExpectedDisbursement.StringFixed(2))
	assert.Equal(t, "2000.00", d.PipelineAmount.StringFixed(2))
	assert.Equal(t, "4", d.TotalDelayDays.String())

	require.Len(t, d.ByStage, 1)
	assert.Equal(t, "Documentation", d.ByStage[0].Stage)
	assert.Equal(t, 2, d.ByStage[0].EntryCount)
	assert.Equal(t, "4", d.ByStage[0].ExcessDays.String())
}

func TestAggregator_FiltersDriveEverySection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, pipeline.CreateInput{Region: "Western", Product: "Asset finance", LoanStage: "Documentation", Amount: dec("1000")})
	h.create(t, pipeline.CreateInput{Region: "Western", Product: "Working capital", LoanStage: "Documentation", Amount: dec("1000")})
	closed := h.create(t, pipeline.CreateInput{Region: "Western", Product: "Asset finance", LoanStage: "Documentation", Amount: dec("1000")})
	status := pipeline.StatusClosed
	_, err := h.service.Update(ctx, closed.ID, pipeline.UpdateInput{Status: &status})
	require.NoError(t, err)

	r, err := newAggregator(h).Report(ctx, pipeline.Filter{Products: []string{"Asset finance"}}, t0.Add(days(10)))
	require.NoError(t, err)

	assert.Equal(t, 1, r.GrandTotal.EntryCount)
	require.Len(t, r.Products, 1)
	assert.Equal(t, 100, r.Products[0].PercentOfTotal)
	assert.Equal(t, 1, r.Delays.DelayedEntryCount)

	r, err = newAggregator(h).Report(ctx, pipeline.Filter{Statuses: []pipeline.Status{pipeline.StatusClosed}}, t0.Add(days(10)))
	require.NoError(t, err)
	assert.Equal(t, 1, r.GrandTotal.EntryCount)
	assert.Zero(t, r.Delays.DelayedEntryCount, "closed entries hold no open rows")
}

func TestAggregator_ReportIsOneSnapshotUnderConcurrentTransitions(t *testing.T) {
	// GIVEN: Entries bouncing between Documentation and Disbursed in the background
	// WHEN: Reports are built while the transitions commit
	// THEN: Every report's stage breakdown adds up to its own grand total

	h := newHarness(t)
	ctx := context.Background()
	var ids []pipeline.EntryID
	for rep := 0; rep < 20; rep++ {
		ids = append(ids, h.create(t, pipeline.CreateInput{Region: "Western", LoanStage: "Documentation", Amount: dec("1000")}).ID)
	}

	done := make(chan struct{})
	moved := make(chan error, 1)
	go func() {
		stages := []string{"Disbursed", "Documentation"}
		for i := 0; ; i++ {
			select {
			case <-done:
				moved <- nil
				return
			default:
			}
			at := t0.Add(time.Duration(i+1) * time.Minute)
			if _, err := h.service.Transition(ctx, ids[i%len(ids)], stages[(i/len(ids))%2], at); err != nil {
				moved <- err
				return
			}
		}
	}()

	agg := newAggregator(h)
	for rep := 0; rep < 200; rep++ {
		r, err := agg.Report(ctx, pipeline.Filter{}, t0)
		require.NoError(t, err)

		sum, count := decimal.Zero, 0
		for _, b := range r.Stages {
			sum = sum.Add(b.Totals.ExpectedDisbursement)
			count += b.Totals.EntryCount
		}
		require.True(t, sum.Equal(r.GrandTotal.ExpectedDisbursement), "stages %s vs grand %s", sum, r.GrandTotal.ExpectedDisbursement)
		require.Equal(t, r.GrandTotal.EntryCount, count)
	}
	close(done)
	require.NoError(t, <-moved)
}
