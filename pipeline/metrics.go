/*
metrics.go - Pipeline forecasting report

PURPOSE:
  Aggregator turns a Filter into a Report: grand total, regional, stage and
  product breakdowns, a region x stage matrix and delay statistics. Sums come
  from the store's GroupTotals primitive, so the persisted
  ExpectedDisbursement is summed directly and no policy data is joined.

BUCKETING:
  Entries without a region or product are reported under stage.Unassigned.
  Empty or retired stage names fold into stage.Unassigned as well, so the
  anomaly is visible instead of dropped.

DELAY STATISTICS:
  Open rows of the filtered entries are evaluated by the stage calculator at
  report time. The persisted WasDelayed flag is not trusted here because it
  can be one reconciliation cycle stale.

ROUNDING:
  Money to 2 decimals, days to 6, percentages to whole numbers with banker's
  rounding. Averages are 0 for empty buckets.
*/
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loan-pipeline/logger"
	"github.com/warp/loan-pipeline/stage"
)

// =============================================================================
// REPORT TYPES
// =============================================================================

type Totals struct {
	ExpectedDisbursement  decimal.Decimal
	PipelineAmount        decimal.Decimal
	EntryCount            int
	AverageDisbursement   decimal.Decimal
	AveragePipelineAmount decimal.Decimal
}

// BucketSummary is one row of a regional, stage or product breakdown.
type BucketSummary struct {
	Key            string
	Totals         Totals
	PercentOfTotal int // share of the grand total ExpectedDisbursement
}

type StageCell struct {
	Stage                string
	ExpectedDisbursement decimal.Decimal
}

// RegionStageRow carries one cell per report stage column, zero-filled.
type RegionStageRow struct {
	Region string
	Cells  []StageCell
	Total  decimal.Decimal
}

type DelayBucket struct {
	Stage                string
	EntryCount           int
	ExpectedDisbursement decimal.Decimal
	PipelineAmount       decimal.Decimal
	ExcessDays           decimal.Decimal
}

type DelayStats struct {
	DelayedEntryCount    int
	ExpectedDisbursement decimal.Decimal
	PipelineAmount       decimal.Decimal
	TotalDelayDays       decimal.Decimal
	ByStage              []DelayBucket // sorted by EntryCount desc
}

type Report struct {
	AsOf            time.Time
	GrandTotal      Totals
	Regions         []BucketSummary
	Stages          []BucketSummary
	Products        []BucketSummary
	StageColumns    []string // declared order, Unassigned last
	RegionalByStage []RegionStageRow
	Delays          DelayStats
}

// =============================================================================
// AGGREGATOR
// =============================================================================

type Aggregator struct {
	store TxStore
	table *stage.Table
	log   *logger.Logger
}

func NewAggregator(store TxStore, table *stage.Table, log *logger.Logger) *Aggregator {
	return &Aggregator{
		store: store,
		table: table,
		log:   logger.OrNop(log).With("component", "pipeline.metrics"),
	}
}

// snapshot holds every store read a report needs, taken in one transaction.
type snapshot struct {
	grand, byRegion, byStage, byProduct, byRegionStage []GroupTotal
	open                                              []OpenRow
}

func (a *Aggregator) read(ctx context.Context, f Filter) (snapshot, error) {
	var snap snapshot
	err := a.store.WithTx(ctx, func(st Store) error {
		var err error
		if snap.grand, err = st.GroupTotals(ctx, f); err != nil {
			return fmt.Errorf("grand total: %w", err)
		}
		if snap.byRegion, err = st.GroupTotals(ctx, f, GroupRegion); err != nil {
			return fmt.Errorf("group by region: %w", err)
		}
		if snap.byStage, err = st.GroupTotals(ctx, f, GroupStage); err != nil {
			return fmt.Errorf("group by stage: %w", err)
		}
		if snap.byProduct, err = st.GroupTotals(ctx, f, GroupProduct); err != nil {
			return fmt.Errorf("group by product: %w", err)
		}
		if snap.byRegionStage, err = st.GroupTotals(ctx, f, GroupRegion, GroupStage); err != nil {
			return fmt.Errorf("group by region and stage: %w", err)
		}
		if snap.open, err = st.FindOpenHistoryRows(ctx, OpenRowQuery{Entries: &f}); err != nil {
			return fmt.Errorf("find open history rows: %w", err)
		}
		return nil
	})
	return snap, err
}

// Report builds the report for entries matching filter, with delay figures
// evaluated at asOf. All figures come from one store snapshot. An empty
// selection yields zeroed totals and empty slices.
func (a *Aggregator) Report(ctx context.Context, filter Filter, asOf time.Time) (*Report, error) {
	snap, err := a.read(ctx, filter.Normalized())
	if err != nil {
		return nil, err
	}
	byRegion, byStage, byProduct := snap.byRegion, snap.byStage, snap.byProduct

	total := sumBuckets(snap.grand)
	r := &Report{
		AsOf:       asOf,
		GrandTotal: total.totals(),
	}

	r.Regions = summarize(fold(byRegion, func(g GroupTotal) string {
		return labelOrUnassigned(g.Key(GroupRegion))
	}), total.expected)
	r.Stages = summarize(fold(byStage, func(g GroupTotal) string {
		return a.table.BucketName(g.Key(GroupStage))
	}), total.expected)
	r.Products = summarize(fold(byProduct, func(g GroupTotal) string {
		return labelOrUnassigned(g.Key(GroupProduct))
	}), total.expected)

	r.StageColumns, r.RegionalByStage = a.matrix(snap.byRegionStage)
	r.Delays = a.delays(snap.open, asOf)

	a.log.Debug("report built",
		"entries", r.GrandTotal.EntryCount,
		"regions", len(r.Regions),
		"delayed", r.Delays.DelayedEntryCount,
	)
	return r, nil
}

// =============================================================================
// BUCKETS
// =============================================================================

type accum struct {
	expected decimal.Decimal
	pipeline decimal.Decimal
	count    int
}

func (c *accum) add(g GroupTotal) {
	c.expected = c.expected.Add(g.ExpectedDisbursement)
	c.pipeline = c.pipeline.Add(g.PipelineAmount)
	c.count += g.Count
}

func (c accum) totals() Totals {
	return Totals{
		ExpectedDisbursement:  stage.RoundMoney(c.expected),
		PipelineAmount:        stage.RoundMoney(c.pipeline),
		EntryCount:            c.count,
		AverageDisbursement:   stage.Average(c.expected, c.count),
		AveragePipelineAmount: stage.Average(c.pipeline, c.count),
	}
}

func sumBuckets(groups []GroupTotal) accum {
	var c accum
	for _, g := range groups {
		c.add(g)
	}
	return c
}

// fold merges store buckets whose label collapses to the same report key.
func fold(groups []GroupTotal, label func(GroupTotal) string) map[string]*accum {
	out := make(map[string]*accum)
	for _, g := range groups {
		if g.Count == 0 {
			continue
		}
		k := label(g)
		c, ok := out[k]
		if !ok {
			c = &accum{}
			out[k] = c
		}
		c.add(g)
	}
	return out
}

// summarize sorts descending by expected disbursement, then by key.
func summarize(buckets map[string]*accum, grand decimal.Decimal) []BucketSummary {
	out := make([]BucketSummary, 0, len(buckets))
	for k, c := range buckets {
		out = append(out, BucketSummary{
			Key:            k,
			Totals:         c.totals(),
			PercentOfTotal: stage.Percent(c.expected, grand),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		ei, ej := out[i].Totals.ExpectedDisbursement, out[j].Totals.ExpectedDisbursement
		if !ei.Equal(ej) {
			return ei.GreaterThan(ej)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func labelOrUnassigned(v string) string {
	if v == "" {
		return stage.Unassigned
	}
	return v
}

// matrix returns the stage columns present in the selection and one row per
// region (sorted by name) carrying every column.
func (a *Aggregator) matrix(groups []GroupTotal) ([]string, []RegionStageRow) {
	cells := make(map[string]map[string]decimal.Decimal)
	present := make(map[string]bool)

	for _, g := range groups {
		if g.Count == 0 {
			continue
		}
		region := labelOrUnassigned(g.Key(GroupRegion))
		col := a.table.BucketName(g.Key(GroupStage))
		present[col] = true
		if cells[region] == nil {
			cells[region] = make(map[string]decimal.Decimal)
		}
		cells[region][col] = cells[region][col].Add(g.ExpectedDisbursement)
	}

	columns := make([]string, 0, len(present))
	for _, name := range a.table.Names() {
		if present[name] {
			columns = append(columns, name)
		}
	}
	if present[stage.Unassigned] {
		columns = append(columns, stage.Unassigned)
	}

	regions := make([]string, 0, len(cells))
	for region := range cells {
		regions = append(regions, region)
	}
	sort.Strings(regions)

	rows := make([]RegionStageRow, 0, len(regions))
	for _, region := range regions {
		row := RegionStageRow{Region: region, Cells: make([]StageCell, 0, len(columns)), Total: decimal.Zero}
		for _, col := range columns {
			v := stage.RoundMoney(cells[region][col])
			row.Cells = append(row.Cells, StageCell{Stage: col, ExpectedDisbursement: v})
			row.Total = row.Total.Add(v)
		}
		rows = append(rows, row)
	}
	return columns, rows
}

// =============================================================================
// DELAY STATISTICS
// =============================================================================

func (a *Aggregator) delays(open []OpenRow, asOf time.Time) DelayStats {
	stats := DelayStats{
		ExpectedDisbursement: decimal.Zero,
		PipelineAmount:       decimal.Zero,
		TotalDelayDays:       decimal.Zero,
		ByStage:              []DelayBucket{},
	}

	seen := make(map[EntryID]bool)
	byStage := make(map[string]*DelayBucket)

	for _, o := range open {
		stageName, enteredAt := o.Basis()
		p := a.table.Progress(stageName, enteredAt, asOf)
		if !p.IsDelayed {
			continue
		}
		excess := p.ExcessDays()
		stats.TotalDelayDays = stats.TotalDelayDays.Add(excess)

		key := a.table.BucketName(stageName)
		b, ok := byStage[key]
		if !ok {
			b = &DelayBucket{
				Stage:                key,
				ExpectedDisbursement: decimal.Zero,
				PipelineAmount:       decimal.Zero,
				ExcessDays:           decimal.Zero,
			}
			byStage[key] = b
		}
		b.ExcessDays = b.ExcessDays.Add(excess)

		if seen[o.Entry.ID] {
			continue
		}
		seen[o.Entry.ID] = true
		stats.DelayedEntryCount++
		stats.ExpectedDisbursement = stats.ExpectedDisbursement.Add(o.Entry.ExpectedDisbursement)
		stats.PipelineAmount = stats.PipelineAmount.Add(o.Entry.PipelineAmount())
		b.EntryCount++
		b.ExpectedDisbursement = b.ExpectedDisbursement.Add(o.Entry.ExpectedDisbursement)
		b.PipelineAmount = b.PipelineAmount.Add(o.Entry.PipelineAmount())
	}

	stats.ExpectedDisbursement = stage.RoundMoney(stats.ExpectedDisbursement)
	stats.PipelineAmount = stage.RoundMoney(stats.PipelineAmount)
	stats.TotalDelayDays = stage.RoundDays(stats.TotalDelayDays)

	for _, b := range byStage {
		b.ExpectedDisbursement = stage.RoundMoney(b.ExpectedDisbursement)
		b.PipelineAmount = stage.RoundMoney(b.PipelineAmount)
		b.ExcessDays = stage.RoundDays(b.ExcessDays)
		stats.ByStage = append(stats.ByStage, *b)
	}
	sort.Slice(stats.ByStage, func(i, j int) bool {
		bi, bj := stats.ByStage[i], stats.ByStage[j]
		if bi.EntryCount != bj.EntryCount {
			return bi.EntryCount > bj.EntryCount
		}
		if !bi.ExpectedDisbursement.Equal(bj.ExpectedDisbursement) {
			return bi.ExpectedDisbursement.GreaterThan(bj.ExpectedDisbursement)
		}
		return bi.Stage < bj.Stage
	})
	return stats
}
