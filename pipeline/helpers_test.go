package pipeline_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/loan-pipeline/logger"
	"github.com/warp/loan-pipeline/pipeline"
	memstore "github.com/warp/loan-pipeline/pipeline/store"
	"github.com/warp/loan-pipeline/stage"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func days(n float64) time.Duration { return time.Duration(n * float64(24*time.Hour)) }

// testClock is a settable time source shared by the service under test.
type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

type harness struct {
	store   *memstore.TxMemory
	service *pipeline.Service
	clock   *testClock
	logs    *observer.ObservedLogs
	log     *logger.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	core, logs := observer.New(zap.DebugLevel)
	log := &logger.Logger{SugaredLogger: zap.New(core).Sugar()}
	clock := &testClock{now: t0}
	st := memstore.NewTxMemory()

	svc, err := pipeline.NewService(st, stage.Default(),
		pipeline.WithLogger(log),
		pipeline.WithClock(clock.Now),
		pipeline.WithIDGenerator(sequentialIDs("id")),
		pipeline.WithVocabulary(pipeline.Vocabulary{
			Regions:  []string{"Nairobi East", "Western"},
			Products: []string{"Asset finance", "Working capital"},
		}),
	)
	require.NoError(t, err)

	return &harness{store: st, service: svc, clock: clock, logs: logs, log: log}
}

func (h *harness) create(t *testing.T, in pipeline.CreateInput) *pipeline.Entry {
	t.Helper()
	e, err := h.service.Create(context.Background(), in)
	require.NoError(t, err)
	return e
}

func (h *harness) history(t *testing.T, id pipeline.EntryID) []pipeline.HistoryRow {
	t.Helper()
	rows, err := h.store.ListHistory(context.Background(), id)
	require.NoError(t, err)
	return rows
}

func openRows(rows []pipeline.HistoryRow) int {
	n := 0
	for _, r := range rows {
		if r.IsOpen() {
			n++
		}
	}
	return n
}
