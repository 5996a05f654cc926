/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY AND TIME:
  Money is rendered as a string with two decimals ("100000.00") so clients
  never round-trip through floating point. Request bodies accept either a
  JSON string or a number for amounts. Days are plain numbers. Timestamps
  are RFC 3339 in UTC.

VALIDATION:
  Validation is done in handlers and the pipeline service, not in DTOs.
  DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - pipeline/service.go, pipeline/metrics.go: source types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loan-pipeline/pipeline"
	"github.com/warp/loan-pipeline/stage"
)

// =============================================================================
// ENTRIES
// =============================================================================

// ProgressDTO is the live stage progress of an entry or history row.
type ProgressDTO struct {
	Stage             string  `json:"stage"`
	Known             bool    `json:"known"`
	CompletionPercent float64 `json:"completion_percent"`
	DaysInStage       float64 `json:"days_in_stage"`
	MaxDaysInStage    float64 `json:"max_days_in_stage"`
	IsDelayed         bool    `json:"is_delayed"`
	DelayMessage      string  `json:"delay_message,omitempty"`
}

// EntryDTO represents a pipeline entry in API responses.
type EntryDTO struct {
	ID                   string      `json:"id"`
	EntityName           string      `json:"entity_name"`
	ContactName          string      `json:"contact_name,omitempty"`
	ContactPhone         string      `json:"contact_phone,omitempty"`
	LoanStage            string      `json:"loan_stage"`
	LoanStageEnteredAt   string      `json:"loan_stage_entered_at"`
	Amount               string      `json:"amount"`
	SupplementalAmount   string      `json:"supplemental_amount"`
	PipelineAmount       string      `json:"pipeline_amount"`
	ExpectedDisbursement string      `json:"expected_disbursement"`
	Region               string      `json:"region"`
	Product              string      `json:"product"`
	ClientType           string      `json:"client_type"`
	Status               string      `json:"status"`
	EstimatedClosingDate *string     `json:"estimated_closing_date,omitempty"`
	CreatedAt            string      `json:"created_at"`
	UpdatedAt            string      `json:"updated_at"`
	Progress             ProgressDTO `json:"progress"`
}

// EntryListDTO is one page of entries.
type EntryListDTO struct {
	Items    []EntryDTO `json:"items"`
	Total    int        `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
}

// CreateEntryRequest is the request to create an entry. An empty loan_stage
// means the configured default stage.
type CreateEntryRequest struct {
	ID                   string          `json:"id,omitempty"`
	EntityName           string          `json:"entity_name"`
	ContactName          string          `json:"contact_name"`
	ContactPhone         string          `json:"contact_phone"`
	LoanStage            string          `json:"loan_stage"`
	Amount               decimal.Decimal `json:"amount"`
	SupplementalAmount   decimal.Decimal `json:"supplemental_amount"`
	Region               string          `json:"region"`
	Product              string          `json:"product"`
	ClientType           string          `json:"client_type"`
	EstimatedClosingDate string          `json:"estimated_closing_date,omitempty"`
}

// UpdateEntryRequest lists fields to change; omitted fields are left alone.
// An empty estimated_closing_date clears it.
type UpdateEntryRequest struct {
	EntityName           *string          `json:"entity_name,omitempty"`
	ContactName          *string          `json:"contact_name,omitempty"`
	ContactPhone         *string          `json:"contact_phone,omitempty"`
	LoanStage            *string          `json:"loan_stage,omitempty"`
	Amount               *decimal.Decimal `json:"amount,omitempty"`
	SupplementalAmount   *decimal.Decimal `json:"supplemental_amount,omitempty"`
	Region               *string          `json:"region,omitempty"`
	Product              *string          `json:"product,omitempty"`
	ClientType           *string          `json:"client_type,omitempty"`
	Status               *string          `json:"status,omitempty"`
	EstimatedClosingDate *string          `json:"estimated_closing_date,omitempty"`
}

// HistoryRowDTO is one stage occupancy.
type HistoryRowDTO struct {
	ID           string      `json:"id"`
	StageName    string      `json:"stage_name"`
	EnteredAt    string      `json:"entered_at"`
	ExitedAt     *string     `json:"exited_at"`
	WasDelayed   bool        `json:"was_delayed"`
	DelayMessage string      `json:"delay_message,omitempty"`
	Progress     ProgressDTO `json:"progress"`
}

// DelayedRowDTO is an open row flagged delayed by the last reconciliation.
type DelayedRowDTO struct {
	EntryID              string `json:"entry_id"`
	EntityName           string `json:"entity_name"`
	Region               string `json:"region"`
	RowID                string `json:"row_id"`
	StageName            string `json:"stage_name"`
	EnteredAt            string `json:"entered_at"`
	DelayMessage         string `json:"delay_message"`
	ExpectedDisbursement string `json:"expected_disbursement"`
}

// =============================================================================
// OPTIONS
// =============================================================================

type StagePolicyDTO struct {
	Name              string  `json:"name"`
	CompletionPercent float64 `json:"completion_percent"`
	MaxDays           float64 `json:"max_days"`
	DelayMessage      string  `json:"delay_message"`
}

type OptionsDTO struct {
	Stages       []StagePolicyDTO `json:"stages"`
	DefaultStage string           `json:"default_stage"`
	Regions      []string         `json:"regions"`
	Products     []string         `json:"products"`
	ClientTypes  []string         `json:"client_types"`
	Statuses     []string         `json:"statuses"`
}

// =============================================================================
// METRICS
// =============================================================================

type TotalsDTO struct {
	ExpectedDisbursement  string `json:"expected_disbursement"`
	PipelineAmount        string `json:"pipeline_amount"`
	EntryCount            int    `json:"entry_count"`
	AverageDisbursement   string `json:"average_disbursement"`
	AveragePipelineAmount string `json:"average_pipeline_amount"`
}

type BucketDTO struct {
	Key            string `json:"key"`
	PercentOfTotal int    `json:"percent_of_total"`
	TotalsDTO
}

// RegionStageDTO carries every report stage as a key, zero-filled.
type RegionStageDTO struct {
	Region string            `json:"region"`
	Stages map[string]string `json:"stages"`
	Total  string            `json:"total"`
}

type DelayBucketDTO struct {
	Stage                string  `json:"stage"`
	EntryCount           int     `json:"entry_count"`
	ExpectedDisbursement string  `json:"expected_disbursement"`
	PipelineAmount       string  `json:"pipeline_amount"`
	ExcessDays           float64 `json:"excess_days"`
}

type DelayStatsDTO struct {
	DelayedEntryCount    int              `json:"delayed_entry_count"`
	ExpectedDisbursement string           `json:"expected_disbursement"`
	PipelineAmount       string           `json:"pipeline_amount"`
	TotalDelayDays       float64          `json:"total_delay_days"`
	DelayedByStage       []DelayBucketDTO `json:"delayed_by_stage"`
}

// ReportDTO is the metrics report.
type ReportDTO struct {
	AsOf            string           `json:"as_of"`
	GrandTotal      TotalsDTO        `json:"grand_total"`
	Regions         []BucketDTO      `json:"regions"`
	Stages          []BucketDTO      `json:"stages"`
	Products        []BucketDTO      `json:"products"`
	StageColumns    []string         `json:"stage_columns"`
	RegionalByStage []RegionStageDTO `json:"regional_by_stage"`
	Delays          DelayStatsDTO    `json:"delays"`
}

// =============================================================================
// RECONCILIATION
// =============================================================================

type ReconcileResultDTO struct {
	RunID      string `json:"run_id"`
	Scanned    int    `json:"scanned"`
	Updated    int    `json:"updated"`
	Unchanged  int    `json:"unchanged"`
	Skipped    int    `json:"skipped"`
	NowDelayed int    `json:"now_delayed"`
	Failed     int    `json:"failed"`
}

type ReconciliationRunDTO struct {
	ID          string  `json:"id"`
	AsOf        string  `json:"as_of"`
	Status      string  `json:"status"`
	Scanned     int     `json:"scanned"`
	Updated     int     `json:"updated"`
	Skipped     int     `json:"skipped"`
	NowDelayed  int     `json:"now_delayed"`
	Failed      int     `json:"failed"`
	Error       string  `json:"error,omitempty"`
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func number(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func timestamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func optionalTimestamp(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := timestamp(*t)
	return &s
}

func toProgressDTO(p stage.Progress) ProgressDTO {
	return ProgressDTO{
		Stage:             p.Stage,
		Known:             p.Known,
		CompletionPercent: number(p.CompletionPercent),
		DaysInStage:       number(p.DaysInStage),
		MaxDaysInStage:    number(p.MaxDaysInStage),
		IsDelayed:         p.IsDelayed,
		DelayMessage:      p.DelayMessage,
	}
}

func toEntryDTO(v pipeline.EntryView) EntryDTO {
	e := v.Entry
	return EntryDTO{
		ID:                   string(e.ID),
		EntityName:           e.EntityName,
		ContactName:          e.ContactName,
		ContactPhone:         e.ContactPhone,
		LoanStage:            e.LoanStage,
		LoanStageEnteredAt:   timestamp(e.LoanStageEnteredAt),
		Amount:               money(e.Amount),
		SupplementalAmount:   money(e.SupplementalAmount),
		PipelineAmount:       money(e.PipelineAmount()),
		ExpectedDisbursement: money(e.ExpectedDisbursement),
		Region:               e.Region,
		Product:              e.Product,
		ClientType:           e.ClientType,
		Status:               string(e.Status),
		EstimatedClosingDate: optionalTimestamp(e.EstimatedClosingDate),
		CreatedAt:            timestamp(e.CreatedAt),
		UpdatedAt:            timestamp(e.UpdatedAt),
		Progress:             toProgressDTO(v.Progress),
	}
}

func toHistoryDTO(v pipeline.HistoryView) HistoryRowDTO {
	return HistoryRowDTO{
		ID:           string(v.Row.ID),
		StageName:    v.Row.StageName,
		EnteredAt:    timestamp(v.Row.EnteredAt),
		ExitedAt:     optionalTimestamp(v.Row.ExitedAt),
		WasDelayed:   v.Row.WasDelayed,
		DelayMessage: v.Row.DelayMessage,
		Progress:     toProgressDTO(v.Progress),
	}
}

func toDelayedRowDTO(o pipeline.OpenRow) DelayedRowDTO {
	return DelayedRowDTO{
		EntryID:              string(o.Entry.ID),
		EntityName:           o.Entry.EntityName,
		Region:               o.Entry.Region,
		RowID:                string(o.Row.ID),
		StageName:            o.Row.StageName,
		EnteredAt:            timestamp(o.Row.EnteredAt),
		DelayMessage:         o.Row.DelayMessage,
		ExpectedDisbursement: money(o.Entry.ExpectedDisbursement),
	}
}

func toOptionsDTO(o pipeline.OptionSet) OptionsDTO {
	dto := OptionsDTO{
		Stages:       make([]StagePolicyDTO, 0, len(o.Stages)),
		DefaultStage: o.DefaultStage,
		Regions:      nonNil(o.Regions),
		Products:     nonNil(o.Products),
		ClientTypes:  nonNil(o.ClientTypes),
		Statuses:     make([]string, 0, len(o.Statuses)),
	}
	for _, p := range o.Stages {
		dto.Stages = append(dto.Stages, StagePolicyDTO{
			Name:              p.Name,
			CompletionPercent: number(p.CompletionPercent),
			MaxDays:           number(p.MaxDays),
			DelayMessage:      p.DelayMessage,
		})
	}
	for _, s := range o.Statuses {
		dto.Statuses = append(dto.Statuses, string(s))
	}
	return dto
}

func toTotalsDTO(t pipeline.Totals) TotalsDTO {
	return TotalsDTO{
		ExpectedDisbursement:  money(t.ExpectedDisbursement),
		PipelineAmount:        money(t.PipelineAmount),
		EntryCount:            t.EntryCount,
		AverageDisbursement:   money(t.AverageDisbursement),
		AveragePipelineAmount: money(t.AveragePipelineAmount),
	}
}

func toBucketDTOs(bs []pipeline.BucketSummary) []BucketDTO {
	out := make([]BucketDTO, 0, len(bs))
	for _, b := range bs {
		out = append(out, BucketDTO{Key: b.Key, PercentOfTotal: b.PercentOfTotal, TotalsDTO: toTotalsDTO(b.Totals)})
	}
	return out
}

func toReportDTO(r *pipeline.Report) ReportDTO {
	dto := ReportDTO{
		AsOf:            timestamp(r.AsOf),
		GrandTotal:      toTotalsDTO(r.GrandTotal),
		Regions:         toBucketDTOs(r.Regions),
		Stages:          toBucketDTOs(r.Stages),
		Products:        toBucketDTOs(r.Products),
		StageColumns:    nonNil(r.StageColumns),
		RegionalByStage: make([]RegionStageDTO, 0, len(r.RegionalByStage)),
		Delays: DelayStatsDTO{
			DelayedEntryCount:    r.Delays.DelayedEntryCount,
			ExpectedDisbursement: money(r.Delays.ExpectedDisbursement),
			PipelineAmount:       money(r.Delays.PipelineAmount),
			TotalDelayDays:       number(r.Delays.TotalDelayDays),
			DelayedByStage:       make([]DelayBucketDTO, 0, len(r.Delays.ByStage)),
		},
	}
	for _, row := range r.RegionalByStage {
		cells := make(map[string]string, len(row.Cells))
		for _, c := range row.Cells {
			cells[c.Stage] = money(c.ExpectedDisbursement)
		}
		dto.RegionalByStage = append(dto.RegionalByStage, RegionStageDTO{Region: row.Region, Stages: cells, Total: money(row.Total)})
	}
	for _, b := range r.Delays.ByStage {
		dto.Delays.DelayedByStage = append(dto.Delays.DelayedByStage, DelayBucketDTO{
			Stage:                b.Stage,
			EntryCount:           b.EntryCount,
			ExpectedDisbursement: money(b.ExpectedDisbursement),
			PipelineAmount:       money(b.PipelineAmount),
			ExcessDays:           number(b.ExcessDays),
		})
	}
	return dto
}

func toReconcileResultDTO(r pipeline.ReconcileResult) ReconcileResultDTO {
	return ReconcileResultDTO{
		RunID:      r.RunID,
		Scanned:    r.Scanned,
		Updated:    r.Updated,
		Unchanged:  r.Unchanged,
		Skipped:    r.Skipped,
		NowDelayed: r.NowDelayed,
		Failed:     r.Failed,
	}
}

func toRunDTO(r pipeline.ReconciliationRun) ReconciliationRunDTO {
	return ReconciliationRunDTO{
		ID:          r.ID,
		AsOf:        timestamp(r.AsOf),
		Status:      string(r.Status),
		Scanned:     r.Scanned,
		Updated:     r.Updated,
		Skipped:     r.Skipped,
		NowDelayed:  r.NowDelayed,
		Failed:      r.Failed,
		Error:       r.Error,
		StartedAt:   timestamp(r.StartedAt),
		CompletedAt: optionalTimestamp(r.CompletedAt),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
