/*
handlers.go - HTTP API handlers for the loan pipeline

PURPOSE:
  Exposes the pipeline service, the metrics aggregator and the reconciler
  via REST API. Handles HTTP request/response, JSON serialization, and
  delegates to domain logic.

ENDPOINTS:
  Options:
    GET    /api/options                  Stage/region/product vocabularies

  Entries:
    GET    /api/entries                  List entries (filtered, paged)
    POST   /api/entries                  Create entry
    GET    /api/entries/delayed          Open rows flagged delayed
    GET    /api/entries/{id}             Get entry with live progress
    PATCH  /api/entries/{id}             Update entry (stage change = transition)
    DELETE /api/entries/{id}             Remove entry and its history
    GET    /api/entries/{id}/history     Stage history

  Metrics:
    GET    /api/metrics                  Forecasting report (same filters as listing)

  Reconciliation:
    GET    /api/reconciliation/runs      Recorded runs, latest first
    POST   /api/reconciliation/run       Run one pass now

  Health:
    GET    /api/health                   Store reachability

FILTER QUERY PARAMETERS:
  status, region, product, stage, client_type: repeatable or comma separated
  status=all lifts the Active default
  created_from, created_to, closing_from, closing_to: YYYY-MM-DD or RFC 3339;
  a date-only upper bound covers the whole day
  page, page_size: 1-based paging (default 20, max 100)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, unknown stage, malformed input
  - 404: Entry not found
  - 409: Duplicate entry
  - 503: Store unavailable
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/loan-pipeline/logger"
	"github.com/warp/loan-pipeline/pipeline"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service    *pipeline.Service
	Metrics    *pipeline.Aggregator
	Reconciler *pipeline.Reconciler
	Health     Pinger // optional

	log *logger.Logger
	now func() time.Time
}

// NewHandler creates a new handler.
func NewHandler(svc *pipeline.Service, metrics *pipeline.Aggregator, rec *pipeline.Reconciler, log *logger.Logger) *Handler {
	return &Handler{
		Service:    svc,
		Metrics:    metrics,
		Reconciler: rec,
		log:        logger.OrNop(log).With("component", "api"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source used for progress and delay evaluation.
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// =============================================================================
// OPTIONS
// =============================================================================

// GetOptions returns the declared vocabularies.
func (h *Handler) GetOptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toOptionsDTO(h.Service.Options()))
}

// =============================================================================
// ENTRY HANDLERS
// =============================================================================

// ListEntries returns one page of entries matching the query filter.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}
	page, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid paging", err)
		return
	}

	list, err := h.Service.FindAll(r.Context(), filter, page, h.now())
	if err != nil {
		h.writeDomainError(w, "Failed to list entries", err)
		return
	}

	dto := EntryListDTO{
		Items:    make([]EntryDTO, 0, len(list.Items)),
		Total:    list.Total,
		Page:     list.Page,
		PageSize: list.PageSize,
	}
	for _, v := range list.Items {
		dto.Items = append(dto.Items, toEntryDTO(v))
	}
	writeJSON(w, http.StatusOK, dto)
}

// CreateEntry creates a new Active entry.
func (h *Handler) CreateEntry(w http.ResponseWriter, r *http.Request) {
	var req CreateEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	closing, err := parseOptionalDate(req.EstimatedClosingDate)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "Invalid estimated_closing_date", "invalid_entry", err)
		return
	}

	e, err := h.Service.Create(r.Context(), pipeline.CreateInput{
		ID:                   pipeline.EntryID(strings.TrimSpace(req.ID)),
		EntityName:           req.EntityName,
		ContactName:          req.ContactName,
		ContactPhone:         req.ContactPhone,
		LoanStage:            req.LoanStage,
		Amount:               req.Amount,
		SupplementalAmount:   req.SupplementalAmount,
		Region:               req.Region,
		Product:              req.Product,
		ClientType:           req.ClientType,
		EstimatedClosingDate: closing,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to create entry", err)
		return
	}

	h.writeEntry(w, r, http.StatusCreated, e.ID)
}

// GetEntry returns one entry with its live progress.
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	h.writeEntry(w, r, http.StatusOK, entryID(r))
}

// UpdateEntry applies a partial update.
func (h *Handler) UpdateEntry(w http.ResponseWriter, r *http.Request) {
	var req UpdateEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := pipeline.UpdateInput{
		EntityName:         req.EntityName,
		ContactName:        req.ContactName,
		ContactPhone:       req.ContactPhone,
		LoanStage:          req.LoanStage,
		Amount:             req.Amount,
		SupplementalAmount: req.SupplementalAmount,
		Region:             req.Region,
		Product:            req.Product,
		ClientType:         req.ClientType,
	}
	if req.Status != nil {
		s := pipeline.Status(*req.Status)
		in.Status = &s
	}
	if req.EstimatedClosingDate != nil {
		closing, err := parseOptionalDate(*req.EstimatedClosingDate)
		if err != nil {
			writeErrorCode(w, http.StatusBadRequest, "Invalid estimated_closing_date", "invalid_entry", err)
			return
		}
		in.EstimatedClosingDate = closing
		in.ClearEstimatedClosingDate = closing == nil
	}

	id := entryID(r)
	if _, err := h.Service.Update(r.Context(), id, in); err != nil {
		h.writeDomainError(w, "Failed to update entry", err)
		return
	}

	h.writeEntry(w, r, http.StatusOK, id)
}

// DeleteEntry removes an entry with its history.
func (h *Handler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Remove(r.Context(), entryID(r)); err != nil {
		h.writeDomainError(w, "Failed to delete entry", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetHistory returns the entry's stage history in entry order.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	views, err := h.Service.History(r.Context(), entryID(r), h.now())
	if err != nil {
		h.writeDomainError(w, "Failed to get history", err)
		return
	}

	dtos := make([]HistoryRowDTO, 0, len(views))
	for _, v := range views {
		dtos = append(dtos, toHistoryDTO(v))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListDelayed returns open rows flagged delayed, for entries matching the filter.
func (h *Handler) ListDelayed(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}

	rows, err := h.Service.DelayedRows(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, "Failed to list delayed entries", err)
		return
	}

	dtos := make([]DelayedRowDTO, 0, len(rows))
	for _, o := range rows {
		dtos = append(dtos, toDelayedRowDTO(o))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) writeEntry(w http.ResponseWriter, r *http.Request, status int, id pipeline.EntryID) {
	view, err := h.Service.FindOne(r.Context(), id, h.now())
	if err != nil {
		h.writeDomainError(w, "Failed to get entry", err)
		return
	}
	writeJSON(w, status, toEntryDTO(*view))
}

// =============================================================================
// METRICS
// =============================================================================

// GetMetrics builds the report for the query filter as of now.
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}

	report, err := h.Metrics.Report(r.Context(), filter, h.now())
	if err != nil {
		h.writeDomainError(w, "Failed to build metrics", err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(report))
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// ListReconciliationRuns returns recorded runs, latest first.
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", fmt.Errorf("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	runs, err := h.Reconciler.Runs(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, "Failed to get reconciliation runs", err)
		return
	}

	dtos := make([]ReconciliationRunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// TriggerReconciliation runs one reconciliation pass as of now.
func (h *Handler) TriggerReconciliation(w http.ResponseWriter, r *http.Request) {
	res, err := h.Reconciler.Run(r.Context(), h.now())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "Reconciliation finished with errors",
			Code:    "reconciliation_failed",
			Details: toReconcileResultDTO(res),
		})
		return
	}
	writeJSON(w, http.StatusOK, toReconcileResultDTO(res))
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			h.writeDomainError(w, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// QUERY PARSING
// =============================================================================

func entryID(r *http.Request) pipeline.EntryID {
	return pipeline.EntryID(chi.URLParam(r, "id"))
}

// parseFilter reads the filter query parameters.
func parseFilter(r *http.Request) (pipeline.Filter, error) {
	q := r.URL.Query()
	var f pipeline.Filter

	for _, s := range multi(q["status"]) {
		if strings.EqualFold(s, "all") || strings.EqualFold(s, "any") {
			f.AnyStatus = true
			continue
		}
		status := pipeline.Status(s)
		if !status.Valid() {
			return f, fmt.Errorf("status: unsupported value %q", s)
		}
		f.Statuses = append(f.Statuses, status)
	}
	f.Regions = multi(q["region"])
	f.Products = multi(q["product"])
	f.Stages = multi(q["stage"])
	f.ClientTypes = multi(q["client_type"])

	var err error
	if f.CreatedFrom, err = parseBound(q.Get("created_from"), false); err != nil {
		return f, fmt.Errorf("created_from: %w", err)
	}
	if f.CreatedTo, err = parseBound(q.Get("created_to"), true); err != nil {
		return f, fmt.Errorf("created_to: %w", err)
	}
	if f.ClosingFrom, err = parseBound(q.Get("closing_from"), false); err != nil {
		return f, fmt.Errorf("closing_from: %w", err)
	}
	if f.ClosingTo, err = parseBound(q.Get("closing_to"), true); err != nil {
		return f, fmt.Errorf("closing_to: %w", err)
	}
	return f, nil
}

func parsePage(r *http.Request) (pipeline.Page, error) {
	var p pipeline.Page
	q := r.URL.Query()
	for name, dst := range map[string]*int{"page": &p.Number, "page_size": &p.Size} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, fmt.Errorf("%s must be a positive integer", name)
		}
		*dst = n
	}
	return p, nil
}

// multi flattens repeated and comma separated values, trimming blanks.
func multi(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// parseBound parses a date or timestamp. A date-only upper bound is moved
// to the last instant of that day.
func parseBound(v string, upper bool) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, fmt.Errorf("expected YYYY-MM-DD or RFC 3339, got %q", v)
	}
	if upper {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func parseOptionalDate(v string) (*time.Time, error) {
	return parseBound(v, false)
}

// =============================================================================
// RESPONSES
// =============================================================================

// writeDomainError maps pipeline errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	var vErr *pipeline.ValidationError
	var stageErr *pipeline.UnknownStageError

	switch {
	case pipeline.IsNotFound(err):
		writeErrorCode(w, http.StatusNotFound, "Not found", "not_found", err)
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   message,
			Code:    "invalid_entry",
			Details: map[string]string{"field": vErr.Field, "message": vErr.Message},
		})
	case errors.As(err, &stageErr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   message,
			Code:    "unknown_stage",
			Details: map[string]string{"stage": stageErr.Stage},
		})
	case errors.Is(err, pipeline.ErrDuplicateEntry):
		writeErrorCode(w, http.StatusConflict, message, "duplicate_entry", err)
	case errors.Is(err, pipeline.ErrStoreUnavailable):
		h.log.Error(message, "error", err)
		writeErrorCode(w, http.StatusServiceUnavailable, message, "store_unavailable", err)
	default:
		h.log.Error(message, "error", err)
		writeErrorCode(w, http.StatusInternalServerError, message, "internal", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	writeErrorCode(w, status, message, "bad_request", err)
}

func writeErrorCode(w http.ResponseWriter, status int, message, code string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
