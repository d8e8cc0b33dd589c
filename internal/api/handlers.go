/**
 * @description
 * HTTP handlers for the internal SEPA collection API. Handlers decode and
 * validate the request, call the collection components and map their typed
 * errors onto status codes.
 *
 * @dependencies
 * - github.com/go-playground/validator/v10: request DTO validation.
 * - internal/app, internal/domain, internal/store: components, models and sentinels.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/verenigingen/sepa-service/internal/app"
	"github.com/verenigingen/sepa-service/internal/domain"
	"github.com/verenigingen/sepa-service/internal/store"
)

// MandateService is the mandate lifecycle manager as the API sees it.
type MandateService interface {
	Create(ctx context.Context, p app.CreateMandateParams) (*domain.Mandate, error)
	Get(ctx context.Context, id string) (*domain.Mandate, error)
	Submit(ctx context.Context, id string) (*domain.Mandate, error)
	Activate(ctx context.Context, id string) (*domain.Mandate, error)
	Suspend(ctx context.Context, id, reason string) (*domain.Mandate, error)
	Cancel(ctx context.Context, id, reason string) (*domain.Mandate, error)
	Expire(ctx context.Context, id, reason string) (*domain.Mandate, error)
	Reactivate(ctx context.Context, id string) (*domain.Mandate, error)
	Replace(ctx context.Context, oldID, newID string) (*domain.Mandate, *domain.Mandate, error)
	ExpireDue(ctx context.Context, asOf time.Time) (app.ExpiryResult, error)
}

// DuesService runs the dues sweep on demand.
type DuesService interface {
	Sweep(ctx context.Context, today time.Time) (app.SweepResult, error)
}

// BatchService builds and manages collection batches.
type BatchService interface {
	Build(ctx context.Context, req app.BuildRequest) (*app.BuildResult, error)
	Get(ctx context.Context, id string) (*domain.Batch, error)
	List(ctx context.Context, status *domain.BatchStatus, limit int) ([]domain.Batch, error)
	Cancel(ctx context.Context, id string) error
}

// BatchExporter produces the pain.008 file of a batch.
type BatchExporter interface {
	Export(ctx context.Context, batchID string) (*app.ExportResult, error)
}

// RetryService lists retry schedules.
type RetryService interface {
	List(ctx context.Context, status domain.RetryStatus, limit int) ([]domain.RetrySchedule, error)
}

// RecordStore holds the plain records the API maintains directly.
type RecordStore interface {
	UpsertMember(ctx context.Context, m domain.Member) error
	CreateSchedule(ctx context.Context, s *domain.DuesSchedule) error
	ListInvoicesBySchedule(ctx context.Context, scheduleID string) ([]domain.Invoice, error)
	ListPaymentHistory(ctx context.Context, memberID string, limit int) ([]domain.PaymentHistoryEntry, error)
	Ping(ctx context.Context) error
}

// Services groups the collaborators of the handlers.
type Services struct {
	Mandates  MandateService
	Dues      DuesService
	Batches   BatchService
	Exporter  BatchExporter
	Responses app.ResponseApplier
	Retries   RetryService
	Records   RecordStore
}

// Handler holds the collection components the endpoints use.
type Handler struct {
	svc      Services
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewHandler creates the API handlers. now is the business clock used for
// default dates.
func NewHandler(svc Services, logger *slog.Logger, now func() time.Time) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Handler{svc: svc, validate: newValidator(), logger: logger, now: now}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.svc.Records != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.svc.Records.Ping(ctx); err != nil {
			h.logger.Error("health check failed", "error", err)
			h.writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	w.Write([]byte("SEPA collection service is healthy"))
}

// decode reads a JSON body into dst and validates it. An empty body is
// accepted for requests whose fields are all optional.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body != nil && r.ContentLength != 0 {
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
			h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return false
		}
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeJSON(w, http.StatusUnprocessableEntity, validationResponse(err))
		return false
	}
	return true
}

// writeAppError maps component errors to HTTP status codes.
func (h *Handler) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		invalid  *domain.ValidationError
		rule     *domain.RuleViolationError
		conflict *domain.ConflictError
	)
	switch {
	case errors.As(err, &invalid):
		h.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: invalid.Message, Field: invalid.Field})
	case errors.As(err, &rule):
		h.writeJSON(w, http.StatusConflict, errorResponse{Error: rule.Message, Rule: rule.Rule})
	case errors.As(err, &conflict):
		h.writeError(w, http.StatusConflict, conflict.Error())
	case errors.Is(err, app.ErrBuildInProgress), errors.Is(err, app.ErrRunLocked):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrMandateNotFound),
		errors.Is(err, store.ErrBatchNotFound),
		errors.Is(err, store.ErrInvoiceNotFound),
		errors.Is(err, store.ErrScheduleNotFound),
		errors.Is(err, store.ErrRetryScheduleNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type errorResponse struct {
	Error  string            `json:"error"`
	Field  string            `json:"field,omitempty"`
	Rule   string            `json:"rule,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// writeJSON is a helper for writing JSON responses.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}

// parseDate reads an optional YYYY-MM-DD value in the business clock's location.
func (h *Handler) parseDate(raw string) (time.Time, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, raw, h.now().Location())
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", raw)
	}
	return t, true, nil
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return limit
}
