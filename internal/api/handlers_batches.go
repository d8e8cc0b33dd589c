package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/verenigingen/sepa-service/internal/app"
	"github.com/verenigingen/sepa-service/internal/domain"
)

// handleDuesSweep runs invoice generation for every due schedule.
func (h *Handler) handleDuesSweep(w http.ResponseWriter, r *http.Request) {
	var req asOfRequest
	if !h.decode(w, r, &req) {
		return
	}
	today, ok, err := h.parseDate(req.AsOf)
	if err != nil {
		h.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Field: "as_of"})
		return
	}
	if !ok {
		today = h.now()
	}
	result, err := h.svc.Dues.Sweep(r.Context(), today)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// handleBuildBatch assembles a Draft batch for the requested collection date.
func (h *Handler) handleBuildBatch(w http.ResponseWriter, r *http.Request) {
	var req buildBatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	collectionDate, _, err := h.parseDate(req.CollectionDate)
	if err != nil {
		h.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Field: "collection_date"})
		return
	}

	result, err := h.svc.Batches.Build(r.Context(), app.BuildRequest{
		CollectionDate:     collectionDate,
		NoticeExceptionRef: strings.TrimSpace(req.NoticeExceptionRef),
	})
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}

	resp := buildBatchResponse{Excluded: result.Excluded, Deferred: result.Deferred}
	status := http.StatusOK
	if result.Batch != nil {
		view := newBatchView(result.Batch)
		resp.Batch = &view
		status = http.StatusCreated
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) handleListBatches(w http.ResponseWriter, r *http.Request) {
	var status *domain.BatchStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := domain.BatchStatus(raw)
		status = &s
	}
	batches, err := h.svc.Batches.List(r.Context(), status, queryLimit(r))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	views := make([]batchView, 0, len(batches))
	for i := range batches {
		views = append(views, newBatchView(&batches[i]))
	}
	h.writeJSON(w, http.StatusOK, views)
}

func (h *Handler) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.svc.Batches.Get(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newBatchView(batch))
}

// handleExportBatch returns the pain.008 file. Exporting an Exported batch
// again returns the archived bytes.
func (h *Handler) handleExportBatch(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Exporter.Export(r.Context(), chi.URLParam(r, "batchID"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Batch.ID+".xml"))
	if result.ArchiveKey != "" {
		w.Header().Set("X-Archive-Key", result.ArchiveKey)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(result.XML)
}

func (h *Handler) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "batchID")
	if err := h.svc.Batches.Cancel(r.Context(), id); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(domain.BatchCancelled)})
}

// handleBankResponse applies bank outcomes posted for an exported batch.
func (h *Handler) handleBankResponse(w http.ResponseWriter, r *http.Request) {
	var req bankResponseRequest
	if !h.decode(w, r, &req) {
		return
	}
	txs := make([]domain.BankTransaction, 0, len(req.Transactions))
	for i, tx := range req.Transactions {
		var receivedAt time.Time
		if tx.ReceivedAt != "" {
			parsed, err := time.Parse(time.RFC3339, tx.ReceivedAt)
			if err != nil {
				h.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Field: fmt.Sprintf("transactions[%d].received_at", i)})
				return
			}
			receivedAt = parsed
		}
		txs = append(txs, domain.BankTransaction{
			Reference:  strings.TrimSpace(tx.Reference),
			Outcome:    tx.Outcome,
			ReasonCode: strings.TrimSpace(tx.ReasonCode),
			ReceivedAt: receivedAt,
		})
	}

	result, err := h.svc.Responses.Apply(r.Context(), chi.URLParam(r, "batchID"), txs)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleListRetries(w http.ResponseWriter, r *http.Request) {
	status := domain.RetryScheduled
	if raw := r.URL.Query().Get("status"); raw != "" {
		status = domain.RetryStatus(raw)
	}
	retries, err := h.svc.Retries.List(r.Context(), status, queryLimit(r))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, retries)
}
