package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/verenigingen/sepa-service/internal/domain"
)

// handleUpsertMember stores the billing projection of a member.
func (h *Handler) handleUpsertMember(w http.ResponseWriter, r *http.Request) {
	var req upsertMemberRequest
	if !h.decode(w, r, &req) {
		return
	}
	member := domain.Member{
		ID:            chi.URLParam(r, "memberID"),
		FullName:      strings.TrimSpace(req.FullName),
		PaymentMethod: domain.PaymentMethod(req.PaymentMethod),
	}
	if err := h.svc.Records.UpsertMember(r.Context(), member); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, member)
}

func (h *Handler) handleMemberHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.svc.Records.ListPaymentHistory(r.Context(), chi.URLParam(r, "memberID"), queryLimit(r))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	if history == nil {
		history = []domain.PaymentHistoryEntry{}
	}
	h.writeJSON(w, http.StatusOK, history)
}

// handleCreateSchedule registers a dues schedule. Unless disabled, the sweep
// generates its invoices automatically.
func (h *Handler) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if !h.decode(w, r, &req) {
		return
	}
	next, _, err := h.parseDate(req.NextInvoiceDate)
	if err != nil {
		h.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Field: "next_invoice_date"})
		return
	}
	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = "EUR"
	}
	schedule := &domain.DuesSchedule{
		ID:               strings.TrimSpace(req.ID),
		MemberID:         strings.TrimSpace(req.MemberID),
		MembershipType:   req.MembershipType,
		BillingFrequency: domain.BillingFrequency(req.BillingFrequency),
		RateCents:        req.RateCents,
		Currency:         currency,
		Status:           domain.ScheduleActive,
		NextInvoiceDate:  next,
		AutoGenerate:     req.AutoGenerate == nil || *req.AutoGenerate,
	}
	if req.PaymentTerms != nil {
		schedule.PaymentTerms = &domain.PaymentTerms{
			Code:       req.PaymentTerms.Code,
			DueDays:    req.PaymentTerms.DueDays,
			EndOfMonth: req.PaymentTerms.EndOfMonth,
		}
	}
	if err := h.svc.Records.CreateSchedule(r.Context(), schedule); err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, schedule)
}

func (h *Handler) handleScheduleInvoices(w http.ResponseWriter, r *http.Request) {
	invoices, err := h.svc.Records.ListInvoicesBySchedule(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	if invoices == nil {
		invoices = []domain.Invoice{}
	}
	h.writeJSON(w, http.StatusOK, invoices)
}
