package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/verenigingen/sepa-service/internal/app"
	"github.com/verenigingen/sepa-service/internal/domain"
)

// handleCreateMandate registers a Draft mandate.
func (h *Handler) handleCreateMandate(w http.ResponseWriter, r *http.Request) {
	var req createMandateRequest
	if !h.decode(w, r, &req) {
		return
	}
	signDate, _, err := h.parseDate(req.SignDate)
	if err != nil {
		h.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Field: "sign_date"})
		return
	}
	params := app.CreateMandateParams{
		MemberID:          strings.TrimSpace(req.MemberID),
		DebtorName:        req.DebtorName,
		IBAN:              req.IBAN,
		BIC:               req.BIC,
		Type:              domain.MandateType(req.Type),
		SignDate:          signDate,
		ReplacesMandateID: strings.TrimSpace(req.ReplacesMandateID),
	}
	if req.ExpiryDate != nil {
		expiry, ok, err := h.parseDate(*req.ExpiryDate)
		if err != nil {
			h.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Field: "expiry_date"})
			return
		}
		if ok {
			params.ExpiryDate = &expiry
		}
	}

	mandate, err := h.svc.Mandates.Create(r.Context(), params)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, mandate)
}

func (h *Handler) handleGetMandate(w http.ResponseWriter, r *http.Request) {
	mandate, err := h.svc.Mandates.Get(r.Context(), chi.URLParam(r, "mandateID"))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, mandate)
}

// handleMandateTransition applies one lifecycle action named in the path.
func (h *Handler) handleMandateTransition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "mandateID")
	action := chi.URLParam(r, "action")

	var req reasonRequest
	if !h.decode(w, r, &req) {
		return
	}

	var (
		mandate *domain.Mandate
		err     error
	)
	ctx := r.Context()
	switch action {
	case "submit":
		mandate, err = h.svc.Mandates.Submit(ctx, id)
	case "activate":
		mandate, err = h.svc.Mandates.Activate(ctx, id)
	case "suspend":
		mandate, err = h.svc.Mandates.Suspend(ctx, id, req.Reason)
	case "cancel":
		mandate, err = h.svc.Mandates.Cancel(ctx, id, req.Reason)
	case "expire":
		mandate, err = h.svc.Mandates.Expire(ctx, id, req.Reason)
	case "reactivate":
		mandate, err = h.svc.Mandates.Reactivate(ctx, id)
	default:
		h.writeError(w, http.StatusNotFound, "unknown mandate action: "+action)
		return
	}
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, mandate)
}

func (h *Handler) handleReplaceMandate(w http.ResponseWriter, r *http.Request) {
	var req replaceMandateRequest
	if !h.decode(w, r, &req) {
		return
	}
	old, successor, err := h.svc.Mandates.Replace(r.Context(), chi.URLParam(r, "mandateID"), strings.TrimSpace(req.NewMandateID))
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]*domain.Mandate{"replaced": old, "successor": successor})
}

// handleRunMandateExpiry expires mandates past their expiry date or dormant
// for too long, as of the given day or today.
func (h *Handler) handleRunMandateExpiry(w http.ResponseWriter, r *http.Request) {
	var req asOfRequest
	if !h.decode(w, r, &req) {
		return
	}
	asOf, ok, err := h.parseDate(req.AsOf)
	if err != nil {
		h.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Field: "as_of"})
		return
	}
	if !ok {
		asOf = domain.DateOf(h.now())
	}
	result, err := h.svc.Mandates.ExpireDue(r.Context(), asOf)
	if err != nil {
		h.writeAppError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}
