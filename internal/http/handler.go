package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"QuickCashEngine/internal/models"
	"QuickCashEngine/internal/payments"
	"QuickCashEngine/internal/services"

	"github.com/go-chi/chi/v5"
)

const participantHeader = "X-Participant-Id"

type Handler struct {
	Engine *services.Engine
	// Events feeds the notification stream; nil disables it.
	Events Subscriber
}

func NewHandler(engine *services.Engine, events Subscriber) *Handler {
	return &Handler{Engine: engine, Events: events}
}

type participantRequest struct {
	ID         string   `json:"id"`
	Roles      []string `json:"roles"`
	Instrument string   `json:"instrument"`
	Active     *bool    `json:"active"`
}

type participantResponse struct {
	ID         string   `json:"id"`
	Roles      []string `json:"roles"`
	Instrument string   `json:"instrument"`
	Active     bool     `json:"active"`
	CreatedAt  string   `json:"createdAt"`
	UpdatedAt  string   `json:"updatedAt"`
}

type locationRequest struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	At  string  `json:"at"`
}

type listingRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type listingResponse struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	ParticipantID string `json:"participantId"`
	Amount        int64  `json:"amount"`
	AmountMajor   string `json:"amountMajor"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	TransactionID string `json:"transactionId,omitempty"`
	CreatedAt     string `json:"createdAt"`
	ExpiresAt     string `json:"expiresAt"`
}

type transactionResponse struct {
	ID             string `json:"id"`
	RequestID      string `json:"requestId"`
	OfferID        string `json:"offerId"`
	RequesterID    string `json:"requesterId"`
	ProviderID     string `json:"providerId"`
	Amount         int64  `json:"amount"`
	AmountMajor    string `json:"amountMajor"`
	Currency       string `json:"currency"`
	State          string `json:"state"`
	IdempotencyKey string `json:"idempotencyKey"`
	HoldRef        string `json:"holdRef,omitempty"`
	SettlementRef  string `json:"settlementRef,omitempty"`
	ReasonCode     string `json:"reasonCode,omitempty"`
	CreatedAt      string `json:"createdAt"`
	HeldAt         string `json:"heldAt,omitempty"`
	SettledAt      string `json:"settledAt,omitempty"`
	ClosedAt       string `json:"closedAt,omitempty"`
}

type ledgerEntryResponse struct {
	ID             string `json:"id"`
	IdempotencyKey string `json:"idempotencyKey"`
	Operation      string `json:"operation"`
	Outcome        string `json:"outcome"`
	ResponseCode   string `json:"responseCode"`
	Reference      string `json:"reference,omitempty"`
	CreatedAt      string `json:"createdAt"`
}

// actingAs checks that the caller's identity is the participant being changed.
func actingAs(r *http.Request, participantID string) error {
	caller := r.Header.Get(participantHeader)
	if caller == "" {
		return services.ErrMissingParticipantID
	}
	if caller != participantID {
		return models.ErrNotOwner
	}
	return nil
}

func (h *Handler) UpsertParticipant(w http.ResponseWriter, r *http.Request) {
	var req participantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := actingAs(r, req.ID); err != nil {
		writeEngineError(w, err)
		return
	}
	roles := make([]models.Role, 0, len(req.Roles))
	for _, role := range req.Roles {
		roles = append(roles, models.Role(role))
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	p, err := h.Engine.UpsertParticipant(r.Context(), services.ParticipantInput{
		ID:         req.ID,
		Roles:      roles,
		Instrument: req.Instrument,
		Active:     active,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	resp := participantResponse{
		ID:         p.ID,
		Instrument: p.Instrument,
		Active:     p.Active,
		CreatedAt:  p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  p.UpdatedAt.Format(time.RFC3339),
	}
	for _, role := range p.Roles {
		resp.Roles = append(resp.Roles, string(role))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	participantID := chi.URLParam(r, "participantId")
	if err := actingAs(r, participantID); err != nil {
		writeEngineError(w, err)
		return
	}
	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	loc := models.Location{Lat: req.Lat, Lon: req.Lon}
	if req.At != "" {
		at, err := time.Parse(time.RFC3339Nano, req.At)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid at timestamp")
			return
		}
		loc.At = at.UTC()
	}

	accepted, err := h.Engine.UpdateLocation(r.Context(), participantID, loc)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": accepted})
}

func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, models.KindRequest)
}

func (h *Handler) SubmitOffer(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, models.KindOffer)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, kind models.Kind) {
	var req listingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	participantID := r.Header.Get(participantHeader)

	var (
		l   models.Listing
		err error
	)
	if kind == models.KindOffer {
		l, err = h.Engine.SubmitOffer(r.Context(), participantID, req.Amount, req.Currency)
	} else {
		l, err = h.Engine.SubmitRequest(r.Context(), participantID, req.Amount, req.Currency)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.listing(l))
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	h.getListing(w, r, models.KindRequest)
}

func (h *Handler) GetOffer(w http.ResponseWriter, r *http.Request) {
	h.getListing(w, r, models.KindOffer)
}

func (h *Handler) getListing(w http.ResponseWriter, r *http.Request, kind models.Kind) {
	id := chi.URLParam(r, "id")
	l, err := h.Engine.GetListing(r.Context(), kind, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.listing(l))
}

func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	h.cancelListing(w, r, models.KindRequest)
}

func (h *Handler) CancelOffer(w http.ResponseWriter, r *http.Request) {
	h.cancelListing(w, r, models.KindOffer)
}

func (h *Handler) cancelListing(w http.ResponseWriter, r *http.Request, kind models.Kind) {
	id := chi.URLParam(r, "id")
	participantID := r.Header.Get(participantHeader)

	var (
		l   models.Listing
		err error
	)
	if kind == models.KindOffer {
		l, err = h.Engine.CancelOffer(r.Context(), id, participantID)
	} else {
		l, err = h.Engine.CancelRequest(r.Context(), id, participantID)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.listing(l))
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Engine.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.transaction(tx))
}

func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.Ledger(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	resp := make([]ledgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, ledgerEntryResponse{
			ID:             e.ID,
			IdempotencyKey: e.IdempotencyKey,
			Operation:      string(e.Operation),
			Outcome:        string(e.Outcome),
			ResponseCode:   e.ResponseCode,
			Reference:      e.Reference,
			CreatedAt:      e.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) CompleteTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Engine.Complete(r.Context(), chi.URLParam(r, "id"), r.Header.Get(participantHeader))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.transaction(tx))
}

func (h *Handler) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Engine.CancelTransaction(r.Context(), chi.URLParam(r, "id"), r.Header.Get(participantHeader))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.transaction(tx))
}

func (h *Handler) listing(l models.Listing) listingResponse {
	return listingResponse{
		ID:            l.ID,
		Kind:          string(l.Kind),
		ParticipantID: l.ParticipantID,
		Amount:        l.Amount,
		AmountMajor:   h.Engine.Currencies.MajorUnits(l.Amount, l.Currency),
		Currency:      l.Currency,
		Status:        string(l.Status),
		TransactionID: l.TransactionID,
		CreatedAt:     l.CreatedAt.Format(time.RFC3339),
		ExpiresAt:     l.ExpiresAt.Format(time.RFC3339),
	}
}

func (h *Handler) transaction(tx models.Transaction) transactionResponse {
	resp := transactionResponse{
		ID:             tx.ID,
		RequestID:      tx.RequestID,
		OfferID:        tx.OfferID,
		RequesterID:    tx.RequesterID,
		ProviderID:     tx.ProviderID,
		Amount:         tx.Amount,
		AmountMajor:    h.Engine.Currencies.MajorUnits(tx.Amount, tx.Currency),
		Currency:       tx.Currency,
		State:          string(tx.State),
		IdempotencyKey: tx.IdempotencyKey,
		ReasonCode:     tx.ReasonCode,
		CreatedAt:      tx.CreatedAt.Format(time.RFC3339),
	}
	if tx.HoldRef != nil {
		resp.HoldRef = *tx.HoldRef
	}
	if tx.SettlementRef != nil {
		resp.SettlementRef = *tx.SettlementRef
	}
	if tx.HeldAt != nil {
		resp.HeldAt = tx.HeldAt.Format(time.RFC3339)
	}
	if tx.SettledAt != nil {
		resp.SettledAt = tx.SettledAt.Format(time.RFC3339)
	}
	if tx.ClosedAt != nil {
		resp.ClosedAt = tx.ClosedAt.Format(time.RFC3339)
	}
	return resp
}

// writeEngineError maps engine errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	var verr *models.ValidationError
	switch {
	case errors.Is(err, services.ErrMissingParticipantID):
		writeError(w, http.StatusUnauthorized, "missing participant id")
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, models.ErrNotOwner):
		writeError(w, http.StatusForbidden, "not owner")
	case errors.Is(err, models.ErrExpiredRequest), errors.Is(err, models.ErrExpiredTransaction):
		writeError(w, http.StatusGone, "expired")
	case errors.Is(err, models.ErrDuplicateActiveRequest):
		writeError(w, http.StatusConflict, "active listing already exists")
	case errors.Is(err, models.ErrInvalidStateTransition),
		errors.Is(err, models.ErrAlreadyReserved),
		errors.Is(err, models.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, "invalid state transition")
	case errors.Is(err, payments.ErrPermanent):
		writeError(w, http.StatusPaymentRequired, "declined: "+payments.Code(err))
	case errors.Is(err, payments.ErrTransient):
		writeError(w, http.StatusServiceUnavailable, "payment processor unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
