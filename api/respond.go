package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"settleflow/asset"
	"settleflow/auction"
	"settleflow/escrow"
	"settleflow/reconciliation"
	"settleflow/settlement"
	"settleflow/supply"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps domain errors onto the HTTP surface: capacity conflicts are
// 409, integrity anomalies 422, compliance rejections 403, missing rows 404.
// Anything unmapped is a 500 with no detail leaked.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, supply.ErrInsufficientSupply),
		errors.Is(err, auction.ErrBelowReserve),
		errors.Is(err, auction.ErrBelowCurrentBest),
		errors.Is(err, auction.ErrNotActive),
		errors.Is(err, auction.ErrNotEnded),
		errors.Is(err, auction.ErrAlreadyTerminal),
		errors.Is(err, settlement.ErrNotPending),
		errors.Is(err, settlement.ErrInvalidTransition),
		errors.Is(err, asset.ErrDuplicateSymbol),
		errors.Is(err, reconciliation.ErrBadStatus):
		status = http.StatusConflict
	case errors.Is(err, escrow.ErrAmountMismatch),
		errors.Is(err, escrow.ErrConfirmedDifferently):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, auction.ErrComplianceRejected):
		status = http.StatusForbidden
	case errors.Is(err, asset.ErrNotFound),
		errors.Is(err, settlement.ErrNotFound),
		errors.Is(err, auction.ErrNotFound),
		errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, supply.ErrReservationNotFound),
		errors.Is(err, supply.ErrAssetNotFound),
		errors.Is(err, reconciliation.ErrNotFound):
		status = http.StatusNotFound
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, status, errorBody{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}
