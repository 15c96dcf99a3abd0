package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
)

// paymentEvent is the confirmation payload delivered by the payment
// provider. ExternalReference is globally unique and is the idempotency key
// for replays.
type paymentEvent struct {
	TransactionID     string `json:"transaction_id"`
	ExternalReference string `json:"external_reference"`
	ConfirmedAmount   string `json:"confirmed_amount"`
	ConfirmedAt       string `json:"confirmed_at"`
}

func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.verifyWebhookToken(r); err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid webhook token"})
		return
	}

	var ev paymentEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.badRequest(w, "invalid json body")
		return
	}
	if ev.TransactionID == "" || ev.ExternalReference == "" {
		s.badRequest(w, "transaction_id and external_reference are required")
		return
	}
	amount, err := decimal.NewFromString(ev.ConfirmedAmount)
	if err != nil || amount.IsNegative() {
		s.badRequest(w, "confirmed_amount must be a non-negative decimal")
		return
	}

	if err := s.lifecycle.OnEscrowConfirmed(r.Context(), ev.TransactionID, ev.ExternalReference, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// verifyWebhookToken checks the HS256 bearer token the payment provider
// signs with the shared secret.
func (s *Server) verifyWebhookToken(r *http.Request) error {
	header := r.Header.Get("Authorization")
	raw, found := strings.CutPrefix(header, "Bearer ")
	if !found || raw == "" {
		return fmt.Errorf("api: missing bearer token")
	}

	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("api: unexpected signing method %v", token.Header["alg"])
		}
		return s.webhookSecret, nil
	})
	if err != nil {
		return fmt.Errorf("api: parse webhook token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("api: invalid webhook token")
	}
	return nil
}
