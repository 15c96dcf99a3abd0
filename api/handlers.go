package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"settleflow/asset"
	"settleflow/auction"
	"settleflow/reconciliation"
	"settleflow/settlement"
)

type assetResponse struct {
	ID            string `json:"id"`
	Symbol        string `json:"symbol"`
	Name          string `json:"name"`
	IssuerAccount string `json:"issuer_account"`
	TotalSupply   int64  `json:"total_supply"`
	Allocated     int64  `json:"allocated"`
	Reserved      int64  `json:"reserved"`
	Available     int64  `json:"available"`
	PricePerToken string `json:"price_per_token"`
	CreatedAt     string `json:"created_at"`
}

func toAssetResponse(a asset.Asset) assetResponse {
	return assetResponse{
		ID:            a.ID,
		Symbol:        a.Symbol,
		Name:          a.Name,
		IssuerAccount: a.IssuerAccount,
		TotalSupply:   a.TotalSupply,
		Allocated:     a.Allocated,
		Reserved:      a.Reserved,
		Available:     a.Available(),
		PricePerToken: a.PricePerToken.String(),
		CreatedAt:     a.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleRegisterAsset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Symbol        string `json:"symbol"`
		Name          string `json:"name"`
		IssuerAccount string `json:"issuer_account"`
		TotalSupply   int64  `json:"total_supply"`
		PricePerToken string `json:"price_per_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.badRequest(w, "invalid json body")
		return
	}
	if body.Symbol == "" || body.Name == "" || body.IssuerAccount == "" {
		s.badRequest(w, "symbol, name and issuer_account are required")
		return
	}
	if body.TotalSupply <= 0 {
		s.badRequest(w, "total_supply must be positive")
		return
	}
	price, err := decimal.NewFromString(body.PricePerToken)
	if err != nil || price.IsNegative() {
		s.badRequest(w, "price_per_token must be a non-negative decimal")
		return
	}

	a, err := s.assets.Register(r.Context(), asset.RegisterParams{
		Symbol:        body.Symbol,
		Name:          body.Name,
		IssuerAccount: body.IssuerAccount,
		TotalSupply:   body.TotalSupply,
		PricePerToken: price,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAssetResponse(a))
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	a, err := s.assets.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssetResponse(a))
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.assets.List(r.Context(), 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]assetResponse, 0, len(assets))
	for _, a := range assets {
		out = append(out, toAssetResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
}

type transactionResponse struct {
	ID            string  `json:"id"`
	AssetID       string  `json:"asset_id"`
	BuyerID       string  `json:"buyer_id"`
	Kind          string  `json:"kind"`
	Amount        string  `json:"amount"`
	TokenAmount   int64   `json:"token_amount"`
	Status        string  `json:"status"`
	FailureReason *string `json:"failure_reason,omitempty"`
	ExternalRef   *string `json:"external_ref,omitempty"`
	CreatedAt     string  `json:"created_at"`
	CompletedAt   *string `json:"completed_at,omitempty"`
}

func toTransactionResponse(t settlement.Transaction) transactionResponse {
	resp := transactionResponse{
		ID:            t.ID,
		AssetID:       t.AssetID,
		BuyerID:       t.BuyerID,
		Kind:          string(t.Kind),
		Amount:        t.Amount.String(),
		TokenAmount:   t.TokenAmount,
		Status:        string(t.Status),
		FailureReason: t.FailureReason,
		ExternalRef:   t.ExternalRef,
		CreatedAt:     t.CreatedAt.Format(time.RFC3339),
	}
	if t.CompletedAt != nil {
		done := t.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &done
	}
	return resp
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kind        string `json:"kind"`
		BuyerID     string `json:"buyer_id"`
		AssetID     string `json:"asset_id"`
		Amount      string `json:"amount"`
		TokenAmount int64  `json:"token_amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.badRequest(w, "invalid json body")
		return
	}
	if body.BuyerID == "" || body.AssetID == "" {
		s.badRequest(w, "buyer_id and asset_id are required")
		return
	}
	if body.TokenAmount <= 0 {
		s.badRequest(w, "token_amount must be positive")
		return
	}
	amount, err := decimal.NewFromString(body.Amount)
	if err != nil || amount.IsNegative() {
		s.badRequest(w, "amount must be a non-negative decimal")
		return
	}
	kind := settlement.Kind(body.Kind)
	if body.Kind == "" {
		kind = settlement.KindPrimarySale
	}

	t, err := s.lifecycle.Create(r.Context(), settlement.CreateParams{
		Kind:        kind,
		BuyerID:     body.BuyerID,
		AssetID:     body.AssetID,
		Amount:      amount,
		TokenAmount: body.TokenAmount,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionResponse(t))
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := s.lifecycle.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(t))
}

func (s *Server) handleCancelTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.lifecycle.Cancel(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.lifecycle.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(t))
}

type auctionResponse struct {
	ID           string  `json:"id"`
	AssetID      string  `json:"asset_id"`
	ReservePrice string  `json:"reserve_price"`
	TokenAmount  int64   `json:"token_amount"`
	StartsAt     string  `json:"starts_at"`
	EndsAt       string  `json:"ends_at"`
	Status       string  `json:"status"`
	BestAmount   *string `json:"best_amount,omitempty"`
	BestBidder   *string `json:"best_bidder,omitempty"`
}

func toAuctionResponse(a auction.Auction) auctionResponse {
	resp := auctionResponse{
		ID:           a.ID,
		AssetID:      a.AssetID,
		ReservePrice: a.ReservePrice.String(),
		TokenAmount:  a.TokenAmount,
		StartsAt:     a.StartsAt.Format(time.RFC3339),
		EndsAt:       a.EndsAt.Format(time.RFC3339),
		Status:       string(a.Status),
		BestBidder:   a.BestBidder,
	}
	if a.BestAmount != nil {
		amt := a.BestAmount.String()
		resp.BestAmount = &amt
	}
	return resp
}

func (s *Server) handleCreateAuction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AssetID      string    `json:"asset_id"`
		ReservePrice string    `json:"reserve_price"`
		TokenAmount  int64     `json:"token_amount"`
		StartsAt     time.Time `json:"starts_at"`
		EndsAt       time.Time `json:"ends_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.badRequest(w, "invalid json body")
		return
	}
	if body.AssetID == "" {
		s.badRequest(w, "asset_id is required")
		return
	}
	if body.TokenAmount <= 0 {
		s.badRequest(w, "token_amount must be positive")
		return
	}
	if !body.EndsAt.After(body.StartsAt) {
		s.badRequest(w, "ends_at must follow starts_at")
		return
	}
	reserve, err := decimal.NewFromString(body.ReservePrice)
	if err != nil || reserve.IsNegative() {
		s.badRequest(w, "reserve_price must be a non-negative decimal")
		return
	}

	a, err := s.auctions.Create(r.Context(), auction.CreateParams{
		AssetID:      body.AssetID,
		ReservePrice: reserve,
		TokenAmount:  body.TokenAmount,
		StartsAt:     body.StartsAt,
		EndsAt:       body.EndsAt,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAuctionResponse(a))
}

func (s *Server) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	a, err := s.auctions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuctionResponse(a))
}

type bidResponse struct {
	ID        string `json:"id"`
	AuctionID string `json:"auction_id"`
	Bidder    string `json:"bidder"`
	Amount    string `json:"amount"`
	IsWinning bool   `json:"is_winning"`
}

func toBidResponse(b auction.Bid) bidResponse {
	return bidResponse{
		ID:        b.ID,
		AuctionID: b.AuctionID,
		Bidder:    b.Bidder,
		Amount:    b.Amount.String(),
		IsWinning: b.IsWinning,
	}
}

func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Bidder     string `json:"bidder"`
		Amount     string `json:"amount"`
		PaymentRef string `json:"payment_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.badRequest(w, "invalid json body")
		return
	}
	if body.Bidder == "" {
		s.badRequest(w, "bidder is required")
		return
	}
	amount, err := decimal.NewFromString(body.Amount)
	if err != nil || !amount.IsPositive() {
		s.badRequest(w, "amount must be a positive decimal")
		return
	}

	b, err := s.auctions.SubmitBid(r.Context(), chi.URLParam(r, "id"), body.Bidder, amount, body.PaymentRef)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBidResponse(b))
}

func (s *Server) handleFinalizeAuction(w http.ResponseWriter, r *http.Request) {
	res, err := s.auctions.Finalize(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := struct {
		Status        string       `json:"status"`
		WinningBid    *bidResponse `json:"winning_bid,omitempty"`
		TransactionID string       `json:"transaction_id,omitempty"`
	}{
		Status:        string(res.Status),
		TransactionID: res.TransactionID,
	}
	if res.WinningBid != nil {
		b := toBidResponse(*res.WinningBid)
		out.WinningBid = &b
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancelAuction(w http.ResponseWriter, r *http.Request) {
	if err := s.auctions.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(auction.StatusCancelled)})
}

type anomalyResponse struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	Kind          string          `json:"kind"`
	Status        string          `json:"status"`
	Detail        json.RawMessage `json:"detail"`
	CreatedAt     string          `json:"created_at"`
	ResolvedAt    *string         `json:"resolved_at,omitempty"`
}

func toAnomalyResponse(a reconciliation.Anomaly) anomalyResponse {
	resp := anomalyResponse{
		ID:            a.ID,
		TransactionID: a.TransactionID,
		Kind:          string(a.Kind),
		Status:        string(a.Status),
		Detail:        json.RawMessage(a.Detail),
		CreatedAt:     a.CreatedAt.Format(time.RFC3339),
	}
	if a.ResolvedAt != nil {
		done := a.ResolvedAt.Format(time.RFC3339)
		resp.ResolvedAt = &done
	}
	return resp
}

func (s *Server) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	anomalies, err := s.anomalies.List(r.Context(), r.URL.Query().Get("transaction_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]anomalyResponse, 0, len(anomalies))
	for _, a := range anomalies {
		out = append(out, toAnomalyResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleResolveAnomaly(w http.ResponseWriter, r *http.Request) {
	a, err := s.anomalies.Resolve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAnomalyResponse(a))
}
