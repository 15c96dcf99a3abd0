package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"settleflow/asset"
	"settleflow/auction"
	"settleflow/reconciliation"
	"settleflow/settlement"
)

// AssetService registers and reads tokenized assets.
type AssetService interface {
	Register(ctx context.Context, params asset.RegisterParams) (asset.Asset, error)
	GetByID(ctx context.Context, id string) (asset.Asset, error)
	List(ctx context.Context, limit int) ([]asset.Asset, error)
}

// Lifecycle is the transaction surface exposed over HTTP.
type Lifecycle interface {
	Create(ctx context.Context, params settlement.CreateParams) (settlement.Transaction, error)
	Get(ctx context.Context, transactionID string) (settlement.Transaction, error)
	Cancel(ctx context.Context, transactionID string) error
	OnEscrowConfirmed(ctx context.Context, transactionID, externalRef string, confirmedAmount decimal.Decimal) error
}

// AuctionEngine is the bidding surface exposed over HTTP.
type AuctionEngine interface {
	Create(ctx context.Context, params auction.CreateParams) (auction.Auction, error)
	Get(ctx context.Context, auctionID string) (auction.Auction, error)
	SubmitBid(ctx context.Context, auctionID, bidder string, amount decimal.Decimal, paymentRef string) (auction.Bid, error)
	Finalize(ctx context.Context, auctionID string) (auction.Result, error)
	Cancel(ctx context.Context, auctionID string) error
}

// AnomalyReviewer is the manual-review surface for flagged confirmations.
type AnomalyReviewer interface {
	List(ctx context.Context, transactionID string) ([]reconciliation.Anomaly, error)
	Resolve(ctx context.Context, anomalyID string) (reconciliation.Anomaly, error)
}

// Server carries the handler dependencies. Webhook requests are authenticated
// with an HS256 JWT issued by the payment provider; everything else is left to
// the deployment's edge.
type Server struct {
	assets        AssetService
	lifecycle     Lifecycle
	auctions      AuctionEngine
	anomalies     AnomalyReviewer
	webhookSecret []byte
	logger        *slog.Logger
}

func NewServer(assets AssetService, lifecycle Lifecycle, auctions AuctionEngine, anomalies AnomalyReviewer, webhookSecret []byte, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		assets:        assets,
		lifecycle:     lifecycle,
		auctions:      auctions,
		anomalies:     anomalies,
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

// Router builds the HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/assets", func(r chi.Router) {
		r.Post("/", s.handleRegisterAsset)
		r.Get("/", s.handleListAssets)
		r.Get("/{id}", s.handleGetAsset)
	})

	r.Route("/transactions", func(r chi.Router) {
		r.Post("/", s.handleCreateTransaction)
		r.Get("/{id}", s.handleGetTransaction)
		r.Post("/{id}/cancel", s.handleCancelTransaction)
	})

	r.Route("/auctions", func(r chi.Router) {
		r.Post("/", s.handleCreateAuction)
		r.Get("/{id}", s.handleGetAuction)
		r.Post("/{id}/bids", s.handleSubmitBid)
		r.Post("/{id}/finalize", s.handleFinalizeAuction)
		r.Post("/{id}/cancel", s.handleCancelAuction)
	})

	r.Route("/anomalies", func(r chi.Router) {
		r.Get("/", s.handleListAnomalies)
		r.Post("/{id}/resolve", s.handleResolveAnomaly)
	})

	r.Post("/webhooks/payment", s.handlePaymentWebhook)

	return r
}
