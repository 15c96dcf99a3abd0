package asset

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Registry abstracts repository operations for the service.
type Registry interface {
	Create(ctx context.Context, id, symbol, name, issuerAccount string, totalSupply int64, pricePerToken decimal.Decimal) (Asset, error)
	GetByID(ctx context.Context, id string) (Asset, error)
	List(ctx context.Context, limit int) ([]Asset, error)
}

// Service exposes business-level asset operations.
type Service struct {
	repo  Registry
	idGen func() string
}

func NewService(repo Registry) *Service {
	return &Service{repo: repo, idGen: uuid.NewString}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

// RegisterParams describes a tokenization request.
type RegisterParams struct {
	Symbol        string
	Name          string
	IssuerAccount string
	TotalSupply   int64
	PricePerToken decimal.Decimal
}

// Register records a newly tokenized asset with its fixed total supply.
func (s *Service) Register(ctx context.Context, params RegisterParams) (Asset, error) {
	symbol := strings.ToUpper(strings.TrimSpace(params.Symbol))
	if symbol == "" {
		return Asset{}, fmt.Errorf("asset: symbol required")
	}
	if params.Name == "" {
		return Asset{}, fmt.Errorf("asset: name required")
	}
	if params.IssuerAccount == "" {
		return Asset{}, fmt.Errorf("asset: issuer account required")
	}
	if params.TotalSupply <= 0 {
		return Asset{}, fmt.Errorf("asset: total supply must be positive, got %d", params.TotalSupply)
	}
	if params.PricePerToken.IsNegative() {
		return Asset{}, fmt.Errorf("asset: price per token must not be negative")
	}

	return s.repo.Create(ctx, s.idGen(), symbol, params.Name, params.IssuerAccount, params.TotalSupply, params.PricePerToken)
}

// GetByID returns the asset for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Asset, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns up to limit assets.
func (s *Service) List(ctx context.Context, limit int) ([]Asset, error) {
	return s.repo.List(ctx, limit)
}
