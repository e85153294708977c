package seeder

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/speedelog/prepflow/internal/database"
	"github.com/speedelog/prepflow/internal/entity"
	"github.com/speedelog/prepflow/internal/status"
)

// Seeder performs database seeding for local/dev setups.
type Seeder struct {
	db     *bun.DB
	logger *zap.Logger
}

// New constructs a Seeder backed by the primary database connection.
func New(conns *database.Connections, logger *zap.Logger) *Seeder {
	return &Seeder{db: conns.Writer, logger: logger}
}

// Run seeds stock records and example orders if they are missing.
func (s *Seeder) Run(ctx context.Context) error {
	if err := s.stock(ctx); err != nil {
		return err
	}
	return s.orders(ctx)
}

func (s *Seeder) stock(ctx context.Context) error {
	records := []entity.StockRecord{
		{ProductRef: "SKU-CARTON-S", OnHand: 500},
		{ProductRef: "SKU-CARTON-M", OnHand: 300},
		{ProductRef: "SKU-CARTON-L", OnHand: 150},
		{ProductRef: "SKU-TAPE", OnHand: 1000},
	}

	for _, record := range records {
		rec := record
		rec.UpdatedAt = time.Now().UTC()
		_, err := s.db.NewInsert().Model(&rec).
			On("CONFLICT (product_ref) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return err
		}
	}

	if s.logger != nil {
		s.logger.Info("seeded stock records", zap.Int("count", len(records)))
	}
	return nil
}

func (s *Seeder) orders(ctx context.Context) error {
	now := time.Now().UTC()
	samples := []entity.Order{
		{
			Number:    "ORD-1000",
			Status:    status.EnAttenteReappro,
			ClientRef: "demo-client-a",
			Total:     decimal.NewFromInt(120),
			CreatedAt: now,
			UpdatedAt: now,
		},
		{
			Number:    "ORD-1001",
			Status:    status.StockReserve,
			ClientRef: "demo-client-b",
			Total:     decimal.NewFromInt(45),
			CreatedAt: now,
			UpdatedAt: now,
		},
	}

	for _, sample := range samples {
		order := sample
		_, err := s.db.NewInsert().Model(&order).
			On("CONFLICT (number) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return err
		}
	}

	if s.logger != nil {
		s.logger.Info("seeded orders", zap.Int("count", len(samples)))
	}
	return nil
}
