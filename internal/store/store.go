package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/mapveto/backend/internal/veto"
)

// VetoResult is the durable record of one completed veto session.
type VetoResult struct {
	ID        uint   `gorm:"primaryKey"`
	FixtureID string `gorm:"index"`
	CreatedAt time.Time
	Maps      []VetoResultMap `gorm:"foreignKey:ResultID"`
}

// VetoResultMap is one map of a result: picked maps first (in pick order,
// decider last), then banned maps.
type VetoResultMap struct {
	ID       uint `gorm:"primaryKey"`
	ResultID uint `gorm:"index"`
	Position int
	Name     string
	State    string
	Side     string
}

type Store struct {
	db *gorm.DB
}

func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&VetoResult{}, &VetoResultMap{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveResult persists the final picked/banned sequences and sides.
func (s *Store) SaveResult(ctx context.Context, fixtureID string, res veto.Result) error {
	rec := VetoResult{FixtureID: fixtureID}
	pos := 0
	for _, m := range res.Picked {
		rec.Maps = append(rec.Maps, VetoResultMap{
			Position: pos, Name: m.Name, State: string(m.State), Side: string(m.Side),
		})
		pos++
	}
	for _, m := range res.Banned {
		rec.Maps = append(rec.Maps, VetoResultMap{
			Position: pos, Name: m.Name, State: string(m.State), Side: string(m.Side),
		})
		pos++
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("save veto result: %w", err)
	}
	return nil
}
