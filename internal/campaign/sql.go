package campaign

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dwsmith1983/runguard/pkg/types"
)

// campaignRow maps the campaign table owned by the campaign service.
type campaignRow struct {
	ID       string `gorm:"column:id;primaryKey"`
	Owner    string `gorm:"column:owner"`
	IsActive bool   `gorm:"column:is_active"`
}

func (campaignRow) TableName() string { return "campaigns" }

// SQLStore reads campaigns from a relational database through gorm.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQL connects to the campaign database. dialect is "mysql" or "postgres".
func OpenSQL(dialect, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("campaigns.dsn is required for sql source")
	}
	var dial gorm.Dialector
	switch dialect {
	case "mysql":
		dial = mysql.Open(dsn)
	case "postgres", "":
		dial = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported campaigns dialect: %s", dialect)
	}
	db, err := gorm.Open(dial, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("opening campaign database: %w", err)
	}
	return NewSQLStore(db), nil
}

// NewSQLStore wraps an existing gorm handle.
func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

// GetCampaign returns the campaign with the given id.
func (s *SQLStore) GetCampaign(ctx context.Context, id string) (*types.Campaign, error) {
	var row campaignRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading campaign %s: %w", id, err)
	}
	return &types.Campaign{ID: row.ID, Owner: row.Owner, IsActive: row.IsActive}, nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
