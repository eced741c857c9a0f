package storage

import (
	"context"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"social-duel/server/internal/config"
	"social-duel/server/internal/models"
)

// MySQLStore archives finished sessions
type MySQLStore struct {
	db *gorm.DB
}

func NewMySQLStore(cfg config.MySQLConfig) (*MySQLStore, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.Username,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return NewMySQLStoreWithDB(db)
}

// NewMySQLStoreWithDB migrates and wraps an open gorm handle
func NewMySQLStoreWithDB(db *gorm.DB) (*MySQLStore, error) {
	if err := db.AutoMigrate(&models.GameRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return &MySQLStore{db: db}, nil
}

func (s *MySQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordResult stores a finished session. A session that was already
// archived gets its row replaced.
func (s *MySQLStore) RecordResult(ctx context.Context, record *models.GameRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", record.SessionID).Delete(&models.GameRecord{}).Error; err != nil {
			return fmt.Errorf("failed to replace record: %w", err)
		}
		if err := tx.Create(record).Error; err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}
		return nil
	})
}

// ListResults returns the most recent finished sessions
func (s *MySQLStore) ListResults(ctx context.Context, limit int) ([]models.GameRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var records []models.GameRecord
	err := s.db.WithContext(ctx).
		Order("finished_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	return records, nil
}
