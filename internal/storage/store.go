package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// PairRecord is one persisted pair: its configuration and the last
// runtime snapshot, both as JSON documents.
type PairRecord struct {
	PairID      string `gorm:"column:pair_id;primaryKey"`
	ConfigJSON  string `gorm:"column:config_json;not null"`
	RuntimeJSON string `gorm:"column:runtime_json;not null"`
	UpdatedAt   time.Time
}

// TableName keeps the legacy table name.
func (PairRecord) TableName() string { return "pairs_state" }

// AppState is the singleton row holding global settings and credentials.
type AppState struct {
	ID        int    `gorm:"column:id;primaryKey"`
	DataJSON  string `gorm:"column:data_json;not null"`
	UpdatedAt time.Time
}

// TableName keeps the legacy table name.
func (AppState) TableName() string { return "app_state" }

// Store persists pair and app state. The DSN picks the driver: a
// postgres:// prefix selects PostgreSQL, anything else is a SQLite path.
type Store struct {
	db *gorm.DB
}

// Open connects and migrates the schema.
func Open(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("State store connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("State store initialized (SQLite)")
	}

	if err := db.AutoMigrate(&PairRecord{}, &AppState{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// SavePairConfig upserts the config document, leaving any existing
// runtime snapshot untouched.
func (s *Store) SavePairConfig(pairID string, config any) error {
	payload, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal pair config: %w", err)
	}

	record := PairRecord{
		PairID:      strings.ToUpper(pairID),
		ConfigJSON:  string(payload),
		RuntimeJSON: "{}",
		UpdatedAt:   time.Now(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "pair_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"config_json", "updated_at"}),
	}).Create(&record).Error
}

// SavePairRuntime upserts the runtime snapshot, leaving any existing
// config document untouched.
func (s *Store) SavePairRuntime(pairID string, runtime any) error {
	payload, err := json.Marshal(runtime)
	if err != nil {
		return fmt.Errorf("marshal pair runtime: %w", err)
	}

	record := PairRecord{
		PairID:      strings.ToUpper(pairID),
		ConfigJSON:  "{}",
		RuntimeJSON: string(payload),
		UpdatedAt:   time.Now(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "pair_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"runtime_json", "updated_at"}),
	}).Create(&record).Error
}

// LoadAllPairs returns every persisted pair row.
func (s *Store) LoadAllPairs() ([]PairRecord, error) {
	var records []PairRecord
	if err := s.db.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// DeletePair removes a pair row.
func (s *Store) DeletePair(pairID string) error {
	return s.db.Delete(&PairRecord{}, "pair_id = ?", strings.ToUpper(pairID)).Error
}

// SaveAppState upserts the singleton app state document.
func (s *Store) SaveAppState(data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal app state: %w", err)
	}

	record := AppState{ID: 1, DataJSON: string(payload), UpdatedAt: time.Now()}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data_json", "updated_at"}),
	}).Create(&record).Error
}

// LoadAppState decodes the singleton row into out. Returns false when no
// state has been saved yet.
func (s *Store) LoadAppState(out any) (bool, error) {
	var record AppState
	err := s.db.First(&record, "id = ?", 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(record.DataJSON), out); err != nil {
		return false, fmt.Errorf("decode app state: %w", err)
	}
	return true, nil
}
