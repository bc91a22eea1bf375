package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/router-for-me/CLIProxyAPIQuota/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultRefreshInterval = time.Minute

// Store keeps an in-memory snapshot of the settings table.
type Store struct {
	db       *gorm.DB
	interval time.Duration

	mu     sync.RWMutex
	values map[string]json.RawMessage
}

// NewStore constructs a settings store. Call Refresh before first use.
func NewStore(db *gorm.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{
		db:       db,
		interval: defaultRefreshInterval,
		values:   make(map[string]json.RawMessage),
	}
}

// Refresh reloads every setting row into the snapshot.
func (s *Store) Refresh(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("settings: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var rows []models.Setting
	if errFind := s.db.WithContext(ctx).Find(&rows).Error; errFind != nil {
		return fmt.Errorf("settings: load: %w", errFind)
	}
	next := make(map[string]json.RawMessage, len(rows))
	for _, row := range rows {
		next[row.Key] = json.RawMessage(row.Value)
	}
	s.mu.Lock()
	s.values = next
	s.mu.Unlock()
	return nil
}

// Value returns the raw JSON value for key from the snapshot.
func (s *Store) Value(key string) (json.RawMessage, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.values[key]
	return raw, ok
}

// Int returns key as a non-negative integer when present and well-formed.
func (s *Store) Int(key string) (int64, bool) {
	raw, ok := s.Value(key)
	if !ok {
		return 0, false
	}
	return ParseNonNegativeInt(raw)
}

// Snapshot returns a copy of every known setting.
func (s *Store) Snapshot() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	if s == nil {
		return out
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, raw := range s.values {
		out[key] = raw
	}
	return out
}

// Set validates and upserts one setting, then updates the snapshot.
func (s *Store) Set(ctx context.Context, key string, raw json.RawMessage) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("settings: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if errValidate := ValidateValue(key, raw); errValidate != nil {
		return errValidate
	}
	now := time.Now().UTC()
	row := models.Setting{
		Key:       key,
		Value:     datatypes.JSON(raw),
		CreatedAt: now,
		UpdatedAt: now,
	}
	errUpsert := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if errUpsert != nil {
		return fmt.Errorf("settings: save %s: %w", key, errUpsert)
	}
	s.mu.Lock()
	s.values[key] = append(json.RawMessage(nil), raw...)
	s.mu.Unlock()
	return nil
}

// Start refreshes the snapshot in the background until ctx is done.
func (s *Store) Start(ctx context.Context) {
	if s == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go s.run(ctx)
	log.Infof("settings refresher started (interval=%s)", s.interval)
}

func (s *Store) run(ctx context.Context) {
	interval := s.interval
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				log.WithError(err).Warn("settings: refresh failed")
			}
		}
	}
}
