package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// historyRow stores one BatchRecord. Seq preserves append order.
type historyRow struct {
	Seq          uint64 `gorm:"primaryKey;autoIncrement"`
	RecordID     string `gorm:"size:64;uniqueIndex"`
	Tenant       string `gorm:"size:128;index"`
	CampaignID   string `gorm:"size:128;index"`
	SegmentIndex uint64
	Success      bool
	Reason       string `gorm:"size:64"`
	Payload      []byte `gorm:"not null"`
	CreatedAt    time.Time
}

func (historyRow) TableName() string { return "settlement_history" }

type retryRow struct {
	ID          string    `gorm:"size:320;primaryKey"`
	Tenant      string    `gorm:"size:128;index"`
	NextAttempt time.Time `gorm:"index"`
	Parked      bool
	Payload     []byte `gorm:"not null"`
	UpdatedAt   time.Time
}

func (retryRow) TableName() string { return "settlement_retries" }

type partitionRow struct {
	ID         string `gorm:"size:320;primaryKey"`
	RecordedAt time.Time
}

func (partitionRow) TableName() string { return "settlement_partitions" }

// GormStore persists settlement state through gorm, typically PostgreSQL in
// production and SQLite in tests.
type GormStore struct {
	db *gorm.DB
}

// AutoMigrate creates the settlement tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&historyRow{}, &retryRow{}, &partitionRow{})
}

// NewGormStore migrates the schema and wraps db.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("settlement: gorm handle required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate settlement tables: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Close closes the pooled connection.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Commit applies every mutation inside a single database transaction.
func (s *GormStore) Commit(ctx context.Context, c Commit) error {
	if err := validateCommit(c); err != nil {
		return err
	}
	id := c.Key.RetryID()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if c.Record != nil {
			payload, err := json.Marshal(c.Record)
			if err != nil {
				return err
			}
			row := historyRow{
				RecordID:     c.Record.ID,
				Tenant:       c.Key.Tenant,
				CampaignID:   c.Key.CampaignID,
				SegmentIndex: c.Key.SegmentIndex,
				Success:      c.Record.Success,
				Reason:       c.Record.Reason,
				Payload:      payload,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		if c.Recorded {
			marker := partitionRow{ID: id, RecordedAt: time.Now().UTC()}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&marker).Error; err != nil {
				return err
			}
		}
		switch {
		case c.Retry != nil:
			payload, err := json.Marshal(c.Retry)
			if err != nil {
				return err
			}
			row := retryRow{
				ID:          id,
				Tenant:      c.Key.Tenant,
				NextAttempt: c.Retry.NextAttempt,
				Parked:      c.Retry.Parked,
				Payload:     payload,
			}
			return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
		case c.ClearRetry:
			return tx.Delete(&retryRow{}, "id = ?", id).Error
		}
		return nil
	})
}

// Recorded reports whether the partition marker exists.
func (s *GormStore) Recorded(ctx context.Context, key PartitionKey) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&partitionRow{}).Where("id = ?", key.RetryID()).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// History returns the tenant's records in append order.
func (s *GormStore) History(ctx context.Context, tenant string, limit int) ([]BatchRecord, error) {
	var rows []historyRow
	query := s.db.WithContext(ctx).Where("tenant = ?", tenant).Order("seq desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load history %s: %w", tenant, err)
	}
	records := make([]BatchRecord, len(rows))
	for i, row := range rows {
		if err := json.Unmarshal(row.Payload, &records[len(rows)-1-i]); err != nil {
			return nil, fmt.Errorf("decode history %s: %w", row.RecordID, err)
		}
	}
	return records, nil
}

// Retries lists retry items ordered by next attempt.
func (s *GormStore) Retries(ctx context.Context) ([]RetryItem, error) {
	var rows []retryRow
	if err := s.db.WithContext(ctx).Order("next_attempt asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load retries: %w", err)
	}
	items := make([]RetryItem, 0, len(rows))
	for _, row := range rows {
		var item RetryItem
		if err := json.Unmarshal(row.Payload, &item); err != nil {
			return nil, fmt.Errorf("decode retry %s: %w", row.ID, err)
		}
		items = append(items, item)
	}
	return items, nil
}

// Retry loads one retry item.
func (s *GormStore) Retry(ctx context.Context, id string) (RetryItem, error) {
	var row retryRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RetryItem{}, ErrNotFound
	}
	if err != nil {
		return RetryItem{}, err
	}
	var item RetryItem
	if err := json.Unmarshal(row.Payload, &item); err != nil {
		return RetryItem{}, fmt.Errorf("decode retry %s: %w", id, err)
	}
	return item, nil
}
