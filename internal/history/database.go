package history

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
)

// idempotencyTTL is how long a stored response is replayed
const idempotencyTTL = 24 * time.Hour

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) SaveOrder(order *OrderRecord) error {
	return d.db.Create(order).Error
}

func (d *Database) GetOrder(orderID uint64) (*OrderRecord, error) {
	var order OrderRecord
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// RecordFill stores a fill and, unless a later fill of the same order has
// already been applied, the order's new remaining amount in one transaction
func (d *Database) RecordFill(fill *FillRecord, status string) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(fill).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to create fill record: %w", err)
	}

	result := tx.Model(&OrderRecord{}).
		Where("order_id = ? AND sequence < ?", fill.OrderID, fill.Sequence).
		Updates(map[string]interface{}{
			"remaining":  strconv.FormatUint(fill.Remaining, 10),
			"status":     status,
			"sequence":   fill.Sequence,
			"updated_at": fill.FilledAt,
		})
	if result.Error != nil {
		tx.Rollback()
		return fmt.Errorf("failed to update order record: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := tx.Model(&OrderRecord{}).Where("order_id = ?", fill.OrderID).Count(&count).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to look up order record: %w", err)
		}
		if count == 0 {
			tx.Rollback()
			return fmt.Errorf("order %d: %w", fill.OrderID, gorm.ErrRecordNotFound)
		}
		// A later fill already updated the order
	}

	return tx.Commit().Error
}

func (d *Database) GetFillsByOrder(orderID uint64) ([]FillRecord, error) {
	var fills []FillRecord
	if err := d.db.Where("order_id = ?", orderID).Order("sequence ASC, id ASC").Find(&fills).Error; err != nil {
		return nil, err
	}
	return fills, nil
}

// GetFillsByAccount returns fills where account was maker or taker, newest first
func (d *Database) GetFillsByAccount(account string) ([]FillRecord, error) {
	var fills []FillRecord
	if err := d.db.Where("maker = ? OR taker = ?", account, account).
		Order("filled_at DESC, id DESC").
		Find(&fills).Error; err != nil {
		return nil, err
	}
	return fills, nil
}

// GetIdempotencyRecord retrieves an idempotency record by key
func (d *Database) GetIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// Lookup returns the stored response for an unexpired idempotency key
func (d *Database) Lookup(key string) ([]byte, bool, error) {
	record, err := d.GetIdempotencyRecord(key)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !record.ExpiresAt.After(time.Now()) {
		return nil, false, nil
	}
	return record.Response, true, nil
}

// Remember stores the response produced for an idempotency key, replacing an
// expired record with the same key
func (d *Database) Remember(key, resourceType, resourceID string, payload []byte) error {
	record := IdempotencyRecord{
		IdempotencyKey: key,
		ResourceID:     resourceID,
		ResourceType:   resourceType,
		Response:       payload,
		ExpiresAt:      time.Now().Add(idempotencyTTL),
	}

	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().
			Where("idempotency_key = ? AND expires_at <= ?", key, time.Now()).
			Delete(&IdempotencyRecord{}).Error; err != nil {
			return err
		}
		return tx.Create(&record).Error
	})
}
