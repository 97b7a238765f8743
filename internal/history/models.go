package history

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

func init() {
	schema.RegisterSerializer("decimal", DecimalSerializer{})
}

// OrderRecord mirrors an engine order for auditing. Sequence is the number of
// fills applied to the record.
type OrderRecord struct {
	gorm.Model      `json:"-"`
	OrderID         uint64    `gorm:"uniqueIndex" json:"order_id"`
	Maker           string    `gorm:"index" json:"maker"`
	SellToken       string    `json:"sell_token"`
	BuyToken        string    `json:"buy_token"`
	BuyPricePerUnit uint64    `gorm:"serializer:decimal;type:text" json:"buy_price_per_unit"`
	OriginalAmount  uint64    `gorm:"serializer:decimal;type:text" json:"original_amount"`
	Remaining       uint64    `gorm:"serializer:decimal;type:text" json:"remaining"`
	Expiry          time.Time `json:"expiry"`
	Status          string    `json:"status"` // OPEN, FILLED
	Sequence        uint64    `json:"sequence"`
}

// FillRecord is a settled claim or partial buy
type FillRecord struct {
	gorm.Model `json:"-"`
	FillID     string    `gorm:"uniqueIndex" json:"fill_id"`
	OrderID    uint64    `json:"order_id"`
	Sequence   uint64    `json:"sequence"`
	Maker      string    `json:"maker"`
	Taker      string    `json:"taker"`
	SellToken  string    `json:"sell_token"`
	BuyToken   string    `json:"buy_token"`
	Amount     uint64    `gorm:"serializer:decimal;type:text" json:"amount"`
	Cost       uint64    `gorm:"serializer:decimal;type:text" json:"cost"`
	Remaining  uint64    `gorm:"serializer:decimal;type:text" json:"remaining"`
	FilledAt   time.Time `json:"filled_at"`
}

type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	Response       []byte    `json:"response"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// DecimalSerializer stores uint64 fields as base-10 text. SQLite integers
// are signed 64-bit, so amounts above MaxInt64 cannot be stored natively.
type DecimalSerializer struct{}

func (DecimalSerializer) Scan(ctx context.Context, field *schema.Field, dst reflect.Value, dbValue interface{}) error {
	var v uint64
	switch raw := dbValue.(type) {
	case nil:
	case string:
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("failed to decode %s: %w", field.Name, err)
		}
		v = n
	case []byte:
		n, err := strconv.ParseUint(string(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("failed to decode %s: %w", field.Name, err)
		}
		v = n
	case int64:
		if raw < 0 {
			return fmt.Errorf("failed to decode %s: negative value %d", field.Name, raw)
		}
		v = uint64(raw)
	default:
		return fmt.Errorf("failed to decode %s: unsupported type %T", field.Name, dbValue)
	}
	field.ReflectValueOf(ctx, dst).SetUint(v)
	return nil
}

func (DecimalSerializer) Value(_ context.Context, field *schema.Field, _ reflect.Value, fieldValue interface{}) (interface{}, error) {
	switch v := fieldValue.(type) {
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case string:
		return v, nil
	default:
		return nil, fmt.Errorf("failed to encode %s: unsupported type %T", field.Name, fieldValue)
	}
}
