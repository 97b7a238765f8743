package history

import (
	"context"
	"fmt"

	"github.com/ksred/klear-dex/internal/dex"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Recorder writes committed engine events to the history database
type Recorder struct {
	db *Database
}

func NewRecorder(db *Database) *Recorder {
	return &Recorder{db: db}
}

// Observe implements dex.Observer
func (r *Recorder) Observe(ctx context.Context, ev dex.Event) error {
	switch ev.Type {
	case dex.EventOrderCreated:
		o := ev.Order
		return r.db.SaveOrder(&OrderRecord{
			Model:           gorm.Model{CreatedAt: o.CreatedAt, UpdatedAt: o.UpdatedAt},
			OrderID:         o.ID,
			Maker:           string(o.Maker),
			SellToken:       string(o.SellToken),
			BuyToken:        string(o.BuyToken),
			BuyPricePerUnit: o.BuyPricePerUnit,
			OriginalAmount:  o.OriginalAmount,
			Remaining:       o.SellAmount,
			Expiry:          o.Expiry,
			Status:          dex.StatusOpen,
			Sequence:        ev.Sequence,
		})

	case dex.EventOrderFilled:
		if ev.Fill == nil {
			return fmt.Errorf("fill event for order %d carries no fill", ev.Order.ID)
		}
		f := ev.Fill
		status := dex.StatusOpen
		if ev.Order.Filled() {
			status = dex.StatusFilled
		}
		return r.db.RecordFill(&FillRecord{
			FillID:    f.ID,
			OrderID:   f.OrderID,
			Sequence:  ev.Sequence,
			Maker:     string(f.Maker),
			Taker:     string(f.Taker),
			SellToken: string(f.SellToken),
			BuyToken:  string(f.BuyToken),
			Amount:    f.Amount,
			Cost:      f.Cost,
			Remaining: f.Remaining,
			FilledAt:  f.Timestamp,
		}, status)

	default:
		log.Debug().Str("event", string(ev.Type)).Msg("ignoring unknown event type")
		return nil
	}
}
