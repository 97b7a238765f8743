package migrations

import (
	"github.com/ksred/klear-dex/internal/history"
	"gorm.io/gorm"
)

// AddFillHistory creates the order and fill history tables and the indexes
// used by the history queries
func AddFillHistory(db *gorm.DB) error {
	if err := db.AutoMigrate(&history.OrderRecord{}, &history.FillRecord{}); err != nil {
		return err
	}

	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Fills of one order in settlement order
		`CREATE INDEX IF NOT EXISTS idx_fill_records_order
		 ON fill_records(order_id, filled_at)`,

		// Account history lookups from either side of the trade
		`CREATE INDEX IF NOT EXISTS idx_fill_records_maker
		 ON fill_records(maker, filled_at)`,
		`CREATE INDEX IF NOT EXISTS idx_fill_records_taker
		 ON fill_records(taker, filled_at)`,

		// Open orders per token pair
		`CREATE INDEX IF NOT EXISTS idx_order_records_pair_status
		 ON order_records(sell_token, buy_token, status)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
