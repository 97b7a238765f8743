package history

import (
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&OrderRecord{}, &FillRecord{}, &IdempotencyRecord{}))
	return NewDatabase(db)
}

func testOrder(id uint64) *OrderRecord {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	return &OrderRecord{
		Model:           gorm.Model{CreatedAt: now, UpdatedAt: now},
		OrderID:         id,
		Maker:           "maker",
		SellToken:       "T1",
		BuyToken:        "T2",
		BuyPricePerUnit: 50,
		OriginalAmount:  100,
		Remaining:       100,
		Expiry:          now.Add(time.Hour),
		Status:          "OPEN",
	}
}

func TestSaveAndGetOrder(t *testing.T) {
	d := newTestDatabase(t)

	require.NoError(t, d.SaveOrder(testOrder(0)))

	got, err := d.GetOrder(0)
	require.NoError(t, err)
	assert.Equal(t, "maker", got.Maker)
	assert.Equal(t, uint64(100), got.Remaining)

	_, err = d.GetOrder(1)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	// order ids are unique
	assert.Error(t, d.SaveOrder(testOrder(0)))
}

func TestRecordFillUpdatesOrder(t *testing.T) {
	d := newTestDatabase(t)
	require.NoError(t, d.SaveOrder(testOrder(3)))
	filledAt := time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC)

	require.NoError(t, d.RecordFill(&FillRecord{
		FillID: "FILL_1", OrderID: 3, Sequence: 1, Maker: "maker", Taker: "taker",
		SellToken: "T1", BuyToken: "T2", Amount: 40, Cost: 2000, Remaining: 60, FilledAt: filledAt,
	}, "OPEN"))
	require.NoError(t, d.RecordFill(&FillRecord{
		FillID: "FILL_2", OrderID: 3, Sequence: 2, Maker: "maker", Taker: "other",
		SellToken: "T1", BuyToken: "T2", Amount: 60, Cost: 3000, Remaining: 0, FilledAt: filledAt.Add(time.Minute),
	}, "FILLED"))

	order, err := d.GetOrder(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), order.Remaining)
	assert.Equal(t, "FILLED", order.Status)

	fills, err := d.GetFillsByOrder(3)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "FILL_1", fills[0].FillID)
	assert.Equal(t, "FILL_2", fills[1].FillID)
}

func TestRecordFillOutOfOrderKeepsLatestState(t *testing.T) {
	d := newTestDatabase(t)
	require.NoError(t, d.SaveOrder(testOrder(4)))
	filledAt := time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC)

	// The second fill's event arrives first
	require.NoError(t, d.RecordFill(&FillRecord{
		FillID: "FILL_2", OrderID: 4, Sequence: 2, Amount: 30, Remaining: 50, FilledAt: filledAt.Add(time.Second),
	}, "OPEN"))
	require.NoError(t, d.RecordFill(&FillRecord{
		FillID: "FILL_1", OrderID: 4, Sequence: 1, Amount: 20, Remaining: 80, FilledAt: filledAt,
	}, "OPEN"))

	order, err := d.GetOrder(4)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), order.Remaining)
	assert.Equal(t, uint64(2), order.Sequence)

	fills, err := d.GetFillsByOrder(4)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "FILL_1", fills[0].FillID)
	assert.Equal(t, "FILL_2", fills[1].FillID)
}

func TestAmountsAboveMaxInt64RoundTrip(t *testing.T) {
	d := newTestDatabase(t)

	order := testOrder(7)
	order.OriginalAmount = math.MaxUint64
	order.Remaining = math.MaxUint64
	order.BuyPricePerUnit = 1
	require.NoError(t, d.SaveOrder(order))

	require.NoError(t, d.RecordFill(&FillRecord{
		FillID: "FILL_BIG", OrderID: 7, Sequence: 1,
		Amount: math.MaxInt64 + 1, Cost: math.MaxInt64 + 1, Remaining: math.MaxInt64, FilledAt: time.Now(),
	}, "OPEN"))

	got, err := d.GetOrder(7)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), got.OriginalAmount)
	assert.Equal(t, uint64(math.MaxInt64), got.Remaining)

	fills, err := d.GetFillsByOrder(7)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, uint64(math.MaxInt64+1), fills[0].Amount)
	assert.Equal(t, uint64(math.MaxInt64+1), fills[0].Cost)
}

func TestRecordFillForUnknownOrderRollsBack(t *testing.T) {
	d := newTestDatabase(t)

	err := d.RecordFill(&FillRecord{FillID: "FILL_X", OrderID: 9, Sequence: 1, Amount: 1, FilledAt: time.Now()}, "OPEN")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	fills, err := d.GetFillsByOrder(9)
	require.NoError(t, err)
	assert.Empty(t, fills)
}

func TestGetFillsByAccount(t *testing.T) {
	d := newTestDatabase(t)
	require.NoError(t, d.SaveOrder(testOrder(0)))
	base := time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC)

	for i, taker := range []string{"alice", "bob", "alice"} {
		require.NoError(t, d.RecordFill(&FillRecord{
			FillID:    fmt.Sprintf("FILL_%d", i),
			OrderID:   0,
			Sequence:  uint64(i + 1),
			Maker:     "maker",
			Taker:     taker,
			Amount:    10,
			Remaining: uint64(90 - 10*i),
			FilledAt:  base.Add(time.Duration(i) * time.Minute),
		}, "OPEN"))
	}

	alice, err := d.GetFillsByAccount("alice")
	require.NoError(t, err)
	require.Len(t, alice, 2)
	assert.Equal(t, "FILL_2", alice[0].FillID)
	assert.Equal(t, "FILL_0", alice[1].FillID)

	maker, err := d.GetFillsByAccount("maker")
	require.NoError(t, err)
	assert.Len(t, maker, 3)

	none, err := d.GetFillsByAccount("nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestIdempotencyRecords(t *testing.T) {
	d := newTestDatabase(t)

	_, found, err := d.Lookup("client:key")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, d.Remember("client:key", "order", "0", []byte(`{"success":true}`)))

	payload, found, err := d.Lookup("client:key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"success":true}`, string(payload))

	record, err := d.GetIdempotencyRecord("client:key")
	require.NoError(t, err)
	assert.Equal(t, "order", record.ResourceType)
	assert.Equal(t, "0", record.ResourceID)

	// A live key cannot be overwritten
	assert.Error(t, d.Remember("client:key", "order", "1", []byte(`{}`)))
}

func TestExpiredIdempotencyRecordIsReplaced(t *testing.T) {
	d := newTestDatabase(t)

	require.NoError(t, d.db.Create(&IdempotencyRecord{
		IdempotencyKey: "client:old",
		ResourceType:   "fill",
		ResourceID:     "FILL_1",
		Response:       []byte(`{"old":true}`),
		ExpiresAt:      time.Now().Add(-time.Minute),
	}).Error)

	_, found, err := d.Lookup("client:old")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, d.Remember("client:old", "fill", "FILL_2", []byte(`{"new":true}`)))

	payload, found, err := d.Lookup("client:old")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"new":true}`, string(payload))
}
