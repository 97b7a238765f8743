package history

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFillHistoryHandlers(t *testing.T) {
	d := newTestDatabase(t)
	require.NoError(t, d.SaveOrder(testOrder(1)))
	require.NoError(t, d.RecordFill(&FillRecord{
		FillID: "FILL_1", OrderID: 1, Sequence: 1, Maker: "maker", Taker: "taker",
		SellToken: "T1", BuyToken: "T2", Amount: 10, Cost: 500, Remaining: 90, FilledAt: time.Now(),
	}, "OPEN"))

	gin.SetMode(gin.TestMode)
	router := gin.New()
	h := NewGinHandlers(d)
	router.GET("/orders/:order_id/fills", h.GetOrderFillsHandler())
	router.GET("/accounts/:address/fills", h.GetAccountFillsHandler())

	get := func(path string) (int, []types.FillResponse) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		var resp struct {
			Data []types.FillResponse `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		return w.Code, resp.Data
	}

	code, fills := get("/orders/1/fills")
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, fills, 1)
	assert.Equal(t, "FILL_1", fills[0].FillID)
	assert.Equal(t, types.Address("taker"), fills[0].Taker)
	assert.Equal(t, uint64(500), fills[0].Cost)

	code, fills = get("/accounts/taker/fills")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, fills, 1)

	code, fills = get("/accounts/nobody/fills")
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, fills)

	code, _ = get("/orders/abc/fills")
	assert.Equal(t, http.StatusBadRequest, code)
}
