package history

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/ksred/klear-dex/pkg/response"
)

// GinHandlers contains HTTP handlers for fill history endpoints
type GinHandlers struct {
	db *Database
}

func NewGinHandlers(db *Database) *GinHandlers {
	return &GinHandlers{db: db}
}

// GetOrderFillsHandler handles GET requests for the fills of one order
// URL parameter: order_id
func (h *GinHandlers) GetOrderFillsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, err := strconv.ParseUint(c.Param("order_id"), 10, 64)
		if err != nil {
			response.BadRequest(c, "order_id must be an unsigned integer")
			return
		}

		fills, err := h.db.GetFillsByOrder(orderID)
		response.Handle(c, toResponses(fills), err)
	}
}

// GetAccountFillsHandler handles GET requests for an account's fills
// URL parameter: address
func (h *GinHandlers) GetAccountFillsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		address := c.Param("address")
		if address == "" {
			response.BadRequest(c, "address is required")
			return
		}

		fills, err := h.db.GetFillsByAccount(address)
		response.Handle(c, toResponses(fills), err)
	}
}

func toResponses(fills []FillRecord) []types.FillResponse {
	out := make([]types.FillResponse, 0, len(fills))
	for _, f := range fills {
		out = append(out, types.FillResponse{
			FillID:    f.FillID,
			OrderID:   f.OrderID,
			Maker:     types.Address(f.Maker),
			Taker:     types.Address(f.Taker),
			SellToken: types.AssetRef(f.SellToken),
			BuyToken:  types.AssetRef(f.BuyToken),
			Amount:    f.Amount,
			Cost:      f.Cost,
			Remaining: f.Remaining,
			FilledAt:  f.FilledAt,
		})
	}
	return out
}
