package dex

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-dex/internal/settlement"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/ksred/klear-dex/pkg/response"
	"github.com/rs/zerolog/log"
)

func init() {
	response.RegisterError(ErrInvalidOrder, http.StatusNotFound, "INVALID_ORDER")
	response.RegisterError(ErrOrderExpired, http.StatusConflict, "ORDER_EXPIRED")
	response.RegisterError(ErrOrderClosed, http.StatusConflict, "ORDER_CLOSED")
	response.RegisterError(ErrInvalidAmount, http.StatusBadRequest, "INVALID_AMOUNT")
	response.RegisterError(ErrInvalidAsset, http.StatusBadRequest, "INVALID_ASSET")
	response.RegisterError(ErrArithmeticOverflow, http.StatusBadRequest, "ARITHMETIC_OVERFLOW")
	response.RegisterError(ErrReentrantCall, http.StatusConflict, "REENTRANT_CALL")
	response.RegisterError(settlement.ErrRollbackFailed, http.StatusInternalServerError, "SETTLEMENT_ROLLBACK_FAILED")
	response.RegisterError(settlement.ErrTransferFailed, http.StatusUnprocessableEntity, "TRANSFER_FAILED")
}

// IdempotencyStore remembers the response produced for an idempotency key
type IdempotencyStore interface {
	Lookup(key string) (payload []byte, found bool, err error)
	Remember(key, resourceType, resourceID string, payload []byte) error
}

// CreateOrderBody is the request body for order creation. Expiry is a unix
// timestamp in seconds.
type CreateOrderBody struct {
	SellAmount      uint64         `json:"sell_amount"`
	SellToken       types.AssetRef `json:"sell_token" binding:"required"`
	BuyPricePerUnit uint64         `json:"buy_price_per_unit"`
	BuyToken        types.AssetRef `json:"buy_token" binding:"required"`
	Expiry          int64          `json:"expiry" binding:"required"`
}

// BuyBody is the request body for a partial buy
type BuyBody struct {
	Amount uint64 `json:"amount"`
}

// FillResult is returned by claim and partial buy
type FillResult struct {
	Fill  types.FillResponse  `json:"fill"`
	Order types.OrderResponse `json:"order"`
}

// GinHandlers contains HTTP handlers for exchange endpoints
type GinHandlers struct {
	engine      *Engine
	idempotency IdempotencyStore
	inFlight    keyLocks
}

// keyLocks holds one mutex per idempotency key while requests using it run
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// lock blocks until no other request holds key and returns the release func
func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// NewGinHandlers creates exchange handlers. idempotency may be nil, in which
// case Idempotency-Key headers are still required but not enforced.
func NewGinHandlers(engine *Engine, idempotency IdempotencyStore) *GinHandlers {
	return &GinHandlers{
		engine:      engine,
		idempotency: idempotency,
	}
}

// CreateOrderHandler handles POST requests to create orders for the caller
// Requires a valid JWT token and idempotency key in headers
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.idempotent(c, "create", "order", func(caller types.Address) (string, interface{}, error) {
			var body CreateOrderBody
			if err := c.ShouldBindJSON(&body); err != nil {
				return "", nil, bindError{err}
			}

			id, err := h.engine.CreateOrder(c.Request.Context(), caller, CreateOrderRequest{
				SellAmount:      body.SellAmount,
				SellToken:       body.SellToken,
				BuyPricePerUnit: body.BuyPricePerUnit,
				BuyToken:        body.BuyToken,
				Expiry:          time.Unix(body.Expiry, 0),
			})
			if err != nil {
				return "", nil, err
			}

			order, err := h.engine.GetOrder(id)
			if err != nil {
				return "", nil, err
			}
			return strconv.FormatUint(id, 10), order.Response(h.engine.Now()), nil
		})
	}
}

// ClaimOrderHandler handles POST requests filling the whole remaining amount
// URL parameter: order_id
func (h *GinHandlers) ClaimOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.idempotent(c, "claim", "fill", func(caller types.Address) (string, interface{}, error) {
			id, err := orderIDParam(c)
			if err != nil {
				return "", nil, err
			}

			fill, err := h.engine.ClaimOrder(c.Request.Context(), caller, id)
			if err != nil {
				return "", nil, err
			}
			return h.fillResult(fill)
		})
	}
}

// BuyOrderPartialHandler handles POST requests filling part of an order
// URL parameter: order_id, body: {"amount": n}
func (h *GinHandlers) BuyOrderPartialHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.idempotent(c, "buy", "fill", func(caller types.Address) (string, interface{}, error) {
			id, err := orderIDParam(c)
			if err != nil {
				return "", nil, err
			}

			var body BuyBody
			if err := c.ShouldBindJSON(&body); err != nil {
				return "", nil, bindError{err}
			}

			fill, err := h.engine.BuyOrderPartial(c.Request.Context(), caller, id, body.Amount)
			if err != nil {
				return "", nil, err
			}
			return h.fillResult(fill)
		})
	}
}

// GetOrderHandler handles GET requests for a single order
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := orderIDParam(c)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.engine.GetOrder(id)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, order.Response(h.engine.Now()))
	}
}

// ListOrdersHandler handles GET requests listing orders
// Query parameters: maker, token, open=true
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := OrderFilter{
			Maker: types.Address(c.Query("maker")),
			Token: types.AssetRef(c.Query("token")),
		}
		if open := c.Query("open"); open != "" {
			openOnly, err := strconv.ParseBool(open)
			if err != nil {
				response.BadRequest(c, "open must be a boolean")
				return
			}
			filter.OpenOnly = openOnly
		}

		now := h.engine.Now()
		orders := h.engine.ListOrders(filter)
		out := make([]types.OrderResponse, 0, len(orders))
		for _, o := range orders {
			out = append(out, o.Response(now))
		}
		response.Success(c, out)
	}
}

func (h *GinHandlers) fillResult(fill *Fill) (string, interface{}, error) {
	order, err := h.engine.GetOrder(fill.OrderID)
	if err != nil {
		return "", nil, err
	}
	return fill.ID, FillResult{
		Fill:  fill.Response(),
		Order: order.Response(h.engine.Now()),
	}, nil
}

// bindError marks request decoding failures
type bindError struct{ err error }

func (e bindError) Error() string { return e.err.Error() }

// idempotent runs a mutating request at most once per caller, operation and
// Idempotency-Key, replaying the stored response for repeated keys. Requests
// sharing a key run one at a time, so a retry racing the original waits for
// its response.
func (h *GinHandlers) idempotent(c *gin.Context, operation, resourceType string, run func(caller types.Address) (string, interface{}, error)) {
	idempotencyKey := c.GetHeader("Idempotency-Key")
	if idempotencyKey == "" {
		response.BadRequest(c, "Idempotency-Key header is required")
		return
	}

	clientID := c.GetString("clientID")
	if clientID == "" {
		response.Unauthorized(c, "Missing authentication claims")
		return
	}
	caller := types.Address(clientID)
	key := clientID + ":" + operation + ":" + idempotencyKey

	logger := log.With().
		Str("service", "dex").
		Str("client_id", clientID).
		Str("operation", operation).
		Str("idempotency_key", idempotencyKey).
		Logger()

	if h.idempotency != nil {
		release := h.inFlight.lock(key)
		defer release()

		payload, found, err := h.idempotency.Lookup(key)
		if err != nil {
			logger.Error().Err(err).Msg("failed to look up idempotency record")
			response.InternalError(c, "An unexpected error occurred")
			return
		}
		if found {
			logger.Info().Msg("replaying idempotent response")
			c.Header("Idempotent-Replayed", "true")
			c.Data(http.StatusOK, "application/json; charset=utf-8", payload)
			return
		}
	}

	resourceID, data, err := run(caller)
	if err != nil {
		if be, ok := err.(bindError); ok {
			response.BadRequest(c, be.Error())
			return
		}
		response.Handle(c, nil, err)
		return
	}

	if h.idempotency != nil {
		payload, err := json.Marshal(response.Response{Success: true, Data: data})
		if err == nil {
			err = h.idempotency.Remember(key, resourceType, resourceID, payload)
		}
		if err != nil {
			logger.Error().Err(err).Str("resource_id", resourceID).Msg("failed to save idempotency record")
		}
	}

	response.Success(c, data)
}

func orderIDParam(c *gin.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("order_id"), 10, 64)
	if err != nil {
		return 0, bindError{err: errInvalidOrderID}
	}
	return id, nil
}

var errInvalidOrderID = errors.New("order_id must be an unsigned integer")
