package ledger

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/ksred/klear-dex/pkg/response"
)

func init() {
	response.RegisterError(ErrUnknownToken, http.StatusNotFound, "UNKNOWN_TOKEN")
	response.RegisterError(ErrInsufficientBalance, http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE")
	response.RegisterError(ErrInsufficientAllowance, http.StatusUnprocessableEntity, "INSUFFICIENT_ALLOWANCE")
	response.RegisterError(ErrBalanceOverflow, http.StatusBadRequest, "BALANCE_OVERFLOW")
	response.RegisterError(ErrInvalidTransfer, http.StatusBadRequest, response.ErrCodeValidationFailed)
}

// DeployRequest is the body of a token deployment
type DeployRequest struct {
	Symbol string `json:"symbol" binding:"required"`
	Supply uint64 `json:"supply"`
}

// ApproveRequest grants spender an allowance. Spender defaults to the exchange.
type ApproveRequest struct {
	Spender types.Address `json:"spender"`
	Amount  uint64        `json:"amount"`
}

// TransferRequest moves the caller's own tokens
type TransferRequest struct {
	To     types.Address `json:"to" binding:"required"`
	Amount uint64        `json:"amount"`
}

// BalanceResponse reports a holder's balance
type BalanceResponse struct {
	Token   types.AssetRef `json:"token"`
	Owner   types.Address  `json:"owner"`
	Balance uint64         `json:"balance"`
}

// AllowanceResponse reports a spender's remaining allowance
type AllowanceResponse struct {
	Token     types.AssetRef `json:"token"`
	Owner     types.Address  `json:"owner"`
	Spender   types.Address  `json:"spender"`
	Allowance uint64         `json:"allowance"`
}

// GinHandlers contains HTTP handlers for token endpoints
type GinHandlers struct {
	registry       *Registry
	defaultSpender types.Address
}

// NewGinHandlers creates token handlers; approvals without an explicit
// spender are granted to defaultSpender.
func NewGinHandlers(registry *Registry, defaultSpender types.Address) *GinHandlers {
	return &GinHandlers{
		registry:       registry,
		defaultSpender: defaultSpender,
	}
}

// DeployTokenHandler handles POST requests to deploy a token owned by the caller
func (h *GinHandlers) DeployTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerAddress(c)
		if !ok {
			return
		}

		var req DeployRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		token, err := h.registry.Deploy(req.Symbol, caller, req.Supply)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, token.Info())
	}
}

func (h *GinHandlers) ListTokensHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.registry.List())
	}
}

func (h *GinHandlers) GetTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := h.registry.Get(types.AssetRef(c.Param("token")))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, token.Info())
	}
}

func (h *GinHandlers) BalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := h.registry.Get(types.AssetRef(c.Param("token")))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		owner := types.Address(c.Param("owner"))
		response.Success(c, BalanceResponse{
			Token:   token.Ref(),
			Owner:   owner,
			Balance: token.BalanceOf(owner),
		})
	}
}

func (h *GinHandlers) AllowanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := h.registry.Get(types.AssetRef(c.Param("token")))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		owner := types.Address(c.Param("owner"))
		spender := types.Address(c.Param("spender"))
		response.Success(c, AllowanceResponse{
			Token:     token.Ref(),
			Owner:     owner,
			Spender:   spender,
			Allowance: token.Allowance(owner, spender),
		})
	}
}

// ApproveHandler handles POST requests granting an allowance from the caller
func (h *GinHandlers) ApproveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerAddress(c)
		if !ok {
			return
		}

		token, err := h.registry.Get(types.AssetRef(c.Param("token")))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		var req ApproveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if req.Spender == "" {
			req.Spender = h.defaultSpender
		}

		if err := token.Approve(caller, req.Spender, req.Amount); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, AllowanceResponse{
			Token:     token.Ref(),
			Owner:     caller,
			Spender:   req.Spender,
			Allowance: token.Allowance(caller, req.Spender),
		})
	}
}

// TransferHandler handles POST requests moving the caller's tokens
func (h *GinHandlers) TransferHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerAddress(c)
		if !ok {
			return
		}

		token, err := h.registry.Get(types.AssetRef(c.Param("token")))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		var req TransferRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		receipt, err := token.Transfer(c.Request.Context(), caller, req.To, req.Amount)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, receipt)
	}
}

// callerAddress reads the authenticated account set by the JWT middleware
func callerAddress(c *gin.Context) (types.Address, bool) {
	clientID := c.GetString("clientID")
	if clientID == "" {
		response.Unauthorized(c, "Missing authentication claims")
		return "", false
	}
	return types.Address(clientID), true
}
