package escrow

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pixelmart/escrowd/internal/chain"
	"github.com/pixelmart/escrowd/internal/convo"
	"github.com/pixelmart/escrowd/internal/pagination"
	"github.com/pixelmart/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	coordinator *Coordinator
	binding     *convo.Binding
}

// NewHandler creates a new escrow handler.
func NewHandler(coordinator *Coordinator, binding *convo.Binding) *Handler {
	return &Handler{coordinator: coordinator, binding: binding}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/next-action", h.NextAction)
	r.POST("/escrows/:id/fund", h.Fund)
	r.POST("/escrows/:id/deposit-nft", h.DepositNFT)
	r.POST("/escrows/:id/complete", h.Complete)
	r.POST("/escrows/:id/cancel", h.Cancel)
	r.POST("/escrows/:id/dispute", h.Dispute)
	r.POST("/escrows/:id/cancel-expired", h.CancelExpired)
	r.GET("/users/:address/escrows", h.ListByUser)
	r.GET("/conversations/:id/escrows", h.ConversationEscrows)
}

// reasonRequest carries a free-text reason for cancel and dispute calls.
type reasonRequest struct {
	Reason string `json:"reason"`
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidEthAddress(req.Buyer) || !validation.IsValidEthAddress(req.NFTContract) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "buyer and nftContract must be valid addresses",
		})
		return
	}
	if !validation.IsValidAmount(req.Price) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "price must be a non-negative decimal amount",
		})
		return
	}

	res, err := h.coordinator.Create(c.Request.Context(), req)
	if err != nil {
		writeCoordinatorError(c, err)
		return
	}
	writeResult(c, http.StatusCreated, res)
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}

	snap, err := h.coordinator.Get(c.Request.Context(), id)
	if err != nil {
		writeCoordinatorError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": snap})
}

// NextAction handles GET /v1/escrows/:id/next-action?caller=0x...
func (h *Handler) NextAction(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	caller := c.Query("caller")

	action, err := h.coordinator.NextActionFor(c.Request.Context(), id, caller)
	if err != nil {
		writeCoordinatorError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nextAction": action})
}

// Fund handles POST /v1/escrows/:id/fund
func (h *Handler) Fund(c *gin.Context) {
	h.mutation(c, h.coordinator.Fund)
}

// DepositNFT handles POST /v1/escrows/:id/deposit-nft
func (h *Handler) DepositNFT(c *gin.Context) {
	h.mutation(c, h.coordinator.DepositNFT)
}

// Complete handles POST /v1/escrows/:id/complete
func (h *Handler) Complete(c *gin.Context) {
	h.mutation(c, h.coordinator.Complete)
}

// Cancel handles POST /v1/escrows/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	h.reasonMutation(c, h.coordinator.Cancel)
}

// Dispute handles POST /v1/escrows/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	h.reasonMutation(c, h.coordinator.Dispute)
}

// CancelExpired handles POST /v1/escrows/:id/cancel-expired
func (h *Handler) CancelExpired(c *gin.Context) {
	h.mutation(c, h.coordinator.CancelExpired)
}

// ListByUser handles GET /v1/users/:address/escrows?cursor=...&limit=N
func (h *Handler) ListByUser(c *gin.Context) {
	address := c.Param("address")
	if !validation.IsValidEthAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "invalid address",
		})
		return
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "invalid cursor",
		})
		return
	}
	limit := listLimit(c)

	escrows, err := h.coordinator.ListByUser(c.Request.Context(), address)
	if err != nil {
		writeCoordinatorError(c, err)
		return
	}

	// Newest first; cursors are positions in this ordering.
	sort.Slice(escrows, func(i, j int) bool {
		if !escrows[i].CreatedAt.Equal(escrows[j].CreatedAt) {
			return escrows[i].CreatedAt.After(escrows[j].CreatedAt)
		}
		return escrows[i].ID > escrows[j].ID
	})

	if cursor != nil {
		after := make([]*Escrow, 0, len(escrows))
		for _, e := range escrows {
			if cursor.Follows(e.CreatedAt, e.ID) {
				after = append(after, e)
			}
		}
		escrows = after
	}

	page, next, more := pagination.ComputePage(escrows, limit, func(e *Escrow) (time.Time, uint64) {
		return e.CreatedAt, e.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"escrows":    page,
		"nextCursor": next,
		"hasMore":    more,
	})
}

// listLimit reads the limit query parameter, defaulting to 50, capped at 100.
func listLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		return 50
	}
	if limit > 100 {
		return 100
	}
	return limit
}

// ConversationEscrows handles GET /v1/conversations/:id/escrows
func (h *Handler) ConversationEscrows(c *gin.Context) {
	conversationID := c.Param("id")

	ids, err := h.binding.Escrows(c.Request.Context(), conversationID)
	if err != nil {
		writeCoordinatorError(c, err)
		return
	}

	type numbered struct {
		Number int     `json:"number"`
		Escrow *Escrow `json:"escrow"`
	}
	out := make([]numbered, 0, len(ids))
	for i, id := range ids {
		snap, err := h.coordinator.GetCached(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, ErrEscrowNotFound) {
				continue
			}
			writeCoordinatorError(c, err)
			return
		}
		out = append(out, numbered{Number: i + 1, Escrow: snap})
	}
	c.JSON(http.StatusOK, gin.H{"escrows": out})
}

func (h *Handler) mutation(c *gin.Context, op func(ctx context.Context, id uint64) (*Result, error)) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	res, err := op(c.Request.Context(), id)
	if err != nil {
		writeCoordinatorError(c, err)
		return
	}
	writeResult(c, http.StatusOK, res)
}

func (h *Handler) reasonMutation(c *gin.Context, op func(ctx context.Context, id uint64, reason string) (*Result, error)) {
	id, ok := escrowID(c)
	if !ok {
		return
	}

	var req reasonRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxReasonLength)

	res, err := op(c.Request.Context(), id, reason)
	if err != nil {
		writeCoordinatorError(c, err)
		return
	}
	writeResult(c, http.StatusOK, res)
}

func escrowID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "invalid escrow id",
		})
		return 0, false
	}
	return id, true
}

func writeResult(c *gin.Context, okStatus int, res *Result) {
	if res.Warning != "" {
		// Confirmed on-chain but the read path hasn't caught up: accepted,
		// refreshable, not an error.
		c.JSON(http.StatusAccepted, gin.H{"result": res})
		return
	}
	c.JSON(okStatus, gin.H{"result": res})
}

// writeCoordinatorError maps coordinator and gateway errors onto HTTP
// responses per the error taxonomy.
func writeCoordinatorError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found",
		})
		return
	case errors.Is(err, ErrBusy):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "busy",
			"message": "Another operation is in flight for this escrow",
		})
		return
	case errors.Is(err, ErrTerminal):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "terminal_state",
			"message": "Escrow is completed or cancelled; no further actions are possible",
		})
		return
	case errors.Is(err, ErrSameParty):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Seller and buyer cannot be the same address",
		})
		return
	}

	var notAllowed *NotAllowedError
	if errors.As(err, &notAllowed) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "not_allowed",
			"message": notAllowed.Error(),
		})
		return
	}

	if kind, ok := chain.KindOf(err); ok {
		switch kind {
		case chain.KindUserRejected:
			c.JSON(http.StatusOK, gin.H{
				"error":   "cancelled",
				"message": "Signature request was declined; nothing was submitted",
			})
			return
		case chain.KindRevert:
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "contract_rejected",
				"message": err.Error(),
			})
			return
		case chain.KindTransport:
			c.JSON(http.StatusBadGateway, gin.H{
				"error":     "rpc_unavailable",
				"message":   "Blockchain RPC unreachable; retry shortly",
				"retryable": true,
			})
			return
		}
	}

	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": err.Error(),
	})
}
