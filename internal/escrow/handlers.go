package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/mbd888/alancoin-escrow/internal/auth"
	"github.com/mbd888/alancoin-escrow/internal/errs"
)

// Handler provides HTTP endpoints for escrow transactions.
type Handler struct {
	service  *Service
	validate *validator.Validate
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service, validate: validator.New()}
}

// RegisterRoutes sets up read-only routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/transactions/:id", h.GetTransaction)
	r.GET("/agents/:id/transactions", h.ListTransactions)
}

// RegisterProtectedRoutes sets up routes that act as the calling agent.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/:id/fund", h.ConfirmFunding)
	r.POST("/transactions/:id/deliver", h.RecordDelivery)
	r.POST("/transactions/:id/dispute", h.FileDispute)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/internal/transactions", h.CreateTransaction)
	r.POST("/transactions/:id/resolve", h.ResolveDispute)
}

// CreateTransaction handles POST /v1/internal/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req CreateRequest
	if !h.bind(c, &req) {
		return
	}
	tx, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ListTransactions handles GET /v1/agents/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	txs, err := h.service.ListByAgent(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	if txs == nil {
		txs = []*Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// ConfirmFunding handles POST /v1/transactions/:id/fund
func (h *Handler) ConfirmFunding(c *gin.Context) {
	var req ConfirmFundingRequest
	if !h.bind(c, &req) {
		return
	}
	tx, err := h.service.ConfirmFunding(c.Request.Context(), c.Param("id"), req.FundTxHash)
	if err != nil {
		writeError(c, err, tx)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// RecordDelivery handles POST /v1/transactions/:id/deliver
func (h *Handler) RecordDelivery(c *gin.Context) {
	var req DeliverRequest
	if !h.bind(c, &req) {
		return
	}
	tx, err := h.service.RecordDelivery(c.Request.Context(), c.Param("id"), auth.GetAgentID(c), req)
	if err != nil {
		writeError(c, err, tx)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// FileDispute handles POST /v1/transactions/:id/dispute
func (h *Handler) FileDispute(c *gin.Context) {
	var req DisputeRequest
	if !h.bind(c, &req) {
		return
	}
	tx, err := h.service.FileDispute(c.Request.Context(), c.Param("id"), auth.GetAgentID(c), req)
	if err != nil {
		writeError(c, err, tx)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ResolveDispute handles POST /v1/transactions/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if !h.bind(c, &req) {
		return
	}
	tx, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), auth.GetAdminID(c), *req.ReleaseToSeller, req.Notes)
	if err != nil {
		writeError(c, err, tx)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

func (h *Handler) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"kind":    errs.KindValidation,
			"message": "Invalid request body",
		})
		return false
	}
	if err := h.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		fields := []string{}
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+": "+fe.Tag())
			}
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"kind":    errs.KindValidation,
			"message": err.Error(),
			"fields":  fields,
		})
		return false
	}
	return true
}

// writeError responds with the machine-checkable kind and code, the human
// detail, and the current transaction when one was loaded.
func writeError(c *gin.Context, err error, tx *Transaction) {
	status := errs.HTTPStatus(err)
	switch {
	case errors.Is(err, ErrNotBuyer), errors.Is(err, ErrNotSeller), errors.Is(err, ErrNotAdmin):
		status = http.StatusForbidden
	case errors.Is(err, ErrRateLimited):
		status = http.StatusTooManyRequests
	}
	body := gin.H{
		"error":   errs.CodeOf(err),
		"kind":    errs.KindOf(err),
		"message": errs.DetailOf(err),
	}
	if tx != nil {
		body["transaction"] = tx
	}
	c.JSON(status, body)
}
