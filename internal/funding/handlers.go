package funding

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fundroom/internal/auth"
	"github.com/mbd888/fundroom/internal/logging"
	"github.com/mbd888/fundroom/internal/tranche"
	"github.com/mbd888/fundroom/internal/validation"
)

// Handler provides HTTP endpoints for wire confirmation and commitments.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new funding handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes mounts read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/transactions/:id", h.GetTransaction)
	r.GET("/investments/:id", h.GetInvestment)
	r.GET("/funds/:fundId/aggregate", h.GetAggregate)
}

// RegisterWireRoutes mounts wire confirmation routes. The group should
// require the wire confirmation feature.
func (h *Handler) RegisterWireRoutes(r *gin.RouterGroup) {
	r.POST("/investments/:id/transactions", h.CreatePendingTransaction)
	r.POST("/transactions/:id/confirm", h.ConfirmWire)
	r.POST("/transactions/:id/fail", h.FailTransaction)
}

// RegisterCommitmentRoutes mounts staged commitment and tranche routes. The
// group should require the staged commitments feature.
func (h *Handler) RegisterCommitmentRoutes(r *gin.RouterGroup) {
	r.POST("/funds/:fundId/commitments", h.CreateCommitment)
	r.POST("/tranches/:id/transition", h.TransitionTranche)
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	t, err := h.engine.store.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !ownedByCaller(c, t.TeamID) {
		respondError(c, ErrTransactionNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// GetInvestment handles GET /v1/investments/:id
func (h *Handler) GetInvestment(c *gin.Context) {
	ctx := c.Request.Context()
	inv, err := h.engine.store.GetInvestment(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !ownedByCaller(c, inv.TeamID) {
		respondError(c, ErrInvestmentNotFound)
		return
	}
	tranches, err := h.engine.store.ListTranches(ctx, inv.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	if tranches == nil {
		tranches = []*Tranche{}
	}
	c.JSON(http.StatusOK, gin.H{
		"investment": inv,
		"tranches":   tranches,
		"remaining":  Remaining(inv),
	})
}

// GetAggregate handles GET /v1/funds/:fundId/aggregate
func (h *Handler) GetAggregate(c *gin.Context) {
	agg, err := h.engine.store.GetFundAggregate(c.Request.Context(), c.Param("fundId"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !ownedByCaller(c, agg.TeamID) {
		respondError(c, ErrAggregateNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"aggregate": agg})
}

type pendingRequest struct {
	Amount   string         `json:"amount" validate:"required,decimal_gt0"`
	Metadata map[string]any `json:"metadata"`
}

// CreatePendingTransaction handles POST /v1/investments/:id/transactions
func (h *Handler) CreatePendingTransaction(c *gin.Context) {
	var req pendingRequest
	if !bindAndValidate(c, &req) {
		return
	}
	ctx := c.Request.Context()
	inv, err := h.engine.store.GetInvestment(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !ownedByCaller(c, inv.TeamID) {
		respondError(c, ErrInvestmentNotFound)
		return
	}
	t, err := h.engine.CreatePendingTransaction(ctx, PendingRequest{
		InvestmentID: inv.ID,
		Amount:       req.Amount,
		Metadata:     req.Metadata,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": t})
}

type confirmRequest struct {
	AmountReceived    string     `json:"amountReceived" validate:"omitempty,decimal_gt0"`
	FundsReceivedDate *time.Time `json:"fundsReceivedDate"`
	BankReference     string     `json:"bankReference" validate:"max=128"`
	Notes             string     `json:"notes" validate:"max=1000"`
}

// ConfirmWire handles POST /v1/transactions/:id/confirm
func (h *Handler) ConfirmWire(c *gin.Context) {
	var req confirmRequest
	if !bindAndValidate(c, &req) {
		return
	}
	if !h.ownsTransaction(c) {
		return
	}

	in := ConfirmRequest{
		TransactionID:  c.Param("id"),
		AmountReceived: req.AmountReceived,
		ConfirmedBy:    auth.UserID(c),
		BankReference:  validation.SanitizeString(req.BankReference, 128),
		Notes:          validation.SanitizeString(req.Notes, 1000),
	}
	if req.FundsReceivedDate != nil {
		in.FundsReceivedDate = *req.FundsReceivedDate
	}

	result, err := h.engine.ConfirmWire(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type failRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// FailTransaction handles POST /v1/transactions/:id/fail
func (h *Handler) FailTransaction(c *gin.Context) {
	var req failRequest
	if !bindAndValidate(c, &req) {
		return
	}
	if !h.ownsTransaction(c) {
		return
	}
	t, err := h.engine.FailTransaction(c.Request.Context(), c.Param("id"),
		validation.SanitizeString(req.Reason, 500), auth.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

type trancheSpecRequest struct {
	Amount        string     `json:"amount" validate:"required,decimal_gt0"`
	ScheduledDate *time.Time `json:"scheduledDate"`
}

type commitmentRequest struct {
	InvestorID       string               `json:"investorId" validate:"required,resource_id"`
	CommitmentAmount string               `json:"commitmentAmount" validate:"required,decimal_gt0"`
	Tranches         []trancheSpecRequest `json:"tranches" validate:"required,min=1,max=48,dive"`
}

// CreateCommitment handles POST /v1/funds/:fundId/commitments. A fund
// opened by another team answers 404.
func (h *Handler) CreateCommitment(c *gin.Context) {
	var req commitmentRequest
	if !bindAndValidate(c, &req) {
		return
	}
	specs := make([]TrancheSpec, len(req.Tranches))
	for i, t := range req.Tranches {
		specs[i] = TrancheSpec{Amount: t.Amount, ScheduledDate: t.ScheduledDate}
	}
	result, err := h.engine.CreateStagedCommitment(c.Request.Context(), CommitmentRequest{
		FundID:           c.Param("fundId"),
		InvestorID:       req.InvestorID,
		TeamID:           auth.TeamID(c),
		CommitmentAmount: req.CommitmentAmount,
		Tranches:         specs,
		CreatedBy:        auth.UserID(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

type transitionRequest struct {
	Status string `json:"status" validate:"required"`
}

// TransitionTranche handles POST /v1/tranches/:id/transition
func (h *Handler) TransitionTranche(c *gin.Context) {
	var req transitionRequest
	if !bindAndValidate(c, &req) {
		return
	}
	to := tranche.Status(req.Status)
	if !to.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "status: unknown tranche status"})
		return
	}

	ctx := c.Request.Context()
	current, err := h.engine.store.GetTranche(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	inv, err := h.engine.store.GetInvestment(ctx, current.InvestmentID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !ownedByCaller(c, inv.TeamID) {
		respondError(c, ErrTrancheNotFound)
		return
	}

	tr, err := h.engine.TransitionTranche(ctx, current.ID, to, auth.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tranche": tr})
}

// ownsTransaction writes a 404 and returns false when the transaction is
// missing or belongs to another team.
func (h *Handler) ownsTransaction(c *gin.Context) bool {
	t, err := h.engine.store.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return false
	}
	if !ownedByCaller(c, t.TeamID) {
		respondError(c, ErrTransactionNotFound)
		return false
	}
	return true
}

// ownedByCaller hides other teams' records. Records without a team and
// callers without a team scope are not restricted.
func ownedByCaller(c *gin.Context, teamID string) bool {
	caller := auth.TeamID(c)
	return caller == "" || teamID == "" || caller == teamID
}

func bindAndValidate(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return false
	}
	if errs := validation.Struct(req); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return false
	}
	return true
}

func respondError(c *gin.Context, err error) {
	var processed *AlreadyProcessedError
	switch {
	case errors.As(err, &processed):
		c.JSON(http.StatusConflict, gin.H{
			"error":         "already_processed",
			"message":       processed.Error(),
			"transactionId": processed.TransactionID,
			"status":        processed.Status,
		})
	case errors.Is(err, ErrTransactionNotFound), errors.Is(err, ErrInvestmentNotFound),
		errors.Is(err, ErrTrancheNotFound), errors.Is(err, ErrAggregateNotFound),
		errors.Is(err, ErrFundNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, tranche.ErrInvalidTransition):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrTrancheSum), errors.Is(err, ErrNoTranches):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "Concurrent update, please retry"})
	default:
		logging.L(c.Request.Context()).Error("funding operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
