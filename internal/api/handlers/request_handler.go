package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/warehouse/services/requisition/internal/services"
	"example.com/warehouse/services/requisition/internal/tracing"
)

// RequestHandler handles stock request HTTP endpoints
type RequestHandler struct {
	requests *services.RequestService
	batches  *services.BatchService
	queries  *services.QueryService
	tracer   tracing.Tracer
}

// NewRequestHandler creates a new request handler
func NewRequestHandler(
	requests *services.RequestService,
	batches *services.BatchService,
	queries *services.QueryService,
	tracer tracing.Tracer,
) *RequestHandler {
	return &RequestHandler{
		requests: requests,
		batches:  batches,
		queries:  queries,
		tracer:   tracer,
	}
}

// CreateRequestPayload is the request body for creating a stock request
type CreateRequestPayload struct {
	RecipientType       string     `json:"recipient_type" binding:"required"`
	RecipientEmployeeID *uuid.UUID `json:"recipient_employee_id"`
	TeamID              *uuid.UUID `json:"team_id"`
	TeamResponsibleID   *uuid.UUID `json:"team_responsible_id"`
	ItemID              uuid.UUID  `json:"item_id" binding:"required"`
	BaseID              uuid.UUID  `json:"base_id" binding:"required"`
	RequesterID         uuid.UUID  `json:"requester_id" binding:"required"`
	RequestedQty        int        `json:"requested_qty" binding:"required"`
	ExchangeType        string     `json:"exchange_type" binding:"required"`
	Reason              string     `json:"reason" binding:"required"`
	Notes               string     `json:"notes"`
	Priority            string     `json:"priority"`
	SignatureBlob       []byte     `json:"signature_blob"`
	SignerName          string     `json:"signer_name"`
}

// ApprovePayload is the request body for stamping an approval gate
type ApprovePayload struct {
	Gate       string    `json:"gate" binding:"required"`
	ApproverID uuid.UUID `json:"approver_id" binding:"required"`
	GrantedQty *int      `json:"granted_qty"`
}

// RejectPayload is the request body for rejecting a request
type RejectPayload struct {
	ApproverID uuid.UUID `json:"approver_id" binding:"required"`
	Reason     string    `json:"reason"`
}

// DeliverPayload is the request body for delivering a request
type DeliverPayload struct {
	Quantity   int       `json:"quantity" binding:"required"`
	OperatorID uuid.UUID `json:"operator_id" binding:"required"`
}

// CancelPayload is the request body for cancelling a request
type CancelPayload struct {
	RequesterID uuid.UUID `json:"requester_id" binding:"required"`
}

// BatchPayload is the request body for creating a batch of requests
type BatchPayload struct {
	Lines []struct {
		ItemID       uuid.UUID `json:"item_id" binding:"required"`
		Quantity     int       `json:"quantity" binding:"required"`
		ExchangeType string    `json:"exchange_type" binding:"required"`
		Reason       string    `json:"reason"`
		Notes        string    `json:"notes"`
	} `json:"lines" binding:"required"`
	RecipientType       string     `json:"recipient_type" binding:"required"`
	RecipientEmployeeID *uuid.UUID `json:"recipient_employee_id"`
	TeamID              *uuid.UUID `json:"team_id"`
	TeamResponsibleID   *uuid.UUID `json:"team_responsible_id"`
	BaseID              uuid.UUID  `json:"base_id" binding:"required"`
	RequesterID         uuid.UUID  `json:"requester_id" binding:"required"`
	Priority            string     `json:"priority"`
	AutoApprove         bool       `json:"auto_approve"`
	SignatureBlob       []byte     `json:"signature_blob"`
	SignerName          string     `json:"signer_name"`
}

// StockIntakePayload is the request body for recording stock intake
type StockIntakePayload struct {
	ItemID   uuid.UUID `json:"item_id" binding:"required"`
	BaseID   uuid.UUID `json:"base_id" binding:"required"`
	Quantity int       `json:"quantity" binding:"required"`
	Notes    string    `json:"notes"`
}

// HandleCreateRequest creates a new stock request
func (h *RequestHandler) HandleCreateRequest(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-create-request")
	defer h.tracer.EndTransaction(txn)

	var payload CreateRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req, err := h.requests.CreateRequest(c.Request.Context(), services.CreateRequestInput{
		RecipientType:       payload.RecipientType,
		RecipientEmployeeID: payload.RecipientEmployeeID,
		TeamID:              payload.TeamID,
		TeamResponsibleID:   payload.TeamResponsibleID,
		ItemID:              payload.ItemID,
		BaseID:              payload.BaseID,
		RequesterID:         payload.RequesterID,
		RequestedQty:        payload.RequestedQty,
		ExchangeType:        payload.ExchangeType,
		Reason:              payload.Reason,
		Notes:               payload.Notes,
		Priority:            payload.Priority,
		SignatureBlob:       payload.SignatureBlob,
		SignerName:          payload.SignerName,
	})
	if err != nil {
		h.tracer.RecordError(txn, err)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, req)
}

// HandleGetRequest fetches one request by id
func (h *RequestHandler) HandleGetRequest(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request id"})
		return
	}

	req, err := h.requests.GetRequest(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, req)
}

// HandleApprove stamps one approval gate
func (h *RequestHandler) HandleApprove(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-approve-request")
	defer h.tracer.EndTransaction(txn)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request id"})
		return
	}

	var payload ApprovePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.tracer.AddAttribute(txn, "gate", payload.Gate)

	req, err := h.requests.StampApproval(c.Request.Context(), id, payload.Gate, payload.ApproverID, payload.GrantedQty)
	if err != nil {
		h.tracer.RecordError(txn, err)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, req)
}

// HandleReject rejects a request
func (h *RequestHandler) HandleReject(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request id"})
		return
	}

	var payload RejectPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req, err := h.requests.Reject(c.Request.Context(), id, payload.ApproverID, payload.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, req)
}

// HandleDeliver fulfils an approved request
func (h *RequestHandler) HandleDeliver(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-deliver-request")
	defer h.tracer.EndTransaction(txn)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request id"})
		return
	}

	var payload DeliverPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req, err := h.requests.Deliver(c.Request.Context(), id, payload.Quantity, payload.OperatorID)
	if err != nil {
		h.tracer.RecordError(txn, err)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, req)
}

// HandleReturn marks a delivered request as returned
func (h *RequestHandler) HandleReturn(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request id"})
		return
	}

	req, err := h.requests.ReturnItem(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, req)
}

// HandleExchange starts an exchange on a delivered request
func (h *RequestHandler) HandleExchange(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request id"})
		return
	}

	req, err := h.requests.StartExchange(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, req)
}

// HandleCancel cancels a pending request
func (h *RequestHandler) HandleCancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request id"})
		return
	}

	var payload CancelPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req, err := h.requests.Cancel(c.Request.Context(), id, payload.RequesterID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, req)
}

// HandleCreateBatch creates a batch of requests, optionally auto-approved
func (h *RequestHandler) HandleCreateBatch(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-create-batch")
	defer h.tracer.EndTransaction(txn)

	var payload BatchPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	lines := make([]services.BatchLine, 0, len(payload.Lines))
	for _, line := range payload.Lines {
		lines = append(lines, services.BatchLine{
			ItemID:       line.ItemID,
			Quantity:     line.Quantity,
			ExchangeType: line.ExchangeType,
			Reason:       line.Reason,
			Notes:        line.Notes,
		})
	}

	result := h.batches.CreateBatch(
		c.Request.Context(),
		lines,
		services.BatchRecipient{
			RecipientType:       payload.RecipientType,
			RecipientEmployeeID: payload.RecipientEmployeeID,
			TeamID:              payload.TeamID,
			TeamResponsibleID:   payload.TeamResponsibleID,
		},
		payload.BaseID,
		payload.RequesterID,
		payload.Priority,
		payload.AutoApprove,
		payload.SignatureBlob,
		payload.SignerName,
	)

	// Partial success is a normal batch outcome
	c.JSON(http.StatusOK, result)
}

// HandleListRequests lists requests under the caller's scope and filter
func (h *RequestHandler) HandleListRequests(c *gin.Context) {
	scope, err := scopeFromContext(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	filter, err := filterFromContext(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	requests, err := h.queries.ListRequests(c.Request.Context(), scope, filter)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"requests": requests, "count": len(requests)})
}

// HandleCountByStatus returns the status → count map under the same scope
// and filter as listing
func (h *RequestHandler) HandleCountByStatus(c *gin.Context) {
	scope, err := scopeFromContext(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	filter, err := filterFromContext(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	counts, err := h.queries.CountByStatus(c.Request.Context(), scope, filter)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"counts": counts})
}

// HandleSearchRequests runs a free-text query against the search index
// under the caller's scope
func (h *RequestHandler) HandleSearchRequests(c *gin.Context) {
	scope, err := scopeFromContext(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	text := c.Query("q")
	if text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing q parameter"})
		return
	}

	hits, err := h.queries.SearchIndexed(c.Request.Context(), scope, text)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"hits": hits, "count": len(hits)})
}

// HandleStockIntake records stock arriving at a base
func (h *RequestHandler) HandleStockIntake(c *gin.Context) {
	var payload StockIntakePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.requests.RecordStockIntake(c.Request.Context(), payload.ItemID, payload.BaseID, payload.Quantity, payload.Notes)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
}

// RegisterRoutes registers the handler's routes
func (h *RequestHandler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")

	requests := api.Group("/requests")
	requests.POST("", h.HandleCreateRequest)
	requests.POST("/batch", h.HandleCreateBatch)
	requests.GET("", h.HandleListRequests)
	requests.GET("/counts", h.HandleCountByStatus)
	requests.GET("/search", h.HandleSearchRequests)
	requests.GET("/:id", h.HandleGetRequest)
	requests.POST("/:id/approve", h.HandleApprove)
	requests.POST("/:id/reject", h.HandleReject)
	requests.POST("/:id/deliver", h.HandleDeliver)
	requests.POST("/:id/return", h.HandleReturn)
	requests.POST("/:id/exchange", h.HandleExchange)
	requests.POST("/:id/cancel", h.HandleCancel)

	api.POST("/stock/intake", h.HandleStockIntake)
}

// scopeFromContext builds the authorization scope from the identity
// headers set by the upstream gateway. Authentication itself is external;
// this service only enforces base scoping.
func scopeFromContext(c *gin.Context) (services.AuthScope, error) {
	scope := services.AuthScope{}

	if caller := c.GetHeader("X-Caller-ID"); caller != "" {
		id, err := uuid.Parse(caller)
		if err != nil {
			return scope, errors.New("invalid X-Caller-ID header")
		}
		scope.CallerID = id
	}

	scope.Unrestricted = c.GetHeader("X-Unrestricted") == "true"

	if bases := c.GetHeader("X-Authorized-Bases"); bases != "" {
		for _, raw := range strings.Split(bases, ",") {
			id, err := uuid.Parse(strings.TrimSpace(raw))
			if err != nil {
				return scope, errors.New("invalid X-Authorized-Bases header")
			}
			scope.AuthorizedBases = append(scope.AuthorizedBases, id)
		}
	}

	return scope, nil
}

// filterFromContext parses the list/count query parameters
func filterFromContext(c *gin.Context) (services.QueryFilter, error) {
	filter := services.QueryFilter{
		Search: c.Query("q"),
	}

	if from := c.Query("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return filter, errors.New("invalid from parameter, expected RFC3339")
		}
		filter.From = &t
	}
	if to := c.Query("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return filter, errors.New("invalid to parameter, expected RFC3339")
		}
		filter.To = &t
	}
	for _, raw := range c.QueryArray("base_id") {
		id, err := uuid.Parse(raw)
		if err != nil {
			return filter, errors.New("invalid base_id parameter")
		}
		filter.BaseIDs = append(filter.BaseIDs, id)
	}
	filter.Statuses = append(filter.Statuses, c.QueryArray("status")...)
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return filter, errors.New("invalid limit parameter")
		}
		filter.Limit = n
	}

	return filter, nil
}

// respondError maps the service error taxonomy to HTTP statuses
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrInvalidState),
		errors.Is(err, services.ErrAlreadyStamped),
		errors.Is(err, services.ErrConflict),
		errors.Is(err, services.ErrInsufficientStock):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrNotApproved),
		errors.Is(err, services.ErrUnknownReference):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrEmptyReason),
		errors.Is(err, services.ErrInvalidQuantity):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrSearchUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Msg("Unhandled service error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
