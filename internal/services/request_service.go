package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/warehouse/services/requisition/internal/metrics"
	"example.com/warehouse/services/requisition/internal/models"
	"example.com/warehouse/services/requisition/internal/repositories"
	"example.com/warehouse/services/requisition/internal/search"
	"example.com/warehouse/services/requisition/internal/tracing"
)

// casRetries bounds how often a mutating operation re-reads and replays
// after losing the compare-and-swap. Two simultaneous stamps (warehouse and
// safety) both land this way: the loser re-reads the winner's write and
// applies its own gate on top.
const casRetries = 3

// CreateRequestInput carries the creation-time fields of a stock request
type CreateRequestInput struct {
	RecipientType       string
	RecipientEmployeeID *uuid.UUID
	TeamID              *uuid.UUID
	TeamResponsibleID   *uuid.UUID
	ItemID              uuid.UUID
	BaseID              uuid.UUID
	RequesterID         uuid.UUID
	RequestedQty        int
	ExchangeType        string
	Reason              string
	Notes               string
	Priority            string
	SignatureBlob       []byte
	SignerName          string
}

// RequestService owns the request state machine: the dual-approval gates,
// transition validation, delivery against the stock ledger, and the
// awaiting-stock re-evaluation.
type RequestService struct {
	requestRepo  repositories.RequestRepository
	stockRepo    repositories.StockRepository
	itemRepo     repositories.ItemRepository
	employeeRepo repositories.EmployeeRepository
	search       search.Client
	metrics      *metrics.Metrics
	tracer       tracing.Tracer
}

// NewRequestService creates a new request service. The item and employee
// repositories are optional; when set, creation verifies the references
// exist before writing.
func NewRequestService(
	requestRepo repositories.RequestRepository,
	stockRepo repositories.StockRepository,
	itemRepo repositories.ItemRepository,
	employeeRepo repositories.EmployeeRepository,
	searchClient search.Client,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
) *RequestService {
	if tracer == nil {
		tracer = tracing.NewNoopTracer()
	}
	return &RequestService{
		requestRepo:  requestRepo,
		stockRepo:    stockRepo,
		itemRepo:     itemRepo,
		employeeRepo: employeeRepo,
		search:       searchClient,
		metrics:      metricsCollector,
		tracer:       tracer,
	}
}

// CreateRequest validates and persists a new stock request in pending state
func (s *RequestService) CreateRequest(ctx context.Context, input CreateRequestInput) (*models.StockRequest, error) {
	txn := s.tracer.StartTransaction("create-stock-request")
	defer s.tracer.EndTransaction(txn)

	priority := input.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}

	req := &models.StockRequest{
		ID:                  uuid.New(),
		RecipientType:       input.RecipientType,
		RecipientEmployeeID: input.RecipientEmployeeID,
		TeamID:              input.TeamID,
		TeamResponsibleID:   input.TeamResponsibleID,
		ItemID:              input.ItemID,
		BaseID:              input.BaseID,
		RequesterID:         input.RequesterID,
		RequestedQty:        input.RequestedQty,
		ExchangeType:        input.ExchangeType,
		Reason:              input.Reason,
		Notes:               input.Notes,
		Status:              models.StatusPending,
		Priority:            priority,
		SignatureBlob:       input.SignatureBlob,
		SignerName:          input.SignerName,
	}

	// All validation happens before any store write
	if err := req.Validate(); err != nil {
		s.recordError("request_create")
		return nil, err
	}

	if s.itemRepo != nil {
		if _, err := s.itemRepo.GetByID(ctx, req.ItemID); err != nil {
			s.recordError("request_create")
			return nil, errors.Wrap(ErrUnknownReference, "item")
		}
	}
	if s.employeeRepo != nil {
		if _, err := s.employeeRepo.GetByID(ctx, req.RequesterID); err != nil {
			s.recordError("request_create")
			return nil, errors.Wrap(ErrUnknownReference, "requester")
		}
	}

	number, err := s.requestRepo.NextRequestNumber(ctx)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, errors.Wrap(err, "failed to assign request number")
	}
	req.RequestNumber = number

	if err := s.requestRepo.Create(ctx, req); err != nil {
		s.tracer.RecordError(txn, err)
		s.recordError("request_create")
		return nil, errors.Wrap(err, "failed to create stock request")
	}

	s.recordSuccess("request_create")
	s.incrementCounter("requests_created")

	log.Info().
		Str("request_id", req.ID.String()).
		Int64("request_number", req.RequestNumber).
		Str("item_id", req.ItemID.String()).
		Int("requested_qty", req.RequestedQty).
		Msg("Stock request created")

	s.indexRequest(ctx, req)
	return req, nil
}

// GetRequest fetches a single request by id
func (s *RequestService) GetRequest(ctx context.Context, id uuid.UUID) (*models.StockRequest, error) {
	req, err := s.requestRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return req, nil
}

// StampApproval records one approval gate on a pending request. The two
// gates are independent and may arrive in either order; the promotion to
// approved or awaiting_stock is recomputed after each successful stamp
// write, never cached. grantedQty optionally caps the approved quantity;
// when both stamps carry a grant the smaller one wins.
func (s *RequestService) StampApproval(ctx context.Context, id uuid.UUID, gate string, approverID uuid.UUID, grantedQty *int) (*models.StockRequest, error) {
	txn := s.tracer.StartTransaction("stamp-approval")
	defer s.tracer.EndTransaction(txn)
	s.tracer.AddAttribute(txn, "gate", gate)

	if gate != models.GateWarehouse && gate != models.GateSafety {
		return nil, errors.Errorf("unknown approval gate %q", gate)
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		req, err := s.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}

		if req.Status != models.StatusPending {
			return nil, ErrInvalidState
		}
		if req.GateStamped(gate) {
			return nil, ErrAlreadyStamped
		}
		if grantedQty != nil && (*grantedQty <= 0 || *grantedQty > req.RequestedQty) {
			return nil, ErrInvalidQuantity
		}

		now := time.Now()
		approver := approverID
		switch gate {
		case models.GateWarehouse:
			req.WarehouseApprovedBy = &approver
			req.WarehouseApprovedAt = &now
		case models.GateSafety:
			req.SafetyApprovedBy = &approver
			req.SafetyApprovedAt = &now
		}

		if grantedQty != nil && (req.ApprovedQty == nil || *grantedQty < *req.ApprovedQty) {
			granted := *grantedQty
			req.ApprovedQty = &granted
		}

		// Promotion check runs against this stamp's view of both gates.
		// Stock sufficiency is checked now, at the moment the second stamp
		// lands, not at creation time.
		if req.DualApprovalComplete() {
			if req.ApprovedQty == nil {
				qty := req.RequestedQty
				req.ApprovedQty = &qty
			}
			available, err := s.stockRepo.GetQuantity(ctx, req.ItemID, req.BaseID)
			if err != nil {
				s.tracer.RecordError(txn, err)
				return nil, errors.Wrap(err, "failed to check stock for approval")
			}
			switch {
			case available < *req.ApprovedQty:
				req.Status = models.StatusAwaitingStock
			case *req.ApprovedQty < req.RequestedQty:
				req.Status = models.StatusPartiallyApproved
			default:
				req.Status = models.StatusApproved
			}
		}

		swapped, err := s.requestRepo.UpdateCAS(ctx, req, req.Version)
		if err != nil {
			s.tracer.RecordError(txn, err)
			s.recordError("approval_stamp")
			return nil, err
		}
		if !swapped {
			// Another writer (usually the other gate) landed first; replay
			// on top of its write.
			continue
		}

		s.recordSuccess("approval_stamp")
		s.incrementCounter("approvals_stamped")
		log.Info().
			Str("request_id", req.ID.String()).
			Str("gate", gate).
			Str("approver_id", approverID.String()).
			Str("status", req.Status).
			Msg("Approval gate stamped")

		s.indexRequest(ctx, req)
		return req, nil
	}

	s.recordError("approval_stamp")
	return nil, ErrConflict
}

// Reject moves a request to the terminal rejected state. Requires a
// non-empty reason; refused once the request is delivered or terminal.
func (s *RequestService) Reject(ctx context.Context, id uuid.UUID, approverID uuid.UUID, reason string) (*models.StockRequest, error) {
	txn := s.tracer.StartTransaction("reject-stock-request")
	defer s.tracer.EndTransaction(txn)

	if reason == "" {
		return nil, ErrEmptyReason
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		req, err := s.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}

		switch req.Status {
		case models.StatusPending, models.StatusAwaitingStock,
			models.StatusApproved, models.StatusPartiallyApproved:
		default:
			return nil, ErrInvalidState
		}

		req.Status = models.StatusRejected
		req.RejectionReason = reason

		swapped, err := s.requestRepo.UpdateCAS(ctx, req, req.Version)
		if err != nil {
			s.tracer.RecordError(txn, err)
			return nil, err
		}
		if !swapped {
			continue
		}

		s.incrementCounter("requests_rejected")
		log.Info().
			Str("request_id", req.ID.String()).
			Str("approver_id", approverID.String()).
			Str("reason", reason).
			Msg("Stock request rejected")

		s.indexRequest(ctx, req)
		return req, nil
	}

	return nil, ErrConflict
}

// Deliver fulfils an approved request: the ledger decrement is the
// atomicity point, and it happens before the record write so the quantity
// check cannot rely on a stale read. A lost compare-and-swap afterwards is
// compensated with an increment, leaving zero net ledger change on every
// failure path.
func (s *RequestService) Deliver(ctx context.Context, id uuid.UUID, deliveredQty int, operatorID uuid.UUID) (*models.StockRequest, error) {
	txn := s.tracer.StartTransaction("deliver-stock-request")
	defer s.tracer.EndTransaction(txn)

	req, err := s.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}

	if !req.DualApprovalComplete() {
		return nil, ErrNotApproved
	}
	switch req.Status {
	case models.StatusApproved, models.StatusPartiallyApproved, models.StatusAwaitingStock:
	default:
		return nil, ErrInvalidState
	}
	if deliveredQty <= 0 || req.ApprovedQty == nil || deliveredQty > *req.ApprovedQty {
		return nil, ErrInvalidQuantity
	}

	ok, err := s.stockRepo.DecrementIfAvailable(ctx, req.ItemID, req.BaseID, deliveredQty)
	if err != nil {
		s.tracer.RecordError(txn, err)
		s.recordError("delivery")
		return nil, errors.Wrap(err, "failed to decrement stock")
	}
	if !ok {
		s.recordError("delivery")
		return nil, ErrInsufficientStock
	}

	qty := deliveredQty
	req.DeliveredQty = &qty
	req.Status = models.StatusDelivered

	swapped, err := s.requestRepo.UpdateCAS(ctx, req, req.Version)
	if err != nil || !swapped {
		// Put the stock back; the delivery did not happen.
		if incErr := s.stockRepo.Increment(ctx, req.ItemID, req.BaseID, deliveredQty); incErr != nil {
			log.Error().Err(incErr).
				Str("request_id", req.ID.String()).
				Int("qty", deliveredQty).
				Msg("Failed to compensate stock after lost delivery write")
		}
		s.recordError("delivery")
		if err != nil {
			s.tracer.RecordError(txn, err)
			return nil, err
		}
		return nil, ErrConflict
	}

	movement := &models.StockMovement{
		ID:           uuid.New(),
		ItemID:       req.ItemID,
		BaseID:       req.BaseID,
		MovementType: models.MovementConsumption,
		Quantity:     deliveredQty,
		RequestID:    &req.ID,
		OperatorID:   &operatorID,
	}
	if err := s.stockRepo.RecordMovement(ctx, movement); err != nil {
		log.Error().Err(err).
			Str("request_id", req.ID.String()).
			Msg("Failed to record stock movement for delivery")
	}

	s.recordSuccess("delivery")
	s.incrementCounter("requests_delivered")
	log.Info().
		Str("request_id", req.ID.String()).
		Str("operator_id", operatorID.String()).
		Int("delivered_qty", deliveredQty).
		Msg("Stock request delivered")

	s.indexRequest(ctx, req)
	return req, nil
}

// ReturnItem marks a delivered request as returned. The ledger is not
// touched: inventory effects of returns are reconciled externally.
func (s *RequestService) ReturnItem(ctx context.Context, id uuid.UUID) (*models.StockRequest, error) {
	return s.transitionFromDelivered(ctx, id, models.StatusReturned, "requests_returned")
}

// StartExchange marks a delivered request as undergoing an exchange
func (s *RequestService) StartExchange(ctx context.Context, id uuid.UUID) (*models.StockRequest, error) {
	return s.transitionFromDelivered(ctx, id, models.StatusExchangeInProgress, "requests_exchanged")
}

func (s *RequestService) transitionFromDelivered(ctx context.Context, id uuid.UUID, target, counter string) (*models.StockRequest, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		req, err := s.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		if req.Status != models.StatusDelivered {
			return nil, ErrInvalidState
		}

		req.Status = target

		swapped, err := s.requestRepo.UpdateCAS(ctx, req, req.Version)
		if err != nil {
			return nil, err
		}
		if !swapped {
			continue
		}

		s.incrementCounter(counter)
		log.Info().
			Str("request_id", req.ID.String()).
			Str("status", target).
			Msg("Stock request transitioned")

		s.indexRequest(ctx, req)
		return req, nil
	}
	return nil, ErrConflict
}

// Cancel withdraws a pending request. Only the original requester can
// cancel, and only before any approval decision lands.
func (s *RequestService) Cancel(ctx context.Context, id uuid.UUID, requesterID uuid.UUID) (*models.StockRequest, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		req, err := s.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		if req.Status != models.StatusPending {
			return nil, ErrInvalidState
		}
		if req.RequesterID != requesterID {
			return nil, errors.New("only the requester can cancel a request")
		}

		req.Status = models.StatusCancelled

		swapped, err := s.requestRepo.UpdateCAS(ctx, req, req.Version)
		if err != nil {
			return nil, err
		}
		if !swapped {
			continue
		}

		s.incrementCounter("requests_cancelled")
		log.Info().Str("request_id", req.ID.String()).Msg("Stock request cancelled")
		s.indexRequest(ctx, req)
		return req, nil
	}
	return nil, ErrConflict
}

// ReevaluateAwaitingStock promotes awaiting_stock requests for an item and
// base whose approved quantity now fits the current stock. Invoked by the
// stock-intake consumer and by the worker's fallback job; there is no
// background poller beyond those two triggers.
func (s *RequestService) ReevaluateAwaitingStock(ctx context.Context, itemID, baseID uuid.UUID) (int, error) {
	txn := s.tracer.StartTransaction("reevaluate-awaiting-stock")
	defer s.tracer.EndTransaction(txn)

	waiting, err := s.requestRepo.ListAwaitingStock(ctx, itemID, baseID)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return 0, err
	}

	promoted := 0
	for i := range waiting {
		req := &waiting[i]
		if req.ApprovedQty == nil {
			log.Warn().Str("request_id", req.ID.String()).
				Msg("Awaiting-stock request without approved quantity, skipping")
			continue
		}

		available, err := s.stockRepo.GetQuantity(ctx, itemID, baseID)
		if err != nil {
			s.tracer.RecordError(txn, err)
			return promoted, errors.Wrap(err, "failed to read stock during re-evaluation")
		}
		if available < *req.ApprovedQty {
			continue
		}

		if *req.ApprovedQty < req.RequestedQty {
			req.Status = models.StatusPartiallyApproved
		} else {
			req.Status = models.StatusApproved
		}

		swapped, err := s.requestRepo.UpdateCAS(ctx, req, req.Version)
		if err != nil {
			s.tracer.RecordError(txn, err)
			return promoted, err
		}
		if !swapped {
			// Someone else handled this request meanwhile; leave it be.
			continue
		}

		promoted++
		log.Info().
			Str("request_id", req.ID.String()).
			Str("status", req.Status).
			Msg("Awaiting-stock request promoted")
		s.indexRequest(ctx, req)
	}

	if promoted > 0 {
		s.incrementCounter("awaiting_stock_promotions")
	}
	return promoted, nil
}

// SweepAwaitingStock re-evaluates every awaiting_stock request regardless
// of item and base. The worker runs this as a fallback for intake events
// that never reached the queue.
func (s *RequestService) SweepAwaitingStock(ctx context.Context) (int, error) {
	waiting, err := s.requestRepo.ListFiltered(ctx, repositories.RequestFilter{
		Statuses: []string{models.StatusAwaitingStock},
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to list awaiting-stock requests")
	}

	type ledgerKey struct {
		item uuid.UUID
		base uuid.UUID
	}
	seen := make(map[ledgerKey]bool)

	promoted := 0
	for i := range waiting {
		key := ledgerKey{item: waiting[i].ItemID, base: waiting[i].BaseID}
		if seen[key] {
			continue
		}
		seen[key] = true

		n, err := s.ReevaluateAwaitingStock(ctx, key.item, key.base)
		if err != nil {
			log.Error().Err(err).
				Str("item_id", key.item.String()).
				Str("base_id", key.base.String()).
				Msg("Failed to re-evaluate awaiting-stock requests during sweep")
			continue
		}
		promoted += n
	}
	return promoted, nil
}

// RecordStockIntake increments the ledger, writes the audit movement and
// re-evaluates waiting requests for the item and base
func (s *RequestService) RecordStockIntake(ctx context.Context, itemID, baseID uuid.UUID, qty int, notes string) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}

	if err := s.stockRepo.Increment(ctx, itemID, baseID, qty); err != nil {
		return errors.Wrap(err, "failed to record stock intake")
	}

	movement := &models.StockMovement{
		ID:           uuid.New(),
		ItemID:       itemID,
		BaseID:       baseID,
		MovementType: models.MovementIntake,
		Quantity:     qty,
		Notes:        notes,
	}
	if err := s.stockRepo.RecordMovement(ctx, movement); err != nil {
		log.Error().Err(err).
			Str("item_id", itemID.String()).
			Msg("Failed to record stock intake movement")
	}

	s.incrementCounter("stock_intakes")

	if _, err := s.ReevaluateAwaitingStock(ctx, itemID, baseID); err != nil {
		log.Error().Err(err).
			Str("item_id", itemID.String()).
			Str("base_id", baseID.String()).
			Msg("Failed to re-evaluate awaiting-stock requests after intake")
	}
	return nil
}

// indexRequest pushes the request document to the search index. Indexing
// is best effort: the store write already succeeded.
func (s *RequestService) indexRequest(ctx context.Context, req *models.StockRequest) {
	if s.search == nil {
		return
	}
	if err := s.search.IndexRequest(ctx, req); err != nil {
		log.Warn().Err(err).
			Str("request_id", req.ID.String()).
			Msg("Failed to index stock request")
	}
}

func (s *RequestService) incrementCounter(name string) {
	if s.metrics != nil {
		s.metrics.IncrementCounter(name)
	}
}

func (s *RequestService) recordSuccess(name string) {
	if s.metrics != nil {
		s.metrics.RecordSuccess(name)
	}
}

func (s *RequestService) recordError(name string) {
	if s.metrics != nil {
		s.metrics.RecordError(name)
	}
}
