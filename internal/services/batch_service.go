package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"example.com/warehouse/services/requisition/internal/metrics"
	"example.com/warehouse/services/requisition/internal/models"
	"example.com/warehouse/services/requisition/internal/tracing"
)

// BatchLine is one line item of a batch creation
type BatchLine struct {
	ItemID       uuid.UUID
	Quantity     int
	ExchangeType string
	Reason       string
	Notes        string
}

// BatchRecipient is the single recipient shared by every line of a batch
type BatchRecipient struct {
	RecipientType       string
	RecipientEmployeeID *uuid.UUID
	TeamID              *uuid.UUID
	TeamResponsibleID   *uuid.UUID
}

// BatchFailure records one line that could not be created or auto-approved
type BatchFailure struct {
	Line      int        `json:"line"`
	RequestID *uuid.UUID `json:"request_id,omitempty"`
	Error     string     `json:"error"`
}

// BatchResult aggregates the outcome of a batch. Partial success is a
// normal outcome, not an error condition for the batch as a whole.
type BatchResult struct {
	SuccessCount int            `json:"success_count"`
	RequestIDs   []uuid.UUID    `json:"request_ids"`
	Failures     []BatchFailure `json:"failures"`
}

// BatchService creates N requests as a logical batch and optionally drives
// each through the emergency fast path: both approval gates stamped in
// immediate succession by the same actor, recorded as two distinct stamps.
type BatchService struct {
	requests *RequestService
	metrics  *metrics.Metrics
	tracer   tracing.Tracer
}

// NewBatchService creates a new batch service
func NewBatchService(requests *RequestService, metricsCollector *metrics.Metrics, tracer tracing.Tracer) *BatchService {
	if tracer == nil {
		tracer = tracing.NewNoopTracer()
	}
	return &BatchService{
		requests: requests,
		metrics:  metricsCollector,
		tracer:   tracer,
	}
}

// CreateBatch creates one request per line, sequentially. Lines are
// independently committed: there is no cross-line transaction, a deliberate
// trade-off favoring availability of the emergency path over batch
// atomicity. With autoApprove, the invoking actor stamps both gates through
// the normal stamp path so the state machine stays the single source of
// truth for transition legality.
func (s *BatchService) CreateBatch(
	ctx context.Context,
	lines []BatchLine,
	recipient BatchRecipient,
	baseID uuid.UUID,
	requesterID uuid.UUID,
	priority string,
	autoApprove bool,
	signatureBlob []byte,
	signerName string,
) BatchResult {
	txn := s.tracer.StartTransaction("create-request-batch")
	defer s.tracer.EndTransaction(txn)
	s.tracer.AddAttribute(txn, "lines", len(lines))
	s.tracer.AddAttribute(txn, "auto_approve", autoApprove)

	result := BatchResult{}

	for i, line := range lines {
		lineNo := i + 1

		req, err := s.requests.CreateRequest(ctx, CreateRequestInput{
			RecipientType:       recipient.RecipientType,
			RecipientEmployeeID: recipient.RecipientEmployeeID,
			TeamID:              recipient.TeamID,
			TeamResponsibleID:   recipient.TeamResponsibleID,
			ItemID:              line.ItemID,
			BaseID:              baseID,
			RequesterID:         requesterID,
			RequestedQty:        line.Quantity,
			ExchangeType:        line.ExchangeType,
			Reason:              line.Reason,
			Notes:               line.Notes,
			Priority:            priority,
			SignatureBlob:       signatureBlob,
			SignerName:          signerName,
		})
		if err != nil {
			result.Failures = append(result.Failures, BatchFailure{
				Line:  lineNo,
				Error: err.Error(),
			})
			log.Warn().Err(err).Int("line", lineNo).Msg("Batch line creation failed")
			continue
		}

		if autoApprove {
			if err := s.autoApprove(ctx, req.ID, requesterID); err != nil {
				result.Failures = append(result.Failures, BatchFailure{
					Line:      lineNo,
					RequestID: &req.ID,
					Error:     err.Error(),
				})
				log.Warn().Err(err).
					Int("line", lineNo).
					Str("request_id", req.ID.String()).
					Msg("Batch line auto-approval failed")
				continue
			}
		}

		result.SuccessCount++
		result.RequestIDs = append(result.RequestIDs, req.ID)
	}

	if s.metrics != nil {
		s.metrics.IncrementCounterBy("batch_lines_created", int64(result.SuccessCount))
		s.metrics.IncrementCounterBy("batch_lines_failed", int64(len(result.Failures)))
	}

	log.Info().
		Int("lines", len(lines)).
		Int("succeeded", result.SuccessCount).
		Int("failed", len(result.Failures)).
		Bool("auto_approve", autoApprove).
		Msg("Request batch processed")

	return result
}

// autoApprove stamps both gates with the same actor: two distinct stamp
// events with two distinct approver fields holding the same id, preserving
// the dual-approval data shape for audit. The records are additionally
// marked with the emergency flag.
func (s *BatchService) autoApprove(ctx context.Context, requestID, actorID uuid.UUID) error {
	if _, err := s.requests.StampApproval(ctx, requestID, models.GateWarehouse, actorID, nil); err != nil {
		return err
	}
	req, err := s.requests.StampApproval(ctx, requestID, models.GateSafety, actorID, nil)
	if err != nil {
		return err
	}

	req.EmergencyApproval = true
	swapped, err := s.requests.requestRepo.UpdateCAS(ctx, req, req.Version)
	if err != nil {
		return err
	}
	if !swapped {
		return ErrConflict
	}
	return nil
}
