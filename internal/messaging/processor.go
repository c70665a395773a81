package messaging

import (
	"context"
	"encoding/json"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/warehouse/services/requisition/internal/services"
)

// Event types carried on the stock queue
const (
	EventStockIntake = "StockIntake"
)

// BusMessage is the common message envelope
type BusMessage struct {
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
}

// StockIntakeEvent announces stock arriving at a base. Processing it
// increments the ledger and re-evaluates awaiting-stock requests for the
// item and base.
type StockIntakeEvent struct {
	ItemID   uuid.UUID `json:"item_id"`
	BaseID   uuid.UUID `json:"base_id"`
	Quantity int       `json:"quantity"`
	Notes    string    `json:"notes"`
}

// Processor routes queue messages to the request service
type Processor struct {
	requests *services.RequestService
}

// NewProcessor creates a new message processor
func NewProcessor(requests *services.RequestService) *Processor {
	return &Processor{requests: requests}
}

// ProcessMessage handles one received message
func (p *Processor) ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error {
	var msg BusMessage
	if err := json.Unmarshal(message.Body, &msg); err != nil {
		return errors.Wrap(err, "error unmarshalling message")
	}

	log.Info().Str("eventType", msg.EventType).Msg("Processing message")

	switch msg.EventType {
	case EventStockIntake:
		var event StockIntakeEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return errors.Wrap(err, "error unmarshalling stock intake event")
		}
		return p.requests.RecordStockIntake(ctx, event.ItemID, event.BaseID, event.Quantity, event.Notes)

	default:
		// Unknown events are completed, not abandoned: redelivery would
		// never succeed.
		log.Warn().Str("eventType", msg.EventType).Msg("Ignoring unknown event type")
		return nil
	}
}
