package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Request status values. A request is never deleted; cancellation and
// rejection are statuses, not removals.
const (
	StatusPending            = "pending"
	StatusApproved           = "approved"
	StatusPartiallyApproved  = "partially_approved"
	StatusRejected           = "rejected"
	StatusDelivered          = "delivered"
	StatusCancelled          = "cancelled"
	StatusAwaitingStock      = "awaiting_stock"
	StatusReturned           = "returned"
	StatusExchangeInProgress = "exchange_in_progress"
)

// Approval gates. Both must be stamped before delivery.
const (
	GateWarehouse = "warehouse"
	GateSafety    = "safety"
)

// Exchange types
const (
	ExchangeTypeSupply   = "supply"
	ExchangeTypeExchange = "exchange"
	ExchangeTypeDiscount = "discount"
)

// Recipient types. Exactly one variant is set per request.
const (
	RecipientEmployee = "employee"
	RecipientTeam     = "team"
)

// Priority values
const (
	PriorityNormal    = "normal"
	PriorityEmergency = "emergency"
)

// Base represents a delivery location (warehouse base)
type Base struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	Name      string         `gorm:"not null" json:"name"`
	Code      string         `gorm:"not null;uniqueIndex" json:"code"`
}

// Item represents a stock item
type Item struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	Code      string         `gorm:"not null;uniqueIndex" json:"code"`
	Name      string         `gorm:"not null" json:"name"`
	Unit      string         `gorm:"not null;default:pcs" json:"unit"`
}

// Employee represents a warehouse employee
type Employee struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
	Name         string         `gorm:"not null" json:"name"`
	Registration string         `gorm:"not null;uniqueIndex" json:"registration"`
	BaseID       *uuid.UUID     `gorm:"type:uuid" json:"base_id"`
}

// Team represents a work team that can be the recipient of a request
type Team struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	Name      string         `gorm:"not null" json:"name"`
	BaseID    uuid.UUID      `gorm:"type:uuid;not null" json:"base_id"`
}

// StockLevel is the per-item, per-base stock counter. Deliveries decrement
// it with a conditional update so sufficiency is checked at the moment of
// the decrement, never against a stale read.
type StockLevel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	ItemID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_stock_item_base" json:"item_id"`
	BaseID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_stock_item_base" json:"base_id"`
	Quantity  int       `gorm:"not null;default:0" json:"quantity"`
}

// Stock movement types
const (
	MovementIntake      = "intake"
	MovementConsumption = "consumption"
)

// StockMovement is the audit row written for every ledger change
type StockMovement struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	ItemID       uuid.UUID  `gorm:"type:uuid;not null;index" json:"item_id"`
	BaseID       uuid.UUID  `gorm:"type:uuid;not null;index" json:"base_id"`
	MovementType string     `gorm:"not null" json:"movement_type"`
	Quantity     int        `gorm:"not null" json:"quantity"`
	RequestID    *uuid.UUID `gorm:"type:uuid;index" json:"request_id"`
	OperatorID   *uuid.UUID `gorm:"type:uuid" json:"operator_id"`
	Notes        string     `json:"notes"`
}

// StockRequest is the central entity: one material request by an employee
// or team, driven through the dual-approval state machine before delivery.
type StockRequest struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
	RequestNumber int64          `gorm:"not null;uniqueIndex" json:"request_number"`

	// Recipient is a tagged union: exactly one of the two variants is set.
	RecipientType       string     `gorm:"not null" json:"recipient_type"`
	RecipientEmployeeID *uuid.UUID `gorm:"type:uuid" json:"recipient_employee_id"`
	TeamID              *uuid.UUID `gorm:"type:uuid" json:"team_id"`
	TeamResponsibleID   *uuid.UUID `gorm:"type:uuid" json:"team_responsible_id"`

	ItemID      uuid.UUID `gorm:"type:uuid;not null;index" json:"item_id"`
	BaseID      uuid.UUID `gorm:"type:uuid;not null;index" json:"base_id"`
	RequesterID uuid.UUID `gorm:"type:uuid;not null;index" json:"requester_id"`

	RequestedQty int  `gorm:"not null" json:"requested_qty"`
	ApprovedQty  *int `json:"approved_qty"`
	DeliveredQty *int `json:"delivered_qty"`

	ExchangeType string `gorm:"not null" json:"exchange_type"`
	Reason       string `gorm:"not null" json:"reason"`
	Notes        string `json:"notes"`

	WarehouseApprovedBy *uuid.UUID `gorm:"type:uuid" json:"warehouse_approved_by"`
	WarehouseApprovedAt *time.Time `json:"warehouse_approved_at"`
	SafetyApprovedBy    *uuid.UUID `gorm:"type:uuid" json:"safety_approved_by"`
	SafetyApprovedAt    *time.Time `json:"safety_approved_at"`

	Status          string `gorm:"not null;default:pending;index" json:"status"`
	RejectionReason string `json:"rejection_reason"`

	Priority          string `gorm:"not null;default:normal" json:"priority"`
	EmergencyApproval bool   `gorm:"not null;default:false" json:"emergency_approval"`

	SignatureBlob []byte `gorm:"type:bytea" json:"-"`
	SignerName    string `json:"signer_name"`

	// Version is the optimistic-lock counter; every mutation goes through a
	// compare-and-swap on it.
	Version int `gorm:"not null;default:0" json:"version"`

	Item      *Item     `gorm:"foreignKey:ItemID" json:"item,omitempty"`
	Base      *Base     `gorm:"foreignKey:BaseID" json:"base,omitempty"`
	Requester *Employee `gorm:"foreignKey:RequesterID" json:"requester,omitempty"`
	Recipient *Employee `gorm:"foreignKey:RecipientEmployeeID" json:"recipient,omitempty"`
	Team      *Team     `gorm:"foreignKey:TeamID" json:"team,omitempty"`
}

// DualApprovalComplete reports whether both gates have been stamped. It is
// always derived from the two approval fields, never stored independently.
func (r *StockRequest) DualApprovalComplete() bool {
	return r.WarehouseApprovedBy != nil && r.SafetyApprovedBy != nil
}

// GateStamped reports whether the given gate has already been stamped
func (r *StockRequest) GateStamped(gate string) bool {
	switch gate {
	case GateWarehouse:
		return r.WarehouseApprovedBy != nil
	case GateSafety:
		return r.SafetyApprovedBy != nil
	}
	return false
}

// Terminal reports whether the request accepts no further transitions.
// Returned is not terminal: a returned item can still move to an exchange.
func (r *StockRequest) Terminal() bool {
	return r.Status == StatusRejected || r.Status == StatusCancelled
}

// Validate checks the creation-time invariants of a request
func (r *StockRequest) Validate() error {
	if r.RequestedQty <= 0 {
		return errors.New("requested quantity must be greater than zero")
	}
	if r.Reason == "" {
		return errors.New("reason is required")
	}
	switch r.ExchangeType {
	case ExchangeTypeSupply, ExchangeTypeExchange, ExchangeTypeDiscount:
	default:
		return errors.Errorf("invalid exchange type %q", r.ExchangeType)
	}
	switch r.RecipientType {
	case RecipientEmployee:
		if r.RecipientEmployeeID == nil {
			return errors.New("employee recipient requires an employee id")
		}
		if r.TeamID != nil || r.TeamResponsibleID != nil {
			return errors.New("employee recipient must not carry team fields")
		}
	case RecipientTeam:
		if r.TeamID == nil || r.TeamResponsibleID == nil {
			return errors.New("team recipient requires team and responsible ids")
		}
		if r.RecipientEmployeeID != nil {
			return errors.New("team recipient must not carry an employee recipient")
		}
	default:
		return errors.Errorf("invalid recipient type %q", r.RecipientType)
	}
	if r.ItemID == uuid.Nil || r.BaseID == uuid.Nil || r.RequesterID == uuid.Nil {
		return errors.New("item, base and requester are required")
	}
	return nil
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	// Apply all migrations
	err := db.AutoMigrate(
		&Base{},
		&Item{},
		&Employee{},
		&Team{},
		&StockLevel{},
		&StockMovement{},
		&StockRequest{},
	)

	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
