package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/warehouse/services/requisition/internal/models"
)

// RequestFilter holds the predicate shared by listing and counting. The
// same filter object must be used for both so displayed counts and lists
// never disagree.
type RequestFilter struct {
	From     *time.Time
	To       *time.Time
	BaseIDs  []uuid.UUID // empty means no base restriction
	Statuses []string
	Limit    int
}

// RequestRepository provides access to stock request records
type RequestRepository interface {
	Create(ctx context.Context, req *models.StockRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.StockRequest, error)
	ListFiltered(ctx context.Context, filter RequestFilter) ([]models.StockRequest, error)
	ListAwaitingStock(ctx context.Context, itemID, baseID uuid.UUID) ([]models.StockRequest, error)
	// UpdateCAS writes the record's current field values guarded by the
	// expected version. It returns false (and writes nothing) when another
	// writer got there first.
	UpdateCAS(ctx context.Context, req *models.StockRequest, expectedVersion int) (bool, error)
	NextRequestNumber(ctx context.Context) (int64, error)
}

// StockRepository is the inventory ledger: the per-item, per-base counter
type StockRepository interface {
	GetQuantity(ctx context.Context, itemID, baseID uuid.UUID) (int, error)
	// DecrementIfAvailable atomically subtracts qty when the current
	// quantity can satisfy it. Returns false when stock is insufficient.
	DecrementIfAvailable(ctx context.Context, itemID, baseID uuid.UUID, qty int) (bool, error)
	Increment(ctx context.Context, itemID, baseID uuid.UUID, qty int) error
	RecordMovement(ctx context.Context, movement *models.StockMovement) error
}

// ItemRepository provides access to item reference data
type ItemRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Item, error)
}

// EmployeeRepository provides access to employee reference data
type EmployeeRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Employee, error)
}

// requestRepository implements RequestRepository on GORM
type requestRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewRequestRepository creates a new request repository
func NewRequestRepository(db *gorm.DB, readOnlyDB *gorm.DB) RequestRepository {
	return &requestRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Create inserts a new stock request
func (r *requestRepository) Create(ctx context.Context, req *models.StockRequest) error {
	// Use write DB for writes
	return r.db.WithContext(ctx).Create(req).Error
}

// GetByID gets a stock request by ID
func (r *requestRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.StockRequest, error) {
	var req models.StockRequest
	// Reads go to the write DB here: mutating operations must see the
	// latest committed version for the CAS to be meaningful.
	err := r.db.WithContext(ctx).
		Preload("Item").
		Preload("Requester").
		Preload("Recipient").
		Preload("Team").
		First(&req, "id = ?", id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get stock request by ID")
	}
	return &req, nil
}

// ListFiltered lists stock requests matching the filter
func (r *requestRepository) ListFiltered(ctx context.Context, filter RequestFilter) ([]models.StockRequest, error) {
	// Use read-only DB for reads
	q := r.readOnlyDB.WithContext(ctx).
		Model(&models.StockRequest{}).
		Preload("Item").
		Preload("Requester").
		Preload("Recipient").
		Preload("Team")

	if filter.From != nil {
		q = q.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		q = q.Where("created_at <= ?", *filter.To)
	}
	if len(filter.BaseIDs) > 0 {
		q = q.Where("base_id IN ?", filter.BaseIDs)
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var requests []models.StockRequest
	err := q.Order("created_at DESC, request_number DESC").Find(&requests).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stock requests")
	}
	return requests, nil
}

// ListAwaitingStock lists awaiting_stock requests for an item and base,
// oldest first so stock intake serves the longest-waiting request first
func (r *requestRepository) ListAwaitingStock(ctx context.Context, itemID, baseID uuid.UUID) ([]models.StockRequest, error) {
	var requests []models.StockRequest
	err := r.db.WithContext(ctx).
		Where("status = ? AND item_id = ? AND base_id = ?", models.StatusAwaitingStock, itemID, baseID).
		Order("created_at ASC").
		Find(&requests).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list awaiting-stock requests")
	}
	return requests, nil
}

// UpdateCAS applies the record's mutable fields with a compare-and-swap on
// the version counter. RowsAffected == 0 means the swap was lost.
func (r *requestRepository) UpdateCAS(ctx context.Context, req *models.StockRequest, expectedVersion int) (bool, error) {
	updates := map[string]interface{}{
		"approved_qty":          req.ApprovedQty,
		"delivered_qty":         req.DeliveredQty,
		"warehouse_approved_by": req.WarehouseApprovedBy,
		"warehouse_approved_at": req.WarehouseApprovedAt,
		"safety_approved_by":    req.SafetyApprovedBy,
		"safety_approved_at":    req.SafetyApprovedAt,
		"status":                req.Status,
		"rejection_reason":      req.RejectionReason,
		"emergency_approval":    req.EmergencyApproval,
		"notes":                 req.Notes,
		"version":               expectedVersion + 1,
		"updated_at":            time.Now(),
	}

	result := r.db.WithContext(ctx).
		Model(&models.StockRequest{}).
		Where("id = ? AND version = ?", req.ID, expectedVersion).
		Updates(updates)

	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to update stock request")
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	req.Version = expectedVersion + 1
	return true, nil
}

// NextRequestNumber returns the next sequential display number. The unique
// index on request_number surfaces the rare concurrent-create collision as
// an insert error rather than a silent duplicate.
func (r *requestRepository) NextRequestNumber(ctx context.Context) (int64, error) {
	var max int64
	err := r.db.WithContext(ctx).
		Model(&models.StockRequest{}).
		Select("COALESCE(MAX(request_number), 0)").
		Scan(&max).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to compute next request number")
	}
	return max + 1, nil
}

// stockRepository implements StockRepository on GORM
type stockRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewStockRepository creates a new stock repository
func NewStockRepository(db *gorm.DB, readOnlyDB *gorm.DB) StockRepository {
	return &stockRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetQuantity reads the current stock quantity for an item at a base.
// A missing row counts as zero stock.
func (r *stockRepository) GetQuantity(ctx context.Context, itemID, baseID uuid.UUID) (int, error) {
	var level models.StockLevel
	err := r.db.WithContext(ctx).
		Where("item_id = ? AND base_id = ?", itemID, baseID).
		First(&level).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "failed to read stock level")
	}
	return level.Quantity, nil
}

// DecrementIfAvailable performs the atomic conditional decrement. The
// sufficiency check happens inside the UPDATE itself so a concurrent
// delivery cannot drive the counter negative.
func (r *stockRepository) DecrementIfAvailable(ctx context.Context, itemID, baseID uuid.UUID, qty int) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.StockLevel{}).
		Where("item_id = ? AND base_id = ? AND quantity >= ?", itemID, baseID, qty).
		Updates(map[string]interface{}{
			"quantity":   gorm.Expr("quantity - ?", qty),
			"updated_at": time.Now(),
		})

	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to decrement stock level")
	}
	return result.RowsAffected > 0, nil
}

// Increment adds stock for an item at a base, creating the level row on
// first intake
func (r *stockRepository) Increment(ctx context.Context, itemID, baseID uuid.UUID, qty int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.StockLevel{}).
			Where("item_id = ? AND base_id = ?", itemID, baseID).
			Updates(map[string]interface{}{
				"quantity":   gorm.Expr("quantity + ?", qty),
				"updated_at": time.Now(),
			})
		if result.Error != nil {
			return errors.Wrap(result.Error, "failed to increment stock level")
		}
		if result.RowsAffected > 0 {
			return nil
		}

		level := &models.StockLevel{
			ID:       uuid.New(),
			ItemID:   itemID,
			BaseID:   baseID,
			Quantity: qty,
		}
		if err := tx.Create(level).Error; err != nil {
			return errors.Wrap(err, "failed to create stock level")
		}
		return nil
	})
}

// RecordMovement writes a stock movement audit row
func (r *stockRepository) RecordMovement(ctx context.Context, movement *models.StockMovement) error {
	return r.db.WithContext(ctx).Create(movement).Error
}

// itemRepository implements ItemRepository on GORM
type itemRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewItemRepository creates a new item repository
func NewItemRepository(db *gorm.DB, readOnlyDB *gorm.DB) ItemRepository {
	return &itemRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetByID gets an item by ID
func (r *itemRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Item, error) {
	var item models.Item
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).First(&item, "id = ?", id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get item by ID")
	}
	return &item, nil
}

// employeeRepository implements EmployeeRepository on GORM
type employeeRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewEmployeeRepository creates a new employee repository
func NewEmployeeRepository(db *gorm.DB, readOnlyDB *gorm.DB) EmployeeRepository {
	return &employeeRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// GetByID gets an employee by ID
func (r *employeeRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Employee, error) {
	var employee models.Employee
	// Use read-only DB for reads
	err := r.readOnlyDB.WithContext(ctx).First(&employee, "id = ?", id).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to get employee by ID")
	}
	return &employee, nil
}
