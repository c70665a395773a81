package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"example.com/warehouse/services/requisition/internal/models"
	"example.com/warehouse/services/requisition/internal/tracing"
)

func newBatchEnv() (*BatchService, *testEnv) {
	env := newTestEnv()
	batch := NewBatchService(env.service, nil, tracing.NewNoopTracer())
	return batch, env
}

func batchRecipient() BatchRecipient {
	recipient := uuid.New()
	return BatchRecipient{
		RecipientType:       models.RecipientEmployee,
		RecipientEmployeeID: &recipient,
	}
}

func TestCreateBatchAllLinesSucceed(t *testing.T) {
	batch, env := newBatchEnv()
	baseID := uuid.New()

	lines := []BatchLine{
		{ItemID: uuid.New(), Quantity: 2, ExchangeType: models.ExchangeTypeSupply, Reason: "restock"},
		{ItemID: uuid.New(), Quantity: 1, ExchangeType: models.ExchangeTypeSupply, Reason: "restock"},
		{ItemID: uuid.New(), Quantity: 4, ExchangeType: models.ExchangeTypeSupply, Reason: "restock"},
	}

	result := batch.CreateBatch(context.Background(), lines, batchRecipient(),
		baseID, uuid.New(), models.PriorityNormal, false, nil, "")

	require.Equal(t, 3, result.SuccessCount)
	require.Len(t, result.RequestIDs, 3)
	require.Empty(t, result.Failures)

	for _, id := range result.RequestIDs {
		req, err := env.service.GetRequest(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, models.StatusPending, req.Status)
		require.Equal(t, baseID, req.BaseID)
	}
}

func TestCreateBatchIsolatesLineFailures(t *testing.T) {
	batch, env := newBatchEnv()
	baseID := uuid.New()

	lines := []BatchLine{
		{ItemID: uuid.New(), Quantity: 1, ExchangeType: models.ExchangeTypeSupply, Reason: "restock"},
		{ItemID: uuid.New(), Quantity: 2, ExchangeType: models.ExchangeTypeSupply, Reason: "restock"},
		{ItemID: uuid.New(), Quantity: 0, ExchangeType: models.ExchangeTypeSupply, Reason: "restock"},
		{ItemID: uuid.New(), Quantity: 3, ExchangeType: models.ExchangeTypeSupply, Reason: "restock"},
		{ItemID: uuid.New(), Quantity: 4, ExchangeType: models.ExchangeTypeSupply, Reason: "restock"},
	}

	result := batch.CreateBatch(context.Background(), lines, batchRecipient(),
		baseID, uuid.New(), models.PriorityNormal, false, nil, "")

	require.Equal(t, 4, result.SuccessCount)
	require.Len(t, result.RequestIDs, 4)
	require.Len(t, result.Failures, 1)
	require.Equal(t, 3, result.Failures[0].Line)
	require.Nil(t, result.Failures[0].RequestID)

	// The four valid lines all landed
	all, err := env.requestRepo.ListFiltered(context.Background(), listAll())
	require.NoError(t, err)
	require.Len(t, all, 4)
}

func TestCreateBatchEmergencyStampsBothGates(t *testing.T) {
	batch, env := newBatchEnv()
	baseID := uuid.New()
	requester := uuid.New()

	itemID := uuid.New()
	env.stockRepo.set(itemID, baseID, 50)

	signature := []byte{0x89, 0x50, 0x4e, 0x47}
	lines := []BatchLine{
		{ItemID: itemID, Quantity: 2, ExchangeType: models.ExchangeTypeSupply, Reason: "site outage"},
	}

	result := batch.CreateBatch(context.Background(), lines, batchRecipient(),
		baseID, requester, models.PriorityEmergency, true, signature, "J. Okoye")

	require.Equal(t, 1, result.SuccessCount)
	require.Empty(t, result.Failures)

	req, err := env.service.GetRequest(context.Background(), result.RequestIDs[0])
	require.NoError(t, err)
	require.Equal(t, models.StatusApproved, req.Status)
	require.True(t, req.EmergencyApproval)
	require.Equal(t, models.PriorityEmergency, req.Priority)

	// Two distinct stamps with the same actor, both timestamps present
	require.NotNil(t, req.WarehouseApprovedBy)
	require.NotNil(t, req.SafetyApprovedBy)
	require.Equal(t, requester, *req.WarehouseApprovedBy)
	require.Equal(t, requester, *req.SafetyApprovedBy)
	require.NotNil(t, req.WarehouseApprovedAt)
	require.NotNil(t, req.SafetyApprovedAt)
	require.Equal(t, signature, req.SignatureBlob)
	require.Equal(t, "J. Okoye", req.SignerName)
}

func TestCreateBatchEmergencyWithoutStockWaits(t *testing.T) {
	batch, env := newBatchEnv()
	baseID := uuid.New()
	itemID := uuid.New()

	lines := []BatchLine{
		{ItemID: itemID, Quantity: 5, ExchangeType: models.ExchangeTypeSupply, Reason: "site outage"},
	}

	result := batch.CreateBatch(context.Background(), lines, batchRecipient(),
		baseID, uuid.New(), models.PriorityEmergency, true, nil, "")

	// The emergency path still respects the stock gate
	require.Equal(t, 1, result.SuccessCount)
	req, err := env.service.GetRequest(context.Background(), result.RequestIDs[0])
	require.NoError(t, err)
	require.Equal(t, models.StatusAwaitingStock, req.Status)
	require.True(t, req.EmergencyApproval)
}
