package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"example.com/warehouse/services/requisition/internal/models"
	"example.com/warehouse/services/requisition/internal/tracing"
)

func newQueryEnv() (*QueryService, *memRequestRepo) {
	repo := newMemRequestRepo()
	query := NewQueryService(repo, nil, nil, tracing.NewNoopTracer())
	return query, repo
}

// memSearchClient records the last query and plays back canned hits
type memSearchClient struct {
	lastQuery map[string]interface{}
	hits      []map[string]interface{}
}

func (c *memSearchClient) IndexRequest(ctx context.Context, req *models.StockRequest) error {
	return nil
}

func (c *memSearchClient) SearchRequests(ctx context.Context, query map[string]interface{}) ([]map[string]interface{}, error) {
	c.lastQuery = query
	return c.hits, nil
}

func seedRequest(repo *memRequestRepo, baseID uuid.UUID, status string, itemName string) models.StockRequest {
	repo.nextNum++
	recipient := uuid.New()
	req := models.StockRequest{
		ID:                  uuid.New(),
		CreatedAt:           time.Now(),
		RequestNumber:       repo.nextNum,
		RecipientType:       models.RecipientEmployee,
		RecipientEmployeeID: &recipient,
		ItemID:              uuid.New(),
		BaseID:              baseID,
		RequesterID:         uuid.New(),
		RequestedQty:        1,
		ExchangeType:        models.ExchangeTypeSupply,
		Reason:              "seeded",
		Status:              status,
		Priority:            models.PriorityNormal,
	}
	if itemName != "" {
		req.Item = &models.Item{ID: req.ItemID, Name: itemName, Code: "SKU-" + itemName}
	}
	repo.requests[req.ID] = req
	return req
}

func TestListRequestsScopedToAuthorizedBases(t *testing.T) {
	query, repo := newQueryEnv()
	visible := uuid.New()
	hidden := uuid.New()

	seedRequest(repo, visible, models.StatusPending, "")
	seedRequest(repo, visible, models.StatusApproved, "")
	seedRequest(repo, hidden, models.StatusPending, "")

	scope := AuthScope{CallerID: uuid.New(), AuthorizedBases: []uuid.UUID{visible}}
	requests, err := query.ListRequests(context.Background(), scope, QueryFilter{})
	require.NoError(t, err)
	require.Len(t, requests, 2)
	for _, req := range requests {
		require.Equal(t, visible, req.BaseID)
	}
}

func TestListRequestsEmptyScopeSeesNothing(t *testing.T) {
	query, repo := newQueryEnv()
	seedRequest(repo, uuid.New(), models.StatusPending, "")

	scope := AuthScope{CallerID: uuid.New()}
	requests, err := query.ListRequests(context.Background(), scope, QueryFilter{})
	require.NoError(t, err)
	require.Empty(t, requests)
}

func TestListRequestsUnrestrictedSeesEverything(t *testing.T) {
	query, repo := newQueryEnv()
	seedRequest(repo, uuid.New(), models.StatusPending, "")
	seedRequest(repo, uuid.New(), models.StatusDelivered, "")

	scope := AuthScope{CallerID: uuid.New(), Unrestricted: true}
	requests, err := query.ListRequests(context.Background(), scope, QueryFilter{})
	require.NoError(t, err)
	require.Len(t, requests, 2)
}

func TestListRequestsIntersectsRequestedAndAuthorizedBases(t *testing.T) {
	query, repo := newQueryEnv()
	authorized := uuid.New()
	alsoAuthorized := uuid.New()
	forbidden := uuid.New()

	seedRequest(repo, authorized, models.StatusPending, "")
	seedRequest(repo, alsoAuthorized, models.StatusPending, "")
	seedRequest(repo, forbidden, models.StatusPending, "")

	scope := AuthScope{CallerID: uuid.New(), AuthorizedBases: []uuid.UUID{authorized, alsoAuthorized}}

	// Asking for an authorized base and a forbidden one yields only the
	// authorized one.
	requests, err := query.ListRequests(context.Background(), scope, QueryFilter{
		BaseIDs: []uuid.UUID{authorized, forbidden},
	})
	require.NoError(t, err)
	require.Len(t, requests, 1)
	require.Equal(t, authorized, requests[0].BaseID)

	// Asking only for forbidden bases yields nothing, not an error
	requests, err = query.ListRequests(context.Background(), scope, QueryFilter{
		BaseIDs: []uuid.UUID{forbidden},
	})
	require.NoError(t, err)
	require.Empty(t, requests)
}

func TestListRequestsStatusFilter(t *testing.T) {
	query, repo := newQueryEnv()
	baseID := uuid.New()
	seedRequest(repo, baseID, models.StatusPending, "")
	seedRequest(repo, baseID, models.StatusPending, "")
	seedRequest(repo, baseID, models.StatusDelivered, "")

	scope := AuthScope{Unrestricted: true}
	requests, err := query.ListRequests(context.Background(), scope, QueryFilter{
		Statuses: []string{models.StatusPending},
	})
	require.NoError(t, err)
	require.Len(t, requests, 2)
}

func TestListRequestsFreeTextSearch(t *testing.T) {
	query, repo := newQueryEnv()
	baseID := uuid.New()
	seedRequest(repo, baseID, models.StatusPending, "Hydraulic Pump")
	seedRequest(repo, baseID, models.StatusPending, "Safety Harness")

	scope := AuthScope{Unrestricted: true}
	requests, err := query.ListRequests(context.Background(), scope, QueryFilter{Search: "hydraulic"})
	require.NoError(t, err)
	require.Len(t, requests, 1)
	require.Equal(t, "Hydraulic Pump", requests[0].Item.Name)

	// Search never widens the scope
	restricted := AuthScope{CallerID: uuid.New()}
	requests, err = query.ListRequests(context.Background(), restricted, QueryFilter{Search: "hydraulic"})
	require.NoError(t, err)
	require.Empty(t, requests)
}

func TestCountByStatusAgreesWithList(t *testing.T) {
	query, repo := newQueryEnv()
	baseID := uuid.New()
	otherBase := uuid.New()

	seedRequest(repo, baseID, models.StatusPending, "")
	seedRequest(repo, baseID, models.StatusPending, "")
	seedRequest(repo, baseID, models.StatusApproved, "")
	seedRequest(repo, baseID, models.StatusDelivered, "")
	seedRequest(repo, otherBase, models.StatusPending, "")

	scope := AuthScope{CallerID: uuid.New(), AuthorizedBases: []uuid.UUID{baseID}}
	filter := QueryFilter{}

	counts, err := query.CountByStatus(context.Background(), scope, filter)
	require.NoError(t, err)

	// Every count must match a list filtered to that status under the
	// same scope.
	total := 0
	for status, count := range counts {
		statusFilter := filter
		statusFilter.Statuses = []string{status}
		listed, err := query.ListRequests(context.Background(), scope, statusFilter)
		require.NoError(t, err)
		require.Len(t, listed, count, "count and list disagree for %s", status)
		total += count
	}

	all, err := query.ListRequests(context.Background(), scope, filter)
	require.NoError(t, err)
	require.Len(t, all, total)
}

func TestSearchWithLimitStillFindsLateMatches(t *testing.T) {
	query, repo := newQueryEnv()
	baseID := uuid.New()

	// Three non-matching records plus one match. If the page limit leaked
	// into the store query it could truncate the candidate set to rows
	// that never reach the text filter.
	seedRequest(repo, baseID, models.StatusPending, "Safety Harness")
	seedRequest(repo, baseID, models.StatusPending, "Work Gloves")
	seedRequest(repo, baseID, models.StatusPending, "Hard Hat")
	seedRequest(repo, baseID, models.StatusPending, "Hydraulic Pump")

	scope := AuthScope{Unrestricted: true}
	filter := QueryFilter{Search: "hydraulic", Limit: 2}

	listed, err := query.ListRequests(context.Background(), scope, filter)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, "Hydraulic Pump", listed[0].Item.Name)

	// The store saw no limit; the cap applies after text filtering
	require.Zero(t, repo.lastFilter.Limit)

	counts, err := query.CountByStatus(context.Background(), scope, filter)
	require.NoError(t, err)
	require.Equal(t, len(listed), counts[models.StatusPending])
}

func TestCountByStatusIgnoresPageLimit(t *testing.T) {
	query, repo := newQueryEnv()
	baseID := uuid.New()
	for i := 0; i < 5; i++ {
		seedRequest(repo, baseID, models.StatusPending, "")
	}

	scope := AuthScope{Unrestricted: true}
	counts, err := query.CountByStatus(context.Background(), scope, QueryFilter{Limit: 2})
	require.NoError(t, err)
	require.Equal(t, 5, counts[models.StatusPending])

	listed, err := query.ListRequests(context.Background(), scope, QueryFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, listed, 2)
}

func TestSearchIndexedScopesToAuthorizedBases(t *testing.T) {
	repo := newMemRequestRepo()
	client := &memSearchClient{hits: []map[string]interface{}{{"id": uuid.New().String()}}}
	query := NewQueryService(repo, nil, client, tracing.NewNoopTracer())

	baseID := uuid.New()
	scope := AuthScope{CallerID: uuid.New(), AuthorizedBases: []uuid.UUID{baseID}}

	hits, err := query.SearchIndexed(context.Background(), scope, "pump")
	require.NoError(t, err)
	require.Len(t, hits, 1)

	// The index query carries the base restriction
	boolQuery := client.lastQuery["query"].(map[string]interface{})["bool"].(map[string]interface{})
	filters := boolQuery["filter"].([]map[string]interface{})
	terms := filters[0]["terms"].(map[string]interface{})["base_id"].([]string)
	require.Equal(t, []string{baseID.String()}, terms)

	// An unrestricted caller sends no base filter
	_, err = query.SearchIndexed(context.Background(), AuthScope{Unrestricted: true}, "pump")
	require.NoError(t, err)
	boolQuery = client.lastQuery["query"].(map[string]interface{})["bool"].(map[string]interface{})
	require.NotContains(t, boolQuery, "filter")
}

func TestSearchIndexedEmptyScopeAndMissingClient(t *testing.T) {
	repo := newMemRequestRepo()
	client := &memSearchClient{}
	query := NewQueryService(repo, nil, client, tracing.NewNoopTracer())

	// No authorized bases: nothing visible, the index is never queried
	hits, err := query.SearchIndexed(context.Background(), AuthScope{CallerID: uuid.New()}, "pump")
	require.NoError(t, err)
	require.Empty(t, hits)
	require.Nil(t, client.lastQuery)

	noClient, _ := newQueryEnv()
	_, err = noClient.SearchIndexed(context.Background(), AuthScope{Unrestricted: true}, "pump")
	require.ErrorIs(t, err, ErrSearchUnavailable)
}

func TestDedupeByIDKeepsLastSeen(t *testing.T) {
	id := uuid.New()
	stale := models.StockRequest{ID: id, Status: models.StatusPending}
	fresh := models.StockRequest{ID: id, Status: models.StatusApproved}
	other := models.StockRequest{ID: uuid.New(), Status: models.StatusPending}

	deduped := dedupeByID([]models.StockRequest{stale, other, fresh})
	require.Len(t, deduped, 2)
	require.Equal(t, models.StatusApproved, deduped[0].Status)
}
