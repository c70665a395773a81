package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"example.com/warehouse/services/requisition/internal/cache"
	"example.com/warehouse/services/requisition/internal/models"
	"example.com/warehouse/services/requisition/internal/repositories"
	"example.com/warehouse/services/requisition/internal/search"
	"example.com/warehouse/services/requisition/internal/tracing"
)

// countsCacheTTL bounds how stale a cached dashboard count may be
const countsCacheTTL = 30 * time.Second

// AuthScope is the caller's authorization context: which bases the caller
// may see, or everything when unrestricted.
type AuthScope struct {
	CallerID        uuid.UUID
	AuthorizedBases []uuid.UUID
	Unrestricted    bool
}

// allows reports whether the scope covers the given base
func (a AuthScope) allows(baseID uuid.UUID) bool {
	if a.Unrestricted {
		return true
	}
	for _, id := range a.AuthorizedBases {
		if id == baseID {
			return true
		}
	}
	return false
}

// QueryFilter is the caller-facing filter for listing and counting
type QueryFilter struct {
	From     *time.Time
	To       *time.Time
	BaseIDs  []uuid.UUID
	Statuses []string
	Search   string
	Limit    int
}

// QueryService computes the dashboard views: filtered request lists and
// per-status counts. Both run over the same fetched, scoped, deduplicated
// set so displayed counts and displayed lists never disagree.
type QueryService struct {
	requestRepo repositories.RequestRepository
	cache       *cache.RedisCache
	search      search.Client
	tracer      tracing.Tracer
}

// NewQueryService creates a new query service. The search client is
// optional; without it the index-backed search reports unavailable.
func NewQueryService(requestRepo repositories.RequestRepository, redisCache *cache.RedisCache, searchClient search.Client, tracer tracing.Tracer) *QueryService {
	if tracer == nil {
		tracer = tracing.NewNoopTracer()
	}
	return &QueryService{
		requestRepo: requestRepo,
		cache:       redisCache,
		search:      searchClient,
		tracer:      tracer,
	}
}

// ListRequests returns the requests visible to the caller under the filter,
// newest first, deduplicated by id
func (s *QueryService) ListRequests(ctx context.Context, scope AuthScope, filter QueryFilter) ([]models.StockRequest, error) {
	txn := s.tracer.StartTransaction("list-requests")
	defer s.tracer.EndTransaction(txn)

	return s.fetchScoped(ctx, scope, filter)
}

// CountByStatus returns a status → count map under the same predicates as
// ListRequests. Counts are cached briefly per scope and filter.
func (s *QueryService) CountByStatus(ctx context.Context, scope AuthScope, filter QueryFilter) (map[string]int, error) {
	txn := s.tracer.StartTransaction("count-requests-by-status")
	defer s.tracer.EndTransaction(txn)

	cacheKey := countsCacheKey(scope, filter)
	if s.cache != nil {
		var cached map[string]int
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			return cached, nil
		}
	}

	// Counting does not apply the list limit: the count covers the whole
	// filtered set, not one page of it.
	countFilter := filter
	countFilter.Limit = 0

	requests, err := s.fetchScoped(ctx, scope, countFilter)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, req := range requests {
		counts[req.Status]++
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, counts, countsCacheTTL); err != nil {
			log.Warn().Err(err).Msg("Failed to cache status counts")
		}
	}

	return counts, nil
}

// SearchIndexed runs a free-text query against the search index under the
// caller's scope. The index lags writes slightly; the store-backed list is
// the authoritative view, this serves interactive lookup across document
// fields.
func (s *QueryService) SearchIndexed(ctx context.Context, scope AuthScope, text string) ([]map[string]interface{}, error) {
	txn := s.tracer.StartTransaction("search-requests-indexed")
	defer s.tracer.EndTransaction(txn)

	if s.search == nil {
		return nil, ErrSearchUnavailable
	}
	if !scope.Unrestricted && len(scope.AuthorizedBases) == 0 {
		return []map[string]interface{}{}, nil
	}

	boolQuery := map[string]interface{}{
		"must": []map[string]interface{}{
			{
				"multi_match": map[string]interface{}{
					"query": text,
					"fields": []string{
						"item_name", "item_code", "requester_name",
						"recipient_name", "team_name", "reason",
					},
				},
			},
		},
	}
	if !scope.Unrestricted {
		bases := make([]string, 0, len(scope.AuthorizedBases))
		for _, id := range scope.AuthorizedBases {
			bases = append(bases, id.String())
		}
		boolQuery["filter"] = []map[string]interface{}{
			{"terms": map[string]interface{}{"base_id": bases}},
		}
	}

	query := map[string]interface{}{
		"query": map[string]interface{}{"bool": boolQuery},
	}

	hits, err := s.search.SearchRequests(ctx, query)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}
	return hits, nil
}

// fetchScoped is the single filter path shared by listing and counting:
// store predicate, authorization scope, dedup, then client-side free-text.
func (s *QueryService) fetchScoped(ctx context.Context, scope AuthScope, filter QueryFilter) ([]models.StockRequest, error) {
	storeFilter := buildStoreFilter(scope, filter)
	if !scope.Unrestricted && len(storeFilter.BaseIDs) == 0 {
		// Caller has no authorized bases; nothing is visible.
		return []models.StockRequest{}, nil
	}

	requests, err := s.requestRepo.ListFiltered(ctx, storeFilter)
	if err != nil {
		return nil, err
	}

	requests = dedupeByID(requests)

	// The scope check runs per record as well: the store filter narrows,
	// this guarantees.
	scoped := requests[:0]
	for _, req := range requests {
		if scope.allows(req.BaseID) {
			scoped = append(scoped, req)
		}
	}

	if filter.Search != "" {
		scoped = filterByText(scoped, filter.Search)
	}

	if filter.Limit > 0 && len(scoped) > filter.Limit {
		scoped = scoped[:filter.Limit]
	}

	return scoped, nil
}

// buildStoreFilter translates the caller filter plus scope into the store
// predicate. Requested bases are intersected with the authorized set; an
// unrestricted caller passes its base filter through untouched. The page
// limit is never pushed into the store query: free-text matching and dedup
// run after the fetch, and a SQL LIMIT would truncate the candidate window
// before they see it.
func buildStoreFilter(scope AuthScope, filter QueryFilter) repositories.RequestFilter {
	baseIDs := filter.BaseIDs
	if !scope.Unrestricted {
		if len(baseIDs) == 0 {
			baseIDs = scope.AuthorizedBases
		} else {
			intersection := make([]uuid.UUID, 0, len(baseIDs))
			for _, requested := range baseIDs {
				if scope.allows(requested) {
					intersection = append(intersection, requested)
				}
			}
			baseIDs = intersection
		}
	}

	return repositories.RequestFilter{
		From:     filter.From,
		To:       filter.To,
		BaseIDs:  baseIDs,
		Statuses: filter.Statuses,
	}
}

// dedupeByID collapses records returned more than once through different
// join paths. Last seen wins.
func dedupeByID(requests []models.StockRequest) []models.StockRequest {
	byID := make(map[uuid.UUID]models.StockRequest, len(requests))
	order := make([]uuid.UUID, 0, len(requests))
	for _, req := range requests {
		if _, seen := byID[req.ID]; !seen {
			order = append(order, req.ID)
		}
		byID[req.ID] = req
	}

	deduped := make([]models.StockRequest, 0, len(order))
	for _, id := range order {
		deduped = append(deduped, byID[id])
	}
	return deduped
}

// filterByText matches case-insensitively against item name and code,
// requester name and recipient name, over the already-authorized set
func filterByText(requests []models.StockRequest, search string) []models.StockRequest {
	needle := strings.ToLower(search)
	matched := requests[:0]
	for _, req := range requests {
		if matchesText(&req, needle) {
			matched = append(matched, req)
		}
	}
	return matched
}

func matchesText(req *models.StockRequest, needle string) bool {
	if req.Item != nil {
		if strings.Contains(strings.ToLower(req.Item.Name), needle) ||
			strings.Contains(strings.ToLower(req.Item.Code), needle) {
			return true
		}
	}
	if req.Requester != nil && strings.Contains(strings.ToLower(req.Requester.Name), needle) {
		return true
	}
	if req.Recipient != nil && strings.Contains(strings.ToLower(req.Recipient.Name), needle) {
		return true
	}
	if req.Team != nil && strings.Contains(strings.ToLower(req.Team.Name), needle) {
		return true
	}
	return false
}

// countsCacheKey builds a deterministic cache key for a scope and filter
func countsCacheKey(scope AuthScope, filter QueryFilter) string {
	var b strings.Builder
	b.WriteString("request_counts:")
	if scope.Unrestricted {
		b.WriteString("all")
	} else {
		bases := make([]string, 0, len(scope.AuthorizedBases))
		for _, id := range scope.AuthorizedBases {
			bases = append(bases, id.String())
		}
		sort.Strings(bases)
		b.WriteString(strings.Join(bases, ","))
	}
	if filter.From != nil {
		fmt.Fprintf(&b, ":from=%d", filter.From.Unix())
	}
	if filter.To != nil {
		fmt.Fprintf(&b, ":to=%d", filter.To.Unix())
	}
	if len(filter.BaseIDs) > 0 {
		bases := make([]string, 0, len(filter.BaseIDs))
		for _, id := range filter.BaseIDs {
			bases = append(bases, id.String())
		}
		sort.Strings(bases)
		b.WriteString(":bases=" + strings.Join(bases, ","))
	}
	if len(filter.Statuses) > 0 {
		statuses := append([]string(nil), filter.Statuses...)
		sort.Strings(statuses)
		b.WriteString(":statuses=" + strings.Join(statuses, ","))
	}
	if filter.Search != "" {
		b.WriteString(":q=" + strings.ToLower(filter.Search))
	}
	return b.String()
}
