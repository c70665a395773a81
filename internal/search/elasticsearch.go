package search

import (
	"bytes"
	"context"
	"encoding/json"

	"example.com/warehouse/services/requisition/config"
	"example.com/warehouse/services/requisition/internal/models"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Client indexes and searches stock request documents
type Client interface {
	IndexRequest(ctx context.Context, req *models.StockRequest) error
	SearchRequests(ctx context.Context, query map[string]interface{}) ([]map[string]interface{}, error)
}

// ElasticClient implements Client against Elasticsearch
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	esConfig := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client: client,
		config: cfg,
	}, nil
}

// IndexRequest indexes a stock request document. The document id is the
// request id so every state transition overwrites the previous version.
func (c *ElasticClient) IndexRequest(ctx context.Context, req *models.StockRequest) error {
	doc := map[string]interface{}{
		"id":             req.ID.String(),
		"request_number": req.RequestNumber,
		"status":         req.Status,
		"item_id":        req.ItemID.String(),
		"base_id":        req.BaseID.String(),
		"requester_id":   req.RequesterID.String(),
		"recipient_type": req.RecipientType,
		"exchange_type":  req.ExchangeType,
		"priority":       req.Priority,
		"emergency":      req.EmergencyApproval,
		"requested_qty":  req.RequestedQty,
		"approved_qty":   req.ApprovedQty,
		"delivered_qty":  req.DeliveredQty,
		"reason":         req.Reason,
		"created_at":     req.CreatedAt,
		"updated_at":     req.UpdatedAt,
	}
	if req.Item != nil {
		doc["item_name"] = req.Item.Name
		doc["item_code"] = req.Item.Code
	}
	if req.Requester != nil {
		doc["requester_name"] = req.Requester.Name
	}
	if req.Recipient != nil {
		doc["recipient_name"] = req.Recipient.Name
	}
	if req.Team != nil {
		doc["team_name"] = req.Team.Name
	}

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal request document")
	}

	indexName := config.FormatIndex(c.config, c.config.Index)
	request := esapi.IndexRequest{
		Index:      indexName,
		DocumentID: req.ID.String(),
		Body:       bytes.NewReader(docJSON),
		Refresh:    "true",
	}

	res, err := request.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return errors.Errorf("Elasticsearch index error: %v", e)
	}

	log.Debug().Str("request_id", req.ID.String()).Msg("stock request indexed")
	return nil
}

// SearchRequests searches stock request documents with the given query
func (c *ElasticClient) SearchRequests(ctx context.Context, query map[string]interface{}) ([]map[string]interface{}, error) {
	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search query")
	}

	indexName := config.FormatIndex(c.config, c.config.Index)
	req := esapi.SearchRequest{
		Index: []string{indexName},
		Body:  bytes.NewReader(queryJSON),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Elasticsearch search request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return nil, errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return nil, errors.Errorf("Elasticsearch search error: %v", e)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to parse Elasticsearch search response")
	}

	hits, ok := result["hits"].(map[string]interface{})
	if !ok {
		return nil, errors.New("unexpected search result format")
	}

	hitsArray, ok := hits["hits"].([]interface{})
	if !ok {
		return nil, errors.New("unexpected hits format")
	}

	var docs []map[string]interface{}
	for _, hit := range hitsArray {
		hitMap, ok := hit.(map[string]interface{})
		if !ok {
			continue
		}

		source, ok := hitMap["_source"].(map[string]interface{})
		if !ok {
			continue
		}

		docs = append(docs, source)
	}

	return docs, nil
}
