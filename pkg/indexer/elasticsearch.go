// SPDX-License-Identifier: Apache-2.0

package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cloudflare/backoff"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// ElasticsearchConfig configures an Elasticsearch-backed BulkIndexer.
type ElasticsearchConfig struct {
	Addresses      []string
	Username       string
	Password       string
	APIKey         string
	Index          string
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Elasticsearch implements BulkIndexer over go-elasticsearch/v8's bulk
// and delete-by-query APIs.
type Elasticsearch struct {
	client         *elasticsearch.Client
	index          string
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewElasticsearch constructs a client and verifies connectivity with
// an info request, the same liveness check the pack's own
// Elasticsearch source performs before returning.
func NewElasticsearch(ctx context.Context, cfg ElasticsearchConfig) (*Elasticsearch, error) {
	esCfg := elasticsearch.Config{
		Addresses: cfg.Addresses,
		Header:    http.Header{"User-Agent": []string{"pgsync/1.0 go-elasticsearch/" + elasticsearch.Version}},
	}
	switch {
	case cfg.Username != "" && cfg.Password != "":
		esCfg.Username = cfg.Username
		esCfg.Password = cfg.Password
	case cfg.APIKey != "":
		esCfg.APIKey = cfg.APIKey
	default:
		return nil, fmt.Errorf("indexer: elasticsearch requires either username/password or an api key")
	}

	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("indexer: building elasticsearch client: %w", err)
	}

	res, err := esapi.InfoRequest{}.Do(ctx, client)
	if err != nil {
		return nil, RetryableError{Err: err}
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("indexer: elasticsearch connection failed: status %d", res.StatusCode)
	}

	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = 2 * time.Second
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 600 * time.Second
	}

	return &Elasticsearch{client: client, index: cfg.Index, maxRetries: cfg.MaxRetries, initialBackoff: initial, maxBackoff: maxBackoff}, nil
}

// Retry resubmits docs using the configured backoff bounds. It makes at
// most MaxRetries+1 attempts (with MaxRetries <= 0, attempts continue
// until ctx is done) and stops early on the first response with no
// retryable item failure, or on a FatalError.
func (e *Elasticsearch) Retry(ctx context.Context, docs []Document) (BulkResult, error) {
	return retryBulk(ctx, e.maxRetries, e.initialBackoff, e.maxBackoff, func() (BulkResult, error) {
		return e.Index(ctx, docs)
	})
}

// RetryDeletes resubmits a delete-by-id batch with the same backoff
// policy as Retry.
func (e *Elasticsearch) RetryDeletes(ctx context.Context, ids []string) (BulkResult, error) {
	return retryBulk(ctx, e.maxRetries, e.initialBackoff, e.maxBackoff, func() (BulkResult, error) {
		return e.DeleteByID(ctx, ids)
	})
}

func retryBulk(ctx context.Context, maxRetries int, initial, maxBackoff time.Duration, attempt func() (BulkResult, error)) (BulkResult, error) {
	b := backoff.New(maxBackoff, initial)
	var result BulkResult
	var err error
	for i := 0; maxRetries <= 0 || i <= maxRetries; i++ {
		result, err = attempt()
		if err == nil && !result.AnyRetryable() {
			return result, nil
		}
		var fatal FatalError
		if errors.As(err, &fatal) {
			return result, err
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}
	return result, err
}

// Index bulk-upserts docs, using each Document's ID as the Elasticsearch
// document id so replays are idempotent.
func (e *Elasticsearch) Index(ctx context.Context, docs []Document) (BulkResult, error) {
	if len(docs) == 0 {
		return BulkResult{}, nil
	}
	var body bytes.Buffer
	for _, doc := range docs {
		meta := bulkMeta{Index: &bulkMetaTarget{Index: e.index, ID: doc.ID}}
		if err := writeBulkLine(&body, meta); err != nil {
			return BulkResult{}, err
		}
		body.Write(doc.Source)
		body.WriteByte('\n')
	}
	return e.submit(ctx, &body)
}

// DeleteByID bulk-deletes documents by id, used for root-table DELETE
// events.
func (e *Elasticsearch) DeleteByID(ctx context.Context, ids []string) (BulkResult, error) {
	if len(ids) == 0 {
		return BulkResult{}, nil
	}
	var body bytes.Buffer
	for _, id := range ids {
		meta := bulkMeta{Delete: &bulkMetaTarget{Index: e.index, ID: id}}
		if err := writeBulkLine(&body, meta); err != nil {
			return BulkResult{}, err
		}
	}
	return e.submit(ctx, &body)
}

// DeleteByQuery removes every document matching query, used for
// TRUNCATE on the root table.
func (e *Elasticsearch) DeleteByQuery(ctx context.Context, query map[string]any) error {
	payload, err := json.Marshal(map[string]any{"query": query})
	if err != nil {
		return fmt.Errorf("indexer: encoding delete-by-query body: %w", err)
	}
	res, err := esapi.DeleteByQueryRequest{
		Index: []string{e.index},
		Body:  bytes.NewReader(payload),
	}.Do(ctx, e.client)
	if err != nil {
		return RetryableError{Err: err}
	}
	defer res.Body.Close()
	if res.IsError() {
		return classifyWholeRequestError(res.StatusCode)
	}
	return nil
}

func (e *Elasticsearch) submit(ctx context.Context, body *bytes.Buffer) (BulkResult, error) {
	res, err := esapi.BulkRequest{Body: bytes.NewReader(body.Bytes())}.Do(ctx, e.client)
	if err != nil {
		return BulkResult{}, RetryableError{Err: err}
	}
	defer res.Body.Close()
	if res.IsError() {
		return BulkResult{}, classifyWholeRequestError(res.StatusCode)
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return BulkResult{}, fmt.Errorf("indexer: decoding bulk response: %w", err)
	}
	return parsed.toResult(), nil
}

func classifyWholeRequestError(statusCode int) error {
	if ClassifyStatus(statusCode) == ItemRetryable {
		return RetryableError{Err: fmt.Errorf("status %d", statusCode)}
	}
	return FatalError{Err: fmt.Errorf("status %d", statusCode)}
}

type bulkMetaTarget struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

type bulkMeta struct {
	Index  *bulkMetaTarget `json:"index,omitempty"`
	Delete *bulkMetaTarget `json:"delete,omitempty"`
}

func writeBulkLine(body *bytes.Buffer, meta bulkMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("indexer: encoding bulk action line: %w", err)
	}
	body.Write(data)
	body.WriteByte('\n')
	return nil
}

type bulkResponse struct {
	Errors bool                        `json:"errors"`
	Items  []map[string]bulkItemResult `json:"items"`
}

type bulkItemResult struct {
	ID     string          `json:"_id"`
	Status int             `json:"status"`
	Error  json.RawMessage `json:"error,omitempty"`
}

func (r bulkResponse) toResult() BulkResult {
	result := BulkResult{Items: make([]ItemResult, 0, len(r.Items))}
	for _, item := range r.Items {
		for _, outcome := range item {
			status := ClassifyStatus(outcome.Status)
			ir := ItemResult{ID: outcome.ID, Status: status, Code: outcome.Status}
			if status != ItemSuccess && len(outcome.Error) > 0 {
				ir.Err = fmt.Errorf("indexer: item %s: %s", outcome.ID, string(outcome.Error))
			}
			result.Items = append(result.Items, ir)
		}
	}
	return result
}
