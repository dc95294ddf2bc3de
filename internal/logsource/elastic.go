package logsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

type ElasticConfig struct {
	Addresses    []string
	Username     string
	Password     string
	Keywords     []string
	QueryTimeout time.Duration
	Transport    http.RoundTripper
}

// ElasticSource scans indices of an Elasticsearch cluster with search_after.
type ElasticSource struct {
	client   *elasticsearch.Client
	keywords []string
	timeout  time.Duration
	logger   zerolog.Logger
}

func NewElasticSource(cfg ElasticConfig, logger zerolog.Logger) (*ElasticSource, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("elasticsearch address is required")
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ElasticSource{
		client:   client,
		keywords: cfg.Keywords,
		timeout:  timeout,
		logger:   logger.With().Str("source", "elasticsearch").Logger(),
	}, nil
}

func (s *ElasticSource) Collections(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.client.Cat.Indices(
		s.client.Cat.Indices.WithContext(ctx),
		s.client.Cat.Indices.WithFormat("json"),
	)
	if err != nil {
		return nil, fmt.Errorf("list indices: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read indices response: %w", err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("list indices: status %d: %s", res.StatusCode, truncate(string(body), 256))
	}
	names := []string{}
	gjson.ParseBytes(body).ForEach(func(_, value gjson.Result) bool {
		names = append(names, value.Get("index").String())
		return true
	})
	return FilterCollections(names, s.keywords), nil
}

func (s *ElasticSource) Scan(ctx context.Context, req ScanRequest) (Batch, error) {
	batch, err := s.scan(ctx, req)
	if err != nil {
		s.logger.Error().Err(err).Str("collection", req.Collection).Msg("scan_failed")
		return Batch{}, err
	}
	return batch, nil
}

func (s *ElasticSource) scan(ctx context.Context, req ScanRequest) (Batch, error) {
	body, err := json.Marshal(buildSearchBody(req))
	if err != nil {
		return Batch{}, fmt.Errorf("encode search body: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(req.Collection),
		s.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return Batch{}, fmt.Errorf("search %s: %w", req.Collection, err)
	}
	defer res.Body.Close()
	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return Batch{}, fmt.Errorf("read search response: %w", err)
	}
	if res.IsError() {
		return Batch{}, fmt.Errorf("search %s: status %d: %s", req.Collection, res.StatusCode, truncate(string(payload), 256))
	}
	return parseHits(req.Collection, payload), nil
}

func buildSearchBody(req ScanRequest) map[string]any {
	must := []any{}
	if !req.Since.IsZero() {
		must = append(must, map[string]any{
			"range": map[string]any{
				fieldTimestamp: map[string]any{"gte": req.Since.UTC().Format(time.RFC3339Nano)},
			},
		})
	}
	must = append(must,
		map[string]any{"exists": map[string]any{"field": fieldExtra + "." + extraDuration}},
		map[string]any{"exists": map[string]any{"field": fieldAppName}},
	)
	body := map[string]any{
		"size": normalizeBatchSize(req.BatchSize),
		"query": map[string]any{
			"bool": map[string]any{
				"must": must,
				"must_not": []any{
					map[string]any{"term": map[string]any{fieldAppName: ""}},
					map[string]any{"term": map[string]any{fieldAppName + ".keyword": "null"}},
				},
			},
		},
		"sort": []any{
			map[string]any{fieldTimestamp: map[string]any{"order": "asc"}},
			map[string]any{"_id": map[string]any{"order": "asc"}},
		},
		"track_total_hits": false,
	}
	if req.After != nil {
		body["search_after"] = []any{req.After.Timestamp.UnixMilli(), req.After.ID}
	}
	return body
}

func parseHits(collection string, payload []byte) Batch {
	hits := gjson.GetBytes(payload, "hits.hits").Array()
	batch := Batch{Records: []Record{}, Fetched: len(hits)}
	for _, hit := range hits {
		index := hit.Get("_index").String()
		if index == "" {
			index = collection
		}
		record, ok := Normalize(index, hit.Get("_id").String(), []byte(hit.Get("_source").Raw))
		if ok {
			batch.Records = append(batch.Records, record)
		}
	}
	if len(hits) == 0 {
		return batch
	}
	// Only the sort field can seed search_after; a fallback datetime would
	// point before rows the backend sorted as missing and loop forever.
	last := hits[len(hits)-1]
	if ts, ok := parseTimestamp(topLevel(last.Get("_source"))[fieldTimestamp]); ok {
		batch.Next = &Cursor{Timestamp: ts, ID: last.Get("_id").String()}
	}
	return batch
}

func (s *ElasticSource) Close() error {
	return nil
}

// truncate caps s at max runes.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "..."
}
