// Package intel reads intrusion sets from the intelligence platform's GraphQL
// API and issues merges against it.
package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/thistle/pkg/httpclient"
	"github.com/Ramsey-B/thistle/pkg/metrics"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

const (
	DefaultPageSize    = 500
	DefaultMaxEntities = 5000
)

type Config struct {
	URL         string
	Token       string
	PageSize    int
	MaxEntities int
	Fields      FieldPaths
}

type Client struct {
	cfg       Config
	http      *httpclient.Client
	extractor *extractor
	logger    ectologger.Logger
}

func NewClient(cfg Config, httpClient *httpclient.Client, logger ectologger.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("intel api url is required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxEntities <= 0 {
		cfg.MaxEntities = DefaultMaxEntities
	}

	extractor, err := newExtractor(cfg.Fields)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:       cfg,
		http:      httpClient,
		extractor: extractor,
		logger:    logger,
	}, nil
}

func upstreamError(format string, args ...any) error {
	return httperror.NewHTTPErrorf(http.StatusBadGateway, "intel platform: "+format, args...)
}

// FetchIntrusionSets pages through every intrusion set up to MaxEntities.
// Any failure aborts the whole fetch; partial results are never returned.
func (c *Client) FetchIntrusionSets(ctx context.Context) ([]models.IntelEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "intel.Client.FetchIntrusionSets")
	defer span.End()

	entities := make([]models.IntelEntity, 0, min(c.cfg.MaxEntities, c.cfg.PageSize))
	var cursor *string
	page := 0

	for len(entities) < c.cfg.MaxEntities {
		page++
		first := min(c.cfg.PageSize, c.cfg.MaxEntities-len(entities))
		variables := map[string]any{"first": first}
		if cursor != nil {
			variables["after"] = *cursor
		}

		var data intrusionSetsData
		if err := c.execute(ctx, "fetch_intrusion_sets", intrusionSetsQuery, variables, &data); err != nil {
			tracing.RecordError(ctx, err)
			return nil, err
		}
		if data.IntrusionSets == nil {
			return nil, upstreamError("response has no intrusionSets")
		}

		for _, edge := range data.IntrusionSets.Edges {
			entity, err := c.extractor.entity(edge.Node)
			if err != nil {
				c.logger.WithContext(ctx).WithError(err).Errorf("invalid intrusion set on page %d", page)
				return nil, upstreamError("invalid intrusion set: %v", err)
			}
			entities = append(entities, entity)
			if len(entities) >= c.cfg.MaxEntities {
				break
			}
		}

		info := data.IntrusionSets.PageInfo
		if !info.HasNextPage {
			break
		}
		if info.EndCursor == nil || *info.EndCursor == "" {
			return nil, upstreamError("page %d reports more pages without a cursor", page)
		}
		if cursor != nil && *cursor == *info.EndCursor {
			return nil, upstreamError("cursor did not advance after page %d", page)
		}
		cursor = info.EndCursor
	}

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"pages":    page,
		"entities": len(entities),
	}).Infof("fetched %d intrusion sets", len(entities))

	return entities, nil
}

// MergeEntities absorbs mergeID into keepID. It is attempted exactly once.
func (c *Client) MergeEntities(ctx context.Context, keepID, mergeID string) error {
	ctx, span := tracing.StartSpan(ctx, "intel.Client.MergeEntities")
	defer span.End()

	variables := map[string]any{
		"id":             keepID,
		"stixObjectsIds": []string{mergeID},
	}

	var data mergeData
	if err := c.execute(ctx, "merge_entities", mergeMutation, variables, &data); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	if data.StixCoreObjectEdit == nil || data.StixCoreObjectEdit.Merge == nil {
		return upstreamError("merge returned no result")
	}
	return nil
}

func (c *Client) execute(ctx context.Context, operation, query string, variables map[string]any, out any) error {
	headers := map[string]string{}
	if c.cfg.Token != "" {
		headers["Authorization"] = "Bearer " + c.cfg.Token
	}

	resp, err := c.http.PostJSON(ctx, c.cfg.URL, graphqlRequest{Query: query, Variables: variables}, headers)
	if err != nil {
		metrics.RecordUpstreamRequest(operation, "error", 0)
		return upstreamError("%s request failed: %v", operation, err)
	}
	metrics.RecordUpstreamRequest(operation, strconv.Itoa(resp.StatusCode), resp.Duration.Seconds())

	if !resp.IsSuccess() {
		c.logger.WithContext(ctx).WithFields(map[string]any{
			"operation":   operation,
			"status_code": resp.StatusCode,
		}).Errorf("intel platform returned %d", resp.StatusCode)
		return upstreamError("%s returned HTTP %d", operation, resp.StatusCode)
	}

	var envelope graphqlResponse
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return upstreamError("%s returned invalid JSON", operation)
	}
	if len(envelope.Errors) > 0 {
		messages := make([]string, 0, len(envelope.Errors))
		for _, e := range envelope.Errors {
			messages = append(messages, e.Message)
		}
		return upstreamError("%s failed: %s", operation, strings.Join(messages, "; "))
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return upstreamError("%s returned no data", operation)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return upstreamError("%s returned unexpected data: %v", operation, err)
	}
	return nil
}
