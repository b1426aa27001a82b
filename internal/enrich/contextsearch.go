package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/sync/singleflight"

	"tile-describer/internal/cache"
	apperrors "tile-describer/internal/common/errors"
	"tile-describer/internal/common/logging"
	"tile-describer/internal/models"
)

// maxContextEvents caps how many search items become events. This module
// does not rank relevance beyond source ordering, so every event carries a
// fixed low weight.
const maxContextEvents = 5

// ContextSearch looks up contextual events for a place and capture month via
// an instant-answer search upstream. The cache buckets by place name plus
// calendar month — events for the same place and month rarely diverge.
type ContextSearch struct {
	endpoint string
	client   *http.Client
	store    cache.Store
	logger   logging.Logger
	group    singleflight.Group
}

// NewContextSearch creates a contextual-events adapter
func NewContextSearch(endpoint string, client *http.Client, store cache.Store, logger logging.Logger) *ContextSearch {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &ContextSearch{
		endpoint: endpoint,
		client:   client,
		store:    store,
		logger:   logger,
	}
}

// CacheKey buckets a place and capture date into the context cache key.
func (c *ContextSearch) CacheKey(placeName, capturedAt string) string {
	return fmt.Sprintf("context:%s:%s", placeName, captureMonth(capturedAt))
}

// captureMonth reduces an ISO-8601 date to its year-month bucket.
func captureMonth(capturedAt string) string {
	if len(capturedAt) >= 7 {
		return capturedAt[:7]
	}
	if capturedAt != "" {
		return capturedAt
	}
	return "unknown"
}

// Fetch returns contextual events for the place and capture date.
func (c *ContextSearch) Fetch(ctx context.Context, placeName, capturedAt string) (*models.Context, error) {
	key := c.CacheKey(placeName, capturedAt)

	var cached models.Context
	found, err := cache.Lookup(ctx, c.store, key, &cached)
	if err != nil {
		c.logger.Warn("context cache read failed, falling through to upstream",
			logging.Field{Key: "key", Value: key},
			logging.Field{Key: "error", Value: err.Error()})
	}
	if found {
		c.logger.Debug("context cache hit", logging.Field{Key: "key", Value: key})
		return &cached, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.fetchUpstream(ctx, placeName, capturedAt, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Context), nil
}

type searchResponse struct {
	RelatedTopics []struct {
		Text     string `json:"Text"`
		FirstURL string `json:"FirstURL"`
	} `json:"RelatedTopics"`
}

func (c *ContextSearch) fetchUpstream(ctx context.Context, placeName, capturedAt, key string) (*models.Context, error) {
	month := captureMonth(capturedAt)

	query := url.Values{}
	query.Set("q", fmt.Sprintf("%s %s", placeName, month))
	query.Set("format", "json")
	query.Set("no_html", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, apperrors.InternalError("failed to build context request", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, upstreamError("context", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.UpstreamError(
			fmt.Sprintf("context upstream returned status %d", resp.StatusCode), nil)
	}

	var payload searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, apperrors.UpstreamError("context response was not valid JSON", err)
	}

	events := make([]models.Event, 0, maxContextEvents)
	for _, topic := range payload.RelatedTopics {
		if len(events) == maxContextEvents {
			break
		}
		if topic.Text == "" || topic.FirstURL == "" {
			continue
		}
		events = append(events, models.Event{
			Title:     truncate(topic.Text, 200),
			Date:      month,
			SourceURL: topic.FirstURL,
			Relevance: "low",
		})
	}

	summary := fmt.Sprintf("No related information found for %s in %s.", placeName, month)
	if len(events) > 0 {
		summary = fmt.Sprintf("Found %d items related to %s in %s.", len(events), placeName, month)
	}

	result := &models.Context{Events: events, Summary: summary}

	if err := c.store.Set(ctx, key, result, contextTTL); err != nil {
		c.logger.Warn("context cache write failed",
			logging.Field{Key: "key", Value: key},
			logging.Field{Key: "error", Value: err.Error()})
	}

	c.logger.Info("context result", logging.Field{Key: "events", Value: len(events)})
	return result, nil
}
