package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"

	"tile-describer/internal/cache"
	apperrors "tile-describer/internal/common/errors"
	"tile-describer/internal/common/logging"
	"tile-describer/internal/models"
)

// tagLabels maps OSM landuse/natural/leisure tags to display labels.
// Unmapped tags pass through with the raw tag as label.
var tagLabels = map[string]string{
	"residential":       "residential area",
	"commercial":        "commercial area",
	"industrial":        "industrial area",
	"retail":            "commercial area",
	"farmland":          "farmland",
	"farm":              "farmland",
	"orchard":           "orchard",
	"vineyard":          "vineyard",
	"forest":            "forest",
	"wood":              "forest",
	"grass":             "grassland",
	"meadow":            "grassland",
	"scrub":             "scrubland",
	"heath":             "heathland",
	"water":             "water",
	"wetland":           "wetland",
	"bare_rock":         "bare ground",
	"sand":              "sand",
	"beach":             "beach",
	"quarry":            "quarry",
	"landfill":          "landfill",
	"cemetery":          "cemetery",
	"park":              "park",
	"recreation_ground": "recreation ground",
	"garden":            "garden",
	"military":          "military area",
	"construction":      "construction site",
	"railway":           "railway",
	"allotments":        "allotments",
}

// LandCoverClassifier aggregates OSM tags around a point into land-cover
// shares. Coordinates are rounded to two decimals (~1.1 km) for cache
// bucketing since land cover varies slowly over distance.
type LandCoverClassifier struct {
	endpoint string
	client   *http.Client
	store    cache.Store
	logger   logging.Logger
	group    singleflight.Group
}

// NewLandCoverClassifier creates a land-cover adapter for an Overpass endpoint
func NewLandCoverClassifier(endpoint string, client *http.Client, store cache.Store, logger logging.Logger) *LandCoverClassifier {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &LandCoverClassifier{
		endpoint: endpoint,
		client:   client,
		store:    store,
		logger:   logger,
	}
}

// CacheKey quantizes a coordinate pair into the land-cover cache key.
func (l *LandCoverClassifier) CacheKey(lon, lat float64) string {
	return fmt.Sprintf("landcover:%.2f:%.2f", lon, lat)
}

// Fetch returns the land-cover classification around the given coordinates.
func (l *LandCoverClassifier) Fetch(ctx context.Context, lon, lat float64) (*models.LandCover, error) {
	key := l.CacheKey(lon, lat)

	var cached models.LandCover
	found, err := cache.Lookup(ctx, l.store, key, &cached)
	if err != nil {
		l.logger.Warn("landcover cache read failed, falling through to upstream",
			logging.Field{Key: "key", Value: key},
			logging.Field{Key: "error", Value: err.Error()})
	}
	if found {
		l.logger.Debug("landcover cache hit", logging.Field{Key: "key", Value: key})
		return &cached, nil
	}

	v, err, _ := l.group.Do(key, func() (interface{}, error) {
		return l.fetchUpstream(ctx, lon, lat, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.LandCover), nil
}

type overpassResponse struct {
	Elements []struct {
		Tags map[string]string `json:"tags"`
	} `json:"elements"`
}

func (l *LandCoverClassifier) fetchUpstream(ctx context.Context, lon, lat float64, key string) (*models.LandCover, error) {
	query := fmt.Sprintf(`
[out:json][timeout:10];
(
  way["landuse"](around:500,%[1]v,%[2]v);
  way["natural"](around:500,%[1]v,%[2]v);
  way["leisure"](around:500,%[1]v,%[2]v);
  relation["landuse"](around:500,%[1]v,%[2]v);
);
out tags;
`, lat, lon)

	form := url.Values{}
	form.Set("data", query)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apperrors.InternalError("failed to build landcover request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, upstreamError("landcover", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.UpstreamError(
			fmt.Sprintf("landcover upstream returned status %d", resp.StatusCode), nil)
	}

	var payload overpassResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, apperrors.UpstreamError("landcover response was not valid JSON", err)
	}

	result := aggregateTags(&payload)

	if err := l.store.Set(ctx, key, result, landCoverTTL); err != nil {
		l.logger.Warn("landcover cache write failed",
			logging.Field{Key: "key", Value: key},
			logging.Field{Key: "error", Value: err.Error()})
	}

	l.logger.Info("landcover result",
		logging.Field{Key: "classes", Value: len(result.Classes)},
		logging.Field{Key: "summary", Value: result.Summary})
	return result, nil
}

// aggregateTags counts landuse/natural/leisure values across matched features
// and turns them into percentage shares, ordered by descending frequency with
// ties broken by first-seen order.
func aggregateTags(payload *overpassResponse) *models.LandCover {
	counts := make(map[string]int)
	var order []string

	for _, el := range payload.Elements {
		for _, tagKey := range []string{"landuse", "natural", "leisure"} {
			val := el.Tags[tagKey]
			if val == "" {
				continue
			}
			if _, seen := counts[val]; !seen {
				order = append(order, val)
			}
			counts[val]++
		}
	}

	total := 0
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		total = 1
	}

	// Stable sort over first-seen order keeps ties deterministic.
	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})

	classes := make([]models.LandCoverClass, 0, len(order))
	for _, tag := range order {
		label, ok := tagLabels[tag]
		if !ok {
			label = tag
		}
		classes = append(classes, models.LandCoverClass{
			Type:       tag,
			Label:      label,
			Percentage: int(math.Round(float64(counts[tag]) / float64(total) * 100)),
		})
	}

	summaryParts := make([]string, 0, 5)
	for i, c := range classes {
		if i == 5 {
			break
		}
		summaryParts = append(summaryParts, fmt.Sprintf("%s %d%%", c.Label, c.Percentage))
	}
	summary := noDataSummary
	if len(summaryParts) > 0 {
		summary = strings.Join(summaryParts, ", ")
	}

	return &models.LandCover{Classes: classes, Summary: summary}
}
