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
	"tile-describer/internal/ratelimit"
)

// userAgent identifies us to Nominatim, whose usage policy requires one.
const userAgent = "tile-describer/1.0 (satellite-image-descriptor)"

// Geocoder resolves coordinates to a place via a Nominatim-compatible
// reverse-geocoding service. Coordinates are rounded to three decimals
// (~111 m) so nearby requests share a cache bucket, and network calls go
// through the pacer to honor the upstream's one-request-per-second policy.
type Geocoder struct {
	baseURL string
	client  *http.Client
	store   cache.Store
	pacer   *ratelimit.Pacer
	logger  logging.Logger
	group   singleflight.Group
}

// NewGeocoder creates a geocoding adapter
func NewGeocoder(baseURL string, client *http.Client, store cache.Store, pacer *ratelimit.Pacer, logger logging.Logger) *Geocoder {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Geocoder{
		baseURL: baseURL,
		client:  client,
		store:   store,
		pacer:   pacer,
		logger:  logger,
	}
}

// CacheKey quantizes a coordinate pair into the geocoding cache key.
func (g *Geocoder) CacheKey(lon, lat float64) string {
	return fmt.Sprintf("geocode:%.3f:%.3f", lon, lat)
}

// Fetch returns the location for the given coordinates, from cache when
// possible.
func (g *Geocoder) Fetch(ctx context.Context, lon, lat float64) (*models.Location, error) {
	key := g.CacheKey(lon, lat)

	var cached models.Location
	found, err := cache.Lookup(ctx, g.store, key, &cached)
	if err != nil {
		g.logger.Warn("geocode cache read failed, falling through to upstream",
			logging.Field{Key: "key", Value: key},
			logging.Field{Key: "error", Value: err.Error()})
	}
	if found {
		g.logger.Debug("geocode cache hit", logging.Field{Key: "key", Value: key})
		return &cached, nil
	}

	v, err, _ := g.group.Do(key, func() (interface{}, error) {
		return g.fetchUpstream(ctx, lon, lat, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Location), nil
}

// nominatimResponse is the subset of the reverse-geocoding payload we read.
type nominatimResponse struct {
	DisplayName string `json:"display_name"`
	Address     struct {
		Country     string `json:"country"`
		CountryCode string `json:"country_code"`
		State       string `json:"state"`
		Province    string `json:"province"`
		City        string `json:"city"`
		Town        string `json:"town"`
		Village     string `json:"village"`
	} `json:"address"`
}

func (g *Geocoder) fetchUpstream(ctx context.Context, lon, lat float64, key string) (*models.Location, error) {
	query := url.Values{}
	query.Set("lat", fmt.Sprintf("%v", lat))
	query.Set("lon", fmt.Sprintf("%v", lon))
	query.Set("format", "jsonv2")
	query.Set("accept-language", "en")
	query.Set("zoom", "14")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		g.baseURL+"/reverse?"+query.Encode(), nil)
	if err != nil {
		return nil, apperrors.InternalError("failed to build geocode request", err)
	}
	req.Header.Set("User-Agent", userAgent)

	var resp *http.Response
	err = g.pacer.Do(ctx, func() error {
		var doErr error
		resp, doErr = g.client.Do(req)
		return doErr
	})
	if err != nil {
		return nil, upstreamError("geocode", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.UpstreamError(
			fmt.Sprintf("geocode upstream returned status %d", resp.StatusCode), nil)
	}

	var payload nominatimResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, apperrors.UpstreamError("geocode response was not valid JSON", err)
	}

	location := &models.Location{
		Country:     firstNonEmpty(payload.Address.Country, payload.DisplayName, "Unknown"),
		CountryCode: payload.Address.CountryCode,
		Region:      firstNonEmpty(payload.Address.State, payload.Address.Province),
		City:        firstNonEmpty(payload.Address.City, payload.Address.Town, payload.Address.Village),
		PlaceName:   payload.DisplayName,
		Lat:         lat,
		Lon:         lon,
	}

	if err := g.store.Set(ctx, key, location, geocodeTTL); err != nil {
		g.logger.Warn("geocode cache write failed",
			logging.Field{Key: "key", Value: key},
			logging.Field{Key: "error", Value: err.Error()})
	}

	g.logger.Info("geocode result",
		logging.Field{Key: "country", Value: location.Country},
		logging.Field{Key: "region", Value: location.Region})
	return location, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
