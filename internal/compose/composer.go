// Package compose orchestrates the enrichment fan-out. One request becomes
// two dependency-ordered phases of parallel upstream calls: phase 1 resolves
// the place and land cover from raw coordinates, phase 2 feeds those results
// into the vision description and context lookup. Every call is guarded by
// its upstream's circuit breaker, and every failure degrades to a warning —
// composition itself never fails.
package compose

import (
	"context"
	"fmt"
	"sync"

	"tile-describer/internal/circuitbreaker"
	"tile-describer/internal/common/logging"
	"tile-describer/internal/enrich"
	"tile-describer/internal/models"
)

// Module names, used for breaker lookup and warning attribution.
const (
	ModuleGeocoder  = "geocoder"
	ModuleLandCover = "landcover"
	ModuleDescriber = "describer"
	ModuleContext   = "context"
)

// circuitOpenWarning is the synthetic warning text for a skipped call.
const circuitOpenWarning = "circuit breaker open"

// noLandCoverData stands in for the land-cover summary when phase 1 could
// not produce one; phase 2 still runs with it.
const noLandCoverData = "no data"

// GeocodeFetcher resolves coordinates to a location.
type GeocodeFetcher interface {
	Fetch(ctx context.Context, lon, lat float64) (*models.Location, error)
}

// LandCoverFetcher classifies land cover around coordinates.
type LandCoverFetcher interface {
	Fetch(ctx context.Context, lon, lat float64) (*models.LandCover, error)
}

// DescriptionFetcher generates a description for a thumbnail.
type DescriptionFetcher interface {
	Fetch(ctx context.Context, input enrich.DescribeInput) (string, error)
}

// ContextFetcher looks up contextual events for a place and date.
type ContextFetcher interface {
	Fetch(ctx context.Context, placeName, capturedAt string) (*models.Context, error)
}

// Composer fans a describe request out to the four enrichment adapters.
// The breaker registry is injected, process-wide state shared across
// requests.
type Composer struct {
	geocoder  GeocodeFetcher
	landCover LandCoverFetcher
	describer DescriptionFetcher
	contexts  ContextFetcher
	breakers  *circuitbreaker.Registry
	logger    logging.Logger
}

// New creates a composer over the given adapters and breaker registry
func New(geocoder GeocodeFetcher, landCover LandCoverFetcher, describer DescriptionFetcher, contexts ContextFetcher, breakers *circuitbreaker.Registry, logger logging.Logger) *Composer {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Composer{
		geocoder:  geocoder,
		landCover: landCover,
		describer: describer,
		contexts:  contexts,
		breakers:  breakers,
		logger:    logger,
	}
}

// Compose runs both enrichment phases and assembles the merged response.
// It never returns an error: failed modules surface as nil fields plus
// warnings, in fixed module order.
func (c *Composer) Compose(ctx context.Context, req *models.DescribeRequest) *models.DescribeResponse {
	lon, lat := req.Coordinates[0], req.Coordinates[1]

	// Phase 1: geocoder and land cover run on the raw coordinates. Both
	// branches always run to completion; one failing never cancels the other.
	var (
		location  *models.Location
		landCover *models.LandCover
		geoWarn   *models.Warning
		lcWarn    *models.Warning
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		geoWarn = c.guard(ModuleGeocoder, func() error {
			var err error
			location, err = c.geocoder.Fetch(ctx, lon, lat)
			return err
		})
	}()
	go func() {
		defer wg.Done()
		lcWarn = c.guard(ModuleLandCover, func() error {
			var err error
			landCover, err = c.landCover.Fetch(ctx, lon, lat)
			return err
		})
	}()
	wg.Wait()

	// Phase 2 inputs derive from phase 1 regardless of how it went.
	placeName := fmt.Sprintf("%v, %v", lat, lon)
	if location != nil && location.PlaceName != "" {
		placeName = location.PlaceName
	}
	landSummary := noLandCoverData
	if landCover != nil {
		landSummary = landCover.Summary
	}

	// Phase 2: description and context run on the derived inputs.
	var (
		description *string
		contextRes  *models.Context
		descWarn    *models.Warning
		ctxWarn     *models.Warning
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		descWarn = c.guard(ModuleDescriber, func() error {
			text, err := c.describer.Fetch(ctx, enrich.DescribeInput{
				Thumbnail:        req.Thumbnail,
				PlaceName:        placeName,
				CapturedAt:       req.CapturedAt,
				LandCoverSummary: landSummary,
				ImageID:          req.COGImageID,
			})
			if err != nil {
				return err
			}
			description = &text
			return nil
		})
	}()
	go func() {
		defer wg.Done()
		ctxWarn = c.guard(ModuleContext, func() error {
			var err error
			contextRes, err = c.contexts.Fetch(ctx, placeName, req.CapturedAt)
			return err
		})
	}()
	wg.Wait()

	warnings := make([]models.Warning, 0, 4)
	for _, w := range []*models.Warning{geoWarn, lcWarn, descWarn, ctxWarn} {
		if w != nil {
			warnings = append(warnings, *w)
		}
	}

	return &models.DescribeResponse{
		Description: description,
		Location:    location,
		LandCover:   landCover,
		Context:     contextRes,
		Warnings:    warnings,
	}
}

// guard wraps one adapter invocation with its circuit breaker: an open
// breaker skips the call outright, a failure feeds the breaker and becomes a
// warning, a success resets it.
func (c *Composer) guard(module string, fn func() error) *models.Warning {
	breaker := c.breakers.Get(module)

	if breaker.IsOpen() {
		c.logger.Warn("module skipped, circuit breaker open",
			logging.Field{Key: "module", Value: module})
		return &models.Warning{Module: module, Error: circuitOpenWarning}
	}

	if err := fn(); err != nil {
		breaker.RecordFailure()
		c.logger.Error("module failed", err,
			logging.Field{Key: "module", Value: module})
		return &models.Warning{Module: module, Error: err.Error()}
	}

	breaker.RecordSuccess()
	return nil
}
