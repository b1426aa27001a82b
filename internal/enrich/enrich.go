// Package enrich implements the four enrichment adapters: reverse geocoding,
// land-cover classification, vision description and contextual-events lookup.
// Every adapter follows the same cache-aside shape: quantize the inputs into
// a cache key, read through the shared store, and on a miss call the upstream
// once (concurrent identical misses are collapsed with singleflight) before
// writing the result back with the module's TTL.
//
// Adapters never swallow upstream failures: errors propagate typed to the
// composer, which decides how to degrade. Cache I/O errors are the one
// exception — they are logged and treated as misses so a broken cache can
// never fail a request.
package enrich

import (
	"context"
	"errors"
	"net"
	"time"

	apperrors "tile-describer/internal/common/errors"
)

// Cache lifetimes per module. Geocoding and land cover change rarely;
// contextual events go stale within days. Descriptions are keyed by an
// immutable image id and never expire.
const (
	geocodeTTL   = 30 * 24 * time.Hour
	landCoverTTL = 90 * 24 * time.Hour
	contextTTL   = 7 * 24 * time.Hour
)

// noDataSummary is the land-cover sentinel fed to the vision prompt when the
// classification is empty or unavailable.
const noDataSummary = "no data"

// upstreamError classifies a transport-level failure: timeouts get their own
// type so the composer's warning text distinguishes them.
func upstreamError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.TimeoutError(op)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.TimeoutError(op)
	}
	return apperrors.UpstreamError(op+" request failed", err)
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
