package compose

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tile-describer/internal/circuitbreaker"
	apperrors "tile-describer/internal/common/errors"
	"tile-describer/internal/enrich"
	"tile-describer/internal/models"
)

type stubGeocoder struct {
	calls int32
	loc   *models.Location
	err   error
}

func (s *stubGeocoder) Fetch(ctx context.Context, lon, lat float64) (*models.Location, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.loc, s.err
}

type stubLandCover struct {
	calls int32
	lc    *models.LandCover
	err   error
}

func (s *stubLandCover) Fetch(ctx context.Context, lon, lat float64) (*models.LandCover, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.lc, s.err
}

type stubDescriber struct {
	calls     int32
	text      string
	err       error
	lastInput enrich.DescribeInput
}

func (s *stubDescriber) Fetch(ctx context.Context, input enrich.DescribeInput) (string, error) {
	atomic.AddInt32(&s.calls, 1)
	s.lastInput = input
	return s.text, s.err
}

type stubContext struct {
	calls int32
	res   *models.Context
	err   error
}

func (s *stubContext) Fetch(ctx context.Context, placeName, capturedAt string) (*models.Context, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.res, s.err
}

type fixture struct {
	geo      *stubGeocoder
	lc       *stubLandCover
	desc     *stubDescriber
	ctxs     *stubContext
	clock    *clockwork.FakeClock
	composer *Composer
}

func newFixture() *fixture {
	f := &fixture{
		geo: &stubGeocoder{loc: &models.Location{
			Country: "South Korea", PlaceName: "Jongno-gu, Seoul, South Korea",
		}},
		lc:    &stubLandCover{lc: &models.LandCover{Summary: "residential area 60%, park 40%"}},
		desc:  &stubDescriber{text: "Dense urban fabric around a royal palace."},
		ctxs:  &stubContext{res: &models.Context{Summary: "Found 2 items."}},
		clock: clockwork.NewFakeClock(),
	}
	breakers := circuitbreaker.NewRegistryWithClock(
		circuitbreaker.Config{FailureThreshold: 5, Cooldown: 30 * time.Second}, nil, f.clock)
	f.composer = New(f.geo, f.lc, f.desc, f.ctxs, breakers, nil)
	return f
}

func describeRequest() *models.DescribeRequest {
	return &models.DescribeRequest{
		Thumbnail:   "aGVsbG8=",
		Coordinates: []float64{126.97823, 37.56612},
		CapturedAt:  "2026-07-14",
		COGImageID:  "img-123",
	}
}

func TestCompose_AllModulesSucceed(t *testing.T) {
	f := newFixture()

	resp := f.composer.Compose(context.Background(), describeRequest())

	assert.Empty(t, resp.Warnings)
	require.NotNil(t, resp.Description)
	assert.Equal(t, "Dense urban fabric around a royal palace.", *resp.Description)
	assert.NotNil(t, resp.Location)
	assert.NotNil(t, resp.LandCover)
	assert.NotNil(t, resp.Context)
}

func TestCompose_Phase2ReceivesPhase1Outputs(t *testing.T) {
	f := newFixture()

	f.composer.Compose(context.Background(), describeRequest())

	assert.Equal(t, "Jongno-gu, Seoul, South Korea", f.desc.lastInput.PlaceName)
	assert.Equal(t, "residential area 60%, park 40%", f.desc.lastInput.LandCoverSummary)
	assert.Equal(t, "2026-07-14", f.desc.lastInput.CapturedAt)
	assert.Equal(t, "img-123", f.desc.lastInput.ImageID)
}

func TestCompose_SingleModuleFailure(t *testing.T) {
	f := newFixture()
	f.geo.loc = nil
	f.geo.err = apperrors.TimeoutError("geocode")

	resp := f.composer.Compose(context.Background(), describeRequest())

	require.Len(t, resp.Warnings, 1)
	assert.Equal(t, "geocoder", resp.Warnings[0].Module)
	assert.Contains(t, resp.Warnings[0].Error, "timeout")

	assert.Nil(t, resp.Location)
	assert.NotNil(t, resp.Description)
	assert.NotNil(t, resp.LandCover)
	assert.NotNil(t, resp.Context)

	// Siblings still ran.
	assert.EqualValues(t, 1, f.lc.calls)
	assert.EqualValues(t, 1, f.desc.calls)
	assert.EqualValues(t, 1, f.ctxs.calls)
}

func TestCompose_FailedGeocodeFallsBackToCoordinatePlaceName(t *testing.T) {
	f := newFixture()
	f.geo.loc = nil
	f.geo.err = apperrors.UpstreamError("geocode upstream returned status 502", nil)
	f.lc.lc = nil
	f.lc.err = apperrors.TimeoutError("landcover")

	f.composer.Compose(context.Background(), describeRequest())

	assert.Equal(t, "37.56612, 126.97823", f.desc.lastInput.PlaceName)
	assert.Equal(t, "no data", f.desc.lastInput.LandCoverSummary)
}

func TestCompose_AllModulesFail(t *testing.T) {
	f := newFixture()
	f.geo.loc, f.geo.err = nil, apperrors.TimeoutError("geocode")
	f.lc.lc, f.lc.err = nil, apperrors.TimeoutError("landcover")
	f.desc.text, f.desc.err = "", apperrors.TimeoutError("describe")
	f.ctxs.res, f.ctxs.err = nil, apperrors.TimeoutError("context")

	resp := f.composer.Compose(context.Background(), describeRequest())

	require.Len(t, resp.Warnings, 4)
	assert.Equal(t, "geocoder", resp.Warnings[0].Module)
	assert.Equal(t, "landcover", resp.Warnings[1].Module)
	assert.Equal(t, "describer", resp.Warnings[2].Module)
	assert.Equal(t, "context", resp.Warnings[3].Module)

	assert.Nil(t, resp.Description)
	assert.Nil(t, resp.Location)
	assert.Nil(t, resp.LandCover)
	assert.Nil(t, resp.Context)
}

func TestCompose_BreakerShortCircuitsAfterThreshold(t *testing.T) {
	f := newFixture()
	f.geo.loc = nil
	f.geo.err = apperrors.UpstreamError("geocode request failed", nil)

	for i := 0; i < 5; i++ {
		f.composer.Compose(context.Background(), describeRequest())
	}
	assert.EqualValues(t, 5, f.geo.calls)

	// Breaker is now open: the adapter must not be invoked.
	resp := f.composer.Compose(context.Background(), describeRequest())
	assert.EqualValues(t, 5, f.geo.calls)

	require.Len(t, resp.Warnings, 1)
	assert.Equal(t, "geocoder", resp.Warnings[0].Module)
	assert.Equal(t, "circuit breaker open", resp.Warnings[0].Error)

	// After the cooldown the upstream is attempted again.
	f.clock.Advance(31 * time.Second)
	f.composer.Compose(context.Background(), describeRequest())
	assert.EqualValues(t, 6, f.geo.calls)
}

func TestCompose_SuccessClosesBreakerStreak(t *testing.T) {
	f := newFixture()
	f.geo.loc = nil
	f.geo.err = apperrors.UpstreamError("geocode request failed", nil)

	for i := 0; i < 4; i++ {
		f.composer.Compose(context.Background(), describeRequest())
	}

	f.geo.err = nil
	f.geo.loc = &models.Location{PlaceName: "recovered"}
	f.composer.Compose(context.Background(), describeRequest())

	// The streak reset, so more failures are needed before it opens again.
	f.geo.loc, f.geo.err = nil, apperrors.TimeoutError("geocode")
	for i := 0; i < 4; i++ {
		resp := f.composer.Compose(context.Background(), describeRequest())
		require.Len(t, resp.Warnings, 1)
		assert.NotEqual(t, "circuit breaker open", resp.Warnings[0].Error)
	}
}

func TestCompose_EmptyWarningsSerializesAsList(t *testing.T) {
	f := newFixture()
	resp := f.composer.Compose(context.Background(), describeRequest())
	assert.NotNil(t, resp.Warnings)
}
