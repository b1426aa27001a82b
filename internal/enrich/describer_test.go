package enrich

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tile-describer/internal/cache"
	apperrors "tile-describer/internal/common/errors"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func solidImage(width, height int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func visionHandler(text string, calls *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		fmt.Fprintf(w, `{"candidates":[{"content":{"parts":[{"text":%q}]}}]}`, text)
	}
}

func newTestDescriber(t *testing.T, handler http.HandlerFunc) *Describer {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store := cache.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	config := DescriberConfig{
		VisionURL:    server.URL,
		VisionModel:  "gemini-2.5-flash",
		VisionAPIKey: "test-key",
		MaxBytes:     1024,
		MaxEdge:      768,
	}
	return NewDescriber(config, server.Client(), server.Client(), store, nil)
}

func TestPrepareImage_DownscalesLongestEdge(t *testing.T) {
	raw := encodePNG(t, solidImage(1600, 800, color.RGBA{R: 200, A: 255}))

	prepared, err := prepareImage(raw, 768)
	require.NoError(t, err)

	decoded, err := jpeg.Decode(bytes.NewReader(prepared))
	require.NoError(t, err)
	assert.Equal(t, 768, decoded.Bounds().Dx())
	assert.Equal(t, 384, decoded.Bounds().Dy())
}

func TestPrepareImage_SmallImageKeepsDimensions(t *testing.T) {
	raw := encodePNG(t, solidImage(100, 50, color.RGBA{G: 180, A: 255}))

	prepared, err := prepareImage(raw, 768)
	require.NoError(t, err)

	decoded, err := jpeg.Decode(bytes.NewReader(prepared))
	require.NoError(t, err)
	assert.Equal(t, 100, decoded.Bounds().Dx())
	assert.Equal(t, 50, decoded.Bounds().Dy())
}

func TestPrepareImage_FlattensAlphaOntoWhite(t *testing.T) {
	raw := encodePNG(t, solidImage(32, 32, color.RGBA{}))

	prepared, err := prepareImage(raw, 768)
	require.NoError(t, err)

	decoded, err := jpeg.Decode(bytes.NewReader(prepared))
	require.NoError(t, err)

	r, g, b, _ := decoded.At(16, 16).RGBA()
	assert.Greater(t, r>>8, uint32(240))
	assert.Greater(t, g>>8, uint32(240))
	assert.Greater(t, b>>8, uint32(240))
}

func TestPrepareImage_RejectsUndecodableBytes(t *testing.T) {
	_, err := prepareImage([]byte("not an image"), 768)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeValidation))
}

func TestDescriber_FetchReturnsVisionText(t *testing.T) {
	var sawAuth, sawPath bool
	thumbnail := base64.StdEncoding.EncodeToString(
		encodePNG(t, solidImage(16, 16, color.RGBA{B: 255, A: 255})))

	d := newTestDescriber(t, func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("x-goog-api-key") == "test-key"
		sawPath = r.URL.Path == "/v1beta/models/gemini-2.5-flash:generateContent"
		visionHandler("A coastal scene.", nil)(w, r)
	})

	text, err := d.Fetch(context.Background(), DescribeInput{Thumbnail: thumbnail})
	require.NoError(t, err)
	assert.Equal(t, "A coastal scene.", text)
	assert.True(t, sawAuth)
	assert.True(t, sawPath)
}

func TestDescriber_AcceptsDataURIThumbnail(t *testing.T) {
	b64 := base64.StdEncoding.EncodeToString(
		encodePNG(t, solidImage(16, 16, color.RGBA{R: 255, A: 255})))

	d := newTestDescriber(t, visionHandler("Desert terrain.", nil))

	text, err := d.Fetch(context.Background(), DescribeInput{
		Thumbnail: "data:image/png;base64," + b64,
	})
	require.NoError(t, err)
	assert.Equal(t, "Desert terrain.", text)
}

func TestDescriber_CachesByImageID(t *testing.T) {
	var calls int32
	thumbnail := base64.StdEncoding.EncodeToString(
		encodePNG(t, solidImage(16, 16, color.RGBA{A: 255})))

	d := newTestDescriber(t, visionHandler("Open water.", &calls))

	input := DescribeInput{Thumbnail: thumbnail, ImageID: "cog-42"}
	first, err := d.Fetch(context.Background(), input)
	require.NoError(t, err)
	second, err := d.Fetch(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, calls)
}

func TestDescriber_NoImageIDSkipsCache(t *testing.T) {
	var calls int32
	thumbnail := base64.StdEncoding.EncodeToString(
		encodePNG(t, solidImage(16, 16, color.RGBA{A: 255})))

	d := newTestDescriber(t, visionHandler("Open water.", &calls))

	input := DescribeInput{Thumbnail: thumbnail}
	_, err := d.Fetch(context.Background(), input)
	require.NoError(t, err)
	_, err = d.Fetch(context.Background(), input)
	require.NoError(t, err)

	assert.EqualValues(t, 2, calls)
}

func TestDescriber_BlocksLoopbackThumbnailURL(t *testing.T) {
	d := newTestDescriber(t, visionHandler("unreachable", nil))

	_, err := d.Fetch(context.Background(), DescribeInput{
		Thumbnail: "http://127.0.0.1:9/thumb.png",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeBlocked))
}

func TestDescriber_BlocksPrivateThumbnailURL(t *testing.T) {
	d := newTestDescriber(t, visionHandler("unreachable", nil))

	_, err := d.Fetch(context.Background(), DescribeInput{
		Thumbnail: "http://10.0.0.5/thumb.png",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeBlocked))
}

func TestDescriber_EnforcesDownloadCeilingMidStream(t *testing.T) {
	// The thumbnail server streams more than MaxBytes without a usable
	// Content-Length, so only the mid-stream cap can catch it.
	thumbServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		chunk := bytes.Repeat([]byte("x"), 512)
		for i := 0; i < 8; i++ {
			w.Write(chunk)
			flusher.Flush()
		}
	}))
	t.Cleanup(thumbServer.Close)

	d := newTestDescriber(t, visionHandler("unreachable", nil))
	d.downloadClient = thumbServer.Client()
	d.checkHost = func(ctx context.Context, host string) error { return nil }

	_, err := d.Fetch(context.Background(), DescribeInput{
		Thumbnail: thumbServer.URL + "/thumb.png",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeValidation))
	assert.Contains(t, err.Error(), "download limit")
}

func TestDescriber_BlocksRedirectToDisallowedHost(t *testing.T) {
	var targetHits int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&targetHits, 1)
		w.Write([]byte("internal payload"))
	}))
	t.Cleanup(target.Close)

	// Redirect to the same server under a hostname the check rejects.
	targetURL, err := url.Parse(target.URL)
	require.NoError(t, err)
	redirector := httptest.NewServer(http.RedirectHandler(
		"http://localhost:"+targetURL.Port()+"/thumb.png", http.StatusFound))
	t.Cleanup(redirector.Close)

	d := newTestDescriber(t, visionHandler("unreachable", nil))
	d.downloadClient = redirector.Client()
	d.checkHost = func(ctx context.Context, host string) error {
		if host == "127.0.0.1" {
			return nil
		}
		return apperrors.BlockedError("host " + host + " is not allowed")
	}

	_, err = d.Fetch(context.Background(), DescribeInput{
		Thumbnail: redirector.URL + "/thumb.png",
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeBlocked))
	assert.Zero(t, atomic.LoadInt32(&targetHits))
}

func TestDescriber_DownloadsAllowedRemoteThumbnail(t *testing.T) {
	raw := encodePNG(t, solidImage(16, 16, color.RGBA{G: 255, A: 255}))
	thumbServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(raw)
	}))
	t.Cleanup(thumbServer.Close)

	d := newTestDescriber(t, visionHandler("Farm fields.", nil))
	d.downloadClient = thumbServer.Client()
	d.checkHost = func(ctx context.Context, host string) error { return nil }

	text, err := d.Fetch(context.Background(), DescribeInput{
		Thumbnail: thumbServer.URL + "/thumb.png",
	})
	require.NoError(t, err)
	assert.Equal(t, "Farm fields.", text)
}

func TestDescriber_EmptyVisionResponseIsUpstreamError(t *testing.T) {
	thumbnail := base64.StdEncoding.EncodeToString(
		encodePNG(t, solidImage(16, 16, color.RGBA{A: 255})))

	d := newTestDescriber(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[]}`))
	})

	_, err := d.Fetch(context.Background(), DescribeInput{Thumbnail: thumbnail})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeUpstream))
}

func TestDescriber_RejectsInvalidBase64(t *testing.T) {
	d := newTestDescriber(t, visionHandler("unreachable", nil))

	_, err := d.Fetch(context.Background(), DescribeInput{Thumbnail: "%%%not-base64%%%"})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeValidation))
}

func TestCheckRemoteHost_RejectsReservedRanges(t *testing.T) {
	cases := []string{
		"127.0.0.1",
		"10.1.2.3",
		"172.16.0.1",
		"192.168.1.1",
		"169.254.10.10",
		"0.0.0.0",
		"100.64.0.1",
		"255.255.255.255",
		"::1",
		"fe80::1",
	}
	for _, host := range cases {
		err := checkRemoteHost(context.Background(), nil, host)
		assert.Error(t, err, "host %s should be rejected", host)
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeBlocked), "host %s", host)
	}
}

func TestCheckRemoteHost_AllowsPublicAddress(t *testing.T) {
	assert.NoError(t, checkRemoteHost(context.Background(), nil, "93.184.216.34"))
	assert.NoError(t, checkRemoteHost(context.Background(), nil, "2001:4860:4860::8888"))
}
