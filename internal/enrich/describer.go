package enrich

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/singleflight"

	"tile-describer/internal/cache"
	apperrors "tile-describer/internal/common/errors"
	"tile-describer/internal/common/logging"
)

// DescribeInput carries everything the vision prompt needs. PlaceName and
// LandCoverSummary come from phase-1 enrichment; ImageID, when present, is
// the cache key (image content is immutable per id, so no TTL applies).
type DescribeInput struct {
	Thumbnail        string
	PlaceName        string
	CapturedAt       string
	LandCoverSummary string
	ImageID          string
}

// DescriberConfig holds describer settings beyond the shared wiring.
type DescriberConfig struct {
	VisionURL    string
	VisionModel  string
	VisionAPIKey string
	MaxBytes     int64 // remote thumbnail download ceiling
	MaxEdge      int   // longest image edge sent upstream
}

// Describer produces a natural-language description of a tile thumbnail via
// a generative vision upstream. Thumbnails arrive as a data URI, raw base64
// or a remote URL; remote URLs pass an SSRF guard and a byte ceiling before
// any bytes reach the pipeline.
type Describer struct {
	config         DescriberConfig
	visionClient   *http.Client
	downloadClient *http.Client
	resolver       *net.Resolver
	checkHost      func(ctx context.Context, host string) error
	store          cache.Store
	logger         logging.Logger
	group          singleflight.Group
}

// NewDescriber creates a vision-description adapter
func NewDescriber(config DescriberConfig, visionClient, downloadClient *http.Client, store cache.Store, logger logging.Logger) *Describer {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	d := &Describer{
		config:         config,
		visionClient:   visionClient,
		downloadClient: downloadClient,
		store:          store,
		logger:         logger,
	}
	d.checkHost = func(ctx context.Context, host string) error {
		return checkRemoteHost(ctx, d.resolver, host)
	}
	return d
}

// describePayload is the cached shape for a generated description.
type describePayload struct {
	Description string `json:"description"`
}

// Fetch returns the description for the input, cached by image id when one
// was supplied.
func (d *Describer) Fetch(ctx context.Context, input DescribeInput) (string, error) {
	if input.ImageID == "" {
		return d.describe(ctx, input)
	}

	key := "describe:" + input.ImageID

	var cached describePayload
	found, err := cache.Lookup(ctx, d.store, key, &cached)
	if err != nil {
		d.logger.Warn("describe cache read failed, falling through to upstream",
			logging.Field{Key: "key", Value: key},
			logging.Field{Key: "error", Value: err.Error()})
	}
	if found {
		d.logger.Debug("describe cache hit", logging.Field{Key: "image_id", Value: input.ImageID})
		return cached.Description, nil
	}

	v, err, _ := d.group.Do(key, func() (interface{}, error) {
		description, err := d.describe(ctx, input)
		if err != nil {
			return "", err
		}
		if err := d.store.Set(ctx, key, describePayload{Description: description}, 0); err != nil {
			d.logger.Warn("describe cache write failed",
				logging.Field{Key: "key", Value: key},
				logging.Field{Key: "error", Value: err.Error()})
		}
		return description, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (d *Describer) describe(ctx context.Context, input DescribeInput) (string, error) {
	raw, err := d.resolveThumbnail(ctx, input.Thumbnail)
	if err != nil {
		return "", err
	}

	prepared, err := prepareImage(raw, d.config.MaxEdge)
	if err != nil {
		return "", err
	}

	description, err := d.callVision(ctx, prepared, buildPrompt(input))
	if err != nil {
		return "", err
	}

	d.logger.Info("describe result",
		logging.Field{Key: "image_id", Value: input.ImageID},
		logging.Field{Key: "description_length", Value: len(description)})
	return description, nil
}

// resolveThumbnail turns the thumbnail field into raw image bytes.
func (d *Describer) resolveThumbnail(ctx context.Context, thumbnail string) ([]byte, error) {
	switch {
	case strings.HasPrefix(thumbnail, "data:image"):
		_, b64, found := strings.Cut(thumbnail, ",")
		if !found {
			return nil, apperrors.ValidationError("thumbnail data URI is missing its payload")
		}
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, apperrors.ValidationError("thumbnail data URI is not valid base64")
		}
		return raw, nil

	case strings.HasPrefix(thumbnail, "http://"), strings.HasPrefix(thumbnail, "https://"):
		return d.downloadThumbnail(ctx, thumbnail)

	default:
		raw, err := base64.StdEncoding.DecodeString(thumbnail)
		if err != nil {
			return nil, apperrors.ValidationError("thumbnail is not valid base64")
		}
		return raw, nil
	}
}

// downloadThumbnail fetches a remote thumbnail, guarding against SSRF targets
// and enforcing the byte ceiling mid-stream (a missing Content-Length header
// doesn't exempt the response).
func (d *Describer) downloadThumbnail(ctx context.Context, rawURL string) ([]byte, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, apperrors.ValidationError("thumbnail URL is not valid")
	}

	if err := d.checkHost(ctx, parsed.Hostname()); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, apperrors.InternalError("failed to build thumbnail request", err)
	}

	// Redirects change the target host, so every hop passes the same check
	// the original URL did.
	client := *d.downloadClient
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		return d.checkHost(req.Context(), req.URL.Hostname())
	}

	resp, err := client.Do(req)
	if err != nil {
		// A rejected redirect hop surfaces wrapped in *url.Error; keep its type.
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, upstreamError("thumbnail download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.UpstreamError(
			fmt.Sprintf("thumbnail download returned status %d", resp.StatusCode), nil)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, d.config.MaxBytes+1))
	if err != nil {
		return nil, upstreamError("thumbnail download", err)
	}
	if int64(len(raw)) > d.config.MaxBytes {
		return nil, apperrors.ValidationError(
			fmt.Sprintf("thumbnail exceeds the %d-byte download limit", d.config.MaxBytes))
	}
	return raw, nil
}

func buildPrompt(input DescribeInput) string {
	return fmt.Sprintf(`Analyze this satellite image.
Location: %s
Capture date: %s
Land cover: %s

Describe it in 2-3 sentences, covering:
1. The main terrain and features visible
2. Anything unusual or notable in the image
3. Why this image is interesting`,
		input.PlaceName, input.CapturedAt, input.LandCoverSummary)
}

// generateContent request/response shapes for the vision REST API.
type visionRequest struct {
	Contents []visionContent `json:"contents"`
}

type visionContent struct {
	Parts []visionPart `json:"parts"`
}

type visionPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *visionInlineData `json:"inline_data,omitempty"`
}

type visionInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type visionResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (d *Describer) callVision(ctx context.Context, imageData []byte, prompt string) (string, error) {
	body := visionRequest{
		Contents: []visionContent{{
			Parts: []visionPart{
				{InlineData: &visionInlineData{
					MimeType: "image/jpeg",
					Data:     base64.StdEncoding.EncodeToString(imageData),
				}},
				{Text: prompt},
			},
		}},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", apperrors.InternalError("failed to encode vision request", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent",
		d.config.VisionURL, d.config.VisionModel)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", apperrors.InternalError("failed to build vision request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", d.config.VisionAPIKey)

	resp, err := d.visionClient.Do(req)
	if err != nil {
		return "", upstreamError("describe", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apperrors.UpstreamError(
			fmt.Sprintf("vision upstream returned status %d", resp.StatusCode), nil)
	}

	var parsed visionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", apperrors.UpstreamError("vision response was not valid JSON", err)
	}

	var sb strings.Builder
	if len(parsed.Candidates) > 0 {
		for _, part := range parsed.Candidates[0].Content.Parts {
			sb.WriteString(part.Text)
		}
	}

	description := strings.TrimSpace(sb.String())
	if description == "" {
		return "", apperrors.UpstreamError("vision response contained no text", nil)
	}
	return description, nil
}
