package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	apperrors "tile-describer/internal/common/errors"
	"tile-describer/internal/common/logging"
	"tile-describer/internal/enrich"
	"tile-describer/internal/models"
)

// HandleDescribe runs the full two-phase composition for a tile. Once the
// request passes validation the response is always 200: module failures show
// up as warnings, never as an error status.
func (h *Handlers) HandleDescribe(w http.ResponseWriter, r *http.Request) {
	var req models.DescribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{
			Error: "request body is not valid JSON",
			Type:  string(apperrors.ErrTypeValidation),
		})
		return
	}

	if err := h.validateDescribeRequest(&req); err != nil {
		respondError(w, err)
		return
	}

	resp := h.composer.Compose(r.Context(), &req)

	if len(resp.Warnings) > 0 {
		h.logger.Warn("describe completed with degraded modules",
			logging.Field{Key: "warnings", Value: len(resp.Warnings)})
	}
	respondJSON(w, http.StatusOK, resp)
}

// describeImageRequest is the input for the description-only endpoint. It
// skips phase 1, so place and land cover are caller-supplied hints.
type describeImageRequest struct {
	Thumbnail  string `json:"thumbnail"`
	PlaceName  string `json:"place_name,omitempty"`
	CapturedAt string `json:"captured_at,omitempty"`
	LandCover  string `json:"land_cover,omitempty"`
	COGImageID string `json:"cog_image_id,omitempty"`
}

type describeImageResponse struct {
	Description string `json:"description"`
}

// HandleDescribeImage generates a description for a thumbnail without the
// surrounding composition. Unlike HandleDescribe this endpoint fails hard:
// there are no sibling modules to fall back on.
func (h *Handlers) HandleDescribeImage(w http.ResponseWriter, r *http.Request) {
	var req describeImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{
			Error: "request body is not valid JSON",
			Type:  string(apperrors.ErrTypeValidation),
		})
		return
	}

	if err := h.validateThumbnail(req.Thumbnail); err != nil {
		respondError(w, err)
		return
	}

	landCover := req.LandCover
	if landCover == "" {
		landCover = "no data"
	}

	description, err := h.describer.Fetch(r.Context(), enrich.DescribeInput{
		Thumbnail:        req.Thumbnail,
		PlaceName:        req.PlaceName,
		CapturedAt:       req.CapturedAt,
		LandCoverSummary: landCover,
		ImageID:          req.COGImageID,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, describeImageResponse{Description: description})
}

// validateDescribeRequest rejects anything composition cannot work with.
// Everything downstream of this check degrades instead of failing.
func (h *Handlers) validateDescribeRequest(req *models.DescribeRequest) error {
	if err := h.validateThumbnail(req.Thumbnail); err != nil {
		return err
	}

	if len(req.Coordinates) != 2 {
		return apperrors.ValidationError("coordinates must be [longitude, latitude]")
	}
	lon, lat := req.Coordinates[0], req.Coordinates[1]
	if lon < -180 || lon > 180 {
		return apperrors.ValidationError("longitude must be between -180 and 180")
	}
	if lat < -90 || lat > 90 {
		return apperrors.ValidationError("latitude must be between -90 and 90")
	}

	if len(req.BBox) != 0 && len(req.BBox) != 4 {
		return apperrors.ValidationError("bbox must have exactly four values when present")
	}
	return nil
}

func (h *Handlers) validateThumbnail(thumbnail string) error {
	if thumbnail == "" {
		return apperrors.ValidationError("thumbnail is required")
	}
	if int64(len(thumbnail)) > h.config.MaxThumbnailBytes {
		return apperrors.ValidationError(
			fmt.Sprintf("thumbnail exceeds the %d-byte limit", h.config.MaxThumbnailBytes))
	}
	return nil
}
