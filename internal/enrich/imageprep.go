package enrich

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	_ "image/gif"
	_ "image/png"

	xdraw "golang.org/x/image/draw"

	apperrors "tile-describer/internal/common/errors"
)

const jpegQuality = 85

// prepareImage normalizes a thumbnail for the vision upstream: downscale so
// the longest edge fits maxEdge, flatten any alpha channel onto opaque white,
// and re-encode as JPEG. This bounds upstream cost and sidesteps format
// support gaps.
func prepareImage(raw []byte, maxEdge int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, apperrors.ValidationError("thumbnail is not a decodable image")
	}

	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, apperrors.ValidationError("thumbnail has zero dimensions")
	}

	targetW, targetH := width, height
	if longest := max(width, height); longest > maxEdge {
		scale := float64(maxEdge) / float64(longest)
		targetW = max(1, int(float64(width)*scale))
		targetH = max(1, int(float64(height)*scale))
	}

	dst := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, xdraw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, apperrors.InternalError("failed to encode thumbnail", err)
	}
	return buf.Bytes(), nil
}
