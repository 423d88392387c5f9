package engine

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	"golang.org/x/image/draw"

	"github.com/kozaktomas/face-memory/internal/identity"
)

const thumbnailQuality = 85

// Margins around the face box, as fractions of its size. The top margin is
// larger to keep the forehead and hair.
const (
	marginTop    = 0.5
	marginBottom = 0.2
	marginSide   = 0.25
)

// ThumbnailRect returns the crop rectangle for a face box: the box widened by
// the margins, expanded to the width:height ratio of the thumbnail and kept
// inside bounds.
func ThumbnailRect(bounds image.Rectangle, box identity.Box, width, height int) image.Rectangle {
	x0 := float64(box.X) - marginSide*float64(box.W)
	x1 := float64(box.X+box.W) + marginSide*float64(box.W)
	y0 := float64(box.Y) - marginTop*float64(box.H)
	y1 := float64(box.Y+box.H) + marginBottom*float64(box.H)

	ratio := float64(width) / float64(height)
	cw, ch := x1-x0, y1-y0
	if cw/ch > ratio {
		grow := cw/ratio - ch
		y0 -= grow / 2
		y1 += grow / 2
	} else {
		grow := ch*ratio - cw
		x0 -= grow / 2
		x1 += grow / 2
	}

	// Slide the window back inside the image before clipping.
	x0, x1 = shiftInto(x0, x1, float64(bounds.Min.X), float64(bounds.Max.X))
	y0, y1 = shiftInto(y0, y1, float64(bounds.Min.Y), float64(bounds.Max.Y))

	r := image.Rect(int(math.Floor(x0)), int(math.Floor(y0)), int(math.Ceil(x1)), int(math.Ceil(y1)))
	return r.Intersect(bounds)
}

func shiftInto(lo, hi, minV, maxV float64) (float64, float64) {
	if hi-lo >= maxV-minV {
		return minV, maxV
	}
	if lo < minV {
		hi += minV - lo
		lo = minV
	}
	if hi > maxV {
		lo -= hi - maxV
		hi = maxV
	}
	return lo, hi
}

// CropThumbnail cuts the face out of img and encodes it as a width x height JPEG.
func CropThumbnail(img image.Image, box identity.Box, width, height int) ([]byte, error) {
	if box.W <= 0 || box.H <= 0 {
		return nil, errors.New("empty face box")
	}
	if !image.Rect(box.X, box.Y, box.X+box.W, box.Y+box.H).Overlaps(img.Bounds()) {
		return nil, errors.New("face box outside image")
	}
	crop := ThumbnailRect(img.Bounds(), box, width, height)

	resized := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, crop, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: thumbnailQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
