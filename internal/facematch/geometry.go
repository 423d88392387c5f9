// Package facematch holds geometry and name helpers shared by detection and storage.
package facematch

import "math"

// ComputeIoU calculates Intersection over Union between two bounding boxes.
// bbox1 and bbox2 are [x1, y1, x2, y2] in the same coordinate system.
func ComputeIoU(bbox1, bbox2 []float64) float64 {
	if len(bbox1) != 4 || len(bbox2) != 4 {
		return 0
	}

	// Calculate intersection.
	x1 := max(bbox1[0], bbox2[0])
	y1 := max(bbox1[1], bbox2[1])
	x2 := min(bbox1[2], bbox2[2])
	y2 := min(bbox1[3], bbox2[3])

	if x2 <= x1 || y2 <= y1 {
		return 0 // No intersection
	}

	intersection := (x2 - x1) * (y2 - y1)

	// Calculate union.
	area1 := (bbox1[2] - bbox1[0]) * (bbox1[3] - bbox1[1])
	area2 := (bbox2[2] - bbox2[0]) * (bbox2[3] - bbox2[1])
	union := area1 + area2 - intersection

	if union <= 0 {
		return 0
	}

	return intersection / union
}

// CornersToRect converts a pixel bbox [x1, y1, x2, y2] to integer x, y, w, h.
// Coordinates are rounded to the nearest pixel. ok is false for malformed
// or empty boxes.
func CornersToRect(bbox []float64) (x, y, w, h int, ok bool) {
	if len(bbox) != 4 {
		return 0, 0, 0, 0, false
	}
	x1 := int(math.Round(bbox[0]))
	y1 := int(math.Round(bbox[1]))
	x2 := int(math.Round(bbox[2]))
	y2 := int(math.Round(bbox[3]))
	if x2 <= x1 || y2 <= y1 {
		return 0, 0, 0, 0, false
	}
	return x1, y1, x2 - x1, y2 - y1, true
}

// RectToCorners converts x, y, w, h to [x1, y1, x2, y2].
func RectToCorners(x, y, w, h int) []float64 {
	return []float64{
		float64(x),
		float64(y),
		float64(x + w),
		float64(y + h),
	}
}
