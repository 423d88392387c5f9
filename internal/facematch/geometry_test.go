package facematch

import (
	"math"
	"testing"
)

func TestComputeIoU(t *testing.T) {
	tests := []struct {
		name     string
		bbox1    []float64
		bbox2    []float64
		expected float64
	}{
		{
			name:     "identical boxes",
			bbox1:    []float64{0, 0, 10, 10},
			bbox2:    []float64{0, 0, 10, 10},
			expected: 1.0,
		},
		{
			name:     "no overlap",
			bbox1:    []float64{0, 0, 10, 10},
			bbox2:    []float64{20, 20, 30, 30},
			expected: 0.0,
		},
		{
			name:     "partial overlap",
			bbox1:    []float64{0, 0, 10, 10},
			bbox2:    []float64{5, 5, 15, 15},
			expected: 25.0 / 175.0, // intersection=25, union=100+100-25=175
		},
		{
			name:     "one inside other",
			bbox1:    []float64{0, 0, 20, 20},
			bbox2:    []float64{5, 5, 15, 15},
			expected: 100.0 / 400.0,
		},
		{
			name:     "invalid bbox1",
			bbox1:    []float64{0, 0, 10},
			bbox2:    []float64{0, 0, 10, 10},
			expected: 0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ComputeIoU(tt.bbox1, tt.bbox2)
			if math.Abs(result-tt.expected) > 0.0001 {
				t.Errorf("ComputeIoU(%v, %v) = %v, want %v", tt.bbox1, tt.bbox2, result, tt.expected)
			}
		})
	}
}

func TestCornersToRect(t *testing.T) {
	tests := []struct {
		name       string
		bbox       []float64
		x, y, w, h int
		ok         bool
	}{
		{"simple", []float64{10, 20, 110, 220}, 10, 20, 100, 200, true},
		{"rounds", []float64{10.4, 19.6, 50.5, 60.2}, 10, 20, 41, 40, true},
		{"inverted", []float64{100, 100, 10, 10}, 0, 0, 0, 0, false},
		{"short", []float64{1, 2}, 0, 0, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, y, w, h, ok := CornersToRect(tt.bbox)
			if ok != tt.ok || x != tt.x || y != tt.y || w != tt.w || h != tt.h {
				t.Errorf("CornersToRect(%v) = %d,%d,%d,%d,%v want %d,%d,%d,%d,%v",
					tt.bbox, x, y, w, h, ok, tt.x, tt.y, tt.w, tt.h, tt.ok)
			}
		})
	}
}

func TestRectToCorners(t *testing.T) {
	result := RectToCorners(1, 2, 3, 4)
	expected := []float64{1, 2, 4, 6}
	for i := range result {
		if result[i] != expected[i] {
			t.Errorf("RectToCorners() = %v, want %v", result, expected)
			break
		}
	}
}
