package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kozaktomas/face-memory/internal/facematch"
)

// ImportImage is one enrollment photo of a batch.
type ImportImage struct {
	Name string
	Data []byte
}

// ImportReport summarizes a batch import for one person.
type ImportReport struct {
	ID              string   `json:"id"`
	PersonName      string   `json:"person_name"`
	Success         bool     `json:"success"`
	ImagesProcessed int      `json:"images_processed"`
	FacesDetected   int      `json:"faces_detected"`
	Errors          []string `json:"errors"`
	FailedImages    []string `json:"failed_images"`
}

// ImportBatch imports every image under name. Images without a usable face
// are reported and skipped; an unavailable provider aborts the batch.
// progress, if not nil, is called after each image.
func (e *Engine) ImportBatch(ctx context.Context, name string, images []ImportImage, progress func()) (ImportReport, error) {
	report := ImportReport{
		ID:           facematch.NormalizeName(name),
		PersonName:   name,
		Errors:       []string{},
		FailedImages: []string{},
	}
	if report.ID == "" {
		return report, errors.New("name must not be empty")
	}

	for _, img := range images {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		_, ok, err := e.ImportIdentity(ctx, img.Data, name)
		if progress != nil {
			progress()
		}
		if errors.Is(err, ErrProviderUnavailable) {
			return report, err
		}
		report.ImagesProcessed++
		if ok {
			report.FacesDetected++
			continue
		}
		report.FailedImages = append(report.FailedImages, img.Name)
		if err == nil {
			err = ErrNoFace
		}
		report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", img.Name, err))
	}

	report.Success = report.FacesDetected > 0
	e.log.Info("batch import finished",
		zap.String("id", report.ID),
		zap.Int("images", report.ImagesProcessed),
		zap.Int("faces", report.FacesDetected))
	return report, nil
}
