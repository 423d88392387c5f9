// Package fingerprint is the HTTP client for the face embedding server.
package fingerprint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/kozaktomas/face-memory/internal/engine"
	"github.com/kozaktomas/face-memory/internal/facematch"
	"github.com/kozaktomas/face-memory/internal/identity"
)

const (
	defaultFaceServerURL = "http://localhost:8000"
	defaultTimeout       = 30 * time.Second

	// minEmbedIoU is the overlap needed to pair a re-detected face with the requested box.
	minEmbedIoU = 0.5
)

// FaceClient detects faces and computes their embeddings using the embedding
// server. It implements engine.Provider.
type FaceClient struct {
	baseURL string
	dim     int
	client  *http.Client
}

// NewFaceClient creates a client. A dim of zero accepts embeddings of any length.
func NewFaceClient(baseURL string, timeout time.Duration, dim int) *FaceClient {
	if baseURL == "" {
		baseURL = defaultFaceServerURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &FaceClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		dim:     dim,
		client:  &http.Client{Timeout: timeout},
	}
}

// FaceDetection represents a single detected face
type FaceDetection struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  float64   `json:"det_score"`
}

// FaceResponse represents the response from the face embedding endpoint
type FaceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []FaceDetection `json:"faces"`
	Model      string          `json:"model"`
}

// Ready checks the server health endpoint.
func (c *FaceClient) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", engine.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check returned status %d", engine.ErrProviderUnavailable, resp.StatusCode)
	}
	return nil
}

// postMultipartImage constructs a multipart form with the image data and posts it to the given endpoint.
// The part carries an explicit Content-Type header based on magic byte detection.
func (c *FaceClient) postMultipartImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image.jpg"`)
	h.Set("Content-Type", detectMIMEType(imageData))
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, fmt.Errorf("%w: %s", engine.ErrProviderUnavailable, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// detectMIMEType detects the MIME type from image data
func detectMIMEType(data []byte) string {
	if len(data) < 8 {
		return "application/octet-stream"
	}
	// JPEG: FF D8 FF
	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return "image/jpeg"
	}
	// PNG: 89 50 4E 47 0D 0A 1A 0A
	if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return "image/png"
	}
	// GIF: 47 49 46 38
	if data[0] == 0x47 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x38 {
		return "image/gif"
	}
	// BMP: 42 4D
	if data[0] == 0x42 && data[1] == 0x4D {
		return "image/bmp"
	}
	return "application/octet-stream"
}

// ComputeFaceEmbeddings detects faces and computes their embeddings
func (c *FaceClient) ComputeFaceEmbeddings(ctx context.Context, imageData []byte) (*FaceResponse, error) {
	body, err := c.postMultipartImage(ctx, "/embed/face", imageData)
	if err != nil {
		return nil, err
	}

	var faceResp FaceResponse
	if err := json.Unmarshal(body, &faceResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &faceResp, nil
}

// Detect returns the faces in frame with their embeddings. Faces with a
// malformed box or an embedding of the wrong dimension are skipped.
func (c *FaceClient) Detect(ctx context.Context, frame *engine.Frame) ([]engine.Detection, error) {
	if frame == nil || len(frame.Data) == 0 {
		return nil, errors.New("empty frame")
	}
	resp, err := c.ComputeFaceEmbeddings(ctx, frame.Data)
	if err != nil {
		return nil, err
	}

	detections := make([]engine.Detection, 0, len(resp.Faces))
	for _, f := range resp.Faces {
		x, y, w, h, ok := facematch.CornersToRect(f.BBox)
		if !ok {
			continue
		}
		if c.dim > 0 && len(f.Embedding) != c.dim {
			continue
		}
		detections = append(detections, engine.Detection{
			Box:        identity.Box{X: x, Y: y, W: w, H: h},
			Confidence: f.DetScore,
			Embedding:  f.Embedding,
		})
	}
	return detections, nil
}

// Embed returns the embedding for d. The server computes embeddings during
// detection, so a detection without one is re-detected and paired by overlap.
func (c *FaceClient) Embed(ctx context.Context, frame *engine.Frame, d engine.Detection) ([]float32, error) {
	if len(d.Embedding) > 0 {
		return d.Embedding, nil
	}
	detections, err := c.Detect(ctx, frame)
	if err != nil {
		return nil, err
	}

	var best []float32
	bestIoU := minEmbedIoU
	for _, cand := range detections {
		if iou := facematch.ComputeIoU(d.Box.Corners(), cand.Box.Corners()); iou >= bestIoU {
			best, bestIoU = cand.Embedding, iou
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no face found at %+v", d.Box)
	}
	return best, nil
}
