package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"hazardwatch/internal/pipeline"
)

const healthCacheTTL = 30 * time.Second

// YOLODetector calls a YOLO inference service over HTTP
type YOLODetector struct {
	endpoint      string
	client        *http.Client
	confThreshold float32
	classesFilter string
	healthy       bool
	healthCheck   time.Time
	mu            sync.RWMutex
}

// YOLODetection represents a single YOLO detection result
type YOLODetection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float32   `json:"confidence"`
	BBox       []float32 `json:"bbox"` // [x1, y1, x2, y2]
}

// YOLOResult represents YOLO detection response
type YOLOResult struct {
	Detections      []YOLODetection `json:"detections"`
	Count           int             `json:"count"`
	InferenceTimeMs float32         `json:"inference_time_ms"`
	Device          string          `json:"device"`
}

// YOLOHealthResponse represents health check response
type YOLOHealthResponse struct {
	Status       string `json:"status"`
	Device       string `json:"device"`
	GPUAvailable bool   `json:"gpu_available"`
	ModelLoaded  bool   `json:"model_loaded"`
}

// YOLOConfig holds configuration for the detector
type YOLOConfig struct {
	ServiceEndpoint     string
	ConfidenceThreshold float32
	ClassesFilter       string
	Timeout             time.Duration
}

// NewYOLODetector creates a new YOLO-powered detector
func NewYOLODetector(cfg YOLOConfig) *YOLODetector {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second // GPU inference can be slow on a cold model
	}
	return &YOLODetector{
		endpoint:      strings.TrimRight(cfg.ServiceEndpoint, "/"),
		client:        &http.Client{Timeout: timeout},
		confThreshold: cfg.ConfidenceThreshold,
		classesFilter: cfg.ClassesFilter,
	}
}

// Name implements pipeline.Detector
func (yd *YOLODetector) Name() string { return "yolo-http" }

// IsHealthy checks if the YOLO service is up with its model loaded
func (yd *YOLODetector) IsHealthy(ctx context.Context) bool {
	yd.mu.RLock()
	if time.Since(yd.healthCheck) < healthCacheTTL {
		healthy := yd.healthy
		yd.mu.RUnlock()
		return healthy
	}
	yd.mu.RUnlock()

	health, err := yd.GetHealthInfo(ctx)
	healthy := err == nil && health.ModelLoaded

	yd.mu.Lock()
	yd.healthy = healthy
	yd.healthCheck = time.Now()
	yd.mu.Unlock()
	return healthy
}

// GetHealthInfo returns detailed health information
func (yd *YOLODetector) GetHealthInfo(ctx context.Context) (*YOLOHealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, yd.endpoint+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := yd.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to check YOLO health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("YOLO health check returned status %d", resp.StatusCode)
	}

	var health YOLOHealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &health, nil
}

// Detect posts the frame to /detect and converts the response
func (yd *YOLODetector) Detect(ctx context.Context, frame *pipeline.FrameData) ([]pipeline.Prediction, error) {
	result, err := yd.DetectObjects(ctx, frame.Data)
	if err != nil {
		return nil, err
	}

	preds := make([]pipeline.Prediction, 0, len(result.Detections))
	for _, d := range result.Detections {
		p := pipeline.Prediction{Class: d.Class, Confidence: d.Confidence}
		if len(d.BBox) == 4 {
			p.BBox = &pipeline.BBox{X1: d.BBox[0], Y1: d.BBox[1], X2: d.BBox[2], Y2: d.BBox[3]}
		}
		preds = append(preds, p)
	}
	return preds, nil
}

// DetectObjects performs YOLO object detection on a JPEG image
func (yd *YOLODetector) DetectObjects(ctx context.Context, imageData []byte) (*YOLOResult, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(imageData); err != nil {
		return nil, err
	}
	if yd.confThreshold > 0 {
		w.WriteField("conf_threshold", fmt.Sprintf("%.3f", yd.confThreshold))
	}
	if yd.classesFilter != "" {
		w.WriteField("classes_filter", yd.classesFilter)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, yd.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := yd.client.Do(req)
	if err != nil {
		yd.markUnhealthy()
		return nil, fmt.Errorf("YOLO request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("YOLO detection failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result YOLOResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode YOLO response: %w", err)
	}
	return &result, nil
}

func (yd *YOLODetector) markUnhealthy() {
	yd.mu.Lock()
	yd.healthy = false
	yd.healthCheck = time.Now()
	yd.mu.Unlock()
}

// Close implements pipeline.Detector
func (yd *YOLODetector) Close() error {
	yd.client.CloseIdleConnections()
	return nil
}

var _ pipeline.Detector = (*YOLODetector)(nil)
