package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/roadsight/blurpipe/internal/logger"
)

// Config holds detection thresholds.
type Config struct {
	// VehicleConfidenceThreshold filters vehicle detections.
	VehicleConfidenceThreshold float64

	// FaceConfidenceThreshold filters face detections.
	FaceConfidenceThreshold float64
}

const defaultConfidenceThreshold = 0.8

func (c Config) withDefaults() Config {
	if c.VehicleConfidenceThreshold <= 0 {
		c.VehicleConfidenceThreshold = defaultConfidenceThreshold
	}
	if c.FaceConfidenceThreshold <= 0 {
		c.FaceConfidenceThreshold = defaultConfidenceThreshold
	}
	return c
}

// Manager wraps the injected model functions with image decode, confidence
// thresholding, vehicle class filtering, blur, and re-encode. Models load
// lazily on first use and are shared by the gate and all workers.
type Manager struct {
	loader LoaderFunc
	cfg    Config

	mu     sync.Mutex
	models *Models
}

// NewManager creates a manager around a model loader.
func NewManager(loader LoaderFunc, cfg Config) *Manager {
	return &Manager{loader: loader, cfg: cfg.withDefaults()}
}

// load returns the loaded models, loading them on first call. A failed load
// is not cached; the next call retries.
func (m *Manager) load(ctx context.Context) (*Models, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.models != nil {
		return m.models, nil
	}

	models, err := m.loader(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotLoaded, err)
	}
	if models == nil || models.DetectVehicles == nil || models.DetectFaces == nil {
		return nil, fmt.Errorf("%w: loader returned incomplete models", ErrNotLoaded)
	}

	logger.Info("models loaded", "versions", models.Versions)
	m.models = models
	return m.models, nil
}

// DetectVehicles decodes the image and runs the vehicle pass. The returned
// meta keeps only detections above the confidence threshold whose class is
// in the accepted vehicle set.
func (m *Manager) DetectVehicles(ctx context.Context, data []byte) (*DetectionMeta, error) {
	models, err := m.load(ctx)
	if err != nil {
		return nil, err
	}

	img, _, err := decodeImage(data)
	if err != nil {
		return nil, err
	}

	dets, err := models.DetectVehicles(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("vehicle detection failed: %w", err)
	}

	meta := &DetectionMeta{}
	for _, d := range dets {
		if err := validateDetection(d); err != nil {
			return nil, err
		}
		if d.Confidence < m.cfg.VehicleConfidenceThreshold || !IsVehicleClass(d.ClassID) {
			continue
		}
		meta.Boxes = append(meta.Boxes, d.Box)
		meta.Confidences = append(meta.Confidences, d.Confidence)
		meta.ClassIDs = append(meta.ClassIDs, d.ClassID)
	}
	meta.DetectionCount = len(meta.Boxes)
	meta.VehicleDetected = meta.DetectionCount > 0
	return meta, nil
}

// DetectAndBlurFaces decodes the image, runs the face pass, blurs every face
// region above the confidence threshold, and re-encodes in the original
// format. With zero faces the original bytes come back untouched.
func (m *Manager) DetectAndBlurFaces(ctx context.Context, data []byte) ([]byte, *FaceMeta, error) {
	models, err := m.load(ctx)
	if err != nil {
		return nil, nil, err
	}

	img, format, err := decodeImage(data)
	if err != nil {
		return nil, nil, err
	}

	dets, err := models.DetectFaces(ctx, img)
	if err != nil {
		return nil, nil, fmt.Errorf("face detection failed: %w", err)
	}

	meta := &FaceMeta{}
	for _, d := range dets {
		if err := validateDetection(d); err != nil {
			return nil, nil, err
		}
		if d.Confidence < m.cfg.FaceConfidenceThreshold {
			continue
		}
		meta.Boxes = append(meta.Boxes, d.Box)
		meta.Confidences = append(meta.Confidences, d.Confidence)
	}
	meta.FaceCount = len(meta.Boxes)

	if meta.FaceCount == 0 {
		meta.Reason = "no faces detected"
		return data, meta, nil
	}

	blurred := blurRegions(img, meta.Boxes)
	out, err := encodeImage(blurred, format)
	if err != nil {
		return nil, nil, err
	}
	return out, meta, nil
}

// Versions reports the loaded model versions, loading on demand.
func (m *Manager) Versions(ctx context.Context) (map[string]string, error) {
	models, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	return models.Versions, nil
}

// validateDetection rejects structurally invalid model output.
func validateDetection(d Detection) error {
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("%w: confidence %f out of range", ErrModel, d.Confidence)
	}
	if d.Box[2] < d.Box[0] || d.Box[3] < d.Box[1] {
		return fmt.Errorf("%w: degenerate box %v", ErrModel, d.Box)
	}
	return nil
}
