// Package model holds the model manager: the single surface through which
// both the admission gate and the workers run vehicle detection and
// face-detect-and-blur. Inference itself is opaque; the manager owns image
// decode/encode, confidence thresholding, the vehicle class set, and the
// blur application around two injected model functions.
package model

import (
	"context"
	"errors"
	"image"
)

// Detection is a single raw detection emitted by a model function.
// Box is [x1, y1, x2, y2] in pixel coordinates.
type Detection struct {
	Box        [4]float64 `json:"box"`
	Confidence float64    `json:"confidence"`
	ClassID    int        `json:"class_id"`
	Label      string     `json:"label,omitempty"`
}

// DetectionMeta is the structured outcome of the vehicle pass, persisted on
// the job record and returned in status payloads.
type DetectionMeta struct {
	Boxes           [][4]float64 `json:"boxes"`
	Confidences     []float64    `json:"confidences"`
	ClassIDs        []int        `json:"class_ids"`
	DetectionCount  int          `json:"detection_count"`
	VehicleDetected bool         `json:"vehicle_detected"`
}

// FaceMeta is the structured outcome of the face pass.
type FaceMeta struct {
	FaceCount   int          `json:"face_count"`
	Boxes       [][4]float64 `json:"boxes"`
	Confidences []float64    `json:"confidences"`
	Reason      string       `json:"reason,omitempty"`
}

// VehicleDetectFunc runs the vehicle detection model on a decoded image.
type VehicleDetectFunc func(ctx context.Context, img image.Image) ([]Detection, error)

// FaceDetectFunc runs the face detection model on a decoded image.
type FaceDetectFunc func(ctx context.Context, img image.Image) ([]Detection, error)

// Models bundles the loaded model functions and their reported versions.
type Models struct {
	DetectVehicles VehicleDetectFunc
	DetectFaces    FaceDetectFunc
	Versions       map[string]string
}

// LoaderFunc loads the model functions. Called at most once, on first use.
type LoaderFunc func(ctx context.Context) (*Models, error)

// COCO class ids for the vehicle classes the gate accepts.
const (
	ClassCar        = 2
	ClassMotorcycle = 3
	ClassBus        = 5
	ClassTruck      = 7
)

// vehicleClasses is the accepted set: {car, bus, truck, motorcycle}.
var vehicleClasses = map[int]bool{
	ClassCar:        true,
	ClassMotorcycle: true,
	ClassBus:        true,
	ClassTruck:      true,
}

// IsVehicleClass reports whether a COCO class id belongs to the accepted
// vehicle set.
func IsVehicleClass(classID int) bool {
	return vehicleClasses[classID]
}

var (
	// ErrDecode indicates the payload could not be decoded as an image.
	// Fatal at the worker: retrying cannot fix the bytes.
	ErrDecode = errors.New("image decode failed")

	// ErrModel indicates a model function returned structurally invalid
	// output. Fatal at the worker.
	ErrModel = errors.New("model returned invalid output")

	// ErrNotLoaded indicates the model functions failed to load.
	ErrNotLoaded = errors.New("models not loaded")
)
