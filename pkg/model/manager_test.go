package model

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
)

// testImage builds a PNG with a bright uniform patch so blur effects are
// observable.
func testImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// Checkerboard: blur averages neighbors, so any blurred
			// pixel moves away from pure black/white.
			if (x+y)%2 == 0 {
				img.Set(x, y, color.RGBA{255, 255, 255, 255})
			} else {
				img.Set(x, y, color.RGBA{0, 0, 0, 255})
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func staticLoader(vehicles, faces []Detection) LoaderFunc {
	return func(ctx context.Context) (*Models, error) {
		return &Models{
			DetectVehicles: func(ctx context.Context, img image.Image) ([]Detection, error) {
				return vehicles, nil
			},
			DetectFaces: func(ctx context.Context, img image.Image) ([]Detection, error) {
				return faces, nil
			},
			Versions: map[string]string{"vehicle": "v8n", "face": "v8n-face"},
		}, nil
	}
}

func TestDetectVehiclesFiltersByThresholdAndClass(t *testing.T) {
	dets := []Detection{
		{Box: [4]float64{0, 0, 10, 10}, Confidence: 0.95, ClassID: ClassCar},
		{Box: [4]float64{10, 10, 20, 20}, Confidence: 0.5, ClassID: ClassTruck},  // below threshold
		{Box: [4]float64{20, 20, 30, 30}, Confidence: 0.99, ClassID: 0},          // person, not a vehicle
		{Box: [4]float64{30, 30, 40, 40}, Confidence: 0.85, ClassID: ClassBus},
	}
	m := NewManager(staticLoader(dets, nil), Config{})

	meta, err := m.DetectVehicles(context.Background(), testImage(t, 64, 64))
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}

	if !meta.VehicleDetected {
		t.Error("expected vehicle detected")
	}
	if meta.DetectionCount != 2 {
		t.Errorf("detection count = %d, want 2", meta.DetectionCount)
	}
	if meta.ClassIDs[0] != ClassCar || meta.ClassIDs[1] != ClassBus {
		t.Errorf("unexpected class ids %v", meta.ClassIDs)
	}
}

func TestDetectVehiclesNone(t *testing.T) {
	m := NewManager(staticLoader(nil, nil), Config{})
	meta, err := m.DetectVehicles(context.Background(), testImage(t, 32, 32))
	if err != nil {
		t.Fatal(err)
	}
	if meta.VehicleDetected || meta.DetectionCount != 0 {
		t.Errorf("expected empty meta, got %+v", meta)
	}
}

func TestDetectVehiclesDecodeError(t *testing.T) {
	m := NewManager(staticLoader(nil, nil), Config{})
	_, err := m.DetectVehicles(context.Background(), []byte("not an image"))
	if !errors.Is(err, ErrDecode) {
		t.Errorf("expected ErrDecode, got %v", err)
	}
}

func TestDetectAndBlurFacesChangesPixels(t *testing.T) {
	faces := []Detection{
		{Box: [4]float64{8, 8, 40, 40}, Confidence: 0.9},
	}
	m := NewManager(staticLoader(nil, faces), Config{})
	src := testImage(t, 64, 64)

	out, meta, err := m.DetectAndBlurFaces(context.Background(), src)
	if err != nil {
		t.Fatalf("blur failed: %v", err)
	}

	if meta.FaceCount != 1 {
		t.Errorf("face count = %d, want 1", meta.FaceCount)
	}
	if bytes.Equal(out, src) {
		t.Error("output bytes identical to input; blur did not apply")
	}

	img, _, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("output not decodable: %v", err)
	}

	// Inside the face box the checkerboard must be averaged toward gray.
	r, g, b, _ := img.At(20, 20).RGBA()
	for _, v := range []uint32{r >> 8, g >> 8, b >> 8} {
		if v < 32 || v > 224 {
			t.Errorf("pixel inside face box not blurred: %d", v)
		}
	}

	// Outside the box the checkerboard survives.
	r, _, _, _ = img.At(60, 60).RGBA()
	v := r >> 8
	if v > 32 && v < 224 {
		t.Errorf("pixel outside face box was modified: %d", v)
	}
}

func TestDetectAndBlurFacesNoFacesReturnsOriginal(t *testing.T) {
	m := NewManager(staticLoader(nil, nil), Config{})
	src := testImage(t, 32, 32)

	out, meta, err := m.DetectAndBlurFaces(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if meta.FaceCount != 0 {
		t.Errorf("face count = %d, want 0", meta.FaceCount)
	}
	if !bytes.Equal(out, src) {
		t.Error("zero-face path must return original bytes unchanged")
	}
}

func TestDetectAndBlurFacesThreshold(t *testing.T) {
	faces := []Detection{
		{Box: [4]float64{0, 0, 10, 10}, Confidence: 0.3},
	}
	m := NewManager(staticLoader(nil, faces), Config{FaceConfidenceThreshold: 0.8})
	src := testImage(t, 32, 32)

	out, meta, err := m.DetectAndBlurFaces(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if meta.FaceCount != 0 {
		t.Error("low-confidence face should be filtered")
	}
	if !bytes.Equal(out, src) {
		t.Error("filtered-out face must leave bytes unchanged")
	}
}

func TestFormatPreserved(t *testing.T) {
	faces := []Detection{{Box: [4]float64{0, 0, 16, 16}, Confidence: 0.95}}
	m := NewManager(staticLoader(nil, faces), Config{})

	out, _, err := m.DetectAndBlurFaces(context.Background(), testImage(t, 32, 32))
	if err != nil {
		t.Fatal(err)
	}

	_, format, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	if format != "png" {
		t.Errorf("expected png output for png input, got %q", format)
	}
}

func TestInvalidModelOutput(t *testing.T) {
	bad := []Detection{{Box: [4]float64{10, 10, 0, 0}, Confidence: 0.9, ClassID: ClassCar}}
	m := NewManager(staticLoader(bad, nil), Config{})

	_, err := m.DetectVehicles(context.Background(), testImage(t, 16, 16))
	if !errors.Is(err, ErrModel) {
		t.Errorf("expected ErrModel for degenerate box, got %v", err)
	}
}

func TestLoaderCalledOnce(t *testing.T) {
	calls := 0
	loader := func(ctx context.Context) (*Models, error) {
		calls++
		m, _ := staticLoader(nil, nil)(ctx)
		return m, nil
	}
	m := NewManager(loader, Config{})

	for i := 0; i < 3; i++ {
		if _, err := m.DetectVehicles(context.Background(), testImage(t, 8, 8)); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 1 {
		t.Errorf("loader called %d times, want 1", calls)
	}
}

func TestLoaderFailureRetried(t *testing.T) {
	calls := 0
	loader := func(ctx context.Context) (*Models, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("weights unavailable")
		}
		return staticLoader(nil, nil)(ctx)
	}
	m := NewManager(loader, Config{})

	if _, err := m.DetectVehicles(context.Background(), testImage(t, 8, 8)); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded on first call, got %v", err)
	}
	if _, err := m.DetectVehicles(context.Background(), testImage(t, 8, 8)); err != nil {
		t.Errorf("second call should succeed after loader recovers: %v", err)
	}
}
