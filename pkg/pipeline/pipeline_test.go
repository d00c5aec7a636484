package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/roadsight/blurpipe/pkg/blob/memory"
	"github.com/roadsight/blurpipe/pkg/metadata"
	"github.com/roadsight/blurpipe/pkg/model"
	"github.com/roadsight/blurpipe/pkg/queue/sqlqueue"
)

// testEnv bundles in-memory versions of every pipeline dependency.
type testEnv struct {
	models *model.Manager
	store  *metadata.GormStore
	blobs  *memory.Store
	jobs   *sqlqueue.SQLQueue
	stats  *Collector
}

// vehicleAndFaceLoader returns models that report one car and, optionally,
// one face on every image.
func vehicleAndFaceLoader(withVehicle, withFace bool) model.LoaderFunc {
	return func(ctx context.Context) (*model.Models, error) {
		return &model.Models{
			DetectVehicles: func(ctx context.Context, img image.Image) ([]model.Detection, error) {
				if !withVehicle {
					return nil, nil
				}
				return []model.Detection{
					{Box: [4]float64{0, 0, 20, 20}, Confidence: 0.95, ClassID: model.ClassCar},
				}, nil
			},
			DetectFaces: func(ctx context.Context, img image.Image) ([]model.Detection, error) {
				if !withFace {
					return nil, nil
				}
				return []model.Detection{
					{Box: [4]float64{4, 4, 16, 16}, Confidence: 0.9},
				}, nil
			},
			Versions: map[string]string{"vehicle": "test", "face": "test"},
		}, nil
	}
}

func newTestEnv(t *testing.T, loader model.LoaderFunc, queueCfg sqlqueue.Config) *testEnv {
	t.Helper()

	store, err := metadata.NewGormStore(metadata.Config{
		Type:        metadata.DatabaseSQLite,
		DSN:         ":memory:",
		AutoMigrate: true,
	})
	if err != nil {
		t.Fatalf("failed to open metadata store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	qdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open queue db: %v", err)
	}
	if queueCfg.VisibilityTimeout == 0 {
		queueCfg.VisibilityTimeout = time.Minute
	}
	jobs, err := sqlqueue.New(qdb, queueCfg)
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}

	return &testEnv{
		models: model.NewManager(loader, model.Config{}),
		store:  store,
		blobs:  memory.New(),
		jobs:   jobs,
		stats:  NewCollector(),
	}
}

func (e *testEnv) gate() *Gate {
	return NewGate(e.models, e.store, e.blobs, e.jobs, e.stats)
}

func (e *testEnv) worker(cfg WorkerConfig) *Worker {
	return NewWorker("worker-test", e.models, e.store, e.blobs, e.jobs, e.stats, cfg)
}

// smallImage is a PNG well under the inline payload threshold.
func smallImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
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

// largeImage is a noise PNG over the inline payload threshold, so it takes
// the staged path.
func largeImage(t *testing.T) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	img := image.NewRGBA(image.Rect(0, 0, 400, 400))
	for i := range img.Pix {
		img.Pix[i] = byte(rng.Intn(256))
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()
	if len(data) <= 256*1024 {
		t.Fatalf("test image too small to exercise staging: %d bytes", len(data))
	}
	return data
}

func depth(t *testing.T, e *testEnv) int64 {
	t.Helper()
	n, err := e.jobs.Depth(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return n
}
