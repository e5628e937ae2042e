package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gatecount/gatecount/internal/database"
	"github.com/gatecount/gatecount/internal/worker"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open(&database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	return db
}

// fakePipeline answers handler calls with canned values and records
// control operations.
type fakePipeline struct {
	mu     sync.Mutex
	status worker.Status
	stats  worker.Stats
	frame  []byte
	seq    int64

	reconfigureErr error
	resetErr       error

	reconfigured []worker.PipelineConfig
	resets       []bool
}

func (f *fakePipeline) Status() worker.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakePipeline) Stats() worker.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakePipeline) Annotated() ([]byte, int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frame, f.seq
}

func (f *fakePipeline) Reconfigure(ctx context.Context, pcfg worker.PipelineConfig, resetCounters bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reconfigureErr != nil {
		return f.reconfigureErr
	}
	f.reconfigured = append(f.reconfigured, pcfg)
	return nil
}

func (f *fakePipeline) Reset(ctx context.Context, clearGallery bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resetErr != nil {
		return f.resetErr
	}
	f.resets = append(f.resets, clearGallery)
	return nil
}

func (f *fakePipeline) lastReconfigure(t *testing.T) worker.PipelineConfig {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reconfigured) == 0 {
		t.Fatal("Expected at least one Reconfigure call")
	}
	return f.reconfigured[len(f.reconfigured)-1]
}

// envelope mirrors Response with raw data for per-test decoding.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *ErrorInfo      `json:"error"`
	Meta    *Meta           `json:"meta"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("Failed to decode response envelope: %v (body: %s)", err, rec.Body.String())
	}
	return env
}

func decodeData(t *testing.T, env envelope, into interface{}) {
	t.Helper()
	if err := json.Unmarshal(env.Data, into); err != nil {
		t.Fatalf("Failed to decode response data: %v (data: %s)", err, env.Data)
	}
}
