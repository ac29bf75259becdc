package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cnc-twin/internal/ml"
	"cnc-twin/internal/telemetry"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testRecord(machine string, ts time.Time, rpm int) telemetry.Record {
	return telemetry.Record{
		Timestamp:        ts,
		MachineID:        machine,
		OperationID:      "OP-001",
		SpindleSpeedRPM:  rpm,
		SurfaceRoughness: 0.6,
		RULMinutes:       40,
	}
}

func TestNew(t *testing.T) {
	tempDir := t.TempDir()

	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	if store.db == nil {
		t.Error("Store database is nil")
	}

	dbPath := filepath.Join(tempDir, "cnc-twin.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if store.Path() != dbPath {
		t.Errorf("Expected path %s, got %s", dbPath, store.Path())
	}
}

func TestNew_InvalidPath(t *testing.T) {
	invalidPath := filepath.Join(t.TempDir(), "missing", "dir")

	_, err := New(invalidPath)
	if err == nil {
		t.Error("Expected error for invalid path, got nil")
	}
}

func TestStore_Close(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Errorf("Error closing store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Error closing already closed store: %v", err)
	}
}

func TestStore_CloseNilDB(t *testing.T) {
	store := &Store{db: nil}
	if err := store.Close(); err != nil {
		t.Errorf("Expected no error for nil db, got: %v", err)
	}
}

func TestGetRecords(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if err := store.StoreRecord(testRecord("CNC-01", base.Add(time.Duration(i)*time.Second), 1000+i)); err != nil {
			t.Fatalf("Failed to store record: %v", err)
		}
	}
	if err := store.StoreRecord(testRecord("CNC-02", base.Add(2*time.Second), 9999)); err != nil {
		t.Fatalf("Failed to store record: %v", err)
	}

	records, err := store.GetRecords("CNC-01", base.Add(time.Second), base.Add(3*time.Second))
	if err != nil {
		t.Fatalf("Failed to get records: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}
	for i, r := range records {
		if r.MachineID != "CNC-01" {
			t.Errorf("Record %d: expected CNC-01, got %s", i, r.MachineID)
		}
		if r.SpindleSpeedRPM != 1001+i {
			t.Errorf("Record %d: expected rpm %d, got %d", i, 1001+i, r.SpindleSpeedRPM)
		}
		if !r.Timestamp.Equal(base.Add(time.Duration(i+1) * time.Second)) {
			t.Errorf("Record %d: unexpected timestamp %v", i, r.Timestamp)
		}
	}
}

func TestGetRecords_OrderAcrossDigitLengths(t *testing.T) {
	store := newTestStore(t)

	early := time.Unix(0, 999)
	late := time.Unix(0, 1000)
	if err := store.StoreRecord(testRecord("CNC-01", late, 2)); err != nil {
		t.Fatalf("Failed to store record: %v", err)
	}
	if err := store.StoreRecord(testRecord("CNC-01", early, 1)); err != nil {
		t.Fatalf("Failed to store record: %v", err)
	}

	records, err := store.GetRecords("CNC-01", time.Unix(0, 0), time.Unix(10, 0))
	if err != nil {
		t.Fatalf("Failed to get records: %v", err)
	}
	if len(records) != 2 || records[0].SpindleSpeedRPM != 1 || records[1].SpindleSpeedRPM != 2 {
		t.Errorf("Expected records in time order, got %+v", records)
	}
}

func TestGetRecords_EmptyResult(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	records, err := store.GetRecords("CNC-09", now.Add(-time.Hour), now)
	if err != nil {
		t.Fatalf("Failed to get records: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Expected 0 records, got %d", len(records))
	}
}

func TestStoreRecords(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var batch []telemetry.Record
	for i := 0; i < 10; i++ {
		batch = append(batch, testRecord(fmt.Sprintf("CNC-%02d", i%2+1), base.Add(time.Duration(i)*time.Second), 1000))
	}
	if err := store.StoreRecords(batch); err != nil {
		t.Fatalf("Failed to store batch: %v", err)
	}

	records, payloads, err := store.Count()
	if err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if records != 10 || payloads != 0 {
		t.Errorf("Expected 10 records and 0 payloads, got %d/%d", records, payloads)
	}

	got, err := store.GetRecords("CNC-02", base, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("Failed to get records: %v", err)
	}
	if len(got) != 5 {
		t.Errorf("Expected 5 CNC-02 records, got %d", len(got))
	}
}

func TestPayloads(t *testing.T) {
	store := newTestStore(t)
	ts := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	p := telemetry.Payload{
		Ts:         ts.Format(telemetry.TimestampLayout),
		MachineID:  "CNC-01",
		SpindleRPM: 4200,
		FeedRate:   800,
		Vibration:  telemetry.Vibration{X: 0.1, Y: 0.2, Z: 0.3},
	}
	if err := store.StorePayload(p); err != nil {
		t.Fatalf("Failed to store payload: %v", err)
	}

	payloads, err := store.GetPayloads("CNC-01", ts.Add(-time.Second), ts.Add(time.Second))
	if err != nil {
		t.Fatalf("Failed to get payloads: %v", err)
	}
	if len(payloads) != 1 {
		t.Fatalf("Expected 1 payload, got %d", len(payloads))
	}
	if payloads[0].SpindleRPM != 4200 || payloads[0].Vibration.Z != 0.3 {
		t.Errorf("Unexpected payload %+v", payloads[0])
	}
}

func TestPayloads_MalformedTimestamp(t *testing.T) {
	store := newTestStore(t)

	before := time.Now().UTC().Add(-time.Second)
	if err := store.StorePayload(telemetry.Payload{Ts: "yesterday", MachineID: "CNC-01"}); err != nil {
		t.Fatalf("Failed to store payload: %v", err)
	}

	payloads, err := store.GetPayloads("CNC-01", before, time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatalf("Failed to get payloads: %v", err)
	}
	if len(payloads) != 1 {
		t.Errorf("Expected payload keyed by receive time, got %d", len(payloads))
	}
}

func TestTrainingRuns(t *testing.T) {
	store := newTestStore(t)

	if _, ok, err := store.LatestRun(); err != nil || ok {
		t.Fatalf("Expected no runs, got ok=%v err=%v", ok, err)
	}

	base := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	for i, r2 := range []float64{0.80, 0.81, 0.82} {
		run, err := store.StoreRun(TrainingRun{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Dataset:   "data/digital_twin_cnc_operation.csv",
			Metrics:   ml.TrainingMetrics{RoughnessR2: r2, TotalRows: 2500},
		})
		if err != nil {
			t.Fatalf("Failed to store run: %v", err)
		}
		if run.ID == "" {
			t.Error("Expected run id to be assigned")
		}
	}

	latest, ok, err := store.LatestRun()
	if err != nil || !ok {
		t.Fatalf("Expected latest run, got ok=%v err=%v", ok, err)
	}
	if latest.Metrics.RoughnessR2 != 0.82 {
		t.Errorf("Expected latest R² 0.82, got %f", latest.Metrics.RoughnessR2)
	}

	runs, err := store.Runs(2)
	if err != nil {
		t.Fatalf("Failed to list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(runs))
	}
	if !runs[0].Timestamp.After(runs[1].Timestamp) {
		t.Error("Expected runs most recent first")
	}
	if runs[0].ID == runs[1].ID {
		t.Error("Expected distinct run ids")
	}

	all, err := store.Runs(0)
	if err != nil {
		t.Fatalf("Failed to list runs: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 runs, got %d", len(all))
	}
}

func TestTrainingRuns_KeepsGivenID(t *testing.T) {
	store := newTestStore(t)

	run, err := store.StoreRun(TrainingRun{ID: "fixed"})
	if err != nil {
		t.Fatalf("Failed to store run: %v", err)
	}
	if run.ID != "fixed" {
		t.Errorf("Expected id fixed, got %s", run.ID)
	}
	if run.Timestamp.IsZero() {
		t.Error("Expected timestamp to be assigned")
	}
}

func TestConcurrentAccess(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			machine := fmt.Sprintf("CNC-%02d", g+1)
			for i := 0; i < 10; i++ {
				if err := store.StoreRecord(testRecord(machine, base.Add(time.Duration(i)*time.Millisecond), i)); err != nil {
					errs <- err
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Concurrent store failed: %v", err)
	}

	records, _, err := store.Count()
	if err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if records != 40 {
		t.Errorf("Expected 40 records, got %d", records)
	}
}

func BenchmarkStoreRecord(b *testing.B) {
	store, err := New(b.TempDir())
	if err != nil {
		b.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	base := time.Now()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := store.StoreRecord(testRecord("CNC-01", base.Add(time.Duration(i)), 1000)); err != nil {
			b.Fatal(err)
		}
	}
}
