package ingest

import (
	"os"
	"path/filepath"
	"testing"
)

func TestJSONFileStateBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	backend := NewJSONFileStateBackend(path)

	loaded, err := backend.Load()
	if err != nil || loaded != nil {
		t.Fatalf("missing file should load nil, got %+v %v", loaded, err)
	}

	snapshot := &persistedState{
		ProcessingLog: []LogEntry{{CorrelationID: "corr_1", Outcome: OutcomeSuccess}},
		Settings:      Settings{DebugMode: true},
		Status:        ExtensionStatus{Phase: PhaseReady},
	}
	if err := backend.Save(snapshot); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err = backend.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded.ProcessingLog) != 1 || loaded.ProcessingLog[0].CorrelationID != "corr_1" {
		t.Fatalf("round trip lost entries: %+v", loaded)
	}
	if !loaded.Settings.DebugMode || loaded.Status.Phase != PhaseReady {
		t.Fatalf("round trip lost settings or status: %+v", loaded)
	}
}

func TestJSONFileStateBackendWritesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	backend := NewJSONFileStateBackend(path)
	if err := backend.Save(&persistedState{}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file left behind after rename")
	}
}

func TestInMemoryStateBackendClones(t *testing.T) {
	backend := NewInMemoryStateBackend()
	snapshot := &persistedState{Settings: Settings{AutoProcess: true}}
	if err := backend.Save(snapshot); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	snapshot.Settings.AutoProcess = false

	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !loaded.Settings.AutoProcess {
		t.Fatal("backend shared memory with the caller instead of cloning")
	}
}

func TestBuildStateBackendFromDSN(t *testing.T) {
	dir := t.TempDir()

	backend, err := BuildStateBackendFromDSN("")
	if err != nil || backend != nil {
		t.Fatalf("empty DSN should yield nil backend, got %T %v", backend, err)
	}

	backend, err = BuildStateBackendFromDSN(filepath.Join(dir, "bare.json"))
	if err != nil {
		t.Fatalf("bare path failed: %v", err)
	}
	if _, ok := backend.(*JSONFileStateBackend); !ok {
		t.Fatalf("bare path should select the JSON file backend, got %T", backend)
	}

	backend, err = BuildStateBackendFromDSN("file://" + filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("file DSN failed: %v", err)
	}
	if _, ok := backend.(*JSONFileStateBackend); !ok {
		t.Fatalf("file DSN should select the JSON file backend, got %T", backend)
	}

	backend, err = BuildStateBackendFromDSN("memory://")
	if err != nil {
		t.Fatalf("memory DSN failed: %v", err)
	}
	if _, ok := backend.(*InMemoryStateBackend); !ok {
		t.Fatalf("memory DSN should select the in-memory backend, got %T", backend)
	}

	if _, err := BuildStateBackendFromDSN("carrier-pigeon://coop"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestRegisteredFactoryWinsOverBuiltins(t *testing.T) {
	custom := NewInMemoryStateBackend()
	RegisterStateBackendFactory("testscheme", func(dsn string) (StateBackend, error) {
		return custom, nil
	})

	backend, err := BuildStateBackendFromDSN("testscheme://anything")
	if err != nil {
		t.Fatalf("registered scheme failed: %v", err)
	}
	if backend != StateBackend(custom) {
		t.Fatalf("expected the registered factory's backend, got %T", backend)
	}

	// Blank schemes and nil factories are ignored.
	RegisterStateBackendFactory("", func(dsn string) (StateBackend, error) { return custom, nil })
	RegisterStateBackendFactory("nilfactory", nil)
	if _, ok := lookupStateBackendFactory("nilfactory"); ok {
		t.Fatal("nil factory must not register")
	}
}
