package internal

import (
	"testing"
)

func TestVersionManager_Stamp(t *testing.T) {
	vm := NewVersionManager()
	session := CreateTestSession("stamp-test")
	session.Metadata.Version = "0.9.0"

	vm.Stamp(session)
	if session.Metadata.Version != CurrentSessionVersion {
		t.Errorf("Stamp() set version %q, want %q", session.Metadata.Version, CurrentSessionVersion)
	}
}

func TestVersionManager_MigrateCurrentIsNoop(t *testing.T) {
	vm := NewVersionManager()
	record := CreateTestRecord("current")

	migrated, changed, err := vm.Migrate(record)
	if err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if changed {
		t.Error("Migrate() of current record reported changed = true, want false")
	}
	if RecordVersion(migrated) != CurrentSessionVersion {
		t.Errorf("version = %q, want %q", RecordVersion(migrated), CurrentSessionVersion)
	}
}

func TestVersionManager_MigrateUnknownVersionPassesThrough(t *testing.T) {
	vm := NewVersionManager()
	record := CreateTestRecord("future")
	record["metadata"].(map[string]any)["version"] = "9.9.9"

	migrated, changed, err := vm.Migrate(record)
	if err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if changed {
		t.Error("Migrate() of unknown version reported changed = true, want false")
	}
	if RecordVersion(migrated) != "9.9.9" {
		t.Errorf("version = %q, want untouched 9.9.9", RecordVersion(migrated))
	}
}

func TestVersionManager_MigrateFrom100AddsPerformance(t *testing.T) {
	vm := NewVersionManager()
	record := CreateTestRecord("legacy")
	record["metadata"].(map[string]any)["version"] = "1.0.0"
	delete(record, "performance")

	migrated, changed, err := vm.Migrate(record)
	if err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if !changed {
		t.Error("Migrate() reported changed = false, want true")
	}
	perf, ok := migrated["performance"].(map[string]any)
	if !ok {
		t.Fatal("migrated record has no performance block")
	}
	sims, _ := migrated["simulations"].([]any)
	if got := perf["total_simulations"]; got != len(sims) {
		t.Errorf("total_simulations = %v, want %d", got, len(sims))
	}
	if RecordVersion(migrated) != CurrentSessionVersion {
		t.Errorf("version = %q, want %q", RecordVersion(migrated), CurrentSessionVersion)
	}
}

func TestVersionManager_MigrateFrom110RenamesMaxSims(t *testing.T) {
	vm := NewVersionManager()
	record := CreateTestRecord("renamed")
	record["metadata"].(map[string]any)["version"] = "1.1.0"
	cfg := record["config"].(map[string]any)
	delete(cfg, "max_simulations")
	cfg["max_sims"] = float64(25)

	migrated, changed, err := vm.Migrate(record)
	if err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if !changed {
		t.Error("Migrate() reported changed = false, want true")
	}
	cfg = migrated["config"].(map[string]any)
	if _, still := cfg["max_sims"]; still {
		t.Error("max_sims still present after migration")
	}
	if got := cfg["max_simulations"]; got != float64(25) {
		t.Errorf("max_simulations = %v, want 25", got)
	}
}

func TestVersionManager_MigrateIdempotent(t *testing.T) {
	vm := NewVersionManager()
	record := CreateTestRecord("idem")
	record["metadata"].(map[string]any)["version"] = "1.0.0"
	delete(record, "performance")

	once, changed, err := vm.Migrate(record)
	if err != nil || !changed {
		t.Fatalf("first Migrate() = changed %v, err %v", changed, err)
	}
	twice, changed, err := vm.Migrate(once)
	if err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
	if changed {
		t.Error("second Migrate() reported changed = true, want false")
	}
	if RecordVersion(twice) != CurrentSessionVersion {
		t.Errorf("version = %q, want %q", RecordVersion(twice), CurrentSessionVersion)
	}
}

func TestRecordVersion_MissingMetadata(t *testing.T) {
	if v := RecordVersion(map[string]any{}); v != "" {
		t.Errorf("RecordVersion(empty) = %q, want \"\"", v)
	}
	if v := RecordVersion(map[string]any{"metadata": "junk"}); v != "" {
		t.Errorf("RecordVersion(non-object metadata) = %q, want \"\"", v)
	}
}
