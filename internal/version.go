package internal

import (
	"fmt"
)

// CurrentSessionVersion is stamped onto every persisted record. Bump it
// together with a migration entry when the persisted shape changes.
const CurrentSessionVersion = "1.2.0"

// MigrationFunc transforms a decoded record from one source version to the
// current shape. It must be pure: same input, same output, no side effects.
type MigrationFunc func(record map[string]any) (map[string]any, error)

// VersionManager stamps versions on save and migrates older records on
// load. Unknown source versions pass through unchanged.
type VersionManager struct {
	migrations map[string]MigrationFunc
}

// NewVersionManager returns a manager with the built-in migration history
// registered.
func NewVersionManager() *VersionManager {
	vm := &VersionManager{migrations: make(map[string]MigrationFunc)}

	// 1.0.0 records predate the performance aggregates.
	vm.Register("1.0.0", migrateAddPerformance)
	// 1.1.0 renamed the simulation cap field.
	vm.Register("1.1.0", migrateRenameMaxSims)

	return vm
}

// Register adds (or replaces) the migration for records stored at
// fromVersion.
func (vm *VersionManager) Register(fromVersion string, fn MigrationFunc) {
	vm.migrations[fromVersion] = fn
}

// Stamp marks a session as being at the current version.
func (vm *VersionManager) Stamp(session *Session) {
	session.Metadata.Version = CurrentSessionVersion
}

// RecordVersion extracts the stored version from a decoded record.
func RecordVersion(record map[string]any) string {
	meta, ok := record["metadata"].(map[string]any)
	if !ok {
		return ""
	}
	v, _ := meta["version"].(string)
	return v
}

// Migrate brings record to the current version. The returned bool reports
// whether a migration actually ran, so callers can re-save the migrated
// form. Migrating an already-current record is a no-op.
func (vm *VersionManager) Migrate(record map[string]any) (map[string]any, bool, error) {
	from := RecordVersion(record)
	if from == CurrentSessionVersion {
		return record, false, nil
	}

	fn, ok := vm.migrations[from]
	if !ok {
		// Forward-compatible no-op: a version this build doesn't know
		// about is left untouched.
		LogDebug("No migration registered for version %q, passing through", from)
		return record, false, nil
	}

	LogInfo("Migrating session record from version %s to %s", from, CurrentSessionVersion)
	migrated, err := fn(record)
	if err != nil {
		return nil, false, fmt.Errorf("migration from %s failed: %w", from, err)
	}
	if meta, ok := migrated["metadata"].(map[string]any); ok {
		meta["version"] = CurrentSessionVersion
	}
	return migrated, true, nil
}

// migrateAddPerformance backfills the performance block 1.0.0 records lack.
func migrateAddPerformance(record map[string]any) (map[string]any, error) {
	if _, ok := record["performance"].(map[string]any); !ok {
		perf := map[string]any{
			"total_simulations":      0,
			"completed_simulations":  0,
			"failed_simulations":     0,
			"cancelled_simulations":  0,
			"total_execution_time":   0,
			"average_execution_time": 0,
			"total_generations":      0,
			"storage_used":           0,
		}
		if sims, ok := record["simulations"].([]any); ok {
			perf["total_simulations"] = len(sims)
		}
		record["performance"] = perf
	}
	return record, nil
}

// migrateRenameMaxSims renames config.max_sims to config.max_simulations.
func migrateRenameMaxSims(record map[string]any) (map[string]any, error) {
	cfg, ok := record["config"].(map[string]any)
	if !ok {
		return record, nil
	}
	if v, ok := cfg["max_sims"]; ok {
		if _, exists := cfg["max_simulations"]; !exists {
			cfg["max_simulations"] = v
		}
		delete(cfg, "max_sims")
	}
	return record, nil
}
