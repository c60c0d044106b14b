package internal

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/evolab/evosim-session/internal/storage"
)

func newTestRecovery(t *testing.T, opts RecoveryOptions) (*PersistenceService, *SessionManager, *RecoveryService) {
	t.Helper()
	svc := newTestService(t)
	cfg := DefaultSessionConfig()
	cfg.AutoSave = false
	mgr := NewSessionManager(svc, cfg)
	t.Cleanup(mgr.Close)
	rec := NewRecoveryService(svc, mgr, opts)
	t.Cleanup(rec.Close)
	return svc, mgr, rec
}

func writeShutdownMarker(t *testing.T, svc *PersistenceService, sessionID, reason string, age time.Duration) {
	t.Helper()
	marker := lastStateMarker{
		Timestamp: time.Now().Add(-age),
		Reason:    reason,
		SessionID: sessionID,
	}
	data, err := json.Marshal(marker)
	if err != nil {
		t.Fatalf("marshal marker: %v", err)
	}
	if err := svc.Adapter().Set(context.Background(), lastStateKey, data); err != nil {
		t.Fatalf("Set(marker) error = %v", err)
	}
}

func TestRecovery_Heartbeat(t *testing.T) {
	svc, mgr, rec := newTestRecovery(t, RecoveryOptions{HeartbeatInterval: time.Hour})
	ctx := context.Background()

	if _, err := mgr.CreateSession(ctx, "Beating", nil); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	rec.StartHeartbeat()
	defer rec.StopHeartbeat()

	value, err := svc.Adapter().Get(ctx, heartbeatKey)
	if err != nil {
		t.Fatalf("heartbeat marker not written: %v", err)
	}
	var marker heartbeatMarker
	if err := json.Unmarshal(value, &marker); err != nil {
		t.Fatalf("unmarshal heartbeat: %v", err)
	}
	if marker.SessionID != mgr.Current().Metadata.ID {
		t.Errorf("heartbeat SessionID = %q, want current session id", marker.SessionID)
	}
	if time.Since(marker.Timestamp) > time.Minute {
		t.Errorf("heartbeat Timestamp = %v, want recent", marker.Timestamp)
	}
}

func TestRecovery_MarkShutdown(t *testing.T) {
	svc, mgr, rec := newTestRecovery(t, RecoveryOptions{})
	ctx := context.Background()

	if _, err := mgr.CreateSession(ctx, "Leaving", nil); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	rec.StartHeartbeat()
	rec.StopHeartbeat()

	if err := rec.MarkShutdown(ctx, "browser_closed"); err != nil {
		t.Fatalf("MarkShutdown() error = %v", err)
	}

	value, err := svc.Adapter().Get(ctx, lastStateKey)
	if err != nil {
		t.Fatalf("shutdown marker not written: %v", err)
	}
	var marker lastStateMarker
	if err := json.Unmarshal(value, &marker); err != nil {
		t.Fatalf("unmarshal marker: %v", err)
	}
	if marker.Reason != "browser_closed" {
		t.Errorf("Reason = %q, want browser_closed", marker.Reason)
	}
	if marker.SessionID != mgr.Current().Metadata.ID {
		t.Errorf("SessionID = %q, want current session id", marker.SessionID)
	}

	// A clean shutdown removes the heartbeat.
	if _, err := svc.Adapter().Get(ctx, heartbeatKey); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("heartbeat still present after MarkShutdown: %v", err)
	}
}

func TestRecovery_FreshMarkerIsFastReload(t *testing.T) {
	svc, _, rec := newTestRecovery(t, RecoveryOptions{MarkerGrace: 30 * time.Second})
	ctx := context.Background()

	if err := svc.SaveSession(ctx, CreateTestSession("quick")); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	writeShutdownMarker(t, svc, "quick", "browser_closed", 20*time.Second)

	interrupted, err := rec.CheckForInterruptedSessions(ctx)
	if err != nil {
		t.Fatalf("CheckForInterruptedSessions() error = %v", err)
	}
	if len(interrupted) != 0 {
		t.Errorf("found %d interrupted sessions for a 20s-old marker, want 0", len(interrupted))
	}
}

func TestRecovery_StaleMarkerReportsInterruption(t *testing.T) {
	svc, _, rec := newTestRecovery(t, RecoveryOptions{MarkerGrace: 30 * time.Second})
	ctx := context.Background()

	session := CreateTestSession("crashed")
	session.Simulations = append(session.Simulations,
		CreateTestSimulation("sim-1", SimStatusRunning),
		CreateTestSimulation("sim-2", SimStatusCompleted),
	)
	if err := svc.SaveSession(ctx, session); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	writeShutdownMarker(t, svc, "crashed", "browser_closed", 40*time.Second)

	interrupted, err := rec.CheckForInterruptedSessions(ctx)
	if err != nil {
		t.Fatalf("CheckForInterruptedSessions() error = %v", err)
	}
	if len(interrupted) != 1 {
		t.Fatalf("found %d interrupted sessions, want 1", len(interrupted))
	}
	got := interrupted[0]
	if got.SessionID != "crashed" {
		t.Errorf("SessionID = %q, want crashed", got.SessionID)
	}
	if got.Reason != "browser_closed" {
		t.Errorf("Reason = %q, want browser_closed", got.Reason)
	}
	if !got.IsRecoverable {
		t.Error("intact session reported unrecoverable")
	}
	if got.DataIntegrity != 1 {
		t.Errorf("DataIntegrity = %v, want 1", got.DataIntegrity)
	}
	if got.SuggestedAction != ActionAutoRecover {
		t.Errorf("SuggestedAction = %q, want auto_recover", got.SuggestedAction)
	}
	if len(got.ActiveSimulations) != 1 || got.ActiveSimulations[0] != "sim-1" {
		t.Errorf("ActiveSimulations = %v, want [sim-1]", got.ActiveSimulations)
	}
	if got.Metadata == nil || got.Metadata.Name != session.Metadata.Name {
		t.Errorf("Metadata = %+v, want the session's metadata", got.Metadata)
	}
}

func TestRecovery_StaleActiveIndexEntry(t *testing.T) {
	svc, _, rec := newTestRecovery(t, RecoveryOptions{StaleThreshold: 10 * time.Minute})
	ctx := context.Background()

	for _, id := range []string{"stale", "fresh"} {
		if err := svc.SaveSession(ctx, CreateTestSession(id)); err != nil {
			t.Fatalf("SaveSession(%q) error = %v", id, err)
		}
	}
	index, err := svc.GetAllSessions(ctx)
	if err != nil {
		t.Fatalf("GetAllSessions() error = %v", err)
	}
	for i := range index {
		if index[i].ID == "stale" {
			index[i].UpdatedAt = time.Now().Add(-20 * time.Minute)
		}
	}
	if err := svc.writeIndex(ctx, index); err != nil {
		t.Fatalf("writeIndex() error = %v", err)
	}

	interrupted, err := rec.CheckForInterruptedSessions(ctx)
	if err != nil {
		t.Fatalf("CheckForInterruptedSessions() error = %v", err)
	}
	if len(interrupted) != 1 {
		t.Fatalf("found %d interrupted sessions, want 1", len(interrupted))
	}
	if interrupted[0].SessionID != "stale" {
		t.Errorf("SessionID = %q, want stale", interrupted[0].SessionID)
	}
	if interrupted[0].Reason != "stale_active_session" {
		t.Errorf("Reason = %q, want stale_active_session", interrupted[0].Reason)
	}
}

func TestRecovery_MarkerAndIndexDeduped(t *testing.T) {
	svc, _, rec := newTestRecovery(t, RecoveryOptions{MarkerGrace: 30 * time.Second, StaleThreshold: 10 * time.Minute})
	ctx := context.Background()

	if err := svc.SaveSession(ctx, CreateTestSession("twice")); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	index, err := svc.GetAllSessions(ctx)
	if err != nil {
		t.Fatalf("GetAllSessions() error = %v", err)
	}
	index[0].UpdatedAt = time.Now().Add(-20 * time.Minute)
	if err := svc.writeIndex(ctx, index); err != nil {
		t.Fatalf("writeIndex() error = %v", err)
	}
	writeShutdownMarker(t, svc, "twice", "browser_closed", time.Minute)

	interrupted, err := rec.CheckForInterruptedSessions(ctx)
	if err != nil {
		t.Fatalf("CheckForInterruptedSessions() error = %v", err)
	}
	if len(interrupted) != 1 {
		t.Errorf("session reported %d times, want 1", len(interrupted))
	}
}

func TestSuggestAction(t *testing.T) {
	tests := []struct {
		integrity float64
		want      RecoveryAction
	}{
		{1.0, ActionAutoRecover},
		{0.95, ActionAutoRecover},
		{0.9, ActionManualRecover},
		{0.6, ActionManualRecover},
		{0.5, ActionDiscard},
		{0.2, ActionDiscard},
		{0, ActionDiscard},
	}
	for _, tt := range tests {
		if got := suggestAction(tt.integrity); got != tt.want {
			t.Errorf("suggestAction(%v) = %q, want %q", tt.integrity, got, tt.want)
		}
	}
}

func TestCalculateDataIntegrity(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(record map[string]any)
		want   float64
	}{
		{"complete record", func(record map[string]any) {}, 1.0},
		{"missing metadata", func(record map[string]any) {
			delete(record, "metadata")
		}, 0.7},
		{"metadata without id", func(record map[string]any) {
			delete(record["metadata"].(map[string]any), "id")
		}, 0.7},
		{"missing config", func(record map[string]any) {
			delete(record, "config")
		}, 0.9},
		{"missing config and performance", func(record map[string]any) {
			delete(record, "config")
			delete(record, "performance")
		}, 0.8},
		{"half the simulations damaged", func(record map[string]any) {
			good := structToRecord(CreateTestSimulation("sim-1", SimStatusRunning))
			bad := structToRecord(CreateTestSimulation("sim-2", SimStatusRunning))
			delete(bad, "id")
			record["simulations"] = []any{good, bad}
		}, 0.5},
		{"non-object simulation entry", func(record map[string]any) {
			good := structToRecord(CreateTestSimulation("sim-1", SimStatusRunning))
			record["simulations"] = []any{good, "garbage"}
		}, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := CreateTestRecord("score")
			tt.mutate(record)

			got := CalculateDataIntegrity(record)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("CalculateDataIntegrity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCalculateDataIntegrity_Bounds(t *testing.T) {
	record := map[string]any{
		"simulations": []any{"junk", "junk", "junk"},
	}
	got := CalculateDataIntegrity(record)
	if got < 0 || got > 1 {
		t.Errorf("CalculateDataIntegrity() = %v, want within [0, 1]", got)
	}
}

func TestValidateSessionIntegrity(t *testing.T) {
	record := CreateTestRecord("scan")
	delete(record, "performance")
	damaged := structToRecord(CreateTestSimulation("sim-1", SimStatusRunning))
	delete(damaged, "id")
	delete(damaged, "simulation_id")
	record["simulations"] = []any{damaged, "garbage"}

	issues := ValidateSessionIntegrity("scan", record)

	byField := make(map[string]RecoveryIssue)
	for _, issue := range issues {
		byField[issue.Field] = issue
	}
	if issue, ok := byField["performance"]; !ok || !issue.AutoFixable {
		t.Errorf("performance issue = %+v, want auto-fixable missing", issue)
	}
	if issue, ok := byField["simulations[0].id"]; !ok || !issue.AutoFixable {
		t.Errorf("simulations[0].id issue = %+v, want auto-fixable", issue)
	}
	if issue, ok := byField["simulations[1]"]; !ok || issue.AutoFixable {
		t.Errorf("simulations[1] issue = %+v, want non-fixable corruption", issue)
	}
}

func TestValidateSessionIntegrity_CleanRecord(t *testing.T) {
	record := CreateTestRecord("clean")

	if issues := ValidateSessionIntegrity("clean", record); len(issues) != 0 {
		t.Errorf("ValidateSessionIntegrity() = %+v, want none", issues)
	}
}

func TestAutoFixRecord(t *testing.T) {
	record := CreateTestRecord("fixable")
	delete(record, "config")
	delete(record, "performance")
	damaged := structToRecord(CreateTestSimulation("sim-1", SimStatusRunning))
	delete(damaged, "id")
	delete(damaged, "simulation_id")
	delete(damaged, "parameters")
	record["simulations"] = []any{damaged}

	issues := ValidateSessionIntegrity("fixable", record)
	fixed := autoFixRecord("fixable", record, issues)
	if fixed == 0 {
		t.Fatal("autoFixRecord() repaired nothing")
	}

	remaining := ValidateSessionIntegrity("fixable", record)
	if len(remaining) != 0 {
		t.Errorf("issues remain after auto-fix: %+v", remaining)
	}

	// The repaired record decodes into a valid typed session.
	session, err := recordToSession(record)
	if err != nil {
		t.Fatalf("recordToSession() error = %v", err)
	}
	if err := ValidateSession(session); err != nil {
		t.Errorf("repaired session still invalid: %v", err)
	}
}

func TestRecovery_RecoverSession(t *testing.T) {
	svc, mgr, rec := newTestRecovery(t, RecoveryOptions{})
	ctx := context.Background()

	record := CreateTestRecord("damaged")
	record["metadata"].(map[string]any)["status"] = string(StatusPaused)
	delete(record, "performance")
	broken := structToRecord(CreateTestSimulation("sim-1", SimStatusRunning))
	delete(broken, "parameters")
	record["simulations"] = []any{broken, "garbage"}
	if err := svc.writeRecord(ctx, sessionKey("damaged"), record); err != nil {
		t.Fatalf("writeRecord() error = %v", err)
	}
	writeShutdownMarker(t, svc, "damaged", "browser_closed", time.Minute)

	result, err := rec.RecoverSession(ctx, "damaged", RecoverOptions{
		ValidateIntegrity: true,
		CreateBackup:      true,
	})
	if err != nil {
		t.Fatalf("RecoverSession() error = %v", err)
	}
	if !result.Recovered {
		t.Error("result.Recovered = false, want true")
	}
	if result.ItemsRecovered == 0 {
		t.Error("ItemsRecovered = 0, want repairs counted")
	}
	if result.BackupID == "" {
		t.Error("BackupID empty, want a snapshot id")
	}
	if result.Integrity <= 0.5 {
		t.Errorf("Integrity = %v after repair, want > 0.5", result.Integrity)
	}
	foundDrop := false
	for _, w := range result.Warnings {
		if strings.Contains(w, "malformed simulation") {
			foundDrop = true
		}
	}
	if !foundDrop {
		t.Errorf("Warnings = %v, want note about the dropped entry", result.Warnings)
	}

	// The recovered session is current and active again.
	current := mgr.Current()
	if current == nil || current.Metadata.ID != "damaged" {
		t.Fatal("recovered session is not current")
	}
	if current.Metadata.Status != StatusActive {
		t.Errorf("status = %q, want active", current.Metadata.Status)
	}
	if len(current.Simulations) != 1 {
		t.Errorf("recovered session has %d simulations, want 1 (garbage pruned)", len(current.Simulations))
	}

	// The shutdown marker is consumed.
	if _, err := svc.Adapter().Get(ctx, lastStateKey); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("shutdown marker still present: %v", err)
	}

	// The pre-repair snapshot exists.
	keys, err := svc.Adapter().Keys(ctx)
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	foundBackup := false
	for _, key := range keys {
		if strings.HasPrefix(key, "recovery_damaged_") {
			foundBackup = true
		}
	}
	if !foundBackup {
		t.Error("no backup snapshot key found")
	}
}

func TestRecovery_RecoverMissingSession(t *testing.T) {
	_, _, rec := newTestRecovery(t, RecoveryOptions{})

	_, err := rec.RecoverSession(context.Background(), "ghost", RecoverOptions{})
	var nfErr *NotFoundError
	if !errors.As(err, &nfErr) {
		t.Errorf("RecoverSession() error = %v, want *NotFoundError", err)
	}
}

func TestRecovery_AutoRecover(t *testing.T) {
	var notices []string
	svc, mgr, rec := newTestRecovery(t, RecoveryOptions{
		MarkerGrace: 30 * time.Second,
		Notifier:    func(msg string) { notices = append(notices, msg) },
	})
	ctx := context.Background()

	if err := svc.SaveSession(ctx, CreateTestSession("solid")); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	writeShutdownMarker(t, svc, "solid", "browser_closed", time.Minute)

	results, err := rec.AutoRecover(ctx)
	if err != nil {
		t.Fatalf("AutoRecover() error = %v", err)
	}
	if len(results) != 1 || !results[0].Recovered {
		t.Fatalf("AutoRecover() results = %+v, want one recovered", results)
	}
	if mgr.Current() == nil || mgr.Current().Metadata.ID != "solid" {
		t.Error("auto-recovered session is not current")
	}
	if len(notices) != 1 {
		t.Errorf("notifier fired %d times, want 1", len(notices))
	}
}

func TestRecovery_AutoRecoverSkipsWeakSessions(t *testing.T) {
	svc, mgr, rec := newTestRecovery(t, RecoveryOptions{StaleThreshold: 10 * time.Minute})
	ctx := context.Background()

	// Integrity 0.8 clears the stale-index recoverability bar but not the
	// unattended-recovery gate.
	if err := svc.SaveSession(ctx, CreateTestSession("weak")); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	record, err := svc.LoadRecord(ctx, "weak")
	if err != nil {
		t.Fatalf("LoadRecord() error = %v", err)
	}
	delete(record, "config")
	delete(record, "performance")
	if err := svc.writeRecord(ctx, sessionKey("weak"), record); err != nil {
		t.Fatalf("writeRecord() error = %v", err)
	}
	index, err := svc.GetAllSessions(ctx)
	if err != nil {
		t.Fatalf("GetAllSessions() error = %v", err)
	}
	index[0].UpdatedAt = time.Now().Add(-20 * time.Minute)
	if err := svc.writeIndex(ctx, index); err != nil {
		t.Fatalf("writeIndex() error = %v", err)
	}

	results, err := rec.AutoRecover(ctx)
	if err != nil {
		t.Fatalf("AutoRecover() error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("AutoRecover() recovered %d sessions, want 0", len(results))
	}
	if mgr.Current() != nil {
		t.Error("weak session was made current")
	}
}
