package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evolab/evosim-session/internal/storage"
)

// Recovery timing defaults. A leftover shutdown marker younger than the
// grace window is a fast reload, not an interruption.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultMarkerGrace       = 30 * time.Second
	DefaultStaleThreshold    = 10 * time.Minute
)

// RecoveryOptions configures the recovery service's timers and thresholds.
type RecoveryOptions struct {
	HeartbeatInterval time.Duration
	MarkerGrace       time.Duration
	StaleThreshold    time.Duration
	// Notifier, when set, receives a message per successful auto-recovery.
	Notifier func(message string)
}

// RecoverOptions selects optional steps of RecoverSession.
type RecoverOptions struct {
	// ValidateIntegrity runs the structural scan and auto-fix pass.
	ValidateIntegrity bool
	// CreateBackup snapshots the record before any repair mutates it.
	CreateBackup bool
}

// heartbeatMarker is the short-lived liveness record.
type heartbeatMarker struct {
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
}

// lastStateMarker records the last known state at shutdown, tagged with a
// reason such as "browser_closed" or "unknown".
type lastStateMarker struct {
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	SessionID string    `json:"session_id,omitempty"`
}

// RecoveryService detects sessions left inconsistent by an interruption,
// scores their integrity, and repairs what it deterministically can.
type RecoveryService struct {
	svc  *PersistenceService
	mgr  *SessionManager
	opts RecoveryOptions

	mu            sync.Mutex
	heartbeatStop chan struct{}
}

// NewRecoveryService wires a recovery service over the persistence service
// and session manager it restores into.
func NewRecoveryService(svc *PersistenceService, mgr *SessionManager, opts RecoveryOptions) *RecoveryService {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.MarkerGrace <= 0 {
		opts.MarkerGrace = DefaultMarkerGrace
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = DefaultStaleThreshold
	}
	return &RecoveryService{svc: svc, mgr: mgr, opts: opts}
}

// StartHeartbeat begins writing the liveness marker on a timer. Starting
// twice is a no-op.
func (r *RecoveryService) StartHeartbeat() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.heartbeatStop != nil {
		return
	}
	stop := make(chan struct{})
	r.heartbeatStop = stop

	r.writeHeartbeat(context.Background())
	go func() {
		ticker := time.NewTicker(r.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.writeHeartbeat(context.Background())
			}
		}
	}()
}

// StopHeartbeat cancels the heartbeat timer. Stopping twice is a no-op.
func (r *RecoveryService) StopHeartbeat() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.heartbeatStop != nil {
		close(r.heartbeatStop)
		r.heartbeatStop = nil
	}
}

func (r *RecoveryService) writeHeartbeat(ctx context.Context) {
	marker := heartbeatMarker{Timestamp: time.Now()}
	if current := r.mgr.Current(); current != nil {
		marker.SessionID = current.Metadata.ID
	}
	data, err := json.Marshal(marker)
	if err != nil {
		return
	}
	if err := r.svc.Adapter().Set(ctx, heartbeatKey, data); err != nil {
		LogWarn("Heartbeat write failed: %v", err)
	}
}

// MarkShutdown records the last known state with a reason. Call it on
// clean unload so the next start can tell a reload from a crash.
func (r *RecoveryService) MarkShutdown(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "unknown"
	}
	marker := lastStateMarker{Timestamp: time.Now(), Reason: reason}
	if current := r.mgr.Current(); current != nil {
		marker.SessionID = current.Metadata.ID
	}
	data, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("failed to serialize shutdown marker: %w", err)
	}
	if err := r.svc.Adapter().Set(ctx, lastStateKey, data); err != nil {
		return err
	}
	return r.svc.Adapter().Remove(ctx, heartbeatKey)
}

// Close stops the heartbeat. It does not write a shutdown marker; callers
// decide whether the shutdown was clean.
func (r *RecoveryService) Close() {
	r.StopHeartbeat()
}

// CheckForInterruptedSessions inspects the leftover shutdown marker and the
// session index for sessions that were never cleanly closed.
func (r *RecoveryService) CheckForInterruptedSessions(ctx context.Context) ([]InterruptedSession, error) {
	now := time.Now()
	seen := make(map[string]bool)
	var interrupted []InterruptedSession

	// Path (a): a leftover last-state marker past the grace window means
	// the session never came back after that shutdown.
	if marker, err := r.readLastState(ctx); err == nil && marker != nil {
		age := now.Sub(marker.Timestamp)
		if age > r.opts.MarkerGrace && marker.SessionID != "" {
			if candidate, ok := r.inspectCandidate(ctx, marker.SessionID, marker.Timestamp, marker.Reason, 0.5); ok {
				interrupted = append(interrupted, candidate)
				seen[marker.SessionID] = true
			}
		} else if age <= r.opts.MarkerGrace {
			LogDebug("Last-state marker is %s old, treating as fast reload", age)
		}
	}

	// Path (b): index entries still active but stale. No in-memory
	// evidence exists here, so the recoverability bar is stricter.
	index, err := r.svc.GetAllSessions(ctx)
	if err != nil {
		return nil, err
	}
	for _, entry := range index {
		if seen[entry.ID] || entry.Status != StatusActive {
			continue
		}
		if now.Sub(entry.UpdatedAt) <= r.opts.StaleThreshold {
			continue
		}
		if candidate, ok := r.inspectCandidate(ctx, entry.ID, entry.UpdatedAt, "stale_active_session", 0.7); ok {
			interrupted = append(interrupted, candidate)
			seen[entry.ID] = true
		}
	}

	LogInfo("Interruption check found %d candidate(s)", len(interrupted))
	return interrupted, nil
}

// inspectCandidate loads a session record leniently and derives its
// interrupted view. recoverableAbove is the integrity bar for this path.
func (r *RecoveryService) inspectCandidate(ctx context.Context, id string, lastActivity time.Time, reason string, recoverableAbove float64) (InterruptedSession, bool) {
	record, err := r.svc.LoadRecord(ctx, id)
	if err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			LogDebug("Interruption candidate %s has no stored record", id)
		} else {
			LogWarn("Failed to inspect interruption candidate %s: %v", id, err)
		}
		return InterruptedSession{}, false
	}

	integrity := CalculateDataIntegrity(record)
	candidate := InterruptedSession{
		SessionID:         id,
		Metadata:          metadataFromRecord(record),
		LastActivity:      lastActivity,
		ActiveSimulations: runningSimulationIDs(record),
		IsRecoverable:     integrity > recoverableAbove,
		Reason:            reason,
		DataIntegrity:     integrity,
		SuggestedAction:   suggestAction(integrity),
	}
	return candidate, true
}

// suggestAction maps an integrity score to the recommended handling.
func suggestAction(integrity float64) RecoveryAction {
	switch {
	case integrity > 0.9:
		return ActionAutoRecover
	case integrity > 0.5:
		return ActionManualRecover
	default:
		return ActionDiscard
	}
}

// CalculateDataIntegrity scores how structurally complete a decoded record
// is. The result is always within [0, 1], including for records with zero
// simulations.
func CalculateDataIntegrity(record map[string]any) float64 {
	score := 1.0

	meta, hasMeta := record["metadata"].(map[string]any)
	if !hasMeta || stringField(meta, "id") == "" {
		score -= 0.3
	}
	if _, ok := record["config"].(map[string]any); !ok {
		score -= 0.1
	}
	if _, ok := record["performance"].(map[string]any); !ok {
		score -= 0.1
	}

	if sims, ok := record["simulations"].([]any); ok && len(sims) > 0 {
		valid := 0
		for _, raw := range sims {
			sim, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			_, hasParams := sim["parameters"].(map[string]any)
			if stringField(sim, "id") != "" && stringField(sim, "simulation_id") != "" && hasParams {
				valid++
			}
		}
		score *= float64(valid) / float64(len(sims))
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// ValidateSessionIntegrity scans a decoded record for structural defects.
// sessionID is the identity the record is stored under; it makes an absent
// metadata block repairable.
func ValidateSessionIntegrity(sessionID string, record map[string]any) []RecoveryIssue {
	var issues []RecoveryIssue

	meta, hasMeta := record["metadata"].(map[string]any)
	switch {
	case !hasMeta:
		issues = append(issues, RecoveryIssue{
			Type: IssueMissing, Severity: "critical", Field: "metadata",
			Description: "metadata block is missing",
			AutoFixable: sessionID != "",
		})
	case stringField(meta, "id") == "":
		issues = append(issues, RecoveryIssue{
			Type: IssueInvalid, Severity: "critical", Field: "metadata.id",
			Description: "metadata has no session id",
			AutoFixable: sessionID != "",
		})
	default:
		if status := stringField(meta, "status"); status != "" && !validStatus(status) {
			issues = append(issues, RecoveryIssue{
				Type: IssueInvalid, Severity: "low", Field: "metadata.status",
				Description: fmt.Sprintf("unknown status %q", status),
				AutoFixable: true,
			})
		}
		if v := stringField(meta, "version"); v != "" && v != CurrentSessionVersion {
			issues = append(issues, RecoveryIssue{
				Type: IssueVersionMismatch, Severity: "low", Field: "metadata.version",
				Description: fmt.Sprintf("record version %s differs from %s", v, CurrentSessionVersion),
				AutoFixable: true,
			})
		}
	}

	if _, ok := record["config"].(map[string]any); !ok {
		issues = append(issues, RecoveryIssue{
			Type: IssueMissing, Severity: "medium", Field: "config",
			Description: "config block is missing", AutoFixable: true,
		})
	}
	if _, ok := record["performance"].(map[string]any); !ok {
		issues = append(issues, RecoveryIssue{
			Type: IssueMissing, Severity: "low", Field: "performance",
			Description: "performance block is missing", AutoFixable: true,
		})
	}

	if raw, present := record["simulations"]; present {
		sims, ok := raw.([]any)
		if !ok {
			issues = append(issues, RecoveryIssue{
				Type: IssueCorruption, Severity: "high", Field: "simulations",
				Description: "simulations is not a list", AutoFixable: true,
			})
		} else {
			for i, rawSim := range sims {
				sim, ok := rawSim.(map[string]any)
				if !ok {
					issues = append(issues, RecoveryIssue{
						Type: IssueCorruption, Severity: "medium",
						Field:       fmt.Sprintf("simulations[%d]", i),
						Description: "simulation entry is not an object",
						AutoFixable: false,
					})
					continue
				}
				if stringField(sim, "id") == "" || stringField(sim, "simulation_id") == "" {
					issues = append(issues, RecoveryIssue{
						Type: IssueInvalid, Severity: "medium",
						Field:       fmt.Sprintf("simulations[%d].id", i),
						Description: "simulation entry has no id",
						AutoFixable: true,
					})
				}
				if _, ok := sim["parameters"].(map[string]any); !ok {
					issues = append(issues, RecoveryIssue{
						Type: IssueInvalid, Severity: "medium",
						Field:       fmt.Sprintf("simulations[%d].parameters", i),
						Description: "simulation entry has no parameters",
						AutoFixable: true,
					})
				}
			}
		}
	}

	return issues
}

// autoFixRecord repairs every auto-fixable issue in place by synthesizing
// minimal valid defaults, and returns how many repairs it made.
func autoFixRecord(sessionID string, record map[string]any, issues []RecoveryIssue) int {
	fixed := 0
	for _, issue := range issues {
		if !issue.AutoFixable {
			continue
		}
		switch {
		case issue.Field == "metadata":
			record["metadata"] = map[string]any{
				"id":         sessionID,
				"name":       "Recovered Session",
				"status":     string(StatusActive),
				"created_at": time.Now().Format(time.RFC3339Nano),
				"updated_at": time.Now().Format(time.RFC3339Nano),
				"version":    CurrentSessionVersion,
			}
			fixed++
		case issue.Field == "metadata.id":
			if meta, ok := record["metadata"].(map[string]any); ok {
				meta["id"] = sessionID
				fixed++
			}
		case issue.Field == "metadata.status":
			if meta, ok := record["metadata"].(map[string]any); ok {
				meta["status"] = string(StatusActive)
				fixed++
			}
		case issue.Field == "metadata.version":
			// Left to the version manager; counted as handled so the
			// caller reports it.
			fixed++
		case issue.Field == "config":
			record["config"] = structToRecord(DefaultSessionConfig())
			fixed++
		case issue.Field == "performance":
			record["performance"] = structToRecord(SessionPerformance{})
			fixed++
		case issue.Field == "simulations":
			record["simulations"] = []any{}
			fixed++
		default:
			if fixSimulationEntry(record, issue.Field) {
				fixed++
			}
		}
	}
	return fixed
}

// fixSimulationEntry repairs one simulations[i] issue addressed by field
// path, synthesizing ids and empty parameter maps.
func fixSimulationEntry(record map[string]any, field string) bool {
	sims, ok := record["simulations"].([]any)
	if !ok {
		return false
	}
	var index int
	var leaf string
	if _, err := fmt.Sscanf(field, "simulations[%d].%s", &index, &leaf); err != nil {
		return false
	}
	if index < 0 || index >= len(sims) {
		return false
	}
	sim, ok := sims[index].(map[string]any)
	if !ok {
		return false
	}
	switch leaf {
	case "id":
		if stringField(sim, "id") == "" {
			sim["id"] = uuid.NewString()
		}
		if stringField(sim, "simulation_id") == "" {
			sim["simulation_id"] = uuid.NewString()
		}
		return true
	case "parameters":
		sim["parameters"] = map[string]any{}
		return true
	}
	return false
}

// RecoverSession restores an interrupted session: optional backup, optional
// integrity validation with auto-fix, status reset to active, re-save, and
// load into the session manager. The leftover shutdown marker is cleared on
// success.
func (r *RecoveryService) RecoverSession(ctx context.Context, id string, opts RecoverOptions) (*RecoveryResult, error) {
	start := time.Now()
	result := &RecoveryResult{SessionID: id}

	record, err := r.svc.LoadRecord(ctx, id)
	if err != nil {
		return nil, err
	}

	if opts.CreateBackup {
		backupID, err := r.backupRecord(ctx, id, record)
		if err != nil {
			LogWarn("Failed to snapshot session %s before recovery: %v", id, err)
		} else {
			result.BackupID = backupID
		}
	}

	if opts.ValidateIntegrity {
		issues := ValidateSessionIntegrity(id, record)
		result.Issues = issues
		result.ItemsRecovered = autoFixRecord(id, record, issues)
		for _, issue := range issues {
			if !issue.AutoFixable {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("%s: %s (not auto-fixable)", issue.Field, issue.Description))
			}
		}
	}

	if meta, ok := record["metadata"].(map[string]any); ok {
		meta["status"] = string(StatusActive)
	}

	// Entries that are not objects cannot be repaired or decoded; prune
	// them so the remaining data survives, and say so.
	if sims, ok := record["simulations"].([]any); ok {
		kept := sims[:0]
		for _, raw := range sims {
			if _, isObj := raw.(map[string]any); isObj {
				kept = append(kept, raw)
			} else {
				result.Warnings = append(result.Warnings, "dropped malformed simulation entry")
			}
		}
		record["simulations"] = kept
	}

	if err := r.svc.SaveRecord(ctx, id, record); err != nil {
		return nil, err
	}
	if _, err := r.mgr.LoadSession(ctx, id); err != nil {
		return nil, err
	}
	if err := r.svc.Adapter().Remove(ctx, lastStateKey); err != nil {
		LogWarn("Failed to clear shutdown marker: %v", err)
	}

	result.Recovered = true
	result.Integrity = CalculateDataIntegrity(record)
	result.Elapsed = time.Since(start)
	LogInfo("Recovered session %s (integrity %.2f, %d item(s) repaired, %s)",
		id, result.Integrity, result.ItemsRecovered, result.Elapsed)
	return result, nil
}

// AutoRecover runs one bounded pass over all interrupted sessions and
// recovers those solid enough to restore without asking. Failures are
// reported per session; the pass never retries.
func (r *RecoveryService) AutoRecover(ctx context.Context) ([]RecoveryResult, error) {
	interrupted, err := r.CheckForInterruptedSessions(ctx)
	if err != nil {
		return nil, err
	}

	var results []RecoveryResult
	for _, candidate := range interrupted {
		if !candidate.IsRecoverable || candidate.DataIntegrity <= 0.8 {
			LogDebug("Skipping auto-recovery of %s (recoverable=%v, integrity=%.2f)",
				candidate.SessionID, candidate.IsRecoverable, candidate.DataIntegrity)
			continue
		}
		result, err := r.RecoverSession(ctx, candidate.SessionID, RecoverOptions{
			ValidateIntegrity: true,
			CreateBackup:      true,
		})
		if err != nil {
			LogWarn("Auto-recovery of session %s failed: %v", candidate.SessionID, err)
			results = append(results, RecoveryResult{SessionID: candidate.SessionID})
			continue
		}
		results = append(results, *result)
		if r.opts.Notifier != nil {
			r.opts.Notifier(fmt.Sprintf("Session %s was automatically recovered", candidate.SessionID))
		}
	}
	return results, nil
}

// backupRecord snapshots the raw record before repair mutates it.
func (r *RecoveryService) backupRecord(ctx context.Context, id string, record map[string]any) (string, error) {
	backupID := uuid.NewString()
	key := recoveryKeyPrefix + id + "_" + backupID
	point := map[string]any{
		"id":         backupID,
		"session_id": id,
		"created_at": time.Now().Format(time.RFC3339Nano),
		"session":    record,
	}
	if err := r.svc.writeRecord(ctx, key, point); err != nil {
		return "", err
	}
	return backupID, nil
}

// readLastState reads the shutdown marker, returning nil when absent.
func (r *RecoveryService) readLastState(ctx context.Context) (*lastStateMarker, error) {
	value, err := r.svc.Adapter().Get(ctx, lastStateKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var marker lastStateMarker
	if err := json.Unmarshal(value, &marker); err != nil {
		return nil, fmt.Errorf("failed to parse shutdown marker: %w", err)
	}
	return &marker, nil
}

// metadataFromRecord decodes the metadata block best-effort.
func metadataFromRecord(record map[string]any) *SessionMetadata {
	raw, ok := record["metadata"].(map[string]any)
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var meta SessionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil
	}
	return &meta
}

// runningSimulationIDs lists ids of simulations still marked running.
func runningSimulationIDs(record map[string]any) []string {
	sims, ok := record["simulations"].([]any)
	if !ok {
		return nil
	}
	var running []string
	for _, raw := range sims {
		sim, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if stringField(sim, "status") == SimStatusRunning {
			if id := stringField(sim, "id"); id != "" {
				running = append(running, id)
			}
		}
	}
	return running
}

// structToRecord converts a typed value into the generic record shape.
func structToRecord(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		return map[string]any{}
	}
	return record
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func validStatus(status string) bool {
	switch SessionStatus(status) {
	case StatusActive, StatusPaused, StatusCompleted, StatusArchived, StatusError, StatusCancelled:
		return true
	}
	return false
}
