package internal

import (
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusPaused    SessionStatus = "paused"
	StatusCompleted SessionStatus = "completed"
	StatusArchived  SessionStatus = "archived"
	StatusError     SessionStatus = "error"
	StatusCancelled SessionStatus = "cancelled"
)

// Session is the root durable object: everything the dashboard needs to
// restore a user's working state after a reload or crash.
type Session struct {
	Metadata    SessionMetadata       `json:"metadata" validate:"required"`
	Config      SessionConfig         `json:"config"`
	Simulations []SimulationReference `json:"simulations" validate:"dive"`
	Performance SessionPerformance    `json:"performance"`
	State       map[string]any        `json:"state,omitempty"`
	Checkpoints []Checkpoint          `json:"checkpoints,omitempty"`
}

// SessionMetadata identifies a session. ID is generated at creation and
// never changes afterwards.
type SessionMetadata struct {
	ID          string        `json:"id" validate:"required"`
	Name        string        `json:"name" validate:"required"`
	Status      SessionStatus `json:"status" validate:"required,oneof=active paused completed archived error cancelled"`
	Priority    string        `json:"priority,omitempty"`
	Tags        []string      `json:"tags,omitempty"`
	CreatedAt   time.Time     `json:"created_at" validate:"required"`
	UpdatedAt   time.Time     `json:"updated_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	// TotalDuration is set once on close, from StartedAt to CompletedAt.
	TotalDuration time.Duration `json:"total_duration,omitempty"`
	Version       string        `json:"version"`
	ClientInfo    string        `json:"client_info,omitempty"`
}

// SessionConfig is the per-session policy surface. Defaults come from
// DefaultSessionConfig and may be overridden at creation.
type SessionConfig struct {
	AutoSave         bool          `json:"auto_save"`
	AutoSaveInterval time.Duration `json:"auto_save_interval"`
	MaxSimulations   int           `json:"max_simulations" validate:"min=0"`
	MaxStorageSize   int64         `json:"max_storage_size" validate:"min=0"`
	Compression      bool          `json:"compression"`
	Encryption       bool          `json:"encryption"`
	BackupInterval   time.Duration `json:"backup_interval"`
	StorageType      string        `json:"storage_type"`
	CleanupAge       time.Duration `json:"cleanup_age"`
	Notifications    bool          `json:"notifications"`
}

// Storage backend identifiers for SessionConfig.StorageType.
const (
	StorageTypeLocal   = "local"
	StorageTypeIndexed = "indexed"
)

// DefaultSessionConfig returns the immutable defaults applied at creation.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		AutoSave:         true,
		AutoSaveInterval: 30 * time.Second,
		MaxSimulations:   50,
		MaxStorageSize:   50 * 1024 * 1024,
		Compression:      true,
		Encryption:       false,
		BackupInterval:   5 * time.Minute,
		StorageType:      StorageTypeLocal,
		CleanupAge:       30 * 24 * time.Hour,
		Notifications:    true,
	}
}

// SimulationReference points at one simulation run. Simulation results live
// elsewhere; the session only keeps this lightweight handle.
type SimulationReference struct {
	ID              string                   `json:"id" validate:"required"`
	SimulationID    string                   `json:"simulation_id" validate:"required"`
	Status          string                   `json:"status"`
	Progress        float64                  `json:"progress" validate:"min=0,max=100"`
	Parameters      map[string]any           `json:"parameters"`
	StartedAt       *time.Time               `json:"started_at,omitempty"`
	CompletedAt     *time.Time               `json:"completed_at,omitempty"`
	ExecutionTime   time.Duration            `json:"execution_time,omitempty"`
	Generations     int64                    `json:"generations,omitempty"`
	ResultSummary   *SimulationResultSummary `json:"result_summary,omitempty"`
	StorageLocation string                   `json:"storage_location,omitempty"`
}

// Simulation run statuses used in SimulationReference.Status.
const (
	SimStatusRunning   = "running"
	SimStatusCompleted = "completed"
	SimStatusFailed    = "failed"
	SimStatusCancelled = "cancelled"
)

// SimulationResultSummary is the small slice of a finished run kept inline.
type SimulationResultSummary struct {
	FinalPopulation   int64   `json:"final_population"`
	Generations       int64   `json:"generations"`
	DominantStrain    string  `json:"dominant_strain,omitempty"`
	ResistantFraction float64 `json:"resistant_fraction,omitempty"`
}

// SessionPerformance aggregates counters over Simulations. It is recomputed
// whenever a SimulationReference is added or patched.
type SessionPerformance struct {
	TotalSimulations     int           `json:"total_simulations"`
	CompletedSimulations int           `json:"completed_simulations"`
	FailedSimulations    int           `json:"failed_simulations"`
	CancelledSimulations int           `json:"cancelled_simulations"`
	TotalExecutionTime   time.Duration `json:"total_execution_time"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	TotalGenerations     int64         `json:"total_generations"`
	StorageUsed          int64         `json:"storage_used"`
}

// Checkpoint is a named point in a session's history, set by the UI layer.
type Checkpoint struct {
	ID         string    `json:"id"`
	Label      string    `json:"label,omitempty"`
	Generation int64     `json:"generation"`
	CreatedAt  time.Time `json:"created_at"`
}

// SessionSummary is one entry of the persisted session index.
type SessionSummary struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Status          SessionStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	SimulationCount int           `json:"simulation_count"`
}

// SessionExport is the self-contained bundle used for cross-device transfer.
// Checksum detects accidental corruption only; it is not a security control.
type SessionExport struct {
	Version         string    `json:"version"`
	ExportTimestamp time.Time `json:"export_timestamp"`
	Session         *Session  `json:"session"`
	Checksum        string    `json:"checksum,omitempty"`
}

// IssueType classifies a structural defect found during recovery validation.
type IssueType string

const (
	IssueCorruption      IssueType = "corruption"
	IssueMissing         IssueType = "missing"
	IssueInvalid         IssueType = "invalid"
	IssueVersionMismatch IssueType = "version_mismatch"
)

// RecoveryIssue is one defect found by integrity validation. AutoFixable
// issues have a known, deterministic repair.
type RecoveryIssue struct {
	Type        IssueType `json:"type"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	Field       string    `json:"field,omitempty"`
	AutoFixable bool      `json:"auto_fixable"`
}

// RecoveryAction is the suggested handling for an interrupted session.
type RecoveryAction string

const (
	ActionAutoRecover   RecoveryAction = "auto_recover"
	ActionManualRecover RecoveryAction = "manual_recover"
	ActionDiscard       RecoveryAction = "discard"
)

// InterruptedSession is a derived view of a session that was not cleanly
// closed. It is computed at startup and never persisted.
type InterruptedSession struct {
	SessionID         string           `json:"session_id"`
	Metadata          *SessionMetadata `json:"metadata,omitempty"`
	LastActivity      time.Time        `json:"last_activity"`
	ActiveSimulations []string         `json:"active_simulations,omitempty"`
	IsRecoverable     bool             `json:"is_recoverable"`
	Reason            string           `json:"reason"`
	DataIntegrity     float64          `json:"data_integrity"`
	SuggestedAction   RecoveryAction   `json:"suggested_action"`
}

// RecoveryResult reports the outcome of RecoverSession.
type RecoveryResult struct {
	SessionID      string          `json:"session_id"`
	Recovered      bool            `json:"recovered"`
	ItemsRecovered int             `json:"items_recovered"`
	Issues         []RecoveryIssue `json:"issues,omitempty"`
	Warnings       []string        `json:"warnings,omitempty"`
	Integrity      float64         `json:"integrity"`
	Elapsed        time.Duration   `json:"elapsed"`
	BackupID       string          `json:"backup_id,omitempty"`
}

// StorageStats summarizes what the persistence layer currently holds.
type StorageStats struct {
	SessionCount    int          `json:"session_count"`
	TotalBytes      int64        `json:"total_bytes"`
	Quota           StorageQuota `json:"quota"`
	OldestCreatedAt time.Time    `json:"oldest_created_at,omitempty"`
	NewestCreatedAt time.Time    `json:"newest_created_at,omitempty"`
}

// SessionPatch is a typed partial update applied by UpdateSession. Nil
// fields are left untouched.
type SessionPatch struct {
	Name     *string
	Priority *string
	Tags     *[]string
	State    map[string]any
}

// SimulationPatch is a typed partial update for one SimulationReference.
type SimulationPatch struct {
	Status          *string
	Progress        *float64
	ExecutionTime   *time.Duration
	Generations     *int64
	ResultSummary   *SimulationResultSummary
	StorageLocation *string
	CompletedAt     *time.Time
}
