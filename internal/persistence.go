package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evolab/evosim-session/internal/storage"
)

// Storage key layout. Session records, the index, recovery snapshots, and
// liveness markers live under disjoint prefixes so that prefix scans during
// cleanup only ever see session records.
const (
	sessionKeyPrefix  = "session_"
	recoveryKeyPrefix = "recovery_"
	indexKey          = "index_sessions"
	heartbeatKey      = "marker_heartbeat"
	lastStateKey      = "marker_last_state"
)

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

// Options configures a PersistenceService.
type Options struct {
	// StorageType selects the backend: "local" or "indexed".
	StorageType string
	// Path is the backend's data directory.
	Path string
	// InMemory runs the indexed backend without disk persistence (tests).
	InMemory bool
	// AutoSaveInterval is the period of the auto-save timer.
	AutoSaveInterval time.Duration
	// CompressionEnabled compresses serialized records before writing.
	CompressionEnabled bool
	// MaxSessions caps the session index length.
	MaxSessions int
	// MaxAge is the age past which cleanup removes a session.
	MaxAge time.Duration
	// MaxStorageSize is the capacity estimate handed to the quota manager.
	MaxStorageSize int64
}

// DefaultOptions returns the options used when the caller overrides
// nothing.
func DefaultOptions() Options {
	return Options{
		StorageType:        StorageTypeLocal,
		AutoSaveInterval:   30 * time.Second,
		CompressionEnabled: true,
		MaxSessions:        50,
		MaxAge:             30 * 24 * time.Hour,
		MaxStorageSize:     50 * 1024 * 1024,
	}
}

// PersistenceService durably stores sessions and maintains the bounded
// session index. Construct one per composition root; there is no shared
// global instance.
type PersistenceService struct {
	adapter     storage.Adapter
	ownsAdapter bool
	codec       Codec
	versions    *VersionManager
	quota       *QuotaManager
	opts        Options

	mu           sync.Mutex
	listeners    map[string]func(*Session)
	autosaveStop chan struct{}
}

// NewPersistenceService opens the configured backend and wires the codec,
// version manager, and quota manager around it.
func NewPersistenceService(opts Options) (*PersistenceService, error) {
	defaults := DefaultOptions()
	if opts.StorageType == "" {
		opts.StorageType = defaults.StorageType
	}
	if opts.AutoSaveInterval <= 0 {
		opts.AutoSaveInterval = defaults.AutoSaveInterval
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = defaults.MaxSessions
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaults.MaxAge
	}
	if opts.MaxStorageSize <= 0 {
		opts.MaxStorageSize = defaults.MaxStorageSize
	}

	adapter, err := storage.Open(storage.Config{
		Type:     opts.StorageType,
		Path:     opts.Path,
		InMemory: opts.InMemory,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage backend: %w", err)
	}

	svc := NewPersistenceServiceWithAdapter(adapter, opts)
	svc.ownsAdapter = true
	return svc, nil
}

// NewPersistenceServiceWithAdapter builds a service over an already-open
// adapter. The caller keeps ownership of the adapter's lifetime.
func NewPersistenceServiceWithAdapter(adapter storage.Adapter, opts Options) *PersistenceService {
	return &PersistenceService{
		adapter:   adapter,
		versions:  NewVersionManager(),
		quota:     NewQuotaManager(adapter, opts.MaxStorageSize),
		opts:      opts,
		listeners: make(map[string]func(*Session)),
	}
}

// Adapter exposes the underlying storage adapter to cooperating services.
func (p *PersistenceService) Adapter() storage.Adapter {
	return p.adapter
}

// Quota exposes the quota manager for stats and cleanup callers.
func (p *PersistenceService) Quota() *QuotaManager {
	return p.quota
}

// Close stops the auto-save timer and releases the backend if this service
// opened it.
func (p *PersistenceService) Close() error {
	p.StopAutoSave()
	if p.ownsAdapter {
		return p.adapter.Close()
	}
	return nil
}

// SaveSession validates, stamps, serializes, and durably writes a session,
// then updates the index and notifies the session's listener. The index is
// only touched after the record write succeeds.
func (p *PersistenceService) SaveSession(ctx context.Context, session *Session) error {
	if err := ValidateSession(session); err != nil {
		return err
	}

	session.Metadata.UpdatedAt = time.Now()
	p.versions.Stamp(session)

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to serialize session %s: %w", session.Metadata.ID, err)
	}
	payload := p.codec.Compress(string(data), p.opts.CompressionEnabled)

	// One cleanup-and-retry cycle when the write would not fit. The save
	// fails outright only if cleanup freed nothing.
	if p.quota.CheckQuotaExceeded(ctx, int64(len(payload))*2) {
		removed, cleanupErr := p.quota.CleanupOldSessions(ctx, sessionKeyPrefix, p.opts.MaxAge)
		if cleanupErr != nil {
			LogWarn("Quota cleanup failed: %v", cleanupErr)
		}
		if removed == 0 {
			return &storage.WriteError{
				Key: sessionKey(session.Metadata.ID),
				Err: fmt.Errorf("storage quota exceeded and cleanup freed nothing"),
			}
		}
		LogInfo("Quota cleanup removed %d expired session(s)", removed)
	}

	if err := p.adapter.Set(ctx, sessionKey(session.Metadata.ID), []byte(payload)); err != nil {
		return err
	}

	if err := p.updateIndex(ctx, session); err != nil {
		return fmt.Errorf("session written but index update failed: %w", err)
	}

	p.notify(session.Metadata.ID, session)
	LogDebug("Saved session %s (%d bytes, compression=%v)",
		session.Metadata.ID, len(payload), p.opts.CompressionEnabled)
	return nil
}

// LoadSession reads, decompresses, migrates, and validates one session.
func (p *PersistenceService) LoadSession(ctx context.Context, id string) (*Session, error) {
	record, err := p.LoadRecord(ctx, id)
	if err != nil {
		return nil, err
	}

	migrated, changed, err := p.versions.Migrate(record)
	if err != nil {
		return nil, &MigrationError{SessionID: id, FromVersion: RecordVersion(record), Err: err}
	}
	if changed {
		// Persist the migrated form so the migration runs once, not on
		// every load. A failed re-save is non-fatal; the next load
		// migrates again.
		if err := p.writeRecord(ctx, sessionKey(id), migrated); err != nil {
			LogWarn("Failed to re-save migrated session %s: %v", id, err)
		}
	}

	session, err := recordToSession(migrated)
	if err != nil {
		return nil, &ValidationError{SessionID: id, Err: err}
	}
	if err := ValidateSession(session); err != nil {
		return nil, err
	}
	return session, nil
}

// LoadRecord reads and decodes a session record without migration or
// validation. The recovery service inspects damaged sessions through this.
func (p *PersistenceService) LoadRecord(ctx context.Context, id string) (map[string]any, error) {
	value, err := p.adapter.Get(ctx, sessionKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &NotFoundError{Kind: "session", ID: id}
	}
	if err != nil {
		return nil, err
	}

	text, err := p.codec.Decompress(string(value), true)
	if err != nil {
		return nil, &IntegrityError{SessionID: id, Err: err}
	}

	var record map[string]any
	if err := json.Unmarshal([]byte(text), &record); err != nil {
		return nil, &IntegrityError{SessionID: id, Err: fmt.Errorf("record is not valid JSON: %w", err)}
	}
	return record, nil
}

// SaveRecord writes a repaired generic record back under the session's key
// and refreshes its index entry. Used by recovery after auto-fix.
func (p *PersistenceService) SaveRecord(ctx context.Context, id string, record map[string]any) error {
	session, err := recordToSession(record)
	if err != nil {
		return &ValidationError{SessionID: id, Err: err}
	}
	return p.SaveSession(ctx, session)
}

// GetAllSessions returns the session index. No index yet means no
// sessions: an empty slice, never an error.
func (p *PersistenceService) GetAllSessions(ctx context.Context) ([]SessionSummary, error) {
	value, err := p.adapter.Get(ctx, indexKey)
	if errors.Is(err, storage.ErrNotFound) {
		return []SessionSummary{}, nil
	}
	if err != nil {
		return nil, err
	}

	var index []SessionSummary
	if err := json.Unmarshal(value, &index); err != nil {
		return nil, fmt.Errorf("failed to parse session index: %w", err)
	}
	return index, nil
}

// DeleteSession removes a session record and its index entry. Deleting an
// absent id is not an error.
func (p *PersistenceService) DeleteSession(ctx context.Context, id string) error {
	if err := p.adapter.Remove(ctx, sessionKey(id)); err != nil {
		return err
	}

	index, err := p.GetAllSessions(ctx)
	if err != nil {
		return err
	}
	filtered := index[:0]
	for _, entry := range index {
		if entry.ID != id {
			filtered = append(filtered, entry)
		}
	}
	if len(filtered) == len(index) {
		return nil
	}
	return p.writeIndex(ctx, filtered)
}

// ExportSession wraps a loaded session in a self-contained bundle with a
// checksum over the serialized session.
func (p *PersistenceService) ExportSession(ctx context.Context, id string) (*SessionExport, error) {
	session, err := p.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}

	checksum, err := sessionChecksum(session)
	if err != nil {
		return nil, fmt.Errorf("failed to compute checksum: %w", err)
	}

	return &SessionExport{
		Version:         CurrentSessionVersion,
		ExportTimestamp: time.Now(),
		Session:         session,
		Checksum:        checksum,
	}, nil
}

// ImportSession verifies a bundle's checksum when present, then saves its
// session under a fresh identity so it cannot collide with an existing one.
func (p *PersistenceService) ImportSession(ctx context.Context, bundle *SessionExport) (*Session, error) {
	if bundle == nil || bundle.Session == nil {
		return nil, &ValidationError{Err: fmt.Errorf("export bundle has no session")}
	}

	if bundle.Checksum != "" {
		computed, err := sessionChecksum(bundle.Session)
		if err != nil {
			return nil, fmt.Errorf("failed to compute checksum: %w", err)
		}
		if computed != bundle.Checksum {
			return nil, &IntegrityError{
				SessionID: bundle.Session.Metadata.ID,
				Err:       fmt.Errorf("checksum mismatch: stored %s, computed %s", bundle.Checksum, computed),
			}
		}
	}

	session := cloneSession(bundle.Session)
	now := time.Now()
	session.Metadata.ID = uuid.NewString()
	session.Metadata.CreatedAt = now
	session.Metadata.UpdatedAt = now

	if err := p.SaveSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// StorageStats reports what the persistence layer currently holds. Helper
// failures degrade individual fields rather than failing the call.
func (p *PersistenceService) StorageStats(ctx context.Context) (*StorageStats, error) {
	index, err := p.GetAllSessions(ctx)
	if err != nil {
		return nil, err
	}

	stats := &StorageStats{
		SessionCount: len(index),
		Quota:        p.quota.GetStorageQuota(ctx),
	}
	if size, err := p.adapter.Size(ctx); err == nil {
		stats.TotalBytes = size
	} else {
		LogWarn("Storage size unavailable for stats: %v", err)
	}

	for _, entry := range index {
		if stats.OldestCreatedAt.IsZero() || entry.CreatedAt.Before(stats.OldestCreatedAt) {
			stats.OldestCreatedAt = entry.CreatedAt
		}
		if entry.CreatedAt.After(stats.NewestCreatedAt) {
			stats.NewestCreatedAt = entry.CreatedAt
		}
	}
	return stats, nil
}

// CleanupExpired removes sessions older than maxAge and prunes their index
// entries. It returns the number of records removed.
func (p *PersistenceService) CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	removed, err := p.quota.CleanupOldSessions(ctx, sessionKeyPrefix, maxAge)
	if err != nil {
		return removed, err
	}
	if removed == 0 {
		return 0, nil
	}

	// Drop index entries whose records are gone.
	index, err := p.GetAllSessions(ctx)
	if err != nil {
		return removed, err
	}
	kept := make([]SessionSummary, 0, len(index))
	for _, entry := range index {
		if _, err := p.adapter.Get(ctx, sessionKey(entry.ID)); err == nil {
			kept = append(kept, entry)
		}
	}
	if len(kept) != len(index) {
		if err := p.writeIndex(ctx, kept); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// StartAutoSave begins the repeating save of whatever session the accessor
// currently returns. Only active sessions are written; failures are logged
// and never stop the timer. Starting twice is a no-op.
func (p *PersistenceService) StartAutoSave(getCurrentSession func() *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.autosaveStop != nil {
		return
	}
	stop := make(chan struct{})
	p.autosaveStop = stop

	go func() {
		ticker := time.NewTicker(p.opts.AutoSaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				session := getCurrentSession()
				if session == nil || session.Metadata.Status != StatusActive {
					continue
				}
				if err := p.SaveSession(context.Background(), session); err != nil {
					LogWarn("Auto-save failed for session %s: %v", session.Metadata.ID, err)
				} else {
					LogDebug("Auto-saved session %s", session.Metadata.ID)
				}
			}
		}
	}()
}

// StopAutoSave cancels the auto-save timer. Stopping twice is a no-op.
func (p *PersistenceService) StopAutoSave() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.autosaveStop != nil {
		close(p.autosaveStop)
		p.autosaveStop = nil
	}
}

// recoveryPoint is the persisted shape of an independent session snapshot.
type recoveryPoint struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	Session   *Session  `json:"session"`
}

// CreateRecoveryPoint snapshots a session under its own key, independent of
// the live record, and returns the snapshot id.
func (p *PersistenceService) CreateRecoveryPoint(ctx context.Context, id string) (string, error) {
	session, err := p.LoadSession(ctx, id)
	if err != nil {
		return "", err
	}

	point := recoveryPoint{
		ID:        uuid.NewString(),
		SessionID: id,
		CreatedAt: time.Now(),
		Session:   session,
	}
	data, err := json.Marshal(point)
	if err != nil {
		return "", fmt.Errorf("failed to serialize recovery point: %w", err)
	}

	key := recoveryKeyPrefix + id + "_" + point.ID
	payload := p.codec.Compress(string(data), p.opts.CompressionEnabled)
	if err := p.adapter.Set(ctx, key, []byte(payload)); err != nil {
		return "", err
	}
	LogInfo("Created recovery point %s for session %s", point.ID, id)
	return point.ID, nil
}

// AddListener registers a callback fired after every successful write of
// the session with the given id.
func (p *PersistenceService) AddListener(id string, fn func(*Session)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners[id] = fn
}

// RemoveListener drops the callback for id.
func (p *PersistenceService) RemoveListener(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.listeners, id)
}

// notify invokes the listener for id, if any. A panicking listener must not
// abort the write it is reacting to.
func (p *PersistenceService) notify(id string, session *Session) {
	p.mu.Lock()
	fn := p.listeners[id]
	p.mu.Unlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			LogWarn("Session listener for %s panicked: %v", id, r)
		}
	}()
	fn(session)
}

// updateIndex prepends the session's summary, dedupes by id, and drops
// entries past the MaxSessions cap. Dropped entries leave the index only,
// not storage.
func (p *PersistenceService) updateIndex(ctx context.Context, session *Session) error {
	index, err := p.GetAllSessions(ctx)
	if err != nil {
		return err
	}

	entry := SessionSummary{
		ID:              session.Metadata.ID,
		Name:            session.Metadata.Name,
		Status:          session.Metadata.Status,
		CreatedAt:       session.Metadata.CreatedAt,
		UpdatedAt:       session.Metadata.UpdatedAt,
		SimulationCount: len(session.Simulations),
	}

	updated := make([]SessionSummary, 0, len(index)+1)
	updated = append(updated, entry)
	for _, existing := range index {
		if existing.ID != entry.ID {
			updated = append(updated, existing)
		}
	}
	if p.opts.MaxSessions > 0 && len(updated) > p.opts.MaxSessions {
		updated = updated[:p.opts.MaxSessions]
	}
	return p.writeIndex(ctx, updated)
}

func (p *PersistenceService) writeIndex(ctx context.Context, index []SessionSummary) error {
	data, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("failed to serialize session index: %w", err)
	}
	return p.adapter.Set(ctx, indexKey, data)
}

// writeRecord serializes and writes a generic record under key without
// touching the index.
func (p *PersistenceService) writeRecord(ctx context.Context, key string, record map[string]any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}
	payload := p.codec.Compress(string(data), p.opts.CompressionEnabled)
	return p.adapter.Set(ctx, key, []byte(payload))
}

// recordToSession decodes a generic record into the typed session model.
func recordToSession(record map[string]any) (*Session, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// sessionChecksum computes the FNV-64a digest of the serialized session.
// It detects accidental corruption in export bundles, nothing more.
func sessionChecksum(session *Session) (string, error) {
	data, err := json.Marshal(session)
	if err != nil {
		return "", err
	}
	h := fnv.New64a()
	h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// cloneSession deep-copies a session through its serialized form.
func cloneSession(session *Session) *Session {
	data, err := json.Marshal(session)
	if err != nil {
		// Sessions are plain data; marshalling only fails on NaN-style
		// values smuggled into State. Fall back to a shallow copy.
		copied := *session
		return &copied
	}
	var copied Session
	if err := json.Unmarshal(data, &copied); err != nil {
		shallow := *session
		return &shallow
	}
	return &copied
}
