package internal

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/evolab/evosim-session/internal/storage"
)

// StorageQuota is a best-effort estimate of backend capacity and usage.
type StorageQuota struct {
	Quota           int64   `json:"quota"`
	Usage           int64   `json:"usage"`
	Available       int64   `json:"available"`
	UsagePercentage float64 `json:"usage_percentage"`
}

// QuotaManager estimates capacity and reclaims space by dropping the oldest
// sessions when a write would not fit.
type QuotaManager struct {
	adapter  storage.Adapter
	maxBytes int64
	codec    Codec
}

// NewQuotaManager returns a manager that treats maxBytes as the capacity
// estimate for the given adapter.
func NewQuotaManager(adapter storage.Adapter, maxBytes int64) *QuotaManager {
	return &QuotaManager{adapter: adapter, maxBytes: maxBytes}
}

// GetStorageQuota reports capacity and usage. When the backend cannot
// report its size the result is all-zero; that is not an error.
func (q *QuotaManager) GetStorageQuota(ctx context.Context) StorageQuota {
	usage, err := q.adapter.Size(ctx)
	if err != nil {
		LogWarn("Storage size unavailable: %v", err)
		return StorageQuota{}
	}
	if q.maxBytes <= 0 {
		return StorageQuota{Usage: usage}
	}

	available := q.maxBytes - usage
	if available < 0 {
		available = 0
	}
	return StorageQuota{
		Quota:           q.maxBytes,
		Usage:           usage,
		Available:       available,
		UsagePercentage: float64(usage) / float64(q.maxBytes) * 100,
	}
}

// CheckQuotaExceeded reports whether writing requiredBytes more would pass
// the capacity estimate. With no estimate available it reports false.
func (q *QuotaManager) CheckQuotaExceeded(ctx context.Context, requiredBytes int64) bool {
	quota := q.GetStorageQuota(ctx)
	if quota.Quota == 0 {
		return false
	}
	return quota.Usage+requiredBytes > quota.Quota
}

// CleanupOldSessions removes every record under keyPrefix whose
// metadata.created_at is older than maxAge, and returns how many were
// removed. Records that cannot be parsed are treated as corrupt and removed
// unconditionally rather than left dangling.
func (q *QuotaManager) CleanupOldSessions(ctx context.Context, keyPrefix string, maxAge time.Duration) (int, error) {
	keys, err := q.adapter.Keys(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	removed := 0
	for _, key := range keys {
		if !strings.HasPrefix(key, keyPrefix) {
			continue
		}

		createdAt, parseErr := q.recordCreatedAt(ctx, key)
		if parseErr != nil {
			LogWarn("Removing unparseable session record %s: %v", key, parseErr)
			if err := q.adapter.Remove(ctx, key); err != nil {
				LogWarn("Failed to remove corrupt record %s: %v", key, err)
				continue
			}
			removed++
			continue
		}

		if now.Sub(createdAt) > maxAge {
			if err := q.adapter.Remove(ctx, key); err != nil {
				LogWarn("Failed to remove expired record %s: %v", key, err)
				continue
			}
			LogDebug("Removed expired session record %s (created %s)", key, createdAt.Format(time.RFC3339))
			removed++
		}
	}
	return removed, nil
}

// recordCreatedAt reads a stored record and extracts metadata.created_at.
func (q *QuotaManager) recordCreatedAt(ctx context.Context, key string) (time.Time, error) {
	value, err := q.adapter.Get(ctx, key)
	if err != nil {
		return time.Time{}, err
	}

	text, err := q.codec.Decompress(string(value), true)
	if err != nil {
		return time.Time{}, err
	}

	var record struct {
		Metadata struct {
			CreatedAt time.Time `json:"created_at"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal([]byte(text), &record); err != nil {
		return time.Time{}, err
	}
	if record.Metadata.CreatedAt.IsZero() {
		return time.Time{}, &ValidationError{SessionID: key, Err: errMissingCreatedAt}
	}
	return record.Metadata.CreatedAt, nil
}

var errMissingCreatedAt = errors.New("metadata.created_at missing")
