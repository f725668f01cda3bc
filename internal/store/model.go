// SPDX-License-Identifier: MIT

package store

import (
	"encoding/json"
	"time"
)

// SessionRecord is one row of the sessions collection. State is the
// opaque versioned blob; Version is the optimistic-concurrency marker and
// is only ever advanced through UpdateSession.
type SessionRecord struct {
	SessionID string
	UserID    string
	State     map[string]any
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TaskRecord is one append-only row of task history, with the user
// context captured at completion time.
type TaskRecord struct {
	TaskType         string
	EstimatedMinutes int
	ActualMinutes    int
	EnergyLevel      int
	InPeakWindow     bool
	CreatedAt        time.Time
}

// CacheEntry is one row of the task-cache collection, addressed by the
// fingerprint of the normalized task text.
type CacheEntry struct {
	Fingerprint   string
	NormalizedKey string
	Payload       json.RawMessage
	CreatedAt     time.Time
}
