package pipeline

import (
	"context"
	"time"
)

// Snapshot is the persisted form of a run: enough to resume it after a
// process restart.
type Snapshot struct {
	RequestID string    `json:"request_id"`
	State     State     `json:"state"`
	Next      StageName `json:"next"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists snapshots keyed by request id.
//
// Save must be a compare-and-swap on Version: it succeeds only when the stored
// snapshot is at expectedVersion (zero meaning no snapshot exists yet) and
// fails with ErrConflict otherwise. Load returns ErrRunNotFound for unknown ids.
type Store interface {
	Load(ctx context.Context, requestID string) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot, expectedVersion int64) error
}
