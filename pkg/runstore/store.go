// Package runstore persists pipeline snapshots so runs survive suspension at
// the approval gate and process restarts.
package runstore

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/malbeclabs/analyst/pkg/pipeline"
)

var (
	ErrNotFound = pipeline.ErrRunNotFound
	ErrConflict = pipeline.ErrConflict
)

// ListOptions filters List results. A zero value lists every run.
type ListOptions struct {
	Status pipeline.Status
	Limit  int
}

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

func validateRequestID(id string) error {
	if !requestIDPattern.MatchString(id) {
		return fmt.Errorf("invalid request id %q", id)
	}
	return nil
}

func checkVersion(id string, current int64, exists bool, expected int64) error {
	switch {
	case !exists && expected == 0:
		return nil
	case !exists:
		return fmt.Errorf("run %s: expected version %d but none stored: %w", id, expected, ErrConflict)
	case current != expected:
		return fmt.Errorf("run %s: expected version %d, stored %d: %w", id, expected, current, ErrConflict)
	}
	return nil
}

// filter sorts by most recently updated and applies opts.
func filter(snaps []pipeline.Snapshot, opts ListOptions) []pipeline.Snapshot {
	out := snaps[:0]
	for _, s := range snaps {
		if opts.Status != "" && s.State.Status != opts.Status {
			continue
		}
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b pipeline.Snapshot) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.RequestID, b.RequestID)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}
