package tagging

import (
	"context"
	"fmt"
	"sort"
)

// TagStore reads and writes the tags of remote resources.
type TagStore interface {
	// GetTags returns the current tags of a resource.
	GetTags(ctx context.Context, resourceID string) (map[string]string, error)

	// CreateTags adds or overwrites tags on the given resources.
	CreateTags(ctx context.Context, resourceIDs []string, tags map[string]string) error

	// DeleteTags removes tag keys from the given resources.
	DeleteTags(ctx context.Context, resourceIDs []string, keys []string) error
}

// WriteResult reports what a guarded write did.
type WriteResult struct {
	Suppressed bool
	Written    int
	Deleted    int
}

// GuardedWriter writes tags through an EventLoopGuard, always using the
// tags the resource has at write time.
type GuardedWriter struct {
	store   TagStore
	guard   *EventLoopGuard
	trigger Trigger
}

// NewGuardedWriter creates a writer for one task.
func NewGuardedWriter(store TagStore, guard *EventLoopGuard, trigger Trigger) *GuardedWriter {
	return &GuardedWriter{store: store, guard: guard, trigger: trigger}
}

// SetTags applies ops to a resource unless the guard suppresses the write.
func (w *GuardedWriter) SetTags(ctx context.Context, resourceID string, ops TagOps) (WriteResult, error) {
	if len(ops) == 0 {
		return WriteResult{}, nil
	}

	current, err := w.store.GetTags(ctx, resourceID)
	if err != nil {
		return WriteResult{}, fmt.Errorf("failed to read tags of %s: %w", resourceID, err)
	}

	safe, suppressed := w.guard.FilterSafeTagWrite(current, ops, w.trigger)
	if suppressed {
		return WriteResult{Suppressed: true}, nil
	}

	changes := Classify(current, safe)
	upserts := make(map[string]string, len(changes.Added)+len(changes.Updated))
	for k, v := range changes.Added {
		upserts[k] = v
	}
	for k, v := range changes.Updated {
		upserts[k] = v
	}

	ids := []string{resourceID}
	if len(changes.Deleted) > 0 {
		if err := w.store.DeleteTags(ctx, ids, changes.Deleted); err != nil {
			return WriteResult{}, fmt.Errorf("failed to delete tags %v from %s: %w", changes.Deleted, resourceID, err)
		}
	}
	if len(upserts) > 0 {
		if err := w.store.CreateTags(ctx, ids, upserts); err != nil {
			keys := make([]string, 0, len(upserts))
			for k := range upserts {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			return WriteResult{Deleted: len(changes.Deleted)}, fmt.Errorf("failed to set tags %v on %s: %w", keys, resourceID, err)
		}
	}

	return WriteResult{Written: len(upserts), Deleted: len(changes.Deleted)}, nil
}
