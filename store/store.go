// Package store enumerates and retrieves raw message objects from the
// upstream mail store. The pipeline only lists and reads, never writes.
package store

import (
	"context"
	"io"
	"sort"

	"github.com/hrfmtzk/mail-digest/model"
)

// Store is the read contract over the upstream message store.
//
// List returns only refs whose receipt timestamp falls within the
// half-open window, ordered by receipt timestamp ascending with the
// object ID as tie-break. A listing failure is run-fatal and wrapped as
// store_unavailable. Fetch failures are per-object: object_not_found or
// object_read_error, wrapped as ItemError.
type Store interface {
	List(ctx context.Context, window model.RunWindow) ([]model.RawMessageRef, error)
	Fetch(ctx context.Context, ref model.RawMessageRef) (io.ReadCloser, error)
	Close() error
}

func sortRefs(refs []model.RawMessageRef) {
	sort.Slice(refs, func(i, j int) bool {
		if !refs[i].ReceivedAt.Equal(refs[j].ReceivedAt) {
			return refs[i].ReceivedAt.Before(refs[j].ReceivedAt)
		}
		return refs[i].ID < refs[j].ID
	})
}
