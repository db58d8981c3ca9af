package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/hrfmtzk/mail-digest/model"
)

// MemoryStore is a deterministic in-process store. Pipeline tests use
// it directly; the fault fields inject listing and per-object failures.
type MemoryStore struct {
	mu      sync.Mutex
	refs    []model.RawMessageRef
	objects map[string][]byte

	// ListErr, when set, makes every List call fail as store_unavailable.
	ListErr error
	// FetchErr maps object IDs to injected per-object fetch failures.
	FetchErr map[string]error
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		objects:  make(map[string][]byte),
		FetchErr: make(map[string]error),
	}
}

// Add registers a raw message under ref.
func (m *MemoryStore) Add(ref model.RawMessageRef, raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs = append(m.refs, ref)
	m.objects[ref.ID] = raw
}

func (m *MemoryStore) List(_ context.Context, window model.RunWindow) ([]model.RawMessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ListErr != nil {
		return nil, model.FatalErr(model.FailStoreUnavailable, m.ListErr)
	}

	var refs []model.RawMessageRef
	for _, ref := range m.refs {
		if window.Contains(ref.ReceivedAt) {
			refs = append(refs, ref)
		}
	}

	sortRefs(refs)
	return refs, nil
}

func (m *MemoryStore) Fetch(_ context.Context, ref model.RawMessageRef) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.FetchErr[ref.ID]; ok {
		return nil, model.ItemErr(model.FailObjectReadError, err)
	}

	raw, ok := m.objects[ref.ID]
	if !ok {
		return nil, model.ItemErr(model.FailObjectNotFound, fmt.Errorf("object %s not found", ref.ID))
	}

	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (m *MemoryStore) Close() error {
	return nil
}
