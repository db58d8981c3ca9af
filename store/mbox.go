package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"os"
	"strings"
	"sync"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/hrfmtzk/mail-digest/model"
)

// MboxStore serves messages out of a local mbox archive. It exists for
// development and dry runs against captured mail; the Date header acts
// as the receipt timestamp. Messages without a parsable Date have no
// receipt instant and are never listed.
type MboxStore struct {
	path string

	mu      sync.Mutex
	loaded  bool
	refs    []model.RawMessageRef
	objects map[string][]byte
}

// NewMbox builds an MboxStore over the archive at path. The file is
// read once, on first List.
func NewMbox(path string) (*MboxStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	return &MboxStore{path: path, objects: make(map[string][]byte)}, nil
}

func (s *MboxStore) List(ctx context.Context, window model.RunWindow) ([]model.RawMessageRef, error) {
	if err := s.load(); err != nil {
		return nil, model.FatalErr(model.FailStoreUnavailable, err)
	}

	var refs []model.RawMessageRef
	for _, ref := range s.refs {
		if err := ctx.Err(); err != nil {
			return nil, model.FatalErr(model.FailStoreUnavailable, err)
		}
		if window.Contains(ref.ReceivedAt) {
			refs = append(refs, ref)
		}
	}

	sortRefs(refs)
	return refs, nil
}

func (s *MboxStore) Fetch(_ context.Context, ref model.RawMessageRef) (io.ReadCloser, error) {
	s.mu.Lock()
	raw, ok := s.objects[ref.ID]
	s.mu.Unlock()
	if !ok {
		return nil, model.ItemErr(model.FailObjectNotFound, fmt.Errorf("message %s not in archive", ref.ID))
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (s *MboxStore) Close() error {
	return nil
}

func (s *MboxStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}

	file, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	for idx := 0; ; idx++ {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("message %d read: %w", idx, err)
		}

		ref, ok := refFromRaw(idx, raw)
		if !ok {
			continue
		}

		s.refs = append(s.refs, ref)
		s.objects[ref.ID] = raw
	}

	s.loaded = true
	return nil
}

func refFromRaw(idx int, raw []byte) (model.RawMessageRef, bool) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return model.RawMessageRef{}, false
	}

	date := msg.Header.Get("Date")
	if date == "" {
		return model.RawMessageRef{}, false
	}
	receivedAt, err := mail.ParseDate(date)
	if err != nil {
		return model.RawMessageRef{}, false
	}

	id := strings.Trim(msg.Header.Get("Message-Id"), " <>")
	if id == "" {
		id = strings.Trim(msg.Header.Get("Message-ID"), " <>")
	}
	if id == "" {
		id = fmt.Sprintf("mbox-%05d", idx)
	}

	return model.RawMessageRef{ID: id, ReceivedAt: receivedAt, Size: int64(len(raw))}, true
}
