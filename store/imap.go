package store

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/hrfmtzk/mail-digest/model"
)

// IMAPOptions configures the IMAP-backed message store.
type IMAPOptions struct {
	Host               string
	Port               int
	Username           string
	Password           string
	Mailbox            string
	UseTLS             bool
	InsecureSkipVerify bool
}

// IMAPStore reads raw messages from a mailbox over IMAP. Refs are UIDs
// and the INTERNALDATE serves as the receipt timestamp. The connection
// is established lazily on first use, guarded by mu, and reused until
// Close; the client itself serializes commands internally.
type IMAPStore struct {
	opts   IMAPOptions
	logger *slog.Logger

	mu      sync.Mutex
	client  *imapclient.Client
	cleanup func()
}

// NewIMAP builds an IMAPStore; it does not dial until List or Fetch.
func NewIMAP(opts IMAPOptions, logger *slog.Logger) (*IMAPStore, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	return &IMAPStore{opts: opts, logger: logger}, nil
}

func (s *IMAPStore) List(ctx context.Context, window model.RunWindow) ([]model.RawMessageRef, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return nil, model.FatalErr(model.FailStoreUnavailable, err)
	}

	// SEARCH date brackets have day granularity, so widen by a day on
	// both sides and filter precisely on INTERNALDATE afterwards.
	criteria := &imapv2.SearchCriteria{
		Since:  window.Start.AddDate(0, 0, -1),
		Before: window.End.AddDate(0, 0, 1),
	}
	data, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, model.FatalErr(model.FailStoreUnavailable, fmt.Errorf("uid search: %w", err))
	}

	uids := data.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	fetchCmd := client.Fetch(imapv2.UIDSetNum(uids...), &imapv2.FetchOptions{
		UID:          true,
		InternalDate: true,
		RFC822Size:   true,
	})
	msgs, err := fetchCmd.Collect()
	if err != nil {
		return nil, model.FatalErr(model.FailStoreUnavailable, fmt.Errorf("fetch metadata: %w", err))
	}

	var refs []model.RawMessageRef
	for _, msg := range msgs {
		if !window.Contains(msg.InternalDate) {
			continue
		}
		refs = append(refs, model.RawMessageRef{
			ID:         strconv.FormatUint(uint64(msg.UID), 10),
			ReceivedAt: msg.InternalDate,
			Size:       msg.RFC822Size,
		})
	}

	sortRefs(refs)
	return refs, nil
}

func (s *IMAPStore) Fetch(ctx context.Context, ref model.RawMessageRef) (io.ReadCloser, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return nil, model.ItemErr(model.FailObjectReadError, err)
	}

	uid, err := strconv.ParseUint(ref.ID, 10, 32)
	if err != nil {
		return nil, model.ItemErr(model.FailObjectNotFound, fmt.Errorf("ref %q is not a uid", ref.ID))
	}

	section := &imapv2.FetchItemBodySection{}
	fetchCmd := client.Fetch(imapv2.UIDSetNum(imapv2.UID(uid)), &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	})
	msgs, err := fetchCmd.Collect()
	if err != nil {
		return nil, model.ItemErr(model.FailObjectReadError, fmt.Errorf("fetch uid %d: %w", uid, err))
	}
	if len(msgs) == 0 {
		return nil, model.ItemErr(model.FailObjectNotFound, fmt.Errorf("uid %d not found", uid))
	}

	body := msgs[0].FindBodySection(section)
	if body == nil {
		return nil, model.ItemErr(model.FailObjectReadError, fmt.Errorf("uid %d: no body section", uid))
	}

	return io.NopCloser(bytes.NewReader(body)), nil
}

// connect dials, logs in and selects the mailbox once; concurrent
// callers share the established client.
func (s *IMAPStore) connect(ctx context.Context) (*imapclient.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}

	address := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	options := &imapclient.Options{}
	if s.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         s.opts.Host,
			InsecureSkipVerify: s.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)
	if s.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(s.opts.Username, s.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	mailbox := s.opts.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := client.Select(mailbox, &imapv2.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("select %s: %w", mailbox, err)
	}

	if s.logger != nil {
		s.logger.Debug("imap connection established", "address", address, "user", s.opts.Username, "mailbox", mailbox, "tls", s.opts.UseTLS)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	s.client = client
	s.cleanup = func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil && s.logger != nil {
				s.logger.Warn("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil && s.logger != nil {
			s.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, nil
}

func (s *IMAPStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cleanup != nil {
		s.cleanup()
		s.client = nil
		s.cleanup = nil
	}
	return nil
}
