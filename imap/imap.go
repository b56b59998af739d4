// Package imap exposes a remote IMAP account as a read-only mail source.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mailharvest/mailparse"
	"github.com/dhcgn/mailharvest/model"
	"github.com/dhcgn/mailharvest/source"
)

var (
	ErrNotConnected = errors.New("imap client is not connected")
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
}

// Store is a source.Source backed by a single IMAP login. The account
// address is the login name.
type Store struct {
	opts    Options
	client  *imapclient.Client
	cleanup func()
	logger  *slog.Logger
}

func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Store, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.Username == "" {
		return nil, fmt.Errorf("imap username is empty")
	}

	s := &Store{opts: opts, logger: logger}
	client, cleanup, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.client = client
	s.cleanup = cleanup
	return s, nil
}

func (s *Store) Accounts(ctx context.Context) ([]string, error) {
	return []string{s.opts.Username}, nil
}

func (s *Store) Account(ctx context.Context, address string) (source.Account, error) {
	if !source.SameAddress(address, s.opts.Username) {
		return nil, fmt.Errorf("%w: %s (logged in as %s)", source.ErrAccountNotFound, address, s.opts.Username)
	}
	return &account{store: s}, nil
}

func (s *Store) Close() error {
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
	s.client = nil
	return nil
}

func (s *Store) dial(ctx context.Context) (*imapclient.Client, func(), error) {
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
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(s.opts.Username, s.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	if s.logger != nil {
		s.logger.Debug("imap connection established", "address", address, "user", s.opts.Username, "tls", s.opts.UseTLS)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				if s.logger != nil {
					s.logger.Warn("imap logout failed", "err", err)
				}
			}
		}
		if err := client.Close(); err != nil && s.logger != nil {
			s.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

type account struct {
	store *Store
}

func (a *account) Address() string {
	return a.store.opts.Username
}

// Folders lists the selectable top-level mailboxes.
func (a *account) Folders(ctx context.Context) ([]source.Folder, error) {
	client := a.store.client
	if client == nil {
		return nil, ErrNotConnected
	}

	mailboxes, err := client.List("", "%", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}

	var folders []source.Folder
	for _, data := range mailboxes {
		if !selectable(data.Attrs) {
			continue
		}
		folders = append(folders, &Folder{store: a.store, name: data.Mailbox})
	}

	sort.Slice(folders, func(i, j int) bool {
		return folderOrder(folders[i].Name()) < folderOrder(folders[j].Name())
	})
	return folders, nil
}

func selectable(attrs []imapv2.MailboxAttr) bool {
	for _, attr := range attrs {
		if attr == imapv2.MailboxAttrNoSelect || attr == imapv2.MailboxAttrNonExistent {
			return false
		}
	}
	return true
}

// folderOrder sorts INBOX first and everything else by name.
func folderOrder(name string) string {
	if strings.EqualFold(name, "INBOX") {
		return ""
	}
	return strings.ToLower(name)
}

// Folder is a single IMAP mailbox, opened read-only.
type Folder struct {
	store *Store
	name  string
}

func (f *Folder) Name() string {
	return f.name
}

// Walk selects the mailbox read-only and fetches every message from the
// first sequence number. Bodies are fetched with PEEK so \Seen is untouched.
// Messages without a body or with an unreadable one are still handed to fn
// so they are counted.
func (f *Folder) Walk(ctx context.Context, fn source.WalkFunc) error {
	client := f.store.client
	if client == nil {
		return ErrNotConnected
	}

	selected, err := client.Select(f.name, &imapv2.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return fmt.Errorf("select %s: %w", f.name, err)
	}
	if selected.NumMessages == 0 {
		return nil
	}

	var seqSet imapv2.SeqSet
	seqSet.AddRange(1, selected.NumMessages)

	bodySection := &imapv2.FetchItemBodySection{Peek: true}
	fetchOpts := &imapv2.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imapv2.FetchItemBodySection{bodySection},
	}

	fetchCmd := client.Fetch(seqSet, fetchOpts)
	defer fetchCmd.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		data := fetchCmd.Next()
		if data == nil {
			break
		}

		buf, err := data.Collect()
		if err != nil {
			return fmt.Errorf("fetch %s: %w", f.name, err)
		}

		var msg model.Message
		raw := buf.FindBodySection(bodySection)
		if raw == nil {
			if f.store.logger != nil {
				f.store.logger.Warn("message without body", "folder", f.name, "uid", buf.UID)
			}
			msg = model.Message{Kind: model.KindUnknown}
		} else if msg, err = mailparse.Parse(raw); err != nil {
			if f.store.logger != nil {
				f.store.logger.Warn("unreadable message, using raw header fields", "folder", f.name, "uid", buf.UID, "err", err)
			}
			msg = mailparse.Fallback(raw)
		}
		if !buf.InternalDate.IsZero() {
			msg.ReceivedAt = buf.InternalDate
		}

		if err := fn(&msg); err != nil {
			return err
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return fmt.Errorf("fetch %s: %w", f.name, err)
	}
	return nil
}

// Count returns the number of messages in the mailbox using STATUS.
func (f *Folder) Count(ctx context.Context) (int, error) {
	client := f.store.client
	if client == nil {
		return 0, ErrNotConnected
	}

	status, err := client.Status(f.name, &imapv2.StatusOptions{NumMessages: true}).Wait()
	if err != nil {
		return 0, fmt.Errorf("status %s: %w", f.name, err)
	}
	if status.NumMessages == nil {
		return 0, nil
	}
	return int(*status.NumMessages), nil
}

var _ source.Source = (*Store)(nil)
var _ source.Folder = (*Folder)(nil)
