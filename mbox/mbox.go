// Package mbox reads a local mail client's store: one directory per account
// holding one mbox file per folder, the way Thunderbird lays out
// "Local Folders" and ImapMail caches.
package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mailharvest/mailparse"
	"github.com/dhcgn/mailharvest/source"
)

var ErrRootMissing = errors.New("mail directory does not exist")

// Extensions of client index and cache files living next to mbox files.
var ignoredExtensions = map[string]bool{
	".msf":    true,
	".dat":    true,
	".json":   true,
	".db":     true,
	".sqlite": true,
	".html":   true,
}

type Options struct {
	Root string
}

// Store is a source.Source backed by a directory tree of mbox files.
type Store struct {
	root   string
	logger *slog.Logger
}

func Open(opts Options, logger *slog.Logger) (*Store, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, fmt.Errorf("mail directory is empty")
	}

	info, err := os.Stat(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrRootMissing, root)
	}
	if err != nil {
		return nil, fmt.Errorf("stat mail directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("mail directory %s is not a directory", root)
	}

	return &Store{root: filepath.Clean(root), logger: logger}, nil
}

func (s *Store) Accounts(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read mail directory: %w", err)
	}

	var accounts []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		accounts = append(accounts, entry.Name())
	}
	sort.Strings(accounts)
	return accounts, nil
}

func (s *Store) Account(ctx context.Context, address string) (source.Account, error) {
	accounts, err := s.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range accounts {
		if source.SameAddress(name, address) {
			return &account{address: name, dir: filepath.Join(s.root, name), logger: s.logger}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", source.ErrAccountNotFound, address)
}

func (s *Store) Close() error {
	return nil
}

type account struct {
	address string
	dir     string
	logger  *slog.Logger
}

func (a *account) Address() string {
	return a.address
}

func (a *account) Folders(ctx context.Context) ([]source.Folder, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("read account directory: %w", err)
	}

	var folders []source.Folder
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ignoredExtensions[ext] {
			continue
		}
		folders = append(folders, &Folder{
			name:   strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())),
			path:   filepath.Join(a.dir, entry.Name()),
			logger: a.logger,
		})
	}

	sort.Slice(folders, func(i, j int) bool {
		return folders[i].Name() < folders[j].Name()
	})
	return folders, nil
}

// Folder is a single mbox file.
type Folder struct {
	name   string
	path   string
	logger *slog.Logger
}

func (f *Folder) Name() string {
	return f.name
}

// Walk reads the mbox file from the start and hands every message to fn.
// A message that cannot be parsed is logged and still handed over with the
// fields mailparse.Fallback recovers.
func (f *Folder) Walk(ctx context.Context, fn source.WalkFunc) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%s message %d: %w", f.name, idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("%s message %d read: %w", f.name, idx, err)
		}

		msg, err := mailparse.Parse(raw)
		if err != nil {
			if f.logger != nil {
				f.logger.Warn("unreadable message, using raw header fields", "folder", f.name, "index", idx, "err", err)
			}
			msg = mailparse.Fallback(raw)
		}

		if err := fn(&msg); err != nil {
			return err
		}
	}
}

// Count returns the number of messages in the mbox file without parsing them.
func (f *Folder) Count(ctx context.Context) (int, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}

		// Just consume the message without parsing
		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			return 0, err
		}
		count++
	}
}

var _ source.Source = (*Store)(nil)
var _ source.Folder = (*Folder)(nil)
