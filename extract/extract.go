// Package extract walks an account's folders and saves the attachments of
// matching messages into per-message output folders.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhcgn/mailharvest/filter"
	"github.com/dhcgn/mailharvest/model"
	"github.com/dhcgn/mailharvest/naming"
	"github.com/dhcgn/mailharvest/source"
	"github.com/dhcgn/mailharvest/state"
	"github.com/dhcgn/mailharvest/stats"
)

// DefaultExcludeFolders are folders that never hold mail worth extracting.
var DefaultExcludeFolders = []string{
	"Deleted Items",
	"Junk Email",
	"Drafts",
	"Conversation History",
	"Yammer Root",
	"Trash",
	"Sent",
}

// Options configures an Extractor.
type Options struct {
	// Account is the address of the account to read, compared case-insensitively.
	Account string
	// OutputDir is the base directory that receives one folder per message.
	OutputDir string
	// ExcludeFolders names top-level folders that are never walked.
	ExcludeFolders []string
	// DryRun walks and counts without touching the filesystem.
	DryRun bool
}

// Extractor copies the attachments of matching messages out of a mail
// source. It processes one message at a time and reports progress to its
// observers.
type Extractor struct {
	opts      Options
	src       source.Source
	filter    *filter.Filter
	tracker   state.Tracker
	logger    *slog.Logger
	collector *stats.Collector
	observers []stats.Observer
}

// New validates opts and returns an Extractor. A nil filter matches every
// message, a nil tracker keeps the ledger in memory and a nil logger
// discards output.
func New(opts Options, src source.Source, f *filter.Filter, tracker state.Tracker, logger *slog.Logger) (*Extractor, error) {
	if strings.TrimSpace(opts.Account) == "" {
		return nil, fmt.Errorf("account is empty")
	}
	if strings.TrimSpace(opts.OutputDir) == "" {
		return nil, fmt.Errorf("output directory is empty")
	}
	if src == nil {
		return nil, fmt.Errorf("mail source is nil")
	}

	if f == nil {
		f = filter.New(filter.Options{})
	}
	if tracker == nil {
		tracker = state.NewMemoryTracker()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	collector := stats.NewCollector()
	return &Extractor{
		opts:      opts,
		src:       src,
		filter:    f,
		tracker:   tracker,
		logger:    logger,
		collector: collector,
		observers: []stats.Observer{collector},
	}, nil
}

// Observe registers o for every event of subsequent runs.
func (e *Extractor) Observe(o stats.Observer) {
	e.observers = append(e.observers, o)
}

func (e *Extractor) emit(evt stats.Event) {
	for _, o := range e.observers {
		o.Observe(evt)
	}
}

// Run processes every non-excluded folder of the configured account, one
// message at a time. Filesystem errors abort the run.
func (e *Extractor) Run(ctx context.Context) (stats.Summary, error) {
	started := time.Now()

	acc, err := e.src.Account(ctx, e.opts.Account)
	if err != nil {
		if errors.Is(err, source.ErrAccountNotFound) {
			e.logger.Error("no account found", "account", e.opts.Account)
		}
		e.emit(stats.Event{Type: stats.EventTypeError, Err: err})
		return e.collector.Snapshot(), fmt.Errorf("resolve account %s: %w", e.opts.Account, err)
	}

	if !e.opts.DryRun {
		if err := os.MkdirAll(e.opts.OutputDir, 0o755); err != nil {
			return e.collector.Snapshot(), fmt.Errorf("create output directory: %w", err)
		}
	}

	folders, err := acc.Folders(ctx)
	if err != nil {
		e.emit(stats.Event{Type: stats.EventTypeError, Err: err})
		return e.collector.Snapshot(), fmt.Errorf("list folders: %w", err)
	}

	for _, folder := range folders {
		name := folder.Name()
		if e.excluded(name) {
			e.logger.Debug("skipping excluded folder", "folder", name)
			e.emit(stats.Event{Type: stats.EventTypeFolderSkipped, Folder: name})
			continue
		}

		e.emit(stats.Event{Type: stats.EventTypeFolderStarted, Folder: name})
		err := folder.Walk(ctx, func(msg *model.Message) error {
			return e.process(name, msg)
		})
		e.emit(stats.Event{Type: stats.EventTypeFolderDone, Folder: name})
		if err == nil {
			err = e.flush()
		}
		if err != nil {
			e.emit(stats.Event{Type: stats.EventTypeError, Folder: name, Err: err})
			return e.collector.Snapshot(), fmt.Errorf("folder %s: %w", name, err)
		}
	}

	summary := e.collector.Snapshot()
	e.logger.Info("extraction completed", append(summary.LogAttrs(), "duration", time.Since(started))...)
	return summary, nil
}

// flush persists the ledger of trackers that buffer their writes, so an
// interrupted run keeps every finished folder.
func (e *Extractor) flush() error {
	f, ok := e.tracker.(interface{ Flush() error })
	if !ok {
		return nil
	}
	return f.Flush()
}

func (e *Extractor) excluded(name string) bool {
	for _, ex := range e.opts.ExcludeFolders {
		if strings.EqualFold(strings.TrimSpace(ex), name) {
			return true
		}
	}
	return false
}

func (e *Extractor) process(folder string, msg *model.Message) error {
	e.emit(stats.Event{Type: stats.EventTypeScanned, Folder: folder, MessageID: msg.ID})

	if !e.filter.Matches(msg.Subject) {
		return nil
	}

	received, ok := msg.Received()
	evt := stats.Event{
		Folder:     folder,
		MessageID:  msg.ID,
		Subject:    msg.Subject,
		Sender:     msg.Sender(),
		ReceivedAt: received,
	}
	evt.Type = stats.EventTypeMatched
	e.emit(evt)

	sanitized, truncated := naming.Sanitize(msg.Subject)
	if truncated {
		detail := fmt.Sprintf("subject truncated to %d characters, folder names may no longer be unique", naming.MaxLength)
		e.logger.Warn("subject truncated", "messageID", msg.ID, "limit", naming.MaxLength)
		e.emit(stats.Event{Type: stats.EventTypeWarning, Folder: folder, MessageID: msg.ID, Detail: detail})
	}

	if len(msg.Attachments) > 0 {
		if err := e.save(msg, received, ok, sanitized); err != nil {
			return err
		}
	}

	evt.Type = stats.EventTypeExtracted
	e.emit(evt)
	return nil
}

func (e *Extractor) save(msg *model.Message, received time.Time, ok bool, sanitized string) error {
	dir, fresh, err := e.destination(msg.Hash, naming.FolderName(received, ok, sanitized))
	if err != nil {
		return err
	}

	if fresh {
		if !e.opts.DryRun {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create message folder: %w", err)
			}
			if err := writeSummary(filepath.Join(dir, naming.SummaryFileName(sanitized)), msg, received, ok); err != nil {
				return err
			}
		}
		e.emit(stats.Event{Type: stats.EventTypeSummaryWritten, MessageID: msg.ID, Detail: dir})
		if err := e.tracker.Record(msg.Hash, msg.ID, dir); err != nil {
			return fmt.Errorf("record extraction: %w", err)
		}
	}

	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		name := naming.AttachmentFileName(att.Filename, i)
		if !e.opts.DryRun {
			if err := att.SaveAs(filepath.Join(dir, name)); err != nil {
				return err
			}
		}
		e.logger.Debug("attachment saved", "messageID", msg.ID, "file", name, "dir", dir, "dryRun", e.opts.DryRun)
		e.emit(stats.Event{Type: stats.EventTypeAttachment, MessageID: msg.ID, Detail: att.Filename})
	}
	return nil
}

// destination returns the folder for a message and whether it still has to
// be created. A message extracted before goes back to its recorded folder
// while that folder still exists under the output directory. Otherwise the
// first name that is neither on disk nor claimed by another message wins,
// trying "name", "name (2)", "name (3)" and so on.
func (e *Extractor) destination(hash, name string) (string, bool, error) {
	recorded, hasRecord := e.tracker.Destination(hash)
	if hasRecord && e.reusable(recorded) {
		return recorded, false, nil
	}

	for n := 1; ; n++ {
		dir := filepath.Join(e.opts.OutputDir, naming.Disambiguate(name, n))
		if hasRecord && dir == recorded {
			return dir, true, nil
		}
		if e.tracker.Claimed(dir) {
			continue
		}
		_, err := os.Stat(dir)
		if errors.Is(err, os.ErrNotExist) {
			return dir, true, nil
		}
		if err != nil {
			return "", false, fmt.Errorf("stat %s: %w", dir, err)
		}
	}
}

func (e *Extractor) reusable(dir string) bool {
	if filepath.Dir(dir) != filepath.Clean(e.opts.OutputDir) {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

func writeSummary(path string, msg *model.Message, received time.Time, ok bool) error {
	receivedAt := "unknown"
	if ok {
		receivedAt = received.Format(time.RFC3339)
	}

	content := fmt.Sprintf("From: %s <%s>\nSubject: %s\nReceived at: %s\n%s",
		msg.Sender(), msg.SenderAddress(), msg.Subject, receivedAt, msg.Body)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
