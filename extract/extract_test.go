package extract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/dhcgn/mailharvest/filter"
	"github.com/dhcgn/mailharvest/model"
	"github.com/dhcgn/mailharvest/source"
	"github.com/dhcgn/mailharvest/state"
	"github.com/dhcgn/mailharvest/stats"
)

type fakeFolder struct {
	name     string
	messages []model.Message
	walks    int
}

func (f *fakeFolder) Name() string { return f.name }

func (f *fakeFolder) Walk(ctx context.Context, fn source.WalkFunc) error {
	f.walks++
	for i := range f.messages {
		msg := f.messages[i]
		if err := fn(&msg); err != nil {
			return err
		}
	}
	return nil
}

type fakeAccount struct {
	address string
	folders []*fakeFolder
}

func (a *fakeAccount) Address() string { return a.address }

func (a *fakeAccount) Folders(ctx context.Context) ([]source.Folder, error) {
	out := make([]source.Folder, 0, len(a.folders))
	for _, f := range a.folders {
		out = append(out, f)
	}
	return out, nil
}

type fakeSource struct {
	account *fakeAccount
}

func (s *fakeSource) Accounts(ctx context.Context) ([]string, error) {
	return []string{s.account.address}, nil
}

func (s *fakeSource) Account(ctx context.Context, address string) (source.Account, error) {
	if !source.SameAddress(address, s.account.address) {
		return nil, source.ErrAccountNotFound
	}
	return s.account, nil
}

func (s *fakeSource) Close() error { return nil }

var received = time.Date(2024, 3, 5, 10, 15, 0, 0, time.UTC)

func receipt(hash string) model.Message {
	return model.Message{
		ID:          "<" + hash + "@example.org>",
		Hash:        hash,
		Kind:        model.KindMail,
		Subject:     "Recibo de pagamento",
		Body:        "Segue o recibo.",
		SenderName:  "Maria Silva",
		SenderEmail: "maria@example.org",
		ReceivedAt:  received,
		Attachments: []model.Attachment{
			{Filename: "recibo.pdf", ContentType: "application/pdf", Content: []byte("%PDF-1.4")},
		},
	}
}

func newSource(folders ...*fakeFolder) *fakeSource {
	return &fakeSource{account: &fakeAccount{address: "me@example.org", folders: folders}}
}

func newExtractor(t *testing.T, opts Options, src source.Source, tracker state.Tracker) *Extractor {
	t.Helper()
	f := filter.New(filter.Options{Groups: [][]string{{"recibo", "pagamento"}}})
	if opts.Account == "" {
		opts.Account = "me@example.org"
	}
	e, err := New(opts, src, f, tracker, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir(%s) error = %v", dir, err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestRun_EndToEnd(t *testing.T) {
	out := t.TempDir()
	unrelated := model.Message{ID: "<news@example.org>", Hash: "news", Subject: "Weekly newsletter", ReceivedAt: received}
	src := newSource(&fakeFolder{name: "Inbox", messages: []model.Message{unrelated, receipt("r1")}})

	e := newExtractor(t, Options{OutputDir: out}, src, nil)
	summary, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if summary.Scanned != 2 || summary.Matched != 1 {
		t.Errorf("counts = (%d, %d), want (2, 1)", summary.Scanned, summary.Matched)
	}
	if summary.Summaries != 1 || summary.Attachments != 1 {
		t.Errorf("summaries=%d attachments=%d, want 1 and 1", summary.Summaries, summary.Attachments)
	}

	folderName := "2024.03.05 - Recibo_de_pagamento"
	if got := listDir(t, out); len(got) != 1 || got[0] != folderName {
		t.Fatalf("output folders = %v, want [%s]", got, folderName)
	}

	dir := filepath.Join(out, folderName)
	want := []string{"Recibo_de_pagamento.txt", "recibo.pdf"}
	got := listDir(t, dir)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("folder contents = %v, want %v", got, want)
	}

	content, err := os.ReadFile(filepath.Join(dir, "Recibo_de_pagamento.txt"))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	wantSummary := "From: Maria Silva <maria@example.org>\n" +
		"Subject: Recibo de pagamento\n" +
		"Received at: 2024-03-05T10:15:00Z\n" +
		"Segue o recibo."
	if string(content) != wantSummary {
		t.Errorf("summary =\n%q\nwant\n%q", content, wantSummary)
	}

	pdf, err := os.ReadFile(filepath.Join(dir, "recibo.pdf"))
	if err != nil || string(pdf) != "%PDF-1.4" {
		t.Errorf("attachment = %q, %v", pdf, err)
	}
}

func TestRun_CollidingSubjectsGetSuffix(t *testing.T) {
	out := t.TempDir()
	src := newSource(&fakeFolder{name: "Inbox", messages: []model.Message{receipt("a"), receipt("b")}})

	e := newExtractor(t, Options{OutputDir: out}, src, state.NewMemoryTracker())
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{"2024.03.05 - Recibo_de_pagamento", "2024.03.05 - Recibo_de_pagamento (2)"}
	got := listDir(t, out)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("output folders = %v, want %v", got, want)
	}
}

func TestRun_RerunReusesFolder(t *testing.T) {
	out := t.TempDir()
	tracker := state.NewMemoryTracker()
	src := newSource(&fakeFolder{name: "Inbox", messages: []model.Message{receipt("a")}})

	e := newExtractor(t, Options{OutputDir: out}, src, tracker)
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}

	e = newExtractor(t, Options{OutputDir: out}, src, tracker)
	summary, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if summary.Summaries != 0 || summary.Attachments != 1 {
		t.Errorf("summaries=%d attachments=%d on rerun, want 0 and 1", summary.Summaries, summary.Attachments)
	}
	if got := listDir(t, out); len(got) != 1 {
		t.Errorf("output folders = %v, want one", got)
	}
}

func TestRun_RerunIntoNewOutputDir(t *testing.T) {
	tracker := state.NewMemoryTracker()
	src := newSource(&fakeFolder{name: "Inbox", messages: []model.Message{receipt("a")}})

	first := t.TempDir()
	if _, err := newExtractor(t, Options{OutputDir: first}, src, tracker).Run(context.Background()); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}

	second := t.TempDir()
	summary, err := newExtractor(t, Options{OutputDir: second}, src, tracker).Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if summary.Summaries != 1 {
		t.Errorf("summaries = %d, want the folder written again under the new base", summary.Summaries)
	}

	want := []string{"Recibo_de_pagamento.txt", "recibo.pdf"}
	got := listDir(t, filepath.Join(second, "2024.03.05 - Recibo_de_pagamento"))
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("new base contents = %v, want %v", got, want)
	}
}

func TestRun_RecreatesDeletedFolder(t *testing.T) {
	out := t.TempDir()
	tracker := state.NewMemoryTracker()
	src := newSource(&fakeFolder{name: "Inbox", messages: []model.Message{receipt("a")}})

	if _, err := newExtractor(t, Options{OutputDir: out}, src, tracker).Run(context.Background()); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}

	dir := filepath.Join(out, "2024.03.05 - Recibo_de_pagamento")
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove folder: %v", err)
	}

	summary, err := newExtractor(t, Options{OutputDir: out}, src, tracker).Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if summary.Summaries != 1 || summary.Attachments != 1 {
		t.Errorf("summaries=%d attachments=%d, want 1 and 1", summary.Summaries, summary.Attachments)
	}

	want := []string{"Recibo_de_pagamento.txt", "recibo.pdf"}
	got := listDir(t, dir)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("folder contents = %v, want %v", got, want)
	}
	if all := listDir(t, out); len(all) != 1 {
		t.Errorf("output folders = %v, want the original name reused", all)
	}
}

func TestRun_FlushesLedgerAfterEachFolder(t *testing.T) {
	stateDir := t.TempDir()
	tracker, err := state.NewFileTracker(stateDir, true)
	if err != nil {
		t.Fatalf("NewFileTracker() error = %v", err)
	}
	defer tracker.Close()

	src := newSource(&fakeFolder{name: "Inbox", messages: []model.Message{receipt("a")}})
	if _, err := newExtractor(t, Options{OutputDir: t.TempDir()}, src, tracker).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(stateDir, "extracted.jsonl"))
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if !strings.Contains(string(data), `"hash":"a"`) {
		t.Errorf("ledger = %q, want the record on disk before Close", data)
	}
}

func TestRun_NoAttachmentsWritesNothing(t *testing.T) {
	out := t.TempDir()
	msg := receipt("a")
	msg.Attachments = nil
	src := newSource(&fakeFolder{name: "Inbox", messages: []model.Message{msg}})

	summary, err := newExtractor(t, Options{OutputDir: out}, src, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Matched != 1 || summary.Extracted != 1 {
		t.Errorf("matched=%d extracted=%d, want 1 and 1", summary.Matched, summary.Extracted)
	}
	if got := listDir(t, out); len(got) != 0 {
		t.Errorf("output folders = %v, want none", got)
	}
}

func TestRun_ExcludedFolders(t *testing.T) {
	out := t.TempDir()
	inbox := &fakeFolder{name: "Inbox", messages: []model.Message{receipt("a")}}
	trash := &fakeFolder{name: "Deleted Items", messages: []model.Message{receipt("b")}}
	src := newSource(inbox, trash)

	e := newExtractor(t, Options{OutputDir: out, ExcludeFolders: DefaultExcludeFolders}, src, nil)
	summary, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if trash.walks != 0 {
		t.Errorf("excluded folder walked %d times", trash.walks)
	}
	if summary.Scanned != 1 || summary.Skipped != 1 {
		t.Errorf("scanned=%d skipped=%d, want 1 and 1", summary.Scanned, summary.Skipped)
	}
}

func TestRun_AccountNotFound(t *testing.T) {
	out := filepath.Join(t.TempDir(), "attachments")
	inbox := &fakeFolder{name: "Inbox", messages: []model.Message{receipt("a")}}
	src := newSource(inbox)

	e := newExtractor(t, Options{Account: "change@me.org", OutputDir: out}, src, nil)
	summary, err := e.Run(context.Background())
	if !errors.Is(err, source.ErrAccountNotFound) {
		t.Fatalf("Run() error = %v, want ErrAccountNotFound", err)
	}
	if summary.Scanned != 0 || inbox.walks != 0 {
		t.Errorf("scanned=%d walks=%d, want nothing scanned", summary.Scanned, inbox.walks)
	}
	if _, err := os.Stat(out); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("output directory created before account lookup: %v", err)
	}
}

func TestRun_DryRun(t *testing.T) {
	out := filepath.Join(t.TempDir(), "attachments")
	src := newSource(&fakeFolder{name: "Inbox", messages: []model.Message{receipt("a")}})

	summary, err := newExtractor(t, Options{OutputDir: out, DryRun: true}, src, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Matched != 1 || summary.Attachments != 1 {
		t.Errorf("matched=%d attachments=%d, want 1 and 1", summary.Matched, summary.Attachments)
	}
	if _, err := os.Stat(out); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("dry run created %s", out)
	}
}

func TestRun_ObserversSeeEvents(t *testing.T) {
	out := t.TempDir()
	src := newSource(&fakeFolder{name: "Inbox", messages: []model.Message{receipt("a")}})

	e := newExtractor(t, Options{OutputDir: out}, src, nil)
	var types []stats.EventType
	e.Observe(stats.ObserverFunc(func(evt stats.Event) {
		types = append(types, evt.Type)
	}))
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []stats.EventType{
		stats.EventTypeFolderStarted,
		stats.EventTypeScanned,
		stats.EventTypeMatched,
		stats.EventTypeSummaryWritten,
		stats.EventTypeAttachment,
		stats.EventTypeExtracted,
		stats.EventTypeFolderDone,
	}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestRun_TruncatedSubjectWarns(t *testing.T) {
	msg := receipt("a")
	msg.Subject = "recibo pagamento " + strings.Repeat("x", 300)
	src := newSource(&fakeFolder{name: "Inbox", messages: []model.Message{msg}})

	var folder string
	e := newExtractor(t, Options{OutputDir: t.TempDir(), DryRun: true}, src, nil)
	e.Observe(stats.ObserverFunc(func(evt stats.Event) {
		if evt.Type == stats.EventTypeSummaryWritten {
			folder = filepath.Base(evt.Detail)
		}
	}))
	summary, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Warnings != 1 {
		t.Errorf("warnings = %d, want 1", summary.Warnings)
	}
	if want := len("2024.03.05 - ") + 255; len(folder) != want {
		t.Errorf("folder name length = %d, want %d", len(folder), want)
	}
}

func TestNew_Validation(t *testing.T) {
	src := newSource()
	if _, err := New(Options{OutputDir: "out"}, src, nil, nil, nil); err == nil {
		t.Error("expected error for empty account")
	}
	if _, err := New(Options{Account: "me@example.org"}, src, nil, nil, nil); err == nil {
		t.Error("expected error for empty output directory")
	}
	if _, err := New(Options{Account: "me@example.org", OutputDir: "out"}, nil, nil, nil, nil); err == nil {
		t.Error("expected error for nil source")
	}
}
