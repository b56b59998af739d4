package stats

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

type EventType string

const (
	EventTypeFolderStarted  EventType = "folder_started"
	EventTypeFolderSkipped  EventType = "folder_skipped"
	EventTypeFolderDone     EventType = "folder_done"
	EventTypeScanned        EventType = "scanned"
	EventTypeMatched        EventType = "matched"
	EventTypeSummaryWritten EventType = "summary_written"
	EventTypeAttachment     EventType = "attachment_saved"
	EventTypeExtracted      EventType = "extracted"
	EventTypeWarning        EventType = "warning"
	EventTypeError          EventType = "error"
)

type Event struct {
	Type       EventType
	Folder     string
	MessageID  string
	Subject    string
	Sender     string
	ReceivedAt time.Time
	Detail     string
	Err        error
}

// Observer receives every event of a run in order.
type Observer interface {
	Observe(evt Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(evt Event)

func (f ObserverFunc) Observe(evt Event) {
	f(evt)
}

type Summary struct {
	Folders     int
	Skipped     int
	Scanned     int
	Matched     int
	Extracted   int
	Summaries   int
	Attachments int
	Warnings    int
	Errors      int
	LastError   error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"folders", s.Folders,
		"skippedFolders", s.Skipped,
		"scanned", s.Scanned,
		"matched", s.Matched,
		"extracted", s.Extracted,
		"summaries", s.Summaries,
		"attachments", s.Attachments,
		"warnings", s.Warnings,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Collector folds events into a Summary.
type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Observe(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeFolderStarted:
		c.summary.Folders++
	case EventTypeFolderSkipped:
		c.summary.Skipped++
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeMatched:
		c.summary.Matched++
	case EventTypeExtracted:
		c.summary.Extracted++
	case EventTypeSummaryWritten:
		c.summary.Summaries++
	case EventTypeAttachment:
		c.summary.Attachments++
	case EventTypeWarning:
		c.summary.Warnings++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Counter tallies string values, e.g. senders or subjects.
type Counter map[string]int

func (c Counter) Add(value string) {
	if value != "" {
		c[value]++
	}
}

type Pair struct {
	Key   string
	Value int
}

// Top returns up to limit entries sorted by count descending, then key.
// A negative limit returns every entry.
func (c Counter) Top(limit int) []Pair {
	pairs := make([]Pair, 0, len(c))
	for k, v := range c {
		pairs = append(pairs, Pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(m map[string]int, limit int) {
	for i, p := range Counter(m).Top(limit) {
		fmt.Printf("%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}
