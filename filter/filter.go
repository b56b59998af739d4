package filter

import (
	"strings"
	"sync"

	"golang.org/x/text/cases"
)

// Options captures the filtering configuration.
type Options struct {
	// Groups is a list of keyword groups. A subject matches when every
	// keyword of at least one group occurs in it.
	Groups [][]string
}

// Filter holds the folded keyword groups for matching subjects.
type Filter struct {
	groups  [][]string
	labels  []string
	caser   cases.Caser
	mu      sync.Mutex
	hits    []int
	checked int
}

// Stats captures how often each keyword group matched.
type Stats struct {
	Groups  []string
	Hits    map[string]int
	Checked int
}

// New creates a new Filter from the provided options. Empty keywords are
// ignored and groups without keywords are dropped.
func New(opts Options) *Filter {
	f := &Filter{caser: cases.Fold()}

	for _, group := range opts.Groups {
		var keywords []string
		for _, kw := range group {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			keywords = append(keywords, f.caser.String(kw))
		}
		if len(keywords) == 0 {
			continue
		}
		f.groups = append(f.groups, keywords)
		f.labels = append(f.labels, strings.Join(keywords, " + "))
	}
	f.hits = make([]int, len(f.groups))

	return f
}

// Active reports whether any keyword group is configured.
func (f *Filter) Active() bool {
	return len(f.groups) > 0
}

// Matches returns true if subject satisfies at least one keyword group.
// Without groups every subject matches.
func (f *Filter) Matches(subject string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.checked++
	if len(f.groups) == 0 {
		return true
	}

	folded := f.caser.String(subject)
	matched := false
	for i, group := range f.groups {
		if containsAll(folded, group) {
			f.hits[i]++
			matched = true
		}
	}
	return matched
}

// Stats returns a snapshot of the per-group hit counters.
func (f *Filter) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	stats := Stats{
		Groups:  append([]string(nil), f.labels...),
		Hits:    make(map[string]int, len(f.labels)),
		Checked: f.checked,
	}
	for i, label := range f.labels {
		stats.Hits[label] += f.hits[i]
	}
	return stats
}

// ParseGroup splits a comma separated keyword list such as "recibo, pagamento".
func ParseGroup(spec string) []string {
	var keywords []string
	for _, part := range strings.Split(spec, ",") {
		if part = strings.TrimSpace(part); part != "" {
			keywords = append(keywords, part)
		}
	}
	return keywords
}

func containsAll(text string, keywords []string) bool {
	for _, kw := range keywords {
		if !strings.Contains(text, kw) {
			return false
		}
	}
	return true
}
