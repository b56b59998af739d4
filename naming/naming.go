// Package naming derives filesystem-safe names for extracted messages.
package naming

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxLength is the maximum length of a sanitized subject.
const MaxLength = 255

const (
	dateLayout   = "2006.01.02"
	undated      = "undated"
	emptySubject = "no_subject"
)

// Sanitize reduces subject to ASCII letters, digits and the characters
// "-_.() ". Spaces become underscores. The result is truncated to MaxLength
// and the bool reports whether truncation happened.
func Sanitize(subject string) (string, bool) {
	decomposed := norm.NFKD.String(subject)

	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if r >= utf8.RuneSelf {
			continue
		}
		if r == ' ' {
			r = '_'
		}
		if allowed(r) {
			b.WriteRune(r)
		}
	}

	cleaned := b.String()
	if len(cleaned) > MaxLength {
		return cleaned[:MaxLength], true
	}
	return cleaned, false
}

func allowed(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("-_.() ", r)
}

// FolderName returns "<YYYY.MM.DD> - <sanitized>". Messages without a
// known date are grouped under "undated".
func FolderName(received time.Time, ok bool, sanitized string) string {
	date := undated
	if ok {
		date = received.Format(dateLayout)
	}
	return fmt.Sprintf("%s - %s", date, subjectOrDefault(sanitized))
}

// SummaryFileName returns the name of the per-folder summary file.
func SummaryFileName(sanitized string) string {
	return subjectOrDefault(sanitized) + ".txt"
}

// AttachmentFileName strips any directory component from name. Unnamed
// attachments are numbered from 1.
func AttachmentFileName(name string, index int) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(filepath.FromSlash(name))
	switch base {
	case "", ".", "..", string(filepath.Separator):
		return fmt.Sprintf("attachment-%d", index+1)
	}
	return base
}

// Disambiguate returns name with a " (n)" suffix for n >= 2.
func Disambiguate(name string, n int) string {
	if n < 2 {
		return name
	}
	return fmt.Sprintf("%s (%d)", name, n)
}

func subjectOrDefault(sanitized string) string {
	if sanitized == "" {
		return emptySubject
	}
	return sanitized
}
