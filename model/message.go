package model

import (
	"fmt"
	"os"
	"time"
)

const (
	// UnknownSender is used when neither a sender nor an organizer is present.
	UnknownSender = "Unknown. :("
	// NoSenderAddress is used when the item carries no sender address.
	NoSenderAddress = "N/a (Probably a meeting)"
)

// Kind distinguishes the item types that share one folder listing.
type Kind int

const (
	KindUnknown Kind = iota
	KindMail
	KindMeeting
)

func (k Kind) String() string {
	switch k {
	case KindMail:
		return "mail"
	case KindMeeting:
		return "meeting"
	default:
		return "unknown"
	}
}

// Message represents a single item read from a mail folder.
type Message struct {
	ID          string
	Hash        string
	Kind        Kind
	Subject     string
	Body        string
	SenderName  string
	SenderEmail string
	Organizer   string
	ReceivedAt  time.Time
	CreatedAt   time.Time
	Attachments []Attachment
}

// Sender returns the display name of the sender, falling back to the
// meeting organizer and finally to UnknownSender.
func (m *Message) Sender() string {
	if m.SenderName != "" {
		return m.SenderName
	}
	if m.Organizer != "" {
		return m.Organizer
	}
	return UnknownSender
}

// SenderAddress returns the sender address or NoSenderAddress.
func (m *Message) SenderAddress() string {
	if m.SenderEmail != "" {
		return m.SenderEmail
	}
	return NoSenderAddress
}

// Received returns the delivery time, falling back to the creation time.
// The bool is false when neither is known.
func (m *Message) Received() (time.Time, bool) {
	if !m.ReceivedAt.IsZero() {
		return m.ReceivedAt, true
	}
	if !m.CreatedAt.IsZero() {
		return m.CreatedAt, true
	}
	return time.Time{}, false
}

// Attachment is a file carried by a message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// SaveAs writes the attachment content to path, replacing any existing file.
func (a Attachment) SaveAs(path string) error {
	if err := os.WriteFile(path, a.Content, 0o644); err != nil {
		return fmt.Errorf("save attachment %q: %w", a.Filename, err)
	}
	return nil
}
