// Package mailparse turns raw RFC 5322 messages into model.Message values.
package mailparse

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"

	"github.com/dhcgn/mailharvest/model"
)

// Parse decodes raw into a Message. Malformed parts are skipped; only an
// unreadable header is reported as an error.
func Parse(raw []byte) (model.Message, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !tolerable(err) {
		return model.Message{}, fmt.Errorf("read message: %w", err)
	}
	if entity == nil {
		return model.Message{}, errors.New("read message: empty entity")
	}

	mr := mail.NewReader(entity)
	defer mr.Close()

	msg := model.Message{
		Hash: hash(raw),
		Kind: model.KindUnknown,
	}
	readHeader(&mr.Header, &msg)

	var htmlBody string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if tolerable(err) {
				continue
			}
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, params, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			_, dispParams, _ := h.ContentDisposition()
			if name := inlineFilename(dispParams, params); name != "" && !strings.HasPrefix(contentType, "text/") {
				msg.Attachments = append(msg.Attachments, model.Attachment{
					Filename:    name,
					ContentType: contentType,
					Content:     body,
				})
				continue
			}

			switch {
			case contentType == "text/plain" && msg.Body == "":
				msg.Body = string(body)
			case contentType == "text/html" && htmlBody == "":
				htmlBody = htmlToText(string(body))
			case contentType == "text/calendar":
				applyCalendar(&msg, body)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			if contentType == "text/calendar" {
				applyCalendar(&msg, body)
			}
			msg.Attachments = append(msg.Attachments, model.Attachment{
				Filename:    filename,
				ContentType: contentType,
				Content:     body,
			})
		}
	}

	if msg.Body == "" {
		msg.Body = htmlBody
	}

	return msg, nil
}

// Fallback returns what can still be recovered from a message that Parse
// rejected: its hash and, when the header lines are legible, the subject
// and message ID. The result has no body and no attachments.
func Fallback(raw []byte) model.Message {
	msg := model.Message{
		Hash: hash(raw),
		Kind: model.KindUnknown,
	}

	dec := mime.WordDecoder{CharsetReader: message.CharsetReader}
	for _, field := range headerFields(raw) {
		name, value, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "subject":
			if msg.Subject != "" {
				continue
			}
			if decoded, err := dec.DecodeHeader(value); err == nil {
				value = decoded
			}
			msg.Subject = value
		case "message-id":
			if msg.ID == "" {
				msg.ID = strings.Trim(value, "<>")
			}
		}
	}
	return msg
}

// headerFields splits the lines before the first blank line into fields,
// joining folded continuation lines.
func headerFields(raw []byte) []string {
	var fields []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			break
		}
		if (line[0] == ' ' || line[0] == '\t') && len(fields) > 0 {
			fields[len(fields)-1] += " " + strings.TrimSpace(line)
			continue
		}
		fields = append(fields, line)
	}
	return fields
}

func readHeader(h *mail.Header, msg *model.Message) {
	if id, err := h.MessageID(); err == nil {
		msg.ID = id
	}

	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = h.Get("Subject")
	}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.Kind = model.KindMail
		msg.SenderName = from[0].Name
		if msg.SenderName == "" {
			msg.SenderName = from[0].Address
		}
		msg.SenderEmail = from[0].Address
	}

	if date, err := h.Date(); err == nil {
		msg.CreatedAt = date
	}

	msg.ReceivedAt = latestReceived(h.Values("Received"))
}

// latestReceived returns the most recent timestamp found in the Received
// trace fields, which is the time the message reached the mailbox.
func latestReceived(values []string) time.Time {
	var latest time.Time
	for _, v := range values {
		idx := strings.LastIndex(v, ";")
		if idx < 0 {
			continue
		}
		t, err := netmail.ParseDate(strings.TrimSpace(v[idx+1:]))
		if err != nil {
			continue
		}
		if t.After(latest) {
			latest = t
		}
	}
	return latest
}

func applyCalendar(msg *model.Message, data []byte) {
	organizer, ok := calendarOrganizer(data)
	if !ok {
		return
	}
	msg.Kind = model.KindMeeting
	if msg.Organizer == "" {
		msg.Organizer = organizer
	}
}

func calendarOrganizer(data []byte) (string, bool) {
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return "", false
	}

	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		prop := child.Props.Get(ical.PropOrganizer)
		if prop == nil {
			continue
		}
		if cn := prop.Params.Get(ical.ParamCommonName); cn != "" {
			return cn, true
		}
		value := prop.Value
		if len(value) >= len("mailto:") && strings.EqualFold(value[:len("mailto:")], "mailto:") {
			value = value[len("mailto:"):]
		}
		if value != "" {
			return value, true
		}
	}
	return "", false
}

func inlineFilename(dispParams, typeParams map[string]string) string {
	if name := dispParams["filename"]; name != "" {
		return name
	}
	return typeParams["name"]
}

func htmlToText(htmlBody string) string {
	z := html.NewTokenizer(strings.NewReader(htmlBody))
	var b strings.Builder
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.StartTagToken:
			if name, _ := z.TagName(); isHidden(name) {
				skip++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); isHidden(name) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			if t := strings.TrimSpace(string(z.Text())); t != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(t)
			}
		}
	}
}

func isHidden(tag []byte) bool {
	switch string(tag) {
	case "style", "script", "head":
		return true
	}
	return false
}

func tolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

func hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}
