// Package payload defines the plaintext convention sealed into every envelope.
//
// A message is free text with an optional attachment reference folded into it as a suffix:
//
//	look at this (cat.png)[https://files.example/cat.png]
//
// The relay never sees the plaintext so it cannot tell attachment messages from text messages.
package payload

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/meow-io/go-sealed/errs"
)

// Deleted replaces the content of a deleted message.
const Deleted = "[deleted]"

var attachmentPattern = regexp.MustCompile(`\(([^)]+)\)\[([^\]]+)\]$`)

type Attachment struct {
	Name string
	URL  string
}

type Message struct {
	Text       string
	Attachment *Attachment
}

func Text(s string) Message {
	return Message{Text: s}
}

func (m Message) IsDeleted() bool {
	return m.Attachment == nil && m.Text == Deleted
}

// Validate rejects attachments whose name or url would not parse back.
func (m Message) Validate() error {
	if m.Attachment == nil {
		if attachmentPattern.MatchString(m.Text) {
			return errs.Validation("text may not end in an attachment reference")
		}
		return nil
	}
	a := m.Attachment
	if a.Name == "" || a.URL == "" {
		return errs.Validation("attachment requires a name and url")
	}
	if strings.ContainsAny(a.Name, "()") {
		return errs.Validation("attachment name may not contain parentheses")
	}
	if strings.ContainsAny(a.URL, "[]") {
		return errs.Validation("attachment url may not contain brackets")
	}
	if attachmentPattern.MatchString(m.Text) {
		return errs.Validation("text may not end in an attachment reference")
	}
	return nil
}

func (m Message) Format() string {
	if m.Attachment == nil {
		return m.Text
	}
	ref := fmt.Sprintf("(%s)[%s]", m.Attachment.Name, m.Attachment.URL)
	if m.Text == "" {
		return ref
	}
	return m.Text + " " + ref
}

func (m Message) Bytes() []byte {
	return []byte(m.Format())
}

// Parse is the inverse of Format for every message that passes Validate.
func Parse(s string) Message {
	loc := attachmentPattern.FindStringSubmatchIndex(s)
	if loc == nil {
		return Message{Text: s}
	}
	text := s[:loc[0]]
	if text != "" {
		if !strings.HasSuffix(text, " ") {
			return Message{Text: s}
		}
		text = strings.TrimSuffix(text, " ")
	}
	return Message{
		Text: text,
		Attachment: &Attachment{
			Name: s[loc[2]:loc[3]],
			URL:  s[loc[4]:loc[5]],
		},
	}
}
