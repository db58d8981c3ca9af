// Package parser turns raw message bytes into a structured email.
// Parsing is total: malformed input yields a typed malformed_email
// failure, never a panic, and never aborts the surrounding run.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"

	"github.com/hrfmtzk/mail-digest/model"
)

// Parse extracts the structured fields of the raw message identified by
// ref. The primary plain-text representation is preferred; when absent,
// the first HTML part is stripped to text. Attachments are enumerated
// by metadata only.
func Parse(ref model.RawMessageRef, raw []byte) (model.ParsedEmail, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return model.ParsedEmail{}, model.ItemErr(model.FailMalformedEmail, fmt.Errorf("read message: %w", err))
	}

	parsed := model.ParsedEmail{Ref: ref, ReceivedAt: ref.ReceivedAt}

	header := mr.Header
	if subject, err := header.Subject(); err == nil {
		parsed.Subject = subject
	}
	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		parsed.From = from[0].String()
	}
	for _, key := range []string{"To", "Cc"} {
		if addrs, err := header.AddressList(key); err == nil {
			for _, addr := range addrs {
				parsed.To = append(parsed.To, addr.Address)
			}
		}
	}
	if date, err := header.Date(); err == nil && !date.IsZero() {
		parsed.ReceivedAt = date
	}

	var plain, htmlBody string
	var havePlain, haveHTML bool

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return model.ParsedEmail{}, model.ItemErr(model.FailMalformedEmail, fmt.Errorf("read part: %w", err))
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, err := h.ContentType()
			if err != nil {
				continue
			}
			switch contentType {
			case "text/plain":
				if havePlain {
					continue
				}
				body, err := io.ReadAll(part.Body)
				if err != nil {
					return model.ParsedEmail{}, model.ItemErr(model.FailMalformedEmail, fmt.Errorf("read text body: %w", err))
				}
				plain = string(body)
				havePlain = true
			case "text/html":
				body, err := io.ReadAll(part.Body)
				if err != nil {
					return model.ParsedEmail{}, model.ItemErr(model.FailMalformedEmail, fmt.Errorf("read html body: %w", err))
				}
				htmlBody = string(body)
				haveHTML = true
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			size, _ := io.Copy(io.Discard, part.Body)
			parsed.Attachments = append(parsed.Attachments, model.Attachment{
				Filename:    filename,
				ContentType: contentType,
				Size:        size,
			})
		}
	}

	switch {
	case havePlain:
		parsed.Body = strings.TrimSpace(plain)
	case haveHTML:
		parsed.Body = StripHTML(htmlBody)
	default:
		return model.ParsedEmail{}, model.ItemErr(model.FailMalformedEmail, errors.New("no textual body"))
	}

	return parsed, nil
}

// StripHTML reduces an HTML document to its visible text content.
func StripHTML(src string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(src))
	var b strings.Builder
	skip := 0

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			switch string(name) {
			case "script", "style":
				skip++
			case "br", "p", "div", "tr", "li":
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if tag := string(name); (tag == "script" || tag == "style") && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(tokenizer.Text())
			}
		}
	}
}
