package mail

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	gomail "github.com/emersion/go-message/mail"
)

// Envelope addresses an assembled Mail.
type Envelope struct {
	FromName    string
	FromAddress string
	To          []string
	CC          []string
	Date        time.Time
	Mail        Mail
}

func (e Envelope) Recipients() []string {
	return append(append([]string(nil), e.To...), e.CC...)
}

// Compose renders the envelope as an RFC 5322 message: multipart/alternative
// text and HTML bodies followed by the attachments.
func Compose(e Envelope) ([]byte, error) {
	if len(e.To) == 0 {
		return nil, errors.New("no recipients specified")
	}

	var h gomail.Header
	date := e.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	h.SetSubject(e.Mail.Subject)
	h.SetAddressList("From", []*gomail.Address{{Name: e.FromName, Address: e.FromAddress}})
	h.SetAddressList("To", addresses(e.To))
	if len(e.CC) > 0 {
		h.SetAddressList("Cc", addresses(e.CC))
	}
	h.SetMessageID(unbracket(e.Mail.MessageID))
	if e.Mail.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{unbracket(e.Mail.InReplyTo)})
	}
	if len(e.Mail.References) > 0 {
		refs := make([]string, len(e.Mail.References))
		for i, r := range e.Mail.References {
			refs[i] = unbracket(r)
		}
		h.SetMsgIDList("References", refs)
	}
	keys := make([]string, 0, len(e.Mail.Headers))
	for k := range e.Mail.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Set(k, e.Mail.Headers[k])
	}

	var buf bytes.Buffer
	w, err := gomail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}

	iw, err := w.CreateInline()
	if err != nil {
		return nil, err
	}
	if err := writePart(iw, "text/plain", e.Mail.Text); err != nil {
		return nil, err
	}
	if err := writePart(iw, "text/html", e.Mail.HTML); err != nil {
		return nil, err
	}
	if err := iw.Close(); err != nil {
		return nil, err
	}

	for _, att := range e.Mail.Attachments {
		var ah gomail.AttachmentHeader
		ct := att.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		ah.Set("Content-Type", ct)
		name := att.Filename
		if name == "" {
			name = "attachment.dat"
		}
		ah.SetFilename(name)
		aw, err := w.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("attachment %s: %w", name, err)
		}
		if _, err := aw.Write(att.Content); err != nil {
			return nil, err
		}
		if err := aw.Close(); err != nil {
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writePart(iw *gomail.InlineWriter, contentType, body string) error {
	var ph gomail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	pw, err := iw.CreatePart(ph)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return err
	}
	return pw.Close()
}

func addresses(list []string) []*gomail.Address {
	out := make([]*gomail.Address, 0, len(list))
	for _, a := range list {
		out = append(out, &gomail.Address{Address: a})
	}
	return out
}
