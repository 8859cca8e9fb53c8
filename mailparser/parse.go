package mailparser

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/masa23/newsfunnel/mailconn"
	"github.com/masa23/newsfunnel/model"
)

const maxMessageIDLen = 200

// Parse turns a fetched message into an unsaved model.Message. It never
// fails: missing headers become empty strings and anything that cannot be
// decoded is kept as raw text. AccountID is left for the caller.
func Parse(raw mailconn.RawMessage) model.Message {
	th, _ := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw.Header)))
	h := mail.Header{Header: message.Header{Header: th}}

	msg := model.Message{
		UID:       raw.UID,
		Sender:    normalizeSender(decodeOrRaw(h.Get("From"))),
		Recipient: normalizeRecipients(decodeOrRaw(h.Get("To"))),
		Subject:   decodeOrRaw(h.Get("Subject")),
		Body:      decodeBody(h.Header, raw.Body),
	}
	if date, err := h.Date(); err == nil {
		msg.ReceivedAt = date.UTC()
	}
	msg.MessageKey = messageKey(h, msg)
	return msg
}

// Valid reports whether a parsed message carries anything worth ingesting.
func Valid(msg *model.Message) bool {
	return !msg.Empty()
}

// ParseRFC822 splits a complete message as read from a file or stdin into
// the header and body sections a fetch would have returned.
func ParseRFC822(r io.Reader) (mailconn.RawMessage, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return mailconn.RawMessage{}, err
	}
	header, body := buf, []byte(nil)
	for _, sep := range [][]byte{[]byte("\r\n\r\n"), []byte("\n\n")} {
		if i := bytes.Index(buf, sep); i >= 0 {
			header, body = buf[:i+len(sep)], buf[i+len(sep):]
			break
		}
	}
	return mailconn.RawMessage{Header: header, Body: body, Raw: buf}, nil
}

func decodeBody(h message.Header, body []byte) string {
	raw := strings.ToValidUTF8(string(body), "�")
	if !h.Has("Content-Type") {
		return raw
	}

	entity, err := message.New(h, bytes.NewReader(body))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return raw
	}

	var plain, html string
	var plainOK, htmlOK bool
	// parts with an unknown charset or encoding are still readable as-is
	entity.Walk(func(_ []int, part *message.Entity, _ error) error {
		t, _, _ := part.Header.ContentType()
		if !strings.HasPrefix(t, "text/") || (t == "text/plain" && plainOK) || (t == "text/html" && htmlOK) {
			return nil
		}
		b, err := io.ReadAll(part.Body)
		if err != nil {
			return nil
		}
		switch t {
		case "text/plain":
			plain, plainOK = string(b), true
		case "text/html":
			html, htmlOK = string(b), true
		}
		return nil
	})

	switch {
	case plainOK:
		return strings.ToValidUTF8(plain, "�")
	case htmlOK:
		return strings.ToValidUTF8(html, "�")
	}
	return raw
}

func normalizeSender(from string) string {
	if from == "" {
		return ""
	}
	name, mbox, host := ParseAddress(from)
	if mbox == "" {
		return from
	}
	return FormatAddress(name, mbox, host)
}

func normalizeRecipients(to string) string {
	list, err := ParseAddressList(to)
	if err != nil {
		return to
	}
	for i, addr := range list {
		list[i] = normalizeSender(addr)
	}
	return strings.Join(list, ", ")
}

func messageKey(h mail.Header, msg model.Message) string {
	if id, err := h.MessageID(); err == nil && id != "" {
		if len(id) <= maxMessageIDLen {
			return id
		}
		return "sha256:" + digest(id)
	}
	return "sha256:" + digest(msg.Sender, msg.Recipient, msg.Subject, msg.Body)
}

func digest(parts ...string) string {
	sum := sha256.New()
	for _, p := range parts {
		sum.Write([]byte(p))
		sum.Write([]byte{0})
	}
	return hex.EncodeToString(sum.Sum(nil))
}
