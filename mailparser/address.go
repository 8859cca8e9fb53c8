package mailparser

import (
	"errors"
	"strings"
)

var (
	ErrInvalidEmailFormat = errors.New("invalid email address format")
)

// ParseAddressList splits a To/Cc style header on top-level commas,
// dropping comments.
func ParseAddressList(s string) ([]string, error) {
	var addresses []string
	var quoted bool
	var escape bool
	var comment bool
	var depth int
	var buf strings.Builder

	for _, r := range s {
		switch {
		case escape:
			buf.WriteRune(r)
			escape = false
		case r == '\\':
			escape = true
		case r == '"' && !comment:
			quoted = !quoted
			buf.WriteRune(r)
		case r == '(' && !quoted:
			comment = true
			depth++
		case r == ')' && comment:
			depth--
			if depth == 0 {
				comment = false
			}
		case comment:
			continue
		case r == ',' && !quoted:
			part := strings.TrimSpace(buf.String())
			if part != "" {
				addresses = append(addresses, part)
			}
			buf.Reset()
		default:
			buf.WriteRune(r)
		}
	}

	// 最後の要素を追加
	if trimmed := strings.TrimSpace(buf.String()); trimmed != "" {
		addresses = append(addresses, trimmed)
	}

	if len(addresses) == 0 {
		return nil, ErrInvalidEmailFormat
	}

	return addresses, nil
}

// ParseAddress extracts the display name and the mailbox/host parts of a
// single address such as `"Foo" <foo@example.com>`.
func ParseAddress(s string) (name, mbox, host string) {
	var quoted bool
	var escape bool
	var inAngle bool
	var comment bool
	var depth int
	start, end := -1, -1

	var buf strings.Builder

	for _, r := range s {
		switch {
		case escape:
			escape = false
		case r == '\\':
			escape = true
			continue
		case r == '"' && !inAngle && !comment:
			quoted = !quoted
			continue
		case r == '(' && !quoted:
			comment = true
			depth++
			continue
		case r == ')' && comment:
			depth--
			if depth == 0 {
				comment = false
			}
			continue
		case comment:
			continue
		case r == '<' && !quoted && start < 0:
			inAngle = true
			start = buf.Len()
		case r == '>' && inAngle:
			inAngle = false
			end = buf.Len()
		}
		buf.WriteRune(r)
	}

	clean := buf.String()

	address := clean
	if start >= 0 && end > start {
		address = clean[start+1 : end]
		name = strings.TrimSpace(clean[:start])
	}
	mbox, host = parseHostDomain(strings.TrimSpace(address))
	return name, mbox, host
}

// FormatAddress renders ParseAddress output back into one canonical form.
func FormatAddress(name, mbox, host string) string {
	addr := mbox
	if host != "" {
		addr = mbox + "@" + strings.ToLower(host)
	}
	if name == "" || addr == "" {
		return addr
	}
	return name + " <" + addr + ">"
}

func parseHostDomain(address string) (mbox, host string) {
	// @の位置を探す
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return strings.TrimSpace(address), ""
	}

	mbox = strings.TrimSpace(address[:at])
	host = strings.TrimSpace(address[at+1:])

	return mbox, host
}
