// Package mailconn is the protocol side of ingestion: it opens an IMAP session
// for an account, waits in IDLE for new-message notifications, and fetches or
// flags messages on request.
package mailconn

import (
	"context"
	"errors"
)

// ErrClosed is returned by Wait when the server or the caller ended the session.
var ErrClosed = errors.New("connection closed")

// Credentials identify the mailbox to connect to.
type Credentials struct {
	Login    string
	Password string
	Host     string
	Port     int
	TLS      bool
}

// Mailbox describes the selected mailbox.
type Mailbox struct {
	NumMessages uint32
	// UIDNext is the UID the next delivered message will get, 0 when unknown.
	UIDNext uint32
}

// Notification reports the mailbox size announced by the server.
type Notification struct {
	NumMessages uint32
}

// Range selects messages to fetch. By sequence number unless ByUID is set.
// A zero To means the newest message ("*").
type Range struct {
	From  uint32
	To    uint32
	ByUID bool
}

// RawMessage is one fetched message, fully buffered. Header holds the raw
// requested header fields, Body the raw BODY[TEXT] section and Raw the
// whole RFC 822 message.
type RawMessage struct {
	SeqNum uint32
	UID    uint32
	Header []byte
	Body   []byte
	Raw    []byte
}

// Conn is an authenticated session on one account.
type Conn interface {
	// OpenInbox selects INBOX read-write.
	OpenInbox(ctx context.Context) (Mailbox, error)
	// Wait blocks until the server announces a mailbox change, the session
	// ends, or ctx is done.
	Wait(ctx context.Context) (Notification, error)
	Fetch(ctx context.Context, r Range) ([]RawMessage, error)
	MarkSeen(ctx context.Context, uids ...uint32) error
	Close() error
}

// Factory opens authenticated sessions.
type Factory interface {
	Connect(ctx context.Context, creds Credentials) (Conn, error)
}
