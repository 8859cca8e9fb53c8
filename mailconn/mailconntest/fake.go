// Package mailconntest provides an in-memory mail server for tests of code
// built on mailconn.
package mailconntest

import (
	"context"
	"fmt"
	"sync"

	"github.com/masa23/newsfunnel/mailconn"
)

// Factory hands out connections to in-memory mailboxes keyed by login.
type Factory struct {
	mu        sync.Mutex
	err       error
	mailboxes map[string]*Mailbox
	dials     int
	conns     []*Conn
}

func NewFactory() *Factory {
	return &Factory{mailboxes: map[string]*Mailbox{}}
}

// Fail makes every following Connect return err; nil restores success.
func (f *Factory) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Mailbox returns the mailbox for login, creating it on first use.
func (f *Factory) Mailbox(login string) *Mailbox {
	f.mu.Lock()
	defer f.mu.Unlock()
	mb, ok := f.mailboxes[login]
	if !ok {
		mb = &Mailbox{nextUID: 1, seen: map[uint32]bool{}}
		f.mailboxes[login] = mb
	}
	return mb
}

func (f *Factory) Dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// Conns returns every connection handed out so far, oldest first.
func (f *Factory) Conns() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Conn(nil), f.conns...)
}

func (f *Factory) Connect(ctx context.Context, creds mailconn.Credentials) (mailconn.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mb := f.Mailbox(creds.Login)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.err != nil {
		return nil, f.err
	}
	c := &Conn{
		mbox:   mb,
		notes:  make(chan mailconn.Notification, 64),
		closed: make(chan struct{}),
	}
	f.conns = append(f.conns, c)
	return c, nil
}

// Mailbox is the server side state of one account.
type Mailbox struct {
	mu         sync.Mutex
	msgs       []mailconn.RawMessage
	nextUID    uint32
	seen       map[uint32]bool
	conns      []*Conn
	SelectErr  error
	FetchErr   error
	fetchCalls int
}

// Deliver appends a message, announces the new count to every selected
// connection and returns the message UID.
func (m *Mailbox) Deliver(header, body string) uint32 {
	m.mu.Lock()
	uid := m.nextUID
	m.nextUID++
	m.msgs = append(m.msgs, mailconn.RawMessage{
		SeqNum: uint32(len(m.msgs) + 1),
		UID:    uid,
		Header: []byte(header),
		Body:   []byte(body),
		Raw:    []byte(header + body),
	})
	n := uint32(len(m.msgs))
	conns := append([]*Conn(nil), m.conns...)
	m.mu.Unlock()

	for _, c := range conns {
		c.announce(n)
	}
	return uid
}

// DeliverQuietly appends a message without notifying anyone, as if it
// arrived while no connection was selected.
func (m *Mailbox) DeliverQuietly(header, body string) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	uid := m.nextUID
	m.nextUID++
	m.msgs = append(m.msgs, mailconn.RawMessage{
		SeqNum: uint32(len(m.msgs) + 1),
		UID:    uid,
		Header: []byte(header),
		Body:   []byte(body),
		Raw:    []byte(header + body),
	})
	return uid
}

func (m *Mailbox) Seen(uid uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[uid]
}

func (m *Mailbox) FetchCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCalls
}

func (m *Mailbox) setFetchErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FetchErr = err
}

// FailFetch makes the following fetches fail with err; nil restores them.
func (m *Mailbox) FailFetch(err error) { m.setFetchErr(err) }

func (m *Mailbox) attach(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns = append(m.conns, c)
}

func (m *Mailbox) detach(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, x := range m.conns {
		if x == c {
			m.conns = append(m.conns[:i], m.conns[i+1:]...)
			return
		}
	}
}

// Conn is one client connection to a Mailbox.
type Conn struct {
	mbox      *Mailbox
	notes     chan mailconn.Notification
	closeOnce sync.Once
	closed    chan struct{}
	mu        sync.Mutex
	dropErr   error
}

func (c *Conn) announce(n uint32) {
	select {
	case c.notes <- mailconn.Notification{NumMessages: n}:
	default:
	}
}

// Drop ends the connection from the server side.
func (c *Conn) Drop(err error) {
	c.mu.Lock()
	c.dropErr = err
	c.mu.Unlock()
	c.shut()
}

func (c *Conn) shut() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mbox.detach(c)
	})
}

// Closed reports whether the connection has been closed by either side.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) OpenInbox(ctx context.Context) (mailconn.Mailbox, error) {
	if c.Closed() {
		return mailconn.Mailbox{}, mailconn.ErrClosed
	}
	c.mbox.mu.Lock()
	err := c.mbox.SelectErr
	box := mailconn.Mailbox{NumMessages: uint32(len(c.mbox.msgs)), UIDNext: c.mbox.nextUID}
	c.mbox.mu.Unlock()
	if err != nil {
		return mailconn.Mailbox{}, err
	}
	c.mbox.attach(c)
	return box, nil
}

func (c *Conn) Wait(ctx context.Context) (mailconn.Notification, error) {
	select {
	case n := <-c.notes:
		return n, nil
	case <-c.closed:
		c.mu.Lock()
		err := c.dropErr
		c.mu.Unlock()
		if err == nil {
			err = mailconn.ErrClosed
		}
		return mailconn.Notification{}, err
	case <-ctx.Done():
		return mailconn.Notification{}, ctx.Err()
	}
}

func (c *Conn) Fetch(ctx context.Context, r mailconn.Range) ([]mailconn.RawMessage, error) {
	if c.Closed() {
		return nil, mailconn.ErrClosed
	}
	c.mbox.mu.Lock()
	defer c.mbox.mu.Unlock()
	c.mbox.fetchCalls++
	if c.mbox.FetchErr != nil {
		return nil, c.mbox.FetchErr
	}

	var out []mailconn.RawMessage
	for _, m := range c.mbox.msgs {
		key := m.SeqNum
		if r.ByUID {
			key = m.UID
		}
		if key >= r.From && (r.To == 0 || key <= r.To) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *Conn) MarkSeen(ctx context.Context, uids ...uint32) error {
	if c.Closed() {
		return fmt.Errorf("store: %w", mailconn.ErrClosed)
	}
	c.mbox.mu.Lock()
	defer c.mbox.mu.Unlock()
	for _, uid := range uids {
		c.mbox.seen[uid] = true
	}
	return nil
}

func (c *Conn) Close() error {
	c.shut()
	return nil
}
