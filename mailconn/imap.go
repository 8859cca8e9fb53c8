package mailconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// HeaderFields are the header lines requested with every fetch.
var HeaderFields = []string{
	"From", "To", "Subject", "Message-Id", "Date", "Content-Type", "Content-Transfer-Encoding",
}

var (
	headerSection = &imap.FetchItemBodySection{
		Specifier:    imap.PartSpecifierHeader,
		HeaderFields: HeaderFields,
		Peek:         true,
	}
	textSection = &imap.FetchItemBodySection{
		Specifier: imap.PartSpecifierText,
		Peek:      true,
	}
	// BODY.PEEK[], kept for the archive
	fullSection = &imap.FetchItemBodySection{Peek: true}
)

type commandWaiter interface {
	Wait() error
}

type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}

type idleWaiter interface {
	Wait() error
	Close() error
}

type fetchedMessage struct {
	SeqNum uint32
	UID    uint32
	Header []byte
	Body   []byte
	Raw    []byte
}

type fetchCollector interface {
	Collect() ([]fetchedMessage, error)
}

type storeCloser interface {
	Close() error
}

// imapClient is the subset of *imapclient.Client used here.
type imapClient interface {
	Login(username, password string) commandWaiter
	Select(mailbox string) selectWaiter
	Idle() (idleWaiter, error)
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchCollector
	Store(numSet imap.NumSet, flags *imap.StoreFlags) storeCloser
	Close() error
}

type clientAdapter struct {
	c *imapclient.Client
}

func (a clientAdapter) Login(username, password string) commandWaiter {
	return a.c.Login(username, password)
}

func (a clientAdapter) Select(mailbox string) selectWaiter {
	return a.c.Select(mailbox, nil)
}

func (a clientAdapter) Idle() (idleWaiter, error) {
	cmd, err := a.c.Idle()
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

func (a clientAdapter) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchCollector {
	return fetchAdapter{cmd: a.c.Fetch(numSet, options)}
}

func (a clientAdapter) Store(numSet imap.NumSet, flags *imap.StoreFlags) storeCloser {
	return a.c.Store(numSet, flags, nil)
}

func (a clientAdapter) Close() error {
	return a.c.Close()
}

type fetchAdapter struct {
	cmd *imapclient.FetchCommand
}

func (f fetchAdapter) Collect() ([]fetchedMessage, error) {
	bufs, err := f.cmd.Collect()
	if err != nil {
		return nil, err
	}
	out := make([]fetchedMessage, 0, len(bufs))
	for _, buf := range bufs {
		out = append(out, fetchedMessage{
			SeqNum: buf.SeqNum,
			UID:    uint32(buf.UID),
			Header: buf.FindBodySection(headerSection),
			Body:   buf.FindBodySection(textSection),
			Raw:    buf.FindBodySection(fullSection),
		})
	}
	return out, nil
}

// IMAPFactory dials IMAP servers with go-imap.
type IMAPFactory struct {
	DialTimeout time.Duration
	// Debug, when set, receives the raw protocol trace.
	Debug  io.Writer
	Logger *log.Logger
}

func (f *IMAPFactory) logger() *log.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return log.Default()
}

func (f *IMAPFactory) dial(ctx context.Context, creds Credentials) (net.Conn, error) {
	addr := net.JoinHostPort(creds.Host, strconv.Itoa(creds.Port))
	d := &net.Dialer{Timeout: f.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !creds.TLS {
		return conn, nil
	}
	tlsConn := tls.Client(conn, &tls.Config{ServerName: creds.Host})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// Connect dials, authenticates and returns a session ready for OpenInbox.
func (f *IMAPFactory) Connect(ctx context.Context, creds Credentials) (Conn, error) {
	nc, err := f.dial(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("dial %s:%d: %w", creds.Host, creds.Port, err)
	}

	c := newIMAPConn()
	opts := &imapclient.Options{
		DebugWriter: f.Debug,
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					c.notify(*data.NumMessages)
				}
			},
		},
	}
	c.client = clientAdapter{c: imapclient.New(nc, opts)}

	if err := c.client.Login(creds.Login, creds.Password).Wait(); err != nil {
		c.client.Close()
		return nil, fmt.Errorf("login %s: %w", creds.Login, err)
	}
	f.logger().Printf("imap: logged in login=%s host=%s", creds.Login, creds.Host)
	return c, nil
}

type imapConn struct {
	client  imapClient
	pending chan struct{}
	count   atomic.Uint32
	closed  atomic.Bool
}

func newIMAPConn() *imapConn {
	return &imapConn{pending: make(chan struct{}, 1)}
}

// notify runs on the client's reader goroutine. Updates are coalesced: only
// the latest message count is kept.
func (c *imapConn) notify(n uint32) {
	c.count.Store(n)
	select {
	case c.pending <- struct{}{}:
	default:
	}
}

func (c *imapConn) OpenInbox(ctx context.Context) (Mailbox, error) {
	if err := ctx.Err(); err != nil {
		return Mailbox{}, err
	}
	data, err := c.client.Select("INBOX").Wait()
	if err != nil {
		return Mailbox{}, fmt.Errorf("select INBOX: %w", err)
	}
	// the SELECT response itself reports EXISTS
	select {
	case <-c.pending:
	default:
	}
	c.count.Store(data.NumMessages)
	return Mailbox{NumMessages: data.NumMessages, UIDNext: uint32(data.UIDNext)}, nil
}

func (c *imapConn) Wait(ctx context.Context) (Notification, error) {
	select {
	case <-c.pending:
		return Notification{NumMessages: c.count.Load()}, nil
	default:
	}
	if c.closed.Load() {
		return Notification{}, ErrClosed
	}

	idle, err := c.client.Idle()
	if err != nil {
		return Notification{}, fmt.Errorf("idle: %w", err)
	}
	done := make(chan error, 1)
	go func() { done <- idle.Wait() }()

	select {
	case <-c.pending:
		n := Notification{NumMessages: c.count.Load()}
		if err := idle.Close(); err != nil {
			return n, fmt.Errorf("idle done: %w", err)
		}
		return n, nil
	case err := <-done:
		if err == nil || c.closed.Load() {
			err = ErrClosed
		}
		return Notification{}, fmt.Errorf("idle: %w", err)
	case <-ctx.Done():
		idle.Close()
		return Notification{}, ctx.Err()
	}
}

func (c *imapConn) Fetch(ctx context.Context, r Range) ([]RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{headerSection, textSection, fullSection},
	}

	var numSet imap.NumSet
	if r.ByUID {
		var set imap.UIDSet
		set.AddRange(imap.UID(r.From), imap.UID(r.To))
		numSet = set
	} else {
		var set imap.SeqSet
		set.AddRange(r.From, r.To)
		numSet = set
	}

	fetched, err := c.client.Fetch(numSet, opts).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	sort.Slice(fetched, func(i, j int) bool { return fetched[i].SeqNum < fetched[j].SeqNum })

	msgs := make([]RawMessage, 0, len(fetched))
	for _, m := range fetched {
		// "n:*" always matches the newest message even when its UID is below n
		if r.ByUID && m.UID < r.From {
			continue
		}
		msgs = append(msgs, RawMessage{
			SeqNum: m.SeqNum,
			UID:    m.UID,
			Header: m.Header,
			Body:   m.Body,
			Raw:    m.Raw,
		})
	}
	return msgs, nil
}

func (c *imapConn) MarkSeen(ctx context.Context, uids ...uint32) error {
	if len(uids) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}
	var set imap.UIDSet
	for _, uid := range uids {
		set.AddNum(imap.UID(uid))
	}
	flags := &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}
	if err := c.client.Store(set, flags).Close(); err != nil {
		return fmt.Errorf("store \\Seen: %w", err)
	}
	return nil
}

// Close drops the socket without a LOGOUT round trip so that a session
// blocked in IDLE ends at once.
func (c *imapConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if err := c.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
