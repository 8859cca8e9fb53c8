package mailconn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/require"
)

func TestFetchSortsAndDropsStaleUIDs(t *testing.T) {
	client := &fakeIMAPClient{fetched: []fetchedMessage{
		{SeqNum: 9, UID: 31, Header: []byte("Subject: b\r\n\r\n")},
		{SeqNum: 8, UID: 30, Header: []byte("Subject: a\r\n\r\n"), Raw: []byte("Subject: a\r\nX-Spam: no\r\n\r\nbody")},
		{SeqNum: 7, UID: 12},
	}}
	c := &imapConn{client: client, pending: make(chan struct{}, 1)}

	msgs, err := c.Fetch(context.Background(), Range{From: 30, ByUID: true})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, uint32(30), msgs[0].UID)
	require.Equal(t, uint32(31), msgs[1].UID)
	require.Equal(t, "Subject: a\r\nX-Spam: no\r\n\r\nbody", string(msgs[0].Raw))
	require.IsType(t, imap.UIDSet{}, client.fetchSet)
}

func TestFetchBySequence(t *testing.T) {
	client := &fakeIMAPClient{fetched: []fetchedMessage{{SeqNum: 4, UID: 40}, {SeqNum: 5, UID: 41}}}
	c := &imapConn{client: client, pending: make(chan struct{}, 1)}

	msgs, err := c.Fetch(context.Background(), Range{From: 4, To: 5})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.IsType(t, imap.SeqSet{}, client.fetchSet)
	require.True(t, client.fetchOpts.UID)
	require.Len(t, client.fetchOpts.BodySection, 3)
	for _, section := range client.fetchOpts.BodySection {
		require.True(t, section.Peek)
	}
}

func TestFetchError(t *testing.T) {
	client := &fakeIMAPClient{fetchErr: errors.New("connection reset")}
	c := &imapConn{client: client, pending: make(chan struct{}, 1)}

	_, err := c.Fetch(context.Background(), Range{From: 1, To: 1})
	require.ErrorContains(t, err, "fetch")
}

func TestWaitReturnsPendingWithoutIdle(t *testing.T) {
	client := &fakeIMAPClient{}
	c := &imapConn{client: client, pending: make(chan struct{}, 1)}
	c.notify(3)
	c.notify(4)

	n, err := c.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint32(4), n.NumMessages)
	require.Zero(t, client.idleCalls)
}

func TestWaitStopsIdleOnNotification(t *testing.T) {
	client := &fakeIMAPClient{}
	c := &imapConn{client: client, pending: make(chan struct{}, 1)}

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.notify(12)
	}()
	n, err := c.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint32(12), n.NumMessages)
	require.Equal(t, 1, client.idleCalls)
	require.True(t, client.idle.stopped())
}

func TestWaitReportsDroppedConnection(t *testing.T) {
	client := &fakeIMAPClient{idle: &fakeIdle{done: make(chan struct{}), err: errors.New("EOF")}}
	c := &imapConn{client: client, pending: make(chan struct{}, 1)}

	go func() {
		time.Sleep(10 * time.Millisecond)
		client.idle.end()
	}()
	_, err := c.Wait(context.Background())
	require.ErrorContains(t, err, "EOF")
}

func TestWaitAfterClose(t *testing.T) {
	client := &fakeIMAPClient{}
	c := &imapConn{client: client, pending: make(chan struct{}, 1)}
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.Equal(t, 1, client.closeCalls)

	_, err := c.Wait(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, c.MarkSeen(context.Background(), 1), ErrClosed)
}

func TestWaitHonoursContext(t *testing.T) {
	client := &fakeIMAPClient{}
	c := &imapConn{client: client, pending: make(chan struct{}, 1)}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMarkSeen(t *testing.T) {
	client := &fakeIMAPClient{}
	c := &imapConn{client: client, pending: make(chan struct{}, 1)}

	require.NoError(t, c.MarkSeen(context.Background()))
	require.Zero(t, client.storeCalls)

	require.NoError(t, c.MarkSeen(context.Background(), 7, 9))
	require.Equal(t, 1, client.storeCalls)
	require.Equal(t, imap.StoreFlagsAdd, client.storeFlags.Op)
	require.Equal(t, []imap.Flag{imap.FlagSeen}, client.storeFlags.Flags)
}

func TestOpenInboxClearsSelectNotification(t *testing.T) {
	client := &fakeIMAPClient{numMessages: 5, uidNext: 88}
	c := &imapConn{client: client, pending: make(chan struct{}, 1)}
	c.notify(5)

	mbox, err := c.OpenInbox(context.Background())
	require.NoError(t, err)
	require.Equal(t, Mailbox{NumMessages: 5, UIDNext: 88}, mbox)
	require.Len(t, c.pending, 0)

	client.selectErr = errors.New("no such mailbox")
	_, err = c.OpenInbox(context.Background())
	require.ErrorContains(t, err, "select INBOX")
}

type fakeIMAPClient struct {
	mu sync.Mutex

	numMessages uint32
	uidNext     imap.UID
	selectErr   error

	fetched   []fetchedMessage
	fetchErr  error
	fetchSet  imap.NumSet
	fetchOpts *imap.FetchOptions

	idle      *fakeIdle
	idleCalls int

	storeCalls int
	storeFlags *imap.StoreFlags

	closeCalls int
}

func (f *fakeIMAPClient) Login(string, string) commandWaiter { return fakeWaiter{} }

func (f *fakeIMAPClient) Select(string) selectWaiter {
	return fakeSelect{data: &imap.SelectData{NumMessages: f.numMessages, UIDNext: f.uidNext}, err: f.selectErr}
}

func (f *fakeIMAPClient) Idle() (idleWaiter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idleCalls++
	if f.idle == nil {
		f.idle = &fakeIdle{done: make(chan struct{})}
	}
	return f.idle, nil
}

func (f *fakeIMAPClient) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchCollector {
	f.fetchSet = numSet
	f.fetchOpts = options
	return fakeCollector{msgs: f.fetched, err: f.fetchErr}
}

func (f *fakeIMAPClient) Store(_ imap.NumSet, flags *imap.StoreFlags) storeCloser {
	f.storeCalls++
	f.storeFlags = flags
	return fakeWaiter{}
}

func (f *fakeIMAPClient) Close() error {
	f.closeCalls++
	return nil
}

type fakeWaiter struct{ err error }

func (w fakeWaiter) Wait() error  { return w.err }
func (w fakeWaiter) Close() error { return w.err }

type fakeSelect struct {
	data *imap.SelectData
	err  error
}

func (s fakeSelect) Wait() (*imap.SelectData, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.data, nil
}

type fakeCollector struct {
	msgs []fetchedMessage
	err  error
}

func (c fakeCollector) Collect() ([]fetchedMessage, error) {
	if c.err != nil {
		return nil, c.err
	}
	out := make([]fetchedMessage, len(c.msgs))
	copy(out, c.msgs)
	return out, nil
}

type fakeIdle struct {
	once   sync.Once
	done   chan struct{}
	err    error
	mu     sync.Mutex
	closed bool
}

func (i *fakeIdle) end() { i.once.Do(func() { close(i.done) }) }

func (i *fakeIdle) stopped() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

func (i *fakeIdle) Wait() error {
	<-i.done
	return i.err
}

func (i *fakeIdle) Close() error {
	i.mu.Lock()
	i.closed = true
	i.mu.Unlock()
	i.end()
	return nil
}
