// Package imaptest runs an in-memory IMAP server with IDLE support for
// tests that exercise a real client.
package imaptest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-message/textproto"
)

type message struct {
	uid    imap.UID
	header []byte
	body   []byte
	seen   bool
}

type mailbox struct {
	password string
	msgs     []*message
	nextUID  imap.UID
	watchers map[*session]struct{}
}

// Server serves one INBOX per user on a loopback port.
type Server struct {
	srv *imapserver.Server
	ln  net.Listener

	mu    sync.Mutex
	users map[string]*mailbox
	conns map[net.Conn]struct{}
}

// NewServer starts a server that is stopped when the test ends.
func NewServer(tb testing.TB) *Server {
	tb.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("Listen() = %v", err)
	}
	s := &Server{
		users: map[string]*mailbox{},
		conns: map[net.Conn]struct{}{},
	}
	s.ln = &trackingListener{Listener: ln, server: s}
	s.srv = imapserver.New(&imapserver.Options{
		NewSession: func(conn *imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return &session{server: s, notify: make(chan struct{}, 1)}, &imapserver.GreetingData{}, nil
		},
		Caps: imap.CapSet{
			imap.CapIMAP4rev1: {},
			imap.CapIdle:      {},
		},
		InsecureAuth: true,
	})
	go s.srv.Serve(s.ln)
	tb.Cleanup(func() { s.srv.Close() })
	return s
}

// Addr returns the host and port to dial.
func (s *Server) Addr() (string, int) {
	addr := s.ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func (s *Server) AddUser(login, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[login] = &mailbox{
		password: password,
		nextUID:  1,
		watchers: map[*session]struct{}{},
	}
}

// Deliver appends a complete RFC 822 message to the user's INBOX, announces
// it to every client that selected the INBOX and returns its UID.
func (s *Server) Deliver(login, raw string) imap.UID {
	header, body := raw, ""
	if i := strings.Index(raw, "\r\n\r\n"); i >= 0 {
		header, body = raw[:i+4], raw[i+4:]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	mb := s.users[login]
	m := &message{uid: mb.nextUID, header: []byte(header), body: []byte(body)}
	mb.nextUID++
	mb.msgs = append(mb.msgs, m)
	for w := range mb.watchers {
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
	return m.uid
}

func (s *Server) Seen(login string, uid imap.UID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.users[login].msgs {
		if m.uid == uid {
			return m.seen
		}
	}
	return false
}

// DropConnections closes every client connection from the server side.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

type trackingListener struct {
	net.Listener
	server *Server
}

func (l *trackingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	l.server.mu.Lock()
	l.server.conns[c] = struct{}{}
	l.server.mu.Unlock()
	return &trackedConn{Conn: c, server: l.server}, nil
}

type trackedConn struct {
	net.Conn
	server *Server
	once   sync.Once
}

func (c *trackedConn) Close() error {
	c.once.Do(func() {
		c.server.mu.Lock()
		delete(c.server.conns, c.Conn)
		c.server.mu.Unlock()
	})
	return c.Conn.Close()
}

var errNotSupported = &imap.Error{
	Type: imap.StatusResponseTypeNo,
	Text: "Not supported by the test server",
}

// session implements imapserver.Session for a single INBOX.
type session struct {
	server *Server
	mbox   *mailbox
	login  string
	// known is the message count last announced to the client
	known  uint32
	notify chan struct{}
}

func (s *session) Login(username, password string) error {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	mb, ok := s.server.users[username]
	if !ok || mb.password != password {
		return &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Text: "Invalid credentials",
		}
	}
	s.login = username
	return nil
}

func (s *session) Close() error {
	s.unselect()
	return nil
}

func (s *session) Unselect() error {
	s.unselect()
	return nil
}

func (s *session) unselect() {
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	if s.mbox != nil {
		delete(s.mbox.watchers, s)
		s.mbox = nil
	}
}

func (s *session) Select(mailbox string, options *imap.SelectOptions) (*imap.SelectData, error) {
	if !strings.EqualFold(mailbox, "INBOX") {
		return nil, &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Text: "Mailbox does not exist",
		}
	}
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	mb := s.server.users[s.login]
	mb.watchers[s] = struct{}{}
	s.mbox = mb
	s.known = uint32(len(mb.msgs))

	return &imap.SelectData{
		Flags:          []imap.Flag{imap.FlagSeen, imap.FlagDeleted},
		PermanentFlags: []imap.Flag{imap.FlagSeen, imap.FlagDeleted},
		NumMessages:    s.known,
		UIDNext:        mb.nextUID,
		UIDValidity:    1,
	}, nil
}

// flush announces messages delivered since the last announcement.
func (s *session) flush(w *imapserver.UpdateWriter) error {
	s.server.mu.Lock()
	n := uint32(0)
	if s.mbox != nil {
		n = uint32(len(s.mbox.msgs))
	}
	changed := n != s.known
	s.known = n
	s.server.mu.Unlock()
	if !changed {
		return nil
	}
	return w.WriteNumMessages(n)
}

func (s *session) Idle(w *imapserver.UpdateWriter, stop <-chan struct{}) error {
	for {
		if err := s.flush(w); err != nil {
			return err
		}
		select {
		case <-s.notify:
		case <-stop:
			return nil
		}
	}
}

func (s *session) Poll(w *imapserver.UpdateWriter, allowExpunge bool) error {
	return s.flush(w)
}

// selected returns the messages of numSet with their sequence numbers.
func (s *session) selected(numSet imap.NumSet) (map[uint32]*message, error) {
	out := map[uint32]*message{}
	msgs := s.mbox.msgs
	if len(msgs) == 0 {
		return out, nil
	}
	switch v := numSet.(type) {
	case imap.SeqSet:
		for _, r := range v {
			start, stop := r.Start, r.Stop
			if stop == 0 {
				// Stopが0の場合は<Start>:*
				stop = uint32(len(msgs))
			}
			for seq := start; seq <= stop && seq <= uint32(len(msgs)); seq++ {
				out[seq] = msgs[seq-1]
			}
		}
	case imap.UIDSet:
		last := msgs[len(msgs)-1].uid
		for _, r := range v {
			start, stop := r.Start, r.Stop
			if stop == 0 {
				stop = last
			}
			if start > stop {
				start, stop = stop, start
			}
			for i, m := range msgs {
				if m.uid >= start && m.uid <= stop {
					out[uint32(i+1)] = m
				}
			}
		}
	default:
		return nil, &imap.Error{
			Type: imap.StatusResponseTypeBad,
			Text: "FETCH only supports UIDSet and SeqSet",
		}
	}
	return out, nil
}

func (s *session) Fetch(w *imapserver.FetchWriter, numSet imap.NumSet, options *imap.FetchOptions) error {
	s.server.mu.Lock()
	if s.mbox == nil {
		s.server.mu.Unlock()
		return errors.New("no mailbox selected")
	}
	msgs, err := s.selected(numSet)
	s.server.mu.Unlock()
	if err != nil {
		return err
	}

	for seq := uint32(1); len(msgs) > 0; seq++ {
		m, ok := msgs[seq]
		if !ok {
			continue
		}
		delete(msgs, seq)
		if err := fetch(w.CreateMessage(seq), m, options); err != nil {
			return err
		}
	}
	return nil
}

func fetch(msg *imapserver.FetchResponseWriter, m *message, options *imap.FetchOptions) error {
	if options.UID {
		msg.WriteUID(m.uid)
	}
	for _, section := range options.BodySection {
		var data []byte
		switch section.Specifier {
		case imap.PartSpecifierHeader:
			data = m.header
			if len(section.HeaderFields) > 0 {
				var err error
				if data, err = headerFields(m.header, section.HeaderFields); err != nil {
					return err
				}
			}
		case imap.PartSpecifierText:
			data = m.body
		case imap.PartSpecifierNone:
			data = append(append([]byte{}, m.header...), m.body...)
		default:
			return fmt.Errorf("unsupported section %q", section.Specifier)
		}
		wr := msg.WriteBodySection(section, int64(len(data)))
		if _, err := wr.Write(data); err != nil {
			return err
		}
		wr.Close()
	}
	return msg.Close()
}

func headerFields(raw []byte, fields []string) ([]byte, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, err
	}
	var out textproto.Header
	for _, k := range fields {
		for _, v := range h.Values(k) {
			out.Add(k, v)
		}
	}
	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, out); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *session) Store(w *imapserver.FetchWriter, numSet imap.NumSet, flags *imap.StoreFlags, options *imap.StoreOptions) error {
	if _, ok := numSet.(imap.UIDSet); !ok {
		return &imap.Error{
			Type: imap.StatusResponseTypeBad,
			Text: "STORE only supports UIDSet",
		}
	}
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	if s.mbox == nil {
		return errors.New("no mailbox selected")
	}
	msgs, err := s.selected(numSet)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		for _, f := range flags.Flags {
			if f != imap.FlagSeen {
				continue
			}
			switch flags.Op {
			case imap.StoreFlagsSet, imap.StoreFlagsAdd:
				m.seen = true
			case imap.StoreFlagsDel:
				m.seen = false
			}
		}
	}
	return nil
}

func (s *session) Create(mailbox string, options *imap.CreateOptions) error { return errNotSupported }
func (s *session) Delete(mailbox string) error                              { return errNotSupported }
func (s *session) Rename(mailbox, newName string) error                     { return errNotSupported }
func (s *session) Subscribe(mailbox string) error                           { return errNotSupported }
func (s *session) Unsubscribe(mailbox string) error                         { return errNotSupported }

func (s *session) List(w *imapserver.ListWriter, ref string, patterns []string, options *imap.ListOptions) error {
	return w.WriteList(&imap.ListData{Delim: '/', Mailbox: "INBOX"})
}

func (s *session) Status(mailbox string, options *imap.StatusOptions) (*imap.StatusData, error) {
	return nil, errNotSupported
}

func (s *session) Append(mailbox string, r imap.LiteralReader, options *imap.AppendOptions) (*imap.AppendData, error) {
	return nil, errNotSupported
}

func (s *session) Expunge(w *imapserver.ExpungeWriter, uids *imap.UIDSet) error {
	return errNotSupported
}

func (s *session) Search(kind imapserver.NumKind, criteria *imap.SearchCriteria, options *imap.SearchOptions) (*imap.SearchData, error) {
	return nil, errNotSupported
}

func (s *session) Copy(numSet imap.NumSet, dest string) (*imap.CopyData, error) {
	return nil, errNotSupported
}
