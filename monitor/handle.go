package monitor

import (
	"context"
	"strconv"
	"sync"

	"github.com/masa23/newsfunnel/mailconn"
	"github.com/masa23/newsfunnel/metrics"
	"github.com/masa23/newsfunnel/model"
)

// Handle is the runtime state of one account's session.
type Handle struct {
	account model.Account

	mu       sync.Mutex
	state    State
	attempts int
	lastErr  error
	lastUID  uint32
	baseline bool
	conn     mailconn.Conn
	closed   bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Status is a point-in-time view of a Handle.
type Status struct {
	AccountID uint64 `json:"account_id"`
	Login     string `json:"login"`
	Host      string `json:"host"`
	State     State  `json:"state"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
	LastUID   uint32 `json:"last_uid"`
}

func newHandle(account model.Account, cancel context.CancelFunc) *Handle {
	return &Handle{
		account: account,
		state:   Connecting,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func (h *Handle) Account() model.Account {
	return h.account
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Attempts is the number of reconnections scheduled since the session was
// last Ready.
func (h *Handle) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

func (h *Handle) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// LastUID is the highest UID handed to the pipeline, or the mailbox
// baseline taken when the session was first opened.
func (h *Handle) LastUID() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUID
}

// Done is closed when the session goroutine has exited, either after
// Close or after giving up on reconnection.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Status{
		AccountID: h.account.ID,
		Login:     h.account.Login,
		Host:      h.account.Host,
		State:     h.state,
		Attempts:  h.attempts,
		LastUID:   h.lastUID,
	}
	if h.lastErr != nil {
		st.LastError = h.lastErr.Error()
	}
	return st
}

func (h *Handle) label() string {
	return strconv.FormatUint(h.account.ID, 10)
}

// setState is a no-op once the handle is closed, except for Closed itself.
func (h *Handle) setState(s State) {
	h.mu.Lock()
	if h.closed && s != Closed {
		h.mu.Unlock()
		return
	}
	h.state = s
	h.mu.Unlock()
	metrics.SetSessionState(h.label(), s.String())
}

// setConn records the live connection. It reports false when the handle
// was closed meanwhile; the caller then owns conn.
func (h *Handle) setConn(conn mailconn.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conn = conn
	return true
}

func (h *Handle) dropConn(conn mailconn.Conn) {
	h.mu.Lock()
	if h.conn == conn {
		h.conn = nil
	}
	h.mu.Unlock()
	conn.Close()
}

// resumePoint is the last seen UID, once a baseline has been taken.
func (h *Handle) resumePoint() (uint32, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUID, h.baseline
}

// ready moves to Ready, resets the attempt counter and returns the UID to
// catch up from. ok is false on the very first session, which only takes
// the baseline.
func (h *Handle) ready(box mailconn.Mailbox) (from uint32, ok bool) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, false
	}
	h.state = Ready
	h.attempts = 0
	h.lastErr = nil
	if !h.baseline {
		h.baseline = true
		if box.UIDNext > 0 {
			h.lastUID = box.UIDNext - 1
		}
	} else {
		from, ok = h.lastUID+1, true
	}
	h.mu.Unlock()
	metrics.SetSessionState(h.label(), Ready.String())
	return from, ok
}

func (h *Handle) seen(uid uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if uid > h.lastUID {
		h.lastUID = uid
	}
}

// fail records err and moves to Erroring. It returns the number of
// retries already scheduled.
func (h *Handle) fail(err error) int {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0
	}
	h.state = Erroring
	h.lastErr = err
	n := h.attempts
	h.mu.Unlock()
	metrics.SetSessionState(h.label(), Erroring.String())
	return n
}

func (h *Handle) retry() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts++
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// close marks the handle Closed, cancels the session and closes its
// connection without waiting for the goroutine.
func (h *Handle) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.state = Closed
	conn := h.conn
	h.conn = nil
	h.mu.Unlock()

	h.cancel()
	if conn != nil {
		conn.Close()
	}
	metrics.SetSessionState(h.label(), Closed.String())
}
