// Package monitor keeps one IMAP session per account alive, reconnecting
// with exponential backoff, and hands every new message to the ingestion
// pipeline.
package monitor

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/masa23/newsfunnel/mailconn"
	"github.com/masa23/newsfunnel/mailope"
	"github.com/masa23/newsfunnel/metrics"
	"github.com/masa23/newsfunnel/model"
)

const (
	DefaultBaseDelay   = 5 * time.Second
	DefaultMaxAttempts = 5
)

// Sink receives every valid message fetched by a session.
type Sink interface {
	Ingest(ctx context.Context, msg *model.Message, raw []byte, src mailope.Source) mailope.Outcome
}

type Manager struct {
	factory     mailconn.Factory
	sink        Sink
	baseDelay   time.Duration
	maxAttempts int
	after       func(time.Duration) <-chan time.Time
	logger      *log.Logger
}

type Option func(*Manager)

// WithBackoff sets the first reconnection delay and how many reconnections
// are scheduled before the account is left unmonitored.
func WithBackoff(base time.Duration, maxAttempts int) Option {
	return func(m *Manager) {
		if base > 0 {
			m.baseDelay = base
		}
		if maxAttempts >= 0 {
			m.maxAttempts = maxAttempts
		}
	}
}

// WithTimer replaces time.After for reconnection delays.
func WithTimer(after func(time.Duration) <-chan time.Time) Option {
	return func(m *Manager) { m.after = after }
}

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func NewManager(factory mailconn.Factory, sink Sink, opts ...Option) *Manager {
	m := &Manager{
		factory:     factory,
		sink:        sink,
		baseDelay:   DefaultBaseDelay,
		maxAttempts: DefaultMaxAttempts,
		after:       time.After,
		logger:      log.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BackoffDelay is the wait before reconnection attempt n, counted from 0.
// It saturates instead of overflowing.
func BackoffDelay(base time.Duration, n int) time.Duration {
	if base <= 0 {
		return 0
	}
	if n >= 63 || base > math.MaxInt64>>uint(n) {
		return math.MaxInt64
	}
	return base << uint(n)
}

// OpenOption adjusts a Handle before its session starts.
type OpenOption func(*Handle)

// ResumeFrom carries the last seen UID of prev over to the new session, so
// its first Ready catches up on everything delivered since instead of
// taking a fresh baseline.
func ResumeFrom(prev *Handle) OpenOption {
	return func(h *Handle) {
		if uid, ok := prev.resumePoint(); ok {
			h.lastUID = uid
			h.baseline = true
		}
	}
}

// Open starts the session for account and returns at once.
func (m *Manager) Open(ctx context.Context, account model.Account, opts ...OpenOption) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := newHandle(account, cancel)
	for _, opt := range opts {
		opt(h)
	}
	metrics.SetSessionState(h.label(), Connecting.String())
	go m.run(ctx, h)
	return h
}

// Close ends the session. It does not wait for an ingestion in progress.
func (m *Manager) Close(h *Handle) {
	h.close()
	m.logger.Printf("monitor: %s closed", h.account)
}

func (m *Manager) run(ctx context.Context, h *Handle) {
	defer close(h.done)

	for {
		err := m.session(ctx, h)
		if ctx.Err() != nil || h.isClosed() {
			h.setState(Closed)
			return
		}

		n := h.fail(err)
		if n >= m.maxAttempts {
			m.logger.Printf("monitor: %s unmonitored after %d reconnection attempts: %v", h.account, n, err)
			metrics.Unmonitored.Inc()
			return
		}
		delay := BackoffDelay(m.baseDelay, n)
		h.retry()
		metrics.Reconnects.WithLabelValues(h.label()).Inc()
		m.logger.Printf("monitor: %s error: %v, reconnecting in %s (attempt %d/%d)", h.account, err, delay, n+1, m.maxAttempts)

		select {
		case <-m.after(delay):
		case <-ctx.Done():
			h.setState(Closed)
			return
		}
	}
}

// session runs one connection from dial to its end and returns why it ended.
func (m *Manager) session(ctx context.Context, h *Handle) error {
	h.setState(Connecting)
	conn, err := m.factory.Connect(ctx, credentials(h.account))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if !h.setConn(conn) {
		conn.Close()
		return mailconn.ErrClosed
	}
	defer h.dropConn(conn)

	box, err := conn.OpenInbox(ctx)
	if err != nil {
		return fmt.Errorf("open inbox: %w", err)
	}
	from, catchUp := h.ready(box)
	m.logger.Printf("monitor: %s ready, %d messages", h.account, box.NumMessages)

	l := &listener{
		handle: h,
		conn:   conn,
		sink:   m.sink,
		logger: m.logger,
		count:  box.NumMessages,
	}
	if catchUp {
		l.catchUp(ctx, from)
	}
	h.setState(Monitoring)
	return l.run(ctx)
}

func credentials(a model.Account) mailconn.Credentials {
	return mailconn.Credentials{
		Login:    a.Login,
		Password: a.Password,
		Host:     a.Host,
		Port:     a.ServerPort(),
		TLS:      a.TLS,
	}
}
