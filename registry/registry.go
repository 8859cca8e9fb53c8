// Package registry tracks the session of every linked account.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/masa23/newsfunnel/metrics"
	"github.com/masa23/newsfunnel/model"
	"github.com/masa23/newsfunnel/monitor"
)

var (
	ErrAlreadyRegistered = errors.New("account already registered")
	ErrNotRegistered     = errors.New("account not registered")
)

// Sessions opens and closes account sessions; *monitor.Manager.
type Sessions interface {
	Open(ctx context.Context, account model.Account, opts ...monitor.OpenOption) *monitor.Handle
	Close(h *monitor.Handle)
}

// AccountSource lists the accounts that should be monitored.
type AccountSource interface {
	ListAccounts(ctx context.Context) ([]model.Account, error)
}

type Registry struct {
	sessions Sessions
	accounts AccountSource
	logger   *log.Logger

	// sessions live until Shutdown, not for the request that added them
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handles map[uint64]*monitor.Handle
}

type Option func(*Registry)

func WithLogger(l *log.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func New(sessions Sessions, accounts AccountSource, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		sessions: sessions,
		accounts: accounts,
		logger:   log.Default(),
		ctx:      ctx,
		cancel:   cancel,
		handles:  map[uint64]*monitor.Handle{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterAll opens a session for every stored account not yet registered.
func (r *Registry) RegisterAll(ctx context.Context) error {
	accounts, err := r.accounts.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("listing accounts: %w", err)
	}
	n := 0
	for _, a := range accounts {
		if _, err := r.Add(a); err == nil {
			n++
		}
	}
	r.logger.Printf("registry: registered %d of %d accounts", n, len(accounts))
	return nil
}

// Add opens a session for account. At most one session exists per account.
func (r *Registry) Add(account model.Account) (*monitor.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[account.ID]; ok {
		return nil, fmt.Errorf("%s: %w", account, ErrAlreadyRegistered)
	}
	h := r.sessions.Open(r.ctx, account)
	r.handles[account.ID] = h
	return h, nil
}

// Remove closes and forgets the session of an account. It reports whether
// one was registered.
func (r *Registry) Remove(id uint64) bool {
	r.mu.Lock()
	h, ok := r.handles[id]
	delete(r.handles, id)
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.sessions.Close(h)
	metrics.ForgetSession(fmt.Sprint(id))
	return true
}

func (r *Registry) Lookup(id uint64) (*monitor.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	return h, ok
}

// Resubscribe replaces the session of a registered account with a fresh
// one, typically after it was left unmonitored. The new session picks up
// from the last UID the old one saw.
func (r *Registry) Resubscribe(id uint64) (*monitor.Handle, error) {
	old, ok := r.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("account %d: %w", id, ErrNotRegistered)
	}
	r.sessions.Close(old)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[id] != old {
		// removed or replaced meanwhile
		if h, ok := r.handles[id]; ok {
			return h, nil
		}
		return nil, fmt.Errorf("account %d: %w", id, ErrNotRegistered)
	}
	h := r.sessions.Open(r.ctx, old.Account(), monitor.ResumeFrom(old))
	r.handles[id] = h
	r.logger.Printf("registry: %s resubscribed", old.Account())
	return h, nil
}

// Sync makes the registered set match the stored accounts.
func (r *Registry) Sync(ctx context.Context) error {
	accounts, err := r.accounts.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("listing accounts: %w", err)
	}
	stored := make(map[uint64]bool, len(accounts))
	for _, a := range accounts {
		stored[a.ID] = true
	}

	var added int
	var removed []*monitor.Handle
	r.mu.Lock()
	for _, a := range accounts {
		if _, ok := r.handles[a.ID]; !ok {
			r.handles[a.ID] = r.sessions.Open(r.ctx, a)
			added++
		}
	}
	for id, h := range r.handles {
		if !stored[id] {
			delete(r.handles, id)
			removed = append(removed, h)
		}
	}
	r.mu.Unlock()

	for _, h := range removed {
		r.sessions.Close(h)
		metrics.ForgetSession(fmt.Sprint(h.Account().ID))
	}
	if added > 0 || len(removed) > 0 {
		r.logger.Printf("registry: sync added %d, removed %d", added, len(removed))
	}
	return nil
}

// Monitoring returns the IDs of accounts whose session is Monitoring.
func (r *Registry) Monitoring() []uint64 {
	var ids []uint64
	for _, h := range r.snapshot() {
		if h.State() == monitor.Monitoring {
			ids = append(ids, h.Account().ID)
		}
	}
	return ids
}

// Status returns the state of every registered session ordered by account ID.
func (r *Registry) Status() []monitor.Status {
	handles := r.snapshot()
	out := make([]monitor.Status, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Status())
	}
	return out
}

func (r *Registry) snapshot() []*monitor.Handle {
	r.mu.Lock()
	handles := make([]*monitor.Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()
	sort.Slice(handles, func(i, j int) bool {
		return handles[i].Account().ID < handles[j].Account().ID
	})
	return handles
}

// Shutdown closes every session and waits for them to exit or ctx to end.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	handles := r.handles
	r.handles = map[uint64]*monitor.Handle{}
	r.mu.Unlock()

	for _, h := range handles {
		r.sessions.Close(h)
	}
	r.cancel()
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
