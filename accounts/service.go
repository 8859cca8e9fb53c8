// Package accounts implements the operator-facing account and message
// operations on top of the store.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/masa23/newsfunnel/mailparser"
	"github.com/masa23/newsfunnel/model"
	"github.com/masa23/newsfunnel/monitor"
	"github.com/masa23/newsfunnel/store"
)

var (
	ErrConflict = errors.New("mail server configuration already exists for this owner")
	ErrNotFound = errors.New("mail server configuration not found")
	ErrInvalid  = errors.New("invalid request")
)

// Store is the subset of *store.Store the service needs.
type Store interface {
	CreateAccount(ctx context.Context, account *model.Account) error
	FindAccount(ctx context.Context, id uint64) (*model.Account, error)
	FindAccountByIdentity(ctx context.Context, ownerID, login, host string) (*model.Account, error)
	FindAccountsByOwnerLogin(ctx context.Context, ownerID, login string) ([]model.Account, error)
	ListAccountsByOwner(ctx context.Context, ownerID string) ([]model.Account, error)
	DeleteAccount(ctx context.Context, id uint64) error
	GetMessage(ctx context.Context, id uint64) (*model.Message, error)
	ListMessages(ctx context.Context, accountID uint64) ([]model.Message, error)
	DeleteMessage(ctx context.Context, id uint64) error
	ListMetadata(ctx context.Context, accountID uint64) ([]model.Metadata, error)
}

// Registrar starts and stops account sessions in the running process.
type Registrar interface {
	Add(account model.Account) (*monitor.Handle, error)
	Remove(id uint64) bool
}

// Archive removes archived raw messages.
type Archive interface {
	Delete(ctx context.Context, key string) error
}

type Service struct {
	store    Store
	registry Registrar
	archive  Archive
	logger   *log.Logger
}

type Option func(*Service)

// WithRegistry starts a session on Link and stops it on Unlink.
func WithRegistry(r Registrar) Option {
	return func(s *Service) { s.registry = r }
}

// WithArchive deletes archived copies together with their messages.
func WithArchive(a Archive) Option {
	return func(s *Service) { s.archive = a }
}

func WithLogger(l *log.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(st Store, opts ...Option) *Service {
	s := &Service{store: st, logger: log.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LinkRequest describes a mailbox to link to an owner.
type LinkRequest struct {
	OwnerID  string
	Name     string
	Login    string
	Password string
	Host     string
	Port     int
	TLS      bool
}

func (r LinkRequest) Validate() error {
	var errs []error
	if r.OwnerID == "" {
		errs = append(errs, errors.New("owner is required"))
	}
	if _, mbox, host := mailparser.ParseAddress(r.Login); mbox == "" || host == "" {
		errs = append(errs, fmt.Errorf("login %q is not an email address", r.Login))
	}
	if r.Password == "" {
		errs = append(errs, errors.New("password is required"))
	}
	if r.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if r.Port <= 0 || r.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", r.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// NormalizeLogin is the form logins are stored and looked up in. Mail
// servers treat the login case-insensitively.
func NormalizeLogin(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}

// Link stores a new account and, with a registry, starts monitoring it.
func (s *Service) Link(ctx context.Context, req LinkRequest) (*model.Account, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	account := &model.Account{
		OwnerID:  req.OwnerID,
		Name:     req.Name,
		Login:    NormalizeLogin(req.Login),
		Password: req.Password,
		Host:     strings.ToLower(strings.TrimSpace(req.Host)),
		Port:     req.Port,
		TLS:      req.TLS,
	}
	conflict := fmt.Errorf("%s on %s: %w", account.Login, account.Host, ErrConflict)
	existing, err := s.store.FindAccountByIdentity(ctx, account.OwnerID, account.Login, account.Host)
	switch {
	case err == nil:
		s.logger.Printf("accounts: %s already linked as account %d", account.Login, existing.ID)
		return nil, conflict
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	// the unique index still catches a concurrent link
	if err := s.store.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, conflict
		}
		return nil, err
	}
	s.logger.Printf("accounts: linked %s for owner %s", account, account.OwnerID)

	if s.registry != nil {
		if _, err := s.registry.Add(*account); err != nil {
			s.logger.Printf("accounts: %s: %v", account, err)
		}
	}
	return account, nil
}

// Unlink deletes every account of owner with login, their messages and
// metadata, and stops their sessions.
func (s *Service) Unlink(ctx context.Context, ownerID, login string) error {
	accounts, err := s.ownerAccounts(ctx, ownerID, login)
	if err != nil {
		return err
	}
	for _, a := range accounts {
		var keys []string
		if s.archive != nil {
			msgs, err := s.store.ListMessages(ctx, a.ID)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				if m.ObjectStorageKey != "" {
					keys = append(keys, m.ObjectStorageKey)
				}
			}
		}

		if err := s.store.DeleteAccount(ctx, a.ID); err != nil {
			return fmt.Errorf("deleting %s: %w", a, err)
		}
		if s.registry != nil {
			s.registry.Remove(a.ID)
		}
		for _, key := range keys {
			s.dropArchived(ctx, key)
		}
		s.logger.Printf("accounts: unlinked %s", a)
	}
	return nil
}

func (s *Service) ListAccounts(ctx context.Context, ownerID string) ([]model.Account, error) {
	return s.store.ListAccountsByOwner(ctx, ownerID)
}

// ListMessages returns the messages of owner's mailbox login, newest first,
// with their metadata.
func (s *Service) ListMessages(ctx context.Context, ownerID, login string) ([]model.Message, error) {
	accounts, err := s.ownerAccounts(ctx, ownerID, login)
	if err != nil {
		return nil, err
	}
	var out []model.Message
	for _, a := range accounts {
		msgs, err := s.store.ListMessages(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
	}
	if len(accounts) > 1 {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		})
	}
	return out, nil
}

// ListMetadata returns the metadata of owner's mailbox login.
func (s *Service) ListMetadata(ctx context.Context, ownerID, login string) ([]model.Metadata, error) {
	accounts, err := s.ownerAccounts(ctx, ownerID, login)
	if err != nil {
		return nil, err
	}
	var out []model.Metadata
	for _, a := range accounts {
		mds, err := s.store.ListMetadata(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, mds...)
	}
	return out, nil
}

// GetMessage returns a message if it belongs to one of owner's accounts.
func (s *Service) GetMessage(ctx context.Context, ownerID string, id uint64) (*model.Message, error) {
	msg, err := s.store.GetMessage(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	account, err := s.store.FindAccount(ctx, msg.AccountID)
	if err != nil || account.OwnerID != ownerID {
		return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return msg, nil
}

// DeleteMessage deletes one of owner's messages with its metadata.
func (s *Service) DeleteMessage(ctx context.Context, ownerID string, id uint64) error {
	msg, err := s.GetMessage(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteMessage(ctx, id); err != nil {
		return err
	}
	if msg.ObjectStorageKey != "" {
		s.dropArchived(ctx, msg.ObjectStorageKey)
	}
	return nil
}

func (s *Service) ownerAccounts(ctx context.Context, ownerID, login string) ([]model.Account, error) {
	accounts, err := s.store.FindAccountsByOwnerLogin(ctx, ownerID, NormalizeLogin(login))
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("%s: %w", login, ErrNotFound)
	}
	return accounts, nil
}

func (s *Service) dropArchived(ctx context.Context, key string) {
	if s.archive == nil {
		return
	}
	if err := s.archive.Delete(ctx, key); err != nil {
		s.logger.Printf("accounts: deleting archived %s: %v", key, err)
	}
}
