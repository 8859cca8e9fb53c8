// Package store persists accounts, messages and their metadata with gorm.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/masa23/newsfunnel/model"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an account with the same identity exists.
	ErrConflict = errors.New("account already linked")
	// ErrDuplicate is returned for a message or metadata that is already stored.
	ErrDuplicate = errors.New("duplicate record")
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Open connects to MySQL with error translation enabled and migrates the schema.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := model.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return db, nil
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

// translate maps gorm errors onto the package sentinels. dup is the sentinel
// reported for unique-key violations.
func translate(err error, dup error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case dup != nil && (errors.Is(err, gorm.ErrDuplicatedKey) || isDuplicateMessage(err)):
		return fmt.Errorf("%w: %v", dup, err)
	}
	return err
}

// drivers without a translator still report unique violations in the text
func isDuplicateMessage(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") || strings.Contains(msg, "UNIQUE constraint failed")
}

// Accounts

func (s *Store) CreateAccount(ctx context.Context, account *model.Account) error {
	if err := s.db.WithContext(ctx).Create(account).Error; err != nil {
		return translate(err, ErrConflict)
	}
	return nil
}

func (s *Store) FindAccount(ctx context.Context, id uint64) (*model.Account, error) {
	var account model.Account
	if err := s.db.WithContext(ctx).First(&account, id).Error; err != nil {
		return nil, translate(err, nil)
	}
	return &account, nil
}

// FindAccountByIdentity looks an account up by the unique (owner, login, host) triple.
func (s *Store) FindAccountByIdentity(ctx context.Context, ownerID, login, host string) (*model.Account, error) {
	var account model.Account
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND login = ? AND host = ?", ownerID, login, host).
		First(&account).Error
	if err != nil {
		return nil, translate(err, nil)
	}
	return &account, nil
}

func (s *Store) FindAccountsByOwnerLogin(ctx context.Context, ownerID, login string) ([]model.Account, error) {
	var accounts []model.Account
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND login = ?", ownerID, login).
		Order("id").
		Find(&accounts).Error
	return accounts, err
}

func (s *Store) ListAccounts(ctx context.Context) ([]model.Account, error) {
	var accounts []model.Account
	if err := s.db.WithContext(ctx).Order("id").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

func (s *Store) ListAccountsByOwner(ctx context.Context, ownerID string) ([]model.Account, error) {
	var accounts []model.Account
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("id").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// DeleteAccount removes the account together with its messages and metadata.
func (s *Store) DeleteAccount(ctx context.Context, id uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&model.Account{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		messageIDs := tx.Model(&model.Message{}).Select("id").Where("account_id = ?", id)
		if err := tx.Where("message_id IN (?)", messageIDs).Delete(&model.Metadata{}).Error; err != nil {
			return err
		}
		return tx.Where("account_id = ?", id).Delete(&model.Message{}).Error
	})
}

// Messages

func (s *Store) CreateMessage(ctx context.Context, msg *model.Message) error {
	if err := s.db.WithContext(ctx).Omit("Metadata").Create(msg).Error; err != nil {
		return translate(err, ErrDuplicate)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id uint64) (*model.Message, error) {
	var msg model.Message
	if err := s.db.WithContext(ctx).Preload("Metadata").First(&msg, id).Error; err != nil {
		return nil, translate(err, nil)
	}
	return &msg, nil
}

// ListMessages returns an account's messages newest first with their metadata.
func (s *Store) ListMessages(ctx context.Context, accountID uint64) ([]model.Message, error) {
	var msgs []model.Message
	err := s.db.WithContext(ctx).
		Preload("Metadata").
		Where("account_id = ?", accountID).
		// CreatedAtで降順にソート
		Order("created_at DESC").Order("id DESC").
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListMessagesWithoutMetadata returns messages whose extraction never
// succeeded, oldest first. A zero limit means no limit.
func (s *Store) ListMessagesWithoutMetadata(ctx context.Context, limit int) ([]model.Message, error) {
	var msgs []model.Message
	q := s.db.WithContext(ctx).
		Where("NOT EXISTS (SELECT 1 FROM metadata WHERE metadata.message_id = messages.id)").
		Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *Store) SetSummary(ctx context.Context, id uint64, summary string) error {
	res := s.db.WithContext(ctx).Model(&model.Message{}).Where("id = ?", id).Update("summary", summary)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, id uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ?", id).Delete(&model.Metadata{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&model.Message{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Metadata

func (s *Store) CreateMetadata(ctx context.Context, md *model.Metadata) error {
	if err := s.db.WithContext(ctx).Create(md).Error; err != nil {
		return translate(err, ErrDuplicate)
	}
	return nil
}

// ListMetadata returns the metadata of an account's messages, newest first.
func (s *Store) ListMetadata(ctx context.Context, accountID uint64) ([]model.Metadata, error) {
	var mds []model.Metadata
	err := s.db.WithContext(ctx).
		Joins("JOIN messages ON messages.id = metadata.message_id").
		Where("messages.account_id = ?", accountID).
		Order("metadata.id DESC").
		Find(&mds).Error
	if err != nil {
		return nil, err
	}
	return mds, nil
}
