// Package storetest opens throwaway SQLite databases for tests.
package storetest

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/masa23/newsfunnel/model"
	"github.com/masa23/newsfunnel/store"
)

// DB returns a migrated in-memory database private to the test. All access
// goes through a single connection, so concurrent callers are serialized.
func DB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared&_foreign_keys=1"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, model.Migrate(db))
	return db
}

// New returns a Store over DB(t).
func New(t testing.TB) *store.Store {
	t.Helper()
	return store.New(DB(t))
}
