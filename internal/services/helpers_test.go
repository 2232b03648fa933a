package services

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/kiss96803/dotnetclub/internal/database"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestUserService(t *testing.T, db *sql.DB) *UserService {
	t.Helper()
	svc, err := NewUserService(db, bcrypt.MinCost)
	require.NoError(t, err)
	return svc
}
