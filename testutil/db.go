package testutil

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/onnwee/watchparty/crypto"
	"github.com/onnwee/watchparty/db"
)

// TestEncryptionKey is a base64 32-byte AES key for tests.
const TestEncryptionKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="

// SetupTestDB opens a migrated Postgres database from TEST_PG_DSN.
// It skips the test if TEST_PG_DSN environment variable is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	return open(t, dsn)
}

// SetupSQLite opens a fresh, migrated SQLite database in a temp dir.
func SetupSQLite(t *testing.T) *sql.DB {
	t.Helper()
	return open(t, filepath.Join(t.TempDir(), "test.db"))
}

func open(t *testing.T, dsn string) *sql.DB {
	t.Helper()
	database, dialect, err := db.Open(dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.RunMigrations(database, dialect); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}

// NewStore returns a store over a fresh SQLite database. With encrypted set,
// credentials are sealed with TestEncryptionKey.
func NewStore(t *testing.T, encrypted bool) *db.Store {
	t.Helper()
	key := ""
	if encrypted {
		key = TestEncryptionKey
	}
	vault, err := crypto.NewVault(key, "test-signing-key-0123456789")
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	return db.NewStore(SetupSQLite(t), db.SQLite, vault)
}
