// Package main encrypts stored credentials that were written before an
// ENCRYPTION_KEY was configured.
//
// Rows with encryption_version=0 (plaintext) in streamer_accounts and
// oauth_tokens are rewritten as version 1 (AES-256-GCM).
//
// Usage:
//
//	migrate-tokens [--dry-run] [--table accounts|oauth|all] [--validate]
//
// Environment:
//
//	DB_DSN: database (postgres:// DSN or sqlite path, default watchparty.db)
//	ENCRYPTION_KEY: base64 32-byte key (required)
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/watchparty/crypto"
	"github.com/onnwee/watchparty/db"
)

// tokenRow is one plaintext credential pair.
type tokenRow struct {
	Table   string
	Key     any
	Label   string
	Access  string
	Refresh string
}

// table describes where a credential pair lives.
type table struct {
	name     string
	keyCol   string
	labelCol string
	extraSet string
}

var tables = map[string]table{
	"accounts": {name: "streamer_accounts", keyCol: "id", labelCol: "slug"},
	"oauth":    {name: "oauth_tokens", keyCol: "provider", labelCol: "provider", extraSet: ", encryption_key_id = 'default'"},
}

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	which := flag.String("table", "all", "Which credentials to migrate: accounts, oauth or all")
	validate := flag.Bool("validate", false, "Only report encryption status")
	flag.Parse()

	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		dsn = "watchparty.db"
	}
	database, _, err := db.Open(dsn)
	if err != nil {
		slog.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close()
	ctx := context.Background()

	if *validate {
		if err := ValidateMigration(ctx, database); err != nil {
			slog.Error("validation failed", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	key := os.Getenv("ENCRYPTION_KEY")
	if key == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required for migration")
		os.Exit(1)
	}
	encryptor, err := crypto.NewAESEncryptor(key)
	if err != nil {
		slog.Error("failed to initialize encryptor", slog.Any("error", err))
		os.Exit(1)
	}

	selected, err := selectTables(*which)
	if err != nil {
		slog.Error("bad --table", slog.Any("error", err))
		os.Exit(2)
	}
	for _, t := range selected {
		if err := migrateTokens(ctx, database, encryptor, t, *dryRun); err != nil {
			slog.Error("migration failed", slog.String("table", t.name), slog.Any("error", err))
			os.Exit(1)
		}
	}
	slog.Info("migration completed successfully")
}

func selectTables(which string) ([]table, error) {
	switch which {
	case "all":
		return []table{tables["accounts"], tables["oauth"]}, nil
	case "accounts", "oauth":
		return []table{tables[which]}, nil
	}
	return nil, fmt.Errorf("unknown table %q", which)
}

func plaintextRows(ctx context.Context, database *sql.DB, t table) ([]tokenRow, error) {
	q := fmt.Sprintf(`SELECT %s, %s, access_token, refresh_token FROM %s
		WHERE encryption_version = 0 AND (access_token <> '' OR refresh_token <> '')
		ORDER BY %s`, t.keyCol, t.labelCol, t.name, t.keyCol)
	rows, err := database.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query plaintext tokens: %w", err)
	}
	defer rows.Close()
	var out []tokenRow
	for rows.Next() {
		r := tokenRow{Table: t.name}
		if err := rows.Scan(&r.Key, &r.Label, &r.Access, &r.Refresh); err != nil {
			return nil, fmt.Errorf("failed to scan token row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// migrateTokens encrypts every plaintext credential pair in t.
func migrateTokens(ctx context.Context, database *sql.DB, encryptor crypto.Encryptor, t table, dryRun bool) error {
	tokens, err := plaintextRows(ctx, database, t)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		slog.Info("no plaintext tokens found to migrate", slog.String("table", t.name))
		return nil
	}
	slog.Info("found plaintext tokens to migrate",
		slog.String("table", t.name),
		slog.Int("count", len(tokens)),
		slog.Bool("dry_run", dryRun))

	migrated, failed := 0, 0
	for i, token := range tokens {
		logger := slog.With(
			slog.String("table", t.name),
			slog.String("label", token.Label),
			slog.Int("index", i+1),
			slog.Int("total", len(tokens)))
		if dryRun {
			logger.Info("would migrate token (dry-run)")
			migrated++
			continue
		}
		if err := migrateToken(ctx, database, encryptor, t, token); err != nil {
			logger.Error("failed to migrate token", slog.Any("error", err))
			failed++
			continue
		}
		logger.Info("migrated token successfully")
		migrated++
	}

	slog.Info("migration summary",
		slog.String("table", t.name),
		slog.Int("total", len(tokens)),
		slog.Int("migrated", migrated),
		slog.Int("errors", failed),
		slog.Bool("dry_run", dryRun))
	if failed > 0 {
		return fmt.Errorf("migration completed with %d errors", failed)
	}
	return nil
}

// migrateToken encrypts a single credential pair in its own transaction.
func migrateToken(ctx context.Context, database *sql.DB, encryptor crypto.Encryptor, t table, token tokenRow) error {
	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var access, refresh string
	if token.Access != "" {
		if access, err = crypto.EncryptString(encryptor, token.Access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
	}
	if token.Refresh != "" {
		if refresh, err = crypto.EncryptString(encryptor, token.Refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	q := fmt.Sprintf(`UPDATE %s
		SET access_token = $1, refresh_token = $2, encryption_version = 1%s, updated_at = $3
		WHERE %s = $4 AND encryption_version = 0`, t.name, t.extraSet, t.keyCol)
	res, err := tx.ExecContext(ctx, q, access, refresh, time.Now().UTC(), token.Key)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("expected 1 row updated, got %d (token may have been modified concurrently)", n)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ValidateMigration reports the encryption status of every credential table.
func ValidateMigration(ctx context.Context, database *sql.DB) error {
	for _, t := range []table{tables["accounts"], tables["oauth"]} {
		counts, err := encryptionCounts(ctx, database, t)
		if err != nil {
			return err
		}
		for version, count := range counts {
			var desc string
			switch version {
			case 0:
				desc = "plaintext"
			case 1:
				desc = "encrypted (AES-256-GCM)"
			default:
				desc = fmt.Sprintf("unknown version %d", version)
			}
			slog.Info("token encryption status",
				slog.String("table", t.name),
				slog.Int("encryption_version", version),
				slog.String("description", desc),
				slog.Int("count", count))
		}
	}
	return nil
}

func encryptionCounts(ctx context.Context, database *sql.DB, t table) (map[int]int, error) {
	rows, err := database.QueryContext(ctx, fmt.Sprintf(`SELECT encryption_version, COUNT(*) FROM %s
		WHERE access_token <> '' OR refresh_token <> '' GROUP BY encryption_version`, t.name))
	if err != nil {
		return nil, fmt.Errorf("query validation: %w", err)
	}
	defer rows.Close()
	out := make(map[int]int)
	for rows.Next() {
		var version, count int
		if err := rows.Scan(&version, &count); err != nil {
			return nil, fmt.Errorf("scan validation row: %w", err)
		}
		out[version] = count
	}
	return out, rows.Err()
}
