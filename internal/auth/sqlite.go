package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pyr33x/goqttd/pkg/er"
	h "github.com/pyr33x/goqttd/pkg/hash"
)

func init() {
	Register("sqlite", func() Backend { return &sqliteBackend{} })
}

// sqliteBackend authenticates against a `users(username, secret)` table
// queried by username, with bcrypt-hashed secrets verified via pkg/hash.
// Each domain opens its own database file, so user sets never cross
// domains.
type sqliteBackend struct {
	db *sql.DB
}

func (b *sqliteBackend) Load(domainName, path string) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return er.Storage(fmt.Errorf("open users db for domain %q: %w", domainName, err))
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return er.Storage(fmt.Errorf("ping users db for domain %q: %w", domainName, err))
	}
	b.db = db
	return nil
}

func (b *sqliteBackend) UserExists(clientID, username string) bool {
	var exists int
	err := b.db.QueryRow("SELECT 1 FROM users WHERE username = ?", username).Scan(&exists)
	return err == nil
}

func (b *sqliteBackend) Auth(ctx context.Context, clientID, username, password string) error {
	var hash string
	err := b.db.QueryRowContext(ctx, "SELECT secret FROM users WHERE username = ?", username).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &er.Err{Context: "auth.sqlite", Message: er.ErrUserNotFound}
		}
		return er.Storage(fmt.Errorf("query user %q: %w", username, err))
	}

	if !h.VerifyPasswd(hash, password) {
		return &er.Err{Context: "auth.sqlite", Message: er.ErrInvalidPassword}
	}
	return nil
}

func (b *sqliteBackend) Unload() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
