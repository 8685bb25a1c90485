package storage

import (
	"context"
	"database/sql"
	"errors"

	"localphotos/internal/models"
)

// GetUser retrieves the credential of username.
func (db *DB) GetUser(ctx context.Context, username string) (*models.Credential, error) {
	cred := &models.Credential{}
	query := db.rebind(`SELECT username, pass_hash FROM users WHERE username = ? LIMIT 1`)
	err := db.QueryRowContext(ctx, query, username).Scan(&cred.Username, &cred.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound.New("user %s", username)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return cred, nil
}

// SaveUser creates a user or replaces its password hash.
func (db *DB) SaveUser(ctx context.Context, cred models.Credential) error {
	query := db.rebind(`INSERT INTO users (username, pass_hash) VALUES (?, ?)
	          ON CONFLICT (username) DO UPDATE SET pass_hash = excluded.pass_hash`)
	_, err := db.ExecContext(ctx, query, cred.Username, cred.PasswordHash)
	return Error.Wrap(err)
}
