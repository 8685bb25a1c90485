package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"localphotos/internal/models"
)

// createdLayout is fixed width so that text ordering is chronological.
const createdLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Visibility selects which rows a listing may return.
type Visibility struct {
	Scope models.Scope
	Owner string
}

// predicate returns the WHERE clause for v. A personal listing only ever
// sees the owner's rows; any other scope sees rows of that scope plus the
// owner's personal rows (none when Owner is empty).
func (v Visibility) predicate() (string, []interface{}) {
	if v.Scope == models.ScopePersonal {
		return "scope = 'personal' AND owner = ?", []interface{}{v.Owner}
	}
	return "(scope = ? OR (scope = 'personal' AND owner = ?))", []interface{}{string(v.Scope), v.Owner}
}

const photoColumns = `id, owner, scope, date, orig_filename, storage_path, thumb_path, meta_path, created_at`

// InsertPhoto saves a photo row. A duplicate id or storage path is an error.
func (db *DB) InsertPhoto(ctx context.Context, p *models.Photo) error {
	query := db.rebind(`INSERT INTO photos (` + photoColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := db.ExecContext(ctx, query,
		p.ID, p.Owner, string(p.Scope), p.Date, p.OrigFilename,
		p.StoragePath, p.ThumbPath, p.MetaPath, p.CreatedAt.UTC().Format(createdLayout))
	return Error.Wrap(err)
}

// DeletePhoto removes the photo row with the given id.
func (db *DB) DeletePhoto(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, db.rebind("DELETE FROM photos WHERE id = ?"), id)
	if err != nil {
		return Error.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if n == 0 {
		return ErrNotFound.New("photo %s", id)
	}
	return nil
}

// GetPhoto retrieves a photo by id.
func (db *DB) GetPhoto(ctx context.Context, id string) (*models.Photo, error) {
	row := db.QueryRowContext(ctx, db.rebind(`SELECT `+photoColumns+` FROM photos WHERE id = ? LIMIT 1`), id)
	p, err := scanPhoto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound.New("photo %s", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return p, nil
}

// ListDates returns the distinct dates visible under vis, newest first.
func (db *DB) ListDates(ctx context.Context, vis Visibility, offset, limit int) ([]string, error) {
	where, args := vis.predicate()
	query := db.rebind(`SELECT DISTINCT date FROM photos WHERE ` + where + ` ORDER BY date DESC LIMIT ? OFFSET ?`)

	rows, err := db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var dates []string
	for rows.Next() {
		var date string
		if err := rows.Scan(&date); err != nil {
			return nil, Error.Wrap(err)
		}
		dates = append(dates, date)
	}
	return dates, Error.Wrap(rows.Err())
}

// ListPhotosForDate returns the photos of one date visible under vis,
// newest first.
func (db *DB) ListPhotosForDate(ctx context.Context, date string, vis Visibility) ([]*models.Photo, error) {
	where, args := vis.predicate()
	query := db.rebind(`SELECT ` + photoColumns + ` FROM photos
	          WHERE date = ? AND ` + where + ` ORDER BY created_at DESC, id DESC`)

	rows, err := db.QueryContext(ctx, query, append([]interface{}{date}, args...)...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var photos []*models.Photo
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		photos = append(photos, p)
	}
	return photos, Error.Wrap(rows.Err())
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPhoto(row scanner) (*models.Photo, error) {
	var (
		p       models.Photo
		scope   string
		created string
	)
	err := row.Scan(&p.ID, &p.Owner, &scope, &p.Date, &p.OrigFilename,
		&p.StoragePath, &p.ThumbPath, &p.MetaPath, &created)
	if err != nil {
		return nil, err
	}
	p.Scope = models.Scope(scope)
	if p.CreatedAt, err = time.Parse(createdLayout, created); err != nil {
		return nil, err
	}
	return &p, nil
}
