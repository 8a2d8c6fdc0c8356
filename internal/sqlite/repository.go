package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/pavel-fokin/file-vault/internal/files"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const fileColumns = `id, owner_id, name, type, storage_key, size, favorite, deleted, deleted_at,
	version, last_saved_at, last_saved_by, created_at, updated_at`

// Repository implements files.FileRepository using SQLite
type Repository struct {
	db *sql.DB
}

// dsn enables WAL, foreign keys and a busy timeout on every connection.
func dsn(dbPath string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	return "file:" + dbPath + "?" + q.Encode()
}

// NewRepository opens the database at dbPath and applies pending migrations.
func NewRepository(ctx context.Context, dbPath string, logger *slog.Logger) (*Repository, error) {
	if err := migrateUp(dbPath, logger); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite has a single writer; one connection avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Repository{db: db}, nil
}

// migrateUp runs the embedded migrations on a dedicated handle, since
// closing the migrator closes its database.
func migrateUp(dbPath string, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to init migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("Migrations applied",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping reports whether the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Create stores file metadata
func (r *Repository) Create(ctx context.Context, file *files.File) error {
	query := `
	INSERT INTO files (id, owner_id, name, type, storage_key, size, favorite, deleted,
		deleted_at, version, last_saved_at, last_saved_by, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		file.ID,
		file.OwnerID,
		file.Name,
		file.Type,
		file.StorageKey,
		file.Size,
		file.Favorite,
		file.Deleted,
		nullTime(file.DeletedAt),
		file.Version,
		nullTime(file.LastSavedAt),
		nullString(file.LastSavedByID),
		file.CreatedAt.UnixNano(),
		file.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create file record: %w", err)
	}

	return nil
}

// FindByID retrieves file metadata by ID
func (r *Repository) FindByID(ctx context.Context, id string) (*files.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = ?`

	file, err := scanFile(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, files.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to find file: %w", err)
	}

	return file, nil
}

// ListByOwner returns the owner's active or soft-deleted files.
func (r *Repository) ListByOwner(ctx context.Context, ownerID string, deleted bool) ([]*files.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE owner_id = ? AND deleted = ? ORDER BY id`
	return r.queryFiles(ctx, query, ownerID, deleted)
}

// ListDeletedBefore returns files soft-deleted before the given time.
func (r *Repository) ListDeletedBefore(ctx context.Context, before time.Time) ([]*files.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE deleted = 1 AND deleted_at < ? ORDER BY deleted_at`
	return r.queryFiles(ctx, query, before.UnixNano())
}

func (r *Repository) queryFiles(ctx context.Context, query string, args ...any) ([]*files.File, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	list := []*files.File{}
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		list = append(list, file)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating files: %w", err)
	}

	return list, nil
}

// UpdateContent swaps the blob reference if the stored version still matches.
func (r *Repository) UpdateContent(ctx context.Context, upd files.ContentUpdate) (*files.File, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
	UPDATE files
	SET storage_key = ?, size = ?, type = ?, version = version + 1,
		last_saved_at = ?, last_saved_by = ?, updated_at = ?
	WHERE id = ? AND version = ?
	RETURNING ` + fileColumns

	file, err := scanFile(tx.QueryRowContext(ctx, query,
		upd.StorageKey,
		upd.Size,
		upd.Type,
		upd.SavedAt.UnixNano(),
		upd.SavedBy,
		upd.SavedAt.UnixNano(),
		upd.ID,
		upd.ExpectedVersion,
	))
	if errors.Is(err, sql.ErrNoRows) {
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM files WHERE id = ?`, upd.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, files.ErrRecordNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to check file: %w", err)
		}
		return nil, files.ErrVersionConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update file content: %w", err)
	}

	if v := upd.Retain; v != nil {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO file_versions (file_id, version, storage_key, size, created_at) VALUES (?, ?, ?, ?, ?)`,
			v.FileID, v.Version, v.StorageKey, v.Size, v.CreatedAt.UnixNano(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to record file version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit content update: %w", err)
	}
	return file, nil
}

// SetFavorite stars or unstars a file.
func (r *Repository) SetFavorite(ctx context.Context, id string, favorite bool, at time.Time) (*files.File, error) {
	return r.updateOne(ctx, `UPDATE files SET favorite = ?, updated_at = ? WHERE id = ?`,
		favorite, at.UnixNano(), id)
}

// Rename changes the display name of a file.
func (r *Repository) Rename(ctx context.Context, id, name string, at time.Time) (*files.File, error) {
	return r.updateOne(ctx, `UPDATE files SET name = ?, updated_at = ? WHERE id = ?`,
		name, at.UnixNano(), id)
}

// SetDeleted moves a file to or out of the trash.
func (r *Repository) SetDeleted(ctx context.Context, id string, deleted bool, at time.Time) (*files.File, error) {
	if deleted {
		return r.updateOne(ctx, `UPDATE files SET deleted = 1, deleted_at = ?, updated_at = ? WHERE id = ?`,
			at.UnixNano(), at.UnixNano(), id)
	}
	return r.updateOne(ctx, `UPDATE files SET deleted = 0, deleted_at = NULL, updated_at = ? WHERE id = ?`,
		at.UnixNano(), id)
}

func (r *Repository) updateOne(ctx context.Context, query string, args ...any) (*files.File, error) {
	file, err := scanFile(r.db.QueryRowContext(ctx, query+` RETURNING `+fileColumns, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, files.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to update file: %w", err)
	}
	return file, nil
}

// Delete removes a file record with its versions and returns what was removed.
func (r *Repository) Delete(ctx context.Context, id string) (*files.File, []files.FileVersion, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	versions, err := listVersions(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM file_versions WHERE file_id = ?`, id); err != nil {
		return nil, nil, fmt.Errorf("failed to delete file versions: %w", err)
	}

	file, err := scanFile(tx.QueryRowContext(ctx, `DELETE FROM files WHERE id = ? RETURNING `+fileColumns, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, files.ErrRecordNotFound
		}
		return nil, nil, fmt.Errorf("failed to delete file: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit delete: %w", err)
	}
	return file, versions, nil
}

// Versions lists the retained versions of a file, oldest first.
func (r *Repository) Versions(ctx context.Context, id string) ([]files.FileVersion, error) {
	return listVersions(ctx, r.db, id)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listVersions(ctx context.Context, q querier, id string) ([]files.FileVersion, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT file_id, version, storage_key, size, created_at FROM file_versions WHERE file_id = ? ORDER BY version`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list file versions: %w", err)
	}
	defer rows.Close()

	list := []files.FileVersion{}
	for rows.Next() {
		var (
			v         files.FileVersion
			createdAt int64
		)
		if err := rows.Scan(&v.FileID, &v.Version, &v.StorageKey, &v.Size, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan file version: %w", err)
		}
		v.CreatedAt = time.Unix(0, createdAt).UTC()
		list = append(list, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating file versions: %w", err)
	}
	return list, nil
}

// StorageKeys returns every blob key referenced by a file or a retained version.
func (r *Repository) StorageKeys(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT storage_key FROM files UNION SELECT storage_key FROM file_versions`)
	if err != nil {
		return nil, fmt.Errorf("failed to list storage keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan storage key: %w", err)
		}
		keys[key] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating storage keys: %w", err)
	}
	return keys, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (*files.File, error) {
	var (
		file        files.File
		deletedAt   sql.NullInt64
		lastSavedAt sql.NullInt64
		lastSavedBy sql.NullString
		createdAt   int64
		updatedAt   int64
	)

	err := row.Scan(
		&file.ID,
		&file.OwnerID,
		&file.Name,
		&file.Type,
		&file.StorageKey,
		&file.Size,
		&file.Favorite,
		&file.Deleted,
		&deletedAt,
		&file.Version,
		&lastSavedAt,
		&lastSavedBy,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	file.DeletedAt = timePtr(deletedAt)
	file.LastSavedAt = timePtr(lastSavedAt)
	file.LastSavedByID = lastSavedBy.String
	file.CreatedAt = time.Unix(0, createdAt).UTC()
	file.UpdatedAt = time.Unix(0, updatedAt).UTC()

	return &file, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
