package files

import (
	"context"
	"io"
	"time"
)

// File represents the metadata of a stored file
type File struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"ownerId"`
	Name          string     `json:"fileName"`
	Type          string     `json:"fileType"`
	StorageKey    string     `json:"-"`
	Size          int64      `json:"fileSize"`
	Favorite      bool       `json:"isFavorite"`
	Deleted       bool       `json:"isDeleted"`
	DeletedAt     *time.Time `json:"deletedAt,omitempty"`
	Version       int64      `json:"version"`
	LastSavedAt   *time.Time `json:"lastSavedAt,omitempty"`
	LastSavedByID string     `json:"lastSavedById,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// FileVersion is a superseded blob kept when version retention is on.
type FileVersion struct {
	FileID     string    `json:"fileId"`
	Version    int64     `json:"version"`
	StorageKey string    `json:"-"`
	Size       int64     `json:"fileSize"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Identity is the authenticated caller.
type Identity struct {
	ID   string
	Name string
}

// ContentUpdate describes a content replacement applied with compare-and-swap on Version.
type ContentUpdate struct {
	ID              string
	ExpectedVersion int64
	StorageKey      string
	Size            int64
	Type            string
	SavedBy         string
	SavedAt         time.Time
	// Retain records the superseded blob as a FileVersion in the same transaction.
	Retain *FileVersion
}

// FileRepository defines the interface for storing and retrieving file metadata
type FileRepository interface {
	Create(ctx context.Context, file *File) error
	FindByID(ctx context.Context, id string) (*File, error)
	ListByOwner(ctx context.Context, ownerID string, deleted bool) ([]*File, error)
	UpdateContent(ctx context.Context, upd ContentUpdate) (*File, error)
	SetFavorite(ctx context.Context, id string, favorite bool, at time.Time) (*File, error)
	Rename(ctx context.Context, id, name string, at time.Time) (*File, error)
	SetDeleted(ctx context.Context, id string, deleted bool, at time.Time) (*File, error)
	// Delete removes the record and its versions, returning what was removed.
	Delete(ctx context.Context, id string) (*File, []FileVersion, error)
	Versions(ctx context.Context, id string) ([]FileVersion, error)
	StorageKeys(ctx context.Context) (map[string]struct{}, error)
	ListDeletedBefore(ctx context.Context, before time.Time) ([]*File, error)
}

// Blob is an open, seekable handle on stored bytes. Callers must Close it.
type Blob interface {
	io.ReadSeekCloser
	Size() int64
	ModTime() time.Time
}

// BlobInfo describes a stored blob during a walk.
type BlobInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// BlobStore defines the interface for the physical file storage
type BlobStore interface {
	// Put stores content under key and returns the number of bytes written.
	Put(ctx context.Context, key string, content io.Reader) (int64, error)
	// Open returns ErrBlobNotFound for a missing key.
	Open(ctx context.Context, key string) (Blob, error)
	// Delete is a no-op for a missing key.
	Delete(ctx context.Context, key string) error
	Walk(ctx context.Context, fn func(BlobInfo) error) error
}
