package files

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memBlob struct {
	*bytes.Reader
	modTime time.Time
}

func (b *memBlob) Close() error       { return nil }
func (b *memBlob) ModTime() time.Time { return b.modTime }

type memBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	calls int

	// slowPuts makes the first slowPuts Put calls block until their context ends.
	slowPuts int
	putErr   error
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{blobs: make(map[string][]byte)}
}

func (m *memBlobStore) Put(ctx context.Context, key string, content io.Reader) (int64, error) {
	m.mu.Lock()
	m.calls++
	slow := m.slowPuts > 0
	if slow {
		m.slowPuts--
	}
	putErr := m.putErr
	m.mu.Unlock()

	if slow {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if putErr != nil {
		return 0, putErr
	}

	data, err := io.ReadAll(content)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = data
	return int64(len(data)), nil
}

func (m *memBlobStore) Open(_ context.Context, key string) (Blob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	data, ok := m.blobs[key]
	if !ok {
		return nil, ErrBlobNotFound
	}
	return &memBlob{Reader: bytes.NewReader(data), modTime: time.Now()}, nil
}

func (m *memBlobStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	delete(m.blobs, key)
	return nil
}

func (m *memBlobStore) Walk(_ context.Context, fn func(BlobInfo) error) error {
	m.mu.Lock()
	infos := make([]BlobInfo, 0, len(m.blobs))
	for k, v := range m.blobs {
		infos = append(infos, BlobInfo{Key: k, Size: int64(len(v)), ModTime: time.Now()})
	}
	m.mu.Unlock()

	for _, info := range infos {
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

func (m *memBlobStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}

func (m *memBlobStore) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *memBlobStore) content(key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blobs[key]
}

type memRepo struct {
	mu       sync.Mutex
	files    map[string]File
	versions map[string][]FileVersion
	calls    int

	createErr error
	// conflicts makes the next UpdateContent calls fail as if another process won.
	conflicts int
}

func newMemRepo() *memRepo {
	return &memRepo{
		files:    make(map[string]File),
		versions: make(map[string][]FileVersion),
	}
}

func (r *memRepo) Create(_ context.Context, file *File) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.createErr != nil {
		return r.createErr
	}
	r.files[file.ID] = *file
	return nil
}

func (r *memRepo) FindByID(_ context.Context, id string) (*File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	f, ok := r.files[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &f, nil
}

func (r *memRepo) ListByOwner(_ context.Context, ownerID string, deleted bool) ([]*File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	list := []*File{}
	for _, f := range r.files {
		if f.OwnerID == ownerID && f.Deleted == deleted {
			f := f
			list = append(list, &f)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (r *memRepo) UpdateContent(_ context.Context, upd ContentUpdate) (*File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.conflicts > 0 {
		r.conflicts--
		return nil, ErrVersionConflict
	}
	f, ok := r.files[upd.ID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if f.Version != upd.ExpectedVersion {
		return nil, ErrVersionConflict
	}
	if upd.Retain != nil {
		r.versions[upd.ID] = append(r.versions[upd.ID], *upd.Retain)
	}
	f.StorageKey = upd.StorageKey
	f.Size = upd.Size
	f.Type = upd.Type
	f.Version++
	at := upd.SavedAt
	f.LastSavedAt = &at
	f.LastSavedByID = upd.SavedBy
	f.UpdatedAt = upd.SavedAt
	r.files[upd.ID] = f
	return &f, nil
}

func (r *memRepo) update(id string, apply func(*File)) (*File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	f, ok := r.files[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	apply(&f)
	r.files[id] = f
	return &f, nil
}

func (r *memRepo) SetFavorite(_ context.Context, id string, favorite bool, at time.Time) (*File, error) {
	return r.update(id, func(f *File) {
		f.Favorite = favorite
		f.UpdatedAt = at
	})
}

func (r *memRepo) Rename(_ context.Context, id, name string, at time.Time) (*File, error) {
	return r.update(id, func(f *File) {
		f.Name = name
		f.UpdatedAt = at
	})
}

func (r *memRepo) SetDeleted(_ context.Context, id string, deleted bool, at time.Time) (*File, error) {
	return r.update(id, func(f *File) {
		f.Deleted = deleted
		f.UpdatedAt = at
		if deleted {
			f.DeletedAt = &at
		} else {
			f.DeletedAt = nil
		}
	})
}

func (r *memRepo) Delete(_ context.Context, id string) (*File, []FileVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	f, ok := r.files[id]
	if !ok {
		return nil, nil, ErrRecordNotFound
	}
	versions := r.versions[id]
	delete(r.files, id)
	delete(r.versions, id)
	return &f, versions, nil
}

func (r *memRepo) Versions(_ context.Context, id string) ([]FileVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return append([]FileVersion{}, r.versions[id]...), nil
}

func (r *memRepo) StorageKeys(_ context.Context) (map[string]struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	keys := make(map[string]struct{})
	for _, f := range r.files {
		keys[f.StorageKey] = struct{}{}
	}
	for _, vs := range r.versions {
		for _, v := range vs {
			keys[v.StorageKey] = struct{}{}
		}
	}
	return keys, nil
}

func (r *memRepo) ListDeletedBefore(_ context.Context, before time.Time) ([]*File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	var list []*File
	for _, f := range r.files {
		if f.Deleted && f.DeletedAt != nil && f.DeletedAt.Before(before) {
			f := f
			list = append(list, &f)
		}
	}
	return list, nil
}

func (r *memRepo) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

var errBoom = errors.New("boom")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(opts Options) (*Service, *memBlobStore, *memRepo) {
	blobs := newMemBlobStore()
	repo := newMemRepo()
	return NewService(blobs, repo, opts, testLogger()), blobs, repo
}

var (
	alice = Identity{ID: "alice", Name: "Alice"}
	bob   = Identity{ID: "bob", Name: "Bob"}
)

func pdf(name, body string) UploadRequest {
	return UploadRequest{
		Name:     name,
		MimeType: MimePDF,
		Size:     int64(len(body)),
		Content:  bytes.NewReader([]byte(body)),
	}
}

func mustUpload(t *testing.T, s *Service, caller Identity, req UploadRequest) *File {
	t.Helper()
	results, err := s.Upload(context.Background(), caller, []UploadRequest{req})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	return results[0].File
}
