package janitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavel-fokin/file-vault/internal/files"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type blobStore struct {
	mu        sync.Mutex
	modTimes  map[string]time.Time
	deleteErr map[string]error
}

func newBlobStore(modTimes map[string]time.Time) *blobStore {
	return &blobStore{modTimes: modTimes, deleteErr: map[string]error{}}
}

func (b *blobStore) Put(context.Context, string, io.Reader) (int64, error) {
	return 0, errors.New("not used")
}

func (b *blobStore) Open(context.Context, string) (files.Blob, error) {
	return nil, files.ErrBlobNotFound
}

func (b *blobStore) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.deleteErr[key]; err != nil {
		return err
	}
	delete(b.modTimes, key)
	return nil
}

func (b *blobStore) Walk(_ context.Context, fn func(files.BlobInfo) error) error {
	b.mu.Lock()
	infos := make([]files.BlobInfo, 0, len(b.modTimes))
	for k, t := range b.modTimes {
		infos = append(infos, files.BlobInfo{Key: k, ModTime: t})
	}
	b.mu.Unlock()

	for _, info := range infos {
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

func (b *blobStore) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.modTimes[key]
	return ok
}

type keySet struct {
	keys map[string]struct{}
	err  error
}

func (k keySet) StorageKeys(context.Context) (map[string]struct{}, error) {
	return k.keys, k.err
}

type purger struct {
	calls  int
	before time.Time
	purged int
	err    error
}

func (p *purger) PurgeTrash(_ context.Context, before time.Time) (int, error) {
	p.calls++
	p.before = before
	return p.purged, p.err
}

func newJanitor(blobs files.BlobStore, keys KeyLister, trash TrashPurger, opts Options) *Janitor {
	j := New(blobs, keys, trash, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	j.now = func() time.Time { return now }
	return j
}

func TestRunOnceReclaimsOldOrphans(t *testing.T) {
	blobs := newBlobStore(map[string]time.Time{
		"aa/live":      now.Add(-48 * time.Hour),
		"bb/old":       now.Add(-2 * time.Hour),
		"cc/in-flight": now.Add(-time.Minute),
	})
	keys := keySet{keys: map[string]struct{}{"aa/live": {}}}

	j := newJanitor(blobs, keys, &purger{}, Options{OrphanGrace: time.Hour})
	result, err := j.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Scanned)
	assert.Equal(t, 1, result.Orphans)
	assert.Zero(t, result.Errors)
	assert.True(t, blobs.has("aa/live"))
	assert.False(t, blobs.has("bb/old"))
	assert.True(t, blobs.has("cc/in-flight"))
}

func TestRunOnceKeyListingFails(t *testing.T) {
	blobs := newBlobStore(map[string]time.Time{"aa/old": now.Add(-48 * time.Hour)})
	keys := keySet{err: errors.New("database is locked")}

	j := newJanitor(blobs, keys, &purger{}, Options{OrphanGrace: time.Hour})
	result, err := j.RunOnce(context.Background())
	require.Error(t, err)

	assert.Equal(t, 1, result.Errors)
	assert.True(t, blobs.has("aa/old"), "nothing is deleted without a key snapshot")
}

func TestRunOnceDeleteFailureContinues(t *testing.T) {
	blobs := newBlobStore(map[string]time.Time{
		"aa/stuck": now.Add(-48 * time.Hour),
		"bb/gone":  now.Add(-48 * time.Hour),
	})
	blobs.deleteErr["aa/stuck"] = errors.New("permission denied")

	j := newJanitor(blobs, keySet{keys: map[string]struct{}{}}, &purger{}, Options{})
	result, err := j.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Orphans)
	assert.Equal(t, 1, result.Errors)
	assert.True(t, blobs.has("aa/stuck"))
	assert.False(t, blobs.has("bb/gone"))
}

func TestRunOncePurgesTrash(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		p := &purger{}
		j := newJanitor(newBlobStore(nil), keySet{}, p, Options{})
		_, err := j.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Zero(t, p.calls)
	})

	t.Run("enabled", func(t *testing.T) {
		p := &purger{purged: 2}
		j := newJanitor(newBlobStore(nil), keySet{}, p, Options{TrashTTL: 24 * time.Hour})
		result, err := j.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, p.calls)
		assert.Equal(t, now.Add(-24*time.Hour), p.before)
		assert.Equal(t, 2, result.Purged)
	})

	t.Run("failure still reclaims orphans", func(t *testing.T) {
		blobs := newBlobStore(map[string]time.Time{"aa/old": now.Add(-48 * time.Hour)})
		p := &purger{err: errors.New("boom")}
		j := newJanitor(blobs, keySet{keys: map[string]struct{}{}}, p, Options{TrashTTL: time.Hour})
		result, err := j.RunOnce(context.Background())
		require.Error(t, err)
		assert.Equal(t, 1, result.Orphans)
		assert.False(t, blobs.has("aa/old"))
	})
}

func TestStartRejectsBadSchedule(t *testing.T) {
	j := newJanitor(newBlobStore(nil), keySet{}, &purger{}, Options{})
	err := j.Start(context.Background(), "whenever")
	assert.Error(t, err)
	j.Stop()
}

func TestStartStop(t *testing.T) {
	j := newJanitor(newBlobStore(nil), keySet{}, &purger{}, Options{})
	require.NoError(t, j.Start(context.Background(), "@every 1h"))
	j.Stop()
}
