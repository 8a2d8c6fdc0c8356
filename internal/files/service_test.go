package files

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadThenList(t *testing.T) {
	s, _, _ := newTestService(DefaultOptions())
	ctx := context.Background()

	file := mustUpload(t, s, alice, pdf("report.pdf", "%PDF-1.7 body"))

	assert.Len(t, file.ID, 24)
	assert.Equal(t, "alice", file.OwnerID)
	assert.Equal(t, int64(1), file.Version)
	assert.False(t, file.Favorite)
	assert.False(t, file.Deleted)

	list, err := s.List(ctx, alice, ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "report.pdf", list[0].Name)
	assert.Equal(t, int64(len("%PDF-1.7 body")), list[0].Size)
	assert.Equal(t, int64(1), list[0].Version)

	others, err := s.List(ctx, bob, ListOptions{})
	require.NoError(t, err)
	assert.NotNil(t, others)
	assert.Empty(t, others)
}

func TestUploadBatchWithUnsupportedType(t *testing.T) {
	s, blobs, _ := newTestService(DefaultOptions())

	results, err := s.Upload(context.Background(), alice, []UploadRequest{
		pdf("a.pdf", "a"),
		{Name: "b.zip", MimeType: "application/zip", Size: 1, Content: strings.NewReader("b")},
		{Name: "c.png", MimeType: "image/png", Size: 1, Content: strings.NewReader("c")},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.Equal(t, KindUnsupportedType, KindOf(results[1].Err))
	assert.Nil(t, results[1].File)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, "b.zip", results[1].Name)

	assert.Equal(t, 2, blobs.count())
}

func TestUploadReportAndVirus(t *testing.T) {
	s, _, _ := newTestService(DefaultOptions())
	ctx := context.Background()

	results, err := s.Upload(ctx, alice, []UploadRequest{
		pdf("report.pdf", "%PDF"),
		{Name: "virus.exe", MimeType: "application/x-msdownload", Size: 2, Content: strings.NewReader("MZ")},
	})
	require.NoError(t, err)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, KindUnsupportedType, KindOf(results[1].Err))

	list, err := s.List(ctx, alice, ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "report.pdf", list[0].Name)
}

func TestUploadValidation(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxFileSize = 8
	s, blobs, _ := newTestService(opts)

	tests := []struct {
		name string
		req  UploadRequest
		kind Kind
	}{
		{
			name: "empty name",
			req:  pdf(" ", "x"),
			kind: KindInvalidArgument,
		},
		{
			name: "declared size over limit",
			req:  UploadRequest{Name: "a.pdf", MimeType: MimePDF, Size: 9, Content: strings.NewReader("x")},
			kind: KindPayloadTooLarge,
		},
		{
			name: "actual size over limit",
			req:  UploadRequest{Name: "a.pdf", MimeType: MimePDF, Size: 1, Content: strings.NewReader("123456789")},
			kind: KindPayloadTooLarge,
		},
		{
			name: "no content",
			req:  UploadRequest{Name: "a.pdf", MimeType: MimePDF},
			kind: KindInvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := s.Upload(context.Background(), alice, []UploadRequest{tt.req})
			require.NoError(t, err)
			assert.Equal(t, tt.kind, KindOf(results[0].Err))
		})
	}

	assert.Zero(t, blobs.callCount())
}

func TestUploadRequiresCaller(t *testing.T) {
	s, _, _ := newTestService(DefaultOptions())

	_, err := s.Upload(context.Background(), Identity{}, []UploadRequest{pdf("a.pdf", "a")})
	assert.Equal(t, KindUnauthenticated, KindOf(err))

	_, err = s.Upload(context.Background(), alice, nil)
	assert.Equal(t, KindInvalidArgument, KindOf(err))
}

func TestUploadMetadataFailureRemovesBlob(t *testing.T) {
	s, blobs, repo := newTestService(DefaultOptions())
	repo.createErr = errBoom

	results, err := s.Upload(context.Background(), alice, []UploadRequest{pdf("a.pdf", "a")})
	require.NoError(t, err)
	assert.ErrorIs(t, results[0].Err, errBoom)
	assert.Equal(t, KindInternal, KindOf(results[0].Err))
	assert.Zero(t, blobs.count())
}

func TestUploadStorageWriteFailure(t *testing.T) {
	s, blobs, repo := newTestService(DefaultOptions())
	blobs.putErr = errBoom

	results, err := s.Upload(context.Background(), alice, []UploadRequest{pdf("a.pdf", "a")})
	require.NoError(t, err)
	assert.Equal(t, KindStorageWriteFailed, KindOf(results[0].Err))
	assert.Empty(t, repo.files)
}

func TestOpenRoundTrip(t *testing.T) {
	s, _, _ := newTestService(DefaultOptions())
	ctx := context.Background()
	payload := bytes.Repeat([]byte{0x00, 0xff, 'x'}, 1000)

	file := mustUpload(t, s, alice, UploadRequest{
		Name:     "photo.jpg",
		MimeType: "image/jpeg",
		Size:     int64(len(payload)),
		Content:  bytes.NewReader(payload),
	})
	assert.Equal(t, int64(len(payload)), file.Size)

	got, blob, err := s.Open(ctx, alice, file.ID)
	require.NoError(t, err)
	defer blob.Close()

	data, err := io.ReadAll(blob)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, got.Size, blob.Size())
}

func TestOpenMissingBlob(t *testing.T) {
	s, blobs, _ := newTestService(DefaultOptions())
	ctx := context.Background()

	file := mustUpload(t, s, alice, pdf("a.pdf", "a"))
	require.NoError(t, blobs.Delete(ctx, file.StorageKey))

	_, _, err := s.Open(ctx, alice, file.ID)
	assert.Equal(t, KindStorageReadFailed, KindOf(err))
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

// saveOnFind runs hook once, right after the next record lookup returns.
type saveOnFind struct {
	*memRepo
	mu   sync.Mutex
	hook func()
}

func (r *saveOnFind) FindByID(ctx context.Context, id string) (*File, error) {
	file, err := r.memRepo.FindByID(ctx, id)

	r.mu.Lock()
	hook := r.hook
	r.hook = nil
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	return file, err
}

func TestOpenDuringConcurrentSave(t *testing.T) {
	blobs := newMemBlobStore()
	repo := &saveOnFind{memRepo: newMemRepo()}
	s := NewService(blobs, repo, DefaultOptions(), testLogger())
	ctx := context.Background()

	file := mustUpload(t, s, alice, pdf("a.pdf", "v1"))

	repo.hook = func() {
		_, err := s.Replace(ctx, alice, file.ID, replaceWith("v2"))
		require.NoError(t, err)
	}

	got, blob, err := s.Open(ctx, alice, file.ID)
	require.NoError(t, err)
	defer blob.Close()

	assert.Equal(t, int64(2), got.Version)
	data, err := io.ReadAll(blob)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
	assert.Nil(t, blobs.content(file.StorageKey))
}

func TestCreateBlank(t *testing.T) {
	s, blobs, _ := newTestService(DefaultOptions())
	ctx := context.Background()

	file, err := s.Create(ctx, alice, "DOCX")
	require.NoError(t, err)
	assert.Equal(t, "Untitled.docx", file.Name)
	assert.Equal(t, MimeDOCX, file.Type)
	assert.Zero(t, file.Size)
	assert.Equal(t, int64(1), file.Version)
	assert.Empty(t, blobs.content(file.StorageKey))

	_, err = s.Create(ctx, alice, "png")
	assert.Equal(t, KindInvalidArgument, KindOf(err))
}

func TestListFilterAndSort(t *testing.T) {
	s, _, _ := newTestService(DefaultOptions())
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	mustUpload(t, s, alice, pdf("Quarterly Report.pdf", "12345"))
	mustUpload(t, s, alice, UploadRequest{Name: "budget.xls", MimeType: MimeXLS, Size: 3, Content: strings.NewReader("123")})
	mustUpload(t, s, alice, UploadRequest{Name: "cat.png", MimeType: MimePNG, Size: 1, Content: strings.NewReader("1")})
	mustUpload(t, s, alice, UploadRequest{Name: "notes.docx", MimeType: MimeDOCX, Size: 4, Content: strings.NewReader("1234")})

	names := func(list []*File) []string {
		out := make([]string, len(list))
		for i, f := range list {
			out[i] = f.Name
		}
		return out
	}

	tests := []struct {
		name string
		opts ListOptions
		want []string
	}{
		{
			name: "default newest first",
			opts: ListOptions{},
			want: []string{"notes.docx", "cat.png", "budget.xls", "Quarterly Report.pdf"},
		},
		{
			name: "name ascending",
			opts: ListOptions{SortBy: "name", SortOrder: "asc"},
			want: []string{"budget.xls", "cat.png", "notes.docx", "Quarterly Report.pdf"},
		},
		{
			name: "size descending",
			opts: ListOptions{SortBy: "size"},
			want: []string{"Quarterly Report.pdf", "notes.docx", "budget.xls", "cat.png"},
		},
		{
			name: "spreadsheets include xls",
			opts: ListOptions{FileType: "xlsx"},
			want: []string{"budget.xls"},
		},
		{
			name: "images",
			opts: ListOptions{FileType: "image"},
			want: []string{"cat.png"},
		},
		{
			name: "search is case insensitive",
			opts: ListOptions{Search: "REPORT"},
			want: []string{"Quarterly Report.pdf"},
		},
		{
			name: "no match",
			opts: ListOptions{Search: "missing"},
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := s.List(ctx, alice, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(list))
		})
	}

	t.Run("unknown filter", func(t *testing.T) {
		_, err := s.List(ctx, alice, ListOptions{FileType: "video"})
		assert.Equal(t, KindInvalidArgument, KindOf(err))
	})

	t.Run("unknown sort", func(t *testing.T) {
		_, err := s.List(ctx, alice, ListOptions{SortBy: "owner"})
		assert.Equal(t, KindInvalidArgument, KindOf(err))
		_, err = s.List(ctx, alice, ListOptions{SortOrder: "sideways"})
		assert.Equal(t, KindInvalidArgument, KindOf(err))
	})
}

func TestListTiesBreakByID(t *testing.T) {
	s, _, _ := newTestService(DefaultOptions())
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	for range 5 {
		mustUpload(t, s, alice, pdf("same.pdf", "x"))
	}

	list, err := s.List(context.Background(), alice, ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 5)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].ID, list[i].ID)
	}
}

func TestListUsesCacheUntilMutation(t *testing.T) {
	s, _, repo := newTestService(DefaultOptions())
	ctx := context.Background()

	file := mustUpload(t, s, alice, pdf("a.pdf", "a"))

	_, err := s.List(ctx, alice, ListOptions{})
	require.NoError(t, err)
	calls := repo.callCount()

	_, err = s.List(ctx, alice, ListOptions{Search: "a"})
	require.NoError(t, err)
	assert.Equal(t, calls, repo.callCount(), "second listing should be served from cache")

	_, err = s.Rename(ctx, alice, file.ID, "b.pdf")
	require.NoError(t, err)

	list, err := s.List(ctx, alice, ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b.pdf", list[0].Name)
}

func TestGetForeignCaller(t *testing.T) {
	tests := []struct {
		name        string
		hideForeign bool
		want        Kind
	}{
		{name: "hidden", hideForeign: true, want: KindNotFound},
		{name: "forbidden", hideForeign: false, want: KindForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.HideForeign = tt.hideForeign
			s, blobs, _ := newTestService(opts)
			ctx := context.Background()

			file := mustUpload(t, s, alice, pdf("a.pdf", "secret"))

			_, _, err := s.Open(ctx, bob, file.ID)
			assert.Equal(t, tt.want, KindOf(err))

			_, err = s.Replace(ctx, bob, file.ID, ReplaceRequest{Size: 1, Content: strings.NewReader("x")})
			assert.Equal(t, tt.want, KindOf(err))

			_, err = s.SoftDelete(ctx, bob, file.ID)
			assert.Equal(t, tt.want, KindOf(err))

			err = s.PermanentDelete(ctx, bob, file.ID)
			assert.Equal(t, tt.want, KindOf(err))

			got, err := s.Get(ctx, alice, file.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(1), got.Version)
			assert.False(t, got.Deleted)
			assert.Equal(t, []byte("secret"), blobs.content(file.StorageKey))
		})
	}
}
