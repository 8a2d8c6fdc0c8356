package files

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pavel-fokin/file-vault/internal/metrics"
)

// Options tune the file service.
type Options struct {
	// MaxFileSize caps a single file's content in bytes.
	MaxFileSize int64
	// UploadConcurrency bounds how many files of one batch are stored at once.
	UploadConcurrency int
	// StorageTimeout bounds every blob store write.
	StorageTimeout time.Duration
	// RetryBackoff is the pause before retrying a timed-out blob write.
	RetryBackoff time.Duration
	// KeepVersions retains superseded blobs instead of deleting them.
	KeepVersions bool
	// HideForeign reports other users' files as not found instead of forbidden.
	HideForeign bool
	ListCacheSize int
	ListCacheTTL  time.Duration
}

// DefaultOptions mirror the reference deployment.
func DefaultOptions() Options {
	return Options{
		MaxFileSize:       10 << 20,
		UploadConcurrency: 4,
		StorageTimeout:    30 * time.Second,
		RetryBackoff:      100 * time.Millisecond,
		HideForeign:       true,
		ListCacheSize:     1024,
		ListCacheTTL:      time.Minute,
	}
}

// Service provides application-level file operations
type Service struct {
	blobs  BlobStore
	repo   FileRepository
	opts   Options
	logger *slog.Logger
	locks  *keyedLocker
	cache  *listCache
	now    func() time.Time
}

// NewService creates a new file service
func NewService(blobs BlobStore, repo FileRepository, opts Options, logger *slog.Logger) *Service {
	if opts.UploadConcurrency <= 0 {
		opts.UploadConcurrency = 1
	}
	if opts.StorageTimeout <= 0 {
		opts.StorageTimeout = DefaultOptions().StorageTimeout
	}
	return &Service{
		blobs:  blobs,
		repo:   repo,
		opts:   opts,
		logger: logger.With(slog.String("component", "file_service")),
		locks:  newKeyedLocker(),
		cache:  newListCache(opts.ListCacheSize, opts.ListCacheTTL),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// UploadRequest represents a file upload request
type UploadRequest struct {
	Name     string
	MimeType string
	// Size is the declared length; the content length is authoritative.
	Size    int64
	Content io.ReadSeeker
}

// UploadResult reports the outcome for one file of a batch.
type UploadResult struct {
	Name string
	File *File
	Err  error
}

// Upload stores every acceptable file of the batch. Files are validated and
// stored independently; a failure never aborts the others.
func (s *Service) Upload(ctx context.Context, caller Identity, reqs []UploadRequest) ([]UploadResult, error) {
	if caller.ID == "" {
		return nil, Unauthenticated("caller identity required")
	}
	if len(reqs) == 0 {
		return nil, InvalidArgument("no files provided")
	}

	results := make([]UploadResult, len(reqs))

	g := new(errgroup.Group)
	g.SetLimit(s.opts.UploadConcurrency)
	for i, req := range reqs {
		g.Go(func() error {
			file, err := s.uploadOne(ctx, caller, req)
			results[i] = UploadResult{Name: req.Name, File: file, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	created := 0
	for _, r := range results {
		if r.Err == nil {
			created++
		}
	}
	if created > 0 {
		s.cache.invalidate(caller.ID)
	}

	s.logger.Info("Upload batch processed",
		slog.String("owner_id", caller.ID),
		slog.Int("files", len(reqs)),
		slog.Int("created", created),
	)

	return results, nil
}

func (s *Service) uploadOne(ctx context.Context, caller Identity, req UploadRequest) (*File, error) {
	mimeType, size, err := s.validate(req.Name, req.MimeType, req.Size, req.Content)
	if err != nil {
		record("upload", err)
		return nil, err
	}

	file, err := s.store(ctx, caller, req.Name, mimeType, req.Content)
	record("upload", err)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("File uploaded",
		slog.String("file_id", file.ID),
		slog.String("filename", file.Name),
		slog.Int64("size", size),
	)
	return file, nil
}

// validate checks a payload before any store is touched and returns the
// normalized type and the real content length.
func (s *Service) validate(name, declaredType string, declaredSize int64, content io.ReadSeeker) (string, int64, error) {
	if strings.TrimSpace(name) == "" {
		return "", 0, InvalidArgument("file name is required")
	}
	if content == nil {
		return "", 0, InvalidArgument("file %q has no content", name)
	}

	mimeType := NormalizeType(declaredType)
	if !Allowed(mimeType) {
		return "", 0, newError(KindUnsupportedType, nil, "file %q has unsupported type %q", name, declaredType)
	}

	if declaredSize > s.opts.MaxFileSize {
		return "", 0, tooLarge(name, declaredSize, s.opts.MaxFileSize)
	}

	size, err := contentLength(content)
	if err != nil {
		return "", 0, InvalidArgument("file %q is unreadable: %v", name, err)
	}
	if size > s.opts.MaxFileSize {
		return "", 0, tooLarge(name, size, s.opts.MaxFileSize)
	}

	return mimeType, size, nil
}

func tooLarge(name string, size, limit int64) error {
	return newError(KindPayloadTooLarge, nil, "file %q is %d bytes, limit is %d", name, size, limit)
}

// contentLength measures a seekable payload and rewinds it.
func contentLength(r io.ReadSeeker) (int64, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return size, nil
}

// store writes the blob first and the record second.
func (s *Service) store(ctx context.Context, caller Identity, name, mimeType string, content io.ReadSeeker) (*File, error) {
	key := newStorageKey(caller.ID)

	size, err := s.putBlob(ctx, key, content)
	if err != nil {
		return nil, err
	}

	now := s.now()
	file := &File{
		ID:         NewID(),
		OwnerID:    caller.ID,
		Name:       name,
		Type:       mimeType,
		StorageKey: key,
		Size:       size,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.repo.Create(ctx, file); err != nil {
		s.deleteBlob(context.WithoutCancel(ctx), key)
		return nil, fmt.Errorf("failed to save file metadata: %w", err)
	}

	return file, nil
}

var blankExtensions = map[string]string{
	"pdf":  MimePDF,
	"docx": MimeDOCX,
	"xlsx": MimeXLSX,
}

// Create makes an empty document of the given kind (pdf, docx or xlsx).
func (s *Service) Create(ctx context.Context, caller Identity, kind string) (*File, error) {
	if caller.ID == "" {
		return nil, Unauthenticated("caller identity required")
	}
	kind = strings.ToLower(kind)
	mimeType, ok := blankExtensions[kind]
	if !ok {
		return nil, InvalidArgument("cannot create a document of type %q", kind)
	}

	file, err := s.store(ctx, caller, "Untitled."+kind, mimeType, bytes.NewReader(nil))
	record("create", err)
	if err != nil {
		return nil, err
	}
	s.cache.invalidate(caller.ID)

	s.logger.Info("Blank document created",
		slog.String("file_id", file.ID),
		slog.String("owner_id", caller.ID),
		slog.String("type", kind),
	)
	return file, nil
}

// Get returns one of the caller's files, soft-deleted ones included.
func (s *Service) Get(ctx context.Context, caller Identity, id string) (*File, error) {
	return s.owned(ctx, caller, id)
}

// owned loads id and enforces ownership.
func (s *Service) owned(ctx context.Context, caller Identity, id string) (*File, error) {
	if caller.ID == "" {
		return nil, Unauthenticated("caller identity required")
	}
	if id == "" {
		return nil, InvalidArgument("file id is required")
	}

	file, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, NotFound(id)
		}
		return nil, fmt.Errorf("failed to find file: %w", err)
	}

	if file.OwnerID != caller.ID {
		if s.opts.HideForeign {
			return nil, NotFound(id)
		}
		return nil, newError(KindForbidden, nil, "file %s belongs to another user", id)
	}
	return file, nil
}

// ListOptions narrow and order a listing.
type ListOptions struct {
	FileType  string
	Search    string
	SortBy    string
	SortOrder string
}

// List returns the caller's active files.
func (s *Service) List(ctx context.Context, caller Identity, opts ListOptions) ([]*File, error) {
	if caller.ID == "" {
		return nil, Unauthenticated("caller identity required")
	}

	category, err := ParseCategory(opts.FileType)
	if err != nil {
		return nil, err
	}
	less, err := sortFunc(opts.SortBy, opts.SortOrder)
	if err != nil {
		return nil, err
	}

	all, gen, ok := s.cache.get(caller.ID)
	if !ok {
		all, err = s.repo.ListByOwner(ctx, caller.ID, false)
		if err != nil {
			return nil, fmt.Errorf("failed to list files: %w", err)
		}
		s.cache.put(caller.ID, gen, all)
	}

	search := strings.ToLower(strings.TrimSpace(opts.Search))
	result := make([]*File, 0, len(all))
	for _, f := range all {
		if f.Deleted || !category.Match(f.Type) {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(f.Name), search) {
			continue
		}
		result = append(result, f)
	}

	sort.SliceStable(result, func(i, j int) bool { return less(result[i], result[j]) })
	return result, nil
}

// ListTrash returns the caller's soft-deleted files, most recently deleted first.
func (s *Service) ListTrash(ctx context.Context, caller Identity) ([]*File, error) {
	if caller.ID == "" {
		return nil, Unauthenticated("caller identity required")
	}
	list, err := s.repo.ListByOwner(ctx, caller.ID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list trash: %w", err)
	}
	sort.SliceStable(list, func(i, j int) bool {
		di, dj := deletedAt(list[i]), deletedAt(list[j])
		if !di.Equal(dj) {
			return di.After(dj)
		}
		return list[i].ID < list[j].ID
	})
	return list, nil
}

func deletedAt(f *File) time.Time {
	if f.DeletedAt == nil {
		return time.Time{}
	}
	return *f.DeletedAt
}

// sortFunc builds the ordering for a listing. Ties fall back to id ascending.
func sortFunc(by, order string) (func(a, b *File) bool, error) {
	desc := true
	switch strings.ToLower(order) {
	case "", "desc":
	case "asc":
		desc = false
	default:
		return nil, InvalidArgument("unknown sort order %q", order)
	}

	var cmp func(a, b *File) int
	switch strings.ToLower(by) {
	case "", "updatedat", "modified":
		cmp = func(a, b *File) int { return a.UpdatedAt.Compare(b.UpdatedAt) }
	case "createdat", "created":
		cmp = func(a, b *File) int { return a.CreatedAt.Compare(b.CreatedAt) }
	case "name":
		cmp = func(a, b *File) int { return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)) }
	case "size":
		cmp = func(a, b *File) int {
			switch {
			case a.Size < b.Size:
				return -1
			case a.Size > b.Size:
				return 1
			}
			return 0
		}
	default:
		return nil, InvalidArgument("unknown sort field %q", by)
	}

	return func(a, b *File) bool {
		c := cmp(a, b)
		if c == 0 {
			return a.ID < b.ID
		}
		if desc {
			return c > 0
		}
		return c < 0
	}, nil
}

// record counts an operation outcome by error kind.
func record(op string, err error) {
	result := "success"
	if err != nil {
		result = strings.ToLower(string(KindOf(err)))
	}
	metrics.OperationsTotal.WithLabelValues(op, result).Inc()
}
