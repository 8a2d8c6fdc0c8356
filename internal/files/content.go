package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ReplaceRequest carries new content for an existing file.
type ReplaceRequest struct {
	// MimeType may change the stored type; empty or octet-stream keeps it.
	MimeType string
	Size     int64
	Content  io.ReadSeeker
}

// Replace swaps a file's content and bumps its version by one. Calls for the
// same id are applied one at a time; the returned record carries the version
// this call produced.
func (s *Service) Replace(ctx context.Context, caller Identity, id string, req ReplaceRequest) (*File, error) {
	if caller.ID == "" {
		return nil, Unauthenticated("caller identity required")
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	file, err := s.replaceOnce(ctx, caller, id, req)
	if errors.Is(err, ErrVersionConflict) {
		// another process won the compare-and-swap; retry once on fresh state
		if _, seekErr := req.Content.Seek(0, io.SeekStart); seekErr == nil {
			file, err = s.replaceOnce(ctx, caller, id, req)
		}
	}
	if errors.Is(err, ErrVersionConflict) {
		err = newError(KindConflict, err, "file %s was modified concurrently", id)
	}
	record("replace", err)
	if err != nil {
		return nil, err
	}

	s.cache.invalidate(caller.ID)

	s.logger.Info("File content replaced",
		slog.String("file_id", file.ID),
		slog.Int64("version", file.Version),
		slog.Int64("size", file.Size),
		slog.String("saved_by", caller.ID),
	)
	return file, nil
}

func (s *Service) replaceOnce(ctx context.Context, caller Identity, id string, req ReplaceRequest) (*File, error) {
	current, err := s.owned(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if current.Deleted {
		return nil, NotFound(id)
	}

	mimeType := current.Type
	if declared := NormalizeType(req.MimeType); declared != "" && declared != "application/octet-stream" {
		mimeType = declared
	}
	if _, _, err := s.validate(current.Name, mimeType, req.Size, req.Content); err != nil {
		return nil, err
	}

	key := newStorageKey(current.OwnerID)
	size, err := s.putBlob(ctx, key, req.Content)
	if err != nil {
		return nil, err
	}

	upd := ContentUpdate{
		ID:              id,
		ExpectedVersion: current.Version,
		StorageKey:      key,
		Size:            size,
		Type:            mimeType,
		SavedBy:         caller.ID,
		SavedAt:         s.now(),
	}
	if s.opts.KeepVersions {
		upd.Retain = &FileVersion{
			FileID:     id,
			Version:    current.Version,
			StorageKey: current.StorageKey,
			Size:       current.Size,
			CreatedAt:  upd.SavedAt,
		}
	}

	updated, err := s.repo.UpdateContent(ctx, upd)
	if err != nil {
		s.deleteBlob(context.WithoutCancel(ctx), key)
		switch {
		case errors.Is(err, ErrVersionConflict):
			return nil, err
		case errors.Is(err, ErrRecordNotFound):
			return nil, NotFound(id)
		}
		return nil, fmt.Errorf("failed to update file metadata: %w", err)
	}

	if !s.opts.KeepVersions {
		s.deleteBlob(context.WithoutCancel(ctx), current.StorageKey)
	}
	return updated, nil
}

// MetadataUpdate names the fields to change; nil fields are left alone.
type MetadataUpdate struct {
	Name     *string
	Favorite *bool
}

// Update applies a rename and a favourite change together. Input is checked
// before anything is written.
func (s *Service) Update(ctx context.Context, caller Identity, id string, upd MetadataUpdate) (*File, error) {
	if upd.Name == nil && upd.Favorite == nil {
		return nil, InvalidArgument("nothing to update")
	}
	var name string
	if upd.Name != nil {
		var err error
		if name, err = cleanName(*upd.Name); err != nil {
			return nil, err
		}
	}

	return s.mutate(ctx, caller, id, "update", func(f *File) (*File, error) {
		var err error
		if upd.Name != nil && f.Name != name {
			if f, err = s.repo.Rename(ctx, id, name, s.now()); err != nil {
				return nil, err
			}
		}
		if upd.Favorite != nil && f.Favorite != *upd.Favorite {
			if f, err = s.repo.SetFavorite(ctx, id, *upd.Favorite, s.now()); err != nil {
				return nil, err
			}
		}
		return f, nil
	})
}

// SetFavorite stars or unstars a file.
func (s *Service) SetFavorite(ctx context.Context, caller Identity, id string, favorite bool) (*File, error) {
	return s.Update(ctx, caller, id, MetadataUpdate{Favorite: &favorite})
}

// Rename changes a file's display name.
func (s *Service) Rename(ctx context.Context, caller Identity, id, name string) (*File, error) {
	return s.Update(ctx, caller, id, MetadataUpdate{Name: &name})
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", InvalidArgument("file name is required")
	}
	if strings.ContainsAny(name, `/\`) || len(name) > 255 {
		return "", InvalidArgument("invalid file name %q", name)
	}
	return name, nil
}

// mutate runs a metadata change on an active file under its lock.
func (s *Service) mutate(ctx context.Context, caller Identity, id, op string, apply func(*File) (*File, error)) (*File, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	file, err := s.owned(ctx, caller, id)
	if err == nil && file.Deleted {
		err = NotFound(id)
	}
	if err == nil {
		file, err = apply(file)
		if errors.Is(err, ErrRecordNotFound) {
			err = NotFound(id)
		}
	}
	record(op, err)
	if err != nil {
		return nil, err
	}

	s.cache.invalidate(caller.ID)
	return file, nil
}

// Restore brings a soft-deleted file back into listings.
func (s *Service) Restore(ctx context.Context, caller Identity, id string) (*File, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	file, err := s.owned(ctx, caller, id)
	if err == nil && file.Deleted {
		file, err = s.repo.SetDeleted(ctx, id, false, s.now())
	}
	record("restore", err)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, NotFound(id)
		}
		return nil, err
	}

	s.cache.invalidate(caller.ID)
	return file, nil
}

// Versions lists the retained superseded versions of a file.
func (s *Service) Versions(ctx context.Context, caller Identity, id string) ([]FileVersion, error) {
	if _, err := s.owned(ctx, caller, id); err != nil {
		return nil, err
	}
	versions, err := s.repo.Versions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	return versions, nil
}
