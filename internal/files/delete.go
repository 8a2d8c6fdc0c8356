package files

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SoftDelete hides a file from listings. Deleting an already deleted file succeeds.
func (s *Service) SoftDelete(ctx context.Context, caller Identity, id string) (*File, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	file, err := s.owned(ctx, caller, id)
	if err == nil && !file.Deleted {
		file, err = s.repo.SetDeleted(ctx, id, true, s.now())
		if err == nil {
			s.cache.invalidate(caller.ID)
		}
	}
	record("soft_delete", err)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, NotFound(id)
		}
		return nil, err
	}

	s.logger.Info("File moved to trash", slog.String("file_id", id))
	return file, nil
}

// PermanentDelete removes a file's record and every blob it references.
// Malformed ids are rejected before any store is touched.
func (s *Service) PermanentDelete(ctx context.Context, caller Identity, id string) error {
	if !ValidID(id) {
		err := InvalidArgument("malformed file id %q", id)
		record("permanent_delete", err)
		return err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	_, err := s.owned(ctx, caller, id)
	if err == nil {
		err = s.purge(ctx, id)
	}
	record("permanent_delete", err)
	if err != nil {
		return err
	}

	s.cache.invalidate(caller.ID)
	return nil
}

// purge drops the record first so no surviving row points at a missing blob.
func (s *Service) purge(ctx context.Context, id string) error {
	file, versions, err := s.repo.Delete(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return NotFound(id)
		}
		return fmt.Errorf("failed to delete file metadata: %w", err)
	}

	blobCtx := context.WithoutCancel(ctx)
	s.deleteBlob(blobCtx, file.StorageKey)
	for _, v := range versions {
		s.deleteBlob(blobCtx, v.StorageKey)
	}

	s.logger.Info("File permanently deleted",
		slog.String("file_id", id),
		slog.String("owner_id", file.OwnerID),
		slog.Int("versions", len(versions)),
	)
	return nil
}

// PurgeTrash permanently deletes files soft-deleted before the cutoff.
func (s *Service) PurgeTrash(ctx context.Context, before time.Time) (int, error) {
	expired, err := s.repo.ListDeletedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired trash: %w", err)
	}

	purged := 0
	for _, f := range expired {
		if err := ctx.Err(); err != nil {
			return purged, err
		}

		unlock := s.locks.Lock(f.ID)
		err := s.purge(ctx, f.ID)
		unlock()

		if err != nil {
			if KindOf(err) == KindNotFound {
				continue
			}
			return purged, err
		}
		s.cache.invalidate(f.OwnerID)
		purged++
	}
	return purged, nil
}
