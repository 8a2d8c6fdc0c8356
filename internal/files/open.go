package files

import (
	"context"
	"errors"
)

// Open returns an active file with a read handle on its current content.
// The caller must close the blob.
//
// Reads do not take the per-file lock, so a save may commit and discard the
// blob between loading the record and opening it. A missing blob is retried
// once against a freshly loaded record.
func (s *Service) Open(ctx context.Context, caller Identity, id string) (*File, Blob, error) {
	file, blob, err := s.openCurrent(ctx, caller, id)
	if errors.Is(err, ErrBlobNotFound) {
		file, blob, err = s.openCurrent(ctx, caller, id)
	}
	record("open", err)
	if err != nil {
		return nil, nil, err
	}
	return file, blob, nil
}

// openCurrent loads the record and opens its blob.
func (s *Service) openCurrent(ctx context.Context, caller Identity, id string) (*File, Blob, error) {
	file, err := s.owned(ctx, caller, id)
	if err == nil && file.Deleted {
		err = NotFound(id)
	}
	if err != nil {
		return nil, nil, err
	}

	blob, err := s.openBlob(ctx, file.StorageKey)
	if err != nil {
		return nil, nil, err
	}
	return file, blob, nil
}
