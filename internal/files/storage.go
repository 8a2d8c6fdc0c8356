package files

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pavel-fokin/file-vault/internal/metrics"
)

// putBlob writes content under key within the storage timeout. A timed-out
// write is retried once after rewinding content.
func (s *Service) putBlob(ctx context.Context, key string, content io.ReadSeeker) (int64, error) {
	var (
		written  int64
		attempts int
	)

	op := func() error {
		if attempts > 0 {
			if _, err := content.Seek(0, io.SeekStart); err != nil {
				return backoff.Permanent(err)
			}
			metrics.StorageRetriesTotal.WithLabelValues("put").Inc()
		}
		attempts++

		callCtx, cancel := context.WithTimeout(ctx, s.opts.StorageTimeout)
		defer cancel()

		n, err := s.blobs.Put(callCtx, key, content)
		if err != nil {
			if isTimeout(ctx, err) {
				return err
			}
			return backoff.Permanent(err)
		}
		written = n
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.opts.RetryBackoff), 1),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		// the store may have left a partial blob behind
		s.deleteBlob(context.WithoutCancel(ctx), key)
		if isTimeout(ctx, err) {
			return 0, newError(KindStorageTimeout, err, "storage did not respond in %s", s.opts.StorageTimeout)
		}
		return 0, newError(KindStorageWriteFailed, err, "failed to write file content")
	}
	return written, nil
}

// openBlob opens key for reading. Only the open call itself is bounded by the
// storage timeout; the returned handle lives until it is closed or ctx ends.
// A timed-out open is retried once.
func (s *Service) openBlob(ctx context.Context, key string) (Blob, error) {
	var (
		blob     Blob
		attempts int
	)

	op := func() error {
		if attempts > 0 {
			metrics.StorageRetriesTotal.WithLabelValues("open").Inc()
		}
		attempts++

		b, err := s.openOnce(ctx, key)
		if err != nil {
			if isTimeout(ctx, err) {
				return err
			}
			return backoff.Permanent(err)
		}
		blob = b
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.opts.RetryBackoff), 1),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		if isTimeout(ctx, err) {
			return nil, newError(KindStorageTimeout, err, "storage did not respond in %s", s.opts.StorageTimeout)
		}
		return nil, newError(KindStorageReadFailed, err, "failed to read file content")
	}
	return blob, nil
}

func (s *Service) openOnce(ctx context.Context, key string) (Blob, error) {
	callCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(s.opts.StorageTimeout, cancel)

	blob, err := s.blobs.Open(callCtx, key)
	if !timer.Stop() && ctx.Err() == nil {
		cancel()
		if blob != nil {
			blob.Close()
		}
		return nil, context.DeadlineExceeded
	}
	if err != nil {
		cancel()
		return nil, err
	}
	return &boundBlob{Blob: blob, cancel: cancel}, nil
}

// boundBlob releases the open call's context when the handle is closed.
type boundBlob struct {
	Blob
	cancel context.CancelFunc
}

func (b *boundBlob) Close() error {
	err := b.Blob.Close()
	b.cancel()
	return err
}

// deleteBlob removes key best-effort; leftovers are reclaimed by the janitor.
func (s *Service) deleteBlob(ctx context.Context, key string) {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.StorageTimeout)
	defer cancel()

	if err := s.blobs.Delete(callCtx, key); err != nil {
		s.logger.Warn("Failed to delete blob",
			slog.String("storage_key", key),
			slog.String("error", err.Error()),
		)
	}
}

// isTimeout reports a deadline hit by the storage call rather than by the caller.
func isTimeout(parent context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil
}
