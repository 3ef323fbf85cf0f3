// Package retry wraps a storage backend with bounded exponential backoff for
// transient failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"pkt.systems/gardenpub/internal/clock"
	"pkt.systems/gardenpub/internal/storage"
	"pkt.systems/pslog"
)

// ErrNonReplayableBody is returned when a put hits a transient error but the
// body cannot be rewound for another attempt.
var ErrNonReplayableBody = errors.New("retry: request body is not replayable")

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
// The returned backend implements storage.ObjectCopier when inner does.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	b := &backend{
		inner:  inner,
		logger: logger,
		clock:  clk,
		cfg:    cfg,
	}
	if copier, ok := inner.(storage.ObjectCopier); ok {
		return &copyingBackend{backend: b, copier: copier}
	}
	return b
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

type copyingBackend struct {
	*backend
	copier storage.ObjectCopier
}

func (b *backend) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	var res *storage.ListResult
	err := b.withRetry(ctx, "list_objects", opts.Prefix, nil, func(ctx context.Context) error {
		var err error
		res, err = b.inner.ListObjects(ctx, opts)
		return err
	})
	return res, err
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	var result storage.GetObjectResult
	err := b.withRetry(ctx, "get_object", key, nil, func(ctx context.Context) error {
		var err error
		result, err = b.inner.GetObject(ctx, key)
		return err
	})
	return result, err
}

func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	var info *storage.ObjectInfo
	rewind := func() error {
		seeker, ok := body.(io.Seeker)
		if !ok {
			return ErrNonReplayableBody
		}
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("%w: %v", ErrNonReplayableBody, err)
		}
		return nil
	}
	err := b.withRetry(ctx, "put_object", key, rewind, func(ctx context.Context) error {
		var err error
		info, err = b.inner.PutObject(ctx, key, body, opts)
		return err
	})
	return info, err
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	return b.withRetry(ctx, "delete_object", key, nil, func(ctx context.Context) error {
		return b.inner.DeleteObject(ctx, key, opts)
	})
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (c *copyingBackend) CopyObject(ctx context.Context, srcKey, dstKey string, opts storage.CopyObjectOptions) (*storage.ObjectInfo, error) {
	var info *storage.ObjectInfo
	err := c.withRetry(ctx, "copy_object", dstKey, nil, func(ctx context.Context) error {
		var err error
		info, err = c.copier.CopyObject(ctx, srcKey, dstKey, opts)
		return err
	})
	return info, err
}

// withRetry runs fn until it succeeds, fails permanently or attempts run out.
// prepare, when set, runs before every retry and aborts the loop on error.
func (b *backend) withRetry(ctx context.Context, op, key string, prepare func() error, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	delay := b.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if prepare != nil {
			if perr := prepare(); perr != nil {
				b.logger.Warn("storage transient error not retried",
					"operation", op,
					"key", key,
					"attempt", attempt,
					"error", err,
					"reason", perr,
				)
				return fmt.Errorf("%w (after %v)", perr, err)
			}
		}
		b.logger.Warn("storage transient error",
			"operation", op,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"backoff", delay,
			"error", err,
		)
		b.clock.Sleep(delay)
		next := time.Duration(float64(delay) * b.cfg.Multiplier)
		if b.cfg.MaxDelay > 0 && next > b.cfg.MaxDelay {
			next = b.cfg.MaxDelay
		}
		delay = next
	}
	return lastErr
}
