// Package contextstore keeps task contexts as immutable, content-addressed blobs.
package contextstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	apperrors "execution-insight/backend/internal/errors"
	"execution-insight/backend/internal/logging"
	"execution-insight/backend/internal/repository"
)

const hashPrefix = "sha256:"

// References supplies the set of context hashes still pointed at by tasks.
type References interface {
	ReferencedContexts(ctx context.Context) (map[string]struct{}, error)
}

type Options struct {
	MaxBytes   int
	Retention  time.Duration
	References References
	Clock      clock.Clock
	Logger     *logging.Logger
}

// Store is the content-addressed context store. Writing the same bytes twice
// yields the same hash and stores them once.
type Store struct {
	blobs     repository.BlobStore
	maxBytes  int
	retention time.Duration
	refs      References
	clock     clock.Clock
	logger    *logging.Logger
}

func New(blobs repository.BlobStore, opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Store{
		blobs:     blobs,
		maxBytes:  opts.MaxBytes,
		retention: opts.Retention,
		refs:      opts.References,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}
}

// Hash returns the content address of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hashPrefix + hex.EncodeToString(sum[:])
}

// ValidHash reports whether h is a well-formed content address.
func ValidHash(h string) bool {
	hexPart, ok := strings.CutPrefix(h, hashPrefix)
	if !ok || len(hexPart) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil
}

// Put stores data and returns its hash. Oversized blobs are rejected, never truncated.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	if s.maxBytes > 0 && len(data) > s.maxBytes {
		return "", apperrors.Wrapf(apperrors.ErrContextTooLarge, "%d bytes exceeds limit of %d", len(data), s.maxBytes)
	}
	h := Hash(data)
	created, err := s.blobs.PutBlob(ctx, h, data, s.clock.Now())
	if err != nil {
		return "", apperrors.Dependency("context_store", err)
	}
	if created {
		s.logger.Debug("stored context", logging.HashKey, h, logging.SizeKey, len(data))
	}
	return h, nil
}

// Get returns the bytes stored under hash.
func (s *Store) Get(ctx context.Context, hash string) ([]byte, error) {
	if !ValidHash(hash) {
		return nil, apperrors.Validation("malformed context hash %q", hash)
	}
	data, err := s.blobs.GetBlob(ctx, hash)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
		return nil, apperrors.Dependency("context_store", err)
	}
	return data, nil
}

func (s *Store) Exists(ctx context.Context, hash string) (bool, error) {
	if !ValidHash(hash) {
		return false, nil
	}
	ok, err := s.blobs.HasBlob(ctx, hash)
	if err != nil {
		return false, apperrors.Dependency("context_store", err)
	}
	return ok, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.blobs.Ping(ctx)
}

// SweepResult reports one retention pass.
type SweepResult struct {
	Scanned  int `json:"scanned"`
	Live     int `json:"live"`
	Deleted  int `json:"deleted"`
	Retained int `json:"retained"`
}

// Sweep deletes blobs last written before the retention cutoff that no task
// references any more. A blob re-put during the sweep survives because the
// delete is conditional on its stamp.
func (s *Store) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	if s.retention <= 0 {
		return res, nil
	}
	if s.refs == nil {
		return res, apperrors.New("sweep requires a reference source")
	}
	cutoff := s.clock.Now().Add(-s.retention)

	candidates, err := s.blobs.ListBlobsBefore(ctx, cutoff)
	if err != nil {
		return res, apperrors.Dependency("context_store", err)
	}
	res.Scanned = len(candidates)
	if len(candidates) == 0 {
		return res, nil
	}

	live, err := s.refs.ReferencedContexts(ctx)
	if err != nil {
		return res, apperrors.Dependency("thread_store", err)
	}

	for _, h := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, ok := live[h]; ok {
			res.Live++
			continue
		}
		deleted, err := s.blobs.DeleteBlobIfBefore(ctx, h, cutoff)
		if err != nil {
			return res, apperrors.Dependency("context_store", err)
		}
		if deleted {
			res.Deleted++
		} else {
			res.Retained++
		}
	}
	s.logger.Info("context sweep finished",
		"scanned", res.Scanned, "live", res.Live, "deleted", res.Deleted, "retained", res.Retained)
	return res, nil
}

// Run sweeps on every interval until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 || s.retention <= 0 {
		return
	}
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("context sweep failed", logging.ErrorKey, err)
			}
		}
	}
}
