package repository

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	apperrors "execution-insight/backend/internal/errors"
)

var (
	bucketBlobs    = []byte("blobs")
	bucketBlobMeta = []byte("blob_meta")
)

// BoltBlobStore keeps context blobs in a single bbolt file. Blob bytes and
// their last-write stamps live in separate buckets so sweeps scan only the
// small metadata bucket.
type BoltBlobStore struct {
	db *bolt.DB
}

var _ BlobStore = (*BoltBlobStore)(nil)

func NewBoltBlobStore(path string) (*BoltBlobStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("context store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketBlobs); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketBlobMeta)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltBlobStore{db: db}, nil
}

func encodeStamp(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()))
	return buf
}

func decodeStamp(b []byte) time.Time {
	if len(b) != 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(b)))
}

func (s *BoltBlobStore) PutBlob(ctx context.Context, hash string, data []byte, at time.Time) (bool, error) {
	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		blobs := tx.Bucket(bucketBlobs)
		meta := tx.Bucket(bucketBlobMeta)
		key := []byte(hash)
		if blobs.Get(key) == nil {
			created = true
			if err := blobs.Put(key, data); err != nil {
				return err
			}
			return meta.Put(key, encodeStamp(at))
		}
		if at.After(decodeStamp(meta.Get(key))) {
			return meta.Put(key, encodeStamp(at))
		}
		return nil
	})
	return created, err
}

func (s *BoltBlobStore) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlobs).Get([]byte(hash))
		if v == nil {
			return apperrors.Wrapf(apperrors.ErrNotFound, "context %s", hash)
		}
		// bbolt values are only valid inside the transaction.
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *BoltBlobStore) HasBlob(ctx context.Context, hash string) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketBlobMeta).Get([]byte(hash)) != nil
		return nil
	})
	return found, err
}

func (s *BoltBlobStore) ListBlobsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobMeta).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if decodeStamp(v).Before(cutoff) {
				out = append(out, string(k))
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltBlobStore) DeleteBlobIfBefore(ctx context.Context, hash string, cutoff time.Time) (bool, error) {
	deleted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		key := []byte(hash)
		meta := tx.Bucket(bucketBlobMeta)
		stamp := meta.Get(key)
		if stamp == nil || !decodeStamp(stamp).Before(cutoff) {
			return nil
		}
		if err := tx.Bucket(bucketBlobs).Delete(key); err != nil {
			return err
		}
		deleted = true
		return meta.Delete(key)
	})
	return deleted, err
}

func (s *BoltBlobStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketBlobs) == nil {
			return errors.New("blobs bucket missing")
		}
		return nil
	})
}

func (s *BoltBlobStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
