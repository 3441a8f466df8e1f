// Package storage keeps raw dataset bytes on the local filesystem,
// snappy-compressed, addressed by opaque keys.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/plotline/plotline/internal/config"
	datasetdomain "github.com/plotline/plotline/internal/dataset/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
}

type Store struct {
	dir string
	log *zap.Logger
}

func New(p Params) (*Store, error) {
	dir := filepath.Join(p.Config.DataDir, "blobs")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Store{dir: dir, log: p.Log.Named("dataset.storage")}, nil
}

// Save streams r into a new compressed blob. maxBytes > 0 caps the
// uncompressed size; crossing it aborts the write and leaves nothing
// behind. Returns the storage key and the uncompressed size.
func (s *Store) Save(r io.Reader, maxBytes int64) (string, int64, error) {
	key := uuid.NewString() + ".sz"
	path := filepath.Join(s.dir, key)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", 0, err
	}

	limit := r
	if maxBytes > 0 {
		// One extra byte so the cap itself is still accepted.
		limit = io.LimitReader(r, maxBytes+1)
	}
	w := snappy.NewBufferedWriter(f)
	size, err := io.Copy(w, limit)
	if err == nil {
		err = w.Close()
	} else {
		w.Close()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && maxBytes > 0 && size > maxBytes {
		err = datasetdomain.ErrFileTooLarge
	}
	if err != nil {
		os.Remove(path)
		return "", 0, err
	}
	return key, size, nil
}

// Open returns a decompressing reader over a stored blob.
func (s *Store) Open(key string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.dir, key))
	if err != nil {
		return nil, err
	}
	return &blobReader{Reader: snappy.NewReader(f), file: f}, nil
}

// Delete removes a blob; missing keys are not an error.
func (s *Store) Delete(key string) error {
	err := os.Remove(filepath.Join(s.dir, key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

type blobReader struct {
	*snappy.Reader
	file *os.File
}

func (b *blobReader) Close() error { return b.file.Close() }
