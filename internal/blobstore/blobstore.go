// Package blobstore stores original uploaded PDF bytes, addressed by the
// sha256 content hash, so identical uploads share a single copy on disk
// (SPEC_FULL.md §4.7 / §6 storage representation).
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docuvision/docuvision/internal/apperror"
)

// Store persists and retrieves content-addressed blobs.
type Store interface {
	// Put writes data, returning its content hash and the ref used to
	// retrieve it later (ref is backend-specific; local implementations
	// use the hash-derived relative path).
	Put(ctx context.Context, data io.Reader) (hash string, ref string, size int64, err error)

	// Get opens the blob for the given ref for reading. Callers must
	// close the returned ReadCloser.
	Get(ctx context.Context, ref string) (io.ReadCloser, error)

	// Delete removes the blob at ref. Deleting a blob that is still
	// referenced by another document is the caller's responsibility to
	// avoid; the store does not refcount.
	Delete(ctx context.Context, ref string) error

	// Exists reports whether a blob already exists for the given hash,
	// returning its ref if so (backs upload dedup, SPEC_FULL.md §3).
	Exists(ctx context.Context, hash string) (ref string, ok bool, err error)
}

// LocalStore implements Store on the local filesystem, laying blobs out
// as {root}/{hash[:2]}/{hash}.pdf, mirroring the sharded-prefix layout
// named in SPEC_FULL.md §6. Grounded on the teacher's local-path
// conventions in internal/orchestrator/config and cmd/knowledge-engine-api
// handlers, which build deterministic filesystem paths from request
// identifiers rather than reaching for an object-storage SDK in local mode.
type LocalStore struct {
	root string
}

// NewLocalStore creates a LocalStore rooted at dir, creating it if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &LocalStore{root: dir}, nil
}

func (s *LocalStore) pathForHash(hash string) string {
	prefix := hash
	if len(prefix) > 2 {
		prefix = hash[:2]
	}
	return filepath.Join(s.root, prefix, hash+".pdf")
}

func (s *LocalStore) Put(ctx context.Context, data io.Reader) (string, string, int64, error) {
	tmp, err := os.CreateTemp(s.root, "upload-*.tmp")
	if err != nil {
		return "", "", 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), data)
	closeErr := tmp.Close()
	if err != nil {
		return "", "", 0, fmt.Errorf("write blob: %w", err)
	}
	if closeErr != nil {
		return "", "", 0, fmt.Errorf("close temp file: %w", closeErr)
	}

	hash := hex.EncodeToString(hasher.Sum(nil))
	finalPath := s.pathForHash(hash)

	if _, err := os.Stat(finalPath); err == nil {
		// Identical content already stored; discard the new copy.
		return hash, s.refFromPath(finalPath), size, nil
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return "", "", 0, fmt.Errorf("create blob directory: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", "", 0, fmt.Errorf("finalize blob: %w", err)
	}

	return hash, s.refFromPath(finalPath), size, nil
}

func (s *LocalStore) refFromPath(path string) string {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return path
	}
	return rel
}

func (s *LocalStore) Get(ctx context.Context, ref string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.root, ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperror.NotFound(fmt.Sprintf("blob not found: %s", ref))
		}
		return nil, err
	}
	return f, nil
}

func (s *LocalStore) Delete(ctx context.Context, ref string) error {
	err := os.Remove(filepath.Join(s.root, ref))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *LocalStore) Exists(ctx context.Context, hash string) (string, bool, error) {
	path := s.pathForHash(hash)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return s.refFromPath(path), true, nil
}

var _ Store = (*LocalStore)(nil)
