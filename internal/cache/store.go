// Package cache implements the keyed, content-addressable store shared by
// all pipeline runs: best-effort caches keyed by resolved templates, and
// inter-stage artifact hand-off keyed by run and job. Blobs are gzip'd tar
// archives addressed by the blake3 digest of their uncompressed stream.
//
// The store is the only cross-run mutable shared state in the engine; it is
// constructed once and passed by reference into each run. Writers to the
// same key serialize through a per-key lock; different keys never contend.
package cache

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// ErrLockTimeout reports that a per-key lock could not be acquired in time.
// Readers treat it as a miss; writers skip the update. It is never fatal.
var ErrLockTimeout = errors.New("cache: timed out waiting for key lock")

// DefaultLockTimeout bounds how long a job waits on a contended cache key.
const DefaultLockTimeout = 30 * time.Second

// ArtifactRecord describes one job's retained artifacts within a run.
type ArtifactRecord struct {
	Job    string   `json:"job"`
	Digest string   `json:"digest"`
	Paths  []string `json:"paths"`
}

// Store is a filesystem-backed blob store. Layout under root:
// blobs/<digest>.tar.gz, keys/<hashed-key> (cache index), and
// artifacts/<runID>/<job>.json (artifact index).
type Store struct {
	root        string
	lockTimeout time.Duration

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewStore opens (or creates) a store rooted at dir.
func NewStore(dir string) (*Store, error) {
	for _, sub := range []string{"blobs", "keys", "artifacts"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating store layout: %w", err)
		}
	}
	return &Store{
		root:        dir,
		lockTimeout: DefaultLockTimeout,
		locks:       make(map[string]chan struct{}),
	}, nil
}

// SetLockTimeout overrides the per-key lock acquisition timeout.
func (s *Store) SetLockTimeout(d time.Duration) {
	s.lockTimeout = d
}

// Put archives the given paths from workDir under key. A re-Put of an
// unchanged path set maps to the same blob and only touches the index.
func (s *Store) Put(key, workDir string, paths []string) error {
	release, err := s.acquire(key)
	if err != nil {
		return err
	}
	defer release()

	digest, err := s.storeBlob(workDir, paths)
	if err != nil {
		return err
	}
	return os.WriteFile(s.keyPath(key), []byte(digest), 0o644)
}

// Get extracts the entry for key into workDir. A missing key is a miss, not
// an error; so is a lock-acquisition timeout.
func (s *Store) Get(key, workDir string) (bool, error) {
	release, err := s.acquire(key)
	if errors.Is(err, ErrLockTimeout) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer release()

	digest, err := os.ReadFile(s.keyPath(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	blob := s.blobPath(string(digest))
	if _, err := os.Stat(blob); os.IsNotExist(err) {
		return false, nil
	}
	if err := extractArchive(blob, workDir); err != nil {
		return false, err
	}
	return true, nil
}

// PutArtifacts retains a job's declared artifact paths for downstream jobs
// and for the post-run manifest. Run+job is a unique writer, so no per-key
// lock is needed.
func (s *Store) PutArtifacts(runID, job, workDir string, paths []string) error {
	digest, err := s.storeBlob(workDir, paths)
	if err != nil {
		return err
	}
	rec := ArtifactRecord{Job: job, Digest: digest, Paths: paths}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	dir := filepath.Join(s.root, "artifacts", runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, job+".json"), data, 0o644)
}

// GetArtifacts extracts a job's artifacts into workDir. Jobs without
// retained artifacts are a miss, not an error.
func (s *Store) GetArtifacts(runID, job, workDir string) (bool, error) {
	rec, err := s.readArtifactRecord(runID, job)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := extractArchive(s.blobPath(rec.Digest), workDir); err != nil {
		return false, err
	}
	return true, nil
}

// Manifest lists the artifacts retained for a run, sorted by job name.
func (s *Store) Manifest(runID string) ([]ArtifactRecord, error) {
	dir := filepath.Join(s.root, "artifacts", runID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	records := make([]ArtifactRecord, 0, len(entries))
	for _, e := range entries {
		job := e.Name()
		if ext := filepath.Ext(job); ext == ".json" {
			job = job[:len(job)-len(ext)]
		}
		rec, err := s.readArtifactRecord(runID, job)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) readArtifactRecord(runID, job string) (ArtifactRecord, error) {
	var rec ArtifactRecord
	data, err := os.ReadFile(filepath.Join(s.root, "artifacts", runID, job+".json"))
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// storeBlob archives paths and moves the result into the blob directory
// under its digest. Re-storing an existing digest is a no-op.
func (s *Store) storeBlob(workDir string, paths []string) (string, error) {
	digest, tmpFile, err := buildArchive(filepath.Join(s.root, "blobs"), workDir, paths)
	if err != nil {
		return "", err
	}
	dest := s.blobPath(digest)
	if _, err := os.Stat(dest); err == nil {
		os.Remove(tmpFile)
		return digest, nil
	}
	if err := os.Rename(tmpFile, dest); err != nil {
		return "", err
	}
	return digest, nil
}

// acquire takes the per-key lock, waiting at most lockTimeout. The returned
// release function must be called exactly once.
func (s *Store) acquire(key string) (func(), error) {
	s.mu.Lock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	s.mu.Unlock()

	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-timer.C:
		return nil, ErrLockTimeout
	}
}

func (s *Store) blobPath(digest string) string {
	return filepath.Join(s.root, "blobs", digest+".tar.gz")
}

// keyPath maps an arbitrary resolved cache key to an index file name. Keys
// are user-shaped strings, so they are hashed rather than sanitized.
func (s *Store) keyPath(key string) string {
	sum := blake3.Sum256([]byte(key))
	return filepath.Join(s.root, "keys", hex.EncodeToString(sum[:]))
}
