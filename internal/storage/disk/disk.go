// Package disk stores lock records as JSON files on a local or shared
// filesystem. Writes are serialized with a per-name mutex plus an advisory
// file lock and replaced atomically with rename.
package disk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/wlock/internal/storage"
)

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	// Watch enables fsnotify change notifications when the filesystem
	// supports them (not on NFS).
	Watch bool
	// Logger receives lifecycle warnings such as NFS detection.
	Logger pslog.Logger
}

// Store implements storage.Backend backed by the filesystem.
type Store struct {
	root       string
	recordDir  string
	lockDir    string
	tmpDir     string
	nfs        bool
	watch      bool
	watchMode  string
	watchWhy   string
	logger     pslog.Logger
	localLocks sync.Map
}

var globalLocks sync.Map

// globalNameMutex serializes writers for the same path across every Store
// instance in the process; fcntl locks are per process and would not.
func globalNameMutex(path string) *sync.Mutex {
	mu, _ := globalLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	root := filepath.Clean(cfg.Root)
	s := &Store{
		root:      root,
		recordDir: filepath.Join(root, "records"),
		lockDir:   filepath.Join(root, "locks"),
		tmpDir:    filepath.Join(root, "tmp"),
		logger:    logger.With("storage_backend", "disk"),
	}
	for _, dir := range []string{s.recordDir, s.lockDir, s.tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	s.nfs = isNFS(root)
	if s.nfs {
		s.logger.Warn("disk.nfs.detected",
			"root", root,
			"detail", "network filesystem: exclusion relies on NFS advisory locks and atomic rename; prefer an object store, postgres or redis across hosts",
		)
	}
	s.watchMode = "polling"
	s.watchWhy = "config_disabled"
	if cfg.Watch {
		if watchSupported(root) {
			s.watch = true
			s.watchMode = "fsnotify"
			s.watchWhy = "filesystem_watch_enabled"
		} else {
			s.watchWhy = "filesystem_not_supported"
		}
	}
	return s, nil
}

// Root returns the directory the store writes into.
func (s *Store) Root() string { return s.root }

// NFS reports whether the root lives on a network filesystem.
func (s *Store) NFS() bool { return s.nfs }

// WatchStatus reports whether change notifications are active, the mode and
// the reason.
func (s *Store) WatchStatus() (bool, string, string) {
	return s.watch, s.watchMode, s.watchWhy
}

// Close satisfies storage.Backend; the disk store holds no open handles.
func (s *Store) Close() error { return nil }

func (s *Store) loggers(ctx context.Context) (pslog.Logger, pslog.Logger) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = s.logger
	} else {
		logger = logger.With("storage_backend", "disk")
	}
	return logger, logger
}

func (s *Store) recordPath(name string) (string, error) {
	if err := storage.ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.recordDir, name+".json"), nil
}

func (s *Store) localLock(name string) *sync.Mutex {
	mu, _ := s.localLocks.LoadOrStore(name, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// lockName takes every lock guarding writes to name and returns the release
// function.
func (s *Store) lockName(name string) (func() error, error) {
	path := filepath.Join(s.lockDir, name+".lock")
	glob := globalNameMutex(path)
	glob.Lock()
	local := s.localLock(name)
	local.Lock()
	unlock, err := lockPath(path)
	if err != nil {
		local.Unlock()
		glob.Unlock()
		return nil, fmt.Errorf("disk: lock %q: %w", name, err)
	}
	return func() error {
		err := unlock()
		local.Unlock()
		glob.Unlock()
		return err
	}, nil
}

// LoadRecord reads the record file. The version token is a hash of the file
// contents.
func (s *Store) LoadRecord(ctx context.Context, name string) (storage.LoadResult, error) {
	logger, verbose := s.loggers(ctx)
	path, err := s.recordPath(name)
	if err != nil {
		return storage.LoadResult{}, err
	}
	rec, etag, err := readRecordFile(path)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Debug("disk.load_record.read_error", "lock", name, "error", err)
		}
		return storage.LoadResult{}, err
	}
	verbose.Trace("disk.load_record.success", "lock", name, "etag", etag)
	return storage.LoadResult{Record: rec, ETag: etag}, nil
}

// StoreRecord writes rec, enforcing CAS against expectedETag.
func (s *Store) StoreRecord(ctx context.Context, name string, rec *storage.Record, expectedETag string) (etag string, err error) {
	logger, verbose := s.loggers(ctx)
	start := time.Now()
	if rec == nil {
		return "", fmt.Errorf("disk: nil record")
	}
	path, err := s.recordPath(name)
	if err != nil {
		return "", err
	}
	verbose.Trace("disk.store_record.begin", "lock", name, "expected_etag", expectedETag)
	payload, err := storage.MarshalRecord(rec)
	if err != nil {
		return "", err
	}

	unlock, err := s.lockName(name)
	if err != nil {
		logger.Debug("disk.store_record.filelock_error", "lock", name, "error", err)
		return "", err
	}
	defer func() {
		if unlockErr := unlock(); unlockErr != nil && err == nil {
			err = fmt.Errorf("disk: unlock %q: %w", name, unlockErr)
		}
	}()

	_, current, err := readRecordFile(path)
	exists := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Debug("disk.store_record.read_error", "lock", name, "error", err)
		return "", err
	}
	if expectedETag != "" {
		if !exists {
			logger.Debug("disk.store_record.cas_not_found", "lock", name, "expected_etag", expectedETag)
			return "", storage.ErrNotFound
		}
		if current != expectedETag {
			logger.Debug("disk.store_record.cas_mismatch", "lock", name, "expected_etag", expectedETag, "current_etag", current)
			return "", storage.ErrCASMismatch
		}
	} else if exists {
		logger.Debug("disk.store_record.cas_exists", "lock", name, "current_etag", current)
		return "", storage.ErrCASMismatch
	}

	if err := s.writeBytesAtomic(path, payload); err != nil {
		logger.Debug("disk.store_record.write_error", "lock", name, "error", err)
		return "", err
	}
	etag = storage.ContentETag(payload)
	verbose.Debug("disk.store_record.success", "lock", name, "new_etag", etag, "elapsed", time.Since(start))
	return etag, nil
}

// DeleteRecord removes the record file, honouring expectedETag when set.
func (s *Store) DeleteRecord(ctx context.Context, name string, expectedETag string) (err error) {
	logger, verbose := s.loggers(ctx)
	path, err := s.recordPath(name)
	if err != nil {
		return err
	}
	verbose.Trace("disk.delete_record.begin", "lock", name, "expected_etag", expectedETag)
	unlock, err := s.lockName(name)
	if err != nil {
		logger.Debug("disk.delete_record.filelock_error", "lock", name, "error", err)
		return err
	}
	defer func() {
		if unlockErr := unlock(); unlockErr != nil && err == nil {
			err = fmt.Errorf("disk: unlock %q: %w", name, unlockErr)
		}
	}()

	if expectedETag != "" {
		_, current, err := readRecordFile(path)
		if err != nil {
			return err
		}
		if current != expectedETag {
			logger.Debug("disk.delete_record.cas_mismatch", "lock", name, "expected_etag", expectedETag, "current_etag", current)
			return storage.ErrCASMismatch
		}
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.ErrNotFound
		}
		logger.Debug("disk.delete_record.remove_error", "lock", name, "error", err)
		return fmt.Errorf("disk: remove record: %w", err)
	}
	_ = syncDir(s.recordDir)
	verbose.Debug("disk.delete_record.success", "lock", name)
	return nil
}

func readRecordFile(path string) (*storage.Record, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", storage.ErrNotFound
		}
		return nil, "", fmt.Errorf("disk: read record: %w", err)
	}
	rec, err := storage.UnmarshalRecord(data)
	if err != nil {
		return nil, "", fmt.Errorf("disk: %w", err)
	}
	return rec, storage.ContentETag(data), nil
}

func (s *Store) writeBytesAtomic(dest string, payload []byte) error {
	tmp, err := os.CreateTemp(s.tmpDir, "wlock-record-*")
	if err != nil {
		return fmt.Errorf("disk: create temp: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("disk: write temp: %w", err)
	}
	if err := syncFile(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("disk: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("disk: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("disk: rename record: %w", err)
	}
	_ = syncDir(filepath.Dir(dest))
	return nil
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
