// Package store persists managed certificates in a single-table SQLite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
)

const (
	// DatabaseFile is the name of the database inside the storage directory
	DatabaseFile = "manageditems.db"
	// LegacyFile is the JSON array older installations kept their items in
	LegacyFile = "manageditems.json"

	defaultLockTimeout   = 10 * time.Second
	defaultRetryAttempts = 3
	defaultRetryDelay    = time.Second
)

// Options tune an opened store. Zero values select the defaults.
type Options struct {
	Logger        common.LoggerInterface
	LockTimeout   time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// Store is the managed certificate repository. A store that failed to initialize stays
// usable as a value but every operation returns a StorageUnavailable error.
type Store struct {
	db      *sql.DB
	dir     string
	dbPath  string
	logger  common.LoggerInterface
	lock    chan struct{}
	initErr error

	lockTimeout   time.Duration
	retryAttempts int
	retryDelay    time.Duration
}

// Open prepares the database in dir: legacy JSON import, schema upgrade, rotating backup
// and WAL mode. It never fails; check IsInitialized or InitError.
func Open(ctx context.Context, dir string, opts Options) *Store {
	s := &Store{
		dir:           dir,
		dbPath:        filepath.Join(dir, DatabaseFile),
		logger:        opts.Logger,
		lock:          make(chan struct{}, 1),
		lockTimeout:   opts.LockTimeout,
		retryAttempts: opts.RetryAttempts,
		retryDelay:    opts.RetryDelay,
	}
	if s.logger == nil {
		s.logger = nopLogger{}
	}
	if s.lockTimeout <= 0 {
		s.lockTimeout = defaultLockTimeout
	}
	if s.retryAttempts <= 0 {
		s.retryAttempts = defaultRetryAttempts
	}
	if s.retryDelay <= 0 {
		s.retryDelay = defaultRetryDelay
	}

	if err := s.init(ctx); err != nil {
		s.initErr = err
		s.logger.Errorf("Managed certificate store could not be initialized: %v", err)
		if s.db != nil {
			_ = s.db.Close()
			s.db = nil
		}
	}
	return s
}

func (s *Store) init(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return fmt.Errorf("creating storage directory %s: %w", s.dir, err)
	}

	legacyPath := filepath.Join(s.dir, LegacyFile)
	_, legacyErr := os.Stat(legacyPath)
	_, dbErr := os.Stat(s.dbPath)
	migrateLegacy := legacyErr == nil && os.IsNotExist(dbErr)

	db, err := sql.Open("sqlite", s.dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("opening database %s: %w", s.dbPath, err)
	}
	db.SetMaxOpenConns(1)
	s.db = db

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("opening database %s: %w", s.dbPath, err)
	}

	if err := migrateSchema(ctx, db, s.logger); err != nil {
		return err
	}

	if migrateLegacy {
		if err := s.importLegacy(ctx, legacyPath); err != nil {
			return err
		}
	}

	if err := s.backup(ctx); err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("enabling WAL: %w", err)
	}
	return nil
}

// IsInitialized reports whether the database is ready for use.
func (s *Store) IsInitialized() bool {
	return s.initErr == nil && s.db != nil
}

// InitError returns the reason initialization failed, if it did.
func (s *Store) InitError() error {
	return s.initErr
}

// Path returns the database file.
func (s *Store) Path() string {
	return s.dbPath
}

// Close releases the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) available(operation string) error {
	if s.IsInitialized() {
		return nil
	}
	appErr := common.NewStorageUnavailableError(operation, "managed certificate store is not initialized")
	appErr.Resource = s.dbPath
	appErr.Underlying = s.initErr
	return appErr
}

// acquire takes the store-wide write lock, giving up after the lock timeout.
func (s *Store) acquire(ctx context.Context) (func(), error) {
	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()

	select {
	case s.lock <- struct{}{}:
		return func() { <-s.lock }, nil
	case <-timer.C:
		return nil, common.NewStorageError("update", fmt.Sprintf("timed out after %v waiting for the store lock", s.lockTimeout))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})      {}
func (nopLogger) Info(string, ...interface{})       {}
func (nopLogger) Warn(string, ...interface{})       {}
func (nopLogger) Error(string, ...interface{})      {}
func (nopLogger) Debugf(string, ...interface{})     {}
func (nopLogger) Infof(string, ...interface{})      {}
func (nopLogger) Warnf(string, ...interface{})      {}
func (nopLogger) Errorf(string, ...interface{})     {}
func (nopLogger) Importantf(string, ...interface{}) {}
