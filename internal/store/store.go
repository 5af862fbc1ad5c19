// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store guards writes to the marker file tree.
//
// # Description
//
// A Store gives one writer at a time an exclusive scope over a marker
// directory. Inside the scope every destructive write is preceded by a
// timestamped backup of the original file, and every write lands through
// a temp file and rename so readers never observe a half-written record.
// If the scope's function fails or panics, every file it wrote is put back.
//
// # Thread Safety
//
// Store is safe for concurrent use. Tx is owned by the goroutine running
// the exclusive function and must not escape it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LockFileName is the name of the lock file under the store root.
const LockFileName = ".markerstore.lock"

// DefaultBackupDirName is the backup directory under the store root.
const DefaultBackupDirName = ".backups"

// DefaultMaxBackups is the number of backup sets kept after rotation.
const DefaultMaxBackups = 5

// Config configures a Store.
type Config struct {
	// Root is the marker directory. Required.
	Root string

	// BackupDir receives backup sets. Default: <Root>/.backups
	BackupDir string

	// MaxBackups is the number of backup sets kept. Default: 5.
	MaxBackups int

	// Logger receives lock and backup diagnostics. Default: slog.Default().
	Logger *slog.Logger

	// Clock stamps backups and lock info. Default: time.Now.
	Clock func() time.Time
}

// LockInfo is the content of the lock file while the lock is held.
type LockInfo struct {
	PID       int       `json:"pid"`
	SessionID string    `json:"session_id"`
	LockedAt  time.Time `json:"locked_at"`
	Reason    string    `json:"reason"`
}

// Store is a single-writer marker file tree.
type Store struct {
	cfg       Config
	locker    fileLocker
	sessionID string
	logger    *slog.Logger

	mu   sync.Mutex
	held bool
}

// New creates a store rooted at cfg.Root. The directory must exist.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, errors.New("store: root is required")
	}
	abs, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving store root %s: %w", cfg.Root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("opening store root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("store root %s is not a directory", abs)
	}
	cfg.Root = abs
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(abs, DefaultBackupDirName)
	} else if !filepath.IsAbs(cfg.BackupDir) {
		cfg.BackupDir = filepath.Join(abs, cfg.BackupDir)
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = DefaultMaxBackups
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Store{
		cfg:       cfg,
		locker:    newPlatformLocker(),
		sessionID: uuid.NewString(),
		logger:    cfg.Logger,
	}, nil
}

// Root returns the absolute store root.
func (s *Store) Root() string { return s.cfg.Root }

// BackupDir returns the absolute backup directory.
func (s *Store) BackupDir() string { return s.cfg.BackupDir }

// LockPath returns the lock file path.
func (s *Store) LockPath() string { return filepath.Join(s.cfg.Root, LockFileName) }

// SessionID identifies this Store in lock info.
func (s *Store) SessionID() string { return s.sessionID }

// Holder returns the live lock holder, or nil when the store is free.
//
// Lock info left behind by a dead process is reported as nil.
func (s *Store) Holder() (*LockInfo, error) {
	info, err := readLockInfo(s.LockPath())
	if err != nil || info == nil {
		return nil, err
	}
	if !IsProcessAlive(info.PID) {
		return nil, nil
	}
	return info, nil
}

// Exclusive runs fn while holding the store lock.
//
// # Description
//
// Acquires the lock file non-blockingly, records LockInfo, and hands fn a
// Tx for backed-up atomic writes. When fn returns nil the backup set is
// kept and rotated. When fn returns an error or panics, every file fn
// wrote is restored from its backup (or removed if it did not exist) and
// the error is returned. The lock is released on every path.
//
// # Inputs
//
//   - ctx: Checked before the lock is taken and exposed through Tx.Context.
//   - reason: Recorded in the lock file for diagnostics.
//   - fn: The write scope.
//
// # Outputs
//
//   - error: A *LockError wrapping ErrStoreLocked if another writer holds
//     the lock, ctx.Err() if cancelled before start, or fn's error.
func (s *Store) Exclusive(ctx context.Context, reason string, fn func(*Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.held {
		s.mu.Unlock()
		holder, _ := readLockInfo(s.LockPath())
		return &LockError{Path: s.LockPath(), Holder: holder, Err: ErrStoreLocked}
	}
	s.held = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.held = false
		s.mu.Unlock()
	}()

	f, err := s.acquire(reason)
	if err != nil {
		return err
	}
	defer s.release(f)

	tx := &Tx{
		store:    s,
		ctx:      ctx,
		reason:   reason,
		backedUp: make(map[string]string),
	}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
		if err != nil {
			tx.rollback()
			return
		}
		if cerr := tx.commit(); cerr != nil {
			err = cerr
		}
	}()
	return fn(tx)
}

func (s *Store) acquire(reason string) (*os.File, error) {
	path := s.LockPath()
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}
	if err := s.locker.Lock(f); err != nil {
		f.Close()
		if errors.Is(err, errFileLocked) {
			holder, _ := readLockInfo(path)
			return nil, &LockError{Path: path, Holder: holder, Err: ErrStoreLocked}
		}
		return nil, fmt.Errorf("acquiring lock on %s: %w", path, err)
	}

	if prev, _ := readLockInfo(path); prev != nil {
		s.logger.Info("reclaiming stale store lock",
			"path", path,
			"old_pid", prev.PID,
			"old_session", prev.SessionID,
			"alive", IsProcessAlive(prev.PID))
	}

	info := LockInfo{
		PID:       os.Getpid(),
		SessionID: s.sessionID,
		LockedAt:  s.cfg.Clock(),
		Reason:    reason,
	}
	data, _ := json.Marshal(info)
	if err := f.Truncate(0); err == nil {
		_, err = f.WriteAt(data, 0)
	}
	if err != nil {
		_ = s.locker.Unlock(f)
		f.Close()
		return nil, fmt.Errorf("writing lock info: %w", err)
	}
	_ = f.Sync()

	s.logger.Debug("acquired store lock", "path", path, "reason", reason)
	return f, nil
}

// release clears the lock info before unlocking, so the next holder never
// mistakes it for a stale lock.
func (s *Store) release(f *os.File) {
	if err := f.Truncate(0); err != nil {
		s.logger.Warn("failed to clear lock info", "path", f.Name(), "error", err)
	}
	if err := s.locker.Unlock(f); err != nil {
		s.logger.Warn("failed to unlock store", "path", f.Name(), "error", err)
	}
	f.Close()
	s.logger.Debug("released store lock", "path", f.Name())
}

func readLockInfo(path string) (*LockInfo, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading lock info: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decoding lock info %s: %w", path, err)
	}
	return &info, nil
}
