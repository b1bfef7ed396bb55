package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// auditFile is a size-rotated append-only file used for the audit trail.
// Rotation keeps numbered backups (audit.log.1 is the most recent) and
// prunes backups older than maxAge.
type auditFile struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	size       int64
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
}

func newAuditFile(path string, maxSizeMB, maxBackups, maxAgeDays int) (*auditFile, error) {
	if path == "" {
		return nil, errors.New("audit file path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 7
	}
	if maxAgeDays <= 0 {
		maxAgeDays = 30
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &auditFile{
		path:       path,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
	}, nil
}

func (a *auditFile) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.open(); err != nil {
		return 0, err
	}
	if a.maxSize > 0 && a.size+int64(len(p)) > a.maxSize {
		if err := a.shift(); err != nil {
			return 0, err
		}
		if err := a.open(); err != nil {
			return 0, err
		}
	}
	n, err := a.file.Write(p)
	a.size += int64(n)
	return n, err
}

func (a *auditFile) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	a.size = 0
	return err
}

func (a *auditFile) open() error {
	if a.file != nil {
		return nil
	}
	file, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	a.file = file
	a.size = info.Size()
	return nil
}

// shift closes the current file and pushes every backup one slot back, so
// audit.log becomes audit.log.1 and the oldest backup falls off the end.
func (a *auditFile) shift() error {
	if a.file != nil {
		_ = a.file.Close()
		a.file = nil
	}
	a.size = 0

	if a.maxBackups > 0 {
		for i := a.maxBackups - 1; i >= 1; i-- {
			src := fmt.Sprintf("%s.%d", a.path, i)
			if _, err := os.Stat(src); err == nil {
				_ = os.Rename(src, fmt.Sprintf("%s.%d", a.path, i+1))
			}
		}
		if _, err := os.Stat(a.path); err == nil {
			_ = os.Rename(a.path, a.path+".1")
		}
	} else {
		_ = os.Remove(a.path)
	}

	a.pruneOld()
	return nil
}

func (a *auditFile) pruneOld() {
	if a.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-a.maxAge)
	for i := 1; i <= a.maxBackups; i++ {
		backup := fmt.Sprintf("%s.%d", a.path, i)
		info, err := os.Stat(backup)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(backup)
		}
	}
}
