package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// rdpLogFile is the daemon's own rotating log file. grd-rdpd runs
// under systemd with logrotate managing this file's lifetime, so
// rotation here is size-based and reopen is triggered by SIGHUP the
// same way sshd and other long-running daemons cooperate with
// logrotate's copytruncate-free "rename then signal" convention.
type rdpLogFile struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	maxSize    int64 // bytes
	maxBackups int
	written    int64
}

// newRDPLogFile opens path for append, rotating once it exceeds
// maxSizeMB and keeping at most maxBackups rotated copies.
func newRDPLogFile(path string, maxSizeMB, maxBackups int) (*rdpLogFile, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	lf := &rdpLogFile{
		path:       path,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
	}

	if err := lf.openFile(); err != nil {
		return nil, err
	}

	return lf, nil
}

// Write implements io.Writer, rotating first if the write would push
// the file past maxSize.
func (lf *rdpLogFile) Write(p []byte) (int, error) {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if lf.written+int64(len(p)) > lf.maxSize {
		if err := lf.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log file: %w", err)
		}
	}

	n, err := lf.file.Write(p)
	lf.written += int64(n)
	return n, err
}

// Reopen closes and reopens the log file in place, without rotating
// it. It is the action a SIGHUP handler takes so grd-rdpd keeps
// writing to the path logrotate just renamed the old inode away
// from.
func (lf *rdpLogFile) Reopen() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if lf.file != nil {
		lf.file.Close()
	}
	return lf.openFile()
}

// Close closes the underlying file.
func (lf *rdpLogFile) Close() error {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	if lf.file != nil {
		return lf.file.Close()
	}
	return nil
}

func (lf *rdpLogFile) openFile() error {
	f, err := os.OpenFile(lf.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	lf.file = f
	lf.written = info.Size()
	return nil
}

func (lf *rdpLogFile) rotate() error {
	if lf.file != nil {
		lf.file.Close()
	}

	for i := lf.maxBackups; i >= 2; i-- {
		src := lf.backupName(i - 1)
		dst := lf.backupName(i)
		if i == lf.maxBackups {
			os.Remove(dst)
		}
		os.Rename(src, dst)
	}

	os.Rename(lf.path, lf.backupName(1))

	return lf.openFile()
}

func (lf *rdpLogFile) backupName(index int) string {
	if index == 0 {
		return lf.path
	}
	return fmt.Sprintf("%s.%d", lf.path, index)
}
