//go:build unix

package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const lockFileName = ".lock"

// dirLock is an exclusive flock on <dir>/.lock held for the life of a log.
type dirLock struct {
	file *os.File
}

func lockDir(dir string) (*dirLock, error) {
	path := filepath.Join(dir, lockFileName)
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrLogDirUnusable, path, err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLogDirLocked, dir)
		}
		return nil, fmt.Errorf("%w: flock %s: %v", ErrLogDirUnusable, path, err)
	}
	return &dirLock{file: os.NewFile(uintptr(fd), path)}, nil
}

func (l *dirLock) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	return l.file.Close()
}
