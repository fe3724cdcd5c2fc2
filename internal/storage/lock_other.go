//go:build !unix

package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

const lockFileName = ".lock"

// dirLock only marks the directory on platforms without flock.
type dirLock struct {
	file *os.File
}

func lockDir(dir string) (*dirLock, error) {
	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrLogDirUnusable, path, err)
	}
	return &dirLock{file: f}, nil
}

func (l *dirLock) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}
