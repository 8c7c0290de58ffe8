//go:build !unix

package vector

import (
	"fmt"
	"os"
	"time"

	"github.com/lazypower/cogmem/internal/memerr"
)

type fileLock struct {
	path string
}

// acquireLock falls back to an O_EXCL sentinel file where flock is not
// available. A stale sentinel from a crashed process must be removed by hand.
func acquireLock(path string, timeout time.Duration) (*fileLock, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return &fileLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}
		if !time.Now().Before(deadline) {
			return nil, &memerr.ConcurrencyConflictError{Resource: path, Cause: err}
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func (l *fileLock) release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	return err
}
